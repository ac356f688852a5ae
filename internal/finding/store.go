package finding

import (
	"context"
	"time"
)

// Index names shared by producers, the loop and downstream dashboards.
const (
	IndexThreatAlerts       = "threat-alerts"
	IndexUEBAAlerts         = "ueba-alerts"
	IndexAttackChains       = "attack-chains"
	IndexSecurityEvents     = "security-events"
	IndexHuntingFindings    = "threat-hunting-findings"
	IndexHuntingReports     = "hunting-reports"
	IndexActions            = "soar-actions"
	IndexPlaybookExecutions = "playbook-executions"
	IndexManualReview       = "manual-review"
)

// Store is the finding store client. Indices are created implicitly on first
// write. Implementations must be safe for concurrent use.
type Store interface {
	Exists(ctx context.Context, index string) (bool, error)
	Search(ctx context.Context, index string, q Query) ([]*Finding, error)
	Index(ctx context.Context, index, id string, doc Document) (string, error)
	Get(ctx context.Context, index, id string) (*Finding, bool, error)
	Update(ctx context.Context, index, id string, partial Document) error

	// Claim atomically takes ownership of an unprocessed finding for lease.
	// It returns false when the finding is already processed or another
	// owner holds an unexpired claim.
	Claim(ctx context.Context, index, id, owner string, lease time.Duration) (bool, error)
	Release(ctx context.Context, index, id, owner string) error
}

// ProcessedUpdate builds the partial document that marks a finding done.
func ProcessedUpdate(playbook, disposition string, at time.Time) Document {
	doc := Document{
		FieldProcessed:     true,
		FieldExecutionTime: FormatTime(at),
		FieldDisposition:   disposition,
	}
	if playbook != "" {
		doc[FieldPlaybook] = playbook
	}
	return doc
}
