package action

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/warden/internal/finding"
)

// Indices written by the store-backed handlers.
const (
	IndexScanActivity = "scan-activity"
	IndexWatchlist    = "watchlist"
)

// auditLimit caps how many events an audit looks at.
const auditLimit = 500

type storeHandler struct {
	kind string
	key  func(f *finding.Finding) string
	run  func(ctx context.Context, f *finding.Finding) (map[string]any, error)
}

func (h *storeHandler) Kind() string                  { return h.kind }
func (h *storeHandler) Key(f *finding.Finding) string { return h.key(f) }
func (h *storeHandler) Execute(ctx context.Context, f *finding.Finding) (map[string]any, error) {
	return h.run(ctx, f)
}

func noKey(*finding.Finding) string { return "" }

// StoreHandlers implements the actions whose effect lives in the finding
// store itself: activity logs, the watchlist and read-only audits.
func StoreHandlers(s finding.Store) []Handler {
	return []Handler{
		&storeHandler{
			kind: "log_scanning_activity",
			key:  findingKey,
			run: func(ctx context.Context, f *finding.Finding) (map[string]any, error) {
				doc := finding.Document{
					finding.FieldTimestamp: finding.FormatTime(time.Now()),
					finding.FieldSource:    f.CorrelationKey(),
					finding.FieldCategory:  f.Category,
					"finding_id":           f.ID,
					"finding_index":        f.Index,
				}
				if ports, ok := f.Attributes["unique_ports_accessed"]; ok {
					doc["unique_ports_accessed"] = ports
				}
				id, err := s.Index(ctx, IndexScanActivity, "", doc)
				if err != nil {
					return nil, fmt.Errorf("%w: finding store: %w", ErrCollaboratorUnavailable, err)
				}
				return map[string]any{"record_id": id, "index": IndexScanActivity, "status": "logged"}, nil
			},
		},
		&storeHandler{
			kind: "add_to_watchlist",
			key:  func(f *finding.Finding) string { return f.SourceIdentity },
			run: func(ctx context.Context, f *finding.Finding) (map[string]any, error) {
				if f.SourceIdentity == "" {
					return nil, fmt.Errorf("%w: add_to_watchlist needs %s", ErrMalformedFinding, finding.FieldSource)
				}
				// the address is the document id, so re-adding overwrites
				doc := finding.Document{
					finding.FieldTimestamp: finding.FormatTime(time.Now()),
					finding.FieldSource:    f.SourceIdentity,
					"reason":               f.Category,
					"finding_id":           f.ID,
				}
				if _, err := s.Index(ctx, IndexWatchlist, f.SourceIdentity, doc); err != nil {
					return nil, fmt.Errorf("%w: finding store: %w", ErrCollaboratorUnavailable, err)
				}
				return map[string]any{"source_ip": f.SourceIdentity, "status": "watchlisted"}, nil
			},
		},
		&storeHandler{
			kind: "audit_access_logs",
			key:  noKey,
			run: func(ctx context.Context, f *finding.Finding) (map[string]any, error) {
				if f.Username == "" {
					return nil, fmt.Errorf("%w: audit_access_logs needs %s", ErrMalformedFinding, finding.FieldUsername)
				}
				events, err := searchEvents(ctx, s, finding.Eq(finding.FieldUsername, f.Username))
				if err != nil {
					return nil, err
				}
				escalations := 0
				for _, e := range events {
					if e.Attr("action") == "privilege_escalation" {
						escalations++
					}
				}
				return map[string]any{
					"username":              f.Username,
					"events_reviewed":       len(events),
					"privilege_escalations": escalations,
					"status":                "audited",
				}, nil
			},
		},
		&storeHandler{
			kind: "analyze_transferred_data",
			key:  noKey,
			run: func(ctx context.Context, f *finding.Finding) (map[string]any, error) {
				if f.SourceIdentity == "" {
					return nil, fmt.Errorf("%w: analyze_transferred_data needs %s", ErrMalformedFinding, finding.FieldSource)
				}
				events, err := searchEvents(ctx, s, finding.Eq(finding.FieldSource, f.SourceIdentity))
				if err != nil {
					return nil, err
				}
				var total float64
				external := 0
				for _, e := range events {
					if n, ok := e.Attributes["bytes_transferred"].(float64); ok {
						total += n
					}
					if b, ok := e.Attributes["external_destination"].(bool); ok && b {
						external++
					}
				}
				return map[string]any{
					"source_ip":             f.SourceIdentity,
					"events_analyzed":       len(events),
					"bytes_transferred":     total,
					"external_destinations": external,
					"status":                "analyzed",
				}, nil
			},
		},
	}
}

func searchEvents(ctx context.Context, s finding.Store, c finding.Clause) ([]*finding.Finding, error) {
	ok, err := s.Exists(ctx, finding.IndexSecurityEvents)
	if err != nil {
		return nil, fmt.Errorf("%w: finding store: %w", ErrCollaboratorUnavailable, err)
	}
	if !ok {
		return nil, nil
	}
	events, err := s.Search(ctx, finding.IndexSecurityEvents, finding.Query{
		Must:       []finding.Clause{c},
		Limit:      auditLimit,
		Descending: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: finding store: %w", ErrCollaboratorUnavailable, err)
	}
	return events, nil
}
