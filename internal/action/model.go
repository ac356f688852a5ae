// Package action executes single playbook actions against external
// collaborators. Every failure is captured into a Result; nothing a handler
// does can abort the enclosing playbook run.
package action

import (
	"errors"
	"time"

	"github.com/linnemanlabs/warden/internal/finding"
)

// Status is the outcome of one action invocation.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Failure reasons recorded on FAILED results.
const (
	ReasonCollaboratorUnavailable = "collaborator_unavailable"
	ReasonMalformedFinding        = "malformed_finding"
	ReasonUnimplementedAction     = "unimplemented_action"
	ReasonTimeout                 = "timeout"
	ReasonPanic                   = "panic"
	ReasonCanceled                = "canceled"
)

var (
	// ErrCollaboratorUnavailable covers transport errors, non-2xx answers
	// and explicit success=false replies from a collaborator.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")

	// ErrMalformedFinding means the finding lacks the input an action needs.
	// It is never retried.
	ErrMalformedFinding = errors.New("malformed finding")

	// ErrUnimplementedAction is returned for kinds with no registered handler.
	ErrUnimplementedAction = errors.New("unimplemented action")

	errHandlerPanic = errors.New("handler panic")
)

// Result is the immutable record of one action invocation.
type Result struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Kind        string         `json:"action"`
	Priority    int            `json:"priority"`
	Playbook    string         `json:"playbook,omitempty"`
	FindingID   string         `json:"finding_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Duration    float64        `json:"duration_seconds"`
	Attempts    int            `json:"attempts"`
	Status      Status         `json:"status"`
	Details     map[string]any `json:"details,omitempty"`
	Error       string         `json:"error,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

// Succeeded reports whether the action completed.
func (r *Result) Succeeded() bool { return r.Status == StatusSuccess }

// Document renders the result for the soar-actions index.
func (r *Result) Document() finding.Document {
	doc := finding.Document{
		finding.FieldTimestamp: finding.FormatTime(r.Timestamp),
		"action":               r.Kind,
		"priority":             r.Priority,
		"status":               string(r.Status),
		"attempts":             r.Attempts,
		"duration_seconds":     r.Duration,
	}
	if r.ExecutionID != "" {
		doc["execution_id"] = r.ExecutionID
	}
	if r.Playbook != "" {
		doc["playbook"] = r.Playbook
	}
	if r.FindingID != "" {
		doc["finding_id"] = r.FindingID
	}
	if len(r.Details) > 0 {
		doc["details"] = r.Details
	}
	if r.Error != "" {
		doc["error"] = r.Error
		doc["reason"] = r.Reason
	}
	return doc
}
