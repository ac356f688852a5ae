// Package orchestrate runs matched playbooks: every action in ascending
// priority order, one Result per action, and a single ExecutionLog per run.
package orchestrate

import (
	"errors"
	"time"

	"github.com/linnemanlabs/warden/internal/action"
	"github.com/linnemanlabs/warden/internal/finding"
)

// ErrUnknownPlaybook is returned when a run names a playbook absent from the catalog.
var ErrUnknownPlaybook = errors.New("unknown playbook")

// Status is the lifecycle state of a playbook run. There is no failed state:
// a run always completes, whatever its actions report.
type Status string

const (
	StatusMatched   Status = "matched"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
)

// ExecutionLog is the record of one playbook run. It is written once, after
// EndTime is set, and never mutated afterwards.
type ExecutionLog struct {
	ID              string           `json:"id"`
	Playbook        string           `json:"playbook"`
	Title           string           `json:"title,omitempty"`
	Severity        string           `json:"severity"`
	FindingID       string           `json:"finding_id"`
	FindingIndex    string           `json:"finding_index"`
	StartTime       time.Time        `json:"start_time"`
	EndTime         time.Time        `json:"end_time"`
	AlertContext    finding.Document `json:"alert_context"`
	ActionsExecuted []action.Result  `json:"actions_executed"`
	Status          Status           `json:"status"`
	Succeeded       int              `json:"actions_succeeded"`
	Failed          int              `json:"actions_failed"`
}

// Duration is the wall time of the run in seconds.
func (l *ExecutionLog) Duration() float64 {
	return l.EndTime.Sub(l.StartTime).Seconds()
}

// Document renders the log for the playbook-executions index.
func (l *ExecutionLog) Document() finding.Document {
	actions := make([]finding.Document, 0, len(l.ActionsExecuted))
	for i := range l.ActionsExecuted {
		doc := l.ActionsExecuted[i].Document()
		doc["id"] = l.ActionsExecuted[i].ID
		actions = append(actions, doc)
	}
	return finding.Document{
		finding.FieldTimestamp: finding.FormatTime(l.StartTime),
		"execution_id":         l.ID,
		"playbook":             l.Playbook,
		"title":                l.Title,
		"severity":             l.Severity,
		"finding_id":           l.FindingID,
		"finding_index":        l.FindingIndex,
		"start_time":           finding.FormatTime(l.StartTime),
		"end_time":             finding.FormatTime(l.EndTime),
		"duration_seconds":     l.Duration(),
		"alert_context":        l.AlertContext,
		"actions_executed":     actions,
		"actions_succeeded":    l.Succeeded,
		"actions_failed":       l.Failed,
		"status":               string(l.Status),
	}
}
