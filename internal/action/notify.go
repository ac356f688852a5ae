package action

import (
	"context"

	"github.com/linnemanlabs/warden/internal/finding"
)

// Notification is a message to a response team about a finding.
type Notification struct {
	Kind       string
	Recipient  string
	Priority   string
	Escalation bool
	Finding    *finding.Finding
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
	Method() string
}

type notifyHandler struct {
	kind       string
	recipient  string
	escalation bool
	notifier   Notifier
}

// NotificationHandlers routes the team notification kinds through n.
func NotificationHandlers(n Notifier) []Handler {
	return []Handler{
		&notifyHandler{kind: "notify_soc_team", recipient: "SOC Team", notifier: n},
		&notifyHandler{kind: "notify_incident_response_team", recipient: "Incident Response Team", notifier: n},
		&notifyHandler{kind: "notify_security_leadership", recipient: "Security Leadership", notifier: n},
		&notifyHandler{kind: "alert_network_team", recipient: "Network Team", notifier: n},
		&notifyHandler{kind: "escalate_to_incident_response", recipient: "Incident Response Team", escalation: true, notifier: n},
	}
}

func (h *notifyHandler) Kind() string { return h.kind }

// Key is per finding so a team hears about each finding once.
func (h *notifyHandler) Key(f *finding.Finding) string { return findingKey(f) }

func (h *notifyHandler) Execute(ctx context.Context, f *finding.Finding) (map[string]any, error) {
	n := Notification{
		Kind:       h.kind,
		Recipient:  h.recipient,
		Priority:   orDefault(f.Severity, "MEDIUM"),
		Escalation: h.escalation,
		Finding:    f,
	}
	if err := h.notifier.Notify(ctx, n); err != nil {
		return nil, err
	}
	return map[string]any{
		"recipient":  h.recipient,
		"method":     h.notifier.Method(),
		"priority":   n.Priority,
		"escalation": h.escalation,
		"sent":       true,
	}, nil
}

// RemoteNotifier delivers notifications through a notification collaborator.
type RemoteNotifier struct {
	caller Caller
}

// NewRemoteNotifier wraps a collaborator as a Notifier.
func NewRemoteNotifier(c Caller) *RemoteNotifier {
	return &RemoteNotifier{caller: c}
}

// Method implements Notifier.
func (r *RemoteNotifier) Method() string { return "notification_service" }

// Notify implements Notifier.
func (r *RemoteNotifier) Notify(ctx context.Context, n Notification) error {
	req := map[string]any{
		"action":     n.Kind,
		"recipient":  n.Recipient,
		"priority":   n.Priority,
		"escalation": n.Escalation,
	}
	if n.Finding != nil {
		req["finding_id"] = n.Finding.ID
		req["alert_type"] = n.Finding.Category
		req["source_ip"] = n.Finding.SourceIdentity
	}
	_, err := r.caller.Call(ctx, "/v1/notify", req)
	return err
}
