// Package slack delivers response-team notifications to Slack via incoming
// webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/linnemanlabs/warden/internal/action"
	"github.com/linnemanlabs/warden/internal/finding"
)

const (
	maxAttributesLen = 2000
	httpTimeout      = 10 * time.Second
)

// Notifier posts action notifications to a Slack webhook. It implements
// action.Notifier.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// Method implements action.Notifier.
func (n *Notifier) Method() string { return "slack" }

// Notify posts one notification to the configured webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Notify(ctx context.Context, note action.Notification) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(note))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("%w: slack: post webhook: %w", action.ErrCollaboratorUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: slack: webhook returned %d: %s", action.ErrCollaboratorUnavailable, resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(n action.Notification) map[string]any {
	f := n.Finding
	if f == nil {
		f = &finding.Finding{}
	}
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(n, f),
			{"type": "divider"},
			fieldsBlock(n, f),
			{"type": "divider"},
			attributesBlock(f),
			{"type": "divider"},
			contextBlock(f),
		},
	}
}

func headerBlock(n action.Notification, f *finding.Finding) map[string]any {
	title := "Security Alert"
	if n.Escalation {
		title = "Escalation"
	}
	category := f.Category
	if category == "" {
		category = "unclassified finding"
	}
	text := fmt.Sprintf("%s %s for %s: %s", severityEmoji(n.Priority), title, n.Recipient, category)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(n action.Notification, f *finding.Finding) map[string]any {
	fields := []map[string]any{
		mrkdwn(fmt.Sprintf("*Priority:* %s", n.Priority)),
		mrkdwn(fmt.Sprintf("*Source:* %s", f.CorrelationKey())),
	}
	if f.Technique != "" {
		fields = append(fields, mrkdwn(fmt.Sprintf("*MITRE:* %s", f.Technique)))
	}
	if f.Hostname != "" {
		fields = append(fields, mrkdwn(fmt.Sprintf("*Host:* %s", f.Hostname)))
	}
	if f.Username != "" {
		fields = append(fields, mrkdwn(fmt.Sprintf("*User:* %s", f.Username)))
	}
	if f.PlaybookExecuted != "" {
		fields = append(fields, mrkdwn(fmt.Sprintf("*Playbook:* %s", f.PlaybookExecuted)))
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

// attributesBlock renders the finding's extra attributes in a stable order.
func attributesBlock(f *finding.Finding) map[string]any {
	keys := make([]string, 0, len(f.Attributes))
	for k := range f.Attributes {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, f.Attributes[k])
	}
	text := truncate(b.String(), maxAttributesLen)
	if text == "" {
		text = "_No additional attributes._"
	} else {
		text = "```" + text + "```"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Details*\n\n%s", text),
		},
	}
}

func contextBlock(f *finding.Finding) map[string]any {
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	elements := []map[string]any{
		mrkdwn(fmt.Sprintf("warden • finding %s/%s • %s", f.Index, f.ID, ts.UTC().Format("2006-01-02 15:04 UTC"))),
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func mrkdwn(text string) map[string]any {
	return map[string]any{"type": "mrkdwn", "text": text}
}

func severityEmoji(priority string) string {
	switch strings.ToUpper(priority) {
	case "CRITICAL", "HIGH":
		return "\U0001f534" // red circle
	case "MEDIUM":
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
