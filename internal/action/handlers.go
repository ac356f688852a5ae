package action

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/linnemanlabs/warden/internal/finding"
)

var forensicArtifacts = []string{"memory_dump", "disk_image", "network_pcap", "process_list", "registry_hives"}

// remote is a handler backed by a collaborator call. The target field of the
// finding is the effect's subject and doubles as its idempotency key.
type remote struct {
	kind     string
	path     string
	caller   Caller
	fields   []string // first non-empty wins
	keyByID  bool     // key on the finding id instead of the target
	describe func(target string, f *finding.Finding, now time.Time) map[string]any
}

func (h *remote) Kind() string { return h.kind }

func (h *remote) Key(f *finding.Finding) string {
	if h.keyByID {
		return findingKey(f)
	}
	return h.target(f)
}

func (h *remote) target(f *finding.Finding) string {
	for _, k := range h.fields {
		if v := f.Attr(k); v != "" {
			return v
		}
	}
	return ""
}

func (h *remote) Execute(ctx context.Context, f *finding.Finding) (map[string]any, error) {
	target := h.target(f)
	if target == "" && len(h.fields) > 0 {
		return nil, fmt.Errorf("%w: %s needs one of %v", ErrMalformedFinding, h.kind, h.fields)
	}

	req := map[string]any{
		"action":     h.kind,
		"target":     target,
		"finding_id": f.ID,
		"alert_type": f.Category,
		"severity":   f.Severity,
		"source_ip":  f.SourceIdentity,
		"hostname":   f.Hostname,
		"username":   f.Username,
	}
	reply, err := h.caller.Call(ctx, h.path, req)
	if err != nil {
		return nil, err
	}

	details := h.describe(target, f, time.Now().UTC())
	maps.Copy(details, reply)
	return details, nil
}

// FirewallHandlers blocks and throttles source addresses.
func FirewallHandlers(c Caller) []Handler {
	return []Handler{
		&remote{
			kind:   "block_source_ip",
			path:   "/v1/block",
			caller: c,
			fields: []string{finding.FieldSource},
			describe: func(ip string, _ *finding.Finding, _ time.Time) map[string]any {
				return map[string]any{"blocked_ip": ip, "method": "firewall_rule", "duration": "permanent", "status": "blocked"}
			},
		},
		&remote{
			kind:   "block_outbound_connection",
			path:   "/v1/block-outbound",
			caller: c,
			fields: []string{"destination_ip", finding.FieldSource},
			describe: func(ip string, _ *finding.Finding, _ time.Time) map[string]any {
				return map[string]any{"blocked_ip": ip, "direction": "outbound", "method": "firewall_rule", "status": "blocked"}
			},
		},
		&remote{
			kind:   "rate_limit_source",
			path:   "/v1/rate-limit",
			caller: c,
			fields: []string{finding.FieldSource},
			describe: func(ip string, _ *finding.Finding, _ time.Time) map[string]any {
				return map[string]any{"source_ip": ip, "method": "rate_limit", "status": "rate_limited"}
			},
		},
	}
}

// EDRHandlers acts on endpoints. A finding without a hostname falls back to
// its source address.
func EDRHandlers(c Caller) []Handler {
	host := []string{finding.FieldHostname, finding.FieldSource}
	return []Handler{
		&remote{
			kind:   "isolate_endpoint",
			path:   "/v1/isolate",
			caller: c,
			fields: host,
			describe: func(h string, _ *finding.Finding, _ time.Time) map[string]any {
				return map[string]any{
					"hostname":         h,
					"isolation_method": "network_quarantine",
					"status":           "isolated",
					"allow_list":       []string{"soc_management_network"},
				}
			},
		},
		&remote{
			kind:   "kill_malicious_process",
			path:   "/v1/kill-process",
			caller: c,
			fields: host,
			describe: func(h string, f *finding.Finding, _ time.Time) map[string]any {
				return map[string]any{"hostname": h, "process": f.Attr("process_name"), "status": "terminated"}
			},
		},
		&remote{
			kind:    "collect_forensic_artifacts",
			path:    "/v1/forensics",
			caller:  c,
			fields:  host,
			keyByID: true,
			describe: func(h string, _ *finding.Finding, now time.Time) map[string]any {
				return map[string]any{
					"hostname":            h,
					"artifacts_collected": slices.Clone(forensicArtifacts),
					"storage_location":    "/forensics/" + now.Format("20060102_150405"),
					"hash_calculated":     true,
				}
			},
		},
		&remote{
			kind:    "scan_network_for_spread",
			path:    "/v1/sweep",
			caller:  c,
			fields:  host,
			keyByID: true,
			describe: func(h string, _ *finding.Finding, _ time.Time) map[string]any {
				return map[string]any{"origin": h, "status": "sweep_started"}
			},
		},
		&remote{
			kind:    "check_lateral_movement",
			path:    "/v1/lateral-movement",
			caller:  c,
			fields:  host,
			keyByID: true,
			describe: func(h string, f *finding.Finding, _ time.Time) map[string]any {
				return map[string]any{"hostname": h, "username": f.Username, "status": "checked"}
			},
		},
	}
}

// DirectoryHandlers acts on user accounts.
func DirectoryHandlers(c Caller) []Handler {
	user := []string{finding.FieldUsername}
	suspended := func(u string, _ *finding.Finding, _ time.Time) map[string]any {
		return map[string]any{"username": u, "action": "account_suspended", "requires_review": true, "status": "suspended"}
	}
	status := func(s string) func(string, *finding.Finding, time.Time) map[string]any {
		return func(u string, _ *finding.Finding, _ time.Time) map[string]any {
			return map[string]any{"username": u, "status": s}
		}
	}
	return []Handler{
		&remote{kind: "suspend_user_account", path: "/v1/suspend", caller: c, fields: user, describe: suspended},
		&remote{kind: "suspend_account", path: "/v1/suspend", caller: c, fields: user, describe: suspended},
		&remote{kind: "reset_user_password", path: "/v1/reset-password", caller: c, fields: user, describe: status("password_reset")},
		&remote{kind: "enable_mfa", path: "/v1/enforce-mfa", caller: c, fields: user, describe: status("mfa_enforced")},
		&remote{kind: "revoke_elevated_privileges", path: "/v1/revoke-privileges", caller: c, fields: user, describe: status("privileges_revoked")},
	}
}

// TicketingHandlers opens cases. Both are keyed on the finding so a retried
// run does not open a second ticket.
func TicketingHandlers(c Caller) []Handler {
	return []Handler{
		&remote{
			kind:    "create_incident_ticket",
			path:    "/v1/tickets",
			caller:  c,
			keyByID: true,
			describe: func(_ string, f *finding.Finding, now time.Time) map[string]any {
				return map[string]any{
					"ticket_id":   fmt.Sprintf("INC-%d", now.Unix()),
					"title":       orDefault(f.Category, "Security Incident"),
					"severity":    orDefault(f.Severity, "MEDIUM"),
					"assigned_to": "SOC_L1",
					"status":      "open",
				}
			},
		},
		&remote{
			kind:    "initiate_forensic_investigation",
			path:    "/v1/investigations",
			caller:  c,
			keyByID: true,
			describe: func(_ string, f *finding.Finding, _ time.Time) map[string]any {
				return map[string]any{
					"title":    "Forensic investigation: " + orDefault(f.Category, "security incident"),
					"severity": orDefault(f.Severity, "MEDIUM"),
					"status":   "investigation_opened",
				}
			},
		},
	}
}

func findingKey(f *finding.Finding) string {
	if f.ID == "" {
		return ""
	}
	return f.Index + "/" + f.ID
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
