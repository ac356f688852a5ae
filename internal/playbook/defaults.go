package playbook

// Playbook names in the built-in catalog.
const (
	BruteForceResponse          = "brute_force_response"
	MalwareDetectionResponse    = "malware_detection_response"
	DataExfiltrationResponse    = "data_exfiltration_response"
	PortScanResponse            = "port_scan_response"
	PrivilegeEscalationResponse = "privilege_escalation_response"
	AttackChainResponse         = "attack_chain_response"
)

func defaultPlaybooks() []Definition {
	return []Definition{
		{
			Name:     BruteForceResponse,
			Title:    "Brute Force Attack Response",
			Trigger:  "failed_login_threshold_exceeded",
			Severity: SeverityHigh,
			Actions: []Action{
				{Kind: "block_source_ip", Priority: 1},
				{Kind: "notify_soc_team", Priority: 2},
				{Kind: "reset_user_password", Priority: 3},
				{Kind: "enable_mfa", Priority: 4},
				{Kind: "create_incident_ticket", Priority: 5},
			},
		},
		{
			Name:     MalwareDetectionResponse,
			Title:    "Malware Detection Response",
			Trigger:  "malware_detected",
			Severity: SeverityCritical,
			Actions: []Action{
				{Kind: "isolate_endpoint", Priority: 1},
				{Kind: "kill_malicious_process", Priority: 2},
				{Kind: "collect_forensic_artifacts", Priority: 3},
				{Kind: "scan_network_for_spread", Priority: 4},
				{Kind: "notify_incident_response_team", Priority: 5},
			},
		},
		{
			Name:     DataExfiltrationResponse,
			Title:    "Data Exfiltration Response",
			Trigger:  "unusual_data_transfer",
			Severity: SeverityCritical,
			Actions: []Action{
				{Kind: "block_outbound_connection", Priority: 1},
				{Kind: "suspend_user_account", Priority: 2},
				{Kind: "analyze_transferred_data", Priority: 3},
				{Kind: "notify_security_leadership", Priority: 4},
				{Kind: "initiate_forensic_investigation", Priority: 5},
			},
		},
		{
			Name:     PortScanResponse,
			Title:    "Port Scan Detection Response",
			Trigger:  "port_scan_detected",
			Severity: SeverityMedium,
			Actions: []Action{
				{Kind: "log_scanning_activity", Priority: 1},
				{Kind: "rate_limit_source", Priority: 2},
				{Kind: "add_to_watchlist", Priority: 3},
				{Kind: "alert_network_team", Priority: 4},
			},
		},
		{
			Name:     PrivilegeEscalationResponse,
			Title:    "Privilege Escalation Response",
			Trigger:  "unauthorized_privilege_elevation",
			Severity: SeverityHigh,
			Actions: []Action{
				{Kind: "revoke_elevated_privileges", Priority: 1},
				{Kind: "suspend_account", Priority: 2},
				{Kind: "audit_access_logs", Priority: 3},
				{Kind: "check_lateral_movement", Priority: 4},
				{Kind: "escalate_to_incident_response", Priority: 5},
			},
		},
		{
			Name:     AttackChainResponse,
			Title:    "Multi-Stage Attack Chain Response",
			Trigger:  "attack_chain",
			Severity: SeverityHigh,
			Actions: []Action{
				{Kind: "add_to_watchlist", Priority: 1},
				{Kind: "block_source_ip", Priority: 2},
				{Kind: "create_incident_ticket", Priority: 3},
				{Kind: "escalate_to_incident_response", Priority: 4},
			},
		},
	}
}

// defaultRules is evaluated top to bottom.
func defaultRules() []Rule {
	return []Rule{
		{Keyword: "brute_force", Playbook: BruteForceResponse},
		{Keyword: "failed_login", Playbook: BruteForceResponse},
		{Keyword: "malware", Playbook: MalwareDetectionResponse},
		{Keyword: "virus", Playbook: MalwareDetectionResponse},
		{Keyword: "data_exfiltration", Playbook: DataExfiltrationResponse},
		{Keyword: "unusual_transfer", Playbook: DataExfiltrationResponse},
		{Keyword: "port_scan", Playbook: PortScanResponse},
		{Keyword: "network_scan", Playbook: PortScanResponse},
		{Keyword: "privilege_escalation", Playbook: PrivilegeEscalationResponse},
		{Keyword: "unauthorized_access", Playbook: PrivilegeEscalationResponse},
		{Keyword: "attack_chain", Playbook: AttackChainResponse},
	}
}
