package correlation

import "github.com/linnemanlabs/warden/internal/finding"

// Hunt is a named query over security-events whose hits are tagged with a
// technique.
type Hunt struct {
	Name        string
	Description string
	Query       finding.Query
	Technique   string
}

// DefaultHunts returns the built-in hunt set.
func DefaultHunts() []Hunt {
	return []Hunt{
		{
			Name:        "Suspicious Login Patterns",
			Description: "Hunt for unusual login activities",
			Query: finding.Query{
				Should: []finding.Clause{
					finding.Gte("failed_logins", 5),
					finding.Eq("unusual_time", true),
					finding.Eq("new_location", true),
				},
				MinimumShouldMatch: 1,
			},
			Technique: "T1110",
		},
		{
			Name:        "Network Reconnaissance",
			Description: "Hunt for port scanning and network discovery",
			Query: finding.Query{
				Should: []finding.Clause{
					finding.Gte("unique_ports_accessed", 20),
					finding.Eq("scan_detected", true),
				},
			},
			Technique: "T1046",
		},
		{
			Name:        "Privilege Escalation Attempts",
			Description: "Hunt for unauthorized privilege elevation",
			Query: finding.Query{
				Must: []finding.Clause{
					finding.Eq("action", "privilege_escalation"),
					finding.Eq("authorized", false),
				},
			},
			Technique: "T1078",
		},
		{
			Name:        "Data Exfiltration Indicators",
			Description: "Hunt for unusual data transfer patterns",
			Query: finding.Query{
				Should: []finding.Clause{
					finding.Gte("bytes_transferred", 1_000_000_000),
					finding.Eq("external_destination", true),
				},
			},
			Technique: "T1071",
		},
	}
}
