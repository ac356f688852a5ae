package correlation

import "github.com/linnemanlabs/warden/internal/finding"

// Technique is one MITRE ATT&CK technique the hunts know about.
type Technique struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Tactic string `json:"tactic"`
}

var techniques = map[string]Technique{
	"T1110": {ID: "T1110", Name: "Brute Force", Tactic: "Credential Access"},
	"T1078": {ID: "T1078", Name: "Valid Accounts", Tactic: "Defense Evasion"},
	"T1046": {ID: "T1046", Name: "Network Service Scanning", Tactic: "Discovery"},
	"T1071": {ID: "T1071", Name: "Application Layer Protocol", Tactic: "Command and Control"},
	"T1486": {ID: "T1486", Name: "Data Encrypted for Impact", Tactic: "Impact"},
}

// highRisk techniques make any case critical.
var highRisk = map[string]bool{"T1486": true, "T1071": true}

// LookupTechnique returns the table entry for id.
func LookupTechnique(id string) (Technique, bool) {
	t, ok := techniques[id]
	return t, ok
}

// Case severities, in the 0-3 scale case management uses.
const (
	CaseLow      = 0
	CaseMedium   = 1
	CaseHigh     = 2
	CaseCritical = 3
)

// CaseSeverity rates a set of hunt findings: critical if any carries a
// high-risk technique, otherwise by volume.
func CaseSeverity(fs []*finding.Finding) int {
	for _, f := range fs {
		if f != nil && highRisk[f.Technique] {
			return CaseCritical
		}
	}
	switch {
	case len(fs) > 10:
		return CaseHigh
	case len(fs) > 5:
		return CaseMedium
	default:
		return CaseLow
	}
}
