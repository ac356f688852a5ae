package playbook

import (
	"strings"

	"github.com/linnemanlabs/warden/internal/finding"
)

// Matcher selects a playbook for an alert by walking the rule table in
// declared order and returning the first rule whose keyword is a substring
// of the lower-cased category. First declared match wins, not the most
// specific one.
type Matcher struct {
	rules []Rule
}

// NewMatcher snapshots the catalog's rule table.
func NewMatcher(c *Catalog) *Matcher {
	return &Matcher{rules: c.Rules()}
}

// Match returns the playbook name for f, or false when no rule applies.
func (m *Matcher) Match(f *finding.Finding) (string, bool) {
	return m.MatchCategory(f.Category)
}

// MatchCategory is Match on a bare category string.
func (m *Matcher) MatchCategory(category string) (string, bool) {
	if category == "" {
		return "", false
	}
	c := strings.ToLower(category)
	for _, r := range m.rules {
		if strings.Contains(c, r.Keyword) {
			return r.Playbook, true
		}
	}
	return "", false
}
