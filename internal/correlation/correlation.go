// Package correlation groups findings by source into attack chains and runs
// the periodic hunts that feed them.
package correlation

import (
	"slices"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/finding"
)

const (
	DefaultMinEvents      = 3
	DefaultHighTechniques = 3
)

// Chain severities.
const (
	SeverityHigh   = "HIGH"
	SeverityMedium = "MEDIUM"
)

// CategoryAttackChain is the alert_type persisted chains carry, so the
// processing loop can route them to a playbook.
const CategoryAttackChain = "attack_chain"

// AttackChain is a group of findings sharing a source that crossed the
// event threshold.
type AttackChain struct {
	ID             string    `json:"id"`
	SourceIdentity string    `json:"source_ip"`
	Techniques     []string  `json:"techniques"`
	EventCount     int       `json:"event_count"`
	Severity       string    `json:"severity"`
	CreatedAt      time.Time `json:"created_at"`
}

// Correlate groups findings by correlation key. Groups with at least
// minEvents findings become chains, HIGH when they span highTechniques or
// more distinct techniques. Chains come out in first-seen order of their
// source. Non-positive thresholds fall back to the defaults.
func Correlate(findings []*finding.Finding, minEvents, highTechniques int) []AttackChain {
	return CorrelateAt(findings, minEvents, highTechniques, time.Now())
}

// CorrelateAt is Correlate with chains stamped at now.
func CorrelateAt(findings []*finding.Finding, minEvents, highTechniques int, now time.Time) []AttackChain {
	if minEvents <= 0 {
		minEvents = DefaultMinEvents
	}
	if highTechniques <= 0 {
		highTechniques = DefaultHighTechniques
	}

	type group struct {
		count      int
		techniques map[string]struct{}
	}
	var order []string
	groups := make(map[string]*group)
	for _, f := range findings {
		if f == nil {
			continue
		}
		key := f.CorrelationKey()
		g, ok := groups[key]
		if !ok {
			g = &group{techniques: make(map[string]struct{})}
			groups[key] = g
			order = append(order, key)
		}
		g.count++
		if f.Technique != "" {
			g.techniques[f.Technique] = struct{}{}
		}
	}

	now = now.UTC()
	var chains []AttackChain
	for _, key := range order {
		g := groups[key]
		if g.count < minEvents {
			continue
		}
		techniques := make([]string, 0, len(g.techniques))
		for t := range g.techniques {
			techniques = append(techniques, t)
		}
		slices.Sort(techniques)

		severity := SeverityMedium
		if len(techniques) >= highTechniques {
			severity = SeverityHigh
		}
		chains = append(chains, AttackChain{
			ID:             ulid.Make().String(),
			SourceIdentity: key,
			Techniques:     techniques,
			EventCount:     g.count,
			Severity:       severity,
			CreatedAt:      now,
		})
	}
	return chains
}

// Document renders the chain as an unprocessed finding for the
// attack-chains index. A chain grouped under finding.UnknownSource carries
// no source_ip, so address-taking actions see it as missing.
func (c AttackChain) Document() finding.Document {
	doc := finding.Document{
		finding.FieldTimestamp: finding.FormatTime(c.CreatedAt),
		finding.FieldCategory:  CategoryAttackChain,
		finding.FieldSeverity:  c.Severity,
		finding.FieldProcessed: false,
		"type":                 CategoryAttackChain,
		"correlation_key":      c.SourceIdentity,
		"techniques":           slices.Clone(c.Techniques),
		"technique_count":      len(c.Techniques),
		"event_count":          c.EventCount,
	}
	if c.SourceIdentity != "" && c.SourceIdentity != finding.UnknownSource {
		doc[finding.FieldSource] = c.SourceIdentity
	}
	return doc
}
