package correlation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/finding"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/correlation")

const (
	DefaultHuntLimit    = 50
	DefaultHuntInterval = 5 * time.Minute
)

// ErrCycleInProgress is returned when a cycle is requested while another runs.
var ErrCycleInProgress = errors.New("hunting cycle already in progress")

// HunterConfig tunes a Hunter.
type HunterConfig struct {
	// Lookback bounds hunts to recent events; zero searches the whole index.
	Lookback       time.Duration
	Limit          int
	MinEvents      int
	HighTechniques int
}

// HunterHooks receives per-cycle telemetry.
type HunterHooks struct {
	OnHunt  func(name string, hits int, failed bool)
	OnCycle func(findings, chains int, duration float64)
}

// HuntSummary is the per-hunt section of a report.
type HuntSummary struct {
	Findings     int    `json:"findings"`
	CaseSeverity int    `json:"case_severity"`
	Technique    string `json:"mitre_technique"`
	Error        string `json:"error,omitempty"`
}

// Report summarizes one hunting cycle.
type Report struct {
	ID            string                 `json:"id"`
	CycleID       string                 `json:"hunt_cycle_id"`
	Timestamp     time.Time              `json:"timestamp"`
	Skipped       bool                   `json:"skipped,omitempty"`
	TotalFindings int                    `json:"total_findings"`
	HuntsExecuted int                    `json:"hunts_executed"`
	Techniques    []string               `json:"mitre_techniques_detected"`
	Chains        []AttackChain          `json:"attack_chains"`
	Hunts         map[string]HuntSummary `json:"hunts"`
	Duration      float64                `json:"duration_seconds"`
}

// Document renders the report for the hunting-reports index.
func (r *Report) Document() finding.Document {
	hunts := make(map[string]any, len(r.Hunts))
	for name, h := range r.Hunts {
		entry := map[string]any{
			"findings":        h.Findings,
			"case_severity":   h.CaseSeverity,
			"mitre_technique": h.Technique,
		}
		if h.Error != "" {
			entry["error"] = h.Error
		}
		hunts[name] = entry
	}
	return finding.Document{
		finding.FieldTimestamp:      finding.FormatTime(r.Timestamp),
		"hunt_cycle_id":             r.CycleID,
		"total_findings":            r.TotalFindings,
		"hunts_executed":            r.HuntsExecuted,
		"mitre_techniques_detected": slices.Clone(r.Techniques),
		"attack_chains_detected":    len(r.Chains),
		"hunts":                     hunts,
		"cycle_duration_seconds":    r.Duration,
	}
}

// Hunter runs hunts over security-events, persists what they find and
// correlates the hits into attack chains.
type Hunter struct {
	store   finding.Store
	hunts   []Hunt
	logger  log.Logger
	hooks   HunterHooks
	cfg     HunterConfig
	running atomic.Bool
	now     func() time.Time
}

// NewHunter creates a Hunter. A nil hunts slice uses DefaultHunts.
func NewHunter(store finding.Store, hunts []Hunt, logger log.Logger, hooks HunterHooks, cfg HunterConfig) *Hunter {
	if store == nil {
		panic(xerrors.New("correlation.NewHunter: nil store"))
	}
	if hunts == nil {
		hunts = DefaultHunts()
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultHuntLimit
	}
	return &Hunter{
		store:  store,
		hunts:  hunts,
		logger: logger,
		hooks:  hooks,
		cfg:    cfg,
		now:    time.Now,
	}
}

// RunCycle executes every hunt once. A cycle where security-events does not
// exist yet is skipped and reported as such. A failing hunt is logged and
// recorded in the report; the remaining hunts still run.
func (h *Hunter) RunCycle(ctx context.Context) (*Report, error) {
	if !h.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer h.running.Store(false)

	start := h.now()
	rep := &Report{
		ID:        ulid.Make().String(),
		CycleID:   finding.FormatTime(start),
		Timestamp: start.UTC(),
		Hunts:     make(map[string]HuntSummary, len(h.hunts)),
	}

	ctx, span := tracer.Start(ctx, "hunt.cycle", trace.WithAttributes(
		attribute.String("warden.hunt.cycle_id", rep.CycleID),
	))
	defer span.End()

	L := h.logger.With("hunt_cycle_id", rep.CycleID)

	ok, err := h.store.Exists(ctx, finding.IndexSecurityEvents)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("check %s: %w", finding.IndexSecurityEvents, err)
	}
	if !ok {
		L.Info(ctx, "waiting for security events, skipping hunting cycle")
		rep.Skipped = true
		span.SetAttributes(attribute.Bool("warden.hunt.skipped", true))
		return rep, nil
	}

	var all []*finding.Finding
	seen := make(map[string]bool)
	for _, hunt := range h.hunts {
		hits, err := h.runHunt(ctx, L, hunt, rep.CycleID, start)
		sum := HuntSummary{Technique: hunt.Technique}
		rep.HuntsExecuted++
		if err != nil {
			sum.Error = err.Error()
			L.Error(ctx, err, "hunt failed", "hunt", hunt.Name)
		} else {
			sum.Findings = len(hits)
			sum.CaseSeverity = CaseSeverity(hits)
			if len(hits) > 0 {
				L.Info(ctx, "hunt found suspicious events", "hunt", hunt.Name, "findings", len(hits))
			}
		}
		rep.Hunts[hunt.Name] = sum
		if h.hooks.OnHunt != nil {
			h.hooks.OnHunt(hunt.Name, len(hits), err != nil)
		}

		all = append(all, hits...)
		if len(hits) > 0 && !seen[hunt.Technique] {
			seen[hunt.Technique] = true
			rep.Techniques = append(rep.Techniques, hunt.Technique)
		}
	}
	slices.Sort(rep.Techniques)
	rep.TotalFindings = len(all)

	rep.Chains = CorrelateAt(all, h.cfg.MinEvents, h.cfg.HighTechniques, start)
	for _, c := range rep.Chains {
		L.Warn(ctx, "attack chain detected",
			"source_ip", c.SourceIdentity,
			"techniques", len(c.Techniques),
			"events", c.EventCount,
			"severity", c.Severity,
		)
		if _, err := h.store.Index(ctx, finding.IndexAttackChains, c.ID, c.Document()); err != nil {
			L.Error(ctx, err, "failed to persist attack chain", "source_ip", c.SourceIdentity)
		}
	}

	rep.Duration = time.Since(start).Seconds()
	if _, err := h.store.Index(ctx, finding.IndexHuntingReports, rep.ID, rep.Document()); err != nil {
		L.Error(ctx, err, "failed to persist hunting report")
	}

	span.SetAttributes(
		attribute.Int("warden.hunt.findings", rep.TotalFindings),
		attribute.Int("warden.hunt.chains", len(rep.Chains)),
	)
	if h.hooks.OnCycle != nil {
		h.hooks.OnCycle(rep.TotalFindings, len(rep.Chains), rep.Duration)
	}

	L.Info(ctx, "hunting cycle complete",
		"findings", rep.TotalFindings,
		"chains", len(rep.Chains),
		"duration", rep.Duration,
	)
	return rep, nil
}

// runHunt searches for one hunt's hits, tags them and stores each as a
// hunting finding. The returned findings carry the hunt's technique.
func (h *Hunter) runHunt(ctx context.Context, L log.Logger, hunt Hunt, cycleID string, now time.Time) ([]*finding.Finding, error) {
	ctx, span := tracer.Start(ctx, "hunt.run", trace.WithAttributes(
		attribute.String("warden.hunt.name", hunt.Name),
		attribute.String("warden.hunt.technique", hunt.Technique),
	))
	defer span.End()

	q := hunt.Query
	q.Limit = h.cfg.Limit
	q.Descending = true
	if h.cfg.Lookback > 0 {
		q.From = now.Add(-h.cfg.Lookback)
		q.To = now
	}

	hits, err := h.store.Search(ctx, finding.IndexSecurityEvents, q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("hunt %q: %w", hunt.Name, err)
	}

	tech, _ := LookupTechnique(hunt.Technique)
	out := make([]*finding.Finding, 0, len(hits))
	for _, hit := range hits {
		tagged := hit.Clone()
		tagged.Technique = hunt.Technique
		out = append(out, tagged)

		doc := tagged.ToDocument()
		doc["event_id"] = hit.ID
		doc["hunt_name"] = hunt.Name
		doc["hunt_cycle_id"] = cycleID
		doc["technique_name"] = tech.Name
		doc["tactic"] = tech.Tactic
		if _, err := h.store.Index(ctx, finding.IndexHuntingFindings, "", doc); err != nil {
			L.Error(ctx, err, "failed to persist hunting finding", "hunt", hunt.Name, "event_id", hit.ID)
		}
	}
	span.SetAttributes(attribute.Int("warden.hunt.hits", len(out)))
	return out, nil
}

// Run executes a cycle immediately and then every interval until ctx ends.
func (h *Hunter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHuntInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		if _, err := h.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
			h.logger.Error(ctx, err, "hunting cycle failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
