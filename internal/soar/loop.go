// Package soar is the alert processing loop: it polls the monitored indices
// for unprocessed findings, routes each to a playbook and marks it done.
package soar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/finding"
	"github.com/linnemanlabs/warden/internal/orchestrate"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/soar")

const (
	DefaultLookback     = 2 * time.Minute
	DefaultBatchSize    = 20
	DefaultWorkers      = 4
	DefaultPollInterval = 30 * time.Second
	DefaultLeaseTTL     = 10 * time.Minute

	markAttempts = 3
)

// DefaultIndices are the indices detection producers write alerts to.
var DefaultIndices = []string{
	finding.IndexThreatAlerts,
	finding.IndexUEBAAlerts,
	finding.IndexAttackChains,
}

// Matcher picks the playbook for a finding. *playbook.Matcher satisfies it.
type Matcher interface {
	Match(f *finding.Finding) (string, bool)
}

// Runner executes a playbook. *orchestrate.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, name string, f *finding.Finding) (*orchestrate.ExecutionLog, error)
}

// Outcome is what a cycle did with one finding.
type Outcome string

const (
	OutcomeExecuted         Outcome = "executed"
	OutcomeUnmatched        Outcome = "unmatched"
	OutcomeClaimLost        Outcome = "claim_lost"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeError            Outcome = "error"
)

// CycleStats counts what one cycle did.
type CycleStats struct {
	Indices          int `json:"indices_scanned"`
	Scanned          int `json:"scanned"`
	Executed         int `json:"executed"`
	Unmatched        int `json:"unmatched"`
	ClaimLost        int `json:"claim_lost"`
	AlreadyProcessed int `json:"already_processed"`
	Errors           int `json:"errors"`
}

func (s *CycleStats) add(o Outcome) {
	switch o {
	case OutcomeExecuted:
		s.Executed++
	case OutcomeUnmatched:
		s.Unmatched++
	case OutcomeClaimLost:
		s.ClaimLost++
	case OutcomeAlreadyProcessed:
		s.AlreadyProcessed++
	case OutcomeError:
		s.Errors++
	}
}

// Hooks receives loop telemetry.
type Hooks struct {
	OnFinding func(index string, outcome Outcome)
	OnCycle   func(stats CycleStats, duration float64)
}

// Config tunes the loop.
type Config struct {
	Indices      []string
	Lookback     time.Duration
	BatchSize    int
	Workers      int
	PollInterval time.Duration
	LeaseTTL     time.Duration
	Unmatched    UnmatchedPolicy

	// Owner identifies this process in claims. Generated when empty.
	Owner string
}

// Loop is the alert processing loop. Cycles on one Loop never overlap;
// separate Loops coordinate through the Claimer.
type Loop struct {
	mu      sync.Mutex
	store   finding.Store
	matcher Matcher
	runner  Runner
	claimer Claimer
	logger  log.Logger
	hooks   Hooks
	cfg     Config
	now     func() time.Time
}

// New creates a Loop. A nil claimer falls back to the store's own claims.
func New(store finding.Store, matcher Matcher, runner Runner, claimer Claimer, logger log.Logger, hooks Hooks, cfg Config) *Loop {
	if store == nil || matcher == nil || runner == nil {
		panic(xerrors.New("soar.New: store, matcher and runner are required"))
	}
	if claimer == nil {
		claimer = NewStoreClaimer(store)
	}
	if logger == nil {
		logger = log.Nop()
	}
	if len(cfg.Indices) == 0 {
		cfg.Indices = DefaultIndices
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.Unmatched == "" {
		cfg.Unmatched = UnmatchedLeave
	}
	if cfg.Owner == "" {
		cfg.Owner = "warden-" + ulid.Make().String()
	}
	return &Loop{
		store:   store,
		matcher: matcher,
		runner:  runner,
		claimer: claimer,
		logger:  logger.With("owner", cfg.Owner),
		hooks:   hooks,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run executes a cycle immediately and then every poll interval until ctx
// ends. Playbook runs already in flight when ctx ends are finished first.
func (l *Loop) Run(ctx context.Context) {
	t := time.NewTicker(l.cfg.PollInterval)
	defer t.Stop()

	l.logger.Info(ctx, "alert processing loop started",
		"indices", l.cfg.Indices,
		"interval", l.cfg.PollInterval,
		"workers", l.cfg.Workers,
		"unmatched_policy", l.cfg.Unmatched,
	)
	for {
		l.Cycle(ctx)
		select {
		case <-ctx.Done():
			l.logger.Info(context.WithoutCancel(ctx), "alert processing loop stopped")
			return
		case <-t.C:
		}
	}
}

// Cycle makes one pass over every monitored index. Errors are logged and
// counted; the next cycle retries.
func (l *Loop) Cycle(ctx context.Context) CycleStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := l.now()
	ctx, span := tracer.Start(ctx, "soar.cycle")
	defer span.End()

	var stats CycleStats
	for _, index := range l.cfg.Indices {
		if ctx.Err() != nil {
			break
		}
		outcomes, err := l.processIndex(ctx, index, start)
		if err != nil {
			stats.Errors++
			l.logger.Error(ctx, err, "failed to poll index", "index", index)
			continue
		}
		if outcomes == nil {
			continue
		}
		stats.Indices++
		stats.Scanned += len(outcomes)
		for _, o := range outcomes {
			stats.add(o)
			if l.hooks.OnFinding != nil {
				l.hooks.OnFinding(index, o)
			}
		}
	}

	span.SetAttributes(
		attribute.Int("warden.soar.scanned", stats.Scanned),
		attribute.Int("warden.soar.executed", stats.Executed),
		attribute.Int("warden.soar.errors", stats.Errors),
	)
	duration := time.Since(start).Seconds()
	if l.hooks.OnCycle != nil {
		l.hooks.OnCycle(stats, duration)
	}
	if stats.Scanned > 0 || stats.Errors > 0 {
		l.logger.Info(ctx, "processing cycle complete",
			"scanned", stats.Scanned,
			"executed", stats.Executed,
			"unmatched", stats.Unmatched,
			"claim_lost", stats.ClaimLost,
			"errors", stats.Errors,
			"duration", duration,
		)
	}
	return stats
}

// processIndex returns one outcome per finding polled, or nil outcomes when
// the index does not exist yet.
func (l *Loop) processIndex(ctx context.Context, index string, now time.Time) ([]Outcome, error) {
	ctx, span := tracer.Start(ctx, "soar.index", trace.WithAttributes(
		attribute.String("warden.soar.index", index),
	))
	defer span.End()

	ok, err := l.store.Exists(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("check index %s: %w", index, err)
	}
	if !ok {
		return nil, nil
	}

	fs, err := l.store.Search(ctx, index, finding.Query{
		From:  now.Add(-l.cfg.Lookback),
		To:    now,
		Must:  []finding.Clause{finding.Eq(finding.FieldProcessed, false)},
		Limit: l.cfg.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("search index %s: %w", index, err)
	}
	span.SetAttributes(attribute.Int("warden.soar.findings", len(fs)))
	if len(fs) > 0 {
		l.logger.Info(ctx, "processing alerts", "index", index, "count", len(fs))
	}

	outcomes := make([]Outcome, len(fs))
	var g errgroup.Group
	g.SetLimit(l.cfg.Workers)
	for i, f := range fs {
		if ctx.Err() != nil {
			outcomes[i] = OutcomeError
			continue
		}
		g.Go(func() error {
			outcomes[i] = l.process(ctx, index, f)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, nil
}

// process handles one finding: match, claim, re-check, run, mark.
func (l *Loop) process(ctx context.Context, index string, f *finding.Finding) Outcome {
	L := l.logger.With("index", index, "finding_id", f.ID, "alert_type", f.Category)

	name, ok := l.matcher.Match(f)
	if !ok {
		return l.unmatched(ctx, L, index, f)
	}

	won, err := l.claimer.Claim(ctx, index, f.ID, l.cfg.Owner, l.cfg.LeaseTTL)
	if err != nil {
		L.Error(ctx, err, "failed to claim finding")
		return OutcomeError
	}
	if !won {
		L.Info(ctx, "finding claimed elsewhere, skipping")
		return OutcomeClaimLost
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := l.claimer.Release(rctx, index, f.ID, l.cfg.Owner); err != nil {
			L.Warn(ctx, "failed to release claim", "error", err)
		}
	}()

	// the search result may be stale by now
	cur, found, err := l.store.Get(ctx, index, f.ID)
	if err != nil {
		L.Error(ctx, err, "failed to re-read claimed finding")
		return OutcomeError
	}
	if !found || cur.Processed {
		return OutcomeAlreadyProcessed
	}

	// once started, a run and its marking complete even if ctx ends
	rctx := context.WithoutCancel(ctx)
	L.Info(ctx, "matched alert to playbook", "playbook", name)
	if _, err := l.runner.Run(rctx, name, cur); err != nil {
		if errors.Is(err, orchestrate.ErrUnknownPlaybook) {
			L.Error(ctx, err, "matcher returned a playbook missing from the catalog", "playbook", name)
		} else {
			L.Error(ctx, err, "playbook run failed", "playbook", name)
		}
		return OutcomeError
	}

	if err := l.mark(rctx, index, f.ID, finding.ProcessedUpdate(name, DispositionExecuted, l.now())); err != nil {
		L.Error(ctx, err, "failed to mark finding processed", "playbook", name)
		return OutcomeError
	}
	return OutcomeExecuted
}

func (l *Loop) unmatched(ctx context.Context, L log.Logger, index string, f *finding.Finding) Outcome {
	L.Info(ctx, "no playbook match for alert type", "policy", l.cfg.Unmatched)

	switch l.cfg.Unmatched {
	case UnmatchedMark:
		if err := l.mark(ctx, index, f.ID, finding.ProcessedUpdate("", DispositionUnmatched, l.now())); err != nil {
			L.Error(ctx, err, "failed to mark unmatched finding")
			return OutcomeError
		}
	case UnmatchedReview:
		doc := f.ToDocument()
		doc["source_index"] = index
		doc["source_id"] = f.ID
		doc["review_reason"] = "no playbook matched"
		// deterministic id so a repeated copy overwrites
		if _, err := l.store.Index(ctx, finding.IndexManualReview, index+":"+f.ID, doc); err != nil {
			L.Error(ctx, err, "failed to queue finding for manual review")
			return OutcomeError
		}
		if err := l.mark(ctx, index, f.ID, finding.ProcessedUpdate("", DispositionManualReview, l.now())); err != nil {
			L.Error(ctx, err, "failed to mark reviewed finding")
			return OutcomeError
		}
	}
	return OutcomeUnmatched
}

// mark retries the processed update a few times; a lost update would make
// the finding run again once its claim expires.
func (l *Loop) mark(ctx context.Context, index, id string, doc finding.Document) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, l.store.Update(ctx, index, id, doc)
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(markAttempts))
	return err
}
