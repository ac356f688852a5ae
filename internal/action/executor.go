package action

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/finding"
	"github.com/linnemanlabs/warden/internal/playbook"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/action")

const (
	DefaultTimeout        = 10 * time.Second
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultCacheTTL       = time.Hour
	DefaultCacheSize      = 4096
)

// Call is one action invocation within a playbook run.
type Call struct {
	ExecutionID string
	Playbook    string
	Action      playbook.Action
	Finding     *finding.Finding
}

// PolicySource resolves per-kind execution policies (normally the catalog).
type PolicySource interface {
	Policy(kind string) (playbook.Policy, bool)
}

// Hooks receives per-action telemetry.
type Hooks struct {
	OnAction func(kind string, status Status, reason string, attempts int, duration float64)
}

// Config tunes the executor.
type Config struct {
	// Simulate turns unregistered kinds into simulated successes instead of
	// failing them. Meant for dry runs only.
	Simulate bool

	// Default applies to kinds without a policy of their own.
	Default playbook.Policy

	CacheTTL  time.Duration
	CacheSize int
}

// Executor runs single actions with bounded time, retries and idempotency.
type Executor struct {
	registry *Registry
	policies PolicySource
	store    finding.Store
	logger   log.Logger
	hooks    Hooks
	cfg      Config
	applied  *expirable.LRU[string, map[string]any]
	now      func() time.Time
}

// NewExecutor wires an executor. store may be nil, in which case results are
// not persisted; policies may be nil.
func NewExecutor(registry *Registry, policies PolicySource, store finding.Store, logger log.Logger, hooks Hooks, cfg Config) *Executor {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Default.Timeout <= 0 {
		cfg.Default.Timeout = DefaultTimeout
	}
	if cfg.Default.MaxAttempts <= 0 {
		cfg.Default.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Default.InitialBackoff <= 0 {
		cfg.Default.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	return &Executor{
		registry: registry,
		policies: policies,
		store:    store,
		logger:   logger,
		hooks:    hooks,
		cfg:      cfg,
		applied:  expirable.NewLRU[string, map[string]any](cfg.CacheSize, nil, cfg.CacheTTL),
		now:      time.Now,
	}
}

// Execute runs one action and always returns a Result. The result is
// persisted to the soar-actions index before it is returned.
func (e *Executor) Execute(ctx context.Context, call Call) Result {
	kind := call.Action.Kind
	ctx, span := tracer.Start(ctx, "action.execute", trace.WithAttributes(
		attribute.String("warden.action.kind", kind),
		attribute.Int("warden.action.priority", call.Action.Priority),
		attribute.String("warden.playbook", call.Playbook),
	))
	defer span.End()

	start := e.now()
	res := Result{
		ID:          ulid.Make().String(),
		ExecutionID: call.ExecutionID,
		Kind:        kind,
		Priority:    call.Action.Priority,
		Playbook:    call.Playbook,
		Timestamp:   start.UTC(),
	}
	if call.Finding != nil {
		res.FindingID = call.Finding.ID
	}

	L := e.logger.With("action", kind, "playbook", call.Playbook, "finding_id", res.FindingID)

	details, attempts, err := e.dispatch(ctx, call)
	res.Attempts = attempts
	res.Duration = time.Since(start).Seconds()
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		res.Reason = reasonFor(ctx, err)
		res.Details = details
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Error(ctx, err, "action failed", "reason", res.Reason, "attempts", attempts)
	} else {
		res.Status = StatusSuccess
		res.Details = details
		L.Info(ctx, "action succeeded", "attempts", attempts, "duration", res.Duration)
	}
	span.SetAttributes(
		attribute.String("warden.action.status", string(res.Status)),
		attribute.Int("warden.action.attempts", attempts),
	)

	if e.hooks.OnAction != nil {
		e.hooks.OnAction(kind, res.Status, res.Reason, attempts, res.Duration)
	}

	e.persist(ctx, L, &res)
	return res
}

func (e *Executor) dispatch(ctx context.Context, call Call) (map[string]any, int, error) {
	kind := call.Action.Kind
	h, ok := e.registry.Get(kind)
	if !ok {
		if e.cfg.Simulate {
			return map[string]any{
				"simulated": true,
				"message":   fmt.Sprintf("Action %s simulated", kind),
			}, 0, nil
		}
		return nil, 0, fmt.Errorf("%w: %s", ErrUnimplementedAction, kind)
	}
	if call.Finding == nil {
		return nil, 0, fmt.Errorf("%w: no finding context", ErrMalformedFinding)
	}

	cacheKey := ""
	if k := h.Key(call.Finding); k != "" {
		cacheKey = kind + "|" + k
		if prev, ok := e.applied.Get(cacheKey); ok {
			out := maps.Clone(prev)
			out["already_applied"] = true
			return out, 0, nil
		}
	}

	pol := e.policyFor(kind)
	attempts := 0
	op := func() (map[string]any, error) {
		attempts++
		actx, cancel := context.WithTimeout(ctx, pol.Timeout)
		defer cancel()

		// the handler runs on its own goroutine so one that ignores its
		// context still cannot hold the run past the timeout
		ch := make(chan outcome, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					ch <- outcome{err: fmt.Errorf("%w: %v", errHandlerPanic, r)}
				}
			}()
			d, err := h.Execute(actx, call.Finding.Clone())
			ch <- outcome{details: d, err: err}
		}()

		select {
		case o := <-ch:
			if errors.Is(o.err, ErrMalformedFinding) || errors.Is(o.err, errHandlerPanic) {
				return nil, backoff.Permanent(o.err)
			}
			return o.details, o.err
		case <-actx.Done():
			return nil, fmt.Errorf("%s: %w", kind, actx.Err())
		}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = pol.InitialBackoff
	details, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(pol.MaxAttempts)), //nolint:gosec // bounded by policy validation
	)
	if err != nil {
		return nil, attempts, err
	}
	if details == nil {
		details = map[string]any{}
	}
	if cacheKey != "" {
		e.applied.Add(cacheKey, maps.Clone(details))
	}
	return details, attempts, nil
}

type outcome struct {
	details map[string]any
	err     error
}

func (e *Executor) policyFor(kind string) playbook.Policy {
	pol := e.cfg.Default
	if e.policies == nil {
		return pol
	}
	if p, ok := e.policies.Policy(kind); ok {
		if p.Timeout > 0 {
			pol.Timeout = p.Timeout
		}
		if p.MaxAttempts > 0 {
			pol.MaxAttempts = p.MaxAttempts
		}
		if p.InitialBackoff > 0 {
			pol.InitialBackoff = p.InitialBackoff
		}
	}
	return pol
}

func (e *Executor) persist(ctx context.Context, L log.Logger, res *Result) {
	if e.store == nil {
		return
	}
	// the record outlives a cancelled run
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := e.store.Index(pctx, finding.IndexActions, res.ID, res.Document()); err != nil {
		L.Error(ctx, err, "failed to persist action result")
	}
}

func reasonFor(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, ErrUnimplementedAction):
		return ReasonUnimplementedAction
	case errors.Is(err, ErrMalformedFinding):
		return ReasonMalformedFinding
	case errors.Is(err, errHandlerPanic):
		return ReasonPanic
	case ctx.Err() != nil:
		return ReasonCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	default:
		return ReasonCollaboratorUnavailable
	}
}
