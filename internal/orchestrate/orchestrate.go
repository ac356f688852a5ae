package orchestrate

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/action"
	"github.com/linnemanlabs/warden/internal/finding"
	"github.com/linnemanlabs/warden/internal/playbook"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/orchestrate")

const persistTimeout = 5 * time.Second

// Executor runs a single action. *action.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, call action.Call) action.Result
}

// Publisher fans completed execution logs out to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, l *ExecutionLog) error
}

// Hooks receives per-run telemetry.
type Hooks struct {
	OnComplete func(playbook string, succeeded, failed int, duration float64)
}

// Orchestrator runs playbooks from one catalog.
type Orchestrator struct {
	catalog   *playbook.Catalog
	exec      Executor
	store     finding.Store
	publisher Publisher
	logger    log.Logger
	hooks     Hooks
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher hands each persisted log to p.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithHooks installs telemetry hooks.
func WithHooks(h Hooks) Option {
	return func(o *Orchestrator) { o.hooks = h }
}

// New creates an Orchestrator. store may be nil, in which case logs are not
// persisted.
func New(catalog *playbook.Catalog, exec Executor, store finding.Store, logger log.Logger, opts ...Option) *Orchestrator {
	if catalog == nil {
		panic(xerrors.New("orchestrate.New: nil catalog"))
	}
	if exec == nil {
		panic(xerrors.New("orchestrate.New: nil executor"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	o := &Orchestrator{
		catalog: catalog,
		exec:    exec,
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the named playbook against f. It fails only when the playbook
// is not in the catalog, in which case nothing is executed or written.
// Action failures are recorded in the log and never stop the run.
func (o *Orchestrator) Run(ctx context.Context, name string, f *finding.Finding) (*ExecutionLog, error) {
	def, ok := o.catalog.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlaybook, name)
	}

	elog := &ExecutionLog{
		ID:        ulid.Make().String(),
		Playbook:  def.Name,
		Title:     def.Title,
		Severity:  def.Severity,
		StartTime: o.now().UTC(),
		Status:    StatusMatched,
	}
	if f != nil {
		elog.FindingID = f.ID
		elog.FindingIndex = f.Index
		elog.AlertContext = f.ToDocument()
	}

	ctx, span := tracer.Start(ctx, "playbook.run", trace.WithAttributes(
		attribute.String("warden.playbook", def.Name),
		attribute.String("warden.execution.id", elog.ID),
		attribute.String("warden.finding.id", elog.FindingID),
		attribute.Int("warden.playbook.actions", len(def.Actions)),
	))
	defer span.End()

	L := o.logger.With("playbook", def.Name, "execution_id", elog.ID, "finding_id", elog.FindingID)
	ctx = log.WithContext(ctx, L)
	L.Info(ctx, "playbook run started", "severity", def.Severity, "actions", len(def.Actions))

	elog.Status = StatusRunning
	actions := def.SortedActions()
	elog.ActionsExecuted = make([]action.Result, 0, len(actions))
	for _, a := range actions {
		res := o.exec.Execute(ctx, action.Call{
			ExecutionID: elog.ID,
			Playbook:    def.Name,
			Action:      a,
			Finding:     f,
		})
		if res.Succeeded() {
			elog.Succeeded++
		} else {
			elog.Failed++
		}
		elog.ActionsExecuted = append(elog.ActionsExecuted, res)
	}

	elog.EndTime = o.now().UTC()
	elog.Status = StatusCompleted

	span.SetAttributes(
		attribute.Int("warden.playbook.succeeded", elog.Succeeded),
		attribute.Int("warden.playbook.failed", elog.Failed),
	)

	o.persist(ctx, L, elog)

	if o.hooks.OnComplete != nil {
		o.hooks.OnComplete(def.Name, elog.Succeeded, elog.Failed, elog.Duration())
	}

	L.Info(ctx, "playbook run completed",
		"succeeded", elog.Succeeded,
		"failed", elog.Failed,
		"duration", elog.Duration(),
	)
	return elog, nil
}

func (o *Orchestrator) persist(ctx context.Context, L log.Logger, elog *ExecutionLog) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if o.store != nil {
		if _, err := o.store.Index(pctx, finding.IndexPlaybookExecutions, elog.ID, elog.Document()); err != nil {
			L.Error(ctx, err, "failed to persist execution log")
		}
	}
	if o.publisher != nil {
		if err := o.publisher.Publish(pctx, elog); err != nil {
			L.Warn(ctx, "failed to publish execution log", "error", err)
		}
	}
}

// Catalog returns the catalog the orchestrator runs from.
func (o *Orchestrator) Catalog() *playbook.Catalog { return o.catalog }
