package action

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/finding"
	"github.com/linnemanlabs/warden/internal/finding/memstore"
	"github.com/linnemanlabs/warden/internal/playbook"
)

// mockHandler returns preconfigured results in sequence and counts calls.
type mockHandler struct {
	mu      sync.Mutex
	kind    string
	key     string
	errs    []error
	details map[string]any
	calls   int
	block   bool
	release chan struct{}
	panics  bool
}

func (m *mockHandler) Kind() string                { return m.kind }
func (m *mockHandler) Key(*finding.Finding) string { return m.key }
func (m *mockHandler) Execute(_ context.Context, _ *finding.Finding) (map[string]any, error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.mu.Unlock()

	if m.panics {
		panic("boom")
	}
	if m.block {
		<-m.release // ignores ctx on purpose
	}
	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	out := map[string]any{}
	for k, v := range m.details {
		out[k] = v
	}
	return out, nil
}

func (m *mockHandler) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type staticPolicies map[string]playbook.Policy

func (s staticPolicies) Policy(kind string) (playbook.Policy, bool) {
	p, ok := s[kind]
	return p, ok
}

var fastPolicy = playbook.Policy{Timeout: 200 * time.Millisecond, MaxAttempts: 3, InitialBackoff: time.Millisecond}

func testFinding() *finding.Finding {
	return &finding.Finding{
		ID:             "f-1",
		Index:          finding.IndexThreatAlerts,
		SourceIdentity: "203.0.113.5",
		Category:       "brute_force_detected",
		Username:       "alice",
	}
}

func newTestExecutor(t *testing.T, store finding.Store, cfg Config, hs ...Handler) *Executor {
	t.Helper()
	reg := NewRegistry()
	reg.Register(hs...)
	if cfg.Default == (playbook.Policy{}) {
		cfg.Default = fastPolicy
	}
	return NewExecutor(reg, nil, store, log.Nop(), Hooks{}, cfg)
}

func call(kind string) Call {
	return Call{
		ExecutionID: "exec-1",
		Playbook:    "test_playbook",
		Action:      playbook.Action{Kind: kind, Priority: 1},
		Finding:     testFinding(),
	}
}

func TestExecute_Success(t *testing.T) {
	t.Parallel()

	h := &mockHandler{kind: "block_source_ip", details: map[string]any{"blocked_ip": "203.0.113.5"}}
	e := newTestExecutor(t, nil, Config{}, h)

	res := e.Execute(context.Background(), call("block_source_ip"))

	if res.Status != StatusSuccess {
		t.Fatalf("status = %s, err = %s", res.Status, res.Error)
	}
	if res.Details["blocked_ip"] != "203.0.113.5" {
		t.Errorf("details = %v", res.Details)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
	if res.ID == "" || res.Timestamp.IsZero() {
		t.Error("result missing id or timestamp")
	}
	if res.FindingID != "f-1" || res.Playbook != "test_playbook" || res.ExecutionID != "exec-1" {
		t.Errorf("result context = %+v", res)
	}
}

func TestExecute_UnknownKindFailsClosed(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, nil, Config{})
	res := e.Execute(context.Background(), call("launch_missiles"))

	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", res.Status)
	}
	if res.Reason != ReasonUnimplementedAction {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonUnimplementedAction)
	}
	if !strings.Contains(res.Error, "launch_missiles") {
		t.Errorf("error = %q, want kind in message", res.Error)
	}
}

func TestExecute_UnknownKindSimulated(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, nil, Config{Simulate: true})
	res := e.Execute(context.Background(), call("launch_missiles"))

	if res.Status != StatusSuccess {
		t.Fatalf("status = %s, want SUCCESS", res.Status)
	}
	if res.Details["simulated"] != true {
		t.Errorf("details = %v, want simulated=true", res.Details)
	}
}

func TestExecute_RetriesTransientErrors(t *testing.T) {
	t.Parallel()

	h := &mockHandler{
		kind: "notify_soc_team",
		errs: []error{ErrCollaboratorUnavailable, ErrCollaboratorUnavailable},
	}
	e := newTestExecutor(t, nil, Config{}, h)

	res := e.Execute(context.Background(), call("notify_soc_team"))

	if res.Status != StatusSuccess {
		t.Fatalf("status = %s, err = %s", res.Status, res.Error)
	}
	if res.Attempts != 3 || h.Calls() != 3 {
		t.Errorf("attempts = %d, calls = %d, want 3", res.Attempts, h.Calls())
	}
}

func TestExecute_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	boom := fmt.Errorf("%w: firewall returned 503", ErrCollaboratorUnavailable)
	h := &mockHandler{kind: "block_source_ip", errs: []error{boom, boom, boom, boom}}
	e := newTestExecutor(t, nil, Config{}, h)

	res := e.Execute(context.Background(), call("block_source_ip"))

	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", res.Status)
	}
	if res.Reason != ReasonCollaboratorUnavailable {
		t.Errorf("reason = %q", res.Reason)
	}
	if h.Calls() != 3 {
		t.Errorf("calls = %d, want 3", h.Calls())
	}
	if !strings.Contains(res.Error, "503") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecute_MalformedNotRetried(t *testing.T) {
	t.Parallel()

	h := &mockHandler{kind: "block_source_ip", errs: []error{fmt.Errorf("%w: no source_ip", ErrMalformedFinding)}}
	e := newTestExecutor(t, nil, Config{}, h)

	res := e.Execute(context.Background(), call("block_source_ip"))

	if res.Reason != ReasonMalformedFinding {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonMalformedFinding)
	}
	if h.Calls() != 1 {
		t.Errorf("calls = %d, want 1", h.Calls())
	}
}

func TestExecute_HungHandlerTimesOut(t *testing.T) {
	t.Parallel()

	h := &mockHandler{kind: "isolate_endpoint", block: true, release: make(chan struct{})}
	t.Cleanup(func() { close(h.release) })
	e := newTestExecutor(t, nil, Config{
		Default: playbook.Policy{Timeout: 20 * time.Millisecond, MaxAttempts: 2, InitialBackoff: time.Millisecond},
	}, h)

	start := time.Now()
	res := e.Execute(context.Background(), call("isolate_endpoint"))

	if res.Status != StatusFailed || res.Reason != ReasonTimeout {
		t.Fatalf("status = %s reason = %q, want FAILED/timeout", res.Status, res.Reason)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Execute took %v, timeout not enforced", time.Since(start))
	}
}

func TestExecute_PanicCaptured(t *testing.T) {
	t.Parallel()

	h := &mockHandler{kind: "kill_malicious_process", panics: true}
	e := newTestExecutor(t, nil, Config{}, h)

	res := e.Execute(context.Background(), call("kill_malicious_process"))

	if res.Status != StatusFailed || res.Reason != ReasonPanic {
		t.Fatalf("status = %s reason = %q, want FAILED/panic", res.Status, res.Reason)
	}
	if h.Calls() != 1 {
		t.Errorf("panicking handler retried: calls = %d", h.Calls())
	}
}

func TestExecute_IdempotentRepeat(t *testing.T) {
	t.Parallel()

	h := &mockHandler{kind: "block_source_ip", key: "203.0.113.5", details: map[string]any{"blocked_ip": "203.0.113.5"}}
	e := newTestExecutor(t, nil, Config{}, h)

	first := e.Execute(context.Background(), call("block_source_ip"))
	second := e.Execute(context.Background(), call("block_source_ip"))

	if first.Status != StatusSuccess || second.Status != StatusSuccess {
		t.Fatalf("statuses = %s, %s", first.Status, second.Status)
	}
	if h.Calls() != 1 {
		t.Errorf("handler calls = %d, want 1", h.Calls())
	}
	if second.Details["already_applied"] != true {
		t.Errorf("second details = %v, want already_applied", second.Details)
	}
	if second.Details["blocked_ip"] != "203.0.113.5" {
		t.Errorf("second details lost original fields: %v", second.Details)
	}
	if _, ok := first.Details["already_applied"]; ok {
		t.Error("cache mutated the first result")
	}
}

func TestExecute_FailuresNotCached(t *testing.T) {
	t.Parallel()

	h := &mockHandler{
		kind: "block_source_ip",
		key:  "203.0.113.5",
		errs: []error{ErrCollaboratorUnavailable},
	}
	e := newTestExecutor(t, nil, Config{
		Default: playbook.Policy{Timeout: time.Second, MaxAttempts: 1, InitialBackoff: time.Millisecond},
	}, h)

	first := e.Execute(context.Background(), call("block_source_ip"))
	second := e.Execute(context.Background(), call("block_source_ip"))

	if first.Status != StatusFailed || second.Status != StatusSuccess {
		t.Fatalf("statuses = %s, %s; want FAILED, SUCCESS", first.Status, second.Status)
	}
	if h.Calls() != 2 {
		t.Errorf("calls = %d, want 2", h.Calls())
	}
}

func TestExecute_PerKindPolicy(t *testing.T) {
	t.Parallel()

	h := &mockHandler{kind: "enable_mfa", errs: []error{ErrCollaboratorUnavailable, ErrCollaboratorUnavailable}}
	reg := NewRegistry()
	reg.Register(h)
	e := NewExecutor(reg, staticPolicies{"enable_mfa": {MaxAttempts: 1}}, nil, log.Nop(), Hooks{}, Config{Default: fastPolicy})

	res := e.Execute(context.Background(), call("enable_mfa"))

	if res.Status != StatusFailed || h.Calls() != 1 {
		t.Errorf("status = %s calls = %d; want FAILED after 1 call", res.Status, h.Calls())
	}
}

func TestExecute_PersistsResult(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	h := &mockHandler{kind: "notify_soc_team"}
	e := newTestExecutor(t, store, Config{}, h)

	res := e.Execute(context.Background(), call("notify_soc_team"))
	_ = e.Execute(context.Background(), call("unknown_kind"))

	if n := store.Len(finding.IndexActions); n != 2 {
		t.Fatalf("soar-actions has %d records, want 2", n)
	}
	got, ok, err := store.Get(context.Background(), finding.IndexActions, res.ID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Attributes["status"] != "SUCCESS" || got.Attributes["action"] != "notify_soc_team" {
		t.Errorf("persisted = %v", got.Attributes)
	}
}

func TestExecute_NilFinding(t *testing.T) {
	t.Parallel()

	h := &mockHandler{kind: "block_source_ip"}
	e := newTestExecutor(t, nil, Config{}, h)

	c := call("block_source_ip")
	c.Finding = nil
	res := e.Execute(context.Background(), c)

	if res.Reason != ReasonMalformedFinding || h.Calls() != 0 {
		t.Errorf("reason = %q calls = %d", res.Reason, h.Calls())
	}
}

func TestExecute_Hooks(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		seen []string
	)
	reg := NewRegistry()
	reg.Register(&mockHandler{kind: "enable_mfa"})
	e := NewExecutor(reg, nil, nil, log.Nop(), Hooks{
		OnAction: func(kind string, status Status, reason string, _ int, _ float64) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, kind+":"+string(status)+":"+reason)
		},
	}, Config{Default: fastPolicy})

	e.Execute(context.Background(), call("enable_mfa"))
	e.Execute(context.Background(), call("nope"))

	mu.Lock()
	defer mu.Unlock()
	want := []string{"enable_mfa:SUCCESS:", "nope:FAILED:unimplemented_action"}
	if len(seen) != 2 || seen[0] != want[0] || seen[1] != want[1] {
		t.Errorf("hooks saw %v, want %v", seen, want)
	}
}

func TestExecute_CanceledContext(t *testing.T) {
	t.Parallel()

	h := &mockHandler{kind: "enable_mfa", errs: []error{ErrCollaboratorUnavailable, ErrCollaboratorUnavailable, ErrCollaboratorUnavailable}}
	e := newTestExecutor(t, nil, Config{}, h)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.Execute(ctx, call("enable_mfa"))

	if res.Status != StatusFailed {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Reason != ReasonCanceled {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonCanceled)
	}
}

func TestExecute_Span(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	e := newTestExecutor(t, nil, Config{}, &mockHandler{kind: "enable_mfa", errs: []error{errors.New("x"), errors.New("x"), errors.New("x")}})
	e.Execute(context.Background(), call("enable_mfa"))

	spans := exporter.GetSpans()
	var found bool
	for _, s := range spans {
		if s.Name != "action.execute" {
			continue
		}
		found = true
		if s.Status.Code.String() != "Error" {
			t.Errorf("span status = %s, want Error", s.Status.Code)
		}
		attrs := map[string]string{}
		for _, a := range s.Attributes {
			attrs[string(a.Key)] = a.Value.Emit()
		}
		if attrs["warden.action.kind"] != "enable_mfa" {
			t.Errorf("warden.action.kind = %q", attrs["warden.action.kind"])
		}
		if attrs["warden.action.status"] != "FAILED" {
			t.Errorf("warden.action.status = %q", attrs["warden.action.status"])
		}
	}
	if !found {
		t.Fatal("no action.execute span recorded")
	}
}
