package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/go-core/log"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/warden/internal/finding/pgstore.(*Store).Claim", "(*Store).Claim"},
		{"already short", "(*Store).Get", "Get"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"no slashes", "pgstore.(*Store).Search", "(*Store).Search"},
		{"single segment", "foo.Bar", "Bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := shortenFuncName(tt.in); got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestWithOperation(t *testing.T) {
	t.Parallel()

	ctx := WithOperation(context.Background(), "claim")
	if got := operationFromContext(ctx); got != "claim" {
		t.Errorf("operation = %q, want claim", got)
	}
	if got := operationFromContext(WithOperation(context.Background(), "")); got != "" {
		t.Errorf("empty operation stored as %q", got)
	}
}

type observed struct {
	op, outcome string
}

type recordingObserver struct {
	mu  sync.Mutex
	got []observed
}

func (r *recordingObserver) ObserveQuery(_ context.Context, op, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, observed{op, outcome})
}

func TestQueryTracer_Observes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want observed
	}{
		{"labelled ok", WithOperation(context.Background(), "search"), nil, observed{"search", "ok"}},
		{"unlabelled", context.Background(), nil, observed{"unknown", "ok"}},
		{"error", WithOperation(context.Background(), "claim"), &pgconn.PgError{Code: "40001"}, observed{"claim", "error"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			obs := &recordingObserver{}
			tr := newQueryTracer(nil, obs, log.Nop(), 0)

			ctx := tr.TraceQueryStart(tt.ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
			tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1"), Err: tt.err})

			if len(obs.got) != 1 || obs.got[0] != tt.want {
				t.Errorf("observed %v, want [%v]", obs.got, tt.want)
			}
		})
	}
}

func TestQueryTracer_NilObserver(t *testing.T) {
	t.Parallel()

	tr := newQueryTracer(nil, nil, nil, time.Second)
	ctx := tr.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{Err: errors.New("conn reset")})
}

func TestQueryObserverFunc(t *testing.T) {
	t.Parallel()

	called := false
	var o QueryObserver = QueryObserverFunc(func(_ context.Context, op, _ string, _ time.Duration) {
		called = op == "update"
	})
	o.ObserveQuery(context.Background(), "update", "ok", time.Millisecond)
	if !called {
		t.Error("observer was not called")
	}
}

func TestMetrics_ObserveQuery(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ObserveQuery(context.Background(), "search", "ok", 3*time.Millisecond)
	m.ObserveQuery(context.Background(), "search", "ok", 4*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != "warden_db_query_duration_seconds" {
			continue
		}
		if n := mf.GetMetric()[0].GetHistogram().GetSampleCount(); n != 2 {
			t.Errorf("sample count = %d, want 2", n)
		}
		return
	}
	t.Error("warden_db_query_duration_seconds not registered")
}
