package correlation

import (
	"context"
	"testing"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/warden/internal/finding"
	"github.com/linnemanlabs/warden/internal/finding/memstore"
)

func TestRunCycle_CreatesSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	s := memstore.New()
	seedEvents(t, s, finding.Document{finding.FieldSource: "198.51.100.23", "failed_logins": 12.0})
	h := NewHunter(s, nil, log.Nop(), HunterHooks{}, HunterConfig{})

	if _, err := h.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	counts := make(map[string]int)
	var cycle sdktrace.ReadOnlySpan
	for _, sp := range exporter.GetSpans().Snapshots() {
		counts[sp.Name()]++
		if sp.Name() == "hunt.cycle" {
			cycle = sp
		}
	}
	if counts["hunt.cycle"] != 1 {
		t.Fatalf("hunt.cycle spans = %d, want 1", counts["hunt.cycle"])
	}
	if counts["hunt.run"] != len(DefaultHunts()) {
		t.Errorf("hunt.run spans = %d, want %d", counts["hunt.run"], len(DefaultHunts()))
	}

	attrs := make(map[string]any)
	for _, a := range cycle.Attributes() {
		attrs[string(a.Key)] = a.Value.AsInterface()
	}
	if attrs["warden.hunt.findings"] != int64(1) {
		t.Errorf("warden.hunt.findings = %v, want 1", attrs["warden.hunt.findings"])
	}
}
