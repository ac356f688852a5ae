package soar

import (
	"context"
	"testing"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/warden/internal/finding"
	"github.com/linnemanlabs/warden/internal/finding/memstore"
)

func TestMetricsHooks(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	s := memstore.New()
	runner, matcher := pipeline(t, s)
	seedAlert(t, s, finding.IndexThreatAlerts, "bf-1", bruteForce())
	seedAlert(t, s, finding.IndexThreatAlerts, "n-1", finding.Document{finding.FieldCategory: "noise"})

	New(s, matcher, runner, nil, log.Nop(), m.Hooks(), Config{}).Cycle(context.Background())

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	outcomes := map[string]float64{}
	var cycles float64
	var lastCycle float64
	for _, mf := range families {
		switch mf.GetName() {
		case "warden_findings_processed_total":
			for _, metric := range mf.GetMetric() {
				labels := map[string]string{}
				for _, lp := range metric.GetLabel() {
					labels[lp.GetName()] = lp.GetValue()
				}
				outcomes[labels["index"]+"/"+labels["outcome"]] = metric.GetCounter().GetValue()
			}
		case "warden_processing_cycles_total":
			cycles = mf.GetMetric()[0].GetCounter().GetValue()
		case "warden_processing_last_cycle_timestamp_seconds":
			lastCycle = mf.GetMetric()[0].GetGauge().GetValue()
		}
	}

	if outcomes["threat-alerts/executed"] != 1 {
		t.Errorf("executed = %v, want 1 (all: %v)", outcomes["threat-alerts/executed"], outcomes)
	}
	if outcomes["threat-alerts/unmatched"] != 1 {
		t.Errorf("unmatched = %v, want 1", outcomes["threat-alerts/unmatched"])
	}
	if cycles != 1 {
		t.Errorf("cycles = %v, want 1", cycles)
	}
	if lastCycle == 0 {
		t.Error("last cycle timestamp not set")
	}
}
