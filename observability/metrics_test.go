package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gatherFamily(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	return nil
}

func counterValue(family *dto.MetricFamily, labelValue string) float64 {
	if family == nil {
		return 0
	}
	for _, metric := range family.GetMetric() {
		for _, pair := range metric.GetLabel() {
			if pair.GetValue() == labelValue {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestLedgerCountersExposeOutcomes(t *testing.T) {
	m := Ledger()
	if m != Ledger() {
		t.Fatalf("registry must be a singleton")
	}

	before := counterValue(gatherFamily(t, "clipstudio_payments_events_total"), "settled")
	m.RecordPayment("Settled") // labels normalise to lower case
	m.RecordPayment("settled")
	after := counterValue(gatherFamily(t, "clipstudio_payments_events_total"), "settled")
	if after-before != 2 {
		t.Fatalf("settled counter moved by %v, want 2", after-before)
	}

	m.RecordPayment("")
	if counterValue(gatherFamily(t, "clipstudio_payments_events_total"), "unknown") == 0 {
		t.Fatalf("blank outcome should count under unknown")
	}
}

func gaugeValue(family *dto.MetricFamily, labelValue string) float64 {
	if family == nil {
		return 0
	}
	for _, metric := range family.GetMetric() {
		for _, pair := range metric.GetLabel() {
			if pair.GetValue() == labelValue {
				return metric.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func TestRevenueGaugeIgnoresNonPositiveAmounts(t *testing.T) {
	m := Ledger()
	before := gaugeValue(gatherFamily(t, "clipstudio_revenue_cents_total"), "creator")
	m.AddRevenue("creator", 0)
	m.AddRevenue("creator", -50)
	m.AddRevenue("creator", 267)
	after := gaugeValue(gatherFamily(t, "clipstudio_revenue_cents_total"), "creator")
	if after-before != 267 {
		t.Fatalf("creator revenue moved by %v, want 267", after-before)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *LedgerMetrics
	m.RecordPayment("settled")
	m.RecordPayout("created")
	m.RecordRefund("failed")
	m.AddRevenue("agent", 1)
	m.SetPendingBacklog(3)
	m.RecordRewardAccrual()
	m.RecordSweep("swept")
}
