package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics
)

// LedgerMetrics wraps the collectors tracking payment, payout, refund, and
// staking health across the settlement pipeline.
type LedgerMetrics struct {
	payments       *prometheus.CounterVec
	payouts        *prometheus.CounterVec
	refunds        *prometheus.CounterVec
	revenueCents   *prometheus.GaugeVec
	pendingPayouts prometheus.Gauge
	payoutLatency  *prometheus.HistogramVec
	rewardsAccrued prometheus.Counter
	sweeps         *prometheus.CounterVec
}

// Ledger returns the lazily-initialised ledger metrics registry.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			payments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "clipstudio",
				Subsystem: "payments",
				Name:      "events_total",
				Help:      "Count of payment pipeline events segmented by outcome (received, settled, failed).",
			}, []string{"outcome"}),
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "clipstudio",
				Subsystem: "payouts",
				Name:      "events_total",
				Help:      "Count of payout lifecycle events segmented by outcome (created, completed, failed).",
			}, []string{"outcome"}),
			refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "clipstudio",
				Subsystem: "refunds",
				Name:      "events_total",
				Help:      "Count of refund lifecycle events segmented by outcome (created, completed, failed).",
			}, []string{"outcome"}),
			revenueCents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "clipstudio",
				Subsystem: "revenue",
				Name:      "cents_total",
				Help:      "Cents of tip revenue attributed per recipient type.",
			}, []string{"recipient"}),
			pendingPayouts: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "clipstudio",
				Subsystem: "payouts",
				Name:      "pending_backlog",
				Help:      "Number of payouts awaiting execution after the latest run.",
			}),
			payoutLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "clipstudio",
				Subsystem: "payouts",
				Name:      "transfer_duration_seconds",
				Help:      "Latency distribution for completed on-chain transfers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"recipient"}),
			rewardsAccrued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "clipstudio",
				Subsystem: "staking",
				Name:      "rewards_accrued_total",
				Help:      "Count of staking reward accrual events.",
			}),
			sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "clipstudio",
				Subsystem: "unclaimed",
				Name:      "events_total",
				Help:      "Count of unclaimed fund events segmented by outcome (claimed, swept, errored).",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.payments,
			ledgerRegistry.payouts,
			ledgerRegistry.refunds,
			ledgerRegistry.revenueCents,
			ledgerRegistry.pendingPayouts,
			ledgerRegistry.payoutLatency,
			ledgerRegistry.rewardsAccrued,
			ledgerRegistry.sweeps,
		)
	})
	return ledgerRegistry
}

func label(value string) string {
	if value = strings.TrimSpace(value); value == "" {
		return "unknown"
	}
	return strings.ToLower(value)
}

// RecordPayment increments the payment counter for the supplied outcome.
func (m *LedgerMetrics) RecordPayment(outcome string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(label(outcome)).Inc()
}

// RecordPayout increments the payout counter for the supplied outcome.
func (m *LedgerMetrics) RecordPayout(outcome string) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(label(outcome)).Inc()
}

// RecordRefund increments the refund counter for the supplied outcome.
func (m *LedgerMetrics) RecordRefund(outcome string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(label(outcome)).Inc()
}

// AddRevenue accumulates cents of revenue against a recipient type gauge.
func (m *LedgerMetrics) AddRevenue(recipient string, cents int64) {
	if m == nil || cents <= 0 {
		return
	}
	m.revenueCents.WithLabelValues(label(recipient)).Add(float64(cents))
}

// SetPendingBacklog records the pending payout backlog after a run.
func (m *LedgerMetrics) SetPendingBacklog(count int64) {
	if m == nil {
		return
	}
	m.pendingPayouts.Set(float64(count))
}

// ObserveTransfer records the wall-clock cost of one completed transfer.
func (m *LedgerMetrics) ObserveTransfer(recipient string, d time.Duration) {
	if m == nil {
		return
	}
	m.payoutLatency.WithLabelValues(label(recipient)).Observe(d.Seconds())
}

// RecordRewardAccrual counts one staking reward accrual event.
func (m *LedgerMetrics) RecordRewardAccrual() {
	if m == nil {
		return
	}
	m.rewardsAccrued.Inc()
}

// RecordSweep increments the unclaimed fund counter for the supplied outcome.
func (m *LedgerMetrics) RecordSweep(outcome string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(label(outcome)).Inc()
}
