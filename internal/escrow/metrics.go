package escrow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

var (
	// walletOpsTotal counts engine operations by type.
	walletOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "farmlink",
			Name:      "wallet_operations_total",
			Help:      "Total wallet engine operations by type.",
		},
		[]string{"type"},
	)

	// walletOpDuration observes operation latency by type.
	walletOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "farmlink",
			Name:      "wallet_operation_duration_seconds",
			Help:      "Wallet engine operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// casConflictsTotal counts optimistic-concurrency conflicts that forced
	// a re-read. A rising rate means hot accounts.
	casConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "farmlink",
			Name:      "wallet_cas_conflicts_total",
			Help:      "Total account version conflicts during balance updates.",
		},
	)

	// releasedTotal tracks the cumulative amount paid out by Release.
	releasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "farmlink",
			Name:      "wallet_released_amount_total",
			Help:      "Cumulative amount released from escrow.",
		},
	)

	// refundedTotal tracks the cumulative amount returned by Refund.
	refundedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "farmlink",
			Name:      "wallet_refunded_amount_total",
			Help:      "Cumulative amount refunded from escrow.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		walletOpsTotal,
		walletOpDuration,
		casConflictsTotal,
		releasedTotal,
		refundedTotal,
	)
}

// observeOp records one operation and returns a func observing its duration.
//
//	defer observeOp("reserve")()
func observeOp(op string) func() {
	start := time.Now()
	walletOpsTotal.WithLabelValues(op).Inc()
	return func() {
		walletOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// amountAsFloat converts a decimal amount for prometheus counters. Metrics
// tolerate float imprecision; the ledger itself never does this.
func amountAsFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
