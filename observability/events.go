package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type settlementMetrics struct {
	transfers *prometheus.CounterVec
}

var (
	settlementMetricsOnce sync.Once
	settlementRegistry    *settlementMetrics
)

// Settlements returns the metrics registry tracking settled payments and
// native transfers.
func Settlements() *settlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &settlementMetrics{
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "guardflow",
				Subsystem: "payments",
				Name:      "settlements_total",
				Help:      "Count of value transfers segmented by asset and outcome.",
			}, []string{"asset", "outcome"}),
		}
		prometheus.MustRegister(settlementRegistry.transfers)
	})
	return settlementRegistry
}

// RecordSettlement increments the settlement counter for the supplied asset
// label ("NATIVE" or "TOKEN").
func (m *settlementMetrics) RecordSettlement(asset string, ok bool) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToUpper(asset))
	if normalized == "" {
		normalized = "UNKNOWN"
	}
	outcome := "settled"
	if !ok {
		outcome = "failed"
	}
	m.transfers.WithLabelValues(normalized, outcome).Inc()
}
