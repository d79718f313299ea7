package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WebhookMetrics tracks delivery of audit events to external observers.
type WebhookMetrics struct {
	deliveries      *prometheus.CounterVec
	webhookFailures *prometheus.CounterVec
	latency         *prometheus.HistogramVec
}

var (
	webhookOnce     sync.Once
	webhookRegistry *WebhookMetrics
)

func Webhook() *WebhookMetrics {
	webhookOnce.Do(func() {
		webhookRegistry = &WebhookMetrics{
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "guardflow_observer_deliveries_total",
				Help: "Count of audit events delivered to observers by destination.",
			}, []string{"destination"}),
			webhookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "guardflow_observer_webhook_failures_total",
				Help: "Number of failed webhook delivery attempts by destination.",
			}, []string{"destination"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "guardflow_observer_delivery_seconds",
				Help:    "Latency of webhook deliveries.",
				Buckets: prometheus.DefBuckets,
			}, []string{"destination"}),
		}
		prometheus.MustRegister(
			webhookRegistry.deliveries,
			webhookRegistry.webhookFailures,
			webhookRegistry.latency,
		)
	})
	return webhookRegistry
}

func (m *WebhookMetrics) ObserveDelivery(destination string, duration time.Duration) {
	if m == nil {
		return
	}
	if destination == "" {
		destination = "unknown"
	}
	m.deliveries.WithLabelValues(destination).Inc()
	m.latency.WithLabelValues(destination).Observe(duration.Seconds())
}

func (m *WebhookMetrics) IncWebhookFailure(destination string) {
	if m == nil {
		return
	}
	if destination == "" {
		destination = "unknown"
	}
	m.webhookFailures.WithLabelValues(destination).Inc()
}

func (m *WebhookMetrics) InitWebhookDestination(destination string) {
	if m == nil {
		return
	}
	if destination == "" {
		destination = "unknown"
	}
	m.deliveries.WithLabelValues(destination).Add(0)
	m.webhookFailures.WithLabelValues(destination).Add(0)
}
