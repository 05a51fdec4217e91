// Package metrics provides Prometheus metrics for the Clover sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "sync",
			Name:      "operations_total",
			Help:      "Total number of sync operations by integration, direction and outcome",
		},
		[]string{"integration_type", "direction", "status"},
	)

	SyncOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "sync",
			Name:      "operation_duration_seconds",
			Help:      "Duration of sync operations in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"integration_type", "direction"},
	)

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "api_client",
			Name:      "requests_total",
			Help:      "Total number of outbound API requests to external systems",
		},
		[]string{"integration_type", "method", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "api_client",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound API requests in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"integration_type", "method"},
	)

	APIRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "api_client",
			Name:      "retries_total",
			Help:      "Total number of retried outbound API requests by reason",
		},
		[]string{"integration_type", "reason"},
	)

	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "credentials",
			Name:      "refreshes_total",
			Help:      "Total number of credential refreshes by outcome",
		},
		[]string{"integration_type", "status"},
	)

	WebhooksReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "webhooks",
			Name:      "received_total",
			Help:      "Total number of inbound webhook events by canonical type and outcome",
		},
		[]string{"integration_type", "event_type", "handled"},
	)

	WebhooksSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "webhooks",
			Name:      "sent_total",
			Help:      "Total number of outbound webhook notifications by outcome",
		},
		[]string{"event_type", "status"},
	)

	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)
)

func RecordSync(integrationType, direction, status string, durationSeconds float64) {
	SyncOperationsTotal.WithLabelValues(integrationType, direction, status).Inc()
	SyncOperationDuration.WithLabelValues(integrationType, direction).Observe(durationSeconds)
}

func RecordAPIRequest(integrationType, method, statusCode string, durationSeconds float64) {
	APIRequestsTotal.WithLabelValues(integrationType, method, statusCode).Inc()
	APIRequestDuration.WithLabelValues(integrationType, method).Observe(durationSeconds)
}

func RecordAPIRetry(integrationType, reason string) {
	APIRetriesTotal.WithLabelValues(integrationType, reason).Inc()
}

func RecordTokenRefresh(integrationType, status string) {
	TokenRefreshesTotal.WithLabelValues(integrationType, status).Inc()
}

func RecordWebhookReceived(integrationType, eventType string, handled bool) {
	h := "false"
	if handled {
		h = "true"
	}
	WebhooksReceivedTotal.WithLabelValues(integrationType, eventType, h).Inc()
}

func RecordWebhookSent(eventType, status string) {
	WebhooksSentTotal.WithLabelValues(eventType, status).Inc()
}

func RecordKafkaPublish(topic, status string) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
}
