// internal/messaging/metrics.go

package messaging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_messages_persisted_total",
			Help: "Total number of messages persisted",
		},
		[]string{"type"},
	)

	statusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_status_transitions_total",
			Help: "Total number of message status transitions",
		},
		[]string{"status"},
	)

	blobUploadFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_blob_upload_failures_total",
			Help: "Total number of failed media uploads",
		},
	)

	pushSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_push_notifications_total",
			Help: "Total number of push notifications attempted",
		},
		[]string{"outcome"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messaging_operation_duration_seconds",
			Help:    "Duration of durable messaging operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)
