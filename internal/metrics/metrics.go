// Package metrics holds the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unisync",
		Name:      "sync_operations_total",
		Help:      "Offline operations replayed, by operation and outcome.",
	}, []string{"operation", "outcome"})

	AttendanceRedemptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unisync",
		Name:      "attendance_redemptions_total",
		Help:      "QR code scans, by outcome.",
	}, []string{"outcome"})

	AttendanceTokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "unisync",
		Name:      "attendance_tokens_issued_total",
		Help:      "QR codes generated.",
	})

	NotificationsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unisync",
		Name:      "notifications_delivered_total",
		Help:      "Inbox entries written by the worker, by outcome.",
	}, []string{"outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "unisync",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
