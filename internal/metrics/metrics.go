// Package metrics provides Prometheus instrumentation for the transfer
// engine, exposed at /metrics on the admin port:
//
//   - astate_transfers_total: one-sided operations by direction and result
//   - astate_transfer_retries_total: extra attempts by direction
//   - astate_transfer_bytes_total: payload bytes moved by direction
//   - astate_transfer_duration_seconds: end-to-end latency per operation
//   - astate_registered_regions: currently registered memory regions
//   - astate_engine_running: 1 while the engine is between Start and Stop
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransfersTotal counts Send/Receive outcomes.
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "astate_transfers_total",
			Help: "Total one-sided transfer operations",
		},
		[]string{"direction", "result"},
	)

	// TransferRetries counts attempts beyond the first.
	TransferRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "astate_transfer_retries_total",
			Help: "Transfer attempts beyond the first",
		},
		[]string{"direction"},
	)

	// TransferBytes counts payload bytes by direction.
	TransferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "astate_transfer_bytes_total",
			Help: "Payload bytes moved by one-sided transfers",
		},
		[]string{"direction"},
	)

	// TransferDuration tracks wall time of whole Send/Receive calls,
	// retries included.
	TransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "astate_transfer_duration_seconds",
			Help:    "Transfer call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 12),
		},
		[]string{"direction"},
	)

	// RegisteredRegions gauges live memory registrations.
	RegisteredRegions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "astate_registered_regions",
			Help: "Currently registered memory regions",
		},
	)

	// EngineRunning is 1 between Start and Stop.
	EngineRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "astate_engine_running",
			Help: "Whether the transfer engine is running",
		},
	)
)

// RecordTransfer records one finished Send/Receive call.
func RecordTransfer(direction string, ok bool, bytes int, duration time.Duration) {
	result := "success"
	if !ok {
		result = "failure"
	}
	TransfersTotal.WithLabelValues(direction, result).Inc()
	TransferDuration.WithLabelValues(direction).Observe(duration.Seconds())
	if ok {
		TransferBytes.WithLabelValues(direction).Add(float64(bytes))
	}
}

// RecordRetry records one extra attempt for the given direction.
func RecordRetry(direction string) {
	TransferRetries.WithLabelValues(direction).Inc()
}
