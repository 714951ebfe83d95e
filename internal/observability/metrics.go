package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	FrameApplied   = "applied"
	FrameMalformed = "malformed"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labwatch",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status API requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "labwatch",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	streamFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labwatch",
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "Inbound stream frames by handling result.",
		},
		[]string{"result"},
	)
	streamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "labwatch",
			Subsystem: "stream",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after a drop or failed dial.",
		},
	)
	streamState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "labwatch",
			Subsystem: "stream",
			Name:      "connection_state",
			Help:      "Connection state: 0 disconnected, 1 connecting, 2 connected.",
		},
	)
	captureFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labwatch",
			Subsystem: "capture",
			Name:      "frames_total",
			Help:      "Outbound capture frames by outcome.",
		},
		[]string{"outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			streamFrames,
			streamReconnects,
			streamState,
			captureFrames,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordStreamFrame(result string) {
	RegisterMetrics()
	streamFrames.WithLabelValues(result).Inc()
}

func RecordReconnectScheduled() {
	RegisterMetrics()
	streamReconnects.Inc()
}

func SetConnectionState(state int) {
	RegisterMetrics()
	streamState.Set(float64(state))
}

// RecordCaptureFrame counts one capture tick; outcome is "sent", "skipped" or "failed".
func RecordCaptureFrame(outcome string) {
	RegisterMetrics()
	captureFrames.WithLabelValues(outcome).Inc()
}
