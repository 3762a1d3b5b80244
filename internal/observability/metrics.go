package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pktlink"

var (
	registerOnce sync.Once

	framesEncoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "encoded_total",
			Help:      "Frames written to a connection.",
		},
		[]string{"role"},
	)
	framesDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "decoded_total",
			Help:      "Frames read from a connection and delivered.",
		},
		[]string{"role"},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "dropped_total",
			Help:      "Frames dropped by the codec, by reason.",
		},
		[]string{"role", "reason"},
	)
	keepAlives = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_total",
			Help:      "Keepalive frames sent or received.",
		},
		[]string{"role", "direction"},
	)
	connectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Open connections.",
		},
		[]string{"role"},
	)
	connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Client connection attempts by result.",
		},
		[]string{"result"},
	)
	reconnectsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Client reconnects scheduled after a connection closed.",
		},
	)
	readTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_timeouts_total",
			Help:      "Server connections closed for read inactivity.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
)

// Drop reasons for RecordFrameDropped.
const (
	DropUnregistered = "unregistered"
	DropBody         = "body"
	DropCorrupt      = "corrupt"
	DropUnknownID    = "unknown_id"
	DropMismatch     = "self_check"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesEncoded, framesDecoded, framesDropped, keepAlives,
			connectionsActive, connectAttempts, reconnectsScheduled, readTimeouts,
			httpRequests, httpDuration,
		)
	})
}

func RecordFrameEncoded(role string) {
	RegisterMetrics()
	framesEncoded.WithLabelValues(role).Inc()
}

func RecordFrameDecoded(role string) {
	RegisterMetrics()
	framesDecoded.WithLabelValues(role).Inc()
}

func RecordFrameDropped(role, reason string) {
	RegisterMetrics()
	framesDropped.WithLabelValues(role, reason).Inc()
}

// RecordKeepAlive counts one keepalive; direction is "sent" or "received".
func RecordKeepAlive(role, direction string) {
	RegisterMetrics()
	keepAlives.WithLabelValues(role, direction).Inc()
}

func ConnectionOpened(role string) {
	RegisterMetrics()
	connectionsActive.WithLabelValues(role).Inc()
}

func ConnectionClosed(role string) {
	RegisterMetrics()
	connectionsActive.WithLabelValues(role).Dec()
}

func RecordConnectAttempt(success bool) {
	RegisterMetrics()
	result := "failure"
	if success {
		result = "success"
	}
	connectAttempts.WithLabelValues(result).Inc()
}

func RecordReconnectScheduled() {
	RegisterMetrics()
	reconnectsScheduled.Inc()
}

func RecordReadTimeout() {
	RegisterMetrics()
	readTimeouts.Inc()
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}
