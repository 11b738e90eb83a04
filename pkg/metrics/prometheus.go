package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the call service
type Metrics struct {
	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Redis Metrics
	redisCommandsTotal *prometheus.CounterVec
	redisErrorsTotal   *prometheus.CounterVec

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec

	// Call Metrics
	callsStartedTotal *prometheus.CounterVec
	callsEndedTotal   *prometheus.CounterVec
	callsActive       prometheus.Gauge
	callsDuration     *prometheus.HistogramVec
	callsRejected     *prometheus.CounterVec

	// Relay Metrics
	signalsPublishedTotal *prometheus.CounterVec
	signalsFailedTotal    *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with the default registry
func NewMetrics(serviceName string) *Metrics {
	return NewMetricsWith(serviceName, prometheus.DefaultRegisterer)
}

// NewMetricsWith creates all metrics and registers them with reg.
// Tests pass a fresh prometheus.NewRegistry() so repeated construction does not panic.
func NewMetricsWith(serviceName string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		redisCommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "redis_commands_total",
				Help:        "Total number of Redis commands",
				ConstLabels: labels,
			},
			[]string{"command"},
		),
		redisErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "redis_errors_total",
				Help:        "Total number of Redis errors",
				ConstLabels: labels,
			},
			[]string{"command"},
		),

		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of open relay websocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of relay websocket messages",
				ConstLabels: labels,
			},
			[]string{"direction"},
		),

		callsStartedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_started_total",
				Help:        "Total number of call sessions started",
				ConstLabels: labels,
			},
			[]string{"type", "target"},
		),
		callsEndedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_ended_total",
				Help:        "Total number of call sessions ended",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of call sessions that have not ended",
				ConstLabels: labels,
			},
		),
		callsDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "calls_duration_seconds",
				Help:        "Call session duration in seconds",
				ConstLabels: labels,
				Buckets:     []float64{5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
			},
			[]string{"type"},
		),
		callsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_rejected_total",
				Help:        "Total number of registry operations rejected",
				ConstLabels: labels,
			},
			[]string{"operation", "reason"},
		),

		signalsPublishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signals_published_total",
				Help:        "Total number of signal envelopes published to user channels",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		signalsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signals_failed_total",
				Help:        "Total number of signal envelopes that could not be published",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// RecordRedisCommand records a Redis command and whether it failed
func (m *Metrics) RecordRedisCommand(command string, err error) {
	m.redisCommandsTotal.WithLabelValues(command).Inc()
	if err != nil {
		m.redisErrorsTotal.WithLabelValues(command).Inc()
	}
}

func (m *Metrics) IncWebSocketConnections() {
	m.websocketConnections.Inc()
}

func (m *Metrics) DecWebSocketConnections() {
	m.websocketConnections.Dec()
}

// RecordWebSocketMessage counts a relay frame; direction is "in" or "out"
func (m *Metrics) RecordWebSocketMessage(direction string) {
	m.websocketMessagesTotal.WithLabelValues(direction).Inc()
}

// RecordCallStarted counts a new session and raises the active gauge
func (m *Metrics) RecordCallStarted(callType, target string) {
	m.callsStartedTotal.WithLabelValues(callType, target).Inc()
	m.callsActive.Inc()
}

// RecordCallEnded counts an ended session and lowers the active gauge
func (m *Metrics) RecordCallEnded(callType, reason string, duration time.Duration) {
	m.callsEndedTotal.WithLabelValues(reason).Inc()
	m.callsDuration.WithLabelValues(callType).Observe(duration.Seconds())
	m.callsActive.Dec()
}

// RecordCallRejected counts an operation refused by the registry
func (m *Metrics) RecordCallRejected(operation, reason string) {
	m.callsRejected.WithLabelValues(operation, reason).Inc()
}

// RecordSignal counts one published envelope and whether delivery failed
func (m *Metrics) RecordSignal(kind string, err error) {
	if err != nil {
		m.signalsFailedTotal.WithLabelValues(kind).Inc()
		return
	}
	m.signalsPublishedTotal.WithLabelValues(kind).Inc()
}
