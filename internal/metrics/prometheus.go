package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the CapsWriter client.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Capture metrics
	FramesCaptured prometheus.Counter
	SpuriousWakes  prometheus.Counter
	BytesCaptured  prometheus.Counter
	CaptureFaults  prometheus.Counter
	MicLevel       prometheus.Gauge

	// Queue metrics
	MessagesEnqueued  *prometheus.CounterVec
	MessagesSent      *prometheus.CounterVec
	MessagesFailed    prometheus.Counter
	MessagesDiscarded prometheus.Counter
	QueueDepth        prometheus.Gauge
	SendDuration      prometheus.Histogram

	// Session metrics
	TasksOpened  prometheus.Counter
	TasksClosed  prometheus.Counter
	TaskDuration prometheus.Histogram

	// Connection metrics
	Connected       prometheus.Gauge
	Reconnects      prometheus.Counter
	ConnectFailures prometheus.Counter

	// Result metrics
	ResultsReceived *prometheus.CounterVec
	ProtocolErrors  prometheus.Counter
	ResultLatency   prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Capture metrics
		FramesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "capswriter_frames_captured_total",
			Help: "Total number of capture frames harvested from the ring buffer",
		}),
		SpuriousWakes: factory.NewCounter(prometheus.CounterOpts{
			Name: "capswriter_spurious_wakes_total",
			Help: "Total number of device notifications that produced no data",
		}),
		BytesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "capswriter_bytes_captured_total",
			Help: "Total number of PCM bytes captured",
		}),
		CaptureFaults: factory.NewCounter(prometheus.CounterOpts{
			Name: "capswriter_capture_faults_total",
			Help: "Total number of capture device faults",
		}),
		MicLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "capswriter_mic_level_db",
			Help: "Most recent microphone level in dB SPL",
		}),

		// Queue metrics
		MessagesEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capswriter_messages_enqueued_total",
			Help: "Total number of messages enqueued for transmission",
		}, []string{"kind"}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capswriter_messages_sent_total",
			Help: "Total number of messages written to the transport",
		}, []string{"kind"}),
		MessagesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "capswriter_messages_failed_total",
			Help: "Total number of messages the transport failed to send",
		}),
		MessagesDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "capswriter_messages_discarded_total",
			Help: "Total number of pending messages dropped by the disconnect policy",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "capswriter_queue_depth",
			Help: "Current number of messages waiting in the transmission queue",
		}),
		SendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "capswriter_send_duration_seconds",
			Help:    "Time spent writing one message to the transport",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		}),

		// Session metrics
		TasksOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "capswriter_tasks_opened_total",
			Help: "Total number of push-to-talk tasks opened",
		}),
		TasksClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "capswriter_tasks_closed_total",
			Help: "Total number of push-to-talk tasks closed with a final message",
		}),
		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "capswriter_task_duration_seconds",
			Help:    "Wall-clock duration of push-to-talk tasks",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2 minutes
		}),

		// Connection metrics
		Connected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "capswriter_connected",
			Help: "Whether the WebSocket connection to the server is up (1) or down (0)",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "capswriter_reconnects_total",
			Help: "Total number of successful reconnections after a drop",
		}),
		ConnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "capswriter_connect_failures_total",
			Help: "Total number of failed connection attempts",
		}),

		// Result metrics
		ResultsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capswriter_results_received_total",
			Help: "Total number of transcription results received",
		}, []string{"final"}),
		ProtocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "capswriter_protocol_errors_total",
			Help: "Total number of malformed frames received from the server",
		}),
		ResultLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "capswriter_result_latency_seconds",
			Help:    "Server-side time between submission and completion of a result",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capswriter_http_requests_total",
			Help: "Total number of status API requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "capswriter_http_request_duration_seconds",
			Help:    "Duration of status API requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordFrame records a captured frame of n bytes
func (m *Metrics) RecordFrame(n int) {
	if m == nil {
		return
	}
	m.FramesCaptured.Inc()
	m.BytesCaptured.Add(float64(n))
}

// RecordSpuriousWake increments the spurious wake counter
func (m *Metrics) RecordSpuriousWake() {
	if m == nil {
		return
	}
	m.SpuriousWakes.Inc()
}

// RecordCaptureFault increments the capture fault counter
func (m *Metrics) RecordCaptureFault() {
	if m == nil {
		return
	}
	m.CaptureFaults.Inc()
}

// SetMicLevel sets the microphone level gauge
func (m *Metrics) SetMicLevel(db float64) {
	if m == nil {
		return
	}
	m.MicLevel.Set(db)
}

// RecordEnqueued records a message entering the queue
func (m *Metrics) RecordEnqueued(kind string, depth int) {
	if m == nil {
		return
	}
	m.MessagesEnqueued.WithLabelValues(kind).Inc()
	m.QueueDepth.Set(float64(depth))
}

// RecordSent records a message written to the transport
func (m *Metrics) RecordSent(kind string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(kind).Inc()
	m.SendDuration.Observe(durationSeconds)
}

// RecordSendFailure records a message the transport could not write
func (m *Metrics) RecordSendFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.MessagesFailed.Inc()
	m.SendDuration.Observe(durationSeconds)
}

// RecordDiscarded records messages dropped by the disconnect policy
func (m *Metrics) RecordDiscarded(count int) {
	if m == nil {
		return
	}
	m.MessagesDiscarded.Add(float64(count))
}

// SetQueueDepth sets the current queue depth
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// RecordTaskOpened increments the tasks opened counter
func (m *Metrics) RecordTaskOpened() {
	if m == nil {
		return
	}
	m.TasksOpened.Inc()
}

// RecordTaskClosed increments the tasks closed counter and records duration
func (m *Metrics) RecordTaskClosed(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TasksClosed.Inc()
	m.TaskDuration.Observe(durationSeconds)
}

// SetConnected sets the connection state gauge
func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

// RecordReconnect increments the reconnect counter
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// RecordConnectFailure increments the failed connection counter
func (m *Metrics) RecordConnectFailure() {
	if m == nil {
		return
	}
	m.ConnectFailures.Inc()
}

// RecordResult records a received transcription result
func (m *Metrics) RecordResult(final bool, latencySeconds float64) {
	if m == nil {
		return
	}
	label := "false"
	if final {
		label = "true"
	}
	m.ResultsReceived.WithLabelValues(label).Inc()
	m.ResultLatency.Observe(latencySeconds)
}

// RecordProtocolError increments the protocol error counter
func (m *Metrics) RecordProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrors.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
