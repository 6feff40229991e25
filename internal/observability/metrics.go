package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sjawhar/pepper/internal/room"
)

// Metrics records call activity. It satisfies room.Listener and the metric
// hooks of the backend client and the document panel.
type Metrics struct {
	activeCalls   prometheus.Gauge
	totalCalls    *prometheus.CounterVec
	callDuration  prometheus.Histogram
	connectErrors prometheus.Counter
	requests      *prometheus.HistogramVec
	uploads       *prometheus.CounterVec
	transcripts   *prometheus.CounterVec
	sendFailures  prometheus.Counter
	reconnects    prometheus.Counter
}

// NewMetrics registers every collector with reg. Passing nil uses
// prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		activeCalls: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pepper_active_calls",
			Help: "Number of calls currently connected",
		}),
		totalCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pepper_calls_total",
			Help: "Total number of calls started, by environment",
		}, []string{"env"}),
		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pepper_call_duration_seconds",
			Help:    "Duration of calls in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		connectErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "pepper_connect_errors_total",
			Help: "Calls that failed to connect",
		}),
		requests: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pepper_backend_request_seconds",
			Help:    "Backend request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 15.0},
		}, []string{"op", "status"}),
		uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pepper_document_uploads_total",
			Help: "Document uploads by outcome",
		}, []string{"status"}),
		transcripts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pepper_transcript_events_total",
			Help: "Transcription events received, by role and finality",
		}, []string{"role", "final"}),
		sendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "pepper_message_send_failures_total",
			Help: "Chat messages that failed to send",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "pepper_reconnects_total",
			Help: "Transport reconnection attempts",
		}),
	}
}

func (m *Metrics) HandleEvent(ev room.Event) {
	switch e := ev.(type) {
	case room.SessionStarted:
		m.totalCalls.WithLabelValues(string(e.Info.Environment)).Inc()
		m.activeCalls.Inc()
	case room.SessionEnded:
		m.activeCalls.Dec()
		m.callDuration.Observe(e.Duration.Seconds())
	case room.StateChanged:
		if e.State == room.StateError {
			m.connectErrors.Inc()
		}
	case room.MessageFailed:
		m.sendFailures.Inc()
	case room.Reconnection:
		if e.Active {
			m.reconnects.Inc()
		}
	}
}

func (m *Metrics) ObserveRequest(op, status string, elapsed time.Duration) {
	m.requests.WithLabelValues(op, status).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveUpload(status string) {
	m.uploads.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveTranscript(role string, final bool) {
	m.transcripts.WithLabelValues(role, strconv.FormatBool(final)).Inc()
}
