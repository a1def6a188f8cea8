package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	Transcripts      *prometheus.CounterVec
	ServiceRequests  *prometheus.CounterVec
	ServiceLatency   *prometheus.HistogramVec
	ResponseTime     prometheus.Histogram
	SubscriberPanics *prometheus.CounterVec
	StreamClients    prometheus.Gauge

	Latency *LatencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of open voice sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle and vendor events by type.",
		}, []string{"event"}),
		Transcripts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_total",
			Help:      "Finalized transcripts routed by role.",
		}, []string{"role"}),
		ServiceRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voicebot_requests_total",
			Help:      "Voice-bot service requests by operation and outcome.",
		}, []string{"op", "code"}),
		ServiceLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "voicebot_request_latency_ms",
			Help:      "Voice-bot service request latency in milliseconds.",
			Buckets:   []float64{25, 50, 100, 200, 400, 800, 1600, 3200, 6400},
		}, []string{"op"}),
		ResponseTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bot_response_time_ms",
			Help:      "Time from end of user speech to start of bot speech in milliseconds.",
			Buckets:   []float64{200, 400, 600, 800, 1000, 1500, 2000, 3000, 5000},
		}),
		SubscriberPanics: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_panics_total",
			Help:      "Recovered subscriber callback panics by registry.",
		}, []string{"registry"}),
		StreamClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state_stream_clients",
			Help:      "Connected voice state websocket clients.",
		}),
		Latency: NewLatencyWindow(256),
	}
}

// ObserveService records one voice-bot request. Transport failures are
// labeled with code "error".
func (m *Metrics) ObserveService(op string, elapsed time.Duration, statusCode int, err error) {
	if m == nil {
		return
	}
	code := "error"
	if statusCode > 0 {
		code = strconv.Itoa(statusCode)
	}
	ms := float64(elapsed.Microseconds()) / 1000
	m.ServiceRequests.WithLabelValues(op, code).Inc()
	m.ServiceLatency.WithLabelValues(op).Observe(ms)
	m.Latency.Observe("voicebot_"+op, ms)
	if err != nil {
		m.Latency.ObserveIndicator("voicebot_" + op + "_failed")
	}
}

func (m *Metrics) ObserveResponseTime(d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.ResponseTime.Observe(ms)
	m.Latency.Observe(StageResponseTime, ms)
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
