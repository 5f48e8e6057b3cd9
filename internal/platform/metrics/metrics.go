package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the camera appliance.
type Metrics struct {
	registry          *prometheus.Registry
	adminRequests     prometheus.Counter
	adminErrors       prometheus.Counter
	imageRequests     prometheus.Counter
	captures          prometheus.Counter
	framesServed      prometheus.Counter
	captureTimeouts   prometheus.Counter
	undersizedReports prometheus.Counter
	sessionsAborted   prometheus.Counter
	requestsRejected  prometheus.Counter
	bytesSent         prometheus.Counter
	sessionActive     prometheus.Gauge
	captureDuration   prometheus.Histogram
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		adminRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camera_admin_requests_total",
			Help: "Total number of admin HTTP requests received",
		}),
		adminErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camera_admin_errors_total",
			Help: "Total number of admin HTTP responses with error status (4xx or 5xx)",
		}),
		imageRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camera_image_requests_total",
			Help: "Total number of image requests received on the camera socket",
		}),
		captures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camera_captures_triggered_total",
			Help: "Total number of sensor captures triggered",
		}),
		framesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camera_frames_served_total",
			Help: "Total number of complete BMP frames handed to the socket",
		}),
		captureTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camera_capture_timeouts_total",
			Help: "Total number of captures whose done flag never appeared",
		}),
		undersizedReports: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camera_undersized_fifo_total",
			Help: "Total number of FIFO length reports below one full frame",
		}),
		sessionsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camera_sessions_aborted_total",
			Help: "Total number of responses cut short by the peer",
		}),
		requestsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camera_requests_rejected_total",
			Help: "Total number of requests answered 503 while the capture breaker was open",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camera_bytes_sent_total",
			Help: "Total number of response bytes handed to the socket",
		}),
		sessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "camera_session_active",
			Help: "1 while a capture session is in progress",
		}),
		captureDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "camera_capture_duration_seconds",
			Help:    "Time from trigger to the last frame byte handed to the socket",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		}),
	}

	registry.MustRegister(
		m.adminRequests,
		m.adminErrors,
		m.imageRequests,
		m.captures,
		m.framesServed,
		m.captureTimeouts,
		m.undersizedReports,
		m.sessionsAborted,
		m.requestsRejected,
		m.bytesSent,
		m.sessionActive,
		m.captureDuration,
	)
	return m
}

// IncRequests increments the admin request counter.
func (m *Metrics) IncRequests() {
	m.adminRequests.Inc()
}

// IncErrors increments the admin error counter.
func (m *Metrics) IncErrors() {
	m.adminErrors.Inc()
}

// IncImageRequests increments the camera socket request counter.
func (m *Metrics) IncImageRequests() {
	m.imageRequests.Inc()
}

// IncCaptures increments the trigger counter.
func (m *Metrics) IncCaptures() {
	m.captures.Inc()
}

// IncFramesServed increments the completed frame counter.
func (m *Metrics) IncFramesServed() {
	m.framesServed.Inc()
}

// IncCaptureTimeouts increments the capture timeout counter.
func (m *Metrics) IncCaptureTimeouts() {
	m.captureTimeouts.Inc()
}

// IncUndersized increments the undersized FIFO counter.
func (m *Metrics) IncUndersized() {
	m.undersizedReports.Inc()
}

// IncAborted increments the aborted session counter.
func (m *Metrics) IncAborted() {
	m.sessionsAborted.Inc()
}

// IncRejected increments the breaker rejection counter.
func (m *Metrics) IncRejected() {
	m.requestsRejected.Inc()
}

// AddBytesSent adds n to the sent byte counter.
func (m *Metrics) AddBytesSent(n int) {
	m.bytesSent.Add(float64(n))
}

// SetSessionActive sets the session gauge.
func (m *Metrics) SetSessionActive(active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.sessionActive.Set(v)
}

// ObserveCaptureDuration records a completed capture.
func (m *Metrics) ObserveCaptureDuration(d time.Duration) {
	m.captureDuration.Observe(d.Seconds())
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
