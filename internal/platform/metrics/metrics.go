package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the streamer: encoder
// availability, offer/negotiation volume and active viewer sessions.
//
// The atomic mirrors alongside the Prometheus collectors back Snapshot();
// client_golang has no cheap read path for a single counter value.
type Metrics struct {
	registry *prometheus.Registry

	offersTotal            prometheus.Counter
	negotiationErrorsTotal prometheus.Counter
	encoderRestartsTotal   prometheus.Counter
	activeSessions         prometheus.Gauge
	encoderRunning         prometheus.Gauge
	uptimeSeconds          prometheus.Gauge
	hlsWindowSegments      prometheus.Gauge
	requestsTotal          prometheus.Counter
	httpErrorsTotal        prometheus.Counter

	startTime time.Time
	offers    atomic.Int64
	errors    atomic.Int64
	restarts  atomic.Int64
	sessions  atomic.Int64
	running   atomic.Bool
}

// Snapshot is a point-in-time read of all counters and gauges, plus uptime
// computed at call time.
type Snapshot struct {
	OffersTotal            int64
	NegotiationErrorsTotal int64
	EncoderRestartsTotal   int64
	ActiveSessions         int64
	EncoderRunning         bool
	Uptime                 time.Duration
}

// New creates and registers Prometheus metrics for the streamer.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	offersTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamer_offers_total",
		Help: "Total number of WebRTC offers received on POST /offer",
	})
	negotiationErrorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamer_negotiation_errors_total",
		Help: "Total number of failed offer/answer negotiations",
	})
	encoderRestartsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamer_encoder_restarts_total",
		Help: "Total number of encoder process relaunches after exit",
	})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "streamer_active_sessions",
		Help: "Number of peer sessions that have not reached a terminal state",
	})
	encoderRunning := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "streamer_encoder_running",
		Help: "Whether the encoder process is currently running (0/1)",
	})
	uptimeSeconds := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "streamer_uptime_seconds",
		Help: "Process uptime in seconds, refreshed at scrape time",
	})
	hlsWindowSegments := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "streamer_hls_window_segments",
		Help: "Number of segments currently listed in the rolling HLS manifest",
	})
	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamer_requests_total",
		Help: "Total number of HTTP requests received",
	})
	httpErrorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamer_http_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})

	registry.MustRegister(
		offersTotal,
		negotiationErrorsTotal,
		encoderRestartsTotal,
		activeSessions,
		encoderRunning,
		uptimeSeconds,
		hlsWindowSegments,
		requestsTotal,
		httpErrorsTotal,
	)

	return &Metrics{
		registry:               registry,
		offersTotal:            offersTotal,
		negotiationErrorsTotal: negotiationErrorsTotal,
		encoderRestartsTotal:   encoderRestartsTotal,
		activeSessions:         activeSessions,
		encoderRunning:         encoderRunning,
		uptimeSeconds:          uptimeSeconds,
		hlsWindowSegments:      hlsWindowSegments,
		requestsTotal:          requestsTotal,
		httpErrorsTotal:        httpErrorsTotal,
		startTime:              time.Now(),
	}
}

// IncOffers increments the offers counter.
func (m *Metrics) IncOffers() {
	m.offersTotal.Inc()
	m.offers.Add(1)
}

// IncNegotiationErrors increments the negotiation errors counter.
func (m *Metrics) IncNegotiationErrors() {
	m.negotiationErrorsTotal.Inc()
	m.errors.Add(1)
}

// IncEncoderRestarts increments the encoder restart counter.
func (m *Metrics) IncEncoderRestarts() {
	m.encoderRestartsTotal.Inc()
	m.restarts.Add(1)
}

// SetEncoderRunning sets the encoder running gauge.
func (m *Metrics) SetEncoderRunning(running bool) {
	if running {
		m.encoderRunning.Set(1)
	} else {
		m.encoderRunning.Set(0)
	}
	m.running.Store(running)
}

// IncActiveSessions increments the active sessions gauge.
func (m *Metrics) IncActiveSessions() {
	m.activeSessions.Inc()
	m.sessions.Add(1)
}

// DecActiveSessions decrements the active sessions gauge.
func (m *Metrics) DecActiveSessions() {
	m.activeSessions.Dec()
	m.sessions.Add(-1)
}

// SetHLSWindowSegments sets the rolling archive window gauge.
func (m *Metrics) SetHLSWindowSegments(n int) {
	m.hlsWindowSegments.Set(float64(n))
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncHTTPErrors increments the HTTP errors counter.
func (m *Metrics) IncHTTPErrors() {
	m.httpErrorsTotal.Inc()
}

// GetSnapshot returns a point-in-time read of all counters and gauges.
// Safe under concurrent mutation.
func (m *Metrics) GetSnapshot() Snapshot {
	return Snapshot{
		OffersTotal:            m.offers.Load(),
		NegotiationErrorsTotal: m.errors.Load(),
		EncoderRestartsTotal:   m.restarts.Load(),
		ActiveSessions:         m.sessions.Load(),
		EncoderRunning:         m.running.Load(),
		Uptime:                 time.Since(m.startTime),
	}
}

// Handler returns an http.Handler that serves Prometheus metrics. Uptime is
// refreshed on every scrape; updateGauges, if non-nil, is called before each
// scrape to refresh gauges whose value is derived elsewhere (e.g. the HLS
// archive window).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.uptimeSeconds.Set(time.Since(m.startTime).Seconds())
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
