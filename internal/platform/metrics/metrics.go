package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the ad-block service.
type Metrics struct {
	registry       *prometheus.Registry
	requestsTotal  prometheus.Counter
	errorsTotal    prometheus.Counter
	activeSessions prometheus.Gauge
	requestLatency *prometheus.HistogramVec

	playlistsProcessedTotal *prometheus.CounterVec
	phaseTransitionsTotal   *prometheus.CounterVec
	strippedSegmentsTotal   prometheus.Counter
	backupFetchesTotal      *prometheus.CounterVec
	playerReloadsTotal      *prometheus.CounterVec
	configReloadsTotal      *prometheus.CounterVec

	upstreamRequestsTotal   *prometheus.CounterVec
	upstreamRequestDuration *prometheus.HistogramVec
	upstreamRetriesTotal    *prometheus.CounterVec
	upstreamSharedTotal     prometheus.Counter
	upstreamInFlight        prometheus.Gauge
	circuitTransitionsTotal *prometheus.CounterVec
}

// New creates and registers Prometheus metrics for the service.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hls_request_duration_seconds",
			Help:    "HTTP request duration by route pattern and status class",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "class"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_adblock_active_sessions",
			Help: "Number of channels with a registered session",
		}),
		playlistsProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_adblock_playlists_processed_total",
			Help: "Playlists processed by kind (master, media) and result",
		}, []string{"kind", "result"}),
		phaseTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_adblock_phase_transitions_total",
			Help: "Session state machine transitions",
		}, []string{"from", "to"}),
		strippedSegmentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_adblock_stripped_segments_total",
			Help: "Ad segments removed or replaced",
		}),
		backupFetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_adblock_backup_fetches_total",
			Help: "Backup playlist resolutions by outcome",
		}, []string{"outcome"}),
		playerReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_adblock_player_reloads_total",
			Help: "Player reload decisions by result (reloaded, suppressed, skipped_hevc)",
		}, []string{"result"}),
		configReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_adblock_config_updates_total",
			Help: "Configuration updates by result",
		}, []string{"result"}),
		upstreamRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_upstream_requests_total",
			Help: "Upstream requests by host and outcome",
		}, []string{"host", "outcome"}),
		upstreamRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hls_upstream_request_duration_seconds",
			Help:    "Upstream request duration including retries",
			Buckets: prometheus.DefBuckets,
		}, []string{"host"}),
		upstreamRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_upstream_retries_total",
			Help: "Upstream request retries by host",
		}, []string{"host"}),
		upstreamSharedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_upstream_shared_results_total",
			Help: "Results delivered to callers that joined an in-flight request",
		}),
		upstreamInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_upstream_in_flight",
			Help: "Upstream requests currently on the wire",
		}),
		circuitTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_upstream_circuit_transitions_total",
			Help: "Circuit breaker state changes by host and target state",
		}, []string{"host", "to"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.requestLatency,
		m.activeSessions,
		m.playlistsProcessedTotal,
		m.phaseTransitionsTotal,
		m.strippedSegmentsTotal,
		m.backupFetchesTotal,
		m.playerReloadsTotal,
		m.configReloadsTotal,
		m.upstreamRequestsTotal,
		m.upstreamRequestDuration,
		m.upstreamRetriesTotal,
		m.upstreamSharedTotal,
		m.upstreamInFlight,
		m.circuitTransitionsTotal,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// ObserveRequest records the duration of one HTTP request. class is the
// status class ("2xx", "4xx", ...).
func (m *Metrics) ObserveRequest(route, class string, d time.Duration) {
	m.requestLatency.WithLabelValues(route, class).Observe(d.Seconds())
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// IncPlaylistProcessed counts one processed playlist.
func (m *Metrics) IncPlaylistProcessed(kind, result string) {
	m.playlistsProcessedTotal.WithLabelValues(kind, result).Inc()
}

// IncPhaseTransition counts a session state change.
func (m *Metrics) IncPhaseTransition(from, to string) {
	m.phaseTransitionsTotal.WithLabelValues(from, to).Inc()
}

// AddStrippedSegments adds n newly stripped ad segments.
func (m *Metrics) AddStrippedSegments(n int) {
	m.strippedSegmentsTotal.Add(float64(n))
}

// IncBackupFetch counts a backup resolution outcome.
func (m *Metrics) IncBackupFetch(outcome string) {
	m.backupFetchesTotal.WithLabelValues(outcome).Inc()
}

// IncPlayerReload counts a player reload decision.
func (m *Metrics) IncPlayerReload(result string) {
	m.playerReloadsTotal.WithLabelValues(result).Inc()
}

// IncConfigUpdate counts a configuration update attempt.
func (m *Metrics) IncConfigUpdate(result string) {
	m.configReloadsTotal.WithLabelValues(result).Inc()
}

// ObserveUpstreamRequest records one finished upstream request.
func (m *Metrics) ObserveUpstreamRequest(host, outcome string, d time.Duration) {
	m.upstreamRequestsTotal.WithLabelValues(host, outcome).Inc()
	m.upstreamRequestDuration.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveUpstreamRetry counts a retry toward host.
func (m *Metrics) ObserveUpstreamRetry(host string) {
	m.upstreamRetriesTotal.WithLabelValues(host).Inc()
}

// ObserveUpstreamShared counts a de-duplicated result.
func (m *Metrics) ObserveUpstreamShared() {
	m.upstreamSharedTotal.Inc()
}

// SetUpstreamInFlight sets the in-flight gauge.
func (m *Metrics) SetUpstreamInFlight(n int) {
	m.upstreamInFlight.Set(float64(n))
}

// ObserveCircuitTransition counts a circuit breaker state change.
func (m *Metrics) ObserveCircuitTransition(host, _, to string) {
	m.circuitTransitionsTotal.WithLabelValues(host, to).Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
