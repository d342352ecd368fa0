package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the stream supervisor.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStartedTotal prometheus.Counter
	rotationsTotal       prometheus.Counter
	reconnectsTotal      prometheus.Counter
	failuresTotal        *prometheus.CounterVec

	supervisorState      prometheus.Gauge
	sessionUptimeSeconds prometheus.Gauge

	encoderBitrateKbps prometheus.Gauge
	encoderFPS         prometheus.Gauge
	encoderSpeed       prometheus.Gauge

	cpuPercent          prometheus.Gauge
	residentMemoryBytes prometheus.Gauge
	openFileDescriptors prometheus.Gauge
	childProcesses      prometheus.Gauge

	requestsTotal prometheus.Counter
	errorsTotal   prometheus.Counter
}

// New creates and registers the supervisor's Prometheus metrics on a private
// registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		sessionsStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamd_sessions_started_total",
			Help: "Total number of stream sessions opened",
		}),
		rotationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamd_rotations_total",
			Help: "Total number of proactive session rotations",
		}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamd_reconnects_total",
			Help: "Total number of reconnect attempts after a failure",
		}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamd_failures_total",
			Help: "Total number of detected encoder failures by kind",
		}, []string{"kind"}),
		supervisorState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamd_supervisor_state",
			Help: "Current supervisor state (0=idle .. 7=terminated)",
		}),
		sessionUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamd_session_uptime_seconds",
			Help: "Elapsed time of the currently open stream session",
		}),
		encoderBitrateKbps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamd_encoder_bitrate_kbps",
			Help: "Encoder output bitrate as reported on its stats line",
		}),
		encoderFPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamd_encoder_fps",
			Help: "Encoder frame rate as reported on its stats line",
		}),
		encoderSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamd_encoder_speed",
			Help: "Encoder realtime speed factor as reported on its stats line",
		}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamd_cpu_percent",
			Help: "Supervisor process CPU usage since the previous sample",
		}),
		residentMemoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamd_resident_memory_bytes",
			Help: "Supervisor process resident memory",
		}),
		openFileDescriptors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamd_open_file_descriptors",
			Help: "Supervisor process open file descriptors",
		}),
		childProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamd_child_processes",
			Help: "Number of live child processes of the supervisor",
		}),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamd_ops_requests_total",
			Help: "Total number of ops HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamd_ops_errors_total",
			Help: "Total number of ops HTTP responses with error status (4xx or 5xx)",
		}),
	}

	registry.MustRegister(
		m.sessionsStartedTotal,
		m.rotationsTotal,
		m.reconnectsTotal,
		m.failuresTotal,
		m.supervisorState,
		m.sessionUptimeSeconds,
		m.encoderBitrateKbps,
		m.encoderFPS,
		m.encoderSpeed,
		m.cpuPercent,
		m.residentMemoryBytes,
		m.openFileDescriptors,
		m.childProcesses,
		m.requestsTotal,
		m.errorsTotal,
	)

	return m
}

// IncSessionsStarted increments the opened-sessions counter.
func (m *Metrics) IncSessionsStarted() {
	m.sessionsStartedTotal.Inc()
}

// IncRotations increments the proactive-rotations counter.
func (m *Metrics) IncRotations() {
	m.rotationsTotal.Inc()
}

// IncReconnects increments the reconnect-attempts counter.
func (m *Metrics) IncReconnects() {
	m.reconnectsTotal.Inc()
}

// IncFailure increments the failure counter for the given kind.
func (m *Metrics) IncFailure(kind string) {
	m.failuresTotal.WithLabelValues(kind).Inc()
}

// SetSupervisorState records the numeric supervisor state.
func (m *Metrics) SetSupervisorState(state int) {
	m.supervisorState.Set(float64(state))
}

// SetSessionUptime records the open session's elapsed seconds (0 when none).
func (m *Metrics) SetSessionUptime(seconds float64) {
	m.sessionUptimeSeconds.Set(seconds)
}

// SetEncoderStats records the encoder's reported progress figures.
func (m *Metrics) SetEncoderStats(bitrateKbps, fps, speed float64) {
	m.encoderBitrateKbps.Set(bitrateKbps)
	m.encoderFPS.Set(fps)
	m.encoderSpeed.Set(speed)
}

// SetResourceSample records one diagnostics sample.
func (m *Metrics) SetResourceSample(cpuPercent float64, residentMemoryBytes, openFDs, children int) {
	m.cpuPercent.Set(cpuPercent)
	m.residentMemoryBytes.Set(float64(residentMemoryBytes))
	m.openFileDescriptors.Set(float64(openFDs))
	m.childProcesses.Set(float64(children))
}

// ObserveRequest records one ops HTTP request; 4xx and 5xx statuses also
// count as errors.
func (m *Metrics) ObserveRequest(status int) {
	m.requestsTotal.Inc()
	if status >= 400 {
		m.errorsTotal.Inc()
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g.
// supervisor state and session uptime).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
