// Package metrics exports supervisor events to Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/OpenTraceLab/autodfu/pkg/dfu"
)

const Namespace = "autodfu"

// Metrics implements dfu.Metrics.
type Metrics struct {
	sessions          prometheus.Counter
	handshakeAttempts prometheus.Counter
	handshakes        *prometheus.CounterVec
	vdmResults        *prometheus.CounterVec
	disconnects       *prometheus.CounterVec
	restores          *prometheus.CounterVec
	faults            prometheus.Counter
}

var _ dfu.Metrics = (*Metrics)(nil)

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "session", Name: "started_total", Help: "Sessions started"}),
		handshakeAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "handshake", Name: "attempts_total", Help: "DBMa commands issued"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "handshake", Name: "results_total", Help: "DBMa handshake outcomes"}, []string{"result"}),
		vdmResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "vdm", Name: "results_total", Help: "DFU request VDM result codes"}, []string{"code"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "session", Name: "disconnects_total", Help: "Session ends by detection path"}, []string{"reason"}),
		restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "restore", Name: "runs_total", Help: "Restore tool runs"}, []string{"result"}),
		faults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Name: "faults_total", Help: "Iterations ended by an error"}),
	}
	reg.MustRegister(
		m.sessions,
		m.handshakeAttempts,
		m.handshakes,
		m.vdmResults,
		m.disconnects,
		m.restores,
		m.faults,
	)
	return m
}

func (m *Metrics) SessionStarted() {
	m.sessions.Inc()
}

func (m *Metrics) HandshakeAttempt() {
	m.handshakeAttempts.Inc()
}

func (m *Metrics) HandshakeResult(entered bool) {
	if entered {
		m.handshakes.WithLabelValues("entered").Inc()
	} else {
		m.handshakes.WithLabelValues("exhausted").Inc()
	}
}

func (m *Metrics) VDMResult(code int) {
	m.vdmResults.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) Disconnected(reason dfu.DisconnectReason) {
	m.disconnects.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) RestoreFinished(err error) {
	if err != nil {
		m.restores.WithLabelValues("failed").Inc()
	} else {
		m.restores.WithLabelValues("ok").Inc()
	}
}

func (m *Metrics) Fault() {
	m.faults.Inc()
}

// NewRegistry returns a registry with the Go runtime and process
// collectors already registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(
		reg,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			Registry:          reg,
		},
	)
}
