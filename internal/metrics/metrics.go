// Package metrics records checker activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pkt.systems/checkerd/core"
	"pkt.systems/checkerd/internal/buildrun"
	"pkt.systems/checkerd/schema"
)

// PrometheusRecorder implements core.Recorder and buildrun.Recorder on a
// private registry.
type PrometheusRecorder struct {
	registry       *prometheus.Registry
	workerSpawns   *prometheus.CounterVec
	engineFailures *prometheus.CounterVec
	overlayErrors  *prometheus.CounterVec
	buildDiags     *prometheus.CounterVec
	buildDuration  *prometheus.HistogramVec
}

var (
	_ core.Recorder     = (*PrometheusRecorder)(nil)
	_ buildrun.Recorder = (*PrometheusRecorder)(nil)
)

// NewPrometheusRecorder creates a recorder with its own registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		registry: reg,
		workerSpawns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkerd_worker_spawns_total",
				Help: "Worker processes spawned per checker",
			},
			[]string{"checker"},
		),
		engineFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkerd_engine_failures_total",
				Help: "Diagnostic engines that terminated unexpectedly",
			},
			[]string{"checker"},
		),
		overlayErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkerd_overlay_errors_total",
				Help: "Overlay error payloads forwarded to the HMR transport",
			},
			[]string{"checker"},
		),
		buildDiags: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkerd_build_diagnostics_total",
				Help: "Diagnostics reported by build checks",
			},
			[]string{"checker", "severity"},
		),
		buildDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "checkerd_build_duration_seconds",
				Help:    "Duration of build check invocations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"checker", "status"},
		),
	}
}

// WorkerSpawned implements core.Recorder.
func (p *PrometheusRecorder) WorkerSpawned(kind schema.CheckerKind) {
	p.workerSpawns.WithLabelValues(kind.String()).Inc()
}

// EngineFailed implements core.Recorder.
func (p *PrometheusRecorder) EngineFailed(kind schema.CheckerKind) {
	p.engineFailures.WithLabelValues(kind.String()).Inc()
}

// OverlayForwarded implements core.Recorder.
func (p *PrometheusRecorder) OverlayForwarded(kind schema.CheckerKind) {
	p.overlayErrors.WithLabelValues(kind.String()).Inc()
}

// BuildFinished implements buildrun.Recorder.
func (p *PrometheusRecorder) BuildFinished(result buildrun.Result) {
	checker := result.Kind.String()
	errs, warnings := result.Counts()
	p.buildDiags.WithLabelValues(checker, schema.SeverityError.String()).Add(float64(errs))
	p.buildDiags.WithLabelValues(checker, schema.SeverityWarning.String()).Add(float64(warnings))
	p.buildDuration.WithLabelValues(checker, string(result.Status)).Observe(result.Duration.Seconds())
}

// Registry exposes the underlying registry.
func (p *PrometheusRecorder) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
