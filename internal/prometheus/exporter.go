// Package prometheus exposes the engine's state as Prometheus metrics.
package prometheus

import (
	"net/http"

	"github.com/cboxdk/queuepilot/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Exporter owns the metric registry. It implements ingest.Observer and
// is fed by the engine after every roll, detection cycle and decision.
type Exporter struct {
	logger   *zap.Logger
	registry *prometheus.Registry

	samplesAccepted *prometheus.CounterVec
	samplesRejected *prometheus.CounterVec

	depthP95    *prometheus.GaugeVec
	depthSlope  *prometheus.GaugeVec
	enqueueRate *prometheus.GaugeVec
	dequeueRate *prometheus.GaugeVec
	consumerLag *prometheus.GaugeVec
	procTimeP95 *prometheus.GaugeVec

	healthLevel *prometheus.GaugeVec

	severity  *prometheus.GaugeVec
	decisions *prometheus.CounterVec
	poolSize  *prometheus.GaugeVec
}

// NewExporter creates an exporter with a dedicated registry.
func NewExporter(logger *zap.Logger) *Exporter {
	e := &Exporter{
		logger:   logger,
		registry: prometheus.NewRegistry(),

		samplesAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queuepilot_samples_accepted_total",
			Help: "Telemetry samples accepted by the ingestor",
		}, []string{"kind"}),
		samplesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queuepilot_samples_rejected_total",
			Help: "Telemetry samples rejected by the ingestor",
		}, []string{"reason"}),

		depthP95: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queuepilot_depth_p95",
			Help: "95th percentile queue depth over the current window",
		}, []string{"resource_id"}),
		depthSlope: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queuepilot_depth_slope",
			Help: "Rate of change of queue depth in items per second",
		}, []string{"resource_id"}),
		enqueueRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queuepilot_enqueue_rate",
			Help: "Enqueue rate in items per second",
		}, []string{"resource_id"}),
		dequeueRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queuepilot_dequeue_rate",
			Help: "Dequeue rate in items per second",
		}, []string{"resource_id"}),
		consumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queuepilot_consumer_lag_seconds",
			Help: "Backlog in seconds at the current drain rate",
		}, []string{"resource_id"}),
		procTimeP95: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queuepilot_processing_time_p95_seconds",
			Help: "95th percentile processing time over the current window",
		}, []string{"resource_id"}),

		healthLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queuepilot_health_level",
			Help: "Health level ordinal (0=normal 1=elevated 2=saturated 3=critical)",
		}, []string{"resource_id"}),

		severity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queuepilot_bottleneck_severity",
			Help: "Bottleneck severity score from the latest detection cycle",
		}, []string{"resource_id"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queuepilot_scaling_decisions_total",
			Help: "Scaling decisions issued, by action",
		}, []string{"resource_id", "action"}),
		poolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queuepilot_pool_target_size",
			Help: "Target pool size of the most recent scaling decision",
		}, []string{"resource_id"}),
	}

	e.registry.MustRegister(
		e.samplesAccepted, e.samplesRejected,
		e.depthP95, e.depthSlope, e.enqueueRate, e.dequeueRate, e.consumerLag, e.procTimeP95,
		e.healthLevel, e.severity, e.decisions, e.poolSize,
	)
	return e
}

// Handler returns the HTTP handler serving the registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// SampleAccepted implements ingest.Observer.
func (e *Exporter) SampleAccepted(kind types.ResourceKind) {
	e.samplesAccepted.WithLabelValues(string(kind)).Inc()
}

// SampleRejected implements ingest.Observer.
func (e *Exporter) SampleRejected(reason types.RejectReason) {
	e.samplesRejected.WithLabelValues(string(reason)).Inc()
}

// ObserveStats publishes one rolled snapshot. Insufficient-data
// snapshots are skipped so cold starts don't publish zeros as signal.
func (e *Exporter) ObserveStats(stats types.AggregateStats) {
	if stats.InsufficientData {
		return
	}
	e.depthP95.WithLabelValues(stats.ResourceID).Set(stats.DepthP95)
	e.depthSlope.WithLabelValues(stats.ResourceID).Set(stats.DepthSlope)
	e.enqueueRate.WithLabelValues(stats.ResourceID).Set(stats.EnqueueRate)
	e.dequeueRate.WithLabelValues(stats.ResourceID).Set(stats.DequeueRate)
	e.consumerLag.WithLabelValues(stats.ResourceID).Set(stats.ConsumerLag)
	e.procTimeP95.WithLabelValues(stats.ResourceID).Set(stats.ProcTimeP95.Seconds())
}

// ObserveHealth publishes the current health level of a resource.
func (e *Exporter) ObserveHealth(state types.HealthState) {
	e.healthLevel.WithLabelValues(state.ResourceID).Set(float64(state.Level))
}

// ObserveBottlenecks publishes severities from a detection cycle.
func (e *Exporter) ObserveBottlenecks(report types.BottleneckReport) {
	for _, finding := range report.Findings {
		e.severity.WithLabelValues(finding.ResourceID).Set(finding.Severity)
	}
}

// ObserveDecision counts a scaling decision and tracks the target size.
func (e *Exporter) ObserveDecision(d types.ScalingDecision) {
	e.decisions.WithLabelValues(d.ResourceID, string(d.Action)).Inc()
	if d.Action != types.ActionHold {
		e.poolSize.WithLabelValues(d.ResourceID).Set(float64(d.TargetSize))
	}
}
