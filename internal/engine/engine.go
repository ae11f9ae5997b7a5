// Package engine wires the ingestion, aggregation, classification,
// detection and scaling components into one coordinated pipeline.
//
// Data flows strictly upward: ingestor into aggregator, aggregator into
// classifier and detector, both into the decision engine. The engine
// owns the tick loops; each loop body is also exposed as a single-step
// method so tests can drive the pipeline deterministically without real
// clocks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cboxdk/queuepilot/internal/aggregate"
	"github.com/cboxdk/queuepilot/internal/config"
	"github.com/cboxdk/queuepilot/internal/detect"
	"github.com/cboxdk/queuepilot/internal/health"
	"github.com/cboxdk/queuepilot/internal/ingest"
	"github.com/cboxdk/queuepilot/internal/scale"
	"github.com/cboxdk/queuepilot/internal/telemetry"
	"github.com/cboxdk/queuepilot/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MetricsSink receives engine outputs for metric export.
type MetricsSink interface {
	ingest.Observer
	ObserveStats(stats types.AggregateStats)
	ObserveHealth(state types.HealthState)
	ObserveBottlenecks(report types.BottleneckReport)
	ObserveDecision(d types.ScalingDecision)
}

// AuditSink persists transitions and decisions.
type AuditSink interface {
	RecordTransition(ctx context.Context, t types.HealthTransition) error
	RecordDecision(ctx context.Context, d types.ScalingDecision) error
}

// Notification is pushed to subscribers on health transitions and
// non-hold scaling decisions only, never on steady-state ticks.
type Notification struct {
	Transition *types.HealthTransition `json:"transition,omitempty"`
	Decision   *types.ScalingDecision  `json:"decision,omitempty"`
}

// Options carries the optional collaborator sinks.
type Options struct {
	Metrics   MetricsSink
	Audit     AuditSink
	Emitter   *telemetry.EventEmitter
	Telemetry *telemetry.Service
}

// Engine coordinates all pipeline components.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	ingestor   *ingest.Ingestor
	aggregator *aggregate.Aggregator
	classifier *health.Classifier
	detector   *detect.Detector
	decider    *scale.Decider

	metrics MetricsSink
	audit   AuditSink
	emitter *telemetry.EventEmitter
	tracing *telemetry.Service

	mu           sync.Mutex
	decisionTick int64
	subscribers  []chan Notification
}

// New builds an engine from validated configuration and registers every
// configured resource with the components that track it.
func New(cfg *config.Config, logger *zap.Logger, opts Options) (*Engine, error) {
	aggregator := aggregate.NewAggregator(cfg.Engine.Window, logger.Named("aggregate"))
	classifier := health.NewClassifier(logger.Named("health"))
	detector := detect.NewDetector(cfg.Engine.Detection, logger.Named("detect"))
	decider := scale.NewDecider(aggregator, classifier, logger.Named("scale"))

	var observer ingest.Observer
	if opts.Metrics != nil {
		observer = opts.Metrics
	}
	ingestor := ingest.NewIngestor(aggregator, logger.Named("ingest"), observer)

	for i := range cfg.Resources {
		res := &cfg.Resources[i]
		if err := aggregator.Register(res.ID, res.Kind); err != nil {
			return nil, err
		}
		if err := classifier.Register(res.ID, res.Health, res.MaxConsumers); err != nil {
			return nil, err
		}
		if res.Kind == types.KindWorkerPool && res.Scaling.Enabled {
			if err := decider.Register(res.ID, res.Scaling); err != nil {
				return nil, err
			}
		}
	}

	return &Engine{
		cfg:        cfg,
		logger:     logger,
		ingestor:   ingestor,
		aggregator: aggregator,
		classifier: classifier,
		detector:   detector,
		decider:    decider,
		metrics:    opts.Metrics,
		audit:      opts.Audit,
		emitter:    opts.Emitter,
		tracing:    opts.Telemetry,
	}, nil
}

// Ingest accepts one telemetry sample.
func (e *Engine) Ingest(sample types.Sample) (types.IngestResult, error) {
	return e.ingestor.Ingest(sample)
}

// Stats returns the current aggregate snapshot of a resource, rolling
// lazily if the window changed since the last roll.
func (e *Engine) Stats(id string) (types.AggregateStats, error) {
	return e.aggregator.Stats(id)
}

// Health returns the current health state of a resource.
func (e *Engine) Health(id string) (types.HealthState, error) {
	return e.classifier.State(id)
}

// Bottlenecks returns the ranking from the most recent detection cycle.
func (e *Engine) Bottlenecks() types.BottleneckReport {
	return e.detector.Bottlenecks()
}

// Fairness returns the fairness report of a resource from the most
// recent detection cycle.
func (e *Engine) Fairness(id string) (types.FairnessReport, bool) {
	return e.detector.Fairness(id)
}

// Decision returns the most recent scaling decision for a worker pool.
func (e *Engine) Decision(id string) (types.ScalingDecision, error) {
	return e.decider.Decision(id)
}

// ResourceIDs returns all registered resource ids in sorted order.
func (e *Engine) ResourceIDs() []string {
	return e.aggregator.ResourceIDs()
}

// Subscribe returns a channel receiving health transitions and non-hold
// scaling decisions. Slow subscribers drop notifications rather than
// blocking the pipeline.
func (e *Engine) Subscribe() <-chan Notification {
	ch := make(chan Notification, 64)
	e.mu.Lock()
	e.subscribers = append(e.subscribers, ch)
	e.mu.Unlock()
	return ch
}

func (e *Engine) publish(n Notification) {
	e.mu.Lock()
	subs := e.subscribers
	e.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Run drives the three tick loops until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.loop(ctx, e.cfg.Engine.AggregationInterval, e.RollOnce)
	})
	g.Go(func() error {
		return e.loop(ctx, e.cfg.Engine.DetectionInterval, e.DetectOnce)
	})
	g.Go(func() error {
		return e.loop(ctx, e.cfg.Engine.DecisionInterval, e.DecideOnce)
	})

	e.logger.Info("Engine started",
		zap.Duration("aggregation_interval", e.cfg.Engine.AggregationInterval),
		zap.Duration("detection_interval", e.cfg.Engine.DetectionInterval),
		zap.Duration("decision_interval", e.cfg.Engine.DecisionInterval),
		zap.Int("resources", len(e.cfg.Resources)))

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) loop(ctx context.Context, interval time.Duration, step func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			step(ctx)
		}
	}
}

// RollOnce rolls every resource window and feeds the snapshots through
// the classifier, publishing any transitions.
func (e *Engine) RollOnce(ctx context.Context) {
	for _, stats := range e.aggregator.RollAll() {
		if e.metrics != nil {
			e.metrics.ObserveStats(stats)
		}

		state, transition, err := e.classifier.Observe(stats)
		if err != nil {
			continue
		}
		if e.metrics != nil {
			e.metrics.ObserveHealth(state)
		}
		if transition == nil {
			continue
		}

		if e.audit != nil {
			if err := e.audit.RecordTransition(ctx, *transition); err != nil {
				e.logger.Warn("Failed to record transition", zap.Error(err))
			}
		}
		if e.emitter != nil {
			_ = e.emitter.EmitHealthChange(ctx, transition.ResourceID, telemetry.HealthChangeDetails{
				PreviousLevel: transition.From.String(),
				NewLevel:      transition.To.String(),
				Roll:          transition.Roll,
				Reason:        transition.Reason,
			})
		}
		t := *transition
		e.publish(Notification{Transition: &t})
	}
}

// DetectOnce runs one bottleneck/fairness detection cycle over all
// resources.
func (e *Engine) DetectOnce(ctx context.Context) {
	ctx, end := e.span(ctx, "engine.detect")
	defer end()

	stats := e.aggregator.RollAll()
	states := make(map[string]types.HealthState, len(stats))
	for _, s := range stats {
		if state, err := e.classifier.State(s.ResourceID); err == nil {
			states[s.ResourceID] = state
		}
	}

	report := e.detector.RunCycle(stats, states)
	if e.metrics != nil {
		e.metrics.ObserveBottlenecks(report)
	}

	if e.emitter != nil && len(report.Findings) > 0 {
		details := telemetry.DetectionDetails{
			Cycle:       report.Cycle,
			TopResource: report.Findings[0].ResourceID,
			TopSeverity: report.Findings[0].Severity,
		}
		for _, id := range e.aggregator.ResourceIDs() {
			if fairness, ok := e.detector.Fairness(id); ok {
				for _, class := range fairness.Classes {
					if class.Starving {
						details.StarvingClasses = append(details.StarvingClasses,
							fairnessClassLabel(id, class.PriorityClass))
					}
				}
			}
		}
		_ = e.emitter.EmitDetection(ctx, details)
	}
}

// DecideOnce advances the decision tick and evaluates every scaling
// enabled worker pool.
func (e *Engine) DecideOnce(ctx context.Context) {
	ctx, end := e.span(ctx, "engine.decide")
	defer end()

	e.mu.Lock()
	e.decisionTick++
	tick := e.decisionTick
	e.mu.Unlock()

	for _, id := range e.decider.PoolIDs() {
		decision, err := e.decider.Decide(id, tick)
		if err != nil {
			continue
		}
		if e.metrics != nil {
			e.metrics.ObserveDecision(decision)
		}
		if decision.Action == types.ActionHold {
			continue
		}

		if e.audit != nil {
			if err := e.audit.RecordDecision(ctx, decision); err != nil {
				e.logger.Warn("Failed to record decision", zap.Error(err))
			}
		}
		if e.emitter != nil {
			_ = e.emitter.EmitScalingDecision(ctx, decision.ResourceID, telemetry.ScalingDecisionDetails{
				Action:            string(decision.Action),
				CurrentSize:       decision.CurrentSize,
				TargetSize:        decision.TargetSize,
				Reason:            decision.Reason,
				CooldownUntilTick: decision.CooldownUntilTick,
			})
		}
		d := decision
		e.publish(Notification{Decision: &d})
	}
}

// span starts a tracing span when telemetry is enabled and returns a
// no-op end function otherwise.
func (e *Engine) span(ctx context.Context, name string) (context.Context, func()) {
	if e.tracing == nil || !e.tracing.IsEnabled() {
		return ctx, func() {}
	}
	ctx, span := e.tracing.Tracer().Start(ctx, name)
	return ctx, func() { span.End() }
}

func fairnessClassLabel(resourceID string, class int) string {
	return fmt.Sprintf("%s/%d", resourceID, class)
}
