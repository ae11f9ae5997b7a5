package engine

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/cboxdk/queuepilot/internal/config"
	"github.com/cboxdk/queuepilot/internal/types"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error = %v", err)
	}
	cfg.Resources = []config.ResourceConfig{
		{
			ID:   "orders",
			Kind: types.KindQueue,
			Health: config.HealthThresholds{
				DepthP95Enter:   100,
				DepthP95Exit:    80,
				DepthCeiling:    1000,
				ConsumerLagMax:  30,
				GrowthRolls:     3,
				ExhaustionRolls: 5,
				DowngradeRolls:  6,
			},
		},
		{
			ID:           "order-workers",
			Kind:         types.KindWorkerPool,
			MaxConsumers: 8,
			Health: config.HealthThresholds{
				DepthP95Enter:   50,
				DepthP95Exit:    40,
				DepthCeiling:    500,
				ConsumerLagMax:  15,
				GrowthRolls:     3,
				ExhaustionRolls: 5,
				DowngradeRolls:  6,
			},
			Scaling: config.ScalingConfig{
				Enabled:           true,
				MinSize:           1,
				MaxSize:           8,
				TargetUtilization: 0.75,
				UpMargin:          0.1,
				DownMargin:        0.3,
				UpCooldownTicks:   3,
				DownCooldownTicks: 10,
				StabilityRolls:    6,
			},
		},
	}
	return cfg
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := New(testConfig(t), zap.NewNop(), Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return eng
}

// feed pushes n samples per resource, one second apart, with overload
// shaping when hot is set.
func feed(t *testing.T, eng *Engine, start time.Time, n int, hot bool) {
	t.Helper()
	for i := 0; i < n; i++ {
		ts := start.Add(time.Duration(i) * time.Second)

		depth := 10
		enq := int64(i * 10)
		deq := int64(i * 10)
		if hot {
			depth = 200 + i*50
			enq = int64(i * 100)
			deq = int64(i * 40)
		}

		queueSample := types.Sample{
			ResourceID:     "orders",
			Kind:           types.KindQueue,
			Timestamp:      ts,
			Depth:          depth,
			EnqueueCount:   enq,
			DequeueCount:   deq,
			ProcessingTime: 100 * time.Millisecond,
			ConsumerCount:  4,
		}
		if result, err := eng.Ingest(queueSample); err != nil || !result.Accepted {
			t.Fatalf("Ingest(queue sample %d) = %+v, %v", i, result, err)
		}

		poolSample := queueSample
		poolSample.ResourceID = "order-workers"
		poolSample.Kind = types.KindWorkerPool
		if result, err := eng.Ingest(poolSample); err != nil || !result.Accepted {
			t.Fatalf("Ingest(pool sample %d) = %+v, %v", i, result, err)
		}
	}
}

func TestIdenticalInputsProduceIdenticalOutputs(t *testing.T) {
	start := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	run := func() ([]types.AggregateStats, map[string]types.HealthState, types.BottleneckReport) {
		eng := newTestEngine(t)
		ctx := context.Background()

		feed(t, eng, start, 10, true)
		eng.RollOnce(ctx)
		eng.DetectOnce(ctx)

		states := make(map[string]types.HealthState)
		for _, id := range eng.ResourceIDs() {
			state, err := eng.Health(id)
			if err != nil {
				t.Fatalf("Health(%s) error = %v", id, err)
			}
			states[id] = state
		}

		stats := make([]types.AggregateStats, 0, 2)
		for _, id := range eng.ResourceIDs() {
			s, err := eng.Stats(id)
			if err != nil {
				t.Fatalf("Stats(%s) error = %v", id, err)
			}
			stats = append(stats, s)
		}
		return stats, states, eng.Bottlenecks()
	}

	stats1, states1, report1 := run()
	stats2, states2, report2 := run()

	if !reflect.DeepEqual(stats1, stats2) {
		t.Errorf("stats diverged:\nfirst:  %+v\nsecond: %+v", stats1, stats2)
	}
	if !reflect.DeepEqual(states1, states2) {
		t.Errorf("health states diverged:\nfirst:  %+v\nsecond: %+v", states1, states2)
	}
	if !reflect.DeepEqual(report1, report2) {
		t.Errorf("bottleneck reports diverged:\nfirst:  %+v\nsecond: %+v", report1, report2)
	}
}

func TestRollOncePublishesTransitions(t *testing.T) {
	eng := newTestEngine(t)
	start := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	sub := eng.Subscribe()

	feed(t, eng, start, 10, true)
	eng.RollOnce(context.Background())

	state, err := eng.Health("orders")
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if state.Level == types.HealthNormal {
		t.Fatal("overloaded queue stayed normal")
	}

	select {
	case n := <-sub:
		if n.Transition == nil {
			t.Fatalf("notification carries no transition: %+v", n)
		}
		if n.Transition.ResourceID != "orders" && n.Transition.ResourceID != "order-workers" {
			t.Errorf("transition for unexpected resource %q", n.Transition.ResourceID)
		}
	default:
		t.Fatal("no notification published for health transition")
	}
}

func TestSteadyStateProducesNoNotifications(t *testing.T) {
	eng := newTestEngine(t)
	start := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	sub := eng.Subscribe()

	feed(t, eng, start, 10, false)
	eng.RollOnce(context.Background())
	eng.RollOnce(context.Background())

	select {
	case n := <-sub:
		t.Fatalf("steady state published notification %+v", n)
	default:
	}
}

func TestDecideOnceIssuesDecision(t *testing.T) {
	eng := newTestEngine(t)
	start := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	// Overloaded pool: enqueue rate 100/s at 100ms p95 needs
	// ceil(100*0.1/0.75) = 14, clamped to max 8, well above current 4.
	feed(t, eng, start, 10, true)
	eng.RollOnce(context.Background())
	eng.DecideOnce(context.Background())

	decision, err := eng.Decision("order-workers")
	if err != nil {
		t.Fatalf("Decision() error = %v", err)
	}
	if decision.Action != types.ActionScaleUp {
		t.Errorf("Action = %s (reason %q), want scale_up", decision.Action, decision.Reason)
	}
	if decision.TargetSize != 8 {
		t.Errorf("TargetSize = %d, want 8 (clamped)", decision.TargetSize)
	}
	if decision.IssuedAtTick != 1 {
		t.Errorf("IssuedAtTick = %d, want 1", decision.IssuedAtTick)
	}
}

func TestDecisionTicksAdvancePerDecideOnce(t *testing.T) {
	eng := newTestEngine(t)
	start := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	feed(t, eng, start, 10, true)
	eng.RollOnce(context.Background())

	eng.DecideOnce(context.Background())
	eng.DecideOnce(context.Background())

	decision, err := eng.Decision("order-workers")
	if err != nil {
		t.Fatalf("Decision() error = %v", err)
	}
	if decision.IssuedAtTick != 2 {
		t.Errorf("IssuedAtTick = %d, want 2", decision.IssuedAtTick)
	}
	// Second tick is inside the up cooldown armed at tick 1.
	if decision.Action != types.ActionHold || decision.Reason != "cooldown_active" {
		t.Errorf("decision = %s/%q, want hold/cooldown_active", decision.Action, decision.Reason)
	}
}

func TestQueuesAreNeverScaled(t *testing.T) {
	eng := newTestEngine(t)

	if _, err := eng.Decision("orders"); err == nil {
		t.Error("Decision(queue) error = nil, want pool-not-found")
	}
}

func TestColdStartHoldsEverything(t *testing.T) {
	eng := newTestEngine(t)
	start := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	// Two samples are below the minimum window size.
	feed(t, eng, start, 2, true)
	eng.RollOnce(context.Background())
	eng.DecideOnce(context.Background())

	state, err := eng.Health("orders")
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if state.Level != types.HealthNormal {
		t.Errorf("cold-start level = %s, want normal", state.Level)
	}

	decision, err := eng.Decision("order-workers")
	if err != nil {
		t.Fatalf("Decision() error = %v", err)
	}
	if decision.Action != types.ActionHold || decision.Reason != "insufficient_data" {
		t.Errorf("decision = %s/%q, want hold/insufficient_data", decision.Action, decision.Reason)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.AggregationInterval = 10 * time.Millisecond
	cfg.Engine.DetectionInterval = 10 * time.Millisecond
	cfg.Engine.DecisionInterval = 10 * time.Millisecond

	eng, err := New(cfg, zap.NewNop(), Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop after context cancel")
	}
}
