// Package scale converts health and aggregate signals into bounded
// scaling decisions for worker pools.
//
// The decision function is deliberately asymmetric: scaling up reacts as
// soon as the sizing formula crosses the up margin, scaling down
// additionally requires health to have been Normal for a stability
// window and carries a longer cooldown. Cooldowns are counted in
// decision ticks, not wall time, which keeps the engine deterministic
// under test.
package scale

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cboxdk/queuepilot/internal/config"
	"github.com/cboxdk/queuepilot/internal/types"
	"go.uber.org/zap"
)

// StatsProvider supplies the current aggregate snapshot of a resource.
type StatsProvider interface {
	Stats(id string) (types.AggregateStats, error)
}

// HealthProbe reports the current level of a resource and how many rolls
// it has held it.
type HealthProbe interface {
	StateAge(id string) (types.HealthLevel, int64, error)
}

// Decider owns the most recent scaling decision and cooldown clock per
// worker pool. Queues are never scaled directly, only their consumers.
type Decider struct {
	logger *zap.Logger
	stats  StatsProvider
	health HealthProbe
	now    func() time.Time

	mu    sync.RWMutex
	pools map[string]*poolState
}

type poolState struct {
	// mu serializes decisions per pool; a Decide call can never race
	// with itself for the same resource id.
	mu  sync.Mutex
	id  string
	cfg config.ScalingConfig

	cooldownUntil int64
	last          types.ScalingDecision
	decided       bool
}

// NewDecider creates a decider with no registered pools.
func NewDecider(stats StatsProvider, health HealthProbe, logger *zap.Logger) *Decider {
	return &Decider{
		logger: logger,
		stats:  stats,
		health: health,
		now:    time.Now,
		pools:  make(map[string]*poolState),
	}
}

// SetNowFunc overrides the wall clock used to stamp decisions. Ticks,
// not this clock, drive all decision logic; the override exists for
// reproducible tests.
func (d *Decider) SetNowFunc(now func() time.Time) {
	d.now = now
}

// Register declares a scaling-enabled worker pool.
func (d *Decider) Register(id string, cfg config.ScalingConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.pools[id]; ok {
		return ErrAlreadyRegistered
	}
	d.pools[id] = &poolState{id: id, cfg: cfg}
	return nil
}

// Decision returns the most recent decision for a pool.
func (d *Decider) Decision(id string) (types.ScalingDecision, error) {
	p, err := d.pool(id)
	if err != nil {
		return types.ScalingDecision{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.decided {
		return types.ScalingDecision{}, ErrPoolNotFound
	}
	return p.last, nil
}

// Decide evaluates one pool at the given decision tick. Every call
// returns a decision with an explicit reason; there is no silent
// "nothing happened" outcome.
func (d *Decider) Decide(id string, tick int64) (types.ScalingDecision, error) {
	p, err := d.pool(id)
	if err != nil {
		return types.ScalingDecision{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if tick < p.cooldownUntil {
		decision := d.hold(p, tick, 0, "cooldown_active")
		d.logger.Info("Scaling decision suppressed by cooldown",
			zap.String("resource_id", p.id),
			zap.Int64("tick", tick),
			zap.Int64("cooldown_until_tick", p.cooldownUntil))
		return decision, nil
	}

	stats, err := d.stats.Stats(p.id)
	if err != nil {
		return d.hold(p, tick, 0, "stats_unavailable"), nil
	}
	if stats.InsufficientData {
		return d.hold(p, tick, stats.ConsumerCount, "insufficient_data"), nil
	}

	current := stats.ConsumerCount
	required := requiredConsumers(stats.EnqueueRate, stats.ProcTimeP95, p.cfg.TargetUtilization)
	if required < p.cfg.MinSize {
		required = p.cfg.MinSize
	}
	if required > p.cfg.MaxSize {
		required = p.cfg.MaxSize
	}

	cfg := p.cfg
	switch {
	case float64(required) > float64(current)*(1+cfg.UpMargin):
		reason := fmt.Sprintf("required_consumers %d above current %d by more than %.0f%% up margin",
			required, current, cfg.UpMargin*100)
		return d.commit(p, tick, types.ActionScaleUp, current, required, reason, cfg.UpCooldownTicks), nil

	case float64(required) < float64(current)*(1-cfg.DownMargin):
		level, age, err := d.health.StateAge(p.id)
		if err != nil || level != types.HealthNormal || age < int64(cfg.StabilityRolls) {
			return d.hold(p, tick, current,
				fmt.Sprintf("scale_down deferred: health %s for %d rolls, need normal for %d", level, age, cfg.StabilityRolls)), nil
		}
		reason := fmt.Sprintf("required_consumers %d below current %d by more than %.0f%% down margin with stable health",
			required, current, cfg.DownMargin*100)
		return d.commit(p, tick, types.ActionScaleDown, current, required, reason, cfg.DownCooldownTicks), nil

	default:
		return d.hold(p, tick, current, "required_consumers within margins"), nil
	}
}

// PoolIDs returns the registered pool ids.
func (d *Decider) PoolIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]string, 0, len(d.pools))
	for id := range d.pools {
		ids = append(ids, id)
	}
	return ids
}

func (d *Decider) pool(id string) (*poolState, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.pools[id]
	if !ok {
		return nil, ErrPoolNotFound
	}
	return p, nil
}

// hold records and returns a hold decision. Holds never touch the
// cooldown clock. Caller holds p.mu.
func (d *Decider) hold(p *poolState, tick int64, current int, reason string) types.ScalingDecision {
	decision := types.ScalingDecision{
		ResourceID:        p.id,
		Action:            types.ActionHold,
		CurrentSize:       current,
		TargetSize:        current,
		Reason:            reason,
		IssuedAtTick:      tick,
		CooldownUntilTick: p.cooldownUntil,
		IssuedAt:          d.now(),
	}
	p.last = decision
	p.decided = true
	return decision
}

// commit records a non-hold decision and arms the cooldown clock.
// Caller holds p.mu.
func (d *Decider) commit(p *poolState, tick int64, action types.ScalingAction, current, target int, reason string, cooldownTicks int64) types.ScalingDecision {
	p.cooldownUntil = tick + cooldownTicks
	decision := types.ScalingDecision{
		ResourceID:        p.id,
		Action:            action,
		CurrentSize:       current,
		TargetSize:        target,
		Reason:            reason,
		IssuedAtTick:      tick,
		CooldownUntilTick: p.cooldownUntil,
		IssuedAt:          d.now(),
	}
	p.last = decision
	p.decided = true

	d.logger.Info("Scaling decision issued",
		zap.String("resource_id", p.id),
		zap.String("action", string(action)),
		zap.Int("current_size", current),
		zap.Int("target_size", target),
		zap.Int64("cooldown_until_tick", p.cooldownUntil),
		zap.String("reason", reason))
	return decision
}

// requiredConsumers applies the queueing-theory sizing formula:
// consumers needed to drain the arrival rate at the observed p95 service
// time while keeping each consumer at the target utilization.
func requiredConsumers(enqueueRate float64, procTime time.Duration, targetUtilization float64) int {
	if enqueueRate <= 0 || procTime <= 0 {
		return 0
	}
	return int(math.Ceil(enqueueRate * procTime.Seconds() / targetUtilization))
}
