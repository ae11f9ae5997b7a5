// Package health classifies rolled aggregate statistics into discrete
// per-resource backpressure levels.
//
// The classifier is a state machine with asymmetric hysteresis: entering
// a worse level happens as soon as its condition fires, while stepping
// back down requires the entry condition to have been absent for a
// configured number of consecutive rolls. Upgrading fast protects
// latency; downgrading slowly prevents flapping on noisy signals.
package health

import (
	"fmt"
	"sync"

	"github.com/cboxdk/queuepilot/internal/aggregate"
	"github.com/cboxdk/queuepilot/internal/config"
	"github.com/cboxdk/queuepilot/internal/types"
	"go.uber.org/zap"
)

// Classifier owns the health state of every registered resource. State
// only ever changes through Observe.
type Classifier struct {
	logger *zap.Logger

	mu        sync.RWMutex
	resources map[string]*resourceHealth
}

type resourceHealth struct {
	mu  sync.Mutex
	id  string
	cfg config.HealthThresholds

	// maxConsumers is the configured consumer ceiling; Critical requires
	// the pool to already be at it. Zero disables the Critical path.
	maxConsumers int

	state types.HealthState
	roll  int64

	growthStreak  int
	exhaustStreak int
	clearStreak   int
}

// NewClassifier creates a classifier with no registered resources.
func NewClassifier(logger *zap.Logger) *Classifier {
	return &Classifier{
		logger:    logger,
		resources: make(map[string]*resourceHealth),
	}
}

// Register declares a resource with its thresholds. Every resource
// starts Normal.
func (c *Classifier) Register(id string, cfg config.HealthThresholds, maxConsumers int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.resources[id]; ok {
		return aggregate.ErrAlreadyRegistered
	}
	c.resources[id] = &resourceHealth{
		id:           id,
		cfg:          cfg,
		maxConsumers: maxConsumers,
		state: types.HealthState{
			ResourceID:    id,
			Level:         types.HealthNormal,
			TriggerReason: "initial",
		},
	}
	return nil
}

// State returns the current health state of a resource.
func (c *Classifier) State(id string) (types.HealthState, error) {
	r, err := c.resource(id)
	if err != nil {
		return types.HealthState{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, nil
}

// StateAge returns how many rolls the resource has spent in its current
// level. The decision engine gates scale-down on this.
func (c *Classifier) StateAge(id string) (types.HealthLevel, int64, error) {
	r, err := c.resource(id)
	if err != nil {
		return 0, 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Level, r.roll - r.state.SinceRoll, nil
}

// Observe evaluates one rolled snapshot and returns the resulting state,
// plus a transition when the level changed. A snapshot with insufficient
// data is an idempotent no-op: the previous state is returned unchanged
// and no streak advances, so cold starts never trigger alarms.
func (c *Classifier) Observe(stats types.AggregateStats) (types.HealthState, *types.HealthTransition, error) {
	r, err := c.resource(stats.ResourceID)
	if err != nil {
		return types.HealthState{}, nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if stats.InsufficientData {
		return r.state, nil, nil
	}

	r.roll++
	r.updateStreaks(stats)

	from := r.state.Level
	if to, reason, upgraded := r.upgrade(stats); upgraded {
		transition := r.transitionLocked(to, reason, stats)
		c.logger.Info("Health upgraded",
			zap.String("resource_id", r.id),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.String("reason", reason))
		return r.state, transition, nil
	}

	if to, reason, downgraded := r.downgrade(stats); downgraded {
		transition := r.transitionLocked(to, reason, stats)
		c.logger.Info("Health downgraded",
			zap.String("resource_id", r.id),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.String("reason", reason))
		return r.state, transition, nil
	}

	return r.state, nil, nil
}

func (c *Classifier) resource(id string) (*resourceHealth, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.resources[id]
	if !ok {
		return nil, aggregate.ErrUnknownResource
	}
	return r, nil
}

// updateStreaks advances the consecutive-roll counters the transition
// rules depend on. Streaks reset the moment their condition breaks.
func (r *resourceHealth) updateStreaks(stats types.AggregateStats) {
	if stats.DepthSlope > 0 {
		r.growthStreak++
	} else {
		r.growthStreak = 0
	}

	if stats.EnqueueRate > stats.DequeueRate && r.atMaxConsumers(stats) {
		r.exhaustStreak++
	} else {
		r.exhaustStreak = 0
	}
}

func (r *resourceHealth) atMaxConsumers(stats types.AggregateStats) bool {
	return r.maxConsumers > 0 && stats.ConsumerCount >= r.maxConsumers
}

// upgrade checks the entry condition of the next worse level. Levels are
// entered one step per roll; a resource in free fall still passes
// through Elevated and Saturated on consecutive rolls.
func (r *resourceHealth) upgrade(stats types.AggregateStats) (types.HealthLevel, string, bool) {
	cfg := r.cfg
	switch r.state.Level {
	case types.HealthNormal:
		if stats.DepthP95 > cfg.DepthP95Enter {
			return types.HealthElevated,
				fmt.Sprintf("depth_p95 %.0f exceeded soft threshold %.0f", stats.DepthP95, cfg.DepthP95Enter), true
		}
		if r.growthStreak >= cfg.GrowthRolls {
			return types.HealthElevated,
				fmt.Sprintf("depth growing for %d consecutive rolls (slope %.2f/s)", r.growthStreak, stats.DepthSlope), true
		}
	case types.HealthElevated:
		if stats.ConsumerLag > cfg.ConsumerLagMax {
			return types.HealthSaturated,
				fmt.Sprintf("consumer_lag %.1fs exceeded hard threshold %.1fs", stats.ConsumerLag, cfg.ConsumerLagMax), true
		}
		if stats.DepthLast > cfg.DepthCeiling {
			return types.HealthSaturated,
				fmt.Sprintf("depth %d exceeded hard ceiling %d", stats.DepthLast, cfg.DepthCeiling), true
		}
	case types.HealthSaturated:
		if r.exhaustStreak >= cfg.ExhaustionRolls {
			return types.HealthCritical,
				fmt.Sprintf("enqueue_rate %.1f/s above dequeue_rate %.1f/s for %d rolls with consumers at max %d",
					stats.EnqueueRate, stats.DequeueRate, r.exhaustStreak, r.maxConsumers), true
		}
	}
	return r.state.Level, "", false
}

// downgrade steps one level down once the current level's entry
// condition has been absent for DowngradeRolls consecutive rolls.
func (r *resourceHealth) downgrade(stats types.AggregateStats) (types.HealthLevel, string, bool) {
	if r.state.Level == types.HealthNormal {
		r.clearStreak = 0
		return r.state.Level, "", false
	}

	if r.entryConditionPresent(stats) {
		r.clearStreak = 0
		return r.state.Level, "", false
	}

	r.clearStreak++
	if r.clearStreak < r.cfg.DowngradeRolls {
		return r.state.Level, "", false
	}

	to := r.state.Level - 1
	reason := fmt.Sprintf("%s condition absent for %d consecutive rolls", r.state.Level, r.clearStreak)
	return to, reason, true
}

// entryConditionPresent reports whether the condition that admits the
// current level still holds, using the exit thresholds where hysteresis
// applies.
func (r *resourceHealth) entryConditionPresent(stats types.AggregateStats) bool {
	cfg := r.cfg
	switch r.state.Level {
	case types.HealthElevated:
		return stats.DepthP95 >= cfg.DepthP95Exit || stats.DepthSlope > 0
	case types.HealthSaturated:
		return stats.ConsumerLag > cfg.ConsumerLagMax || stats.DepthLast > cfg.DepthCeiling
	case types.HealthCritical:
		return stats.EnqueueRate > stats.DequeueRate && r.atMaxConsumers(stats)
	default:
		return false
	}
}

// transitionLocked applies a level change. Caller holds r.mu.
func (r *resourceHealth) transitionLocked(to types.HealthLevel, reason string, stats types.AggregateStats) *types.HealthTransition {
	from := r.state.Level
	r.state = types.HealthState{
		ResourceID:    r.id,
		Level:         to,
		SinceRoll:     r.roll,
		Since:         stats.WindowEnd,
		TriggerReason: reason,
	}
	r.clearStreak = 0
	return &types.HealthTransition{
		ResourceID: r.id,
		From:       from,
		To:         to,
		Roll:       r.roll,
		At:         stats.WindowEnd,
		Reason:     reason,
	}
}
