// Package aggregate maintains per-resource rolling sample windows and
// derives AggregateStats snapshots from them.
//
// Percentiles use the nearest-rank method on a sorted copy of the window
// (rank = ceil(p/100 * n), 1-based). The method is applied uniformly to
// p50/p95/p99 of depth and processing time, so identical sample sets
// always produce bit-identical statistics.
package aggregate

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cboxdk/queuepilot/internal/config"
	"github.com/cboxdk/queuepilot/internal/types"
	"go.uber.org/zap"
)

// maxConsumerLagSeconds caps the backlog estimate when the drain rate is
// zero. A finite cap keeps the value comparable and JSON-encodable; any
// configured lag threshold is far below it.
const maxConsumerLagSeconds = 86400

// Aggregator owns all resource windows and their rolled snapshots.
type Aggregator struct {
	cfg    config.WindowConfig
	logger *zap.Logger

	mu        sync.RWMutex
	resources map[string]*resourceWindow
}

// NewAggregator creates an aggregator with no registered resources.
func NewAggregator(cfg config.WindowConfig, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		cfg:       cfg,
		logger:    logger,
		resources: make(map[string]*resourceWindow),
	}
}

// Register declares a resource before any samples are accepted for it.
func (a *Aggregator) Register(id string, kind types.ResourceKind) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.resources[id]; ok {
		return ErrAlreadyRegistered
	}
	a.resources[id] = newResourceWindow(id, kind, a.cfg.MaxSamples, a.cfg.MaxAge)
	return nil
}

// Kind returns the registered kind of a resource.
func (a *Aggregator) Kind(id string) (types.ResourceKind, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	w, ok := a.resources[id]
	if !ok {
		return "", false
	}
	return w.kind, true
}

// ResourceIDs returns all registered resource ids in sorted order, so
// cross-resource passes are deterministic.
func (a *Aggregator) ResourceIDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := make([]string, 0, len(a.resources))
	for id := range a.resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Append adds a sample to its resource window. It returns ErrStaleSample
// for out-of-order or duplicate timestamps and ErrUnknownResource for
// unregistered ids.
func (a *Aggregator) Append(sample types.Sample) error {
	a.mu.RLock()
	w, ok := a.resources[sample.ResourceID]
	a.mu.RUnlock()

	if !ok {
		return ErrUnknownResource
	}
	return w.append(sample)
}

// Roll recomputes the AggregateStats snapshot of a resource if its
// window changed since the last roll, otherwise it returns the previous
// snapshot unchanged. Rolling twice without new samples is idempotent.
func (a *Aggregator) Roll(id string) (types.AggregateStats, error) {
	a.mu.RLock()
	w, ok := a.resources[id]
	a.mu.RUnlock()

	if !ok {
		return types.AggregateStats{}, ErrUnknownResource
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.dirty && w.snapshot != nil {
		return *w.snapshot, nil
	}

	stats := a.compute(w.id, w.kind, w.orderedLocked())
	w.snapshot = &stats
	w.dirty = false
	return stats, nil
}

// Stats returns the current snapshot, rolling lazily first if the window
// changed since the last roll.
func (a *Aggregator) Stats(id string) (types.AggregateStats, error) {
	return a.Roll(id)
}

// RollAll rolls every registered resource and returns the snapshots in
// resource-id order.
func (a *Aggregator) RollAll() []types.AggregateStats {
	ids := a.ResourceIDs()
	out := make([]types.AggregateStats, 0, len(ids))
	for _, id := range ids {
		stats, err := a.Roll(id)
		if err != nil {
			continue
		}
		out = append(out, stats)
	}
	return out
}

// compute derives a snapshot from the ordered window contents.
func (a *Aggregator) compute(id string, kind types.ResourceKind, samples []types.Sample) types.AggregateStats {
	stats := types.AggregateStats{
		ResourceID:  id,
		Kind:        kind,
		SampleCount: len(samples),
	}
	if len(samples) > 0 {
		stats.WindowStart = samples[0].Timestamp
		stats.WindowEnd = samples[len(samples)-1].Timestamp
	}

	if len(samples) < a.cfg.MinSamples {
		stats.InsufficientData = true
		return stats
	}

	first := samples[0]
	last := samples[len(samples)-1]
	span := last.Timestamp.Sub(first.Timestamp)
	if span < a.cfg.MinTimeDelta {
		// A near-zero time delta makes rates meaningless; report low
		// confidence instead of dividing toward infinity.
		stats.InsufficientData = true
		return stats
	}

	depths := make([]float64, len(samples))
	procTimes := make([]float64, len(samples))
	var depthSum, procSum float64
	classWaits := make(map[int][]float64)

	for i, s := range samples {
		depths[i] = float64(s.Depth)
		depthSum += depths[i]
		procTimes[i] = float64(s.ProcessingTime)
		procSum += procTimes[i]
		if s.PriorityClass != types.NoPriority {
			classWaits[s.PriorityClass] = append(classWaits[s.PriorityClass], float64(s.ProcessingTime))
		}
	}

	sort.Float64s(depths)
	sort.Float64s(procTimes)

	n := float64(len(samples))
	stats.DepthLast = last.Depth
	stats.DepthMean = depthSum / n
	stats.DepthP50 = nearestRank(depths, 50)
	stats.DepthP95 = nearestRank(depths, 95)
	stats.DepthP99 = nearestRank(depths, 99)

	stats.ProcTimeMean = time.Duration(procSum / n)
	stats.ProcTimeP50 = time.Duration(nearestRank(procTimes, 50))
	stats.ProcTimeP95 = time.Duration(nearestRank(procTimes, 95))
	stats.ProcTimeP99 = time.Duration(nearestRank(procTimes, 99))

	seconds := span.Seconds()
	stats.EnqueueRate = counterRate(first.EnqueueCount, last.EnqueueCount, seconds)
	stats.DequeueRate = counterRate(first.DequeueCount, last.DequeueCount, seconds)
	stats.DepthSlope = (float64(last.Depth) - float64(first.Depth)) / seconds

	stats.ConsumerCount = last.ConsumerCount
	stats.ConsumerLag = consumerLag(last.Depth, stats.DequeueRate)

	if len(classWaits) > 0 {
		stats.ClassWaitP95 = make(map[int]time.Duration, len(classWaits))
		for class, waits := range classWaits {
			sort.Float64s(waits)
			stats.ClassWaitP95[class] = time.Duration(nearestRank(waits, 95))
		}
	}

	return stats
}

// nearestRank returns the nearest-rank percentile of sorted values.
func nearestRank(sorted []float64, percentile float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(percentile / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// counterRate converts a cumulative counter delta into a per-second
// rate. A negative delta means the producer's counter reset; the rate is
// reported as zero for that window rather than as a negative rate.
func counterRate(first, last int64, seconds float64) float64 {
	delta := last - first
	if delta < 0 {
		return 0
	}
	return float64(delta) / seconds
}

// consumerLag estimates the backlog in seconds at the current drain
// rate, capped when the queue is not draining at all.
func consumerLag(depth int, dequeueRate float64) float64 {
	if depth <= 0 {
		return 0
	}
	if dequeueRate <= 0 {
		return maxConsumerLagSeconds
	}
	lag := float64(depth) / dequeueRate
	if lag > maxConsumerLagSeconds {
		return maxConsumerLagSeconds
	}
	return lag
}
