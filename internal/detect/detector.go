// Package detect performs cross-resource analysis: ranking bottlenecks
// by severity and flagging priority-class starvation.
//
// Each detection cycle produces a fresh report that fully supersedes the
// previous one. The only state carried across cycles is the historical
// depth baseline (an exponential moving average) and the per-class
// starvation streaks, both of which exist precisely to make single-cycle
// anomalies non-actionable.
package detect

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cboxdk/queuepilot/internal/config"
	"github.com/cboxdk/queuepilot/internal/types"
	"go.uber.org/zap"
)

// Detector ranks problem resources and analyses fairness.
type Detector struct {
	cfg    config.DetectionConfig
	logger *zap.Logger

	mu    sync.RWMutex
	cycle int64

	// baselines holds the EMA of each resource's depth p95 across
	// cycles, the "historical baseline" severity is scored against.
	baselines map[string]float64

	// starvation holds consecutive-cycle counters per resource and
	// priority class.
	starvation map[string]map[int]int

	lastReport   types.BottleneckReport
	lastFairness map[string]types.FairnessReport
}

// NewDetector creates a detector with empty history.
func NewDetector(cfg config.DetectionConfig, logger *zap.Logger) *Detector {
	return &Detector{
		cfg:          cfg,
		logger:       logger,
		baselines:    make(map[string]float64),
		starvation:   make(map[string]map[int]int),
		lastFairness: make(map[string]types.FairnessReport),
	}
}

// RunCycle scores all resources from their current snapshots and health
// states. Resources with insufficient data are excluded from the
// ranking entirely; scoring them as zero would misrepresent them as
// healthy.
func (d *Detector) RunCycle(stats []types.AggregateStats, states map[string]types.HealthState) types.BottleneckReport {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cycle++

	var generatedAt time.Time
	findings := make([]types.BottleneckFinding, 0, len(stats))
	fairness := make(map[string]types.FairnessReport, len(stats))

	for _, s := range stats {
		if s.WindowEnd.After(generatedAt) {
			generatedAt = s.WindowEnd
		}
		if s.InsufficientData {
			// No confidence, no score, and starvation streaks restart:
			// a data gap must not bridge two unrelated anomalies.
			delete(d.starvation, s.ResourceID)
			continue
		}

		level := types.HealthNormal
		if st, ok := states[s.ResourceID]; ok {
			level = st.Level
		}
		findings = append(findings, d.score(s, level))

		if report, ok := d.analyzeFairness(s); ok {
			fairness[s.ResourceID] = report
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return findings[i].Severity > findings[j].Severity
		}
		return findings[i].ResourceID < findings[j].ResourceID
	})

	report := types.BottleneckReport{
		Cycle:       d.cycle,
		GeneratedAt: generatedAt,
		Findings:    findings,
	}
	d.lastReport = report
	d.lastFairness = fairness

	if len(findings) > 0 {
		d.logger.Debug("Detection cycle completed",
			zap.Int64("cycle", d.cycle),
			zap.Int("resources_ranked", len(findings)),
			zap.String("top_resource", findings[0].ResourceID),
			zap.Float64("top_severity", findings[0].Severity))
	}
	return report
}

// Bottlenecks returns the report of the most recent cycle.
func (d *Detector) Bottlenecks() types.BottleneckReport {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastReport
}

// Fairness returns the most recent fairness report for a resource.
func (d *Detector) Fairness(id string) (types.FairnessReport, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	report, ok := d.lastFairness[id]
	return report, ok
}

// score computes the weighted severity of one resource and advances its
// depth baseline. Caller holds d.mu.
func (d *Detector) score(s types.AggregateStats, level types.HealthLevel) types.BottleneckFinding {
	baseline, seen := d.baselines[s.ResourceID]
	if !seen || baseline <= 0 {
		baseline = s.DepthP95
	}

	// Pressure relative to the resource's own history. A resource at its
	// usual depth contributes zero regardless of absolute size.
	baselineRatio := 0.0
	if baseline > 0 {
		baselineRatio = s.DepthP95/baseline - 1
		if baselineRatio < 0 {
			baselineRatio = 0
		}
	}

	addedLatency := (s.ProcTimeP95 - s.ProcTimeMean).Seconds()
	if addedLatency < 0 {
		addedLatency = 0
	}

	severity := d.cfg.HealthWeight*float64(level) +
		d.cfg.BaselineWeight*baselineRatio +
		d.cfg.LatencyWeight*addedLatency

	alpha := d.cfg.BaselineAlpha
	d.baselines[s.ResourceID] = alpha*s.DepthP95 + (1-alpha)*baseline

	return types.BottleneckFinding{
		ResourceID: s.ResourceID,
		Severity:   severity,
		Level:      level,
		Evidence: fmt.Sprintf("health=%s depth_p95=%.0f baseline=%.0f added_latency=%s",
			level, s.DepthP95, baseline, time.Duration(addedLatency*float64(time.Second))),
	}
}

// analyzeFairness applies the relative wait ratio test to resources
// whose samples carry at least two priority classes. A class is flagged
// starving only when its ratio exceeds the threshold, its priority lies
// below the resource's median, and the condition has persisted for the
// configured number of consecutive cycles. Caller holds d.mu.
func (d *Detector) analyzeFairness(s types.AggregateStats) (types.FairnessReport, bool) {
	if len(s.ClassWaitP95) < 2 {
		delete(d.starvation, s.ResourceID)
		return types.FairnessReport{}, false
	}

	classes := make([]int, 0, len(s.ClassWaitP95))
	minWait := time.Duration(0)
	for class, wait := range s.ClassWaitP95 {
		classes = append(classes, class)
		if minWait == 0 || (wait > 0 && wait < minWait) {
			minWait = wait
		}
	}
	sort.Ints(classes)

	if minWait <= 0 {
		delete(d.starvation, s.ResourceID)
		return types.FairnessReport{}, false
	}

	median := medianPriority(classes)

	streaks := d.starvation[s.ResourceID]
	if streaks == nil {
		streaks = make(map[int]int)
		d.starvation[s.ResourceID] = streaks
	}

	report := types.FairnessReport{
		ResourceID: s.ResourceID,
		Cycle:      d.cycle,
		Classes:    make([]types.ClassFairness, 0, len(classes)),
	}

	for _, class := range classes {
		ratio := float64(s.ClassWaitP95[class]) / float64(minWait)
		candidate := ratio > d.cfg.StarvationRatio && float64(class) < median
		if candidate {
			streaks[class]++
		} else {
			streaks[class] = 0
		}

		starving := streaks[class] >= d.cfg.StarvationCycles
		if starving {
			d.logger.Warn("Priority class starving",
				zap.String("resource_id", s.ResourceID),
				zap.Int("priority_class", class),
				zap.Float64("relative_wait_ratio", ratio),
				zap.Int("consecutive_cycles", streaks[class]))
		}

		report.Classes = append(report.Classes, types.ClassFairness{
			PriorityClass:     class,
			RelativeWaitRatio: ratio,
			Starving:          starving,
		})
	}

	return report, true
}

// medianPriority returns the median of sorted class priorities; for an
// even count it is the mean of the two middle values, so with exactly
// two classes the lower one sits below the median.
func medianPriority(sorted []int) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return float64(sorted[n/2])
	}
	return (float64(sorted[n/2-1]) + float64(sorted[n/2])) / 2
}
