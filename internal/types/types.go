// Package types defines the shared data model exchanged between the
// queuepilot engine components: telemetry samples, rolled aggregate
// statistics, health states, bottleneck/fairness reports and scaling
// decisions.
//
// Values in this package are plain data. Ownership rules are enforced by
// the producing components: the aggregator owns windows and stats
// snapshots, the classifier owns health states, the decision engine owns
// the most recent decision per resource. Consumers receive copies or
// read-only snapshots and never mutate them in place.
package types

import (
	"time"
)

// ResourceKind identifies what a telemetry sample describes.
type ResourceKind string

const (
	KindQueue      ResourceKind = "queue"
	KindWorkerPool ResourceKind = "worker_pool"
)

// Valid reports whether the kind is one of the known resource kinds.
func (k ResourceKind) Valid() bool {
	return k == KindQueue || k == KindWorkerPool
}

// NoPriority marks a sample that carries no priority class. Priority
// classes are positive integers; lower numbers are lower priority.
const NoPriority = 0

// Sample is a single point-in-time observation of a queue or worker pool,
// produced once per tick by the external telemetry producer. Samples are
// immutable once created.
//
// EnqueueCount and DequeueCount are cumulative counters; the aggregator
// derives rates from counter deltas across a window.
type Sample struct {
	ResourceID     string        `json:"resource_id"`
	Kind           ResourceKind  `json:"resource_kind"`
	Timestamp      time.Time     `json:"timestamp"`
	Depth          int           `json:"depth"`
	EnqueueCount   int64         `json:"enqueue_count"`
	DequeueCount   int64         `json:"dequeue_count"`
	ProcessingTime time.Duration `json:"processing_time"`
	ConsumerCount  int           `json:"consumer_count"`
	CPUUsage       float64       `json:"cpu_usage"`
	MemoryUsage    float64       `json:"memory_usage"`
	PriorityClass  int           `json:"priority_class,omitempty"`
}

// RejectReason explains why the ingestor refused a sample.
type RejectReason string

const (
	RejectStale           RejectReason = "stale"
	RejectUnknownKind     RejectReason = "unknown_kind"
	RejectUnknownResource RejectReason = "unknown_resource"
)

// IngestResult is the outcome of a single Ingest call.
type IngestResult struct {
	Accepted bool         `json:"accepted"`
	Reason   RejectReason `json:"reason,omitempty"`
}

// AggregateStats is a read-only snapshot derived from one window roll.
// A new snapshot replaces the previous one atomically; snapshots are
// never mutated after publication.
//
// When InsufficientData is set the numeric fields are zero and must be
// treated as "no signal", not as a healthy resource.
type AggregateStats struct {
	ResourceID  string       `json:"resource_id"`
	Kind        ResourceKind `json:"resource_kind"`
	WindowStart time.Time    `json:"window_start"`
	WindowEnd   time.Time    `json:"window_end"`
	SampleCount int          `json:"sample_count"`

	InsufficientData bool `json:"insufficient_data"`

	// Depth statistics. DepthLast is the most recent observed depth,
	// used for hard-ceiling checks.
	DepthLast int     `json:"depth_last"`
	DepthMean float64 `json:"depth_mean"`
	DepthP50  float64 `json:"depth_p50"`
	DepthP95  float64 `json:"depth_p95"`
	DepthP99  float64 `json:"depth_p99"`

	// Processing time statistics.
	ProcTimeMean time.Duration `json:"processing_time_mean"`
	ProcTimeP50  time.Duration `json:"processing_time_p50"`
	ProcTimeP95  time.Duration `json:"processing_time_p95"`
	ProcTimeP99  time.Duration `json:"processing_time_p99"`

	// Rates in events per second, from counter deltas across the window.
	EnqueueRate float64 `json:"enqueue_rate"`
	DequeueRate float64 `json:"dequeue_rate"`

	// DepthSlope is the rate of change of depth in items per second.
	DepthSlope float64 `json:"depth_slope"`

	// ConsumerLag is the backlog expressed in seconds at the current
	// drain rate (depth / dequeue_rate).
	ConsumerLag float64 `json:"consumer_lag"`

	ConsumerCount int `json:"consumer_count"`

	// ClassWaitP95 holds per-priority-class p95 processing/wait time for
	// resources whose samples carry priority classes. Nil otherwise.
	ClassWaitP95 map[int]time.Duration `json:"class_wait_p95,omitempty"`
}

// HealthLevel is the discrete backpressure level of a resource. Levels
// are ordered; a higher ordinal means a worse state.
type HealthLevel int

const (
	HealthNormal HealthLevel = iota
	HealthElevated
	HealthSaturated
	HealthCritical
)

// String returns the lowercase level name.
func (l HealthLevel) String() string {
	switch l {
	case HealthNormal:
		return "normal"
	case HealthElevated:
		return "elevated"
	case HealthSaturated:
		return "saturated"
	case HealthCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// HealthState is the classifier-owned state of one resource. SinceRoll is
// the roll index at which the current level was entered; Since is the
// window end timestamp of that roll, so replaying the same sample
// sequence reproduces it exactly.
type HealthState struct {
	ResourceID    string      `json:"resource_id"`
	Level         HealthLevel `json:"level"`
	SinceRoll     int64       `json:"since_roll"`
	Since         time.Time   `json:"since"`
	TriggerReason string      `json:"trigger_reason"`
}

// HealthTransition is published to subscribers when a resource changes
// level. Steady-state rolls do not produce transitions.
type HealthTransition struct {
	ResourceID string      `json:"resource_id"`
	From       HealthLevel `json:"from"`
	To         HealthLevel `json:"to"`
	Roll       int64       `json:"roll"`
	At         time.Time   `json:"at"`
	Reason     string      `json:"reason"`
}

// BottleneckFinding scores one resource within a detection cycle.
type BottleneckFinding struct {
	ResourceID string      `json:"resource_id"`
	Severity   float64     `json:"severity_score"`
	Level      HealthLevel `json:"health_level"`
	Evidence   string      `json:"evidence"`
}

// BottleneckReport ranks problem resources for one detection cycle.
// Each cycle's report fully supersedes the previous one.
type BottleneckReport struct {
	Cycle       int64               `json:"cycle"`
	GeneratedAt time.Time           `json:"generated_at"`
	Findings    []BottleneckFinding `json:"findings"`
}

// ClassFairness describes one priority class within a resource.
type ClassFairness struct {
	PriorityClass     int     `json:"priority_class"`
	RelativeWaitRatio float64 `json:"relative_wait_ratio"`
	Starving          bool    `json:"starving"`
}

// FairnessReport is the per-resource fairness analysis for one cycle,
// derived purely from AggregateStats.
type FairnessReport struct {
	ResourceID string          `json:"resource_id"`
	Cycle      int64           `json:"cycle"`
	Classes    []ClassFairness `json:"classes"`
}

// ScalingAction is the outcome of a scaling decision.
type ScalingAction string

const (
	ActionScaleUp   ScalingAction = "scale_up"
	ActionScaleDown ScalingAction = "scale_down"
	ActionHold      ScalingAction = "hold"
)

// ScalingDecision is the decision-engine-owned record of the most recent
// decision for a worker pool. Cooldowns are expressed in decision ticks
// so the engine stays deterministic without a real clock.
type ScalingDecision struct {
	ResourceID        string        `json:"resource_id"`
	Action            ScalingAction `json:"action"`
	CurrentSize       int           `json:"current_size"`
	TargetSize        int           `json:"target_size"`
	Reason            string        `json:"reason"`
	IssuedAtTick      int64         `json:"issued_at_tick"`
	CooldownUntilTick int64         `json:"cooldown_until_tick"`
	IssuedAt          time.Time     `json:"issued_at"`
}
