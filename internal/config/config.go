// Package config loads and validates the static queuepilot configuration.
//
// Configuration is read once at engine start. Thresholds, window sizes,
// cooldowns and pool bounds are validated up front so that inconsistent
// settings (for example an exit threshold stricter than its enter
// threshold) fail fast at construction instead of surfacing as
// unexplainable behaviour at runtime.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cboxdk/queuepilot/internal/types"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Storage   StorageConfig    `yaml:"storage"`
	Engine    EngineConfig     `yaml:"engine"`
	Defaults  KindDefaults     `yaml:"defaults"`
	Resources []ResourceConfig `yaml:"resources"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig contains the HTTP surface settings.
type ServerConfig struct {
	BindAddress string    `yaml:"bind_address"`
	MetricsPath string    `yaml:"metrics_path"`
	HealthPath  string    `yaml:"health_path"`
	API         APIConfig `yaml:"api"`
}

// APIConfig contains the read-only JSON API settings.
type APIConfig struct {
	Enabled           bool    `yaml:"enabled"`
	BasePath          string  `yaml:"base_path"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// StorageConfig contains audit storage settings.
type StorageConfig struct {
	DatabasePath string        `yaml:"database_path"`
	Retention    time.Duration `yaml:"retention"`
}

// EngineConfig contains the tick cadence and window settings shared by
// all resources.
type EngineConfig struct {
	Window              WindowConfig    `yaml:"window"`
	AggregationInterval time.Duration   `yaml:"aggregation_interval"`
	DetectionInterval   time.Duration   `yaml:"detection_interval"`
	DecisionInterval    time.Duration   `yaml:"decision_interval"`
	Detection           DetectionConfig `yaml:"detection"`
}

// WindowConfig bounds the per-resource sample windows.
type WindowConfig struct {
	MaxSamples int           `yaml:"max_samples"`
	MinSamples int           `yaml:"min_samples"`
	MaxAge     time.Duration `yaml:"max_age"`

	// MinTimeDelta is the floor under the window time span below which
	// rate computation is refused and the roll reports insufficient data.
	MinTimeDelta time.Duration `yaml:"min_time_delta"`
}

// DetectionConfig tunes bottleneck ranking and fairness analysis.
type DetectionConfig struct {
	HealthWeight   float64 `yaml:"health_weight"`
	BaselineWeight float64 `yaml:"baseline_weight"`
	LatencyWeight  float64 `yaml:"latency_weight"`

	// BaselineAlpha is the smoothing factor of the exponential moving
	// average that tracks each resource's historical depth p95.
	BaselineAlpha float64 `yaml:"baseline_alpha"`

	StarvationRatio  float64 `yaml:"starvation_ratio"`
	StarvationCycles int     `yaml:"starvation_cycles"`
}

// HealthThresholds drives the per-resource health state machine. Enter
// and exit thresholds are distinct on purpose: hysteresis keeps noisy
// signals from flapping the state.
type HealthThresholds struct {
	// DepthP95Enter is the soft depth threshold entering Elevated.
	// DepthP95Exit must be at or below it and is the level the p95 must
	// fall under before the elevated condition counts as absent.
	DepthP95Enter float64 `yaml:"depth_p95_enter"`
	DepthP95Exit  float64 `yaml:"depth_p95_exit"`

	// DepthCeiling is the hard depth ceiling entering Saturated.
	DepthCeiling int `yaml:"depth_ceiling"`

	// ConsumerLagMax is the hard backlog threshold in seconds entering
	// Saturated.
	ConsumerLagMax float64 `yaml:"consumer_lag_max"`

	// GrowthRolls (N) is how many consecutive rolls of positive depth
	// slope count as sustained growth.
	GrowthRolls int `yaml:"growth_rolls"`

	// ExhaustionRolls (M) is how many consecutive rolls of
	// enqueue > dequeue with consumers at maximum enter Critical.
	ExhaustionRolls int `yaml:"exhaustion_rolls"`

	// DowngradeRolls (K) is how many consecutive rolls the entry
	// condition must be absent before stepping one level down.
	DowngradeRolls int `yaml:"downgrade_rolls"`
}

// ScalingConfig drives the decision engine for one worker pool.
type ScalingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	MinSize           int     `yaml:"min_size"`
	MaxSize           int     `yaml:"max_size"`
	TargetUtilization float64 `yaml:"target_utilization"`

	// UpMargin/DownMargin are the asymmetric dead-band margins around
	// the current size. Scale-up reacts fast, scale-down slow.
	UpMargin   float64 `yaml:"up_margin"`
	DownMargin float64 `yaml:"down_margin"`

	// Cooldowns are expressed in decision ticks, not wall time.
	UpCooldownTicks   int64 `yaml:"up_cooldown_ticks"`
	DownCooldownTicks int64 `yaml:"down_cooldown_ticks"`

	// StabilityRolls is how long health must have been Normal before a
	// scale-down is permitted.
	StabilityRolls int `yaml:"stability_rolls"`
}

// ResourceConfig declares one monitored resource. Zero-valued threshold
// or scaling fields inherit the kind-level defaults.
type ResourceConfig struct {
	ID           string             `yaml:"id"`
	Kind         types.ResourceKind `yaml:"kind"`
	MaxConsumers int                `yaml:"max_consumers"`
	Health       HealthThresholds   `yaml:"health"`
	Scaling      ScalingConfig      `yaml:"scaling"`
}

// KindDefaults supplies per-resource-kind defaults merged into each
// resource at load time.
type KindDefaults struct {
	Queue      ResourceDefaults `yaml:"queue"`
	WorkerPool ResourceDefaults `yaml:"worker_pool"`
}

// ResourceDefaults is the default threshold/scaling set for one kind.
type ResourceDefaults struct {
	Health  HealthThresholds `yaml:"health"`
	Scaling ScalingConfig    `yaml:"scaling"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	OutputPath string `yaml:"output_path"`
}

// TelemetryConfig contains tracing settings.
type TelemetryConfig struct {
	Enabled        bool                    `yaml:"enabled"`
	ServiceName    string                  `yaml:"service_name"`
	ServiceVersion string                  `yaml:"service_version"`
	Environment    string                  `yaml:"environment"`
	Exporter       TelemetryExporterConfig `yaml:"exporter"`
	Sampling       TelemetrySamplingConfig `yaml:"sampling"`
}

// TelemetryExporterConfig configures the trace exporter.
type TelemetryExporterConfig struct {
	Type     string            `yaml:"type"` // "stdout", "otlp"
	Endpoint string            `yaml:"endpoint,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"`
}

// TelemetrySamplingConfig configures trace sampling.
type TelemetrySamplingConfig struct {
	Rate float64 `yaml:"rate"` // 0.0 to 1.0
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// LoadDefault creates a configuration with all defaults and no
// resources. Resources are normally declared in the config file; a
// default config is only useful for validation tooling and tests.
func LoadDefault() (*Config, error) {
	var config Config
	applyDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid default configuration: %w", err)
	}

	return &config, nil
}

// applyDefaults sets default values for optional configuration fields
// and merges kind-level defaults into each resource.
func applyDefaults(cfg *Config) {
	if cfg.Server.BindAddress == "" {
		cfg.Server.BindAddress = "0.0.0.0:9180"
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.Server.HealthPath == "" {
		cfg.Server.HealthPath = "/health"
	}
	if cfg.Server.API.BasePath == "" {
		cfg.Server.API.BasePath = "/api/v1"
	}
	if cfg.Server.API.RequestsPerSecond == 0 {
		cfg.Server.API.RequestsPerSecond = 50
	}
	if cfg.Server.API.Burst == 0 {
		cfg.Server.API.Burst = 100
	}

	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = ":memory:"
	}
	if cfg.Storage.Retention == 0 {
		cfg.Storage.Retention = 7 * 24 * time.Hour
	}

	if cfg.Engine.Window.MaxSamples == 0 {
		cfg.Engine.Window.MaxSamples = 360
	}
	if cfg.Engine.Window.MinSamples == 0 {
		cfg.Engine.Window.MinSamples = 5
	}
	if cfg.Engine.Window.MaxAge == 0 {
		cfg.Engine.Window.MaxAge = 60 * time.Second
	}
	if cfg.Engine.Window.MinTimeDelta == 0 {
		cfg.Engine.Window.MinTimeDelta = 500 * time.Millisecond
	}
	if cfg.Engine.AggregationInterval == 0 {
		cfg.Engine.AggregationInterval = 10 * time.Second
	}
	if cfg.Engine.DetectionInterval == 0 {
		cfg.Engine.DetectionInterval = 30 * time.Second
	}
	if cfg.Engine.DecisionInterval == 0 {
		cfg.Engine.DecisionInterval = 60 * time.Second
	}

	if cfg.Engine.Detection.HealthWeight == 0 {
		cfg.Engine.Detection.HealthWeight = 10.0
	}
	if cfg.Engine.Detection.BaselineWeight == 0 {
		cfg.Engine.Detection.BaselineWeight = 5.0
	}
	if cfg.Engine.Detection.LatencyWeight == 0 {
		cfg.Engine.Detection.LatencyWeight = 1.0
	}
	if cfg.Engine.Detection.BaselineAlpha == 0 {
		cfg.Engine.Detection.BaselineAlpha = 0.2
	}
	if cfg.Engine.Detection.StarvationRatio == 0 {
		cfg.Engine.Detection.StarvationRatio = 3.0
	}
	if cfg.Engine.Detection.StarvationCycles == 0 {
		cfg.Engine.Detection.StarvationCycles = 2
	}

	applyHealthDefaults(&cfg.Defaults.Queue.Health)
	applyHealthDefaults(&cfg.Defaults.WorkerPool.Health)
	applyScalingDefaults(&cfg.Defaults.WorkerPool.Scaling)

	for i := range cfg.Resources {
		res := &cfg.Resources[i]
		defaults := cfg.Defaults.Queue
		if res.Kind == types.KindWorkerPool {
			defaults = cfg.Defaults.WorkerPool
		}
		mergeHealth(&res.Health, defaults.Health)
		if res.Kind == types.KindWorkerPool {
			mergeScaling(&res.Scaling, defaults.Scaling)
			if res.MaxConsumers == 0 {
				res.MaxConsumers = res.Scaling.MaxSize
			}
		}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "queuepilot"
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = "1.0.0"
	}
	if cfg.Telemetry.Environment == "" {
		cfg.Telemetry.Environment = "development"
	}
	if cfg.Telemetry.Exporter.Type == "" {
		cfg.Telemetry.Exporter.Type = "stdout"
	}
	if cfg.Telemetry.Sampling.Rate == 0 {
		cfg.Telemetry.Sampling.Rate = 0.1
	}
}

func applyHealthDefaults(h *HealthThresholds) {
	if h.DepthP95Enter == 0 {
		h.DepthP95Enter = 100
	}
	if h.DepthP95Exit == 0 {
		h.DepthP95Exit = h.DepthP95Enter * 0.8
	}
	if h.DepthCeiling == 0 {
		h.DepthCeiling = 1000
	}
	if h.ConsumerLagMax == 0 {
		h.ConsumerLagMax = 30
	}
	if h.GrowthRolls == 0 {
		h.GrowthRolls = 3
	}
	if h.ExhaustionRolls == 0 {
		h.ExhaustionRolls = 5
	}
	if h.DowngradeRolls == 0 {
		h.DowngradeRolls = 6
	}
}

func applyScalingDefaults(s *ScalingConfig) {
	if s.MinSize == 0 {
		s.MinSize = 1
	}
	if s.MaxSize == 0 {
		s.MaxSize = 32
	}
	if s.TargetUtilization == 0 {
		s.TargetUtilization = 0.75
	}
	if s.UpMargin == 0 {
		s.UpMargin = 0.1
	}
	if s.DownMargin == 0 {
		s.DownMargin = 0.3
	}
	if s.UpCooldownTicks == 0 {
		s.UpCooldownTicks = 3
	}
	if s.DownCooldownTicks == 0 {
		s.DownCooldownTicks = 10
	}
	if s.StabilityRolls == 0 {
		s.StabilityRolls = 6
	}
}

func mergeHealth(dst *HealthThresholds, src HealthThresholds) {
	if dst.DepthP95Enter == 0 {
		dst.DepthP95Enter = src.DepthP95Enter
	}
	if dst.DepthP95Exit == 0 {
		dst.DepthP95Exit = src.DepthP95Exit
		if dst.DepthP95Enter != src.DepthP95Enter {
			dst.DepthP95Exit = dst.DepthP95Enter * 0.8
		}
	}
	if dst.DepthCeiling == 0 {
		dst.DepthCeiling = src.DepthCeiling
	}
	if dst.ConsumerLagMax == 0 {
		dst.ConsumerLagMax = src.ConsumerLagMax
	}
	if dst.GrowthRolls == 0 {
		dst.GrowthRolls = src.GrowthRolls
	}
	if dst.ExhaustionRolls == 0 {
		dst.ExhaustionRolls = src.ExhaustionRolls
	}
	if dst.DowngradeRolls == 0 {
		dst.DowngradeRolls = src.DowngradeRolls
	}
}

func mergeScaling(dst *ScalingConfig, src ScalingConfig) {
	if dst.MinSize == 0 {
		dst.MinSize = src.MinSize
	}
	if dst.MaxSize == 0 {
		dst.MaxSize = src.MaxSize
	}
	if dst.TargetUtilization == 0 {
		dst.TargetUtilization = src.TargetUtilization
	}
	if dst.UpMargin == 0 {
		dst.UpMargin = src.UpMargin
	}
	if dst.DownMargin == 0 {
		dst.DownMargin = src.DownMargin
	}
	if dst.UpCooldownTicks == 0 {
		dst.UpCooldownTicks = src.UpCooldownTicks
	}
	if dst.DownCooldownTicks == 0 {
		dst.DownCooldownTicks = src.DownCooldownTicks
	}
	if dst.StabilityRolls == 0 {
		dst.StabilityRolls = src.StabilityRolls
	}
}

// validate checks configuration consistency. It fails fast so that
// threshold inconsistencies never reach the running engine.
func validate(cfg *Config) error {
	if cfg.Server.BindAddress == "" {
		return fmt.Errorf("server.bind_address is required")
	}

	if cfg.Engine.Window.MinSamples < 2 {
		return fmt.Errorf("engine.window.min_samples must be at least 2, got %d", cfg.Engine.Window.MinSamples)
	}
	if cfg.Engine.Window.MaxSamples < cfg.Engine.Window.MinSamples {
		return fmt.Errorf("engine.window.max_samples (%d) must be >= min_samples (%d)",
			cfg.Engine.Window.MaxSamples, cfg.Engine.Window.MinSamples)
	}
	if cfg.Engine.Window.MaxAge <= 0 {
		return fmt.Errorf("engine.window.max_age must be positive")
	}
	if cfg.Engine.Window.MinTimeDelta <= 0 {
		return fmt.Errorf("engine.window.min_time_delta must be positive")
	}

	for _, interval := range []struct {
		name  string
		value time.Duration
	}{
		{"engine.aggregation_interval", cfg.Engine.AggregationInterval},
		{"engine.detection_interval", cfg.Engine.DetectionInterval},
		{"engine.decision_interval", cfg.Engine.DecisionInterval},
	} {
		if interval.value <= 0 {
			return fmt.Errorf("%s must be positive", interval.name)
		}
	}

	det := cfg.Engine.Detection
	if det.HealthWeight < 0 || det.BaselineWeight < 0 || det.LatencyWeight < 0 {
		return fmt.Errorf("engine.detection weights must be non-negative")
	}
	if det.HealthWeight+det.BaselineWeight+det.LatencyWeight == 0 {
		return fmt.Errorf("engine.detection weights must not all be zero")
	}
	if det.BaselineAlpha <= 0 || det.BaselineAlpha > 1 {
		return fmt.Errorf("engine.detection.baseline_alpha must be in (0, 1], got %g", det.BaselineAlpha)
	}
	if det.StarvationRatio <= 1 {
		return fmt.Errorf("engine.detection.starvation_ratio must be greater than 1, got %g", det.StarvationRatio)
	}
	if det.StarvationCycles < 2 {
		return fmt.Errorf("engine.detection.starvation_cycles must be at least 2, got %d", det.StarvationCycles)
	}

	seen := make(map[string]bool, len(cfg.Resources))
	for i := range cfg.Resources {
		res := &cfg.Resources[i]
		if res.ID == "" {
			return fmt.Errorf("resources[%d].id is required", i)
		}
		if seen[res.ID] {
			return fmt.Errorf("duplicate resource id %q", res.ID)
		}
		seen[res.ID] = true

		if !res.Kind.Valid() {
			return fmt.Errorf("resource %q: unknown kind %q", res.ID, res.Kind)
		}
		if err := validateHealthThresholds(res.ID, res.Health); err != nil {
			return err
		}
		if res.Kind == types.KindWorkerPool && res.Scaling.Enabled {
			if err := validateScalingConfig(res.ID, res.Scaling); err != nil {
				return err
			}
		}
		if res.MaxConsumers < 0 {
			return fmt.Errorf("resource %q: max_consumers must not be negative", res.ID)
		}
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", cfg.Logging.Format)
	}

	if cfg.Telemetry.Enabled {
		switch cfg.Telemetry.Exporter.Type {
		case "stdout":
		case "otlp":
			if cfg.Telemetry.Exporter.Endpoint == "" {
				return fmt.Errorf("telemetry.exporter.endpoint is required for otlp")
			}
		default:
			return fmt.Errorf("telemetry.exporter.type must be stdout or otlp, got %q", cfg.Telemetry.Exporter.Type)
		}
		if cfg.Telemetry.Sampling.Rate < 0 || cfg.Telemetry.Sampling.Rate > 1 {
			return fmt.Errorf("telemetry.sampling.rate must be in [0, 1], got %g", cfg.Telemetry.Sampling.Rate)
		}
	}

	return nil
}

func validateHealthThresholds(resourceID string, h HealthThresholds) error {
	if h.DepthP95Enter <= 0 {
		return fmt.Errorf("resource %q: health.depth_p95_enter must be positive", resourceID)
	}
	if h.DepthP95Exit <= 0 || h.DepthP95Exit > h.DepthP95Enter {
		return fmt.Errorf("resource %q: health.depth_p95_exit (%g) must be positive and not above depth_p95_enter (%g)",
			resourceID, h.DepthP95Exit, h.DepthP95Enter)
	}
	if float64(h.DepthCeiling) <= h.DepthP95Enter {
		return fmt.Errorf("resource %q: health.depth_ceiling (%d) must exceed depth_p95_enter (%g)",
			resourceID, h.DepthCeiling, h.DepthP95Enter)
	}
	if h.ConsumerLagMax <= 0 {
		return fmt.Errorf("resource %q: health.consumer_lag_max must be positive", resourceID)
	}
	if h.GrowthRolls < 1 || h.ExhaustionRolls < 1 || h.DowngradeRolls < 1 {
		return fmt.Errorf("resource %q: health roll counts must be at least 1", resourceID)
	}
	return nil
}

func validateScalingConfig(resourceID string, s ScalingConfig) error {
	if s.MinSize < 1 {
		return fmt.Errorf("resource %q: scaling.min_size must be at least 1", resourceID)
	}
	if s.MaxSize < s.MinSize {
		return fmt.Errorf("resource %q: scaling.max_size (%d) must be >= min_size (%d)",
			resourceID, s.MaxSize, s.MinSize)
	}
	if s.TargetUtilization <= 0 || s.TargetUtilization > 1 {
		return fmt.Errorf("resource %q: scaling.target_utilization must be in (0, 1], got %g",
			resourceID, s.TargetUtilization)
	}
	if s.UpMargin <= 0 || s.UpMargin >= 1 {
		return fmt.Errorf("resource %q: scaling.up_margin must be in (0, 1), got %g", resourceID, s.UpMargin)
	}
	if s.DownMargin <= 0 || s.DownMargin >= 1 {
		return fmt.Errorf("resource %q: scaling.down_margin must be in (0, 1), got %g", resourceID, s.DownMargin)
	}
	if s.UpCooldownTicks < 1 || s.DownCooldownTicks < 1 {
		return fmt.Errorf("resource %q: scaling cooldowns must be at least 1 tick", resourceID)
	}
	if s.DownCooldownTicks < s.UpCooldownTicks {
		return fmt.Errorf("resource %q: scaling.down_cooldown_ticks (%d) must be >= up_cooldown_ticks (%d)",
			resourceID, s.DownCooldownTicks, s.UpCooldownTicks)
	}
	if s.StabilityRolls < 1 {
		return fmt.Errorf("resource %q: scaling.stability_rolls must be at least 1", resourceID)
	}
	return nil
}

// ResourceByID returns the configuration of a single resource.
func (c *Config) ResourceByID(id string) (*ResourceConfig, bool) {
	for i := range c.Resources {
		if c.Resources[i].ID == id {
			return &c.Resources[i], true
		}
	}
	return nil, false
}
