package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cboxdk/queuepilot/internal/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

const minimalConfig = `
resources:
  - id: "orders"
    kind: "queue"
  - id: "order-workers"
    kind: "worker_pool"
    max_consumers: 8
    scaling:
      enabled: true
      min_size: 2
      max_size: 8
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.BindAddress != "0.0.0.0:9180" {
		t.Errorf("BindAddress = %q, want default", cfg.Server.BindAddress)
	}
	if cfg.Engine.Window.MaxSamples != 360 || cfg.Engine.Window.MinSamples != 5 {
		t.Errorf("window defaults = %d/%d, want 360/5",
			cfg.Engine.Window.MaxSamples, cfg.Engine.Window.MinSamples)
	}
	if cfg.Engine.Window.MaxAge != 60*time.Second {
		t.Errorf("MaxAge = %v, want 60s", cfg.Engine.Window.MaxAge)
	}
	if cfg.Engine.Detection.StarvationRatio != 3.0 {
		t.Errorf("StarvationRatio = %g, want 3", cfg.Engine.Detection.StarvationRatio)
	}
	if cfg.Storage.Retention != 7*24*time.Hour {
		t.Errorf("Retention = %v, want 168h", cfg.Storage.Retention)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %s/%s, want info/json", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoadMergesKindDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	queue, ok := cfg.ResourceByID("orders")
	if !ok {
		t.Fatal("ResourceByID(orders) not found")
	}
	if queue.Health.DepthP95Enter != 100 {
		t.Errorf("queue DepthP95Enter = %g, want 100", queue.Health.DepthP95Enter)
	}
	if queue.Health.DepthP95Exit != 80 {
		t.Errorf("queue DepthP95Exit = %g, want 80", queue.Health.DepthP95Exit)
	}
	if queue.Health.DowngradeRolls != 6 {
		t.Errorf("queue DowngradeRolls = %d, want 6", queue.Health.DowngradeRolls)
	}

	pool, ok := cfg.ResourceByID("order-workers")
	if !ok {
		t.Fatal("ResourceByID(order-workers) not found")
	}
	if pool.Scaling.MinSize != 2 || pool.Scaling.MaxSize != 8 {
		t.Errorf("pool sizes = %d/%d, want explicit 2/8", pool.Scaling.MinSize, pool.Scaling.MaxSize)
	}
	if pool.Scaling.TargetUtilization != 0.75 {
		t.Errorf("pool TargetUtilization = %g, want inherited 0.75", pool.Scaling.TargetUtilization)
	}
	if pool.Scaling.DownCooldownTicks != 10 {
		t.Errorf("pool DownCooldownTicks = %d, want inherited 10", pool.Scaling.DownCooldownTicks)
	}
}

func TestExitDerivedFromExplicitEnter(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
resources:
  - id: "orders"
    kind: "queue"
    health:
      depth_p95_enter: 200
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	res, _ := cfg.ResourceByID("orders")
	if res.Health.DepthP95Exit != 160 {
		t.Errorf("DepthP95Exit = %g, want 160 (80%% of explicit enter)", res.Health.DepthP95Exit)
	}
}

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "exit above enter",
			yaml: `
resources:
  - id: "orders"
    kind: "queue"
    health:
      depth_p95_enter: 100
      depth_p95_exit: 120
`,
			wantErr: "depth_p95_exit",
		},
		{
			name: "ceiling below enter",
			yaml: `
resources:
  - id: "orders"
    kind: "queue"
    health:
      depth_p95_enter: 2000
      depth_p95_exit: 1500
`,
			wantErr: "depth_ceiling",
		},
		{
			name: "unknown kind",
			yaml: `
resources:
  - id: "orders"
    kind: "topic"
`,
			wantErr: "unknown kind",
		},
		{
			name: "duplicate resource id",
			yaml: `
resources:
  - id: "orders"
    kind: "queue"
  - id: "orders"
    kind: "queue"
`,
			wantErr: "duplicate resource id",
		},
		{
			name: "missing id",
			yaml: `
resources:
  - kind: "queue"
`,
			wantErr: "id is required",
		},
		{
			name: "down cooldown shorter than up",
			yaml: `
resources:
  - id: "workers"
    kind: "worker_pool"
    scaling:
      enabled: true
      up_cooldown_ticks: 5
      down_cooldown_ticks: 2
`,
			wantErr: "down_cooldown_ticks",
		},
		{
			name: "max below min size",
			yaml: `
resources:
  - id: "workers"
    kind: "worker_pool"
    scaling:
      enabled: true
      min_size: 10
      max_size: 4
`,
			wantErr: "max_size",
		},
		{
			name: "target utilization above one",
			yaml: `
resources:
  - id: "workers"
    kind: "worker_pool"
    scaling:
      enabled: true
      target_utilization: 1.5
`,
			wantErr: "target_utilization",
		},
		{
			name: "starvation ratio not above one",
			yaml: `
engine:
  detection:
    starvation_ratio: 0.5
resources:
  - id: "orders"
    kind: "queue"
`,
			wantErr: "starvation_ratio",
		},
		{
			name: "bad logging level",
			yaml: `
logging:
  level: "verbose"
resources:
  - id: "orders"
    kind: "queue"
`,
			wantErr: "logging.level",
		},
		{
			name: "otlp without endpoint",
			yaml: `
telemetry:
  enabled: true
  exporter:
    type: "otlp"
resources:
  - id: "orders"
    kind: "queue"
`,
			wantErr: "telemetry.exporter.endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("Load() error = nil, want validation failure")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestDisabledScalingSkipsScalingValidation(t *testing.T) {
	// A pool without scaling enabled may leave the scaling block alone;
	// only enabled pools are held to the scaling invariants.
	_, err := Load(writeConfig(t, `
resources:
  - id: "workers"
    kind: "worker_pool"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestMaxConsumersDefaultsToMaxSize(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
resources:
  - id: "workers"
    kind: "worker_pool"
    scaling:
      enabled: true
      max_size: 12
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	res, _ := cfg.ResourceByID("workers")
	if res.MaxConsumers != 12 {
		t.Errorf("MaxConsumers = %d, want 12 (inherited from scaling.max_size)", res.MaxConsumers)
	}
}

func TestLoadDefault(t *testing.T) {
	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error = %v", err)
	}
	if len(cfg.Resources) != 0 {
		t.Errorf("LoadDefault() resources = %d, want 0", len(cfg.Resources))
	}
	if cfg.Engine.AggregationInterval != 10*time.Second {
		t.Errorf("AggregationInterval = %v, want 10s", cfg.Engine.AggregationInterval)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Load(missing file) error = nil, want error")
	}
}

func TestResourceKindParsing(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	queue, _ := cfg.ResourceByID("orders")
	if queue.Kind != types.KindQueue {
		t.Errorf("orders kind = %q, want queue", queue.Kind)
	}
	pool, _ := cfg.ResourceByID("order-workers")
	if pool.Kind != types.KindWorkerPool {
		t.Errorf("order-workers kind = %q, want worker_pool", pool.Kind)
	}
}
