package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cboxdk/queuepilot/internal/app"
	"github.com/cboxdk/queuepilot/internal/config"
	"github.com/cboxdk/queuepilot/internal/engine"
	"github.com/cboxdk/queuepilot/internal/types"
	"go.uber.org/zap/zaptest"
)

func writeIntegrationConfig(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  bind_address: "127.0.0.1:19180"
storage:
  database_path: "` + filepath.Join(dir, "audit.db") + `"
engine:
  aggregation_interval: 50ms
  detection_interval: 100ms
  decision_interval: 100ms
  window:
    max_samples: 100
    min_samples: 5
    max_age: 300s
    min_time_delta: 500ms
resources:
  - id: "orders"
    kind: "queue"
    health:
      depth_p95_enter: 100
      depth_p95_exit: 80
  - id: "order-workers"
    kind: "worker_pool"
    max_consumers: 8
    scaling:
      enabled: true
      min_size: 1
      max_size: 8
logging:
  level: "error"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

// TestManagerLifecycle starts the full stack against a temp config,
// feeds it an overload scenario through the engine and reads the
// results back over the HTTP API.
func TestManagerLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	cfg, err := config.Load(writeIntegrationConfig(t))
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}

	logger := zaptest.NewLogger(t)
	manager, err := app.NewManager(cfg, logger)
	if err != nil {
		t.Fatalf("app.NewManager() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- manager.Run(ctx) }()

	// Wait until the HTTP surface answers.
	baseURL := "http://" + cfg.Server.BindAddress
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(baseURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("server never became healthy")
		}
		time.Sleep(50 * time.Millisecond)
	}

	feedOverload(t, manager.Engine())

	// Let the tick loops roll, detect and decide.
	time.Sleep(500 * time.Millisecond)

	t.Run("queue health degrades", func(t *testing.T) {
		var state types.HealthState
		getJSON(t, baseURL+"/api/v1/resources/orders/health", &state)
		if state.Level == types.HealthNormal {
			t.Errorf("overloaded queue level = %s, want degraded", state.Level)
		}
		if state.TriggerReason == "" {
			t.Error("health state carries no trigger reason")
		}
	})

	t.Run("bottleneck ranked", func(t *testing.T) {
		var report types.BottleneckReport
		getJSON(t, baseURL+"/api/v1/bottlenecks", &report)
		if len(report.Findings) == 0 {
			t.Fatal("no bottleneck findings")
		}
		if report.Findings[0].Severity <= 0 {
			t.Errorf("top severity = %g, want > 0", report.Findings[0].Severity)
		}
	})

	t.Run("pool scaled up", func(t *testing.T) {
		var decision types.ScalingDecision
		getJSON(t, baseURL+"/api/v1/resources/order-workers/decision", &decision)
		if decision.Action != types.ActionScaleUp {
			t.Errorf("decision = %s (reason %q), want scale_up", decision.Action, decision.Reason)
		}
		if decision.TargetSize <= decision.CurrentSize {
			t.Errorf("target %d not above current %d", decision.TargetSize, decision.CurrentSize)
		}
	})

	t.Run("metrics exposed", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/metrics")
		if err != nil {
			t.Fatalf("GET /metrics error = %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("/metrics status = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("events recorded", func(t *testing.T) {
		var events []map[string]interface{}
		getJSON(t, baseURL+"/api/v1/events?type=health_change", &events)
		if len(events) == 0 {
			t.Error("no health_change events recorded")
		}
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("manager.Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop after context cancel")
	}
}

// feedOverload pushes samples describing a queue backing up behind a
// pool with consumer headroom left.
func feedOverload(t *testing.T, eng *engine.Engine) {
	t.Helper()

	start := time.Now().Add(-30 * time.Second)
	for i := 0; i < 20; i++ {
		ts := start.Add(time.Duration(i) * time.Second)

		queue := types.Sample{
			ResourceID:     "orders",
			Kind:           types.KindQueue,
			Timestamp:      ts,
			Depth:          200 + i*50,
			EnqueueCount:   int64(i * 100),
			DequeueCount:   int64(i * 40),
			ProcessingTime: 100 * time.Millisecond,
			ConsumerCount:  4,
		}
		if result, err := eng.Ingest(queue); err != nil || !result.Accepted {
			t.Fatalf("Ingest(queue) = %+v, %v", result, err)
		}

		pool := queue
		pool.ResourceID = "order-workers"
		pool.Kind = types.KindWorkerPool
		if result, err := eng.Ingest(pool); err != nil || !result.Accepted {
			t.Fatalf("Ingest(pool) = %+v, %v", result, err)
		}
	}
}

func getJSON(t *testing.T, url string, into interface{}) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s status = %d, want 200", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("GET %s decode error = %v", url, err)
	}
}
