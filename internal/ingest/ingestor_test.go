package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/cboxdk/queuepilot/internal/aggregate"
	"github.com/cboxdk/queuepilot/internal/config"
	"github.com/cboxdk/queuepilot/internal/types"
	"go.uber.org/zap"
)

type countingObserver struct {
	accepted map[types.ResourceKind]int
	rejected map[types.RejectReason]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{
		accepted: make(map[types.ResourceKind]int),
		rejected: make(map[types.RejectReason]int),
	}
}

func (o *countingObserver) SampleAccepted(kind types.ResourceKind) { o.accepted[kind]++ }
func (o *countingObserver) SampleRejected(reason types.RejectReason) {
	o.rejected[reason]++
}

func newTestIngestor(t *testing.T) (*Ingestor, *countingObserver) {
	t.Helper()

	cfg := config.WindowConfig{
		MaxSamples:   100,
		MinSamples:   5,
		MaxAge:       time.Minute,
		MinTimeDelta: 500 * time.Millisecond,
	}
	agg := aggregate.NewAggregator(cfg, zap.NewNop())
	if err := agg.Register("orders", types.KindQueue); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := agg.Register("order-workers", types.KindWorkerPool); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	obs := newCountingObserver()
	return NewIngestor(agg, zap.NewNop(), obs), obs
}

func TestIngestAcceptsValidSample(t *testing.T) {
	ing, obs := newTestIngestor(t)

	result, err := ing.Ingest(types.Sample{
		ResourceID: "orders",
		Kind:       types.KindQueue,
		Timestamp:  time.Now(),
		Depth:      10,
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if !result.Accepted {
		t.Errorf("Ingest() result = %+v, want accepted", result)
	}
	if obs.accepted[types.KindQueue] != 1 {
		t.Errorf("accepted[queue] = %d, want 1", obs.accepted[types.KindQueue])
	}
}

func TestIngestRejections(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		sample     types.Sample
		wantReason types.RejectReason
	}{
		{
			name:       "unknown kind",
			sample:     types.Sample{ResourceID: "orders", Kind: "topic", Timestamp: now},
			wantReason: types.RejectUnknownKind,
		},
		{
			name:       "kind mismatch for known resource",
			sample:     types.Sample{ResourceID: "orders", Kind: types.KindWorkerPool, Timestamp: now},
			wantReason: types.RejectUnknownKind,
		},
		{
			name:       "unknown resource",
			sample:     types.Sample{ResourceID: "ghost", Kind: types.KindQueue, Timestamp: now},
			wantReason: types.RejectUnknownResource,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing, obs := newTestIngestor(t)

			result, err := ing.Ingest(tt.sample)
			if err == nil {
				t.Fatal("Ingest() error = nil, want rejection error")
			}
			if result.Accepted {
				t.Error("Ingest() accepted a sample it should reject")
			}
			if result.Reason != tt.wantReason {
				t.Errorf("Ingest() reason = %q, want %q", result.Reason, tt.wantReason)
			}
			if obs.rejected[tt.wantReason] != 1 {
				t.Errorf("rejected[%s] = %d, want 1", tt.wantReason, obs.rejected[tt.wantReason])
			}
		})
	}
}

func TestIngestRejectsStaleSample(t *testing.T) {
	ing, obs := newTestIngestor(t)
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	first := types.Sample{ResourceID: "orders", Kind: types.KindQueue, Timestamp: now}
	if _, err := ing.Ingest(first); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	stale := first
	stale.Timestamp = now.Add(-time.Second)
	result, err := ing.Ingest(stale)
	if !errors.Is(err, aggregate.ErrStaleSample) {
		t.Errorf("Ingest(stale) error = %v, want ErrStaleSample", err)
	}
	if result.Reason != types.RejectStale {
		t.Errorf("Ingest(stale) reason = %q, want %q", result.Reason, types.RejectStale)
	}
	if obs.rejected[types.RejectStale] != 1 {
		t.Errorf("rejected[stale] = %d, want 1", obs.rejected[types.RejectStale])
	}
}

func TestIngestRejectionCausesNoStateChange(t *testing.T) {
	ing, _ := newTestIngestor(t)
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 6; i++ {
		s := types.Sample{
			ResourceID: "orders",
			Kind:       types.KindQueue,
			Timestamp:  now.Add(time.Duration(i) * time.Second),
			Depth:      10,
		}
		if _, err := ing.Ingest(s); err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
	}

	before, err := ing.aggregator.Stats("orders")
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}

	stale := types.Sample{ResourceID: "orders", Kind: types.KindQueue, Timestamp: now, Depth: 9999}
	if _, err := ing.Ingest(stale); err == nil {
		t.Fatal("Ingest(stale) error = nil, want rejection")
	}

	after, err := ing.aggregator.Stats("orders")
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if before.SampleCount != after.SampleCount || before.DepthLast != after.DepthLast {
		t.Errorf("rejected sample changed state: before %+v, after %+v", before, after)
	}
}
