package aggregate

import (
	"sync"
	"time"

	"github.com/cboxdk/queuepilot/internal/types"
)

// resourceWindow is the sample window of one resource. It is a fixed
// capacity ring buffer ordered by timestamp; all mutation happens under
// the per-resource mutex so contention stays bounded to hot resources.
type resourceWindow struct {
	mu   sync.Mutex
	id   string
	kind types.ResourceKind

	ring  []types.Sample
	head  int // index of the oldest sample
	count int

	maxAge time.Duration

	// dirty is set on append and cleared by a roll, so rolling twice
	// without new samples returns the identical snapshot.
	dirty bool

	snapshot *types.AggregateStats
}

func newResourceWindow(id string, kind types.ResourceKind, capacity int, maxAge time.Duration) *resourceWindow {
	return &resourceWindow{
		id:     id,
		kind:   kind,
		ring:   make([]types.Sample, capacity),
		maxAge: maxAge,
	}
}

// append adds a sample, enforcing monotonically increasing timestamps.
// Equal timestamps are rejected as stale too: the producer is allowed to
// redeliver, and redelivery must not double-count.
func (w *resourceWindow) append(sample types.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count > 0 {
		newest := w.ring[(w.head+w.count-1)%len(w.ring)]
		if !sample.Timestamp.After(newest.Timestamp) {
			return ErrStaleSample
		}
	}

	if w.count == len(w.ring) {
		// Ring full, overwrite the oldest sample.
		w.head = (w.head + 1) % len(w.ring)
		w.count--
	}
	w.ring[(w.head+w.count)%len(w.ring)] = sample
	w.count++

	w.trimExpiredLocked(sample.Timestamp)
	w.dirty = true
	return nil
}

// trimExpiredLocked drops samples older than maxAge relative to the
// newest timestamp. Caller holds w.mu.
func (w *resourceWindow) trimExpiredLocked(newest time.Time) {
	cutoff := newest.Add(-w.maxAge)
	for w.count > 1 {
		oldest := w.ring[w.head]
		if !oldest.Timestamp.Before(cutoff) {
			break
		}
		w.head = (w.head + 1) % len(w.ring)
		w.count--
	}
}

// ordered returns the window contents oldest first. Caller holds w.mu.
func (w *resourceWindow) orderedLocked() []types.Sample {
	out := make([]types.Sample, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.ring[(w.head+i)%len(w.ring)]
	}
	return out
}
