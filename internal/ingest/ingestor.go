// Package ingest accepts telemetry samples from external producers and
// normalizes them into the per-resource windows owned by the aggregator.
package ingest

import (
	"errors"

	"github.com/cboxdk/queuepilot/internal/aggregate"
	"github.com/cboxdk/queuepilot/internal/types"
	"go.uber.org/zap"
)

// ErrUnknownKind indicates a sample with a resource kind that is neither
// queue nor worker_pool.
var ErrUnknownKind = errors.New("unknown resource kind")

// Observer receives ingestion outcomes, typically to feed counters.
type Observer interface {
	SampleAccepted(kind types.ResourceKind)
	SampleRejected(reason types.RejectReason)
}

// Ingestor validates samples and appends them to the aggregator. It is
// safe for concurrent use by many producers; the only lock taken per
// call is the target resource's window lock.
type Ingestor struct {
	aggregator *aggregate.Aggregator
	logger     *zap.Logger
	observer   Observer
}

// NewIngestor creates an ingestor feeding the given aggregator. The
// observer may be nil.
func NewIngestor(aggregator *aggregate.Aggregator, logger *zap.Logger, observer Observer) *Ingestor {
	return &Ingestor{
		aggregator: aggregator,
		logger:     logger,
		observer:   observer,
	}
}

// Ingest validates and stores one sample. Rejections are reported in the
// result with a reason and also returned as an error for callers that
// branch on error identity; a rejected sample causes no state change.
func (i *Ingestor) Ingest(sample types.Sample) (types.IngestResult, error) {
	if !sample.Kind.Valid() {
		return i.reject(sample, types.RejectUnknownKind, ErrUnknownKind)
	}

	if kind, ok := i.aggregator.Kind(sample.ResourceID); !ok {
		return i.reject(sample, types.RejectUnknownResource, aggregate.ErrUnknownResource)
	} else if kind != sample.Kind {
		// A sample claiming the wrong kind for a known resource is as
		// suspect as an unknown kind.
		return i.reject(sample, types.RejectUnknownKind, ErrUnknownKind)
	}

	if err := i.aggregator.Append(sample); err != nil {
		if errors.Is(err, aggregate.ErrStaleSample) {
			return i.reject(sample, types.RejectStale, err)
		}
		return i.reject(sample, types.RejectUnknownResource, err)
	}

	if i.observer != nil {
		i.observer.SampleAccepted(sample.Kind)
	}
	return types.IngestResult{Accepted: true}, nil
}

func (i *Ingestor) reject(sample types.Sample, reason types.RejectReason, err error) (types.IngestResult, error) {
	if i.observer != nil {
		i.observer.SampleRejected(reason)
	}
	i.logger.Debug("Sample rejected",
		zap.String("resource_id", sample.ResourceID),
		zap.String("kind", string(sample.Kind)),
		zap.Time("timestamp", sample.Timestamp),
		zap.String("reason", string(reason)))
	return types.IngestResult{Accepted: false, Reason: reason}, err
}
