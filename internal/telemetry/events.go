package telemetry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// EventType represents the type of operational event.
type EventType string

const (
	EventTypeHealthChange    EventType = "health_change"
	EventTypeScalingDecision EventType = "scaling_decision"
	EventTypeDetection       EventType = "detection"
	EventTypeConfiguration   EventType = "configuration"
)

// EventSeverity represents the severity level of an event.
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// Event represents a structured operational event.
type Event struct {
	ID            string                 `json:"id"`
	Type          EventType              `json:"type"`
	Timestamp     time.Time              `json:"timestamp"`
	ResourceID    string                 `json:"resource_id,omitempty"`
	Summary       string                 `json:"summary"`
	Details       map[string]interface{} `json:"details"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Severity      EventSeverity          `json:"severity"`
}

// HealthChangeDetails describes a health level transition.
type HealthChangeDetails struct {
	PreviousLevel string `json:"previous_level"`
	NewLevel      string `json:"new_level"`
	Roll          int64  `json:"roll"`
	Reason        string `json:"reason"`
}

// ScalingDecisionDetails describes a non-hold scaling decision.
type ScalingDecisionDetails struct {
	Action            string `json:"action"`
	CurrentSize       int    `json:"current_size"`
	TargetSize        int    `json:"target_size"`
	Reason            string `json:"reason"`
	CooldownUntilTick int64  `json:"cooldown_until_tick"`
}

// DetectionDetails summarizes a detection cycle worth reporting.
type DetectionDetails struct {
	Cycle           int64    `json:"cycle"`
	TopResource     string   `json:"top_resource,omitempty"`
	TopSeverity     float64  `json:"top_severity,omitempty"`
	StarvingClasses []string `json:"starving_classes,omitempty"`
}

// ConfigurationDetails describes configuration lifecycle events.
type ConfigurationDetails struct {
	Action    string   `json:"action"` // "validated", "loaded"
	Resources int      `json:"resources"`
	Errors    []string `json:"errors,omitempty"`
}

// EventStorage persists events for later retrieval.
type EventStorage interface {
	StoreEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, filter EventFilter) ([]Event, error)
}

// EventFilter selects events when querying storage.
type EventFilter struct {
	StartTime  time.Time
	EndTime    time.Time
	ResourceID string
	Type       EventType
	Severity   EventSeverity
	Limit      int
}

// EventEmitter emits structured events with tracing and persistence.
type EventEmitter struct {
	service *Service
	logger  *zap.Logger
	storage EventStorage
}

// NewEventEmitter creates an event emitter. Storage may be nil, in
// which case events are logged and traced only.
func NewEventEmitter(service *Service, logger *zap.Logger, storage EventStorage) *EventEmitter {
	return &EventEmitter{
		service: service,
		logger:  logger,
		storage: storage,
	}
}

// EmitHealthChange emits a health transition event. Severity tracks the
// level being entered.
func (e *EventEmitter) EmitHealthChange(ctx context.Context, resourceID string, details HealthChangeDetails) error {
	severity := SeverityInfo
	switch details.NewLevel {
	case "elevated":
		severity = SeverityWarning
	case "saturated":
		severity = SeverityError
	case "critical":
		severity = SeverityCritical
	}

	return e.emit(ctx, Event{
		ID:         generateEventID(),
		Type:       EventTypeHealthChange,
		Timestamp:  time.Now(),
		ResourceID: resourceID,
		Summary: fmt.Sprintf("Health changed from %s to %s (%s)",
			details.PreviousLevel, details.NewLevel, details.Reason),
		Details:  structToMap(details),
		Severity: severity,
	})
}

// EmitScalingDecision emits a scaling decision event.
func (e *EventEmitter) EmitScalingDecision(ctx context.Context, resourceID string, details ScalingDecisionDetails) error {
	return e.emit(ctx, Event{
		ID:         generateEventID(),
		Type:       EventTypeScalingDecision,
		Timestamp:  time.Now(),
		ResourceID: resourceID,
		Summary: fmt.Sprintf("Pool %s from %d to %d consumers (%s)",
			details.Action, details.CurrentSize, details.TargetSize, details.Reason),
		Details:  structToMap(details),
		Severity: SeverityInfo,
	})
}

// EmitDetection emits a detection cycle event.
func (e *EventEmitter) EmitDetection(ctx context.Context, details DetectionDetails) error {
	severity := SeverityInfo
	if len(details.StarvingClasses) > 0 {
		severity = SeverityWarning
	}

	summary := fmt.Sprintf("Detection cycle %d completed", details.Cycle)
	if details.TopResource != "" {
		summary = fmt.Sprintf("Detection cycle %d: top bottleneck %s (severity %.1f)",
			details.Cycle, details.TopResource, details.TopSeverity)
	}

	return e.emit(ctx, Event{
		ID:        generateEventID(),
		Type:      EventTypeDetection,
		Timestamp: time.Now(),
		Summary:   summary,
		Details:   structToMap(details),
		Severity:  severity,
	})
}

// EmitConfiguration emits a configuration lifecycle event.
func (e *EventEmitter) EmitConfiguration(ctx context.Context, details ConfigurationDetails) error {
	severity := SeverityInfo
	if len(details.Errors) > 0 {
		severity = SeverityError
	}

	return e.emit(ctx, Event{
		ID:        generateEventID(),
		Type:      EventTypeConfiguration,
		Timestamp: time.Now(),
		Summary:   fmt.Sprintf("Configuration %s with %d resources", details.Action, details.Resources),
		Details:   structToMap(details),
		Severity:  severity,
	})
}

// GetEvents retrieves events from storage.
func (e *EventEmitter) GetEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	if e.storage == nil {
		return nil, fmt.Errorf("event storage not configured")
	}
	return e.storage.GetEvents(ctx, filter)
}

func (e *EventEmitter) emit(ctx context.Context, event Event) error {
	if span := oteltrace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		event.CorrelationID = span.SpanContext().TraceID().String()
	}

	if e.service.IsEnabled() {
		_, span := e.service.Tracer().Start(ctx, "event.emit",
			oteltrace.WithAttributes(
				attribute.String("event.type", string(event.Type)),
				attribute.String("event.resource_id", event.ResourceID),
				attribute.String("event.severity", string(event.Severity)),
			),
		)
		defer span.End()
	}

	if e.storage != nil {
		if err := e.storage.StoreEvent(ctx, event); err != nil {
			e.logger.Error("Failed to store event",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.Error(err))
			return err
		}
	}

	e.logger.Info("Event emitted",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("resource_id", event.ResourceID),
		zap.String("summary", event.Summary),
		zap.String("severity", string(event.Severity)))
	return nil
}

func generateEventID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("evt_%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("evt_%s", hex.EncodeToString(bytes))
}

func structToMap(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return make(map[string]interface{})
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return make(map[string]interface{})
	}
	return result
}
