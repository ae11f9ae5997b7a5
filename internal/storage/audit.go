// Package storage persists the engine's externally observable outputs:
// health transitions, scaling decisions and operational events. The
// audit trail is what lets the dashboard/alerting layer explain every
// transition after the fact; the engine itself never reads it back for
// decision making.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cboxdk/queuepilot/internal/config"
	"github.com/cboxdk/queuepilot/internal/resilience"
	"github.com/cboxdk/queuepilot/internal/telemetry"
	"github.com/cboxdk/queuepilot/internal/types"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	resource_id TEXT,
	summary TEXT NOT NULL,
	details TEXT NOT NULL,
	correlation_id TEXT,
	severity TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_resource ON events(resource_id, timestamp);

CREATE TABLE IF NOT EXISTS health_transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	resource_id TEXT NOT NULL,
	from_level TEXT NOT NULL,
	to_level TEXT NOT NULL,
	roll INTEGER NOT NULL,
	at DATETIME NOT NULL,
	reason TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_resource ON health_transitions(resource_id, at);

CREATE TABLE IF NOT EXISTS scaling_decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	resource_id TEXT NOT NULL,
	action TEXT NOT NULL,
	current_size INTEGER NOT NULL,
	target_size INTEGER NOT NULL,
	reason TEXT NOT NULL,
	issued_at_tick INTEGER NOT NULL,
	cooldown_until_tick INTEGER NOT NULL,
	issued_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_resource ON scaling_decisions(resource_id, issued_at);
`

// AuditStore is a SQLite-backed audit trail. Writes go through a
// circuit breaker so a wedged database degrades to dropped audit rows
// rather than blocked control loops.
type AuditStore struct {
	config  config.StorageConfig
	logger  *zap.Logger
	db      *sql.DB
	breaker *resilience.Breaker

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewAuditStore opens (or creates) the audit database.
func NewAuditStore(cfg config.StorageConfig, logger *zap.Logger) (*AuditStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=10000&_synchronous=NORMAL", cfg.DatabasePath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info("Audit store opened",
		zap.String("database_path", cfg.DatabasePath),
		zap.Duration("retention", cfg.Retention))

	return &AuditStore{
		config:  cfg,
		logger:  logger,
		db:      db,
		breaker: resilience.NewBreaker("audit-db", resilience.DefaultSettings(), logger),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the periodic retention cleanup.
func (s *AuditStore) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("audit store already running")
	}
	s.running = true

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Cleanup(context.Background()); err != nil {
					s.logger.Warn("Audit cleanup failed", zap.Error(err))
				}
			case <-s.stop:
				return
			}
		}
	}()
	return nil
}

// Stop halts background cleanup and closes the database.
func (s *AuditStore) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.running = false
		close(s.stop)
		s.mu.Unlock()
		<-s.done
	} else {
		s.mu.Unlock()
	}
	return s.db.Close()
}

// Cleanup deletes rows older than the configured retention.
func (s *AuditStore) Cleanup(ctx context.Context) error {
	cutoff := time.Now().Add(-s.config.Retention)

	for _, stmt := range []string{
		`DELETE FROM events WHERE timestamp < ?`,
		`DELETE FROM health_transitions WHERE at < ?`,
		`DELETE FROM scaling_decisions WHERE issued_at < ?`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt, cutoff); err != nil {
			return fmt.Errorf("cleanup failed: %w", err)
		}
	}
	return nil
}

// RecordTransition persists one health transition.
func (s *AuditStore) RecordTransition(ctx context.Context, t types.HealthTransition) error {
	return s.breaker.Do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO health_transitions (resource_id, from_level, to_level, roll, at, reason)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			t.ResourceID, t.From.String(), t.To.String(), t.Roll, t.At, t.Reason)
		if err != nil {
			return fmt.Errorf("failed to record transition: %w", err)
		}
		return nil
	})
}

// RecordDecision persists one scaling decision.
func (s *AuditStore) RecordDecision(ctx context.Context, d types.ScalingDecision) error {
	return s.breaker.Do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO scaling_decisions (resource_id, action, current_size, target_size, reason, issued_at_tick, cooldown_until_tick, issued_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ResourceID, string(d.Action), d.CurrentSize, d.TargetSize, d.Reason,
			d.IssuedAtTick, d.CooldownUntilTick, d.IssuedAt)
		if err != nil {
			return fmt.Errorf("failed to record decision: %w", err)
		}
		return nil
	})
}

// RecentTransitions returns the latest transitions for a resource,
// newest first.
func (s *AuditStore) RecentTransitions(ctx context.Context, resourceID string, limit int) ([]types.HealthTransition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT resource_id, from_level, to_level, roll, at, reason
		 FROM health_transitions WHERE resource_id = ? ORDER BY id DESC LIMIT ?`,
		resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []types.HealthTransition
	for rows.Next() {
		var t types.HealthTransition
		var from, to string
		if err := rows.Scan(&t.ResourceID, &from, &to, &t.Roll, &t.At, &t.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.From = parseLevel(from)
		t.To = parseLevel(to)
		out = append(out, t)
	}
	return out, rows.Err()
}

// StoreEvent implements telemetry.EventStorage.
func (s *AuditStore) StoreEvent(ctx context.Context, event telemetry.Event) error {
	detailsJSON, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal event details: %w", err)
	}

	return s.breaker.Do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO events (id, type, timestamp, resource_id, summary, details, correlation_id, severity)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			event.ID, string(event.Type), event.Timestamp, event.ResourceID,
			event.Summary, string(detailsJSON), event.CorrelationID, string(event.Severity))
		if err != nil {
			return fmt.Errorf("failed to store event: %w", err)
		}
		return nil
	})
}

// GetEvents implements telemetry.EventStorage.
func (s *AuditStore) GetEvents(ctx context.Context, filter telemetry.EventFilter) ([]telemetry.Event, error) {
	query := `SELECT id, type, timestamp, resource_id, summary, details, correlation_id, severity FROM events WHERE 1=1`
	var args []interface{}

	if !filter.StartTime.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, filter.EndTime)
	}
	if filter.ResourceID != "" {
		query += ` AND resource_id = ?`
		args = append(args, filter.ResourceID)
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(filter.Severity))
	}
	query += ` ORDER BY timestamp DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []telemetry.Event
	for rows.Next() {
		var event telemetry.Event
		var detailsJSON string
		var eventType, severity string
		var resourceID, correlationID sql.NullString

		if err := rows.Scan(&event.ID, &eventType, &event.Timestamp, &resourceID,
			&event.Summary, &detailsJSON, &correlationID, &severity); err != nil {
			s.logger.Error("Failed to scan event row", zap.Error(err))
			continue
		}

		event.Type = telemetry.EventType(eventType)
		event.Severity = telemetry.EventSeverity(severity)
		event.ResourceID = resourceID.String
		event.CorrelationID = correlationID.String
		if err := json.Unmarshal([]byte(detailsJSON), &event.Details); err != nil {
			event.Details = make(map[string]interface{})
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func parseLevel(s string) types.HealthLevel {
	switch s {
	case "elevated":
		return types.HealthElevated
	case "saturated":
		return types.HealthSaturated
	case "critical":
		return types.HealthCritical
	default:
		return types.HealthNormal
	}
}
