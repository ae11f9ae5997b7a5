// Package app assembles the queuepilot components and owns their
// lifecycle.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cboxdk/queuepilot/internal/api"
	"github.com/cboxdk/queuepilot/internal/config"
	"github.com/cboxdk/queuepilot/internal/engine"
	"github.com/cboxdk/queuepilot/internal/prometheus"
	"github.com/cboxdk/queuepilot/internal/storage"
	"github.com/cboxdk/queuepilot/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Manager coordinates all system components.
type Manager struct {
	config *config.Config
	logger *zap.Logger

	store            *storage.AuditStore
	telemetryService *telemetry.Service
	eventEmitter     *telemetry.EventEmitter
	exporter         *prometheus.Exporter
	engine           *engine.Engine
	server           *api.Server

	mu        sync.Mutex
	running   bool
	startTime time.Time
}

// NewManager builds all components from validated configuration.
func NewManager(cfg *config.Config, logger *zap.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	store, err := storage.NewAuditStore(cfg.Storage, logger.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("failed to create audit store: %w", err)
	}

	telemetryService, err := telemetry.NewService(telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Environment:    cfg.Telemetry.Environment,
		Exporter: telemetry.ExporterConfig{
			Type:     cfg.Telemetry.Exporter.Type,
			Endpoint: cfg.Telemetry.Exporter.Endpoint,
			Headers:  cfg.Telemetry.Exporter.Headers,
		},
		Sampling: telemetry.SamplingConfig{Rate: cfg.Telemetry.Sampling.Rate},
	}, logger.Named("telemetry"))
	if err != nil {
		store.Stop(context.Background())
		return nil, fmt.Errorf("failed to create telemetry service: %w", err)
	}

	eventEmitter := telemetry.NewEventEmitter(telemetryService, logger.Named("events"), store)
	exporter := prometheus.NewExporter(logger.Named("prometheus"))

	eng, err := engine.New(cfg, logger.Named("engine"), engine.Options{
		Metrics:   exporter,
		Audit:     store,
		Emitter:   eventEmitter,
		Telemetry: telemetryService,
	})
	if err != nil {
		store.Stop(context.Background())
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	server := api.NewServer(cfg.Server, eng, eventEmitter, exporter.Handler(), logger.Named("api"))

	return &Manager{
		config:           cfg,
		logger:           logger,
		store:            store,
		telemetryService: telemetryService,
		eventEmitter:     eventEmitter,
		exporter:         exporter,
		engine:           eng,
		server:           server,
	}, nil
}

// Engine exposes the engine for embedding callers and tests.
func (m *Manager) Engine() *engine.Engine {
	return m.engine
}

// Run starts all components and blocks until the context is cancelled
// or a component fails.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("manager already running")
	}
	m.running = true
	m.startTime = time.Now()
	m.mu.Unlock()

	if err := m.store.Start(ctx); err != nil {
		return fmt.Errorf("failed to start audit store: %w", err)
	}

	_ = m.eventEmitter.EmitConfiguration(ctx, telemetry.ConfigurationDetails{
		Action:    "loaded",
		Resources: len(m.config.Resources),
	})

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.engine.Run(runCtx)
	})
	g.Go(func() error {
		return m.server.Start(runCtx)
	})
	g.Go(func() error {
		<-runCtx.Done()
		return m.server.Stop(context.Background())
	})

	m.logger.Info("queuepilot started",
		zap.Int("resources", len(m.config.Resources)),
		zap.String("bind_address", m.config.Server.BindAddress))

	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if stopErr := m.telemetryService.Stop(stopCtx); stopErr != nil {
		m.logger.Warn("Telemetry shutdown failed", zap.Error(stopErr))
	}
	if stopErr := m.store.Stop(stopCtx); stopErr != nil {
		m.logger.Warn("Audit store shutdown failed", zap.Error(stopErr))
	}

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	m.logger.Info("queuepilot stopped", zap.Duration("uptime", time.Since(m.startTime)))

	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}
