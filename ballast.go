// Package ballast wires the durability and resilience core of a
// multi-agent conversation runtime: durable session state, a
// replayable event log, agent liveness monitoring, and an ordered
// shutdown that drains everything within a hard deadline.
//
// One Core is constructed at process start and owned by the top-level
// server process; its lifecycle is the process lifecycle.
package ballast

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/ballast-ai/ballast/pkg/config"
	"github.com/ballast-ai/ballast/pkg/eventlog"
	"github.com/ballast-ai/ballast/pkg/health"
	"github.com/ballast-ai/ballast/pkg/observability"
	"github.com/ballast-ai/ballast/pkg/session"
	"github.com/ballast-ai/ballast/pkg/storage"

	// Storage drivers register themselves on import.
	_ "github.com/ballast-ai/ballast/pkg/storage/file"
	_ "github.com/ballast-ai/ballast/pkg/storage/memory"
	_ "github.com/ballast-ai/ballast/pkg/storage/redis"
	_ "github.com/ballast-ai/ballast/pkg/storage/sqlite"
)

// Core owns the durability layer's components. Consumers reach the
// session store, event log, and health monitor through it; everything
// else in the process treats the core as a black box.
type Core struct {
	cfg *config.Config

	Backend  storage.Backend
	Events   *eventlog.Log
	Sessions *session.Manager
	Health   *health.Monitor
	Checker  *observability.HealthChecker

	mu      sync.Mutex
	started bool
	stopped bool
}

// New constructs and wires a Core from configuration: storage backend,
// event log, session manager, health monitor, and health checker.
// Nothing periodic runs until Start.
func New(ctx context.Context, cfg *config.Config) (*Core, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	backend, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage backend: %w", err)
	}

	events, err := eventlog.Open(eventlog.Options{
		Dir:                cfg.EventLog.Dir,
		FlushEvents:        cfg.EventLog.FlushEvents,
		FlushInterval:      cfg.EventLog.FlushInterval,
		Retention:          cfg.EventLog.Retention,
		CompactionSchedule: cfg.EventLog.CompactionSchedule,
	})
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("open event log: %w", err)
	}

	sessions, err := session.NewManager(backend, events, session.Config{
		TTL:             cfg.Session.TTL,
		MaxSessionBytes: cfg.Session.MaxBytes,
		SweepSchedule:   cfg.Session.SweepSchedule,
		ExpiryPolicy:    cfg.Session.ExpiryPolicy,
		CacheSize:       cfg.Session.CacheSize,
		DrainTimeout:    cfg.Session.DrainTimeout,
	})
	if err != nil {
		_ = events.Close(ctx)
		_ = backend.Close()
		return nil, fmt.Errorf("create session manager: %w", err)
	}

	monitor, err := health.NewMonitor(events, sessions, health.Options{
		TickInterval:             cfg.Health.TickInterval,
		DefaultHeartbeatInterval: cfg.Health.HeartbeatInterval,
		DefaultTimeout:           cfg.Health.Timeout,
		MaxRecoveryAttempts:      cfg.Health.MaxRecoveryAttempts,
		RecoveryBackoff:          cfg.Health.RecoveryBackoff,
		ProbeTimeout:             cfg.Health.ProbeTimeout,
	})
	if err != nil {
		_ = events.Close(ctx)
		_ = backend.Close()
		return nil, fmt.Errorf("create health monitor: %w", err)
	}

	checker := observability.NewHealthChecker(Version)
	checker.RegisterCheck(observability.StorageCheck(backend.HealthCheck))
	checker.RegisterCheck(observability.ComponentCheck("agents", func(ctx context.Context) error {
		st := monitor.Health()
		if st.Overall == observability.HealthStatusUnhealthy {
			return fmt.Errorf("%d disconnected, %d failed agents", st.Disconnected, st.Failed)
		}
		return nil
	}))

	return &Core{
		cfg:      cfg,
		Backend:  backend,
		Events:   events,
		Sessions: sessions,
		Health:   monitor,
		Checker:  checker,
	}, nil
}

// Start begins the periodic work: expiry sweeps and retention
// compaction schedules. The health monitor starts per-agent tickers on
// registration, not here.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("core already started")
	}
	c.started = true
	c.Sessions.Start()
	log.Printf("[Core] Started (driver: %s, session TTL: %s, retention: %s)",
		c.cfg.Storage.Driver, c.cfg.Session.TTL, c.cfg.EventLog.Retention)
	return nil
}

// Stats reports the storage backend's counters.
func (c *Core) Stats(ctx context.Context) (*storage.Stats, error) {
	return c.Backend.Stats(ctx)
}

// Version is set via ldflags at build time.
var Version = "dev"
