// Package janus is the one exported entry point for assembling a
// complete engine instance: load configuration, build the cache,
// optional remote mirror, store, file-system model, operation-history
// log, optional metrics HTTP endpoint, engine, obliteration subsystem,
// and optional health HTTP endpoint, in that dependency order. External tooling (the CLI/TUI,
// out of scope here) imports this package rather than the internal/
// packages it wires together.
package janus

import (
	"context"
	"fmt"
	"os"

	"github.com/januskey/januskey/internal/cache"
	"github.com/januskey/januskey/internal/config"
	"github.com/januskey/januskey/internal/engine"
	"github.com/januskey/januskey/internal/fsmodel"
	"github.com/januskey/januskey/internal/health"
	"github.com/januskey/januskey/internal/historylog"
	"github.com/januskey/januskey/internal/logging"
	"github.com/januskey/januskey/internal/metrics"
	"github.com/januskey/januskey/internal/obliteration"
	"github.com/januskey/januskey/internal/remote"
	"github.com/januskey/januskey/internal/store"
)

// System bundles one managed root's fully wired stack. The zero value
// is not usable; construct with Open.
type System struct {
	Config      *config.Configuration
	Engine      *engine.Engine
	Obliterator *obliteration.Obliterator
	Model       *fsmodel.Model
	Store       *store.Store
	HistoryLog  *historylog.Log
	Metrics     *metrics.Collector // nil unless monitoring.metrics_enabled
	Health      *health.Checker    // nil unless monitoring.health_check_enabled
	mirror      *remote.Mirror     // nil unless remote.enabled
}

// Open reads the environment overlay onto cfg, validates it, and wires
// every component spec §6 describes for one managed root. The caller
// owns the returned System and must call Close when done. ctx bounds
// any background goroutines Open starts (metrics server, health check
// loop); it does not bound Open itself.
func Open(ctx context.Context, cfg *config.Configuration) (*System, error) {
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("janus: load env overlay: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("janus: invalid configuration: %w", err)
	}

	level, err := logging.ParseLevel(cfg.Global.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("janus: %w", err)
	}
	log := logging.NewStdout(level, "januskey")

	var storeOpts []store.Option
	if cfg.Cache.Enabled {
		storeOpts = append(storeOpts, store.WithCache(cache.New(cfg.Cache.MaxEntries, cfg.Cache.MaxBytes)))
	}
	var mirror *remote.Mirror
	if cfg.Remote.Enabled {
		mirror = remote.NewMirror(cfg.Remote, log)
		if err := mirror.Connect(ctx); err != nil {
			return nil, fmt.Errorf("janus: connect remote mirror: %w", err)
		}
		storeOpts = append(storeOpts, store.WithMirror(mirror))
	}

	st, err := store.New(cfg.Store.ManagedRoot, cfg.Store.ShardWidth, log, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("janus: open store: %w", err)
	}

	model, err := fsmodel.New(cfg.Store.ManagedRoot, st, log)
	if err != nil {
		return nil, fmt.Errorf("janus: open file-system model: %w", err)
	}

	var engineOpts []engine.Option
	var hl *historylog.Log
	var records []historylog.Record
	if cfg.Store.HistoryLogPath != "" {
		hl, records, err = historylog.Open(cfg.Store.HistoryLogPath)
		if err != nil {
			return nil, fmt.Errorf("janus: open history log: %w", err)
		}
		engineOpts = append(engineOpts, engine.WithHistoryLog(hl))
	}

	var mc *metrics.Collector
	if cfg.Monitoring.MetricsEnabled {
		mc, err = metrics.NewCollector(&metrics.Config{
			Enabled: true,
			Port:    cfg.Global.MetricsPort,
		})
		if err != nil {
			return nil, fmt.Errorf("janus: start metrics collector: %w", err)
		}
		if err := mc.Start(ctx); err != nil {
			return nil, fmt.Errorf("janus: start metrics server: %w", err)
		}
		engineOpts = append(engineOpts, engine.WithMetrics(mc))
	}

	eng := engine.New(model, st, log, engineOpts...)
	if len(records) > 0 {
		eng.Seed(records)
	}

	audit, err := obliteration.OpenAuditLog(cfg.Obliteration.AuditLogPath)
	if err != nil {
		return nil, fmt.Errorf("janus: open obliteration audit log: %w", err)
	}
	obliterator := obliteration.New(st, audit, eng, log,
		obliteration.WithMinPasses(cfg.Obliteration.MinOverwritePasses),
		obliteration.WithBatchConcurrency(cfg.Obliteration.BatchConcurrency),
	)

	var checker *health.Checker
	if cfg.Monitoring.HealthCheckEnabled {
		checker, err = health.NewChecker(&health.Config{
			Enabled:       true,
			CheckInterval: cfg.Monitoring.HealthCheckPeriod,
			HTTPEnabled:   cfg.Global.HealthPort != 0,
			HTTPPort:      cfg.Global.HealthPort,
		})
		if err != nil {
			return nil, fmt.Errorf("janus: start health checker: %w", err)
		}
		_ = checker.RegisterCheck("managed root", "managed root directory is reachable",
			health.CategoryStorage, health.PriorityCritical, func(ctx context.Context) error {
				if _, err := os.Stat(model.Root()); err != nil {
					return err
				}
				return nil
			})
		_ = checker.RegisterCheck("file-system model", "managed root tree is consistent with stored content",
			health.CategoryCore, health.PriorityCritical, func(ctx context.Context) error {
				return model.Validate(ctx)
			})
		if mirror != nil {
			_ = checker.RegisterCheck("remote mirror", "remote mirror connection is healthy",
				health.CategoryNetwork, health.PriorityMedium, func(ctx context.Context) error {
					if !mirror.Stats().Connected {
						return fmt.Errorf("remote mirror is not connected")
					}
					return nil
				})
		}
		if err := checker.Start(ctx); err != nil {
			return nil, fmt.Errorf("janus: start health check loop: %w", err)
		}
	}

	return &System{
		Config:      cfg,
		Engine:      eng,
		Obliterator: obliterator,
		Model:       model,
		Store:       st,
		HistoryLog:  hl,
		Metrics:     mc,
		Health:      checker,
		mirror:      mirror,
	}, nil
}

// Close releases the system's file handles and background goroutines.
func (s *System) Close(ctx context.Context) error {
	var firstErr error
	if s.HistoryLog != nil {
		if err := s.HistoryLog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.Metrics != nil {
		if err := s.Metrics.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.Health != nil {
		if err := s.Health.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.mirror != nil {
		if err := s.mirror.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
