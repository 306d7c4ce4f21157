// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

// Cordond runs the sandbox fleet: it wires the security guardian,
// audit trail, resource monitor, and container engine into a sandbox
// manager and keeps them running until shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cordon-systems/cordon/audit"
	"github.com/cordon-systems/cordon/engine/dockercli"
	"github.com/cordon-systems/cordon/guardian"
	"github.com/cordon-systems/cordon/lib/config"
	"github.com/cordon-systems/cordon/lib/version"
	"github.com/cordon-systems/cordon/manager"
	"github.com/cordon-systems/cordon/monitor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var logLevel string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "path to config file (or set CORDON_CONFIG)")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("cordond %s\n", version.Info())
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid -log-level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("starting cordond", "version", version.Info())

	if err := os.MkdirAll(cfg.Paths.WorkRoot, 0o755); err != nil {
		return fmt.Errorf("creating work root: %w", err)
	}

	auditLogger, err := audit.Open(audit.Config{
		Path:     cfg.Paths.AuditDB,
		PoolSize: cfg.Audit.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditLogger.Close()

	rules, err := cfg.GuardianRules()
	if err != nil {
		return fmt.Errorf("invalid guardian rules: %w", err)
	}
	g, err := guardian.New(guardian.Config{
		Rules:           rules,
		ACLs:            cfg.GuardianACLs(),
		ApprovedAgents:  cfg.Guardian.ApprovedAgents,
		HighRiskTimeout: config.Duration(cfg.Guardian.HighRiskTimeout, 0),
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build guardian: %w", err)
	}
	summary := g.SecuritySummary()
	logger.Info("guardian ready",
		"rules", summary.TotalRules,
		"acls", summary.ACLCount,
		"approved_agents", len(summary.ApprovedAgents),
	)

	eng := dockercli.New(dockercli.Config{
		Binary: cfg.Engine.Binary,
		Logger: logger,
	})

	mon, err := monitor.New(monitor.Config{
		Engine:   eng,
		Audit:    auditLogger,
		Interval: config.Duration(cfg.Monitor.Interval, 5*time.Second),
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build monitor: %w", err)
	}
	if err := mon.Start(); err != nil {
		return fmt.Errorf("failed to start monitor: %w", err)
	}
	defer mon.Stop()

	mgr, err := manager.New(manager.Config{
		Guardian:              g,
		Audit:                 auditLogger,
		Monitor:               mon,
		Engine:                eng,
		MaxSandboxes:          cfg.Manager.MaxSandboxes,
		IdleTimeout:           config.Duration(cfg.Manager.IdleTimeout, 30*time.Minute),
		RequireApproval:       cfg.Manager.RequireApproval,
		DefaultImage:          cfg.Engine.DefaultImage,
		DefaultLimits:         cfg.Manager.Limits,
		DefaultNetworkMode:    cfg.Engine.NetworkMode,
		DefaultCommandTimeout: config.Duration(cfg.Manager.CommandTimeout, 30*time.Second),
		Logger:                logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build manager: %w", err)
	}
	mgr.Start()
	defer mgr.Stop()

	logger.Info("cordond ready",
		"max_sandboxes", cfg.Manager.MaxSandboxes,
		"engine", cfg.Engine.Binary,
		"audit_db", cfg.Paths.AuditDB,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Audit.RetentionDays > 0 {
		go retentionLoop(ctx, auditLogger, cfg.Audit.RetentionDays, logger)
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := mgr.Cleanup(shutdownCtx); err != nil {
		logger.Warn("fleet cleanup finished with errors", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// retentionLoop prunes expired audit entries once a day.
func retentionLoop(ctx context.Context, auditLogger *audit.Logger, keepDays int, logger *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := auditLogger.CleanupOld(ctx, keepDays)
			if err != nil {
				logger.Error("audit retention cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				logger.Info("audit retention cleanup", "deleted", deleted, "keep_days", keepDays)
			}
		}
	}
}
