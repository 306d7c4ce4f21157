// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

// Package manager owns the sandbox fleet: capacity enforcement,
// per-sandbox serialization, the idle reaper, and agent-scoped
// teardown. The manager is the only component that creates and
// destroys Sandbox values; everything below it (guardian, audit,
// monitor, engine) is shared plumbing it wires in.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cordon-systems/cordon/audit"
	"github.com/cordon-systems/cordon/engine"
	"github.com/cordon-systems/cordon/guardian"
	"github.com/cordon-systems/cordon/lib/clock"
	"github.com/cordon-systems/cordon/monitor"
	"github.com/cordon-systems/cordon/sandbox"
)

const (
	defaultMaxSandboxes  = 10
	defaultIdleTimeout   = 30 * time.Minute
	defaultCleanupWorker = 4
)

// Config holds the parameters for constructing a Manager.
type Config struct {
	Guardian *guardian.Guardian
	Audit    *audit.Logger
	Monitor  *monitor.Monitor
	Engine   engine.Engine

	// MaxSandboxes caps the fleet. Zero means 10.
	MaxSandboxes int

	// IdleTimeout is how long a sandbox may sit without activity
	// before the reaper removes it. Zero means 30 minutes; negative
	// disables reaping.
	IdleTimeout time.Duration

	// CleanupConcurrency bounds parallel teardown in Cleanup and
	// KillAgentSandboxes. Zero means 4.
	CleanupConcurrency int

	// RequireApproval makes CreateSandbox reject agents that have not
	// been explicitly approved on the Guardian. When false, a first
	// CreateSandbox call approves the agent implicitly.
	RequireApproval bool

	// DefaultImage is used when a create request names no image.
	DefaultImage string

	// DefaultLimits apply when a create request carries no limits.
	DefaultLimits guardian.ResourceLimits

	// DefaultNetworkMode is used when a request names no network mode.
	DefaultNetworkMode string

	// DefaultCommandTimeout is passed to sandboxes that set none.
	DefaultCommandTimeout time.Duration

	// Clock drives the reaper and timestamps. Nil means the real
	// clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// CreateRequest describes one sandbox to create.
type CreateRequest struct {
	// AgentID is the owning tenant. Required.
	AgentID string

	AgentVersion string

	// Image overrides the manager's default image.
	Image string

	Command     []string
	WorkDir     string
	HostWorkDir string
	ExtraBinds  []guardian.VolumeBinding
	NetworkMode string

	// Limits override the manager's defaults when any field is set.
	Limits *guardian.ResourceLimits

	CommandTimeout time.Duration
	Tags           map[string]string
}

// Stats is the manager-level snapshot.
type Stats struct {
	ActiveSandboxes int
	MaxSandboxes    int
	AgentCount      int
	CreatedTotal    int
	ReapedTotal     int
}

// ComprehensiveStats composes the manager, guardian, monitor, and
// audit store views into one report.
type ComprehensiveStats struct {
	Manager  Stats
	Guardian guardian.Summary
	Monitor  monitor.Stats
	Database audit.DatabaseStats

	// Agents holds a recent audit summary per agent with live
	// sandboxes.
	Agents map[string]audit.AgentSummary
}

// slot is the manager's record of one sandbox. Its mutex serializes
// all operations on that sandbox; the manager's own mutex only guards
// the maps.
type slot struct {
	mu sync.Mutex
	sb *sandbox.Sandbox

	// lastUsed is set on release of the slot lock, so even read-only
	// scoped operations refresh the idle window. Guarded by mu.
	lastUsed time.Time
}

// Manager owns the fleet.
type Manager struct {
	cfg      Config
	guardian *guardian.Guardian
	audit    *audit.Logger
	monitor  *monitor.Monitor
	engine   engine.Engine
	clock    clock.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	slots    map[string]*slot
	agents   map[string]map[string]bool // agent id -> sandbox ids
	reserved int // in-flight creations holding a capacity slot
	created  int
	reaped   int

	stop     chan struct{}
	done     chan struct{}
	started  bool
	stopOnce sync.Once
}

// New validates the configuration and returns a Manager. The idle
// reaper does not run until Start.
func New(cfg Config) (*Manager, error) {
	if cfg.Guardian == nil || cfg.Audit == nil || cfg.Monitor == nil || cfg.Engine == nil {
		return nil, fmt.Errorf("manager: Guardian, Audit, Monitor, and Engine are required")
	}
	if cfg.MaxSandboxes == 0 {
		cfg.MaxSandboxes = defaultMaxSandboxes
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.CleanupConcurrency <= 0 {
		cfg.CleanupConcurrency = defaultCleanupWorker
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Manager{
		cfg:      cfg,
		guardian: cfg.Guardian,
		audit:    cfg.Audit,
		monitor:  cfg.Monitor,
		engine:   cfg.Engine,
		clock:    clk,
		logger:   logger,
		slots:    make(map[string]*slot),
		agents:   make(map[string]map[string]bool),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// CreateSandbox provisions a new sandbox for an agent. Capacity is
// checked before any engine work; a full fleet returns CapacityError
// without side effects. The sandbox id is assigned here and is the
// handle for every later call.
func (m *Manager) CreateSandbox(ctx context.Context, req CreateRequest) (string, error) {
	if req.AgentID == "" {
		return "", fmt.Errorf("manager: AgentID is required")
	}

	// Reserve a capacity slot before any engine work. Provisioning
	// runs outside the lock; the reservation keeps concurrent creates
	// from overshooting the ceiling meanwhile.
	m.mu.Lock()
	active := len(m.slots) + m.reserved
	if active >= m.cfg.MaxSandboxes {
		m.mu.Unlock()
		return "", &CapacityError{Active: active, Max: m.cfg.MaxSandboxes}
	}
	m.reserved++
	m.mu.Unlock()
	committed := false
	defer func() {
		if !committed {
			m.mu.Lock()
			m.reserved--
			m.mu.Unlock()
		}
	}()

	if !m.guardian.IsApproved(req.AgentID) {
		if m.cfg.RequireApproval {
			return "", &sandbox.PolicyDeniedError{
				Operation: "create_sandbox",
				Reason:    fmt.Sprintf("agent %q is not approved", req.AgentID),
				Risk:      guardian.RiskHigh,
			}
		}
		m.guardian.ApproveAgent(req.AgentID)
		m.logger.Info("implicitly approved agent", "agent_id", req.AgentID)
		if err := m.audit.Log(ctx, audit.Entry{
			AgentID:       req.AgentID,
			OperationType: audit.OpGuardianApproval,
			Status:        audit.StatusSuccess,
			Details:       map[string]any{"reason": "implicit approval on first sandbox"},
		}); err != nil {
			m.logger.Error("failed to audit agent approval", "agent_id", req.AgentID, "error", err)
		}
	}

	image := req.Image
	if image == "" {
		image = m.cfg.DefaultImage
	}
	if image == "" {
		return "", fmt.Errorf("manager: no image requested and no default configured")
	}
	if err := m.engine.EnsureImage(ctx, image); err != nil {
		return "", fmt.Errorf("manager: ensuring image %s: %w", image, err)
	}

	limits := m.cfg.DefaultLimits
	if req.Limits != nil {
		limits = *req.Limits
	}
	networkMode := req.NetworkMode
	if networkMode == "" {
		networkMode = m.cfg.DefaultNetworkMode
	}
	cmdTimeout := req.CommandTimeout
	if cmdTimeout == 0 {
		cmdTimeout = m.cfg.DefaultCommandTimeout
	}

	id := "sb-" + uuid.NewString()
	sb, err := sandbox.New(sandbox.Config{
		ID:             id,
		AgentID:        req.AgentID,
		AgentVersion:   req.AgentVersion,
		Image:          image,
		Command:        req.Command,
		WorkDir:        req.WorkDir,
		HostWorkDir:    req.HostWorkDir,
		ExtraBinds:     req.ExtraBinds,
		NetworkMode:    networkMode,
		Limits:         limits,
		CommandTimeout: cmdTimeout,
		Tags:           req.Tags,
		Guardian:       m.guardian,
		Audit:          m.audit,
		Monitor:        m.monitor,
		Engine:         m.engine,
		Clock:          m.clock,
		Logger:         m.logger,
	})
	if err != nil {
		return "", err
	}
	if err := sb.Create(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.reserved--
	committed = true
	m.slots[id] = &slot{sb: sb}
	if m.agents[req.AgentID] == nil {
		m.agents[req.AgentID] = make(map[string]bool)
	}
	m.agents[req.AgentID][id] = true
	m.created++
	m.mu.Unlock()

	m.logger.Info("sandbox registered",
		"sandbox_id", id,
		"agent_id", req.AgentID,
		"image", image,
	)
	return id, nil
}

// lookup returns the slot for id.
func (m *Manager) lookup(id string) (*slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return nil, &NotFoundError{SandboxID: id}
	}
	return s, nil
}

// WithSandbox runs fn with exclusive access to the sandbox. Calls for
// the same id serialize; calls for different ids run concurrently.
// The idle window is refreshed on release.
func (m *Manager) WithSandbox(id string, fn func(*sandbox.Sandbox) error) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer func() {
		s.lastUsed = m.clock.Now()
		s.mu.Unlock()
	}()
	return fn(s.sb)
}

// RunCommand executes a command in the sandbox under its slot lock.
func (m *Manager) RunCommand(ctx context.Context, id, command string, timeout time.Duration) (engine.ExecResult, error) {
	var result engine.ExecResult
	err := m.WithSandbox(id, func(sb *sandbox.Sandbox) error {
		var runErr error
		result, runErr = sb.RunCommand(ctx, command, timeout)
		return runErr
	})
	return result, err
}

// DeleteSandbox tears the sandbox down and releases its capacity.
// Deleting an unknown id returns NotFoundError; cleanup failures are
// audited and logged by the sandbox, never returned, and do not block
// the release.
func (m *Manager) DeleteSandbox(ctx context.Context, id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.sb.Cleanup(ctx)
	m.unregister(id, s.sb.AgentID())
	return nil
}

// unregister drops the sandbox from the maps. The capacity slot is
// free once this returns.
func (m *Manager) unregister(id, agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots, id)
	if ids := m.agents[agentID]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(m.agents, agentID)
		}
	}
}

// SandboxStatus returns the status snapshot for id.
func (m *Manager) SandboxStatus(id string) (sandbox.Status, error) {
	s, err := m.lookup(id)
	if err != nil {
		return sandbox.Status{}, err
	}
	return s.sb.Status(), nil
}

// AgentSandboxes returns the ids of the agent's live sandboxes.
func (m *Manager) AgentSandboxes(agentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.agents[agentID]))
	for id := range m.agents[agentID] {
		ids = append(ids, id)
	}
	return ids
}

// AgentMetrics returns live monitor snapshots for all of the agent's
// sandboxes.
func (m *Manager) AgentMetrics(agentID string) []monitor.SandboxMetrics {
	return m.monitor.MetricsForAgent(agentID)
}

// KillAgentSandboxes tears down every sandbox owned by the agent,
// concurrently up to the cleanup bound. Returns how many were removed.
func (m *Manager) KillAgentSandboxes(ctx context.Context, agentID string) (int, error) {
	ids := m.AgentSandboxes(agentID)
	if len(ids) == 0 {
		return 0, nil
	}
	err := m.teardown(ctx, ids)
	m.logger.Info("agent sandboxes removed", "agent_id", agentID, "count", len(ids))
	return len(ids), err
}

// Start launches the idle reaper. No-op when reaping is disabled.
func (m *Manager) Start() {
	if m.cfg.IdleTimeout < 0 {
		return
	}
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	go m.reapLoop()
}

// Stop halts the reaper and waits for it to exit. Idempotent. Stop
// does not tear down sandboxes; call Cleanup for that.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.done
	}
}

// reapLoop wakes at half the idle timeout and removes sandboxes whose
// last activity is older than the timeout. A sandbox mid-operation is
// skipped: its slot lock is held, and TryLock loses.
func (m *Manager) reapLoop() {
	defer close(m.done)
	ticker := m.clock.NewTicker(m.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.ReapIdle(context.Background())
		}
	}
}

// ReapIdle removes every idle sandbox now. Returns the reaped ids.
func (m *Manager) ReapIdle(ctx context.Context) []string {
	m.mu.Lock()
	candidates := make(map[string]*slot, len(m.slots))
	for id, s := range m.slots {
		candidates[id] = s
	}
	m.mu.Unlock()

	cutoff := m.clock.Now().Add(-m.cfg.IdleTimeout)
	var reaped []string
	for id, s := range candidates {
		if !s.mu.TryLock() {
			continue
		}
		activity := s.sb.LastActivity()
		if s.lastUsed.After(activity) {
			activity = s.lastUsed
		}
		if activity.After(cutoff) {
			s.mu.Unlock()
			continue
		}
		_ = s.sb.Cleanup(ctx)
		m.unregister(id, s.sb.AgentID())
		s.mu.Unlock()
		reaped = append(reaped, id)
		m.logger.Info("reaped idle sandbox", "sandbox_id", id)
	}

	if len(reaped) > 0 {
		m.mu.Lock()
		m.reaped += len(reaped)
		m.mu.Unlock()
	}
	return reaped
}

// Cleanup shuts the manager down: reaper and monitor first, then the
// whole fleet concurrently up to the cleanup bound. Bound the wait
// with the context; sandboxes that fail to clean are logged and still
// unregistered.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.Stop()
	m.monitor.Stop()

	m.mu.Lock()
	ids := make([]string, 0, len(m.slots))
	for id := range m.slots {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	return m.teardown(ctx, ids)
}

// teardown removes the named sandboxes with bounded concurrency.
func (m *Manager) teardown(ctx context.Context, ids []string) error {
	var group errgroup.Group
	group.SetLimit(m.cfg.CleanupConcurrency)
	for _, id := range ids {
		group.Go(func() error {
			s, err := m.lookup(id)
			if err != nil {
				if IsNotFound(err) {
					return nil // already removed
				}
				return err
			}
			s.mu.Lock()
			defer s.mu.Unlock()
			_ = s.sb.Cleanup(ctx)
			m.unregister(id, s.sb.AgentID())
			return nil
		})
	}
	return group.Wait()
}

// Stats returns the manager-level snapshot.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		ActiveSandboxes: len(m.slots),
		MaxSandboxes:    m.cfg.MaxSandboxes,
		AgentCount:      len(m.agents),
		CreatedTotal:    m.created,
		ReapedTotal:     m.reaped,
	}
}

// summaryDays is the horizon for the per-agent audit summaries in
// ComprehensiveStats.
const summaryDays = 7

// ComprehensiveStats composes the manager, guardian, monitor, and
// audit views.
func (m *Manager) ComprehensiveStats(ctx context.Context) (ComprehensiveStats, error) {
	dbStats, err := m.audit.DatabaseStats(ctx)
	if err != nil {
		return ComprehensiveStats{}, fmt.Errorf("manager: audit stats: %w", err)
	}

	m.mu.Lock()
	agentIDs := make([]string, 0, len(m.agents))
	for agentID := range m.agents {
		agentIDs = append(agentIDs, agentID)
	}
	m.mu.Unlock()

	agents := make(map[string]audit.AgentSummary, len(agentIDs))
	for _, agentID := range agentIDs {
		summary, err := m.audit.Summary(ctx, agentID, summaryDays)
		if err != nil {
			return ComprehensiveStats{}, fmt.Errorf("manager: summary for %s: %w", agentID, err)
		}
		agents[agentID] = summary
	}

	return ComprehensiveStats{
		Manager:  m.Stats(),
		Guardian: m.guardian.SecuritySummary(),
		Monitor:  m.monitor.Stats(),
		Database: dbStats,
		Agents:   agents,
	}, nil
}
