// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

// Package monitor polls live container resource usage for every
// registered sandbox and enforces the sandbox's resource limits and
// wall-clock timeout. Breaches raise alerts; critical breaches trip
// the killswitch — immediate, irreversible container termination.
//
// Breaches have no synchronous caller to report to. Visibility is
// through the audit log (one resource_exceeded entry per breached
// metric, one kill_switch entry per kill) and the registered alert
// handlers.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cordon-systems/cordon/audit"
	"github.com/cordon-systems/cordon/engine"
	"github.com/cordon-systems/cordon/guardian"
	"github.com/cordon-systems/cordon/lib/clock"
)

// TriggerType identifies which limit a breach was measured against.
type TriggerType string

const (
	TriggerCPU     TriggerType = "cpu"
	TriggerMemory  TriggerType = "memory"
	TriggerDisk    TriggerType = "disk"
	TriggerTimeout TriggerType = "timeout"
	TriggerCustom  TriggerType = "custom"
)

// Severity grades an alert. Warning means the sandbox continues;
// critical trips the killswitch.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// criticalFactor is the multiple of a limit at which a breach stops
// being a warning: below 1.2x the sandbox is allowed to run, at or
// above it is killed.
const criticalFactor = 1.2

// defaultInterval is the polling cadence when Config.Interval is zero.
const defaultInterval = 5 * time.Second

// Alert describes one limit breach. Transient: delivered to handlers
// and recorded in the audit log, never stored directly.
type Alert struct {
	Timestamp    time.Time
	SandboxID    string
	Trigger      TriggerType
	CurrentValue float64
	LimitValue   float64
	Severity     Severity
	Message      string
}

// SandboxMetrics is a read-only snapshot of one monitored sandbox.
type SandboxMetrics struct {
	SandboxID     string
	AgentID       string
	StartedAt     time.Time
	Elapsed       time.Duration
	LastUsage     engine.Stats
	LastChecked   time.Time
	AlertCount    int
	KillTriggered bool
	Limits        guardian.ResourceLimits
}

// Stats is the monitor-wide snapshot.
type Stats struct {
	MonitoredCount int
	KilledCount    int
	TotalAlerts    int
	PollInterval   time.Duration
	Running        bool
}

// entry is the monitor's record of one sandbox.
type entry struct {
	sandboxID   string
	containerID string
	agentID     string
	limits      guardian.ResourceLimits
	startedAt   time.Time

	lastUsage     engine.Stats
	lastChecked   time.Time
	alertCount    int
	killTriggered bool
}

// Config holds the parameters for constructing a Monitor.
type Config struct {
	// Engine supplies container stats and executes kills. Required.
	Engine engine.Engine

	// Audit receives resource_exceeded and kill_switch entries.
	// Required.
	Audit *audit.Logger

	// Clock drives the polling loop. Nil means the real clock.
	Clock clock.Clock

	// Interval is the polling cadence. Zero means 5 seconds.
	Interval time.Duration

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Monitor owns the monitored-sandbox table and the background polling
// loop. The loop is the only writer of per-entry usage fields; Add,
// Remove, and the snapshot methods touch the table under the mutex.
type Monitor struct {
	engine   engine.Engine
	audit    *audit.Logger
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger

	mu          sync.Mutex
	table       map[string]*entry
	handlers    []func(Alert)
	totalAlerts int
	killedCount int
	running     bool

	stop chan struct{}
	done chan struct{}
}

// New constructs a Monitor. Call Start to begin polling.
func New(cfg Config) (*Monitor, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("monitor: Engine is required")
	}
	if cfg.Audit == nil {
		return nil, fmt.Errorf("monitor: Audit is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{
		engine:   cfg.Engine,
		audit:    cfg.Audit,
		clock:    clk,
		interval: interval,
		logger:   logger,
		table:    make(map[string]*entry),
	}, nil
}

// Add registers a sandbox for polling. Idempotent on sandboxID: a
// second Add for the same id replaces the registration and resets its
// start time.
func (m *Monitor) Add(sandboxID, containerID, agentID string, limits guardian.ResourceLimits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table[sandboxID] = &entry{
		sandboxID:   sandboxID,
		containerID: containerID,
		agentID:     agentID,
		limits:      limits,
		startedAt:   m.clock.Now(),
	}
	m.logger.Info("sandbox registered with monitor",
		"sandbox_id", sandboxID,
		"agent_id", agentID,
	)
}

// Remove unregisters a sandbox. No-op for unknown ids.
func (m *Monitor) Remove(sandboxID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.table[sandboxID]; ok {
		delete(m.table, sandboxID)
		m.logger.Info("sandbox unregistered from monitor", "sandbox_id", sandboxID)
	}
}

// OnAlert registers a handler invoked after every breach, warning or
// critical. Handlers run on the polling goroutine; a panicking handler
// is logged and does not stop the loop. Register handlers before
// Start.
func (m *Monitor) OnAlert(handler func(Alert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Start launches the polling loop. Returns an error if already
// running.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("monitor: already running")
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(m.stop, m.done)
	m.logger.Info("resource monitor started", "interval", m.interval)
	return nil
}

// Stop shuts the polling loop down cooperatively and waits for the
// current pass to finish. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done
	m.logger.Info("resource monitor stopped")
}

// run is the polling loop. The stop channel is checked every
// iteration; each pass gets a context bounded by the poll interval so
// a hung engine cannot wedge the loop forever.
func (m *Monitor) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.interval)
			m.checkAll(ctx)
			cancel()
		}
	}
}

// checkAll runs one monitoring pass over every registered, non-killed
// sandbox. Exported to tests via CheckNow.
func (m *Monitor) checkAll(ctx context.Context) {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.table))
	for _, e := range m.table {
		if !e.killTriggered {
			entries = append(entries, e)
		}
	}
	m.mu.Unlock()

	for _, e := range entries {
		m.checkSandbox(ctx, e)
	}
}

// CheckNow runs a single synchronous monitoring pass. For tests and
// for administrative force-check surfaces; the background loop is the
// normal driver.
func (m *Monitor) CheckNow(ctx context.Context) {
	m.checkAll(ctx)
}

// checkSandbox evaluates one sandbox: wall-clock timeout first, then
// per-metric usage against limits.
func (m *Monitor) checkSandbox(ctx context.Context, e *entry) {
	now := m.clock.Now()
	elapsed := now.Sub(e.startedAt)

	timeout := time.Duration(e.limits.TimeoutSeconds) * time.Second
	if timeout > 0 && elapsed > timeout {
		alert := Alert{
			Timestamp:    now,
			SandboxID:    e.sandboxID,
			Trigger:      TriggerTimeout,
			CurrentValue: elapsed.Seconds(),
			LimitValue:   timeout.Seconds(),
			Severity:     SeverityCritical,
			Message: fmt.Sprintf("sandbox exceeded wall-clock timeout: %s elapsed, limit %s",
				elapsed.Round(time.Second), timeout),
		}
		m.raise(ctx, e, alert, nil)
		m.killswitch(ctx, e, alert)
		return
	}

	usage, err := m.engine.ContainerStats(ctx, e.containerID)
	if err != nil {
		// Unreachable container: nothing left to monitor or kill.
		m.logger.Warn("container unreachable, dropping from monitor",
			"sandbox_id", e.sandboxID,
			"error", err,
		)
		m.Remove(e.sandboxID)
		return
	}

	m.mu.Lock()
	e.lastUsage = usage
	e.lastChecked = now
	m.mu.Unlock()

	var firstCritical *Alert
	check := func(trigger TriggerType, current, limit float64, unit string) {
		if limit <= 0 || current <= limit {
			return
		}
		severity := SeverityWarning
		if current >= limit*criticalFactor {
			severity = SeverityCritical
		}
		alert := Alert{
			Timestamp:    now,
			SandboxID:    e.sandboxID,
			Trigger:      trigger,
			CurrentValue: current,
			LimitValue:   limit,
			Severity:     severity,
			Message: fmt.Sprintf("%s usage %.1f%s exceeds limit %.1f%s",
				trigger, current, unit, limit, unit),
		}
		m.raise(ctx, e, alert, &usage)
		if severity == SeverityCritical && firstCritical == nil {
			firstCritical = &alert
		}
	}

	check(TriggerCPU, usage.CPUPercent, e.limits.CPUPercent, "%")
	check(TriggerMemory, usage.MemoryMB, float64(e.limits.MemoryMB), "MB")
	check(TriggerDisk, usage.DiskMB, float64(e.limits.DiskMB), "MB")

	if firstCritical != nil {
		m.killswitch(ctx, e, *firstCritical)
	}
}

// raise records an alert: audit entry, counters, handlers.
func (m *Monitor) raise(ctx context.Context, e *entry, alert Alert, usage *engine.Stats) {
	m.logger.Warn("resource alert",
		"sandbox_id", alert.SandboxID,
		"trigger", string(alert.Trigger),
		"severity", string(alert.Severity),
		"current", alert.CurrentValue,
		"limit", alert.LimitValue,
	)

	m.mu.Lock()
	e.alertCount++
	m.totalAlerts++
	handlers := append(make([]func(Alert), 0, len(m.handlers)), m.handlers...)
	m.mu.Unlock()

	if err := m.audit.Log(ctx, audit.Entry{
		AgentID:       e.agentID,
		SandboxID:     e.sandboxID,
		OperationType: audit.OpResourceExceeded,
		Status:        audit.StatusFailure,
		Details: map[string]any{
			"trigger":       string(alert.Trigger),
			"severity":      string(alert.Severity),
			"current_value": alert.CurrentValue,
			"limit_value":   alert.LimitValue,
			"message":       alert.Message,
		},
		ResourceUsage: usage,
	}); err != nil {
		m.logger.Error("failed to audit resource alert",
			"sandbox_id", e.sandboxID,
			"error", err,
		)
	}

	for _, handler := range handlers {
		m.invokeHandler(handler, alert)
	}
}

// invokeHandler calls one alert handler, containing panics.
func (m *Monitor) invokeHandler(handler func(Alert), alert Alert) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("alert handler panicked",
				"sandbox_id", alert.SandboxID,
				"panic", r,
			)
		}
	}()
	handler(alert)
}

// killswitch terminates a sandbox's container. At most once per
// sandbox: killTriggered is checked and set under the mutex, and once
// true it is never reset, so repeated passes (or a timeout racing a
// metric breach) cannot kill twice.
func (m *Monitor) killswitch(ctx context.Context, e *entry, cause Alert) {
	m.mu.Lock()
	if e.killTriggered {
		m.mu.Unlock()
		return
	}
	e.killTriggered = true
	m.killedCount++
	m.mu.Unlock()

	m.logger.Error("killswitch triggered",
		"sandbox_id", e.sandboxID,
		"agent_id", e.agentID,
		"trigger", string(cause.Trigger),
	)

	status := audit.StatusSuccess
	errorMessage := ""
	if err := m.engine.KillContainer(ctx, e.containerID); err != nil {
		status = audit.StatusFailure
		errorMessage = err.Error()
		m.logger.Error("killswitch container kill failed",
			"sandbox_id", e.sandboxID,
			"error", err,
		)
	}

	if err := m.audit.Log(ctx, audit.Entry{
		AgentID:       e.agentID,
		SandboxID:     e.sandboxID,
		OperationType: audit.OpKillSwitch,
		Status:        status,
		Details: map[string]any{
			"trigger_type": string(cause.Trigger),
			"message":      cause.Message,
		},
		ErrorMessage: errorMessage,
	}); err != nil {
		m.logger.Error("failed to audit killswitch",
			"sandbox_id", e.sandboxID,
			"error", err,
		)
	}
}

// KillTriggered reports whether the killswitch has fired for a
// sandbox. False for unknown ids.
func (m *Monitor) KillTriggered(sandboxID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.table[sandboxID]
	return ok && e.killTriggered
}

// SandboxMetrics returns the snapshot for one monitored sandbox.
func (m *Monitor) SandboxMetrics(sandboxID string) (SandboxMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.table[sandboxID]
	if !ok {
		return SandboxMetrics{}, false
	}
	return SandboxMetrics{
		SandboxID:     e.sandboxID,
		AgentID:       e.agentID,
		StartedAt:     e.startedAt,
		Elapsed:       m.clock.Now().Sub(e.startedAt),
		LastUsage:     e.lastUsage,
		LastChecked:   e.lastChecked,
		AlertCount:    e.alertCount,
		KillTriggered: e.killTriggered,
		Limits:        e.limits,
	}, true
}

// MetricsForAgent returns snapshots for every monitored sandbox owned
// by an agent.
func (m *Monitor) MetricsForAgent(agentID string) []SandboxMetrics {
	m.mu.Lock()
	ids := make([]string, 0, len(m.table))
	for id, e := range m.table {
		if e.agentID == agentID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	metrics := make([]SandboxMetrics, 0, len(ids))
	for _, id := range ids {
		if snapshot, ok := m.SandboxMetrics(id); ok {
			metrics = append(metrics, snapshot)
		}
	}
	return metrics
}

// Stats returns the monitor-wide snapshot.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		MonitoredCount: len(m.table),
		KilledCount:    m.killedCount,
		TotalAlerts:    m.totalAlerts,
		PollInterval:   m.interval,
		Running:        m.running,
	}
}
