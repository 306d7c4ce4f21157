// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/cordon-systems/cordon/audit"
	"github.com/cordon-systems/cordon/engine"
	"github.com/cordon-systems/cordon/guardian"
	"github.com/cordon-systems/cordon/lib/clock"
	"github.com/cordon-systems/cordon/lib/testutil"
)

type harness struct {
	clock   *clock.FakeClock
	engine  *engine.Fake
	audit   *audit.Logger
	monitor *Monitor
}

func newHarness(t *testing.T, interval time.Duration) *harness {
	t.Helper()

	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	fake := engine.NewFake()

	auditLogger, err := audit.Open(audit.Config{
		Path:  filepath.Join(t.TempDir(), "audit.db"),
		Clock: clk,
	})
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { auditLogger.Close() })

	m, err := New(Config{
		Engine:   fake,
		Audit:    auditLogger,
		Clock:    clk,
		Interval: interval,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return &harness{clock: clk, engine: fake, audit: auditLogger, monitor: m}
}

// addSandbox creates a running fake container and registers it.
func (h *harness) addSandbox(t *testing.T, sandboxID string, limits guardian.ResourceLimits) string {
	t.Helper()
	ctx := context.Background()
	containerID, err := h.engine.CreateContainer(ctx, engine.ContainerSpec{Image: "test"})
	if err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}
	if err := h.engine.StartContainer(ctx, containerID); err != nil {
		t.Fatalf("StartContainer: %v", err)
	}
	h.monitor.Add(sandboxID, containerID, "a1", limits)
	return containerID
}

func TestTimeoutTriggersKillswitch(t *testing.T) {
	h := newHarness(t, time.Second)
	containerID := h.addSandbox(t, "sb-1", guardian.ResourceLimits{TimeoutSeconds: 1})
	ctx := context.Background()

	h.clock.Advance(2 * time.Second)
	h.monitor.CheckNow(ctx)

	if !h.monitor.KillTriggered("sb-1") {
		t.Fatal("killswitch did not fire after timeout")
	}
	if got := h.engine.KillCount(containerID); got != 1 {
		t.Fatalf("KillCount = %d, want 1", got)
	}

	entries, err := h.audit.Query(ctx, audit.Filter{
		SandboxID:     "sb-1",
		OperationType: audit.OpKillSwitch,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("kill_switch entries = %d, want 1", len(entries))
	}
	if entries[0].Details["trigger_type"] != "timeout" {
		t.Fatalf("trigger_type = %v, want timeout", entries[0].Details["trigger_type"])
	}

	// The timeout breach itself is also recorded.
	alerts, err := h.audit.Query(ctx, audit.Filter{
		SandboxID:     "sb-1",
		OperationType: audit.OpResourceExceeded,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("resource_exceeded entries = %d, want 1", len(alerts))
	}
}

func TestKilledAtMostOnce(t *testing.T) {
	h := newHarness(t, time.Second)
	containerID := h.addSandbox(t, "sb-1", guardian.ResourceLimits{TimeoutSeconds: 1})
	ctx := context.Background()

	h.clock.Advance(5 * time.Second)
	for i := 0; i < 4; i++ {
		h.monitor.CheckNow(ctx)
	}

	if got := h.engine.KillCount(containerID); got != 1 {
		t.Fatalf("KillCount after repeated passes = %d, want 1", got)
	}

	entries, err := h.audit.Query(ctx, audit.Filter{OperationType: audit.OpKillSwitch})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("kill_switch entries = %d, want 1", len(entries))
	}
}

func TestWarningBelowCriticalFactor(t *testing.T) {
	h := newHarness(t, time.Second)
	containerID := h.addSandbox(t, "sb-1", guardian.ResourceLimits{MemoryMB: 100})
	ctx := context.Background()

	var alerts []Alert
	h.monitor.OnAlert(func(a Alert) { alerts = append(alerts, a) })

	// 110 MB against a 100 MB limit: breached, but below the 1.2x
	// critical threshold.
	h.engine.SetStats(containerID, engine.Stats{MemoryMB: 110})
	h.monitor.CheckNow(ctx)

	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Severity != SeverityWarning {
		t.Fatalf("severity = %s, want warning", alerts[0].Severity)
	}
	if alerts[0].Trigger != TriggerMemory {
		t.Fatalf("trigger = %s, want memory", alerts[0].Trigger)
	}
	if h.monitor.KillTriggered("sb-1") {
		t.Fatal("warning breach tripped the killswitch")
	}
	if h.engine.KillCount(containerID) != 0 {
		t.Fatal("container killed on warning")
	}
}

func TestCriticalBreachKills(t *testing.T) {
	h := newHarness(t, time.Second)
	containerID := h.addSandbox(t, "sb-1", guardian.ResourceLimits{MemoryMB: 100})
	ctx := context.Background()

	// 120 MB is exactly 1.2x the limit: critical.
	h.engine.SetStats(containerID, engine.Stats{MemoryMB: 120})
	h.monitor.CheckNow(ctx)

	if !h.monitor.KillTriggered("sb-1") {
		t.Fatal("critical breach did not trip the killswitch")
	}
	if h.engine.KillCount(containerID) != 1 {
		t.Fatalf("KillCount = %d, want 1", h.engine.KillCount(containerID))
	}

	entries, err := h.audit.Query(ctx, audit.Filter{OperationType: audit.OpKillSwitch})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("kill_switch entries = %d, want 1", len(entries))
	}
	if entries[0].Details["trigger_type"] != "memory" {
		t.Fatalf("trigger_type = %v, want memory", entries[0].Details["trigger_type"])
	}
}

func TestAlertPerBreachedMetric(t *testing.T) {
	h := newHarness(t, time.Second)
	containerID := h.addSandbox(t, "sb-1", guardian.ResourceLimits{
		CPUPercent: 50,
		MemoryMB:   100,
		DiskMB:     1000,
	})
	ctx := context.Background()

	h.engine.SetStats(containerID, engine.Stats{
		CPUPercent: 55,  // warning
		MemoryMB:   105, // warning
		DiskMB:     500, // within limit
	})
	h.monitor.CheckNow(ctx)

	entries, err := h.audit.Query(ctx, audit.Filter{OperationType: audit.OpResourceExceeded})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("resource_exceeded entries = %d, want 2 (cpu, memory)", len(entries))
	}
	for _, entry := range entries {
		if entry.ResourceUsage == nil {
			t.Fatal("alert entry missing resource usage snapshot")
		}
	}
}

func TestUnreachableContainerDropped(t *testing.T) {
	h := newHarness(t, time.Second)
	containerID := h.addSandbox(t, "sb-1", guardian.ResourceLimits{MemoryMB: 100})
	ctx := context.Background()

	h.engine.SetStatsError(containerID, fmt.Errorf("engine gone"))
	h.monitor.CheckNow(ctx)

	if _, ok := h.monitor.SandboxMetrics("sb-1"); ok {
		t.Fatal("unreachable sandbox still monitored")
	}
	if h.engine.KillCount(containerID) != 0 {
		t.Fatal("unreachable sandbox was killed")
	}
}

func TestHandlerPanicContained(t *testing.T) {
	h := newHarness(t, time.Second)
	containerID := h.addSandbox(t, "sb-1", guardian.ResourceLimits{MemoryMB: 100})
	ctx := context.Background()

	h.monitor.OnAlert(func(Alert) { panic("handler bug") })

	h.engine.SetStats(containerID, engine.Stats{MemoryMB: 150})
	h.monitor.CheckNow(ctx)

	// The panic must not prevent the killswitch.
	if !h.monitor.KillTriggered("sb-1") {
		t.Fatal("killswitch suppressed by panicking handler")
	}
}

func TestBackgroundLoop(t *testing.T) {
	h := newHarness(t, time.Second)
	h.addSandbox(t, "sb-1", guardian.ResourceLimits{TimeoutSeconds: 1})

	if err := h.monitor.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.monitor.Stop()

	if err := h.monitor.Start(); err == nil {
		t.Fatal("second Start succeeded")
	}

	// Advance fake time until the loop's ticker fires and finds the
	// sandbox past its wall-clock budget. Advancing inside the poll
	// avoids racing the loop goroutine's ticker registration.
	testutil.RequireEventually(t, func() bool {
		h.clock.Advance(time.Second)
		return h.monitor.KillTriggered("sb-1")
	}, 5*time.Second, "waiting for background killswitch")
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, time.Second)
	if err := h.monitor.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.monitor.Stop()
	h.monitor.Stop()
}

func TestStatsAndMetrics(t *testing.T) {
	h := newHarness(t, time.Second)
	containerID := h.addSandbox(t, "sb-1", guardian.ResourceLimits{MemoryMB: 100})
	h.addSandbox(t, "sb-2", guardian.ResourceLimits{MemoryMB: 100})
	ctx := context.Background()

	h.engine.SetStats(containerID, engine.Stats{MemoryMB: 42})
	h.clock.Advance(30 * time.Second)
	h.monitor.CheckNow(ctx)

	stats := h.monitor.Stats()
	if stats.MonitoredCount != 2 {
		t.Fatalf("MonitoredCount = %d, want 2", stats.MonitoredCount)
	}
	if stats.KilledCount != 0 {
		t.Fatalf("KilledCount = %d, want 0", stats.KilledCount)
	}

	metrics, ok := h.monitor.SandboxMetrics("sb-1")
	if !ok {
		t.Fatal("sb-1 not found")
	}
	if metrics.LastUsage.MemoryMB != 42 {
		t.Fatalf("LastUsage.MemoryMB = %v, want 42", metrics.LastUsage.MemoryMB)
	}
	if metrics.Elapsed != 30*time.Second {
		t.Fatalf("Elapsed = %v, want 30s", metrics.Elapsed)
	}

	byAgent := h.monitor.MetricsForAgent("a1")
	if len(byAgent) != 2 {
		t.Fatalf("MetricsForAgent = %d sandboxes, want 2", len(byAgent))
	}

	h.monitor.Remove("sb-2")
	if h.monitor.Stats().MonitoredCount != 1 {
		t.Fatal("Remove did not shrink the monitored set")
	}
}
