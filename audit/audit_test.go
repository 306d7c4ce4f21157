// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cordon-systems/cordon/engine"
	"github.com/cordon-systems/cordon/lib/clock"
)

func openTestLogger(t *testing.T, clk clock.Clock) *Logger {
	t.Helper()
	logger, err := Open(Config{
		Path:  filepath.Join(t.TempDir(), "audit.db"),
		Clock: clk,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger
}

func TestLogAndQueryRoundTrip(t *testing.T) {
	logger := openTestLogger(t, nil)
	ctx := context.Background()

	entry := Entry{
		AgentID:       "a1",
		SandboxID:     "sb-1",
		OperationType: OpCommandExecute,
		Status:        StatusSuccess,
		Details:       map[string]any{"command": "echo hello", "output_size": float64(6)},
		ResourceUsage: &engine.Stats{CPUPercent: 12.5, MemoryMB: 64},
		Duration:      250 * time.Millisecond,
		Metadata:      map[string]string{"agent_version": "1.2"},
	}
	if err := logger.Log(ctx, entry); err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries, err := logger.Query(ctx, Filter{SandboxID: "sb-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}

	got := entries[0]
	if got.ID == 0 {
		t.Error("ID not assigned at insert")
	}
	if got.Timestamp.IsZero() {
		t.Error("Timestamp not assigned at insert")
	}
	if got.AgentID != "a1" || got.SandboxID != "sb-1" {
		t.Errorf("identity fields = %q/%q", got.AgentID, got.SandboxID)
	}
	if got.OperationType != OpCommandExecute || got.Status != StatusSuccess {
		t.Errorf("type/status = %s/%s", got.OperationType, got.Status)
	}
	if got.Details["command"] != "echo hello" {
		t.Errorf("details = %v", got.Details)
	}
	if got.ResourceUsage == nil || got.ResourceUsage.CPUPercent != 12.5 {
		t.Errorf("resource usage = %+v", got.ResourceUsage)
	}
	if got.Duration != 250*time.Millisecond {
		t.Errorf("duration = %v", got.Duration)
	}
	if got.Metadata["agent_version"] != "1.2" {
		t.Errorf("metadata = %v", got.Metadata)
	}
}

func TestQueryNewestFirstWithFilters(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	logger := openTestLogger(t, clk)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		agent := "a1"
		if i%2 == 1 {
			agent = "a2"
		}
		entry := Entry{
			AgentID:       agent,
			SandboxID:     "sb-1",
			OperationType: OpCommandExecute,
			Status:        StatusSuccess,
		}
		if err := logger.Log(ctx, entry); err != nil {
			t.Fatalf("Log: %v", err)
		}
		clk.Advance(time.Minute)
	}

	entries, err := logger.Query(ctx, Filter{AgentID: "a1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("agent filter: got %d entries, want 3", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.After(entries[i-1].Timestamp) {
			t.Fatal("entries not newest-first")
		}
	}

	// Limit and offset page through the same ordering.
	page, err := logger.Query(ctx, Filter{AgentID: "a1", Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("paged query: got %d entries, want 1", len(page))
	}
	if !page[0].Timestamp.Equal(entries[2].Timestamp) {
		t.Fatal("offset did not continue the ordering")
	}

	none, err := logger.Query(ctx, Filter{Status: StatusDenied})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("status filter matched %d entries, want 0", len(none))
	}
}

func TestSummaryAggregation(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	logger := openTestLogger(t, clk)
	ctx := context.Background()

	mustLog := func(entry Entry) {
		t.Helper()
		if err := logger.Log(ctx, entry); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	mustLog(Entry{
		AgentID: "a1", SandboxID: "sb-1",
		OperationType: OpCommandExecute, Status: StatusSuccess,
		Duration:      100 * time.Millisecond,
		ResourceUsage: &engine.Stats{CPUPercent: 10, MemoryMB: 100},
	})
	mustLog(Entry{
		AgentID: "a1", SandboxID: "sb-1",
		OperationType: OpCommandExecute, Status: StatusFailure,
		Duration:     300 * time.Millisecond,
		ErrorMessage: "exit code 1",
		ResourceUsage: &engine.Stats{
			CPUPercent: 30, MemoryMB: 200,
		},
	})
	mustLog(Entry{
		AgentID: "a2", SandboxID: "sb-2",
		OperationType: OpSandboxCreate, Status: StatusSuccess,
	})

	summary, err := logger.Summary(ctx, "a1", 7)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.TotalOperations != 2 {
		t.Fatalf("TotalOperations = %d, want 2", summary.TotalOperations)
	}
	if summary.ByOperationType["command_execute"] != 2 {
		t.Fatalf("ByOperationType = %v", summary.ByOperationType)
	}
	if summary.ByStatus["failure"] != 1 {
		t.Fatalf("ByStatus = %v", summary.ByStatus)
	}
	if summary.TotalDuration != 400*time.Millisecond {
		t.Fatalf("TotalDuration = %v", summary.TotalDuration)
	}
	if summary.ErrorCount != 1 {
		t.Fatalf("ErrorCount = %d", summary.ErrorCount)
	}
	if summary.AverageCPUPct != 20 {
		t.Fatalf("AverageCPUPct = %v, want 20", summary.AverageCPUPct)
	}
	if summary.PeakMemoryMB != 200 {
		t.Fatalf("PeakMemoryMB = %v, want 200", summary.PeakMemoryMB)
	}
}

func TestSummaryHonorsDayHorizon(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	logger := openTestLogger(t, clk)
	ctx := context.Background()

	if err := logger.Log(ctx, Entry{
		AgentID: "a1", OperationType: OpCommandExecute, Status: StatusSuccess,
	}); err != nil {
		t.Fatalf("Log: %v", err)
	}

	clk.Advance(10 * 24 * time.Hour)
	if err := logger.Log(ctx, Entry{
		AgentID: "a1", OperationType: OpCommandExecute, Status: StatusSuccess,
	}); err != nil {
		t.Fatalf("Log: %v", err)
	}

	summary, err := logger.Summary(ctx, "a1", 7)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.TotalOperations != 1 {
		t.Fatalf("TotalOperations = %d, want only the recent entry", summary.TotalOperations)
	}
}

func TestCleanupOld(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	logger := openTestLogger(t, clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := logger.Log(ctx, Entry{
			AgentID: "a1", OperationType: OpCommandExecute, Status: StatusSuccess,
		}); err != nil {
			t.Fatalf("Log: %v", err)
		}
		clk.Advance(24 * time.Hour)
	}

	// Clock is now at day 3; entries are at days 0, 1, 2. Keeping one
	// day deletes the two oldest.
	deleted, err := logger.CleanupOld(ctx, 1)
	if err != nil {
		t.Fatalf("CleanupOld: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted = %d, want 2", deleted)
	}

	remaining, err := logger.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("remaining = %d, want 1", len(remaining))
	}

	if _, err := logger.CleanupOld(ctx, 0); err == nil {
		t.Fatal("CleanupOld accepted non-positive keepDays")
	}
}

func TestDatabaseStats(t *testing.T) {
	logger := openTestLogger(t, nil)
	ctx := context.Background()

	entries := []Entry{
		{AgentID: "a1", OperationType: OpCommandExecute, Status: StatusSuccess},
		{AgentID: "a1", OperationType: OpCommandExecute, Status: StatusFailure},
		{AgentID: "a1", OperationType: OpKillSwitch, Status: StatusSuccess},
	}
	for _, entry := range entries {
		if err := logger.Log(ctx, entry); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	stats, err := logger.DatabaseStats(ctx)
	if err != nil {
		t.Fatalf("DatabaseStats: %v", err)
	}
	if stats.TotalEntries != 3 {
		t.Fatalf("TotalEntries = %d, want 3", stats.TotalEntries)
	}
	if stats.ByType["command_execute"] != 2 || stats.ByType["kill_switch"] != 1 {
		t.Fatalf("ByType = %v", stats.ByType)
	}
	if stats.ByStatus["success"] != 2 {
		t.Fatalf("ByStatus = %v", stats.ByStatus)
	}
	if stats.SizeBytes <= 0 {
		t.Fatalf("SizeBytes = %d, want positive", stats.SizeBytes)
	}
}

func TestConcurrentWriters(t *testing.T) {
	logger := openTestLogger(t, nil)
	ctx := context.Background()

	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			done <- logger.Log(ctx, Entry{
				AgentID:       "a1",
				OperationType: OpCommandExecute,
				Status:        StatusSuccess,
			})
		}()
	}
	for i := 0; i < 10; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent Log: %v", err)
		}
	}

	stats, err := logger.DatabaseStats(ctx)
	if err != nil {
		t.Fatalf("DatabaseStats: %v", err)
	}
	if stats.TotalEntries != 10 {
		t.Fatalf("TotalEntries = %d, want 10", stats.TotalEntries)
	}
}
