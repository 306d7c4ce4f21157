// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit is the append-only forensic log of every
// security-relevant sandbox operation. Entries are written as single
// atomic inserts, so concurrent writers never corrupt or interleave,
// and queried newest-first. Summaries aggregate at query time — there
// is no materialized state that can drift from the log.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/cordon-systems/cordon/engine"
	"github.com/cordon-systems/cordon/lib/clock"
	"github.com/cordon-systems/cordon/lib/sqlitepool"
)

// OperationType classifies an audit entry.
type OperationType string

const (
	OpSandboxCreate    OperationType = "sandbox_create"
	OpSandboxDelete    OperationType = "sandbox_delete"
	OpCommandExecute   OperationType = "command_execute"
	OpFileRead         OperationType = "file_read"
	OpFileWrite        OperationType = "file_write"
	OpResourceExceeded OperationType = "resource_exceeded"
	OpGuardianApproval OperationType = "guardian_approval"
	OpGuardianDenial   OperationType = "guardian_denial"
	OpKillSwitch       OperationType = "kill_switch"
)

// Status is the outcome recorded for an operation.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusTimeout   Status = "timeout"
	StatusDenied    Status = "denied"
	StatusCancelled Status = "cancelled"
)

// Entry is one audit row. ID and Timestamp are assigned at insert when
// zero; everything else is caller-provided. Entries are never mutated
// after insert.
type Entry struct {
	ID            int64
	Timestamp     time.Time
	AgentID       string
	SandboxID     string
	OperationType OperationType
	Status        Status

	// Details carries operation-specific context (command text, output
	// size, denial reason). Stored as JSON.
	Details map[string]any

	// ResourceUsage is the live reading attached to resource alerts.
	ResourceUsage *engine.Stats

	// Duration is how long the operation took. Stored as whole
	// milliseconds; zero means not measured.
	Duration time.Duration

	ErrorMessage string
	Metadata     map[string]string
}

// Filter selects entries for Query. Zero fields match everything.
type Filter struct {
	AgentID       string
	SandboxID     string
	OperationType OperationType
	Status        Status
	Since         time.Time
	Until         time.Time

	// Limit caps the result set; zero means 100.
	Limit  int
	Offset int
}

// AgentSummary is the query-time aggregation for one agent.
type AgentSummary struct {
	AgentID          string
	Days             int
	TotalOperations  int
	ByOperationType  map[string]int
	ByStatus         map[string]int
	TotalDuration    time.Duration
	ErrorCount       int
	AverageCPUPct    float64
	PeakCPUPct       float64
	AverageMemoryMB  float64
	PeakMemoryMB     float64
	UsageSampleCount int
}

// DatabaseStats is the storage-level snapshot.
type DatabaseStats struct {
	TotalEntries int64
	ByType       map[string]int64
	ByStatus     map[string]int64
	SizeBytes    int64
}

// Logger is the durable audit logger, backed by a SQLite pool.
type Logger struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Config holds the parameters for opening an audit logger.
type Config struct {
	// Path is the SQLite database file. Required. ":memory:" with
	// PoolSize 1 works for tests.
	Path string

	// PoolSize is the connection pool size. Zero means the pool
	// default.
	PoolSize int

	// Clock supplies insert timestamps and the retention horizon.
	// Nil means the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp      INTEGER NOT NULL,
	agent_id       TEXT NOT NULL,
	sandbox_id     TEXT NOT NULL,
	operation_type TEXT NOT NULL,
	status         TEXT NOT NULL,
	details        TEXT,
	resource_usage TEXT,
	duration_ms    INTEGER,
	error_message  TEXT,
	metadata       TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_log(agent_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_sandbox ON audit_log(sandbox_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_operation ON audit_log(operation_type, timestamp);
`

// Open opens (creating if needed) the audit database.
func Open(cfg Config) (*Logger, error) {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	return &Logger{pool: pool, clock: clk, logger: logger}, nil
}

// Close closes the underlying pool.
func (l *Logger) Close() error {
	return l.pool.Close()
}

// Log appends one entry. A single INSERT — concurrent writers are
// serialized by SQLite, never by this package, so one slow caller
// cannot block another above the database layer.
func (l *Logger) Log(ctx context.Context, entry Entry) error {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("audit: log: %w", err)
	}
	defer l.pool.Put(conn)

	timestamp := entry.Timestamp
	if timestamp.IsZero() {
		timestamp = l.clock.Now()
	}

	detailsJSON, err := marshalJSONColumn(entry.Details)
	if err != nil {
		return fmt.Errorf("audit: marshal details: %w", err)
	}
	metadataJSON, err := marshalJSONColumn(entry.Metadata)
	if err != nil {
		return fmt.Errorf("audit: marshal metadata: %w", err)
	}
	var usageJSON any
	if entry.ResourceUsage != nil {
		data, err := json.Marshal(entry.ResourceUsage)
		if err != nil {
			return fmt.Errorf("audit: marshal resource usage: %w", err)
		}
		usageJSON = string(data)
	}

	var durationMS any
	if entry.Duration > 0 {
		durationMS = entry.Duration.Milliseconds()
	}
	var errorMessage any
	if entry.ErrorMessage != "" {
		errorMessage = entry.ErrorMessage
	}

	err = sqlitex.Execute(conn, `INSERT INTO audit_log
		(timestamp, agent_id, sandbox_id, operation_type, status,
		 details, resource_usage, duration_ms, error_message, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				timestamp.UnixNano(),
				entry.AgentID,
				entry.SandboxID,
				string(entry.OperationType),
				string(entry.Status),
				detailsJSON,
				usageJSON,
				durationMS,
				errorMessage,
				metadataJSON,
			},
		})
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Query returns entries matching the filter, newest first.
func (l *Logger) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer l.pool.Put(conn)

	var conditions []string
	var args []any

	if filter.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.SandboxID != "" {
		conditions = append(conditions, "sandbox_id = ?")
		args = append(args, filter.SandboxID)
	}
	if filter.OperationType != "" {
		conditions = append(conditions, "operation_type = ?")
		args = append(args, string(filter.OperationType))
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	if !filter.Until.IsZero() {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, filter.Until.UnixNano())
	}

	query := "SELECT id, timestamp, agent_id, sandbox_id, operation_type, " +
		"status, details, resource_usage, duration_ms, error_message, metadata " +
		"FROM audit_log"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)

	var entries []Entry
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entry, err := scanEntry(stmt)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	return entries, nil
}

// Summary aggregates an agent's activity over the trailing number of
// days. Computed from the log at query time, so it is always
// consistent with what Query returns.
func (l *Logger) Summary(ctx context.Context, agentID string, days int) (AgentSummary, error) {
	if days <= 0 {
		days = 7
	}
	summary := AgentSummary{
		AgentID:         agentID,
		Days:            days,
		ByOperationType: make(map[string]int),
		ByStatus:        make(map[string]int),
	}

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return summary, fmt.Errorf("audit: summary: %w", err)
	}
	defer l.pool.Put(conn)

	horizon := l.clock.Now().AddDate(0, 0, -days).UnixNano()

	var totalCPU, totalMemory float64
	err = sqlitex.Execute(conn, `SELECT operation_type, status, duration_ms,
		error_message, resource_usage
		FROM audit_log WHERE agent_id = ? AND timestamp >= ?`,
		&sqlitex.ExecOptions{
			Args: []any{agentID, horizon},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				summary.TotalOperations++
				summary.ByOperationType[stmt.ColumnText(0)]++
				summary.ByStatus[stmt.ColumnText(1)]++
				summary.TotalDuration += time.Duration(stmt.ColumnInt64(2)) * time.Millisecond
				if !stmt.ColumnIsNull(3) && stmt.ColumnText(3) != "" {
					summary.ErrorCount++
				}
				if !stmt.ColumnIsNull(4) {
					var usage engine.Stats
					if err := json.Unmarshal([]byte(stmt.ColumnText(4)), &usage); err != nil {
						return fmt.Errorf("unmarshal resource usage: %w", err)
					}
					summary.UsageSampleCount++
					totalCPU += usage.CPUPercent
					totalMemory += usage.MemoryMB
					if usage.CPUPercent > summary.PeakCPUPct {
						summary.PeakCPUPct = usage.CPUPercent
					}
					if usage.MemoryMB > summary.PeakMemoryMB {
						summary.PeakMemoryMB = usage.MemoryMB
					}
				}
				return nil
			},
		})
	if err != nil {
		return summary, fmt.Errorf("audit: summary: %w", err)
	}

	if summary.UsageSampleCount > 0 {
		summary.AverageCPUPct = totalCPU / float64(summary.UsageSampleCount)
		summary.AverageMemoryMB = totalMemory / float64(summary.UsageSampleCount)
	}
	return summary, nil
}

// CleanupOld hard-deletes entries older than keepDays and returns the
// number deleted. The only sanctioned mutation of the log.
func (l *Logger) CleanupOld(ctx context.Context, keepDays int) (int64, error) {
	if keepDays <= 0 {
		return 0, fmt.Errorf("audit: cleanup: keepDays must be positive, got %d", keepDays)
	}

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("audit: cleanup: %w", err)
	}
	defer l.pool.Put(conn)

	horizon := l.clock.Now().AddDate(0, 0, -keepDays).UnixNano()
	err = sqlitex.Execute(conn, "DELETE FROM audit_log WHERE timestamp < ?",
		&sqlitex.ExecOptions{Args: []any{horizon}})
	if err != nil {
		return 0, fmt.Errorf("audit: cleanup: %w", err)
	}

	deleted := int64(conn.Changes())
	if deleted > 0 {
		l.logger.Info("audit retention cleanup",
			"deleted", deleted,
			"keep_days", keepDays,
		)
	}
	return deleted, nil
}

// DatabaseStats returns row counts and on-disk size.
func (l *Logger) DatabaseStats(ctx context.Context) (DatabaseStats, error) {
	stats := DatabaseStats{
		ByType:   make(map[string]int64),
		ByStatus: make(map[string]int64),
	}

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return stats, fmt.Errorf("audit: stats: %w", err)
	}
	defer l.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"SELECT operation_type, status, COUNT(*) FROM audit_log GROUP BY operation_type, status",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count := stmt.ColumnInt64(2)
				stats.TotalEntries += count
				stats.ByType[stmt.ColumnText(0)] += count
				stats.ByStatus[stmt.ColumnText(1)] += count
				return nil
			},
		})
	if err != nil {
		return stats, fmt.Errorf("audit: stats: %w", err)
	}

	err = sqlitex.Execute(conn,
		"SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stats.SizeBytes = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return stats, fmt.Errorf("audit: stats: %w", err)
	}
	return stats, nil
}

// scanEntry reads one audit row.
//
// Columns: id(0), timestamp(1), agent_id(2), sandbox_id(3),
// operation_type(4), status(5), details(6), resource_usage(7),
// duration_ms(8), error_message(9), metadata(10)
func scanEntry(stmt *sqlite.Stmt) (Entry, error) {
	entry := Entry{
		ID:            stmt.ColumnInt64(0),
		Timestamp:     time.Unix(0, stmt.ColumnInt64(1)).UTC(),
		AgentID:       stmt.ColumnText(2),
		SandboxID:     stmt.ColumnText(3),
		OperationType: OperationType(stmt.ColumnText(4)),
		Status:        Status(stmt.ColumnText(5)),
		Duration:      time.Duration(stmt.ColumnInt64(8)) * time.Millisecond,
		ErrorMessage:  stmt.ColumnText(9),
	}

	if !stmt.ColumnIsNull(6) {
		if err := json.Unmarshal([]byte(stmt.ColumnText(6)), &entry.Details); err != nil {
			return entry, fmt.Errorf("unmarshal details: %w", err)
		}
	}
	if !stmt.ColumnIsNull(7) {
		var usage engine.Stats
		if err := json.Unmarshal([]byte(stmt.ColumnText(7)), &usage); err != nil {
			return entry, fmt.Errorf("unmarshal resource usage: %w", err)
		}
		entry.ResourceUsage = &usage
	}
	if !stmt.ColumnIsNull(10) {
		if err := json.Unmarshal([]byte(stmt.ColumnText(10)), &entry.Metadata); err != nil {
			return entry, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return entry, nil
}

// marshalJSONColumn marshals a map for storage, returning nil (SQL
// NULL) for an empty map.
func marshalJSONColumn[M ~map[string]V, V any](m M) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
