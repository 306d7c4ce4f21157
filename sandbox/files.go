// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/cordon-systems/cordon/audit"
)

// CopyTo streams content into a file inside the container, creating
// parent directories as the engine's copy does. Relative paths resolve
// against the working directory; parent traversal is rejected before
// any engine call.
func (s *Sandbox) CopyTo(ctx context.Context, filePath string, content io.Reader) error {
	resolved, err := s.resolvePath(filePath)
	if err != nil {
		s.auditEntry(ctx, audit.Entry{
			OperationType: audit.OpFileWrite,
			Status:        audit.StatusDenied,
			Details:       map[string]any{"path": filePath},
			ErrorMessage:  err.Error(),
		})
		return err
	}

	s.mu.Lock()
	if !s.created || s.cleaned {
		s.mu.Unlock()
		return fmt.Errorf("sandbox %s: not running", s.id)
	}
	containerID := s.containerID
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()

	start := s.clock.Now()
	err = s.engine.CopyTo(ctx, containerID, resolved, content)
	duration := s.clock.Now().Sub(start)
	if err != nil {
		s.auditEntry(ctx, audit.Entry{
			OperationType: audit.OpFileWrite,
			Status:        audit.StatusFailure,
			Duration:      duration,
			Details:       map[string]any{"path": resolved},
			ErrorMessage:  err.Error(),
		})
		return fmt.Errorf("sandbox %s: copying to %s: %w", s.id, resolved, err)
	}

	s.auditEntry(ctx, audit.Entry{
		OperationType: audit.OpFileWrite,
		Status:        audit.StatusSuccess,
		Duration:      duration,
		Details:       map[string]any{"path": resolved},
	})
	return nil
}

// CopyFrom streams a file out of the container. The caller owns the
// returned reader and must close it. Relative paths resolve against
// the working directory; parent traversal is rejected before any
// engine call.
func (s *Sandbox) CopyFrom(ctx context.Context, filePath string) (io.ReadCloser, error) {
	resolved, err := s.resolvePath(filePath)
	if err != nil {
		s.auditEntry(ctx, audit.Entry{
			OperationType: audit.OpFileRead,
			Status:        audit.StatusDenied,
			Details:       map[string]any{"path": filePath},
			ErrorMessage:  err.Error(),
		})
		return nil, err
	}

	s.mu.Lock()
	if !s.created || s.cleaned {
		s.mu.Unlock()
		return nil, fmt.Errorf("sandbox %s: not running", s.id)
	}
	containerID := s.containerID
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()

	start := s.clock.Now()
	reader, err := s.engine.CopyFrom(ctx, containerID, resolved)
	duration := s.clock.Now().Sub(start)
	if err != nil {
		s.auditEntry(ctx, audit.Entry{
			OperationType: audit.OpFileRead,
			Status:        audit.StatusFailure,
			Duration:      duration,
			Details:       map[string]any{"path": resolved},
			ErrorMessage:  err.Error(),
		})
		return nil, fmt.Errorf("sandbox %s: copying from %s: %w", s.id, resolved, err)
	}

	s.auditEntry(ctx, audit.Entry{
		OperationType: audit.OpFileRead,
		Status:        audit.StatusSuccess,
		Duration:      duration,
		Details:       map[string]any{"path": resolved},
	})
	return reader, nil
}

// ReadFile returns the contents of a file inside the container.
// Relative paths resolve against the working directory; parent
// traversal is rejected before any engine call.
func (s *Sandbox) ReadFile(ctx context.Context, filePath string) ([]byte, error) {
	resolved, err := s.resolvePath(filePath)
	if err != nil {
		s.auditEntry(ctx, audit.Entry{
			OperationType: audit.OpFileRead,
			Status:        audit.StatusDenied,
			Details:       map[string]any{"path": filePath},
			ErrorMessage:  err.Error(),
		})
		return nil, err
	}

	s.mu.Lock()
	if !s.created || s.cleaned {
		s.mu.Unlock()
		return nil, fmt.Errorf("sandbox %s: not running", s.id)
	}
	containerID := s.containerID
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()

	start := s.clock.Now()
	reader, err := s.engine.CopyFrom(ctx, containerID, resolved)
	var data []byte
	if err == nil {
		data, err = io.ReadAll(reader)
		if closeErr := reader.Close(); err == nil {
			err = closeErr
		}
	}
	duration := s.clock.Now().Sub(start)
	if err != nil {
		s.auditEntry(ctx, audit.Entry{
			OperationType: audit.OpFileRead,
			Status:        audit.StatusFailure,
			Duration:      duration,
			Details:       map[string]any{"path": resolved},
			ErrorMessage:  err.Error(),
		})
		return nil, fmt.Errorf("sandbox %s: reading %s: %w", s.id, resolved, err)
	}

	s.auditEntry(ctx, audit.Entry{
		OperationType: audit.OpFileRead,
		Status:        audit.StatusSuccess,
		Duration:      duration,
		Details: map[string]any{
			"path": resolved,
			"size": len(data),
		},
	})
	return data, nil
}

// WriteFile writes data to a file inside the container, creating
// parent directories as the engine's copy does. Relative paths resolve
// against the working directory; parent traversal is rejected.
func (s *Sandbox) WriteFile(ctx context.Context, filePath string, data []byte) error {
	resolved, err := s.resolvePath(filePath)
	if err != nil {
		s.auditEntry(ctx, audit.Entry{
			OperationType: audit.OpFileWrite,
			Status:        audit.StatusDenied,
			Details:       map[string]any{"path": filePath},
			ErrorMessage:  err.Error(),
		})
		return err
	}

	s.mu.Lock()
	if !s.created || s.cleaned {
		s.mu.Unlock()
		return fmt.Errorf("sandbox %s: not running", s.id)
	}
	containerID := s.containerID
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()

	start := s.clock.Now()
	err = s.engine.CopyTo(ctx, containerID, resolved, bytes.NewReader(data))
	duration := s.clock.Now().Sub(start)
	if err != nil {
		s.auditEntry(ctx, audit.Entry{
			OperationType: audit.OpFileWrite,
			Status:        audit.StatusFailure,
			Duration:      duration,
			Details:       map[string]any{"path": resolved},
			ErrorMessage:  err.Error(),
		})
		return fmt.Errorf("sandbox %s: writing %s: %w", s.id, resolved, err)
	}

	s.auditEntry(ctx, audit.Entry{
		OperationType: audit.OpFileWrite,
		Status:        audit.StatusSuccess,
		Duration:      duration,
		Details: map[string]any{
			"path": resolved,
			"size": len(data),
		},
	})
	return nil
}
