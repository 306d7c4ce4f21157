// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine defines the capability contract Cordon consumes from
// a container engine: image presence, container lifecycle, live
// resource stats, command execution, and file archive transfer. The
// wire protocol behind these calls is the engine implementation's
// business — see the dockercli subpackage for the production driver
// and Fake in this package for the in-memory test double.
package engine

import (
	"context"
	"io"
	"time"
)

// Bind is one host path mounted into a container.
type Bind struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// ContainerSpec describes a container to create. Limits are hard
// engine-level caps, distinct from the softer thresholds the resource
// monitor polls against.
type ContainerSpec struct {
	Name    string
	Image   string
	Command []string
	WorkDir string
	Env     map[string]string

	// Labels are attached for external inspection (docker ps
	// filtering, forensics after a crash).
	Labels map[string]string

	Binds []Bind

	// Tmpfs maps container paths to mount options for restricted
	// writable scratch space (e.g. "/tmp" -> "rw,size=64m").
	Tmpfs map[string]string

	// MemoryMB is the hard memory cap. Zero means unlimited.
	MemoryMB int

	// CPUCores is the CPU quota in whole or fractional cores. Zero
	// means unlimited.
	CPUCores float64

	// NetworkMode is the engine network mode ("none", "bridge", ...).
	// Empty means the engine default.
	NetworkMode string
}

// Stats is one point-in-time resource reading for a running container.
// The JSON field names are part of the persisted audit schema.
type Stats struct {
	CPUPercent   float64 `json:"cpu_percent"`
	MemoryMB     float64 `json:"memory_mb"`
	DiskMB       float64 `json:"disk_mb"`
	NetBytesSent uint64  `json:"net_bytes_sent"`
	NetBytesRecv uint64  `json:"net_bytes_recv"`
}

// ExecResult is the outcome of one command run inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Channel is a command-execution channel bound to one container. A
// Sandbox opens one channel at create time and closes it during
// cleanup; all RunCommand traffic for that sandbox flows through it.
type Channel interface {
	// Run executes a shell command and captures its output. Run honors
	// ctx cancellation and deadline: an expired context abandons the
	// command and returns ctx.Err().
	Run(ctx context.Context, command string) (ExecResult, error)

	// Close releases the channel. Idempotent.
	Close() error
}

// Engine is the container-engine boundary. All methods are blocking
// I/O against the engine and accept a context for cancellation.
type Engine interface {
	// EnsureImage makes the image available locally, pulling it if
	// absent.
	EnsureImage(ctx context.Context, image string) error

	// CreateContainer creates (but does not start) a container and
	// returns its engine-assigned ID.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)

	// StartContainer starts a created container.
	StartContainer(ctx context.Context, id string) error

	// StopContainer stops a running container, allowing grace for the
	// main process to exit before the engine kills it.
	StopContainer(ctx context.Context, id string, grace time.Duration) error

	// KillContainer terminates a container immediately, with no grace
	// period. Used by the killswitch.
	KillContainer(ctx context.Context, id string) error

	// RemoveContainer deletes a stopped container. force removes a
	// running one.
	RemoveContainer(ctx context.Context, id string, force bool) error

	// ContainerStats returns a live resource reading.
	ContainerStats(ctx context.Context, id string) (Stats, error)

	// OpenChannel binds a command-execution channel to a running
	// container.
	OpenChannel(ctx context.Context, id string) (Channel, error)

	// CopyTo writes content to a file path inside the container.
	CopyTo(ctx context.Context, id string, path string, content io.Reader) error

	// CopyFrom reads a file from inside the container. The caller
	// closes the returned reader.
	CopyFrom(ctx context.Context, id string, path string) (io.ReadCloser, error)
}
