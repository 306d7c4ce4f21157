// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox wraps one container's lifecycle: Guardian-approved
// creation, serialized command execution, file transfer, and
// idempotent cleanup. Every state-changing operation consults the
// Guardian first and writes exactly one audit entry after. The file
// operations are the one documented exemption from the Guardian check:
// their paths are contained to the sandbox working directory locally,
// and they are still audited as file_read/file_write.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cordon-systems/cordon/audit"
	"github.com/cordon-systems/cordon/engine"
	"github.com/cordon-systems/cordon/guardian"
	"github.com/cordon-systems/cordon/lib/clock"
	"github.com/cordon-systems/cordon/monitor"
)

// Label keys attached to every sandbox container so external tooling
// (docker ps filters, post-crash forensics) can attribute containers
// without Cordon running.
const (
	LabelAgentID   = "cordon.agent_id"
	LabelSandboxID = "cordon.sandbox_id"
	LabelCreatedAt = "cordon.created_at"
)

// defaultCommandTimeout bounds a command when neither the Guardian nor
// the caller supplies one.
const defaultCommandTimeout = 30 * time.Second

// stopGrace is how long cleanup lets the container's main process exit
// before the engine kills it.
const stopGrace = 10 * time.Second

// Config holds the parameters for constructing a Sandbox.
type Config struct {
	// ID is the globally unique sandbox id, assigned by the manager.
	// Required.
	ID string

	// AgentID is the owning tenant. Required.
	AgentID string

	// AgentVersion tags the audit metadata. Optional.
	AgentVersion string

	// Image is the container image. Required; the manager ensures it
	// is present before construction.
	Image string

	// Command keeps the container alive. Empty means a sleep loop.
	Command []string

	// WorkDir is the working directory inside the container. Relative
	// file paths resolve against it. Empty means /workspace.
	WorkDir string

	// HostWorkDir, when set, is bound read-write at WorkDir.
	HostWorkDir string

	// ExtraBinds are additional host mounts, validated by the
	// Guardian at create time.
	ExtraBinds []guardian.VolumeBinding

	// NetworkMode is passed through to the engine ("none" isolates).
	NetworkMode string

	// Limits caps the sandbox. Immutable for the sandbox's life.
	Limits guardian.ResourceLimits

	// CommandTimeout is the default per-command timeout. Zero means
	// 30 seconds.
	CommandTimeout time.Duration

	// Tags are free-form metadata, attached to container labels and
	// audit entries.
	Tags map[string]string

	Guardian *guardian.Guardian
	Audit    *audit.Logger
	Monitor  *monitor.Monitor
	Engine   engine.Engine

	// Clock supplies timestamps. Nil means the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Metadata is the descriptive state of a sandbox.
type Metadata struct {
	SandboxID    string
	AgentID      string
	AgentVersion string
	CreatedAt    time.Time
	LastActivity time.Time
	Tags         map[string]string
}

// Status is the read-only composition returned by Status.
type Status struct {
	Metadata    Metadata
	State       string // uninitialized, ready, killed, terminated
	ContainerID string
	Image       string
	WorkDir     string
	Limits      guardian.ResourceLimits
}

// Sandbox owns one container. Construct with New, provision with
// Create, and always Cleanup — cleanup is idempotent and safe to defer
// unconditionally.
type Sandbox struct {
	id           string
	agentID      string
	agentVersion string
	image        string
	command      []string
	workDir      string
	hostWorkDir  string
	extraBinds   []guardian.VolumeBinding
	networkMode  string
	limits       guardian.ResourceLimits
	cmdTimeout   time.Duration
	tags         map[string]string

	guardian *guardian.Guardian
	audit    *audit.Logger
	monitor  *monitor.Monitor
	engine   engine.Engine
	clock    clock.Clock
	logger   *slog.Logger

	// execMu serializes command execution: a sandbox runs one command
	// at a time.
	execMu sync.Mutex

	// mu guards the mutable state below.
	mu           sync.Mutex
	containerID  string
	channel      engine.Channel
	createdAt    time.Time
	lastActivity time.Time
	created      bool
	cleaned      bool
}

// New validates the configuration and returns an unprovisioned
// Sandbox. No engine calls happen until Create.
func New(cfg Config) (*Sandbox, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("sandbox: ID is required")
	}
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("sandbox: AgentID is required")
	}
	if cfg.Image == "" {
		return nil, fmt.Errorf("sandbox: Image is required")
	}
	if cfg.Guardian == nil || cfg.Audit == nil || cfg.Monitor == nil || cfg.Engine == nil {
		return nil, fmt.Errorf("sandbox: Guardian, Audit, Monitor, and Engine are required")
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = "/workspace"
	}
	command := cfg.Command
	if len(command) == 0 {
		command = []string{"tail", "-f", "/dev/null"}
	}
	cmdTimeout := cfg.CommandTimeout
	if cmdTimeout <= 0 {
		cmdTimeout = defaultCommandTimeout
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Sandbox{
		id:           cfg.ID,
		agentID:      cfg.AgentID,
		agentVersion: cfg.AgentVersion,
		image:        cfg.Image,
		command:      command,
		workDir:      workDir,
		hostWorkDir:  cfg.HostWorkDir,
		extraBinds:   cfg.ExtraBinds,
		networkMode:  cfg.NetworkMode,
		limits:       cfg.Limits,
		cmdTimeout:   cmdTimeout,
		tags:         cfg.Tags,
		guardian:     cfg.Guardian,
		audit:        cfg.Audit,
		monitor:      cfg.Monitor,
		engine:       cfg.Engine,
		clock:        clk,
		logger:       logger.With("sandbox_id", cfg.ID, "agent_id", cfg.AgentID),
	}, nil
}

// ID returns the sandbox id.
func (s *Sandbox) ID() string { return s.id }

// AgentID returns the owning agent.
func (s *Sandbox) AgentID() string { return s.agentID }

// volumeBindings assembles the bindings submitted to the Guardian and
// translated into engine mounts: the working directory first, then the
// configured extras.
func (s *Sandbox) volumeBindings() []guardian.VolumeBinding {
	var bindings []guardian.VolumeBinding
	if s.hostWorkDir != "" {
		bindings = append(bindings, guardian.VolumeBinding{
			HostPath:      s.hostWorkDir,
			ContainerPath: s.workDir,
			Mode:          "rw",
		})
	}
	return append(bindings, s.extraBinds...)
}

// Create provisions the container: Guardian approval, engine
// create/start, exec channel, monitor registration, audit. On denial
// the container is never provisioned. On a provisioning failure the
// partial container is torn down best-effort before the error
// propagates.
func (s *Sandbox) Create(ctx context.Context) error {
	s.mu.Lock()
	if s.created || s.cleaned {
		s.mu.Unlock()
		return fmt.Errorf("sandbox %s: already created", s.id)
	}
	s.mu.Unlock()

	start := s.clock.Now()
	bindings := s.volumeBindings()

	decision := s.guardian.ValidateOperation(guardian.OperationRequest{
		AgentID:        s.agentID,
		Operation:      "sandbox_create",
		VolumeBindings: bindings,
		ResourceLimits: &s.limits,
		Metadata:       s.tags,
	})
	if !decision.Approved {
		s.auditEntry(ctx, audit.Entry{
			OperationType: audit.OpGuardianDenial,
			Status:        audit.StatusDenied,
			Details: map[string]any{
				"operation": "sandbox_create",
				"reason":    decision.Reason,
				"risk":      decision.Risk.String(),
			},
		})
		return &PolicyDeniedError{
			Operation: "sandbox_create",
			Reason:    decision.Reason,
			Risk:      decision.Risk,
		}
	}

	spec := engine.ContainerSpec{
		Name:    "cordon-" + s.id,
		Image:   s.image,
		Command: s.command,
		WorkDir: s.workDir,
		Labels: map[string]string{
			LabelAgentID:   s.agentID,
			LabelSandboxID: s.id,
			LabelCreatedAt: start.UTC().Format(time.RFC3339),
		},
		Tmpfs:       map[string]string{"/tmp": "rw,size=64m"},
		MemoryMB:    s.limits.MemoryMB,
		CPUCores:    s.limits.CPUPercent / 100,
		NetworkMode: s.networkMode,
	}
	for key, value := range s.tags {
		spec.Labels["cordon.tag."+key] = value
	}
	for _, binding := range bindings {
		spec.Binds = append(spec.Binds, engine.Bind{
			HostPath:      binding.HostPath,
			ContainerPath: binding.ContainerPath,
			ReadOnly:      binding.Mode == "ro",
		})
	}

	containerID, err := s.provision(ctx, spec)
	duration := s.clock.Now().Sub(start)
	if err != nil {
		s.auditEntry(ctx, audit.Entry{
			OperationType: audit.OpSandboxCreate,
			Status:        audit.StatusFailure,
			Duration:      duration,
			ErrorMessage:  err.Error(),
		})
		return fmt.Errorf("sandbox %s: create: %w", s.id, err)
	}

	s.mu.Lock()
	s.containerID = containerID
	s.createdAt = start
	s.lastActivity = start
	s.created = true
	s.mu.Unlock()

	s.monitor.Add(s.id, containerID, s.agentID, s.limits)

	s.auditEntry(ctx, audit.Entry{
		OperationType: audit.OpSandboxCreate,
		Status:        audit.StatusSuccess,
		Duration:      duration,
		Details: map[string]any{
			"container_id": containerID,
			"image":        s.image,
			"conditions":   decision.Conditions,
		},
	})
	s.logger.Info("sandbox created",
		"container_id", containerID,
		"image", s.image,
		"duration", duration,
	)
	return nil
}

// provision runs the engine steps of Create. On failure it tears down
// whatever was built so no orphan container survives the error.
func (s *Sandbox) provision(ctx context.Context, spec engine.ContainerSpec) (string, error) {
	containerID, err := s.engine.CreateContainer(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}

	if err := s.engine.StartContainer(ctx, containerID); err != nil {
		s.teardownPartial(containerID)
		return "", fmt.Errorf("starting container: %w", err)
	}

	channel, err := s.engine.OpenChannel(ctx, containerID)
	if err != nil {
		s.teardownPartial(containerID)
		return "", fmt.Errorf("opening exec channel: %w", err)
	}

	s.mu.Lock()
	s.channel = channel
	s.mu.Unlock()
	return containerID, nil
}

// teardownPartial removes a half-provisioned container. Best effort:
// the original failure is what propagates, not this.
func (s *Sandbox) teardownPartial(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	if err := s.engine.RemoveContainer(ctx, containerID, true); err != nil {
		s.logger.Warn("failed to remove partially created container",
			"container_id", containerID,
			"error", err,
		)
	}
}

// RunCommand executes one shell command inside the container. Commands
// on the same sandbox are serialized. The effective timeout is the
// Guardian's override when set, otherwise the caller's timeout,
// otherwise the sandbox default. A timeout abandons the command and
// returns a TimeoutError without destroying the sandbox.
func (s *Sandbox) RunCommand(ctx context.Context, command string, timeout time.Duration) (engine.ExecResult, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	s.mu.Lock()
	if !s.created || s.cleaned {
		s.mu.Unlock()
		err := fmt.Errorf("sandbox %s: not running", s.id)
		s.auditEntry(ctx, audit.Entry{
			OperationType: audit.OpCommandExecute,
			Status:        audit.StatusFailure,
			Details:       map[string]any{"command": command},
			ErrorMessage:  err.Error(),
		})
		return engine.ExecResult{}, err
	}
	s.lastActivity = s.clock.Now()
	channel := s.channel
	s.mu.Unlock()

	if s.monitor.KillTriggered(s.id) {
		err := fmt.Errorf("sandbox %s: killed by resource monitor", s.id)
		s.auditEntry(ctx, audit.Entry{
			OperationType: audit.OpCommandExecute,
			Status:        audit.StatusDenied,
			Details: map[string]any{
				"command": command,
				"reason":  "resource kill switch triggered",
			},
			ErrorMessage: err.Error(),
		})
		return engine.ExecResult{}, err
	}

	decision := s.guardian.ValidateOperation(guardian.OperationRequest{
		AgentID:   s.agentID,
		Operation: "command_execute",
		Command:   command,
	})
	if !decision.Approved {
		s.auditEntry(ctx, audit.Entry{
			OperationType: audit.OpGuardianDenial,
			Status:        audit.StatusDenied,
			Details: map[string]any{
				"operation": "command_execute",
				"command":   command,
				"reason":    decision.Reason,
				"risk":      decision.Risk.String(),
			},
		})
		return engine.ExecResult{}, &PolicyDeniedError{
			Operation: "command_execute",
			Reason:    decision.Reason,
			Risk:      decision.Risk,
		}
	}

	effective := s.cmdTimeout
	if timeout > 0 {
		effective = timeout
	}
	if decision.TimeoutOverride > 0 {
		effective = decision.TimeoutOverride
	}

	start := s.clock.Now()
	runCtx, cancel := context.WithTimeout(ctx, effective)
	defer cancel()

	result, err := channel.Run(runCtx, command)
	duration := s.clock.Now().Sub(start)

	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		s.auditEntry(ctx, audit.Entry{
			OperationType: audit.OpCommandExecute,
			Status:        audit.StatusTimeout,
			Duration:      duration,
			Details: map[string]any{
				"command": command,
				"timeout": effective.String(),
			},
			ErrorMessage: err.Error(),
		})
		return engine.ExecResult{}, &TimeoutError{Command: command, Timeout: effective}

	case err != nil:
		s.auditEntry(ctx, audit.Entry{
			OperationType: audit.OpCommandExecute,
			Status:        audit.StatusFailure,
			Duration:      duration,
			Details:       map[string]any{"command": command},
			ErrorMessage:  err.Error(),
		})
		return engine.ExecResult{}, fmt.Errorf("sandbox %s: command failed: %w", s.id, err)
	}

	details := map[string]any{
		"command":     command,
		"exit_code":   result.ExitCode,
		"output_size": len(result.Stdout) + len(result.Stderr),
	}
	if len(decision.Conditions) > 0 {
		details["conditions"] = decision.Conditions
	}
	s.auditEntry(ctx, audit.Entry{
		OperationType: audit.OpCommandExecute,
		Status:        audit.StatusSuccess,
		Duration:      duration,
		Details:       details,
	})
	return result, nil
}

// Cleanup tears the sandbox down: monitor unregistration, channel
// close, bounded container stop, forced removal. All steps run even
// when earlier ones fail; failures are aggregated into the audit entry
// and the log, never returned. The sandbox is terminated regardless.
// Idempotent, and always returns nil.
func (s *Sandbox) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	if s.cleaned {
		s.mu.Unlock()
		return nil
	}
	s.cleaned = true
	containerID := s.containerID
	channel := s.channel
	created := s.created
	s.mu.Unlock()

	if !created {
		return nil
	}

	start := s.clock.Now()
	s.monitor.Remove(s.id)

	var errs []error
	if channel != nil {
		if err := channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing exec channel: %w", err))
		}
	}
	if containerID != "" {
		if err := s.engine.StopContainer(ctx, containerID, stopGrace); err != nil {
			errs = append(errs, fmt.Errorf("stopping container: %w", err))
		}
		if err := s.engine.RemoveContainer(ctx, containerID, true); err != nil {
			errs = append(errs, fmt.Errorf("removing container: %w", err))
		}
	}

	aggregated := errors.Join(errs...)
	entry := audit.Entry{
		OperationType: audit.OpSandboxDelete,
		Status:        audit.StatusSuccess,
		Duration:      s.clock.Now().Sub(start),
		Details:       map[string]any{"container_id": containerID},
	}
	if aggregated != nil {
		entry.Status = audit.StatusFailure
		entry.ErrorMessage = aggregated.Error()
	}
	s.auditEntry(ctx, entry)

	if aggregated != nil {
		s.logger.Warn("sandbox cleanup completed with errors", "error", aggregated)
	} else {
		s.logger.Info("sandbox cleaned up", "container_id", containerID)
	}
	return nil
}

// Status returns the read-only composition of metadata, configuration,
// and lifecycle state.
func (s *Sandbox) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := "uninitialized"
	switch {
	case s.cleaned:
		state = "terminated"
	case s.created && s.monitor.KillTriggered(s.id):
		state = "killed"
	case s.created:
		state = "ready"
	}

	return Status{
		Metadata: Metadata{
			SandboxID:    s.id,
			AgentID:      s.agentID,
			AgentVersion: s.agentVersion,
			CreatedAt:    s.createdAt,
			LastActivity: s.lastActivity,
			Tags:         s.tags,
		},
		State:       state,
		ContainerID: s.containerID,
		Image:       s.image,
		WorkDir:     s.workDir,
		Limits:      s.limits,
	}
}

// Metrics returns the live monitor snapshot for this sandbox. The
// second return is false when the sandbox is not currently monitored
// (never created, cleaned up, or dropped as unreachable).
func (s *Sandbox) Metrics() (monitor.SandboxMetrics, bool) {
	return s.monitor.SandboxMetrics(s.id)
}

// LastActivity returns the time of the most recent operation.
func (s *Sandbox) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// auditEntry fills the identity fields and writes one audit row. Audit
// failures are logged, never propagated: the operation outcome stands
// on its own.
func (s *Sandbox) auditEntry(ctx context.Context, entry audit.Entry) {
	entry.AgentID = s.agentID
	entry.SandboxID = s.id
	if s.agentVersion != "" {
		if entry.Metadata == nil {
			entry.Metadata = map[string]string{}
		}
		entry.Metadata["agent_version"] = s.agentVersion
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		s.logger.Error("failed to write audit entry",
			"operation_type", string(entry.OperationType),
			"error", err,
		)
	}
}

// resolvePath resolves a possibly-relative container path against the
// working directory and rejects parent traversal.
func (s *Sandbox) resolvePath(p string) (string, error) {
	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return "", fmt.Errorf("sandbox %s: path %q contains parent traversal", s.id, p)
		}
	}
	if !path.IsAbs(p) {
		p = path.Join(s.workDir, p)
	}
	return path.Clean(p), nil
}
