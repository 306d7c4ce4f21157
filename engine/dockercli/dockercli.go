// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

// Package dockercli implements engine.Engine by shelling out to a
// docker-compatible CLI (docker, podman). Driving the CLI instead of
// the HTTP API keeps the dependency surface to one binary on PATH and
// works identically against both engines.
package dockercli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cordon-systems/cordon/engine"
)

// Config holds the parameters for constructing a Driver.
type Config struct {
	// Binary is the CLI to drive. Empty means "docker".
	Binary string

	// Logger receives one debug line per CLI invocation. Nil means
	// discard.
	Logger *slog.Logger
}

// Driver shells out to the configured CLI. Stateless; safe for
// concurrent use.
type Driver struct {
	binary string
	logger *slog.Logger
}

// New returns a Driver. No validation happens here; the first call
// reports a missing binary.
func New(cfg Config) *Driver {
	binary := cfg.Binary
	if binary == "" {
		binary = "docker"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Driver{binary: binary, logger: logger}
}

// run invokes the CLI once and returns trimmed stdout. Stderr rides
// along in the error.
func (d *Driver) run(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	d.logger.Debug("engine cli call",
		"args", strings.Join(args, " "),
		"duration", time.Since(start),
		"err", err != nil,
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%s %s: %w: %s", d.binary, args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// EnsureImage pulls the image unless it is already present.
func (d *Driver) EnsureImage(ctx context.Context, image string) error {
	if _, err := d.run(ctx, "image", "inspect", "--format", "{{.Id}}", image); err == nil {
		return nil
	}
	d.logger.Info("pulling image", "image", image)
	if _, err := d.run(ctx, "pull", image); err != nil {
		return fmt.Errorf("pulling %s: %w", image, err)
	}
	return nil
}

// createArgs translates a ContainerSpec into CLI arguments.
func createArgs(spec engine.ContainerSpec) []string {
	args := []string{"create"}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	if spec.WorkDir != "" {
		args = append(args, "--workdir", spec.WorkDir)
	}
	if spec.NetworkMode != "" {
		args = append(args, "--network", spec.NetworkMode)
	}
	if spec.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", spec.MemoryMB))
	}
	if spec.CPUCores > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(spec.CPUCores, 'f', -1, 64))
	}
	for key, value := range sortedMap(spec.Env) {
		args = append(args, "--env", key+"="+value)
	}
	for key, value := range sortedMap(spec.Labels) {
		args = append(args, "--label", key+"="+value)
	}
	for _, bind := range spec.Binds {
		mount := bind.HostPath + ":" + bind.ContainerPath
		if bind.ReadOnly {
			mount += ":ro"
		}
		args = append(args, "--volume", mount)
	}
	for path, opts := range sortedMap(spec.Tmpfs) {
		args = append(args, "--tmpfs", path+":"+opts)
	}
	args = append(args, spec.Image)
	return append(args, spec.Command...)
}

// CreateContainer creates the container and returns the engine id.
func (d *Driver) CreateContainer(ctx context.Context, spec engine.ContainerSpec) (string, error) {
	id, err := d.run(ctx, createArgs(spec)...)
	if err != nil {
		return "", err
	}
	return id, nil
}

// StartContainer starts a created container.
func (d *Driver) StartContainer(ctx context.Context, id string) error {
	_, err := d.run(ctx, "start", id)
	return err
}

// StopContainer stops the container, giving the main process up to
// grace to exit before the engine kills it.
func (d *Driver) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	seconds := int(grace.Round(time.Second).Seconds())
	_, err := d.run(ctx, "stop", "--time", strconv.Itoa(seconds), id)
	return err
}

// KillContainer delivers SIGKILL immediately.
func (d *Driver) KillContainer(ctx context.Context, id string) error {
	_, err := d.run(ctx, "kill", id)
	return err
}

// RemoveContainer removes the container; force removes a running one.
func (d *Driver) RemoveContainer(ctx context.Context, id string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "--force")
	}
	_, err := d.run(ctx, append(args, id)...)
	return err
}

// statsLine is the CLI's per-container stats JSON.
type statsLine struct {
	CPUPerc  string `json:"CPUPerc"`
	MemUsage string `json:"MemUsage"`
	NetIO    string `json:"NetIO"`
}

// ContainerStats takes one stats sample. Disk usage is the writable
// layer size from inspect, which the stats stream does not carry.
func (d *Driver) ContainerStats(ctx context.Context, id string) (engine.Stats, error) {
	out, err := d.run(ctx, "stats", "--no-stream", "--format", "{{json .}}", id)
	if err != nil {
		return engine.Stats{}, err
	}
	var line statsLine
	if err := json.Unmarshal([]byte(out), &line); err != nil {
		return engine.Stats{}, fmt.Errorf("parsing stats for %s: %w", id, err)
	}

	stats := engine.Stats{}
	if stats.CPUPercent, err = parsePercent(line.CPUPerc); err != nil {
		return engine.Stats{}, fmt.Errorf("parsing stats for %s: %w", id, err)
	}
	if stats.MemoryMB, err = parseSizePair(line.MemUsage); err != nil {
		return engine.Stats{}, fmt.Errorf("parsing stats for %s: %w", id, err)
	}
	if stats.NetBytesSent, stats.NetBytesRecv, err = parseNetIO(line.NetIO); err != nil {
		return engine.Stats{}, fmt.Errorf("parsing stats for %s: %w", id, err)
	}

	// SizeRw is bytes; podman and docker agree on this field.
	sizeOut, err := d.run(ctx, "inspect", "--size", "--format", "{{.SizeRw}}", id)
	if err == nil {
		if sizeBytes, parseErr := strconv.ParseFloat(sizeOut, 64); parseErr == nil {
			stats.DiskMB = sizeBytes / (1024 * 1024)
		}
	}
	return stats, nil
}

// OpenChannel returns a Channel that runs each command as a CLI exec.
func (d *Driver) OpenChannel(ctx context.Context, id string) (engine.Channel, error) {
	// Probe that the container accepts execs before handing out the
	// channel, so a dead container fails at open time.
	if _, err := d.run(ctx, "exec", id, "true"); err != nil {
		return nil, fmt.Errorf("container %s is not executable: %w", id, err)
	}
	return &execChannel{driver: d, containerID: id}, nil
}

// CopyTo writes content to a file inside the container, creating
// parent directories. The path travels as a positional parameter so
// no shell quoting applies to it.
func (d *Driver) CopyTo(ctx context.Context, id string, path string, content io.Reader) error {
	script := `mkdir -p "$(dirname "$1")" && cat > "$1"`
	cmd := exec.CommandContext(ctx, d.binary, "exec", "--interactive", id, "sh", "-c", script, "sh", path)
	cmd.Stdin = content
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("writing %s in %s: %w: %s", path, id, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// CopyFrom reads a file from inside the container.
func (d *Driver) CopyFrom(ctx context.Context, id string, path string) (io.ReadCloser, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.binary, "exec", id, "cat", path)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("reading %s from %s: %w: %s", path, id, err, strings.TrimSpace(stderr.String()))
	}
	return io.NopCloser(&stdout), nil
}

// execChannel runs commands as CLI execs against one container.
type execChannel struct {
	driver      *Driver
	containerID string
}

func (c *execChannel) Run(ctx context.Context, command string) (engine.ExecResult, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.driver.binary, "exec", c.containerID, "sh", "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := engine.ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		if ctx.Err() != nil {
			return engine.ExecResult{}, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return engine.ExecResult{}, fmt.Errorf("exec in %s: %w", c.containerID, err)
	}
	return result, nil
}

// Close is a no-op: CLI execs hold no persistent connection.
func (c *execChannel) Close() error { return nil }
