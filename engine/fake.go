// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Fake is an in-memory Engine for tests. Containers exist only as
// bookkeeping entries; Exec traffic is routed to ExecHandler. All
// mutation counters are exported through accessor methods so tests can
// assert on exact call counts (the killswitch must kill at most once,
// cleanup must not stop twice, and so on).
//
// Fake is safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	// ExecHandler serves Channel.Run calls. Nil means every command
	// succeeds with exit code 0 and no output. The handler must honor
	// ctx if it blocks.
	ExecHandler func(ctx context.Context, containerID, command string) (ExecResult, error)

	// StatsHandler serves ContainerStats calls. Nil means the stats
	// set via SetStats (zero Stats by default).
	StatsHandler func(containerID string) (Stats, error)

	// Fail-injection hooks. Each applies to the next matching call.
	EnsureImageErr     error
	CreateContainerErr error
	StartContainerErr  error
	StopContainerErr   error

	nextID     int
	containers map[string]*fakeContainer
	images     map[string]bool
	pulls      []string
	files      map[string]map[string][]byte // container id -> path -> content
}

type fakeContainer struct {
	spec    ContainerSpec
	running bool
	removed bool

	stats    Stats
	statsErr error

	startCount  int
	stopCount   int
	killCount   int
	removeCount int
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{
		containers: make(map[string]*fakeContainer),
		images:     make(map[string]bool),
		files:      make(map[string]map[string][]byte),
	}
}

func (f *Fake) EnsureImage(ctx context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EnsureImageErr != nil {
		err := f.EnsureImageErr
		f.EnsureImageErr = nil
		return err
	}
	if !f.images[image] {
		f.pulls = append(f.pulls, image)
		f.images[image] = true
	}
	return nil
}

func (f *Fake) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateContainerErr != nil {
		err := f.CreateContainerErr
		f.CreateContainerErr = nil
		return "", err
	}
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.containers[id] = &fakeContainer{spec: spec}
	f.files[id] = make(map[string][]byte)
	return id, nil
}

func (f *Fake) StartContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartContainerErr != nil {
		err := f.StartContainerErr
		f.StartContainerErr = nil
		return err
	}
	c, ok := f.containers[id]
	if !ok || c.removed {
		return fmt.Errorf("fake engine: no such container %s", id)
	}
	c.running = true
	c.startCount++
	return nil
}

func (f *Fake) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StopContainerErr != nil {
		err := f.StopContainerErr
		f.StopContainerErr = nil
		return err
	}
	c, ok := f.containers[id]
	if !ok || c.removed {
		return fmt.Errorf("fake engine: no such container %s", id)
	}
	c.running = false
	c.stopCount++
	return nil
}

func (f *Fake) KillContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok || c.removed {
		return fmt.Errorf("fake engine: no such container %s", id)
	}
	c.running = false
	c.killCount++
	return nil
}

func (f *Fake) RemoveContainer(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("fake engine: no such container %s", id)
	}
	if c.running && !force {
		return fmt.Errorf("fake engine: container %s is running", id)
	}
	c.running = false
	c.removed = true
	c.removeCount++
	return nil
}

func (f *Fake) ContainerStats(ctx context.Context, id string) (Stats, error) {
	f.mu.Lock()
	handler := f.StatsHandler
	c, ok := f.containers[id]
	f.mu.Unlock()

	if handler != nil {
		return handler(id)
	}
	if !ok || c.removed {
		return Stats{}, fmt.Errorf("fake engine: no such container %s", id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.statsErr != nil {
		return Stats{}, c.statsErr
	}
	return c.stats, nil
}

func (f *Fake) OpenChannel(ctx context.Context, id string) (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok || c.removed {
		return nil, fmt.Errorf("fake engine: no such container %s", id)
	}
	if !c.running {
		return nil, fmt.Errorf("fake engine: container %s is not running", id)
	}
	return &fakeChannel{engine: f, containerID: id}, nil
}

func (f *Fake) CopyTo(ctx context.Context, id string, path string, content io.Reader) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	files, ok := f.files[id]
	if !ok {
		return fmt.Errorf("fake engine: no such container %s", id)
	}
	files[path] = data
	return nil
}

func (f *Fake) CopyFrom(ctx context.Context, id string, path string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	files, ok := f.files[id]
	if !ok {
		return nil, fmt.Errorf("fake engine: no such container %s", id)
	}
	data, ok := files[path]
	if !ok {
		return nil, fmt.Errorf("fake engine: %s: no such file in %s", path, id)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// SetStats sets the reading returned by ContainerStats for id.
func (f *Fake) SetStats(id string, stats Stats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.stats = stats
	}
}

// SetStatsError makes ContainerStats for id fail, simulating an
// unreachable container.
func (f *Fake) SetStatsError(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.statsErr = err
	}
}

// KillCount reports how many times id has been killed.
func (f *Fake) KillCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		return c.killCount
	}
	return 0
}

// StopCount reports how many times id has been stopped.
func (f *Fake) StopCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		return c.stopCount
	}
	return 0
}

// RemoveCount reports how many times id has been removed.
func (f *Fake) RemoveCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		return c.removeCount
	}
	return 0
}

// Running reports whether id exists and is running.
func (f *Fake) Running(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	return ok && c.running && !c.removed
}

// Spec returns the ContainerSpec id was created with.
func (f *Fake) Spec(id string) (ContainerSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return ContainerSpec{}, false
	}
	return c.spec, true
}

// Pulls returns the images pulled by EnsureImage, in order.
func (f *Fake) Pulls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pulls...)
}

// ContainerIDs returns the ids of all containers ever created.
func (f *Fake) ContainerIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.containers))
	for id := range f.containers {
		ids = append(ids, id)
	}
	return ids
}

// fakeChannel routes Run calls to the Fake's ExecHandler.
type fakeChannel struct {
	engine      *Fake
	containerID string

	mu     sync.Mutex
	closed bool
}

func (c *fakeChannel) Run(ctx context.Context, command string) (ExecResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ExecResult{}, fmt.Errorf("fake engine: channel closed")
	}
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return ExecResult{}, err
	}

	c.engine.mu.Lock()
	handler := c.engine.ExecHandler
	c.engine.mu.Unlock()

	if handler == nil {
		return ExecResult{ExitCode: 0}, nil
	}
	return handler(ctx, c.containerID, command)
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
