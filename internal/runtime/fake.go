package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/workbench-labs/workbench/pkg/models"
)

// Fake is an in-memory Runtime for tests. It records every call and
// returns the canned results configured on it.
type Fake struct {
	mu      sync.Mutex
	counter int

	Created   []ContainerSpec
	ExecCalls []ExecCall
	Stopped   []string
	Removed   []string

	Names       []string
	CreateErr   error
	ExecResult  models.ExecResult
	ExecErr     error
	StatsSample models.ResourceSample
	StatsErr    error
}

// ExecCall records one Exec invocation
type ExecCall struct {
	ContainerID string
	Cmd         []string
	Workdir     string
}

func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) EnsureNetwork(ctx context.Context, name string) error { return nil }

func (f *Fake) EnsureImage(ctx context.Context, image string) error { return nil }

func (f *Fake) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.counter++
	f.Created = append(f.Created, spec)
	return fmt.Sprintf("fake-container-%d", f.counter), nil
}

func (f *Fake) Exec(ctx context.Context, containerID string, cmd []string, workdir string, maxOutput int64) (models.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ExecCalls = append(f.ExecCalls, ExecCall{ContainerID: containerID, Cmd: cmd, Workdir: workdir})
	return f.ExecResult, f.ExecErr
}

func (f *Fake) Stats(ctx context.Context, containerID string) (models.ResourceSample, error) {
	return f.StatsSample, f.StatsErr
}

func (f *Fake) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Stopped = append(f.Stopped, containerID)
	return nil
}

func (f *Fake) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Removed = append(f.Removed, containerID)
	return nil
}

func (f *Fake) ListNames(ctx context.Context, prefix string) ([]string, error) {
	return f.Names, nil
}

func (f *Fake) Close() error { return nil }

// CreateCount returns how many containers have been created
func (f *Fake) CreateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Created)
}

// ExecCount returns how many commands have been executed
func (f *Fake) ExecCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ExecCalls)
}
