// Package runtime abstracts the container runtime behind a small
// interface so the orchestrator never shells out or depends on a
// specific engine. The production implementation speaks the Docker
// Engine API through its Go client.
package runtime

import (
	"context"
	"time"

	"github.com/workbench-labs/workbench/pkg/models"
)

// ContainerSpec describes one sandboxed workspace container to create
type ContainerSpec struct {
	Name          string
	Image         string
	Network       string
	WorkspacePath string
	Env           []string
	MemoryBytes   int64
	NanoCPUs      int64
	DiskLimit     string
	InternalPort  int
	ExternalPort  int
	Labels        map[string]string
}

// Runtime is the boundary to the container engine. Any engine exposing
// equivalent primitives can be substituted; tests use an in-memory fake.
type Runtime interface {
	// EnsureNetwork creates the isolated network if it does not exist
	EnsureNetwork(ctx context.Context, name string) error

	// EnsureImage pulls the base image unless it is already present
	EnsureImage(ctx context.Context, image string) error

	// CreateContainer creates and starts a container, returning its runtime id
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)

	// Exec runs a command inside a running container. Partial output may
	// accompany a non-nil error.
	Exec(ctx context.Context, containerID string, cmd []string, workdir string, maxOutput int64) (models.ExecResult, error)

	// Stats returns a live resource sample for a running container
	Stats(ctx context.Context, containerID string) (models.ResourceSample, error)

	// Stop stops a container, waiting up to timeout before killing it
	Stop(ctx context.Context, containerID string, timeout time.Duration) error

	// Remove deletes a stopped container
	Remove(ctx context.Context, containerID string) error

	// ListNames returns the names of all containers (running or not)
	// whose name starts with prefix.
	ListNames(ctx context.Context, prefix string) ([]string, error)

	Close() error
}
