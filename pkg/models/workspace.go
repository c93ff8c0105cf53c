package models

import "time"

// ContainerStatus represents the lifecycle state of a workspace container
type ContainerStatus string

const (
	StatusStarting ContainerStatus = "starting"
	StatusRunning  ContainerStatus = "running"
	StatusStopped  ContainerStatus = "stopped"
	StatusError    ContainerStatus = "error"
)

// PortBinding maps the container's internal dev-server port to the
// host port allocated for it.
type PortBinding struct {
	Internal int `json:"internal"`
	External int `json:"external"`
}

// ContainerRecord describes one running sandboxed container for a workspace
type ContainerRecord struct {
	ContainerID string          `json:"-"`
	WorkspaceID string          `json:"workspaceId"`
	UserID      string          `json:"userId"`
	Status      ContainerStatus `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	Ports       []PortBinding   `json:"ports"`
	MemoryBytes uint64          `json:"memoryBytes,omitempty"`
	CPUPercent  float64         `json:"cpuPercent,omitempty"`
}

// ExternalPort returns the host port bound to the given internal port,
// or 0 when no such binding exists.
func (r *ContainerRecord) ExternalPort(internal int) int {
	for _, p := range r.Ports {
		if p.Internal == internal {
			return p.External
		}
	}
	return 0
}

// WorkspaceFile is one entry of the file manifest used to seed a
// workspace with a pre-built project.
type WorkspaceFile struct {
	Path     string `json:"file_path"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
}

// ExecResult is the structured outcome of a command execution. Command
// failures are reported here via ExitCode and Stderr, never as errors.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// ResourceSample is a point-in-time memory/CPU reading for a container
type ResourceSample struct {
	MemoryBytes uint64  `json:"memory"`
	CPUPercent  float64 `json:"cpu"`
}

// PreviewSession caches the routing target for a workspace's preview traffic
type PreviewSession struct {
	WorkspaceID string    `json:"workspaceId"`
	Port        int       `json:"port"`
	LastAccess  time.Time `json:"lastAccess"`
	AccessCount int64     `json:"accessCount"`
}
