package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/workbench-labs/workbench/pkg/models"
)

// Docker implements Runtime against a local Docker daemon
type Docker struct {
	cli *client.Client
}

// NewDocker creates a Docker runtime from the environment (DOCKER_HOST etc.)
func NewDocker() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Docker{cli: cli}, nil
}

func (d *Docker) EnsureNetwork(ctx context.Context, name string) error {
	if _, err := d.cli.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
		return nil
	}
	if _, err := d.cli.NetworkCreate(ctx, name, network.CreateOptions{}); err != nil {
		return fmt.Errorf("failed to create network %s: %w", name, err)
	}
	return nil
}

func (d *Docker) EnsureImage(ctx context.Context, ref string) error {
	images, err := d.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == ref {
				return nil
			}
		}
	}

	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *Docker) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	internalPort := nat.Port(fmt.Sprintf("%d/tcp", spec.InternalPort))

	containerConfig := &container.Config{
		Image:      spec.Image,
		Cmd:        strslice.StrSlice{"tail", "-f", "/dev/null"},
		Env:        spec.Env,
		User:       "node",
		WorkingDir: "/workspace",
		Labels:     spec.Labels,
		ExposedPorts: nat.PortSet{
			internalPort: struct{}{},
		},
	}

	// Sandbox profile: no capabilities beyond file ownership changes, no
	// privilege escalation, read-only rootfs with non-executable scratch
	// space for /tmp and the npm cache.
	hostConfig := &container.HostConfig{
		NetworkMode:    container.NetworkMode(spec.Network),
		CapDrop:        strslice.StrSlice{"ALL"},
		CapAdd:         strslice.StrSlice{"CHOWN", "SETGID", "SETUID"},
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp":            "rw,noexec,nosuid,size=100m",
			"/home/node/.npm": "rw,noexec,nosuid,size=100m",
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: spec.WorkspacePath,
				Target: "/workspace",
			},
		},
		PortBindings: nat.PortMap{
			internalPort: []nat.PortBinding{
				{
					HostIP:   "0.0.0.0",
					HostPort: strconv.Itoa(spec.ExternalPort),
				},
			},
		},
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
		},
	}
	if spec.DiskLimit != "" {
		hostConfig.StorageOpt = map[string]string{"size": spec.DiskLimit}
	}

	resp, err := d.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Don't leave the created-but-unstarted container behind
		_ = d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	return resp.ID, nil
}

func (d *Docker) Exec(ctx context.Context, containerID string, cmd []string, workdir string, maxOutput int64) (models.ExecResult, error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return models.ExecResult{ExitCode: 1}, fmt.Errorf("exec create failed: %w", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return models.ExecResult{ExitCode: 1}, fmt.Errorf("exec attach failed: %w", err)
	}
	defer attach.Close()

	stdout := newBoundedBuffer(maxOutput)
	stderr := newBoundedBuffer(maxOutput)

	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copyDone <- err
	}()

	select {
	case err = <-copyDone:
		if err != nil && err != io.EOF {
			return models.ExecResult{
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
				ExitCode: 1,
			}, fmt.Errorf("exec stream failed: %w", err)
		}
	case <-ctx.Done():
		// Abandon the invocation; the container itself stays up
		attach.Close()
		return models.ExecResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: 124,
		}, ctx.Err()
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return models.ExecResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: 1,
		}, fmt.Errorf("exec inspect failed: %w", err)
	}

	return models.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

func (d *Docker) Stats(ctx context.Context, containerID string) (models.ResourceSample, error) {
	resp, err := d.cli.ContainerStats(ctx, containerID, false)
	if err != nil {
		return models.ResourceSample{}, err
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return models.ResourceSample{}, err
	}

	sample := models.ResourceSample{MemoryBytes: stats.MemoryStats.Usage}

	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if sysDelta > 0 && cpuDelta >= 0 {
		cpus := float64(stats.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
		}
		sample.CPUPercent = cpuDelta / sysDelta * cpus * 100.0
	}

	return sample, nil
}

func (d *Docker) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

func (d *Docker) Remove(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (d *Docker) ListNames(ctx context.Context, prefix string) ([]string, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", prefix)),
	})
	if err != nil {
		return nil, err
	}

	var names []string
	for _, c := range containers {
		for _, name := range c.Names {
			name = strings.TrimPrefix(name, "/")
			if strings.HasPrefix(name, prefix) {
				names = append(names, name)
			}
		}
	}
	return names, nil
}

func (d *Docker) Close() error {
	return d.cli.Close()
}

// boundedBuffer keeps at most max bytes and silently drops the rest so
// a runaway command cannot exhaust memory.
type boundedBuffer struct {
	buf bytes.Buffer
	max int64
}

func newBoundedBuffer(max int64) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := b.max - int64(b.buf.Len())
	if remaining <= 0 {
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.buf.Write(p[:remaining])
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) String() string {
	return b.buf.String()
}
