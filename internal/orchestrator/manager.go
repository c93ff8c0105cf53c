// Package orchestrator owns the container registry: creation with
// per-user capacity enforcement, gated command execution, resource
// inspection, teardown, idle-timeout scheduling, and startup
// reconciliation of leftover containers.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/workbench-labs/workbench/internal/config"
	"github.com/workbench-labs/workbench/internal/runtime"
	"github.com/workbench-labs/workbench/pkg/models"
)

var (
	// ErrCapacity is returned when a user is at their container ceiling
	ErrCapacity = errors.New("maximum containers per user exceeded")

	// ErrNotRunning is returned when no running container exists for a workspace
	ErrNotRunning = errors.New("container not found or not running")

	// ErrCommandRejected is returned when the command gate refuses a command
	ErrCommandRejected = errors.New("command not allowed")

	// ErrProvision hides runtime diagnostics from callers; the cause is logged
	ErrProvision = errors.New("failed to create isolated environment")

	errInvalidWorkspaceID = errors.New("invalid workspace id")
)

// CreateOptions configures container creation for a workspace
type CreateOptions struct {
	WorkspaceID string
	UserID      string
	Files       []models.WorkspaceFile
	Env         map[string]string
	IdleTimeout time.Duration // zero means the configured default
}

// ExecOptions bounds a single command execution
type ExecOptions struct {
	Timeout time.Duration // zero means the configured default
	Cwd     string        // empty means /workspace
}

// Manager is the container orchestrator. All container records are
// owned and mutated exclusively here.
type Manager struct {
	cfg *config.Config
	rt  runtime.Runtime

	mu      sync.RWMutex
	records map[string]*models.ContainerRecord
	timers  map[string]*time.Timer

	slotMu sync.Mutex
	slots  map[string]*semaphore.Weighted
}

// NewManager creates an orchestrator over the given runtime
func NewManager(cfg *config.Config, rt runtime.Runtime) *Manager {
	return &Manager{
		cfg:     cfg,
		rt:      rt,
		records: make(map[string]*models.ContainerRecord),
		timers:  make(map[string]*time.Timer),
		slots:   make(map[string]*semaphore.Weighted),
	}
}

// Init prepares the host for workspace containers: workspaces
// directory, isolated network, base image, and reconciliation of any
// containers left over from a previous process lifetime.
func (m *Manager) Init(ctx context.Context) error {
	if err := os.MkdirAll(m.cfg.WorkspacesDir, 0o755); err != nil {
		return fmt.Errorf("failed to create workspaces directory: %w", err)
	}
	if err := m.rt.EnsureNetwork(ctx, m.cfg.NetworkName); err != nil {
		return err
	}
	if err := m.rt.EnsureImage(ctx, m.cfg.BaseImage); err != nil {
		return fmt.Errorf("failed to ensure base image: %w", err)
	}
	m.Reconcile(ctx)
	return nil
}

// CreateContainer provisions a sandboxed container for the workspace.
// If the workspace already has a live container its record is returned
// unchanged, so a workspace never holds two containers at once. The
// returned record is a copy; live records are mutated only under m.mu.
func (m *Manager) CreateContainer(ctx context.Context, opts CreateOptions) (models.ContainerRecord, error) {
	if !validWorkspaceID(opts.WorkspaceID) {
		return models.ContainerRecord{}, errInvalidWorkspaceID
	}

	m.mu.RLock()
	existing, ok := m.records[opts.WorkspaceID]
	var snapshot models.ContainerRecord
	if ok {
		snapshot = *existing
	}
	m.mu.RUnlock()
	if ok {
		return snapshot, nil
	}

	if !m.acquireSlot(opts.UserID) {
		return models.ContainerRecord{}, ErrCapacity
	}

	workspacePath := filepath.Join(m.cfg.WorkspacesDir, opts.WorkspaceID)
	if err := m.seedWorkspace(workspacePath, opts.Files); err != nil {
		m.releaseSlot(opts.UserID)
		log.Printf("[orchestrator] failed to seed workspace %s: %v", opts.WorkspaceID, err)
		return models.ContainerRecord{}, ErrProvision
	}

	// Register the record before starting the container so the port
	// reservation and the one-container-per-workspace invariant hold
	// under concurrent creates.
	m.mu.Lock()
	if existing, ok := m.records[opts.WorkspaceID]; ok {
		snapshot := *existing
		m.mu.Unlock()
		m.releaseSlot(opts.UserID)
		return snapshot, nil
	}
	externalPort, err := m.allocatePortLocked()
	if err != nil {
		m.mu.Unlock()
		m.releaseSlot(opts.UserID)
		return models.ContainerRecord{}, err
	}
	record := &models.ContainerRecord{
		WorkspaceID: opts.WorkspaceID,
		UserID:      opts.UserID,
		Status:      models.StatusStarting,
		CreatedAt:   time.Now(),
		Ports: []models.PortBinding{
			{Internal: m.cfg.InternalPort, External: externalPort},
		},
	}
	m.records[opts.WorkspaceID] = record
	m.mu.Unlock()

	env := []string{
		"NODE_ENV=development",
		"WORKSPACE_ID=" + opts.WorkspaceID,
		"USER_ID=" + opts.UserID,
	}
	for key, value := range opts.Env {
		env = append(env, key+"="+value)
	}

	containerID, err := m.rt.CreateContainer(ctx, runtime.ContainerSpec{
		Name:          m.containerName(opts.WorkspaceID),
		Image:         m.cfg.BaseImage,
		Network:       m.cfg.NetworkName,
		WorkspacePath: workspacePath,
		Env:           env,
		MemoryBytes:   m.cfg.MemoryLimitBytes,
		NanoCPUs:      m.cfg.NanoCPUs,
		DiskLimit:     m.cfg.DiskLimit,
		InternalPort:  m.cfg.InternalPort,
		ExternalPort:  externalPort,
		Labels: map[string]string{
			"workspace-id": opts.WorkspaceID,
			"user-id":      opts.UserID,
			"managed-by":   "workbench",
		},
	})
	if err != nil {
		m.mu.Lock()
		delete(m.records, opts.WorkspaceID)
		m.mu.Unlock()
		m.releaseSlot(opts.UserID)
		log.Printf("[orchestrator] failed to create container for %s: %v", opts.WorkspaceID, err)
		return models.ContainerRecord{}, ErrProvision
	}

	m.mu.Lock()
	record.ContainerID = containerID
	record.Status = models.StatusRunning
	snapshot = *record
	m.mu.Unlock()

	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = m.cfg.ContainerIdleTimeout
	}
	m.scheduleIdleStop(opts.WorkspaceID, idle)

	log.Printf("[orchestrator] created container for workspace %s (port %d)", opts.WorkspaceID, externalPort)
	return snapshot, nil
}

// ExecuteCommand runs a gated command inside the workspace container.
// Command-level failures (non-zero exit, timeouts, runtime hiccups)
// come back as a structured result; only a missing container or a
// rejected command returns an error.
func (m *Manager) ExecuteCommand(ctx context.Context, workspaceID, command string, opts ExecOptions) (*models.ExecResult, error) {
	m.mu.RLock()
	record, ok := m.records[workspaceID]
	running := ok && record.Status == models.StatusRunning
	containerID := ""
	if ok {
		containerID = record.ContainerID
	}
	m.mu.RUnlock()

	if !running {
		return nil, ErrNotRunning
	}

	cleaned, accepted := sanitizeCommand(command)
	if !accepted {
		return nil, ErrCommandRejected
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.CommandTimeout
	}
	workdir := opts.Cwd
	if workdir == "" {
		workdir = "/workspace"
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := m.rt.Exec(execCtx, containerID, []string{"sh", "-c", cleaned}, workdir, m.cfg.MaxOutputBytes)
	if err != nil {
		log.Printf("[orchestrator] exec failed for %s: %v", workspaceID, err)
		if result.ExitCode == 0 {
			result.ExitCode = 1
		}
		if errors.Is(err, context.DeadlineExceeded) {
			result.Stderr = fmt.Sprintf("command timed out after %s", timeout)
		} else if result.Stderr == "" {
			result.Stderr = "command execution failed"
		}
	}
	return &result, nil
}

// ResourceUsage returns a live memory/CPU sample for a running
// workspace container, or nil if it is not running or the query fails.
func (m *Manager) ResourceUsage(ctx context.Context, workspaceID string) *models.ResourceSample {
	m.mu.RLock()
	record, ok := m.records[workspaceID]
	running := ok && record.Status == models.StatusRunning
	containerID := ""
	if ok {
		containerID = record.ContainerID
	}
	m.mu.RUnlock()

	if !running {
		return nil
	}

	sample, err := m.rt.Stats(ctx, containerID)
	if err != nil {
		return nil
	}

	m.mu.Lock()
	if record, ok := m.records[workspaceID]; ok {
		record.MemoryBytes = sample.MemoryBytes
		record.CPUPercent = sample.CPUPercent
	}
	m.mu.Unlock()

	return &sample
}

// Record returns a copy of the container record for a workspace, if
// any. Copies keep callers decoupled from fields the manager mutates
// under its lock.
func (m *Manager) Record(workspaceID string) (models.ContainerRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[workspaceID]
	if !ok {
		return models.ContainerRecord{}, false
	}
	return *record, true
}

// UserContainers returns copies of all container records owned by a user
func (m *Manager) UserContainers(userID string) []models.ContainerRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []models.ContainerRecord
	for _, record := range m.records {
		if record.UserID == userID {
			records = append(records, *record)
		}
	}
	return records
}

// StopContainer stops and removes the workspace's container. It is
// idempotent and never propagates teardown errors; cleanup must not
// cascade into further failures.
func (m *Manager) StopContainer(ctx context.Context, workspaceID string) {
	m.mu.Lock()
	record, ok := m.records[workspaceID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.records, workspaceID)
	if timer, ok := m.timers[workspaceID]; ok {
		timer.Stop()
		delete(m.timers, workspaceID)
	}
	record.Status = models.StatusStopped
	m.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := m.rt.Stop(stopCtx, record.ContainerID, 10*time.Second); err != nil {
		log.Printf("[orchestrator] failed to stop container %s: %v", workspaceID, err)
	}
	if err := m.rt.Remove(stopCtx, record.ContainerID); err != nil {
		log.Printf("[orchestrator] failed to remove container %s: %v", workspaceID, err)
	}

	m.releaseSlot(record.UserID)
	log.Printf("[orchestrator] stopped container for workspace %s", workspaceID)
}

// Reconcile force-removes containers left behind by a previous process
// lifetime, matched by the container naming convention, so restarts
// never accumulate orphans.
func (m *Manager) Reconcile(ctx context.Context) {
	names, err := m.rt.ListNames(ctx, m.cfg.ContainerPrefix)
	if err != nil {
		log.Printf("[orchestrator] reconciliation listing failed: %v", err)
		return
	}

	for _, name := range names {
		cleanCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := m.rt.Stop(cleanCtx, name, 5*time.Second); err != nil {
			log.Printf("[orchestrator] failed to stop orphan %s: %v", name, err)
		}
		if err := m.rt.Remove(cleanCtx, name); err != nil {
			log.Printf("[orchestrator] failed to remove orphan %s: %v", name, err)
		} else {
			log.Printf("[orchestrator] cleaned up orphaned container: %s", name)
		}
		cancel()
	}
}

// CleanupAll stops every tracked container, used at process shutdown
func (m *Manager) CleanupAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.records))
	for workspaceID := range m.records {
		ids = append(ids, workspaceID)
	}
	m.mu.RUnlock()

	for _, workspaceID := range ids {
		m.StopContainer(ctx, workspaceID)
	}
}

func (m *Manager) containerName(workspaceID string) string {
	return m.cfg.ContainerPrefix + workspaceID
}

// allocatePortLocked picks a random unused host port in the configured
// range. Callers must hold m.mu, which makes check-then-reserve atomic
// with record registration.
func (m *Manager) allocatePortLocked() (int, error) {
	for attempts := 0; attempts < 1000; attempts++ {
		port := m.cfg.PortRangeStart + rand.Intn(m.cfg.PortRangeSize)
		if !m.portInUseLocked(port) {
			return port, nil
		}
	}
	return 0, errors.New("no free preview ports available")
}

func (m *Manager) portInUseLocked(port int) bool {
	for _, record := range m.records {
		for _, binding := range record.Ports {
			if binding.External == port {
				return true
			}
		}
	}
	return false
}

func (m *Manager) acquireSlot(userID string) bool {
	m.slotMu.Lock()
	slot, ok := m.slots[userID]
	if !ok {
		slot = semaphore.NewWeighted(m.cfg.MaxContainersPerUser)
		m.slots[userID] = slot
	}
	m.slotMu.Unlock()

	return slot.TryAcquire(1)
}

func (m *Manager) releaseSlot(userID string) {
	m.slotMu.Lock()
	slot := m.slots[userID]
	m.slotMu.Unlock()

	if slot != nil {
		slot.Release(1)
	}
}

func (m *Manager) scheduleIdleStop(workspaceID string, idle time.Duration) {
	timer := time.AfterFunc(idle, func() {
		m.mu.RLock()
		record, ok := m.records[workspaceID]
		running := ok && record.Status == models.StatusRunning
		m.mu.RUnlock()

		if running {
			log.Printf("[orchestrator] idle timeout for workspace %s", workspaceID)
			m.StopContainer(context.Background(), workspaceID)
		}
	})

	m.mu.Lock()
	m.timers[workspaceID] = timer
	m.mu.Unlock()
}

// seedWorkspace materializes the workspace directory. A caller-supplied
// manifest seeds a pre-built project; otherwise a minimal package.json
// is written if none exists.
func (m *Manager) seedWorkspace(workspacePath string, files []models.WorkspaceFile) error {
	if err := os.MkdirAll(workspacePath, 0o755); err != nil {
		return err
	}

	if len(files) > 0 {
		for _, file := range files {
			target := filepath.Join(workspacePath, filepath.Clean("/"+file.Path))
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(target, []byte(file.Content), 0o644); err != nil {
				return err
			}
		}
		return nil
	}

	packageJSON := filepath.Join(workspacePath, "package.json")
	if _, err := os.Stat(packageJSON); err == nil {
		return nil
	}
	manifest, err := json.MarshalIndent(map[string]any{
		"name":    filepath.Base(workspacePath),
		"version": "1.0.0",
		"private": true,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(packageJSON, manifest, 0o644)
}

// validWorkspaceID keeps workspace ids usable as directory and
// container names; anything else could escape the workspaces dir.
func validWorkspaceID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
