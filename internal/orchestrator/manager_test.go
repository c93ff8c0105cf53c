package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/workbench-labs/workbench/internal/config"
	"github.com/workbench-labs/workbench/internal/runtime"
	"github.com/workbench-labs/workbench/pkg/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		WorkspacesDir:        t.TempDir(),
		BaseImage:            "node:20-alpine",
		NetworkName:          "test-net",
		ContainerPrefix:      "workbench-",
		InternalPort:         3000,
		PortRangeStart:       3000,
		PortRangeSize:        100,
		MaxContainersPerUser: 2,
		MemoryLimitBytes:     512 * 1024 * 1024,
		NanoCPUs:             1_000_000_000,
		ContainerIdleTimeout: time.Hour,
		CommandTimeout:       time.Minute,
		MaxOutputBytes:       1 << 20,
	}
}

func TestCreateContainerRegistersRecord(t *testing.T) {
	fake := runtime.NewFake()
	m := NewManager(testConfig(t), fake)

	record, err := m.CreateContainer(context.Background(), CreateOptions{
		WorkspaceID: "ws-1",
		UserID:      "user-1",
	})
	if err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}

	if record.Status != models.StatusRunning {
		t.Errorf("Status = %q, want %q", record.Status, models.StatusRunning)
	}
	if record.ContainerID == "" {
		t.Error("ContainerID not set")
	}
	port := record.ExternalPort(3000)
	if port < 3000 || port >= 3100 {
		t.Errorf("external port %d outside configured range", port)
	}

	got, ok := m.Record("ws-1")
	if !ok || got.ContainerID != record.ContainerID || got.UserID != "user-1" {
		t.Error("record not registered for workspace")
	}
}

func TestCreateContainerReusesLiveContainer(t *testing.T) {
	fake := runtime.NewFake()
	m := NewManager(testConfig(t), fake)

	first, err := m.CreateContainer(context.Background(), CreateOptions{WorkspaceID: "ws-1", UserID: "user-1"})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := m.CreateContainer(context.Background(), CreateOptions{WorkspaceID: "ws-1", UserID: "user-1"})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}

	if first.ContainerID != second.ContainerID {
		t.Error("second create for the same workspace did not reuse the record")
	}
	if fake.CreateCount() != 1 {
		t.Errorf("runtime create called %d times, want 1", fake.CreateCount())
	}
}

func TestCreateContainerCapacity(t *testing.T) {
	fake := runtime.NewFake()
	m := NewManager(testConfig(t), fake)

	for i := 0; i < 2; i++ {
		if _, err := m.CreateContainer(context.Background(), CreateOptions{
			WorkspaceID: fmt.Sprintf("ws-%d", i),
			UserID:      "user-1",
		}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	_, err := m.CreateContainer(context.Background(), CreateOptions{WorkspaceID: "ws-over", UserID: "user-1"})
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("err = %v, want ErrCapacity", err)
	}
	if fake.CreateCount() != 2 {
		t.Errorf("runtime create called %d times, want 2", fake.CreateCount())
	}
	if _, ok := m.Record("ws-over"); ok {
		t.Error("over-capacity creation left a record behind")
	}

	// Another user is unaffected
	if _, err := m.CreateContainer(context.Background(), CreateOptions{WorkspaceID: "ws-other", UserID: "user-2"}); err != nil {
		t.Fatalf("create for second user: %v", err)
	}
}

func TestCapacityReleasedAfterStop(t *testing.T) {
	fake := runtime.NewFake()
	m := NewManager(testConfig(t), fake)

	for i := 0; i < 2; i++ {
		if _, err := m.CreateContainer(context.Background(), CreateOptions{
			WorkspaceID: fmt.Sprintf("ws-%d", i),
			UserID:      "user-1",
		}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	m.StopContainer(context.Background(), "ws-0")

	if _, err := m.CreateContainer(context.Background(), CreateOptions{WorkspaceID: "ws-new", UserID: "user-1"}); err != nil {
		t.Fatalf("create after stop: %v", err)
	}
}

func TestExternalPortsUnique(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxContainersPerUser = 50
	cfg.PortRangeSize = 10
	fake := runtime.NewFake()
	m := NewManager(cfg, fake)

	seen := make(map[int]bool)
	for i := 0; i < 10; i++ {
		record, err := m.CreateContainer(context.Background(), CreateOptions{
			WorkspaceID: fmt.Sprintf("ws-%d", i),
			UserID:      "user-1",
		})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		port := record.ExternalPort(3000)
		if seen[port] {
			t.Fatalf("port %d allocated twice", port)
		}
		seen[port] = true
	}
}

func TestCreateContainerSeedsManifest(t *testing.T) {
	cfg := testConfig(t)
	fake := runtime.NewFake()
	m := NewManager(cfg, fake)

	_, err := m.CreateContainer(context.Background(), CreateOptions{
		WorkspaceID: "ws-1",
		UserID:      "user-1",
		Files: []models.WorkspaceFile{
			{Path: "src/index.js", Content: "console.log('hi')"},
			{Path: "package.json", Content: "{}"},
		},
	})
	if err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(cfg.WorkspacesDir, "ws-1", "src", "index.js"))
	if err != nil {
		t.Fatalf("manifest file not written: %v", err)
	}
	if string(data) != "console.log('hi')" {
		t.Errorf("file content = %q", data)
	}
}

func TestCreateContainerSeedsDefaultProject(t *testing.T) {
	cfg := testConfig(t)
	fake := runtime.NewFake()
	m := NewManager(cfg, fake)

	if _, err := m.CreateContainer(context.Background(), CreateOptions{WorkspaceID: "ws-1", UserID: "user-1"}); err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}

	if _, err := os.Stat(filepath.Join(cfg.WorkspacesDir, "ws-1", "package.json")); err != nil {
		t.Errorf("default package.json not written: %v", err)
	}
}

func TestCreateContainerProvisionFailure(t *testing.T) {
	fake := runtime.NewFake()
	fake.CreateErr = errors.New("daemon exploded")
	m := NewManager(testConfig(t), fake)

	_, err := m.CreateContainer(context.Background(), CreateOptions{WorkspaceID: "ws-1", UserID: "user-1"})
	if !errors.Is(err, ErrProvision) {
		t.Fatalf("err = %v, want ErrProvision", err)
	}
	if _, ok := m.Record("ws-1"); ok {
		t.Error("failed creation left a record behind")
	}

	// The slot must be released so the user can retry
	fake.CreateErr = nil
	if _, err := m.CreateContainer(context.Background(), CreateOptions{WorkspaceID: "ws-1", UserID: "user-1"}); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestCreateContainerInvalidWorkspaceID(t *testing.T) {
	m := NewManager(testConfig(t), runtime.NewFake())

	for _, id := range []string{"", "../escape", "a/b", "ws 1"} {
		if _, err := m.CreateContainer(context.Background(), CreateOptions{WorkspaceID: id, UserID: "u"}); err == nil {
			t.Errorf("workspace id %q accepted", id)
		}
	}
}

func TestExecuteCommand(t *testing.T) {
	fake := runtime.NewFake()
	fake.ExecResult = models.ExecResult{Stdout: "index.js\n", ExitCode: 0}
	m := NewManager(testConfig(t), fake)

	if _, err := m.CreateContainer(context.Background(), CreateOptions{WorkspaceID: "ws-1", UserID: "user-1"}); err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}

	result, err := m.ExecuteCommand(context.Background(), "ws-1", "ls -la", ExecOptions{})
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if result.Stdout != "index.js\n" || result.ExitCode != 0 {
		t.Errorf("result = %+v", result)
	}

	if fake.ExecCount() != 1 {
		t.Fatalf("exec called %d times, want 1", fake.ExecCount())
	}
	call := fake.ExecCalls[0]
	if len(call.Cmd) != 3 || call.Cmd[0] != "sh" || call.Cmd[1] != "-c" || call.Cmd[2] != "ls -la" {
		t.Errorf("exec cmd = %v", call.Cmd)
	}
	if call.Workdir != "/workspace" {
		t.Errorf("workdir = %q", call.Workdir)
	}
}

func TestExecuteCommandRejected(t *testing.T) {
	fake := runtime.NewFake()
	m := NewManager(testConfig(t), fake)

	if _, err := m.CreateContainer(context.Background(), CreateOptions{WorkspaceID: "ws-1", UserID: "user-1"}); err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}

	_, err := m.ExecuteCommand(context.Background(), "ws-1", "curl http://evil", ExecOptions{})
	if !errors.Is(err, ErrCommandRejected) {
		t.Fatalf("err = %v, want ErrCommandRejected", err)
	}
	if fake.ExecCount() != 0 {
		t.Error("rejected command reached the runtime")
	}
}

func TestExecuteCommandNoContainer(t *testing.T) {
	m := NewManager(testConfig(t), runtime.NewFake())

	_, err := m.ExecuteCommand(context.Background(), "ws-missing", "ls", ExecOptions{})
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestExecuteCommandFailureIsResult(t *testing.T) {
	fake := runtime.NewFake()
	fake.ExecResult = models.ExecResult{Stderr: "partial"}
	fake.ExecErr = errors.New("stream torn down")
	m := NewManager(testConfig(t), fake)

	if _, err := m.CreateContainer(context.Background(), CreateOptions{WorkspaceID: "ws-1", UserID: "user-1"}); err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}

	result, err := m.ExecuteCommand(context.Background(), "ws-1", "npm run build", ExecOptions{})
	if err != nil {
		t.Fatalf("runtime failure should be a result, got error: %v", err)
	}
	if result.ExitCode == 0 {
		t.Error("exit code should be non-zero on runtime failure")
	}
}

func TestStopContainerIdempotent(t *testing.T) {
	fake := runtime.NewFake()
	m := NewManager(testConfig(t), fake)

	// No record: must be a no-op
	m.StopContainer(context.Background(), "ws-missing")

	if _, err := m.CreateContainer(context.Background(), CreateOptions{WorkspaceID: "ws-1", UserID: "user-1"}); err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}

	m.StopContainer(context.Background(), "ws-1")
	m.StopContainer(context.Background(), "ws-1")

	if _, ok := m.Record("ws-1"); ok {
		t.Error("record still present after stop")
	}
	if len(fake.Stopped) != 1 || len(fake.Removed) != 1 {
		t.Errorf("stop/remove calls = %d/%d, want 1/1", len(fake.Stopped), len(fake.Removed))
	}
}

func TestIdleTimeoutStopsContainer(t *testing.T) {
	fake := runtime.NewFake()
	m := NewManager(testConfig(t), fake)

	if _, err := m.CreateContainer(context.Background(), CreateOptions{
		WorkspaceID: "ws-1",
		UserID:      "user-1",
		IdleTimeout: 30 * time.Millisecond,
	}); err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := m.Record("ws-1"); !ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("container not stopped after idle timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUserContainers(t *testing.T) {
	fake := runtime.NewFake()
	m := NewManager(testConfig(t), fake)

	for i, user := range []string{"user-1", "user-1", "user-2"} {
		if _, err := m.CreateContainer(context.Background(), CreateOptions{
			WorkspaceID: fmt.Sprintf("ws-%d", i),
			UserID:      user,
		}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	if got := len(m.UserContainers("user-1")); got != 2 {
		t.Errorf("user-1 containers = %d, want 2", got)
	}
	if got := len(m.UserContainers("user-3")); got != 0 {
		t.Errorf("user-3 containers = %d, want 0", got)
	}
}

// Record hands out copies, so encoding one must be safe while the
// manager updates the live record's resource sample.
func TestRecordSafeDuringResourceSampling(t *testing.T) {
	fake := runtime.NewFake()
	fake.StatsSample = models.ResourceSample{MemoryBytes: 1 << 20, CPUPercent: 5}
	m := NewManager(testConfig(t), fake)

	if _, err := m.CreateContainer(context.Background(), CreateOptions{WorkspaceID: "ws-1", UserID: "user-1"}); err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			m.ResourceUsage(context.Background(), "ws-1")
		}
	}()

	for i := 0; i < 200; i++ {
		record, ok := m.Record("ws-1")
		if !ok {
			t.Fatal("record missing")
		}
		if _, err := json.Marshal(record); err != nil {
			t.Fatalf("marshal record: %v", err)
		}
		for _, record := range m.UserContainers("user-1") {
			if _, err := json.Marshal(record); err != nil {
				t.Fatalf("marshal user record: %v", err)
			}
		}
	}
	<-done
}

func TestReconcileRemovesOrphans(t *testing.T) {
	fake := runtime.NewFake()
	fake.Names = []string{"workbench-old-1", "workbench-old-2"}
	m := NewManager(testConfig(t), fake)

	m.Reconcile(context.Background())

	if len(fake.Stopped) != 2 || len(fake.Removed) != 2 {
		t.Errorf("stop/remove calls = %d/%d, want 2/2", len(fake.Stopped), len(fake.Removed))
	}
}

func TestResourceUsage(t *testing.T) {
	fake := runtime.NewFake()
	fake.StatsSample = models.ResourceSample{MemoryBytes: 42 << 20, CPUPercent: 12.5}
	m := NewManager(testConfig(t), fake)

	if usage := m.ResourceUsage(context.Background(), "ws-missing"); usage != nil {
		t.Error("usage for unknown workspace should be nil")
	}

	if _, err := m.CreateContainer(context.Background(), CreateOptions{WorkspaceID: "ws-1", UserID: "user-1"}); err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}

	usage := m.ResourceUsage(context.Background(), "ws-1")
	if usage == nil || usage.MemoryBytes != 42<<20 || usage.CPUPercent != 12.5 {
		t.Errorf("usage = %+v", usage)
	}

	fake.StatsErr = errors.New("stats unavailable")
	if usage := m.ResourceUsage(context.Background(), "ws-1"); usage != nil {
		t.Error("usage should be nil when the stats query fails")
	}
}
