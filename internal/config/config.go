package config

import (
	"os"
	"strconv"
	"time"
)

// Config carries all tunables for the workspace service. Values come
// from the environment (optionally seeded by a .env file in main) and
// fall back to the defaults below.
type Config struct {
	ListenAddr string

	// Container orchestration
	WorkspacesDir        string
	BaseImage            string
	NetworkName          string
	ContainerPrefix      string
	InternalPort         int
	PortRangeStart       int
	PortRangeSize        int
	MaxContainersPerUser int64
	MemoryLimitBytes     int64
	NanoCPUs             int64
	DiskLimit            string
	ContainerIdleTimeout time.Duration
	CommandTimeout       time.Duration
	MaxOutputBytes       int64

	// Terminal sessions
	SessionIdleTimeout   time.Duration
	SessionSweepInterval time.Duration
	CommandsPerMinute    int

	// Preview proxy
	PreviewIdleTimeout   time.Duration
	PreviewSweepInterval time.Duration

	// HTTP API rate limiting
	APIRequestsPerHour int
	APIBurst           int
}

// Load reads configuration from the environment with sensible defaults
func Load() *Config {
	return &Config{
		ListenAddr: envString("LISTEN_ADDR", ":8080"),

		WorkspacesDir:        envString("WORKSPACES_DIR", "/tmp/workbench-workspaces"),
		BaseImage:            envString("BASE_IMAGE", "node:20-alpine"),
		NetworkName:          envString("NETWORK_NAME", "workbench-network"),
		ContainerPrefix:      envString("CONTAINER_PREFIX", "workbench-"),
		InternalPort:         envInt("INTERNAL_PORT", 3000),
		PortRangeStart:       envInt("PORT_RANGE_START", 3000),
		PortRangeSize:        envInt("PORT_RANGE_SIZE", 1000),
		MaxContainersPerUser: int64(envInt("MAX_CONTAINERS_PER_USER", 5)),
		MemoryLimitBytes:     int64(envInt("MEMORY_LIMIT_MB", 512)) * 1024 * 1024,
		NanoCPUs:             int64(envInt("CPU_LIMIT_MILLI", 1000)) * 1_000_000,
		DiskLimit:            envString("DISK_LIMIT", ""),
		ContainerIdleTimeout: envDuration("CONTAINER_IDLE_TIMEOUT", 60*time.Minute),
		CommandTimeout:       envDuration("COMMAND_TIMEOUT", 5*time.Minute),
		MaxOutputBytes:       int64(envInt("MAX_OUTPUT_MB", 10)) * 1024 * 1024,

		SessionIdleTimeout:   envDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		SessionSweepInterval: envDuration("SESSION_SWEEP_INTERVAL", time.Minute),
		CommandsPerMinute:    envInt("COMMANDS_PER_MINUTE", 50),

		PreviewIdleTimeout:   envDuration("PREVIEW_IDLE_TIMEOUT", time.Hour),
		PreviewSweepInterval: envDuration("PREVIEW_SWEEP_INTERVAL", 5*time.Minute),

		APIRequestsPerHour: envInt("API_REQUESTS_PER_HOUR", 100),
		APIBurst:           envInt("API_BURST", 10),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
