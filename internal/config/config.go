package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config carries the orchestrator's tunables. Everything has a default and an
// environment override so a run needs no config file of its own.
type Config struct {
	DataDir string
	DBPath  string

	// AgentCommand is the binary each worker entry script execs.
	AgentCommand string

	PollInterval     time.Duration
	StallThreshold   time.Duration
	TimeoutThreshold time.Duration
	GracePeriod      time.Duration
	MaxRuntime       time.Duration
	GitTimeout       time.Duration
}

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("FLEET_DATA_DIR", filepath.Join(homeDir, ".fleet"))

	c := &Config{
		DataDir:          dataDir,
		DBPath:           filepath.Join(dataDir, "fleet.db"),
		AgentCommand:     getEnv("FLEET_AGENT_CMD", "claude"),
		PollInterval:     getDuration("FLEET_POLL_INTERVAL", 5*time.Second),
		StallThreshold:   getDuration("FLEET_STALL_THRESHOLD", 3*time.Minute),
		TimeoutThreshold: getDuration("FLEET_TIMEOUT_THRESHOLD", 15*time.Minute),
		GracePeriod:      getDuration("FLEET_GRACE_PERIOD", 10*time.Second),
		MaxRuntime:       getDuration("FLEET_MAX_RUNTIME", time.Hour),
		GitTimeout:       getDuration("FLEET_GIT_TIMEOUT", time.Minute),
	}

	return c, nil
}

func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.RunsDir(), 0755)
}

func (c *Config) RunsDir() string {
	return filepath.Join(c.DataDir, "runs")
}

// RunDir is where one orchestration run keeps every agent's isolation root.
func (c *Config) RunDir(runID int64) string {
	return filepath.Join(c.RunsDir(), fmt.Sprintf("run-%d", runID))
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
