// Package config loads the scheduler's configuration strictly from the
// environment (spec §6 "Environment / configuration (enumerated)"). Unlike
// the teacher, which also supports a JSON config file for its much larger
// surface, this deployment model has no function-manifest file and no YAML
// dependency to load one with — LoadFromEnv is the only entry point.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full set of environment-driven scheduler settings (spec
// §6).
type Config struct {
	EndpointHost       string
	EndpointPort       int
	EndpointNumThreads int

	IsStorageNode bool

	NoTopologyHints           bool
	NoSingleHostOptimisations bool

	BoundTimeout time.Duration // executor idle-before-reap

	ReaperIntervalSeconds int
	GlobalMessageTimeout  time.Duration

	FunctionServerThreads int

	SchedulerMonitorFile string

	LogLevel string // trace, debug, info
}

// Default returns the zero-configuration baseline before environment
// overrides are applied.
func Default() *Config {
	return &Config{
		EndpointHost:          "localhost",
		EndpointPort:          8080,
		EndpointNumThreads:    4,
		BoundTimeout:          10 * time.Minute,
		ReaperIntervalSeconds: 30,
		GlobalMessageTimeout:  5 * time.Minute,
		FunctionServerThreads: 4,
		LogLevel:              "info",
	}
}

// LoadFromEnv applies LATTICE_SCHED_* environment overrides onto a copy of
// the default config, mirroring config.LoadFromEnv's "only override what's
// set" pattern in the teacher.
func LoadFromEnv() (*Config, error) {
	cfg := Default()

	if v := os.Getenv("LATTICE_SCHED_ENDPOINT_HOST"); v != "" {
		cfg.EndpointHost = v
	}
	if v := os.Getenv("LATTICE_SCHED_ENDPOINT_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: LATTICE_SCHED_ENDPOINT_PORT: %w", err)
		}
		cfg.EndpointPort = n
	}
	if v := os.Getenv("LATTICE_SCHED_ENDPOINT_NUM_THREADS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: LATTICE_SCHED_ENDPOINT_NUM_THREADS: %w", err)
		}
		cfg.EndpointNumThreads = n
	}
	if v := os.Getenv("LATTICE_SCHED_IS_STORAGE_NODE"); v != "" {
		cfg.IsStorageNode = parseBool(v)
	}
	if v := os.Getenv("LATTICE_SCHED_NO_TOPOLOGY_HINTS"); v != "" {
		cfg.NoTopologyHints = strings.EqualFold(v, "on") || parseBool(v)
	}
	if v := os.Getenv("LATTICE_SCHED_NO_SINGLE_HOST_OPTIMISATIONS"); v != "" {
		cfg.NoSingleHostOptimisations = parseBool(v)
	}
	if v := os.Getenv("LATTICE_SCHED_BOUND_TIMEOUT_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: LATTICE_SCHED_BOUND_TIMEOUT_MS: %w", err)
		}
		cfg.BoundTimeout = time.Duration(n) * time.Millisecond
	}
	if v := os.Getenv("LATTICE_SCHED_REAPER_INTERVAL_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: LATTICE_SCHED_REAPER_INTERVAL_SECONDS: %w", err)
		}
		cfg.ReaperIntervalSeconds = n
	}
	if v := os.Getenv("LATTICE_SCHED_GLOBAL_MESSAGE_TIMEOUT_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: LATTICE_SCHED_GLOBAL_MESSAGE_TIMEOUT_MS: %w", err)
		}
		cfg.GlobalMessageTimeout = time.Duration(n) * time.Millisecond
	}
	if v := os.Getenv("LATTICE_SCHED_FUNCTION_SERVER_THREADS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: LATTICE_SCHED_FUNCTION_SERVER_THREADS: %w", err)
		}
		cfg.FunctionServerThreads = n
	}
	if v := os.Getenv("LATTICE_SCHED_MONITOR_FILE"); v != "" {
		cfg.SchedulerMonitorFile = v
	}
	if v := os.Getenv("LATTICE_SCHED_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	return cfg, nil
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return strings.EqualFold(v, "on") || strings.EqualFold(v, "yes")
	}
	return b
}
