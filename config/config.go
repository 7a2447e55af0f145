// ABOUTME: Configuration loader: defaults, optional YAML file, env overrides
// ABOUTME: vCenter credentials come from the environment, tuning from YAML

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultPath is tried when no --config flag is given.
const DefaultPath = "fdrs.yaml"

type Config struct {
	// vSphere connection (environment only, never written to disk)
	VSphereHost       string `yaml:"-"`
	VSphereUsername   string `yaml:"-"`
	VSpherePassword   string `yaml:"-"`
	VSphereDatacenter string `yaml:"-"`
	VSphereInsecure   bool   `yaml:"-"`

	// Planning
	MaxIterations             int     `yaml:"max_iterations"`
	ThresholdMultiplier       float64 `yaml:"threshold_multiplier"`
	ConvergenceTimeoutSeconds int     `yaml:"convergence_timeout_seconds"`
	MaxMigrations             int     `yaml:"max_migrations"`

	// Capacities vSphere does not report, in MB/s per host
	DiskIOCapacityMBps   float64 `yaml:"disk_io_capacity_mbps"`
	NetworkBandwidthMBps float64 `yaml:"network_bandwidth_mbps"`

	// Execution
	MigrationTaskTimeoutSeconds int `yaml:"migration_task_timeout_seconds"`
	MigrationWorkers            int `yaml:"migration_workers"`
}

// VSphereConfigured returns true if vCenter credentials are set
func (c *Config) VSphereConfigured() bool {
	return c.VSphereHost != "" && c.VSphereUsername != "" && c.VSpherePassword != "" && c.VSphereDatacenter != ""
}

// Load builds the config in three layers: built-in defaults, then the YAML
// file if present, then environment variables. A missing file falls back to
// defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := &Config{
		MaxIterations:               3,
		ThresholdMultiplier:         1.05,
		ConvergenceTimeoutSeconds:   300,
		MaxMigrations:               20,
		DiskIOCapacityMBps:          4000,
		NetworkBandwidthMBps:        1250,
		MigrationTaskTimeoutSeconds: 600,
		MigrationWorkers:            4,
	}

	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		slog.Debug("Loaded config file", "path", path)
	case os.IsNotExist(err):
		slog.Warn("Config file not found, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg.VSphereHost = os.Getenv("VSPHERE_HOST")
	cfg.VSphereUsername = os.Getenv("VSPHERE_USERNAME")
	cfg.VSpherePassword = os.Getenv("VSPHERE_PASSWORD")
	cfg.VSphereDatacenter = os.Getenv("VSPHERE_DATACENTER")
	cfg.VSphereInsecure = getEnvBool("VSPHERE_INSECURE", false)

	cfg.MaxIterations = getEnvInt("FDRS_MAX_ITERATIONS", cfg.MaxIterations)
	cfg.MaxMigrations = getEnvInt("FDRS_MAX_MIGRATIONS", cfg.MaxMigrations)
	cfg.MigrationWorkers = getEnvInt("FDRS_MIGRATION_WORKERS", cfg.MigrationWorkers)

	if cfg.MaxIterations < 1 {
		return nil, fmt.Errorf("max_iterations must be at least 1, got %d", cfg.MaxIterations)
	}
	if cfg.ThresholdMultiplier <= 1.0 {
		return nil, fmt.Errorf("threshold_multiplier must be greater than 1.0, got %g", cfg.ThresholdMultiplier)
	}
	if cfg.DiskIOCapacityMBps <= 0 || cfg.NetworkBandwidthMBps <= 0 {
		return nil, fmt.Errorf("disk and network capacities must be positive")
	}

	return cfg, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
