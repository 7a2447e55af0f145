// ABOUTME: Tests for layered configuration loading
// ABOUTME: Validates defaults, YAML overlay, env overrides, and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Expected defaults for a missing file, got %v", err)
	}
	if cfg.MaxIterations != 3 {
		t.Errorf("Expected MaxIterations 3, got %d", cfg.MaxIterations)
	}
	if cfg.ThresholdMultiplier != 1.05 {
		t.Errorf("Expected ThresholdMultiplier 1.05, got %g", cfg.ThresholdMultiplier)
	}
	if cfg.MaxMigrations != 20 {
		t.Errorf("Expected MaxMigrations 20, got %d", cfg.MaxMigrations)
	}
	if cfg.DiskIOCapacityMBps != 4000 {
		t.Errorf("Expected DiskIOCapacityMBps 4000, got %g", cfg.DiskIOCapacityMBps)
	}
	if cfg.NetworkBandwidthMBps != 1250 {
		t.Errorf("Expected NetworkBandwidthMBps 1250, got %g", cfg.NetworkBandwidthMBps)
	}
}

func TestLoad_YAMLOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fdrs.yaml")
	content := []byte("max_iterations: 5\ndisk_io_capacity_mbps: 8000\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cfg.MaxIterations != 5 {
		t.Errorf("Expected MaxIterations 5 from file, got %d", cfg.MaxIterations)
	}
	if cfg.DiskIOCapacityMBps != 8000 {
		t.Errorf("Expected DiskIOCapacityMBps 8000 from file, got %g", cfg.DiskIOCapacityMBps)
	}
	// Untouched keys keep their defaults
	if cfg.MaxMigrations != 20 {
		t.Errorf("Expected default MaxMigrations 20, got %d", cfg.MaxMigrations)
	}
}

func TestLoad_MalformedYAMLIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fdrs.yaml")
	if err := os.WriteFile(path, []byte("max_iterations: [nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected an error for malformed YAML")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fdrs.yaml")
	if err := os.WriteFile(path, []byte("max_iterations: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FDRS_MAX_ITERATIONS", "7")
	t.Setenv("VSPHERE_HOST", "vcenter.example.com")
	t.Setenv("VSPHERE_USERNAME", "admin")
	t.Setenv("VSPHERE_PASSWORD", "secret")
	t.Setenv("VSPHERE_DATACENTER", "dc1")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cfg.MaxIterations != 7 {
		t.Errorf("Expected env to beat file, got %d", cfg.MaxIterations)
	}
	if !cfg.VSphereConfigured() {
		t.Error("Expected vSphere to be configured from env")
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	cases := []string{
		"max_iterations: 0\n",
		"threshold_multiplier: 1.0\n",
		"disk_io_capacity_mbps: -1\n",
	}
	for _, content := range cases {
		path := filepath.Join(t.TempDir(), "fdrs.yaml")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("Expected validation error for %q", content)
		}
	}
}

func TestVSphereConfigured(t *testing.T) {
	cfg := &Config{VSphereHost: "vc", VSphereUsername: "u", VSpherePassword: "p"}
	if cfg.VSphereConfigured() {
		t.Error("Expected unconfigured without a datacenter")
	}
	cfg.VSphereDatacenter = "dc1"
	if !cfg.VSphereConfigured() {
		t.Error("Expected configured with all four fields set")
	}
}
