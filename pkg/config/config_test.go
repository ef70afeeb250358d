package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewDefaultConfig(t *testing.T) {
	partPath := "/tmp/testdb/partition.img"
	cfg := NewDefaultConfig(partPath)

	if cfg.Version != CurrentManifestVersion {
		t.Errorf("expected version %d, got %d", CurrentManifestVersion, cfg.Version)
	}

	if cfg.PartitionPath != partPath {
		t.Errorf("expected partition path %s, got %s", partPath, cfg.PartitionPath)
	}

	if cfg.PageCount != 8 {
		t.Errorf("expected page count 8, got %d", cfg.PageCount)
	}

	if !cfg.StatsEnabled {
		t.Error("expected stats to be enabled by default")
	}
}

func TestConfigPartitionSize(t *testing.T) {
	cfg := NewDefaultConfig("/tmp/testdb/partition.img")
	cfg.PageCount = 4
	if got, want := cfg.PartitionSize(), uint32(4*4096); got != want {
		t.Errorf("expected partition size %d, got %d", want, got)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := NewDefaultConfig("/tmp/testdb/partition.img")

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got error: %v", err)
	}

	testCases := []struct {
		name     string
		mutate   func(*Config)
		expected string
	}{
		{
			name: "invalid version",
			mutate: func(c *Config) {
				c.Version = 0
			},
			expected: "invalid configuration: invalid version 0",
		},
		{
			name: "empty partition path",
			mutate: func(c *Config) {
				c.PartitionPath = ""
			},
			expected: "invalid configuration: partition path not specified",
		},
		{
			name: "page count below minimum",
			mutate: func(c *Config) {
				c.PageCount = 2
			},
			expected: "invalid configuration: page count 2 below minimum 3",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig("/tmp/testdb/partition.img")
			tc.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error, got nil")
			}

			if err.Error() != tc.expected {
				t.Errorf("expected error %q, got %q", tc.expected, err.Error())
			}
		})
	}
}

func TestConfigManifestSaveLoad(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "config_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	cfg := NewDefaultConfig(filepath.Join(tempDir, "partition.img"))
	cfg.PageCount = 16
	cfg.TelemetryEnabled = true

	if err := cfg.SaveManifest(tempDir); err != nil {
		t.Fatalf("failed to save manifest: %v", err)
	}

	loadedCfg, err := LoadConfigFromManifest(tempDir)
	if err != nil {
		t.Fatalf("failed to load manifest: %v", err)
	}

	if loadedCfg.PageCount != cfg.PageCount {
		t.Errorf("expected page count %d, got %d", cfg.PageCount, loadedCfg.PageCount)
	}

	if loadedCfg.TelemetryEnabled != cfg.TelemetryEnabled {
		t.Errorf("expected telemetry enabled %v, got %v", cfg.TelemetryEnabled, loadedCfg.TelemetryEnabled)
	}

	nonExistentDir := filepath.Join(tempDir, "nonexistent")
	_, err = LoadConfigFromManifest(nonExistentDir)
	if err != ErrManifestNotFound {
		t.Errorf("expected ErrManifestNotFound, got %v", err)
	}
}

func TestConfigUpdate(t *testing.T) {
	cfg := NewDefaultConfig("/tmp/testdb/partition.img")

	cfg.Update(func(c *Config) {
		c.PageCount = 32
		c.TelemetryEnabled = true
	})

	if cfg.PageCount != 32 {
		t.Errorf("expected page count %d, got %d", 32, cfg.PageCount)
	}

	if !cfg.TelemetryEnabled {
		t.Error("expected telemetry enabled")
	}
}
