package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/flashnvs/nvs/pkg/flash"
	"github.com/flashnvs/nvs/pkg/partition"
)

const (
	DefaultManifestFileName = "MANIFEST"
	CurrentManifestVersion  = 1
)

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrInvalidManifest  = errors.New("invalid manifest")
)

// Config describes how a partition is opened on a given host: where its
// backing image lives, how many pages it spans, and the tuning knobs for
// the store built on top of it. It says nothing about the on-flash layout
// itself — that is fixed by the wire format — only how this process talks
// to it.
type Config struct {
	Version int `json:"version"`

	// PartitionPath is the backing file holding the partition image, as
	// understood by flash.OpenFileDevice. Empty means the caller supplies
	// its own flash.Device (e.g. a MemDevice in tests) and this field is
	// unused.
	PartitionPath string `json:"partition_path"`

	// PageCount is the number of 4096-byte pages the partition spans.
	// Must be at least partition.MinPages (two usable, one reserve).
	PageCount int `json:"page_count"`

	// StatsEnabled controls whether the store keeps an operation/wear
	// counter collector rather than a no-op one.
	StatsEnabled bool `json:"stats_enabled"`

	// TelemetryEnabled controls whether the store wires an OpenTelemetry
	// exporter rather than the no-op implementation.
	TelemetryEnabled bool `json:"telemetry_enabled"`

	mu sync.RWMutex
}

// PartitionSize returns the total byte size implied by PageCount.
func (c *Config) PartitionSize() uint32 {
	return uint32(c.PageCount) * flash.SectorSize
}

// NewDefaultConfig creates a Config with recommended default values for a
// partition image living at partitionPath.
func NewDefaultConfig(partitionPath string) *Config {
	return &Config{
		Version:          CurrentManifestVersion,
		PartitionPath:    partitionPath,
		PageCount:        8,
		StatsEnabled:     true,
		TelemetryEnabled: false,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.PartitionPath == "" {
		return fmt.Errorf("%w: partition path not specified", ErrInvalidConfig)
	}

	if c.PageCount < partition.MinPages {
		return fmt.Errorf("%w: page count %d below minimum %d", ErrInvalidConfig, c.PageCount, partition.MinPages)
	}

	return nil
}

// OpenDevice opens the backing file at PartitionPath as a flash.Device
// sized for PageCount pages, creating and erasing it if it doesn't exist
// yet.
func (c *Config) OpenDevice() (*flash.FileDevice, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return flash.OpenFileDevice(c.PartitionPath, c.PartitionSize())
}

// LoadConfigFromManifest loads just the configuration portion from the
// manifest file inside the directory dbPath.
func LoadConfigFromManifest(dbPath string) (*Config, error) {
	manifestPath := filepath.Join(dbPath, DefaultManifestFileName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SaveManifest saves the configuration to the manifest file in dbDir.
func (c *Config) SaveManifest(dbDir string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	manifestPath := filepath.Join(dbDir, DefaultManifestFileName)
	tempPath := manifestPath + ".tmp"

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := os.Rename(tempPath, manifestPath); err != nil {
		return fmt.Errorf("failed to rename manifest: %w", err)
	}

	return nil
}

// Update applies the given function to modify the configuration.
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}
