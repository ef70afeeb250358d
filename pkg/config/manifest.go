package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ManifestEntry is one historical configuration snapshot. Each call to
// Manifest.UpdateConfig appends a new entry rather than overwriting the
// last one, so a host reopening a partition can see how its configuration
// changed over time.
type ManifestEntry struct {
	Timestamp int64   `json:"timestamp"`
	Version   int     `json:"version"`
	Config    *Config `json:"config"`
}

// Manifest is the host-side sidecar tracking a partition's configuration
// history. It lives next to (not inside) the partition image: the
// on-flash format is bit-exact with the vendor layout and has no room for
// a JSON blob, so the manifest is a separate file the host application
// reads on startup instead of re-specifying the partition path, page
// count and stats/telemetry toggles by hand.
type Manifest struct {
	DBPath     string
	Entries    []ManifestEntry
	Current    *ManifestEntry
	LastUpdate time.Time
	mu         sync.RWMutex
}

// NewManifest creates a new manifest for the given database directory.
func NewManifest(dbPath string, config *Config) (*Manifest, error) {
	if config == nil {
		config = NewDefaultConfig(filepath.Join(dbPath, "partition.img"))
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	entry := ManifestEntry{
		Timestamp: time.Now().Unix(),
		Version:   CurrentManifestVersion,
		Config:    config,
	}

	m := &Manifest{
		DBPath:     dbPath,
		Entries:    []ManifestEntry{entry},
		Current:    &entry,
		LastUpdate: time.Now(),
	}

	return m, nil
}

// LoadManifest loads an existing manifest from the database directory.
func LoadManifest(dbPath string) (*Manifest, error) {
	manifestPath := filepath.Join(dbPath, DefaultManifestFileName)
	file, err := os.Open(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var entries []ManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no entries in manifest", ErrInvalidManifest)
	}

	current := &entries[len(entries)-1]
	if err := current.Config.Validate(); err != nil {
		return nil, err
	}

	m := &Manifest{
		DBPath:     dbPath,
		Entries:    entries,
		Current:    current,
		LastUpdate: time.Now(),
	}

	return m, nil
}

// Save persists the manifest to disk.
func (m *Manifest) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Current.Config.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(m.DBPath, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	manifestPath := filepath.Join(m.DBPath, DefaultManifestFileName)
	tempPath := manifestPath + ".tmp"

	data, err := json.MarshalIndent(m.Entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := os.Rename(tempPath, manifestPath); err != nil {
		return fmt.Errorf("failed to rename manifest: %w", err)
	}

	m.LastUpdate = time.Now()
	return nil
}

// UpdateConfig creates a new configuration entry by copying the current
// one, applying fn, and validating the result before appending it.
func (m *Manifest) UpdateConfig(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	currentJSON, err := json.Marshal(m.Current.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal current config: %w", err)
	}

	var newConfig Config
	if err := json.Unmarshal(currentJSON, &newConfig); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	fn(&newConfig)

	if err := newConfig.Validate(); err != nil {
		return err
	}

	entry := ManifestEntry{
		Timestamp: time.Now().Unix(),
		Version:   CurrentManifestVersion,
		Config:    &newConfig,
	}

	m.Entries = append(m.Entries, entry)
	m.Current = &m.Entries[len(m.Entries)-1]

	return nil
}

// GetConfig returns the current configuration.
func (m *Manifest) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Current.Config
}
