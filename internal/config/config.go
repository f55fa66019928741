// Package config reads and writes the spt configuration file (TOML).
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for spt.
type Config struct {
	DataDir     string            `toml:"data_dir"`
	LogDir      string            `toml:"log_dir"`
	BlobStore   BlobStoreConfig   `toml:"blob_store"`
	BackupCache BackupCacheConfig `toml:"backup_cache"`
	Encryption  EncryptionConfig  `toml:"encryption"`
	History     HistoryConfig     `toml:"history"`
	Apply       ApplyConfig       `toml:"apply"`
}

// BlobStoreConfig configures the patched-content blob store.
// This uses a tagged union pattern - the Type field determines which other
// fields are relevant.
type BlobStoreConfig struct {
	Type string `toml:"type"` // "filesystem", "s3", or "memory"

	// Filesystem-specific (Type == "filesystem")
	Dir string `toml:"dir,omitempty"`

	// S3-specific (Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
}

// BackupCacheConfig configures the backup content cache.
type BackupCacheConfig struct {
	Dir      string `toml:"dir,omitempty"` // defaults to <data_dir>/backups
	Compress bool   `toml:"compress"`      // zstd-compress stored blobs
}

// EncryptionConfig holds the at-rest encryption settings for the backup cache.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "none" (default), "age", or "test"
	PublicKeyPath  string `toml:"public_key_path,omitempty"`
	PrivateKeyPath string `toml:"private_key_path,omitempty"`
}

// HistoryConfig configures the operation history database.
// This uses a tagged union pattern - the Type field determines which other
// fields are relevant.
type HistoryConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// ApplyConfig holds apply-command policy knobs.
type ApplyConfig struct {
	// DryRunReady decides whether a dry-run file in the "ready to patch"
	// state counts toward command success ("success", the default) or
	// failure ("failure").
	DryRunReady string `toml:"dry_run_ready"`
}

// NewConfig creates a Config with defaults rooted at dataDir.
func NewConfig(dataDir string) *Config {
	return &Config{
		DataDir: dataDir,
		LogDir:  filepath.Join(dataDir, "log"),
		BlobStore: BlobStoreConfig{
			Type: "filesystem",
			Dir:  filepath.Join(dataDir, "blobs"),
		},
		BackupCache: BackupCacheConfig{
			Dir: filepath.Join(dataDir, "backups"),
		},
		Encryption: EncryptionConfig{
			Type:           "none",
			PublicKeyPath:  filepath.Join(dataDir, "keys", "spt.pub"),
			PrivateKeyPath: filepath.Join(dataDir, "keys", "spt.key"),
		},
		History: HistoryConfig{
			Type:    "sqlite",
			DataDir: dataDir,
		},
		Apply: ApplyConfig{
			DryRunReady: "success",
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided
// Config. Fails if a config file already exists.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
