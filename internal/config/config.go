// Package config provides configuration management for the sdn-trust node.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the node configuration.
type Config struct {
	Mode      string          `yaml:"mode"` // "full" or "offline"
	Network   NetworkConfig   `yaml:"network"`
	Storage   StorageConfig   `yaml:"storage"`
	Trust     TrustConfig     `yaml:"trust"`
	Identity  IdentityConfig  `yaml:"identity"`
	Admission AdmissionConfig `yaml:"admission"`
	Index     IndexConfig     `yaml:"index"`
	API       APIConfig       `yaml:"api"`
}

// NetworkConfig contains network-related settings.
type NetworkConfig struct {
	Listen      []string `yaml:"listen"`
	Bootstrap   []string `yaml:"bootstrap"`
	MaxConns    int      `yaml:"max_connections"`
	EnableRelay bool     `yaml:"enable_relay"`
	// DHTPrefix namespaces the kad-dht protocol so trust nodes form their own routing table.
	DHTPrefix string `yaml:"dht_prefix"`
	// TrustedOnly limits connections to peers in the root's trust graph and pinned bootstrap peers.
	TrustedOnly bool     `yaml:"trusted_only"`
	Blocklist   []string `yaml:"blocklist"`
}

// StorageConfig contains storage-related settings.
type StorageConfig struct {
	Path          string `yaml:"path"`
	MaxStatements int    `yaml:"max_statements"`
	BlobCacheSize int    `yaml:"blob_cache_size"`
}

// AttributeConfig names a typed identifier in configuration files.
type AttributeConfig struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// ViewpointConfig is a trust-indexed viewpoint and the depth its graph is built to.
type ViewpointConfig struct {
	AttributeConfig `yaml:",inline"`
	Depth           int `yaml:"depth"`
}

// TrustConfig controls the web-of-trust graph.
type TrustConfig struct {
	// Root is the local trust root. An empty value means "the node's own keyID".
	Root AttributeConfig `yaml:"root"`
	// TrustedSigner is the keyID used as signer gate when Root is not a keyID.
	TrustedSigner string            `yaml:"trusted_signer"`
	MaxDepth      int               `yaml:"max_depth"`
	Viewpoints    []ViewpointConfig `yaml:"viewpoints"`
	UniqueTypes   []string          `yaml:"unique_types"`
}

// IdentityConfig controls identity attribute resolution.
type IdentityConfig struct {
	MaxIterations int `yaml:"max_iterations"`
}

// AdmissionConfig controls statement admission and conflict resolution.
type AdmissionConfig struct {
	MaxVerifications int    `yaml:"max_verifications"`
	EvictionBatch    int    `yaml:"eviction_batch"`
	ArchiveTimeout   string `yaml:"archive_timeout"`
}

// IndexConfig controls the distributed index engine.
type IndexConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Interval       string   `yaml:"interval"`
	ChurnThreshold int      `yaml:"churn_threshold"`
	MaxChildren    int      `yaml:"max_children"`
	Publish        bool     `yaml:"publish"`
	NetworkTimeout string   `yaml:"network_timeout"`
	SyncPeers      []string `yaml:"sync_peers"`
	SyncInterval   string   `yaml:"sync_interval"`
}

// APIConfig controls the HTTP query API.
type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultUniqueTypes are the attribute types that identify exactly one entity.
var DefaultUniqueTypes = []string{
	"keyID", "email", "url", "account", "tel", "phone",
	"bitcoin", "bitcoin_address", "gpg_fingerprint", "gpg_keyid",
	"google_oauth2", "facebook", "twitter", "github", "linkedin", "instagram",
}

// Default returns a default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataPath := filepath.Join(homeDir, ".sdn-trust", "data")

	return &Config{
		Mode: "full",
		Network: NetworkConfig{
			Listen: []string{
				"/ip4/0.0.0.0/tcp/4101",
				"/ip4/0.0.0.0/udp/4101/quic-v1",
			},
			Bootstrap:   []string{},
			MaxConns:    400,
			EnableRelay: true,
			DHTPrefix:   "/sdn-trust",
		},
		Storage: StorageConfig{
			Path:          dataPath,
			MaxStatements: 10000,
			BlobCacheSize: 4096,
		},
		Trust: TrustConfig{
			MaxDepth:    4,
			UniqueTypes: append([]string(nil), DefaultUniqueTypes...),
		},
		Identity: IdentityConfig{
			MaxIterations: 50,
		},
		Admission: AdmissionConfig{
			MaxVerifications: 10,
			EvictionBatch:    100,
			ArchiveTimeout:   "5s",
		},
		Index: IndexConfig{
			Enabled:        true,
			Interval:       "10s",
			ChurnThreshold: 30,
			MaxChildren:    100,
			Publish:        true,
			NetworkTimeout: "30s",
			SyncInterval:   "10m",
		},
		API: APIConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:4180",
		},
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".sdn-trust", "config.yaml")
}

// Load loads the configuration from a file. Fields missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a file.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate checks the configuration for values the node cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path must be set"))
	}
	if c.Storage.MaxStatements < 0 {
		errs = append(errs, errors.New("storage.max_statements must not be negative"))
	}
	if c.Trust.MaxDepth < 1 {
		errs = append(errs, errors.New("trust.max_depth must be at least 1"))
	}
	if c.Trust.Root.Value != "" && c.Trust.Root.Name != "keyID" && c.Trust.TrustedSigner == "" {
		errs = append(errs, fmt.Errorf("trust.trusted_signer is required when the root is a %q attribute", c.Trust.Root.Name))
	}
	if c.Admission.MaxVerifications < 1 {
		errs = append(errs, errors.New("admission.max_verifications must be at least 1"))
	}
	if c.Index.ChurnThreshold < 1 {
		errs = append(errs, errors.New("index.churn_threshold must be at least 1"))
	}
	if c.Index.MaxChildren < 2 {
		errs = append(errs, errors.New("index.max_children must be at least 2"))
	}
	for _, d := range []struct{ name, value string }{
		{"admission.archive_timeout", c.Admission.ArchiveTimeout},
		{"index.interval", c.Index.Interval},
		{"index.network_timeout", c.Index.NetworkTimeout},
		{"index.sync_interval", c.Index.SyncInterval},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		}
	}
	return errors.Join(errs...)
}

// Duration parses a duration string from the config, falling back to def when empty or invalid.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
