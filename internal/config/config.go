// Package config manages blobview configuration.
// It handles loading the .blobview.toml file, environment overrides, and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	ConfigFile = ".blobview.toml"

	EnvConfig    = "BLOBVIEW_CONFIG"
	EnvServerURL = "BLOBVIEW_SERVER_URL"
	EnvToken     = "BLOBVIEW_TOKEN"
)

// Duration is a time.Duration that reads and writes as "250ms" in TOML.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config represents the blobview configuration
type Config struct {
	ServerURL string       `toml:"server_url"`
	Token     string       `toml:"token,omitempty"`
	Fetch     FetchConfig  `toml:"fetch"`
	Render    RenderConfig `toml:"render"`
	path      string       // file the config was loaded from, empty for defaults
}

// FetchConfig bounds the network side of a load.
type FetchConfig struct {
	CeilingBytes   int64    `toml:"ceiling_bytes"`
	Timeout        Duration `toml:"timeout"` // per attempt
	MaxRetries     int      `toml:"max_retries"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
	JitterFraction float64  `toml:"jitter_fraction"`
	CacheEntries   int      `toml:"cache_entries"` // 0 disables the immutable-ref cache

	// On-disk store of blobs at commit SHAs. An empty path means the user
	// cache directory; 0 entries disables it.
	DiskCache        string `toml:"disk_cache,omitempty"`
	DiskCacheEntries int    `toml:"disk_cache_entries"`
}

// RenderConfig drives viewer selection.
type RenderConfig struct {
	CeilingBytes int64    `toml:"ceiling_bytes"`
	RichTypes    []string `toml:"rich_types"`
}

// DefaultRichTypes are document formats shown rendered rather than as code.
var DefaultRichTypes = []string{
	"text/markdown",
	"text/x-markdown",
	"text/x-rst",
	"text/asciidoc",
	"text/x-org",
	"text/x-textile",
	"image/svg+xml",
	"application/x-ipynb+json",
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		ServerURL: "http://127.0.0.1:8730",
		Fetch: FetchConfig{
			CeilingBytes:   1 << 20,
			Timeout:        Duration(10 * time.Second),
			MaxRetries:     3,
			InitialBackoff: Duration(200 * time.Millisecond),
			MaxBackoff:     Duration(5 * time.Second),
			JitterFraction: 0.25,
			CacheEntries:   128,

			DiskCacheEntries: 1024,
		},
		Render: RenderConfig{
			CeilingBytes: 512 << 10,
			RichTypes:    append([]string(nil), DefaultRichTypes...),
		},
	}
}

// FindConfigFile finds .blobview.toml by walking up from the current directory.
func FindConfigFile() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		p := filepath.Join(dir, ConfigFile)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}

// Load reads the configuration. An explicit path wins, then $BLOBVIEW_CONFIG,
// then the nearest .blobview.toml. Defaults are used when no file exists.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		found, err := FindConfigFile()
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		path = found
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		cfg.path = path
	}

	if v := os.Getenv(EnvServerURL); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		cfg.Token = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}
	c.path = path
	return nil
}

// DiskCachePath returns where the on-disk blob store lives, or "" when it is disabled.
func (c *Config) DiskCachePath() string {
	if c.Fetch.DiskCacheEntries == 0 {
		return ""
	}
	if c.Fetch.DiskCache != "" {
		return c.Fetch.DiskCache
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "blobview", "blobs.db")
}

// Path returns the file the config was loaded from, or "" for defaults.
func (c *Config) Path() string {
	return c.path
}

// Validate checks the limits are usable together.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.Fetch.CeilingBytes <= 0 {
		return fmt.Errorf("fetch.ceiling_bytes must be positive")
	}
	if c.Render.CeilingBytes <= 0 {
		return fmt.Errorf("render.ceiling_bytes must be positive")
	}
	if c.Render.CeilingBytes > c.Fetch.CeilingBytes {
		return fmt.Errorf("render.ceiling_bytes (%d) exceeds fetch.ceiling_bytes (%d)",
			c.Render.CeilingBytes, c.Fetch.CeilingBytes)
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be positive")
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must not be negative")
	}
	if c.Fetch.CacheEntries < 0 || c.Fetch.DiskCacheEntries < 0 {
		return fmt.Errorf("cache entry limits must not be negative")
	}
	if c.Fetch.JitterFraction < 0 || c.Fetch.JitterFraction > 1 {
		return fmt.Errorf("fetch.jitter_fraction must be within [0, 1]")
	}
	return nil
}
