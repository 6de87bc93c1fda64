// Package config loads offsync settings from a YAML or TOML file and the
// environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/roach88/offsync/internal/auth"
)

// Environment variables that override file settings.
const (
	EnvAPIBaseURL = "OFFSYNC_API_BASE_URL"
	EnvListenAddr = "OFFSYNC_LISTEN_ADDR"
	EnvDataDir    = "OFFSYNC_DATA_DIR"
	EnvToken      = "OFFSYNC_TOKEN"
	EnvTokenFile  = "OFFSYNC_TOKEN_FILE"
)

// Duration is a time.Duration written as text ("5s", "24h") in config files.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full offsync configuration.
type Config struct {
	App        string `yaml:"app" toml:"app"` // Prefix of the static partition and sync tag
	APIBaseURL string `yaml:"api_base_url" toml:"api_base_url"`
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`
	DataDir    string `yaml:"data_dir" toml:"data_dir"`
	Token      string `yaml:"token,omitempty" toml:"token,omitempty"`
	TokenFile  string `yaml:"token_file,omitempty" toml:"token_file,omitempty"`

	Sync         SyncConfig         `yaml:"sync" toml:"sync"`
	Cache        CacheConfig        `yaml:"cache" toml:"cache"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" toml:"telemetry"`
	Connectivity ConnectivityConfig `yaml:"connectivity" toml:"connectivity"`
}

// SyncConfig tunes the mutation queue and replay trigger.
type SyncConfig struct {
	MaxRetries int      `yaml:"max_retries" toml:"max_retries"`
	RetryDelay Duration `yaml:"retry_delay" toml:"retry_delay"`
	Deferred   bool     `yaml:"deferred" toml:"deferred"` // Use the deferred scheduler
}

// CacheConfig tunes the interception layer.
type CacheConfig struct {
	APIPrefix    string   `yaml:"api_prefix" toml:"api_prefix"`
	APIMaxAge    Duration `yaml:"api_max_age" toml:"api_max_age"`
	StaticMaxAge Duration `yaml:"static_max_age" toml:"static_max_age"`
	Manifest     []string `yaml:"manifest" toml:"manifest"`
}

// TelemetryConfig tunes the batchers.
type TelemetryConfig struct {
	Enabled         bool     `yaml:"enabled" toml:"enabled"`
	EventsPath      string   `yaml:"events_path" toml:"events_path"`
	SamplesPath     string   `yaml:"samples_path" toml:"samples_path"`
	EventsInterval  Duration `yaml:"events_interval" toml:"events_interval"`
	SamplesInterval Duration `yaml:"samples_interval" toml:"samples_interval"`
}

// ConnectivityConfig tunes the reachability prober.
type ConnectivityConfig struct {
	ProbePath     string   `yaml:"probe_path" toml:"probe_path"`
	ProbeInterval Duration `yaml:"probe_interval" toml:"probe_interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		App:        "offsync",
		APIBaseURL: "http://localhost:8080",
		ListenAddr: "127.0.0.1:8790",
		DataDir:    ".offsync",
		Sync: SyncConfig{
			MaxRetries: 5,
			RetryDelay: Duration(30 * time.Second),
			Deferred:   true,
		},
		Cache: CacheConfig{
			APIPrefix:    "/api/",
			APIMaxAge:    Duration(5 * time.Minute),
			StaticMaxAge: Duration(24 * time.Hour),
			Manifest: []string{
				"/",
				"/index.html",
				"/manifest.json",
				"/icons/icon-192x192.png",
				"/icons/icon-512x512.png",
			},
		},
		Telemetry: TelemetryConfig{
			Enabled:         true,
			EventsPath:      "/api/analytics",
			SamplesPath:     "/api/analytics/metrics",
			EventsInterval:  Duration(5 * time.Second),
			SamplesInterval: Duration(60 * time.Second),
		},
		Connectivity: ConnectivityConfig{
			ProbePath:     "/api/health",
			ProbeInterval: Duration(15 * time.Second),
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file. The format follows the extension: .yaml,
// .yml or .toml. Unknown keys are rejected.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg, lookup)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("failed to parse TOML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q (want .yaml, .yml or .toml)", ext)
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(EnvAPIBaseURL, &cfg.APIBaseURL)
	set(EnvListenAddr, &cfg.ListenAddr)
	set(EnvDataDir, &cfg.DataDir)
	set(EnvToken, &cfg.Token)
	set(EnvTokenFile, &cfg.TokenFile)
}

// Validate checks that required fields are present and well formed.
func (c Config) Validate() error {
	if c.App == "" {
		return errors.New("app is required")
	}
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api_base_url must be an absolute URL, got %q", c.APIBaseURL)
	}
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative, got %d", c.Sync.MaxRetries)
	}
	if !strings.HasPrefix(c.Cache.APIPrefix, "/") {
		return fmt.Errorf("cache.api_prefix must start with /, got %q", c.Cache.APIPrefix)
	}
	if c.Telemetry.EventsInterval < 0 || c.Telemetry.SamplesInterval < 0 {
		return errors.New("telemetry intervals must not be negative")
	}
	return nil
}

// StorePath is the local durable store database.
func (c Config) StorePath() string {
	return filepath.Join(c.DataDir, "offsync.db")
}

// CachePath is the response cache database.
func (c Config) CachePath() string {
	return filepath.Join(c.DataDir, "cache.db")
}

// SyncTag is the tag used to register background replay.
func (c Config) SyncTag() string {
	return c.App + "-sync"
}

// TokenSource returns the configured credential source. An inline token
// wins over a token file; with neither, requests go unauthenticated.
func (c Config) TokenSource() auth.TokenSource {
	switch {
	case c.Token != "":
		return auth.StaticToken(c.Token)
	case c.TokenFile != "":
		return auth.FileToken{Path: c.TokenFile}
	default:
		return nil
	}
}
