package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Quality selects which remote variant of an image is fetched.
type Quality string

const (
	QualityPreview  Quality = "preview"
	QualityFullsize Quality = "fullsize"
	QualityOriginal Quality = "original"
)

// SourceType tags the variant carried by a SourceConfig.
type SourceType string

const (
	SourceImmich SourceType = "immich"
)

// Config is the persistent application configuration
type Config struct {
	Sources        []SourceConfig  `json:"sources" yaml:"sources"`
	Cache          CacheConfig     `json:"cache" yaml:"cache"`
	Prefetch       PrefetchConfig  `json:"prefetch" yaml:"prefetch"`
	Quality        Quality         `json:"quality" yaml:"quality"`
	RefreshMinutes int             `json:"refresh_minutes" yaml:"refresh_minutes"`
	Slideshow      SlideshowConfig `json:"slideshow" yaml:"slideshow"`
	Network        NetworkConfig   `json:"network" yaml:"network"`
	HTTP           HTTPConfig      `json:"http" yaml:"http"`
}

// SourceConfig is one configured remote media provider.
// Exactly one typed payload matching Type is set.
type SourceConfig struct {
	ID      string        `json:"id" yaml:"id"`
	Name    string        `json:"name" yaml:"name"`
	Type    SourceType    `json:"type" yaml:"type"`
	Enabled bool          `json:"enabled" yaml:"enabled"`
	Immich  *ImmichSource `json:"immich,omitempty" yaml:"immich,omitempty"`
}

// ImmichSource holds the connection details of an Immich server.
type ImmichSource struct {
	ServerURL string   `json:"server_url" yaml:"server_url"`
	APIKey    string   `json:"api_key" yaml:"api_key"`
	AlbumIDs  []string `json:"album_ids" yaml:"album_ids"`
}

// DisplayName falls back to the id when no name is configured.
func (s SourceConfig) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// CacheConfig controls the persistent media store.
type CacheConfig struct {
	MaxMB int    `json:"max_mb" yaml:"max_mb"`
	Path  string `json:"path,omitempty" yaml:"path,omitempty"` // empty = <data dir>/cache.db
}

// MaxBytes returns the capacity in bytes.
func (c CacheConfig) MaxBytes() int64 {
	return int64(c.MaxMB) * 1024 * 1024
}

// PrefetchConfig controls the lookahead window.
type PrefetchConfig struct {
	WindowSize int `json:"window_size" yaml:"window_size"`
}

// SlideshowConfig controls slide advancement.
type SlideshowConfig struct {
	IntervalSeconds int  `json:"interval_seconds" yaml:"interval_seconds"`
	Shuffle         bool `json:"shuffle" yaml:"shuffle"`
}

// NetworkConfig holds outbound request limits.
type NetworkConfig struct {
	FetchTimeoutSeconds  int     `json:"fetch_timeout_seconds" yaml:"fetch_timeout_seconds"`
	CheckIntervalSeconds int     `json:"check_interval_seconds" yaml:"check_interval_seconds"`
	RequestsPerSecond    float64 `json:"requests_per_second" yaml:"requests_per_second"`
}

// HTTPConfig holds the display API listener.
type HTTPConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Sources: []SourceConfig{},
		Cache: CacheConfig{
			MaxMB: 500,
		},
		Prefetch: PrefetchConfig{
			WindowSize: 3,
		},
		Quality:        QualityPreview,
		RefreshMinutes: 60,
		Slideshow: SlideshowConfig{
			IntervalSeconds: 30,
		},
		Network: NetworkConfig{
			FetchTimeoutSeconds:  10,
			CheckIntervalSeconds: 15,
			RequestsPerSecond:    8,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
	}
}

// FetchTimeout is the bound applied to every outbound fetch.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Network.FetchTimeoutSeconds) * time.Second
}

// CheckInterval is the period of the connectivity check.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.Network.CheckIntervalSeconds) * time.Second
}

// RefreshInterval is the period of the item list refresh.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshMinutes) * time.Minute
}

// SlideInterval is the time each slide stays on screen.
func (c *Config) SlideInterval() time.Duration {
	return time.Duration(c.Slideshow.IntervalSeconds) * time.Second
}

// EnabledSources returns sources in configuration order, skipping disabled ones.
func (c *Config) EnabledSources() []SourceConfig {
	var out []SourceConfig
	for _, s := range c.Sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// Clone returns a deep copy so a running service never shares slices with an editor.
func (c *Config) Clone() *Config {
	cp := *c
	cp.Sources = make([]SourceConfig, len(c.Sources))
	for i, s := range c.Sources {
		if s.Immich != nil {
			im := *s.Immich
			im.AlbumIDs = append([]string(nil), s.Immich.AlbumIDs...)
			s.Immich = &im
		}
		cp.Sources[i] = s
	}
	return &cp
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Prefetch.WindowSize < 1 {
		errs = append(errs, fmt.Errorf("prefetch.window_size must be >= 1, got %d", c.Prefetch.WindowSize))
	}
	if c.Cache.MaxMB < 1 {
		errs = append(errs, fmt.Errorf("cache.max_mb must be >= 1, got %d", c.Cache.MaxMB))
	}
	switch c.Quality {
	case QualityPreview, QualityFullsize, QualityOriginal:
	default:
		errs = append(errs, fmt.Errorf("unknown quality %q", c.Quality))
	}
	if c.Network.FetchTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("network.fetch_timeout_seconds must be >= 1"))
	}
	seen := make(map[string]bool)
	for _, s := range c.Sources {
		if s.ID == "" {
			errs = append(errs, errors.New("source with empty id"))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("duplicate source id %q", s.ID))
		}
		seen[s.ID] = true
		switch s.Type {
		case SourceImmich:
			if s.Immich == nil || s.Immich.ServerURL == "" {
				errs = append(errs, fmt.Errorf("source %q: immich.server_url is required", s.ID))
			}
		default:
			errs = append(errs, fmt.Errorf("source %q: unknown type %q", s.ID, s.Type))
		}
	}
	return errors.Join(errs...)
}

// DataDir returns ~/.photoframe
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".photoframe")
}

// ConfigPath returns the path to the config file
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads config from disk, or returns defaults when the file does not exist.
// Missing fields keep their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes config to disk
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600) // Restrictive permissions for API keys
}
