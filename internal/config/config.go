// Package config handles configuration loading for the synapse table server.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Catmaid    CatmaidConfig    `yaml:"catmaid"`
	Stack      StackConfig      `yaml:"stack"`
	Cache      CacheConfig      `yaml:"cache"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Render     RenderConfig     `yaml:"render"`
	Navigation NavigationConfig `yaml:"navigation"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// CatmaidConfig describes the upstream CATMAID project.
type CatmaidConfig struct {
	BaseURL        string `yaml:"base_url"`
	ProjectID      int64  `yaml:"project_id"`
	APIToken       string `yaml:"api_token"`
	Basename       string `yaml:"basename"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the upstream request timeout.
func (c CatmaidConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Vec3 is a per-axis triple.
type Vec3 struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

// StackConfig holds the calibration of the stack detections were made on.
type StackConfig struct {
	Resolution  Vec3 `yaml:"resolution"`
	Translation Vec3 `yaml:"translation"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	TimeoutMinutes      int `yaml:"timeout_minutes"`
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds"`
	MaxSkeletons        int `yaml:"max_skeletons"`
	OverviewSizeMB      int `yaml:"overview_size_mb"`
}

// Timeout returns how long cached skeleton rows stay valid.
func (c CacheConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// FetchTimeout bounds one shared skeleton fetch.
func (c CacheConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// JobsConfig contains refresh job settings.
type JobsConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// RenderConfig contains overview rendering settings.
type RenderConfig struct {
	Size     int    `yaml:"size"`
	Colormap string `yaml:"colormap"`
}

// NavigationConfig adjusts navigation targets handed to viewers.
type NavigationConfig struct {
	ZOffset float64 `yaml:"z_offset"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:8000"},
			Title:       "Synapse Detection Table",
		},
		Catmaid: CatmaidConfig{
			BaseURL:        "http://localhost:8000",
			ProjectID:      1,
			Basename:       "synapselabels.hdf5",
			TimeoutSeconds: 30,
		},
		Stack: StackConfig{
			Resolution: Vec3{X: 1, Y: 1, Z: 1},
		},
		Cache: CacheConfig{
			TimeoutMinutes:      5,
			FetchTimeoutSeconds: 120,
			MaxSkeletons:        1024,
			OverviewSizeMB:      64,
		},
		Jobs: JobsConfig{
			MaxConcurrent: 2,
			SQLitePath:    "./data/refresh_jobs.sqlite",
			RetentionDays: 7,
		},
		Render: RenderConfig{
			Size:     512,
			Colormap: "viridis",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if cfg.Catmaid.BaseURL == "" {
		cfg.Catmaid.BaseURL = defaults.Catmaid.BaseURL
	}
	if cfg.Catmaid.ProjectID == 0 {
		cfg.Catmaid.ProjectID = defaults.Catmaid.ProjectID
	}
	if cfg.Catmaid.Basename == "" {
		cfg.Catmaid.Basename = defaults.Catmaid.Basename
	}
	if cfg.Catmaid.TimeoutSeconds == 0 {
		cfg.Catmaid.TimeoutSeconds = defaults.Catmaid.TimeoutSeconds
	}
	// A zero resolution would collapse every box onto the translation.
	if cfg.Stack.Resolution.X == 0 {
		cfg.Stack.Resolution.X = defaults.Stack.Resolution.X
	}
	if cfg.Stack.Resolution.Y == 0 {
		cfg.Stack.Resolution.Y = defaults.Stack.Resolution.Y
	}
	if cfg.Stack.Resolution.Z == 0 {
		cfg.Stack.Resolution.Z = defaults.Stack.Resolution.Z
	}
	if cfg.Cache.TimeoutMinutes == 0 {
		cfg.Cache.TimeoutMinutes = defaults.Cache.TimeoutMinutes
	}
	if cfg.Cache.FetchTimeoutSeconds == 0 {
		cfg.Cache.FetchTimeoutSeconds = defaults.Cache.FetchTimeoutSeconds
	}
	if cfg.Cache.MaxSkeletons == 0 {
		cfg.Cache.MaxSkeletons = defaults.Cache.MaxSkeletons
	}
	if cfg.Cache.OverviewSizeMB == 0 {
		cfg.Cache.OverviewSizeMB = defaults.Cache.OverviewSizeMB
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
	if cfg.Render.Size == 0 {
		cfg.Render.Size = defaults.Render.Size
	}
	if cfg.Render.Colormap == "" {
		cfg.Render.Colormap = defaults.Render.Colormap
	}
}
