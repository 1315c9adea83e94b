// Package config handles configuration loading for the SkyRange server and CLI.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Cache    CacheConfig    `yaml:"cache"`
	Coverage CoverageConfig `yaml:"coverage"`
	Render   RenderConfig   `yaml:"render"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// StorageConfig selects the sky map database.
type StorageConfig struct {
	Driver      string `yaml:"driver"` // sqlite or postgres
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	MaxConns    int    `yaml:"max_conns"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ImageSizeMB     int    `yaml:"image_size_mb"`
	ImageTTLMinutes int    `yaml:"image_ttl_minutes"`
	RegionCacheSize int    `yaml:"region_cache_size"`
	QueryCacheSize  int    `yaml:"query_cache_size"`
	QueryTTLMinutes int    `yaml:"query_ttl_minutes"`
	RedisAddr       string `yaml:"redis_addr"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
	RedisTTLMinutes int    `yaml:"redis_ttl_minutes"`
}

// CoverageConfig bounds the resolution of field footprints.
type CoverageConfig struct {
	MaxDepth int `yaml:"max_depth"`
}

// RenderConfig contains sky map image settings.
type RenderConfig struct {
	Width           int    `yaml:"width"`
	Height          int    `yaml:"height"`
	DefaultColormap string `yaml:"default_colormap"`
}

// JobsConfig contains asynchronous query job settings.
type JobsConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// Load reads configuration from a YAML file and applies environment
// overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err == nil {
		var fromFile Config
		if err := yaml.Unmarshal(data, &fromFile); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
		applyDefaults(&fromFile)
		cfg = &fromFile
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "SkyRange",
		},
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "./data/skyrange.db",
			MaxConns:   8,
		},
		Cache: CacheConfig{
			ImageSizeMB:     256,
			ImageTTLMinutes: 10,
			RegionCacheSize: 64,
			QueryCacheSize:  1000,
			QueryTTLMinutes: 5,
			RedisTTLMinutes: 30,
		},
		Coverage: CoverageConfig{
			MaxDepth: 10,
		},
		Render: RenderConfig{
			Width:           1024,
			Height:          512,
			DefaultColormap: "viridis",
		},
		Jobs: JobsConfig{
			MaxConcurrent: 2,
			SQLitePath:    "./data/jobs.db",
			RetentionDays: 7,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
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
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = defaults.Storage.Driver
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = defaults.Storage.SQLitePath
	}
	if cfg.Storage.MaxConns == 0 {
		cfg.Storage.MaxConns = defaults.Storage.MaxConns
	}
	if cfg.Cache.ImageSizeMB == 0 {
		cfg.Cache.ImageSizeMB = defaults.Cache.ImageSizeMB
	}
	if cfg.Cache.ImageTTLMinutes == 0 {
		cfg.Cache.ImageTTLMinutes = defaults.Cache.ImageTTLMinutes
	}
	if cfg.Cache.RegionCacheSize == 0 {
		cfg.Cache.RegionCacheSize = defaults.Cache.RegionCacheSize
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Cache.QueryTTLMinutes == 0 {
		cfg.Cache.QueryTTLMinutes = defaults.Cache.QueryTTLMinutes
	}
	if cfg.Cache.RedisTTLMinutes == 0 {
		cfg.Cache.RedisTTLMinutes = defaults.Cache.RedisTTLMinutes
	}
	if cfg.Coverage.MaxDepth == 0 {
		cfg.Coverage.MaxDepth = defaults.Coverage.MaxDepth
	}
	if cfg.Render.Width == 0 {
		cfg.Render.Width = defaults.Render.Width
	}
	if cfg.Render.Height == 0 {
		cfg.Render.Height = defaults.Render.Height
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
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
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
}

// applyEnv overrides file settings with SKYRANGE_* and LOG_* variables.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("SKYRANGE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "SKYRANGE_PORT=%q", v)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("SKYRANGE_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("SKYRANGE_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("SKYRANGE_POSTGRES_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if v := os.Getenv("SKYRANGE_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("SKYRANGE_REDIS_PASSWORD"); v != "" {
		cfg.Cache.RedisPassword = v
	}
	if v := os.Getenv("SKYRANGE_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "SKYRANGE_REDIS_DB=%q", v)
		}
		cfg.Cache.RedisDB = db
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}
	return nil
}
