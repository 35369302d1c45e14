// Package config handles configuration loading for the coverage-map server.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Catalog CatalogConfig `yaml:"catalog"`
	Data    DataConfig    `yaml:"data"`
	Cache   CacheConfig   `yaml:"cache"`
	Loader  LoaderConfig  `yaml:"loader"`
	Cluster ClusterConfig `yaml:"cluster"`
	Render  RenderConfig  `yaml:"render"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// CatalogConfig contains the remote pointer catalog settings.
type CatalogConfig struct {
	URL            string `yaml:"url"`
	RefreshMinutes int    `yaml:"refresh_minutes"`
}

// DataConfig contains the partition transport settings.
type DataConfig struct {
	BaseURL string `yaml:"base_url"`
}

// CacheConfig contains persistent and in-memory cache settings.
type CacheConfig struct {
	Path          string `yaml:"path"`
	HotSizeMB     int    `yaml:"hot_size_mb"`
	HotTTLMinutes int    `yaml:"hot_ttl_minutes"`
	OverlayLRU    int    `yaml:"overlay_lru"`
}

// LoaderConfig contains viewport loader tuning.
type LoaderConfig struct {
	LoadThresholdZoom float64 `yaml:"load_threshold_zoom"`
	EvictAfterSeconds int     `yaml:"evict_after_seconds"`
}

// ClusterConfig contains density clustering defaults.
type ClusterConfig struct {
	EpsMeters float64 `yaml:"eps_meters"`
	MinPoints int     `yaml:"min_points"`
}

// RenderConfig contains snapshot renderer settings. Colors maps category
// names to "#rrggbb" overrides of the built-in palette.
type RenderConfig struct {
	Width  int               `yaml:"width"`
	Height int               `yaml:"height"`
	Colors map[string]string `yaml:"colors"`
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

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Catalog: CatalogConfig{
			URL:            "http://localhost:9000/catalog.json",
			RefreshMinutes: 15,
		},
		Data: DataConfig{
			BaseURL: "http://localhost:9000/partitions",
		},
		Cache: CacheConfig{
			Path:          "./data/partition_cache.sqlite",
			HotSizeMB:     128,
			HotTTLMinutes: 10,
			OverlayLRU:    256,
		},
		Loader: LoaderConfig{
			LoadThresholdZoom: 10,
			EvictAfterSeconds: 5,
		},
		Cluster: ClusterConfig{
			EpsMeters: 180,
			MinPoints: 5,
		},
		Render: RenderConfig{
			Width:  800,
			Height: 600,
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
	if cfg.Catalog.URL == "" {
		cfg.Catalog.URL = defaults.Catalog.URL
	}
	if cfg.Catalog.RefreshMinutes == 0 {
		cfg.Catalog.RefreshMinutes = defaults.Catalog.RefreshMinutes
	}
	if cfg.Data.BaseURL == "" {
		cfg.Data.BaseURL = defaults.Data.BaseURL
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = defaults.Cache.Path
	}
	if cfg.Cache.HotSizeMB == 0 {
		cfg.Cache.HotSizeMB = defaults.Cache.HotSizeMB
	}
	if cfg.Cache.HotTTLMinutes == 0 {
		cfg.Cache.HotTTLMinutes = defaults.Cache.HotTTLMinutes
	}
	if cfg.Cache.OverlayLRU == 0 {
		cfg.Cache.OverlayLRU = defaults.Cache.OverlayLRU
	}
	if cfg.Loader.LoadThresholdZoom == 0 {
		cfg.Loader.LoadThresholdZoom = defaults.Loader.LoadThresholdZoom
	}
	if cfg.Loader.EvictAfterSeconds == 0 {
		cfg.Loader.EvictAfterSeconds = defaults.Loader.EvictAfterSeconds
	}
	if cfg.Cluster.EpsMeters == 0 {
		cfg.Cluster.EpsMeters = defaults.Cluster.EpsMeters
	}
	if cfg.Cluster.MinPoints == 0 {
		cfg.Cluster.MinPoints = defaults.Cluster.MinPoints
	}
	if cfg.Render.Width == 0 {
		cfg.Render.Width = defaults.Render.Width
	}
	if cfg.Render.Height == 0 {
		cfg.Render.Height = defaults.Render.Height
	}
}
