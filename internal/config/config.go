package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Feed     FeedConfig     `mapstructure:"feed"`
	OGP      OGPConfig      `mapstructure:"ogp"`
	Store    StoreConfig    `mapstructure:"store"`
	Log      LogConfig      `mapstructure:"log"`
}

type DatabaseConfig struct {
	ItemsPath   string        `mapstructure:"items_path"`
	CatalogPath string        `mapstructure:"catalog_path"`
	SearchIndex string        `mapstructure:"search_index"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type FeedConfig struct {
	HTTPTimeout     time.Duration `mapstructure:"http_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	UserAgent       string        `mapstructure:"user_agent"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	RecentWindow    time.Duration `mapstructure:"recent_window"`
	MaxRecentItems  int           `mapstructure:"max_recent_items"`
	// AllowPrivateNetworks disables the SSRF guard; development only.
	AllowPrivateNetworks bool `mapstructure:"allow_private_networks"`
}

type OGPConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxBytes    int64         `mapstructure:"max_bytes"`
	Concurrency int           `mapstructure:"concurrency"`
}

type StoreConfig struct {
	MaxAge time.Duration `mapstructure:"max_age"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

func defaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".flum")

	return &Config{
		Database: DatabaseConfig{
			ItemsPath:   filepath.Join(dataDir, "items.db"),
			CatalogPath: filepath.Join(dataDir, "catalog.sqlite"),
			SearchIndex: filepath.Join(dataDir, "index.bleve"),
			Timeout:     1 * time.Second,
		},
		Feed: FeedConfig{
			HTTPTimeout:     10 * time.Second,
			MaxBodyBytes:    5 * 1024 * 1024,
			UserAgent:       "flum/1.0 (RSS reader; github.com/pders01/flum)",
			RefreshInterval: 30 * time.Minute,
			RecentWindow:    48 * time.Hour,
			MaxRecentItems:  50,
		},
		OGP: OGPConfig{
			Timeout:     3 * time.Second,
			MaxBytes:    500 * 1024,
			Concurrency: 8,
		},
		Store: StoreConfig{
			MaxAge: 7 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level: "off",
			File:  filepath.Join(dataDir, "flum.log"),
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v, defaultConfig())

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		homeDir, _ := os.UserHomeDir()
		configDir := filepath.Join(homeDir, ".config", "flum")

		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(configDir)
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FLUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	expandPaths(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// setDefaults registers every leaf key so a partial section in the file
// only overrides the keys it names.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("database.items_path", cfg.Database.ItemsPath)
	v.SetDefault("database.catalog_path", cfg.Database.CatalogPath)
	v.SetDefault("database.search_index", cfg.Database.SearchIndex)
	v.SetDefault("database.timeout", cfg.Database.Timeout)

	v.SetDefault("feed.http_timeout", cfg.Feed.HTTPTimeout)
	v.SetDefault("feed.max_body_bytes", cfg.Feed.MaxBodyBytes)
	v.SetDefault("feed.user_agent", cfg.Feed.UserAgent)
	v.SetDefault("feed.refresh_interval", cfg.Feed.RefreshInterval)
	v.SetDefault("feed.recent_window", cfg.Feed.RecentWindow)
	v.SetDefault("feed.max_recent_items", cfg.Feed.MaxRecentItems)
	v.SetDefault("feed.allow_private_networks", cfg.Feed.AllowPrivateNetworks)

	v.SetDefault("ogp.timeout", cfg.OGP.Timeout)
	v.SetDefault("ogp.max_bytes", cfg.OGP.MaxBytes)
	v.SetDefault("ogp.concurrency", cfg.OGP.Concurrency)

	v.SetDefault("store.max_age", cfg.Store.MaxAge)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.file", cfg.Log.File)
}

// Validate rejects settings that would disable a safety limit.
func (c *Config) Validate() error {
	switch {
	case c.Feed.HTTPTimeout <= 0:
		return fmt.Errorf("feed.http_timeout must be positive")
	case c.Feed.MaxBodyBytes <= 0:
		return fmt.Errorf("feed.max_body_bytes must be positive")
	case c.Feed.MaxRecentItems <= 0:
		return fmt.Errorf("feed.max_recent_items must be positive")
	case c.OGP.Timeout <= 0:
		return fmt.Errorf("ogp.timeout must be positive")
	case c.OGP.MaxBytes <= 0:
		return fmt.Errorf("ogp.max_bytes must be positive")
	case c.OGP.Concurrency <= 0:
		return fmt.Errorf("ogp.concurrency must be positive")
	case c.Store.MaxAge <= 0:
		return fmt.Errorf("store.max_age must be positive")
	}
	return nil
}

// expandPath expands ~ to home directory and converts to absolute path
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if len(path) >= 2 && path[:2] == "~/" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[2:])
	}

	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}

	return path
}

func expandPaths(cfg *Config) {
	cfg.Database.ItemsPath = expandPath(cfg.Database.ItemsPath)
	if cfg.Database.CatalogPath != ":memory:" {
		cfg.Database.CatalogPath = expandPath(cfg.Database.CatalogPath)
	}
	cfg.Database.SearchIndex = expandPath(cfg.Database.SearchIndex)
	cfg.Log.File = expandPath(cfg.Log.File)
}

func Save(config *Config, path string) error {
	v := viper.New()

	// Durations as strings for TOML readability
	v.Set("database", map[string]any{
		"items_path":   config.Database.ItemsPath,
		"catalog_path": config.Database.CatalogPath,
		"search_index": config.Database.SearchIndex,
		"timeout":      config.Database.Timeout.String(),
	})
	v.Set("feed", map[string]any{
		"http_timeout":           config.Feed.HTTPTimeout.String(),
		"max_body_bytes":         config.Feed.MaxBodyBytes,
		"user_agent":             config.Feed.UserAgent,
		"refresh_interval":       config.Feed.RefreshInterval.String(),
		"recent_window":          config.Feed.RecentWindow.String(),
		"max_recent_items":       config.Feed.MaxRecentItems,
		"allow_private_networks": config.Feed.AllowPrivateNetworks,
	})
	v.Set("ogp", map[string]any{
		"timeout":     config.OGP.Timeout.String(),
		"max_bytes":   config.OGP.MaxBytes,
		"concurrency": config.OGP.Concurrency,
	})
	v.Set("store", map[string]any{
		"max_age": config.Store.MaxAge.String(),
	})
	v.Set("log", map[string]any{
		"level": config.Log.Level,
		"file":  config.Log.File,
	})

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	return v.WriteConfigAs(path)
}

func GenerateDefaultConfig(path string) error {
	return Save(defaultConfig(), path)
}
