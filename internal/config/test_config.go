package config

import "time"

// TestConfig returns a config suitable for testing: short timeouts and
// private networks allowed so httptest servers are reachable.
func TestConfig() *Config {
	cfg := defaultConfig()
	cfg.Database = DatabaseConfig{
		ItemsPath:   "",
		CatalogPath: ":memory:",
		SearchIndex: "",
		Timeout:     1 * time.Second,
	}
	cfg.Feed.HTTPTimeout = 5 * time.Second
	cfg.Feed.RefreshInterval = 1 * time.Minute
	cfg.Feed.UserAgent = "flum-test/1.0"
	cfg.Feed.AllowPrivateNetworks = true
	cfg.OGP.Timeout = 2 * time.Second
	cfg.Log = LogConfig{Level: "off"}
	return cfg
}
