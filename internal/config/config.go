package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Port    int    `mapstructure:"port"`
	DataDir string `mapstructure:"data_dir"`
}

type UpstreamConfig struct {
	// URL is the upstream registry base: scheme, host and an optional
	// path prefix inserted into /v2/<prefix>/... requests.
	URL string `mapstructure:"url"`
	// Auth is sent verbatim as the Authorization header on upstream calls.
	Auth string `mapstructure:"auth"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// File enables a rotating log file in addition to stderr.
	File string `mapstructure:"file"`
}

func Load() (*Config, error) {
	var cfg Config

	// Set defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("logging.level", "info")

	defaultDataDir := getDefaultDataDir()
	viper.SetDefault("server.data_dir", defaultDataDir)

	// Secrets and deployment settings may come from the environment:
	// STEVEDORE_UPSTREAM_URL, STEVEDORE_UPSTREAM_AUTH, ...
	viper.SetEnvPrefix("stevedore")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.UnmarshalKey("server", &cfg.Server); err != nil {
		return nil, fmt.Errorf("unable to decode server config: %v", err)
	}
	if err := viper.UnmarshalKey("upstream", &cfg.Upstream); err != nil {
		return nil, fmt.Errorf("unable to decode upstream config: %v", err)
	}
	if err := viper.UnmarshalKey("logging", &cfg.Logging); err != nil {
		return nil, fmt.Errorf("unable to decode logging config: %v", err)
	}

	// UnmarshalKey does not consult AutomaticEnv for unset keys, so pick
	// the environment values up explicitly.
	if cfg.Upstream.URL == "" {
		cfg.Upstream.URL = viper.GetString("upstream.url")
	}
	if cfg.Upstream.Auth == "" {
		cfg.Upstream.Auth = viper.GetString("upstream.auth")
	}

	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = defaultDataDir
		log.Debug().Str("data_dir", cfg.Server.DataDir).Msg("Config had empty data_dir, using default")
	}

	// Validate required fields
	if cfg.Upstream.URL == "" {
		return nil, fmt.Errorf("upstream.url is required")
	}
	u, err := url.Parse(cfg.Upstream.URL)
	if err != nil {
		return nil, fmt.Errorf("upstream.url is not a valid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream.url must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream.url has no host")
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("server.port must be between 1 and 65535")
	}

	return &cfg, nil
}

// getDefaultDataDir returns a platform-appropriate default data directory
func getDefaultDataDir() string {
	if os.Getuid() != 0 {
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, ".local/share/stevedore")
		}
	}
	return "./data"
}
