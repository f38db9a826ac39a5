// Package config loads relay settings from defaults, an optional YAML file
// and RELAY_* environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	// RealtimeListenAddr is the websocket endpoint clients dial.
	RealtimeListenAddr string `mapstructure:"realtime_listen_addr"`
	// OpsListenAddr is the health/debug HTTP endpoint.
	OpsListenAddr string `mapstructure:"ops_listen_addr"`
	// APIKey, when set, is required from clients as a bearer token.
	APIKey string `mapstructure:"api_key"`
	// LogLevel is a zerolog level name.
	LogLevel string `mapstructure:"log_level"`
}

// Load reads configuration, tolerating a missing file when path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("relay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("realtime_listen_addr", ":8888")
	v.SetDefault("ops_listen_addr", ":8080")
	v.SetDefault("api_key", "")
	v.SetDefault("log_level", "debug")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
