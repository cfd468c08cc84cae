// Package config loads server configuration from YAML and the
// environment.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	apperr "github.com/opd-ai/peerchat/errors"
)

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Media    MediaConfig    `mapstructure:"media"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

type DatabaseConfig struct {
	// DSN empty selects the in-memory store.
	DSN string `mapstructure:"dsn"`
}

type MediaConfig struct {
	// Bucket empty selects the in-memory blob store.
	Bucket  string `mapstructure:"bucket"`
	BaseURL string `mapstructure:"base_url"`
}

type SweepConfig struct {
	SelfDestructInterval time.Duration `mapstructure:"self_destruct_interval"`
	TempSessionInterval  time.Duration `mapstructure:"temp_session_interval"`
}

type AuthConfig struct {
	// Tokens maps bearer tokens to user ids.
	Tokens map[string]string `mapstructure:"tokens"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("database.dsn", "")
	v.SetDefault("media.bucket", "")
	v.SetDefault("media.base_url", "http://localhost:8080/media")
	v.SetDefault("sweep.self_destruct_interval", 30*time.Second)
	v.SetDefault("sweep.temp_session_interval", time.Hour)
	v.SetDefault("log.level", "info")
}

// Load reads the configuration from path (optional) with PEERCHAT_*
// environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PEERCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperr.Wrap(apperr.CodeValidation, "reading config file", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "parsing config", err)
	}
	return &cfg, nil
}
