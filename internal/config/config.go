// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

// Package config loads the closed configuration record for the control
// plane. Precedence: flags, then environment (TASKMASTER_*), then the YAML
// config file, then defaults. There are no open-ended settings bags; every
// key is enumerated here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the closed configuration record.
type Config struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
	Debug  bool   `mapstructure:"debug" yaml:"debug"`

	Vault  VaultConfig `mapstructure:"vault" yaml:"vault"`
	Model  ModelConfig `mapstructure:"model" yaml:"model"`
	Audit  AuditConfig `mapstructure:"audit" yaml:"audit"`
	Limits LimitConfig `mapstructure:"limits" yaml:"limits"`
}

// VaultConfig holds the credential-vault key.
type VaultConfig struct {
	// Key is the base64-encoded 32-byte sealing key. Empty means an
	// ephemeral key is generated at startup.
	Key string `mapstructure:"key" yaml:"key"`
}

// ModelConfig points at the external language-model endpoint.
type ModelConfig struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key"`
	Name     string `mapstructure:"name" yaml:"name"`
}

// AuditConfig selects the audit sink backend.
type AuditConfig struct {
	// Type is one of memory, sqlite, postgres, mysql.
	Type string `mapstructure:"type" yaml:"type"`
	DSN  string `mapstructure:"dsn" yaml:"dsn"`
}

// LimitConfig is the default-limits bundle.
type LimitConfig struct {
	ConnectDeadline    time.Duration `mapstructure:"connect_deadline" yaml:"connect_deadline"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatFailures  int           `mapstructure:"heartbeat_failures" yaml:"heartbeat_failures"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	GeneratorDeadline  time.Duration `mapstructure:"generator_deadline" yaml:"generator_deadline"`
	StepDeadline       time.Duration `mapstructure:"step_deadline" yaml:"step_deadline"`
	OutputCapBytes     int64         `mapstructure:"output_cap_bytes" yaml:"output_cap_bytes"`
	MaxSessionsPerUser int           `mapstructure:"max_sessions_per_user" yaml:"max_sessions_per_user"`
}

// Defaults returns the documented default configuration.
func Defaults() Config {
	return Config{
		Listen: "127.0.0.1:8420",
		Audit:  AuditConfig{Type: "memory"},
		Model:  ModelConfig{Name: "gpt-4o-mini"},
		Limits: LimitConfig{
			ConnectDeadline:    20 * time.Second,
			HeartbeatInterval:  30 * time.Second,
			HeartbeatFailures:  2,
			IdleTimeout:        60 * time.Minute,
			GeneratorDeadline:  90 * time.Second,
			StepDeadline:       120 * time.Second,
			OutputCapBytes:     1 << 20,
			MaxSessionsPerUser: 8,
		},
	}
}

// setDefaults registers the default record with viper key by key.
func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("listen", d.Listen)
	v.SetDefault("debug", d.Debug)
	v.SetDefault("vault.key", d.Vault.Key)
	v.SetDefault("model.endpoint", d.Model.Endpoint)
	v.SetDefault("model.api_key", d.Model.APIKey)
	v.SetDefault("model.name", d.Model.Name)
	v.SetDefault("audit.type", d.Audit.Type)
	v.SetDefault("audit.dsn", d.Audit.DSN)
	v.SetDefault("limits.connect_deadline", d.Limits.ConnectDeadline)
	v.SetDefault("limits.heartbeat_interval", d.Limits.HeartbeatInterval)
	v.SetDefault("limits.heartbeat_failures", d.Limits.HeartbeatFailures)
	v.SetDefault("limits.idle_timeout", d.Limits.IdleTimeout)
	v.SetDefault("limits.generator_deadline", d.Limits.GeneratorDeadline)
	v.SetDefault("limits.step_deadline", d.Limits.StepDeadline)
	v.SetDefault("limits.output_cap_bytes", d.Limits.OutputCapBytes)
	v.SetDefault("limits.max_sessions_per_user", d.Limits.MaxSessionsPerUser)
}

// Load reads configuration for the given command. An explicit cfgFile wins
// over the search path (working directory, then the user config dir).
func Load(cmd *cobra.Command, cfgFile string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("taskmaster")
	v.SetConfigType("yaml")
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	}
	v.AddConfigPath(".")
	if userDir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(userDir, "taskmaster"))
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; anything else is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if cfgFile != "" || !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix("taskmaster")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return c, nil
}

// WriteDefault writes the default configuration as YAML to path, creating
// parent directories. Refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(Defaults())
	if err != nil {
		return fmt.Errorf("failed to render default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
