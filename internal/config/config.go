// Package config loads client configuration from a YAML file, MULTICHAT_*
// environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// MULTICHAT_SYNC_TICK_INTERVAL=5s.
const EnvPrefix = "MULTICHAT"

type Config struct {
	Identity IdentityConfig `mapstructure:"identity"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type IdentityConfig struct {
	Nick     string `mapstructure:"nick"`
	User     string `mapstructure:"user"`
	RealName string `mapstructure:"realname"`
}

type SyncConfig struct {
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	ServerMinInterval time.Duration `mapstructure:"server_min_interval"`
	PollWait          time.Duration `mapstructure:"poll_wait"`
	ReactorInterval   time.Duration `mapstructure:"reactor_interval"`
	ReactorJoinWait   time.Duration `mapstructure:"reactor_join_wait"`
	PartGrace         time.Duration `mapstructure:"part_grace"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	QuitMessage       string        `mapstructure:"quit_message"`
}

type StorageConfig struct {
	// Path is the Badger directory. Empty keeps preferences in memory.
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("identity.nick", "")
	v.SetDefault("identity.user", "")
	v.SetDefault("identity.realname", "")

	v.SetDefault("sync.tick_interval", 3*time.Second)
	v.SetDefault("sync.server_min_interval", 2*time.Second)
	v.SetDefault("sync.poll_wait", 20*time.Millisecond)
	v.SetDefault("sync.reactor_interval", 50*time.Millisecond)
	v.SetDefault("sync.reactor_join_wait", time.Second)
	v.SetDefault("sync.part_grace", time.Second)
	v.SetDefault("sync.handshake_timeout", 10*time.Second)
	v.SetDefault("sync.quit_message", "Goodbye!")

	v.SetDefault("storage.path", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("metrics.addr", "")
}

// New returns a viper instance with defaults and environment overrides
// wired, for callers that bind flags before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (if not empty) into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyIdentityDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyIdentityDefaults picks a random nickname when none is configured;
// user and real name fall back to the nickname.
func (c *Config) applyIdentityDefaults() {
	if c.Identity.Nick == "" {
		c.Identity.Nick = RandomNick()
	}
	if c.Identity.User == "" {
		c.Identity.User = c.Identity.Nick
	}
	if c.Identity.RealName == "" {
		c.Identity.RealName = c.Identity.Nick
	}
}

// Validate rejects settings the sync engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"sync.tick_interval":       c.Sync.TickInterval,
		"sync.server_min_interval": c.Sync.ServerMinInterval,
		"sync.poll_wait":           c.Sync.PollWait,
		"sync.reactor_interval":    c.Sync.ReactorInterval,
		"sync.handshake_timeout":   c.Sync.HandshakeTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if c.Sync.ReactorInterval >= 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("sync.reactor_interval must be below 100ms, got %s", c.Sync.ReactorInterval))
	}
	if c.Sync.PartGrace < 0 {
		errs = append(errs, fmt.Errorf("sync.part_grace must not be negative, got %s", c.Sync.PartGrace))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// RandomNick returns a nickname of the form multichat_NNNNNN.
func RandomNick() string {
	return fmt.Sprintf("multichat_%06d", rand.IntN(1000000))
}
