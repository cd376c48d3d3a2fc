// Package config loads chatsync settings from defaults, an optional YAML
// file and CHATSYNC_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/whisper/chat-sync/internal/history"
	"github.com/whisper/chat-sync/internal/live"
	"github.com/whisper/chat-sync/internal/messaging"
)

// EnvPrefix prefixes every environment override, e.g. CHATSYNC_SERVER_BASE_URL.
const EnvPrefix = "CHATSYNC"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Live    LiveConfig    `mapstructure:"live"`
	Session SessionConfig `mapstructure:"session"`
	Redis   RedisConfig   `mapstructure:"redis"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	HistoryLimit   int           `mapstructure:"history_limit"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type LiveConfig struct {
	URL               string        `mapstructure:"url"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	ReconnectInitial  time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
}

// SessionConfig selects where the credential is kept between runs.
type SessionConfig struct {
	Store   string `mapstructure:"store"`   // "memory" or "redis"
	Profile string `mapstructure:"profile"` // key suffix, one session per profile
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the endpoint
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "console" or "json"
}

// Load reads configuration. An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	hc := history.DefaultConfig()
	v.SetDefault("server.base_url", hc.BaseURL)
	v.SetDefault("server.history_limit", hc.Limit)
	v.SetDefault("server.request_timeout", hc.Timeout)

	lc := live.DefaultConfig()
	v.SetDefault("live.url", lc.URL)
	v.SetDefault("live.handshake_timeout", lc.HandshakeTimeout)
	v.SetDefault("live.write_timeout", lc.WriteTimeout)
	v.SetDefault("live.heartbeat_interval", lc.HeartbeatInterval)
	v.SetDefault("live.heartbeat_timeout", lc.HeartbeatTimeout)
	v.SetDefault("live.reconnect_initial", lc.ReconnectInitial)
	v.SetDefault("live.reconnect_max", lc.ReconnectMax)
	v.SetDefault("live.reconnect_attempts", lc.ReconnectAttempts)

	v.SetDefault("session.store", "memory")
	v.SetDefault("session.profile", "default")
	v.SetDefault("redis.addr", "localhost:6379")

	nc := messaging.DefaultNATSConfig()
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", nc.URL)
	v.SetDefault("nats.max_reconnects", nc.MaxReconnects)
	v.SetDefault("nats.reconnect_wait", nc.ReconnectWait)

	v.SetDefault("metrics.addr", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

func (c *Config) validate() error {
	switch c.Session.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: session.store must be memory or redis, got %q", c.Session.Store)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("config: log.format must be console or json, got %q", c.Log.Format)
	}
	if c.Live.HandshakeTimeout <= 0 {
		return fmt.Errorf("config: live.handshake_timeout must be positive")
	}
	return nil
}

// HistoryLoader returns the History Loader settings.
func (c *Config) HistoryLoader() history.Config {
	return history.Config{
		BaseURL: c.Server.BaseURL,
		Limit:   c.Server.HistoryLimit,
		Timeout: c.Server.RequestTimeout,
	}
}

// LiveChannel returns the live channel settings.
func (c *Config) LiveChannel() live.Config {
	return live.Config{
		URL:               c.Live.URL,
		HandshakeTimeout:  c.Live.HandshakeTimeout,
		WriteTimeout:      c.Live.WriteTimeout,
		HeartbeatInterval: c.Live.HeartbeatInterval,
		HeartbeatTimeout:  c.Live.HeartbeatTimeout,
		ReconnectInitial:  c.Live.ReconnectInitial,
		ReconnectMax:      c.Live.ReconnectMax,
		ReconnectAttempts: c.Live.ReconnectAttempts,
	}
}

// NATSClient returns the NATS client settings.
func (c *Config) NATSClient() messaging.NATSConfig {
	nc := messaging.DefaultNATSConfig()
	nc.URL = c.NATS.URL
	nc.MaxReconnects = c.NATS.MaxReconnects
	nc.ReconnectWait = c.NATS.ReconnectWait
	return nc
}
