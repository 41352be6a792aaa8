package config

import (
	"log/slog"
	"time"

	"github.com/GameclubPro/girl-sub002/internal/connection"
)

// Config is the root configuration for a streamtap instance.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Recorder RecorderConfig `yaml:"recorder"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig identifies the realtime endpoint and the user to connect as.
type ServerConfig struct {
	BaseURL string `yaml:"base_url"` // http(s) base, mapped to ws(s)
	UserID  string `yaml:"user_id"`
	Path    string `yaml:"path"`  // Websocket path appended to BaseURL
	Token   string `yaml:"token"` // Optional bearer token sent on the handshake
}

// RealtimeConfig holds connection supervisor settings.
type RealtimeConfig struct {
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	ReconnectJitter    time.Duration `yaml:"reconnect_jitter"`
	IdleGrace          time.Duration `yaml:"idle_grace"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
}

// RecorderConfig holds the optional event journal settings.
type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
	Database      DBConfig      `yaml:"database"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// ConnectionConfig converts the realtime section for the connection package.
func (c *Config) ConnectionConfig() connection.Config {
	return connection.Config{
		ReconnectBaseDelay: c.Realtime.ReconnectBaseDelay,
		ReconnectMaxDelay:  c.Realtime.ReconnectMaxDelay,
		ReconnectJitter:    c.Realtime.ReconnectJitter,
		IdleGrace:          c.Realtime.IdleGrace,
		HandshakeTimeout:   c.Realtime.HandshakeTimeout,
		WriteTimeout:       c.Realtime.WriteTimeout,
		PingInterval:       c.Realtime.PingInterval,
	}
}

// SlogLevel parses the configured level. Unknown values map to info.
func (l LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}
