// Package config loads streambridge configuration from defaults, config.yaml
// and STREAMBRIDGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Events    EventsConfig    `mapstructure:"events"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Session   SessionConfig   `mapstructure:"session"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the HTTP/websocket listener settings.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// EventsConfig selects the event bus. An empty NATSURL means in-process.
type EventsConfig struct {
	NATSURL       string `mapstructure:"natsUrl"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	Namespace     string `mapstructure:"namespace"`
}

// DatabaseConfig configures the prompt record store.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// SessionConfig tunes the per-session pipeline.
type SessionConfig struct {
	DedupCapacity int `mapstructure:"dedupCapacity"`
	SettleDelayMs int `mapstructure:"settleDelayMs"`
	QueueLimit    int `mapstructure:"queueLimit"`
}

// EngineCommand is the command line used to launch one engine CLI.
type EngineCommand struct {
	Binary string   `mapstructure:"binary"`
	Args   []string `mapstructure:"args"`
}

// ExecutionConfig configures how engine processes are started.
type ExecutionConfig struct {
	Claude EngineCommand `mapstructure:"claude"`
	Codex  EngineCommand `mapstructure:"codex"`
	Gemini EngineCommand `mapstructure:"gemini"`
	// StopTimeout is how long a cancelled process gets before it is killed, in seconds.
	StopTimeout int `mapstructure:"stopTimeout"`
}

// LoggingConfig mirrors logger.LoggingConfig.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// SettleDelay returns the post-completion settle delay.
func (s *SessionConfig) SettleDelay() time.Duration {
	return time.Duration(s.SettleDelayMs) * time.Millisecond
}

// StopTimeoutDuration returns the grace period for cancelled processes.
func (e *ExecutionConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(e.StopTimeout) * time.Second
}

// Command returns the configured command for an engine name.
func (e *ExecutionConfig) Command(engine string) (EngineCommand, bool) {
	switch engine {
	case "claude":
		return e.Claude, true
	case "codex":
		return e.Codex, true
	case "gemini":
		return e.Gemini, true
	}
	return EngineCommand{}, false
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("STREAMBRIDGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.clientId", "streambridge")
	v.SetDefault("events.maxReconnects", 10)
	v.SetDefault("events.namespace", "")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./streambridge.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("session.dedupCapacity", 2048)
	v.SetDefault("session.settleDelayMs", 300)
	v.SetDefault("session.queueLimit", 64)

	v.SetDefault("execution.claude.binary", "claude")
	v.SetDefault("execution.claude.args", []string{"--output-format", "stream-json", "--verbose"})
	v.SetDefault("execution.codex.binary", "codex")
	v.SetDefault("execution.codex.args", []string{"exec", "--json"})
	v.SetDefault("execution.gemini.binary", "gemini")
	v.SetDefault("execution.gemini.args", []string{"--output-format", "stream-json"})
	v.SetDefault("execution.stopTimeout", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from the default locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration, looking for config.yaml in configPath
// first.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("STREAMBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("events.natsUrl", "STREAMBRIDGE_NATS_URL", "NATS_URL")
	_ = v.BindEnv("database.driver", "STREAMBRIDGE_DB_DRIVER")
	_ = v.BindEnv("database.path", "STREAMBRIDGE_DB_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/streambridge/")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Session.DedupCapacity <= 0 {
		errs = append(errs, "session.dedupCapacity must be positive")
	}
	if cfg.Session.SettleDelayMs < 0 {
		errs = append(errs, "session.settleDelayMs must not be negative")
	}
	if cfg.Session.QueueLimit <= 0 {
		errs = append(errs, "session.queueLimit must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
