// Package config provides configuration management for Nova.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Nova.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Embeddings EmbeddingsConfig `mapstructure:"embeddings"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// An empty Host selects the embedded SQLite backend at Path.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
	Path     string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// EmbeddingsConfig holds the embedding provider configuration.
// An empty URL disables the semantic recall side entirely; every caller
// treats the absence as "lexical only", never as an error.
type EmbeddingsConfig struct {
	URL        string `mapstructure:"url"`
	Model      string `mapstructure:"model"`
	APIKey     string `mapstructure:"apiKey"`
	Dimensions int    `mapstructure:"dimensions"`
	TimeoutSec int    `mapstructure:"timeoutSec"`
}

// LLMConfig holds the chat completion provider configuration backing the
// agent graph runtime. The URL is an OpenAI-compatible chat completions
// endpoint; the model is chosen per agent.
type LLMConfig struct {
	URL        string `mapstructure:"url"`
	APIKey     string `mapstructure:"apiKey"`
	TimeoutSec int    `mapstructure:"timeoutSec"`
}

// Timeout returns the LLM HTTP timeout as a time.Duration.
func (l *LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSec) * time.Second
}

// ExecutorConfig holds task executor pool configuration.
type ExecutorConfig struct {
	Workers    int `mapstructure:"workers"`
	QueueDepth int `mapstructure:"queueDepth"`
}

// SchedulerConfig holds the recurring-task scheduler configuration.
type SchedulerConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	DefaultTimezone string `mapstructure:"defaultTimezone"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Enabled reports whether a semantic embedding provider is configured.
func (e *EmbeddingsConfig) Enabled() bool {
	return e.URL != ""
}

// Timeout returns the embeddings HTTP timeout as a time.Duration.
func (e *EmbeddingsConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSec) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("NOVA_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty host means embedded SQLite
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "nova")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "nova")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.path", "nova.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "nova-engine")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Embeddings defaults - disabled until a URL is configured
	v.SetDefault("embeddings.url", "")
	v.SetDefault("embeddings.model", "")
	v.SetDefault("embeddings.apiKey", "")
	v.SetDefault("embeddings.dimensions", 1024)
	v.SetDefault("embeddings.timeoutSec", 30)

	// LLM defaults - empty URL selects the echo runtime (development only)
	v.SetDefault("llm.url", "")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.timeoutSec", 120)

	// Executor defaults
	v.SetDefault("executor.workers", 4)
	v.SetDefault("executor.queueDepth", 256)

	// Scheduler defaults
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.defaultTimezone", "UTC")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix NOVA_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/nova/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("NOVA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("embeddings.apiKey", "NOVA_EMBEDDINGS_APIKEY", "NOVA_EMBEDDINGS_API_KEY")
	_ = v.BindEnv("llm.apiKey", "NOVA_LLM_APIKEY", "NOVA_LLM_API_KEY")
	_ = v.BindEnv("database.dbName", "NOVA_DATABASE_DBNAME", "NOVA_DATABASE_DB_NAME")
	_ = v.BindEnv("scheduler.defaultTimezone", "NOVA_SCHEDULER_DEFAULT_TIMEZONE")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/nova/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
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

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation - only if host is set (optional for SQLite mode)
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	} else if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required when database.host is empty")
	}

	// Embeddings validation - only if a provider URL is set
	if cfg.Embeddings.URL != "" {
		if cfg.Embeddings.Model == "" {
			errs = append(errs, "embeddings.model is required when embeddings.url is set")
		}
		if cfg.Embeddings.Dimensions <= 0 {
			errs = append(errs, "embeddings.dimensions must be positive")
		}
	}
	if cfg.Embeddings.TimeoutSec <= 0 {
		errs = append(errs, "embeddings.timeoutSec must be positive")
	}

	if cfg.LLM.TimeoutSec <= 0 {
		errs = append(errs, "llm.timeoutSec must be positive")
	}

	if cfg.Executor.Workers <= 0 {
		errs = append(errs, "executor.workers must be positive")
	}
	if cfg.Executor.QueueDepth <= 0 {
		errs = append(errs, "executor.queueDepth must be positive")
	}

	if cfg.Scheduler.DefaultTimezone != "" {
		if _, err := time.LoadLocation(cfg.Scheduler.DefaultTimezone); err != nil {
			errs = append(errs, fmt.Sprintf("scheduler.defaultTimezone is invalid: %v", err))
		}
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// UsePostgres reports whether the PostgreSQL backend is selected.
func (d *DatabaseConfig) UsePostgres() bool {
	return d.Host != ""
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
