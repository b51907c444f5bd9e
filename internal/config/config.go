package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database" validate:"required"`
	Auth      AuthConfig      `mapstructure:"auth" validate:"required"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" validate:"required"`
	Redis     RedisConfig     `mapstructure:"redis"`
}

// ServerConfig contains all HTTP server related settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database related settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret" validate:"required,min=32"`
	TokenLifetimeMinutes int    `mapstructure:"token_lifetime_minutes" validate:"required,gt=0"`
}

// SchedulerConfig contains the tuning knobs of the task scheduler.
type SchedulerConfig struct {
	MaxConcurrent     int           `mapstructure:"max_concurrent" validate:"required,gt=0"`
	QueueSize         int           `mapstructure:"queue_size" validate:"required,gt=0"`
	DispatchInterval  time.Duration `mapstructure:"dispatch_interval" validate:"required,gt=0"`
	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"required,gt=0"`
	NotFoundLimit     int           `mapstructure:"not_found_limit" validate:"required,gt=0"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff" validate:"required,gt=0"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout" validate:"required,gt=0"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries" validate:"gte=0"`
}

// RedisConfig contains the connection settings for the external job broker.
// It is optional: deployments without asynchronous stages can leave it empty.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}
