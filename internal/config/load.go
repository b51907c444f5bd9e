package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and an optional
// config.yaml in the working directory. Environment variables take precedence
// over values from the config file. Returns a populated Config struct or an
// error if loading or validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// The config file is optional; environment variables alone are a valid
	// configuration source.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("STAGEHAND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// bindEnvKeys registers every config key with viper explicitly. AutomaticEnv
// only resolves environment variables for keys viper already knows about, so
// keys without defaults (database.url, auth.jwt_secret, redis.password) would
// otherwise be invisible to Unmarshal when provided through the environment
// alone.
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"server.port",
		"server.log_level",
		"database.url",
		"auth.jwt_secret",
		"auth.token_lifetime_minutes",
		"scheduler.max_concurrent",
		"scheduler.queue_size",
		"scheduler.dispatch_interval",
		"scheduler.poll_interval",
		"scheduler.not_found_limit",
		"scheduler.retry_backoff",
		"scheduler.drain_timeout",
		"scheduler.default_max_retries",
		"redis.addr",
		"redis.password",
		"redis.db",
	}
	for _, key := range keys {
		// BindEnv with the key alone derives the variable name from the
		// prefix and replacer; it only errors on an empty key.
		_ = v.BindEnv(key)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("auth.token_lifetime_minutes", 60)

	v.SetDefault("scheduler.max_concurrent", 4)
	v.SetDefault("scheduler.queue_size", 100)
	v.SetDefault("scheduler.dispatch_interval", time.Second)
	v.SetDefault("scheduler.poll_interval", 5*time.Second)
	v.SetDefault("scheduler.not_found_limit", 3)
	v.SetDefault("scheduler.retry_backoff", time.Minute)
	v.SetDefault("scheduler.drain_timeout", 30*time.Second)
	v.SetDefault("scheduler.default_max_retries", 3)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
}

func validateConfig(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
