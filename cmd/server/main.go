// Package main implements the entry point for the stagehand server, a
// persistent multi-stage task scheduler with an HTTP ingress API.
package main

import (
	"fmt"
	"log"
	"log/slog"

	"github.com/phrazzld/stagehand/internal/config"
	"github.com/phrazzld/stagehand/internal/platform/logger"
)

// main loads configuration, wires the application components and runs the
// HTTP server until a shutdown signal arrives.
func main() {
	app, err := initializeApp()
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	if err := app.run(); err != nil {
		app.logger.Error("Server exited with error", "error", err)
		log.Fatalf("Server failed: %v", err)
	}
}

// initializeApp loads configuration, sets up logging and builds the
// application with all its dependencies.
func initializeApp() (*application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, err := logger.Setup(logger.LoggerConfig{Level: cfg.Server.LogLevel})
	if err != nil {
		return nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	slog.Info("Server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"max_concurrent", cfg.Scheduler.MaxConcurrent,
		"redis_configured", cfg.Redis.Addr != "")

	app, err := newApplication(cfg, appLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to build application: %w", err)
	}

	return app, nil
}
