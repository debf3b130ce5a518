package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"deviceagent/internal/agent"
	"deviceagent/internal/api"
	"deviceagent/internal/bus"
	"deviceagent/internal/cloud"
	"deviceagent/internal/config"
	"deviceagent/internal/plugins"

	// Compiled-in plugins register themselves from init().
	_ "deviceagent/internal/plugins/filewatcher"
	_ "deviceagent/internal/plugins/listfiles"
	_ "deviceagent/internal/plugins/schedule"
	_ "deviceagent/internal/plugins/sysinfo"
)

const defaultConfigPath = "config.yaml"

func main() {
	// Bootstrap logger, replaced once the configured level is known.
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	configPath := os.Getenv("AGENT_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	cfg, err := config.NewManager(configPath, logger).Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger = buildLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("Starting desktop agent",
		zap.String("config", configPath),
		zap.String("device_id", cfg.DeviceID),
		zap.String("server_url", cfg.ServerURL))

	b := bus.New(logger)
	manager := plugins.NewManager(cfg.PluginsDir, b, logger, nil)
	client := cloud.NewClient(cloud.Config{
		ServerURL:            cfg.ServerURL,
		AuthKey:              cfg.APIKey,
		DeviceID:             cfg.DeviceID,
		ReconnectInterval:    cfg.ReconnectInterval(),
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		HTTPTimeout:          cfg.HTTPTimeout(),
	}, b, logger, nil)

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(manager, client, b, logger, cfg.API.Host, cfg.API.Port)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.New(cfg, b, manager, client, apiServer, logger).Run(ctx); err != nil {
		logger.Fatal("Agent failed", zap.Error(err))
	}
}

// buildLogger creates the production logger at the configured level.
// An unknown level falls back to info rather than refusing to start.
func buildLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	logCfg := zap.NewProductionConfig()
	logCfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := logCfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
