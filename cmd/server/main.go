package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"smarthome/iot-backend/internal/app"
	"smarthome/iot-backend/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))

	logStartup(logger, cfg)

	application := app.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		logger.Error("application terminated", "error", err)
		os.Exit(1)
	}

	logger.Info("application stopped cleanly")
}

// logStartup records the effective configuration without credentials.
func logStartup(logger *slog.Logger, cfg config.Config) {
	mqtt := "disabled"
	if cfg.MQTT.Broker != "" {
		mqtt = cfg.MQTT.BrokerURL()
	}

	logger.Info("starting smart home backend",
		"http_port", cfg.HTTPPort,
		"metrics_port", cfg.MetricsPort,
		"database", cfg.DatabasePath,
		"mqtt", mqtt,
		"telemetry", cfg.ThingSpeak.APIKey != "",
		"telemetry_interval", cfg.ThingSpeak.Interval,
		"retention_days", cfg.RetentionDays,
	)
	logger.Info("thresholds",
		"temperature_high", cfg.Thresholds.TemperatureHigh,
		"temperature_critical", cfg.Thresholds.TemperatureCritical,
		"humidity_high", cfg.Thresholds.HumidityHigh,
		"light_threshold", cfg.Thresholds.LightThreshold,
	)
}

func logLevel(level string) slog.Leveler {
	var lvl slog.Level

	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	lv := new(slog.LevelVar)
	lv.Set(lvl)
	return lv
}
