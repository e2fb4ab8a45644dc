package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/grandcat/zeroconf"

	"smarthome/iot-backend/internal/config"
	"smarthome/iot-backend/internal/coordinator"
	"smarthome/iot-backend/internal/egress"
	"smarthome/iot-backend/internal/metrics"
	"smarthome/iot-backend/internal/mqttclient"
	"smarthome/iot-backend/internal/store"
)

// App wires together the smart home services and manages their lifecycle.
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	started time.Time

	store     *store.Store
	coord     *coordinator.Coordinator
	publisher *egress.Publisher
	mqtt      *mqttclient.Client
	mirrors   egress.Mirrors
	metrics   *metrics.Metrics
	mdns      *zeroconf.Server
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	a.started = time.Now()

	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	a.metrics = metrics.New()
	a.mirrors = a.buildMirrors()
	defer func() {
		if cerr := a.mirrors.Close(); cerr != nil {
			a.logger.Error("close mirrors", "error", cerr)
		}
	}()

	var transport egress.Transport
	if a.cfg.MQTT.Broker != "" {
		a.mqtt = mqttclient.New(a.cfg.MQTT, a.logger)
		transport = a.mqtt
	}
	a.publisher = egress.NewPublisher(transport, a.logger)

	var mirror egress.Mirror
	if len(a.mirrors) > 0 {
		mirror = a.mirrors
	}

	a.coord = coordinator.New(coordinator.Options{
		Store:             a.store,
		Broker:            a.publisher,
		Telemetry:         egress.NewTelemetryClient(a.cfg.ThingSpeak, a.logger),
		Mirror:            mirror,
		Metrics:           a.metrics,
		Thresholds:        a.cfg.Thresholds,
		TelemetryInterval: a.cfg.ThingSpeak.Interval,
		CommandTimeout:    a.cfg.MQTT.PublishTimeout,
		Logger:            a.logger,
	})

	if err := a.coord.LoadThresholds(ctx); err != nil {
		a.logger.Warn("using configured thresholds", "error", err)
	}

	if a.mqtt != nil {
		a.mqtt.SetHandler(a.coord)
		go func() {
			if err := a.mqtt.Connect(ctx); err != nil {
				a.logger.Warn("mqtt unavailable, continuing with HTTP only", "error", err)
			}
		}()
	} else {
		a.logger.Info("mqtt disabled, no broker configured")
	}

	httpErrCh := make(chan error, 2)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           handlers.LoggingHandler(os.Stdout, a.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var metricsServer *http.Server
	if a.cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("metrics server started", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErrCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	if a.cfg.EnableMDNS {
		if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
	}

	go a.runRetention(ctx)
	go a.runHeartbeat(ctx)

	select {
	case <-ctx.Done():
		a.shutdown(httpServer, metricsServer)
		return nil
	case err := <-httpErrCh:
		a.shutdown(httpServer, metricsServer)
		return err
	}
}

func (a *App) shutdown(servers ...*http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, srv := range servers {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown", "addr", srv.Addr, "error", err)
		}
	}
	a.logger.Info("http server stopped")

	a.stopMDNS()

	if a.mqtt != nil {
		a.publishStatus(false)
		a.mqtt.Disconnect()
	}
}

func (a *App) buildMirrors() egress.Mirrors {
	var mirrors egress.Mirrors
	if a.cfg.InfluxURL != "" {
		mirrors = append(mirrors, egress.NewInfluxMirror(a.cfg.InfluxURL, a.cfg.InfluxToken, a.cfg.InfluxOrg, a.cfg.InfluxBucket, a.logger))
		a.logger.Info("influx mirror enabled", "url", a.cfg.InfluxURL, "bucket", a.cfg.InfluxBucket)
	}
	if a.cfg.RedisAddr != "" {
		mirrors = append(mirrors, egress.NewRedisMirror(a.cfg.RedisAddr))
		a.logger.Info("redis mirror enabled", "addr", a.cfg.RedisAddr)
	}
	return mirrors
}
