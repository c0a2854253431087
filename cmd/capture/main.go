package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/video-system/go-capture-core/internal/telemetry"
	"github.com/video-system/go-capture-core/pkg/api"
	"github.com/video-system/go-capture-core/pkg/capture"

	_ "github.com/video-system/go-capture-core/pkg/engine/sim"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults when empty)")
	statusInterval := flag.Duration("status-interval", 30*time.Second, "Interval between device status logs, 0 disables")
	flag.Parse()

	if err := run(*configPath, *statusInterval); err != nil {
		slog.Error("capture: exiting", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, statusInterval time.Duration) error {
	cfg, err := capture.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("capture: telemetry shutdown", "error", err)
		}
	}()

	manager, err := capture.NewManager(cfg, capture.DeviceOptions{Logger: logger})
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start devices: %w", err)
	}
	defer manager.Stop()

	apiServer := api.NewServer(api.ServerConfig{
		Host:    cfg.API.Host,
		Port:    cfg.API.Port,
		Manager: api.WrapManager(manager),
		Logger:  logger,
	})

	logger.Info("capture: started", "version", version, "devices", manager.DeviceCount())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(apiServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("capture: shutdown signal received")
		apiServer.Stop()
		return nil
	})
	if statusInterval > 0 {
		g.Go(func() error {
			runStatusLog(gctx, logger, manager, statusInterval)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("capture: stopped")
	return err
}

func newLogger(cfg capture.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// runStatusLog periodically logs the pipeline state of every device
func runStatusLog(ctx context.Context, logger *slog.Logger, manager *capture.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range manager.ListDevices() {
				dev, _ := manager.GetDevice(id)
				status := dev.Status(ctx)
				if !status.IsRunning || status.Queue == nil {
					logger.Warn("capture: device not running", "device", id, "error", status.Error)
					continue
				}
				logger.Info("capture: device status",
					"device", id,
					"state", status.Queue.State,
					"in_flight", status.Queue.InFlight,
					"pool_in_use", status.Queue.PoolInUse,
					"accepted", status.Queue.Accepted,
					"rejected", status.Queue.Rejected,
					"results", status.History.ResultCount)
			}
		}
	}
}
