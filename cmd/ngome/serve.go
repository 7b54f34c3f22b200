package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/gateway/httpapi"
	"github.com/jkaninda/ngome/internal/gateway/ws"
	"github.com/jkaninda/ngome/internal/ratelimit"
	"github.com/jkaninda/ngome/internal/scheduler"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandbox service (HTTP API, event stream, auto-sync)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `ngome --config path` and `ngome serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts ngome in service mode.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = servePort
	}

	if cfg.Gateways.HTTP == nil || !cfg.Gateways.HTTP.Enabled {
		return fmt.Errorf("no gateways enabled in config (set gateways.http.enabled)")
	}

	logger.Info("starting in serve mode", slog.String("config", serveConfigPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Auto-sync scheduler (optional).
	sched := scheduler.New(sc.Engine, cfg.Scheduler, logger)
	cancelSched, err := sched.Start(ctx)
	if err != nil {
		return err
	}
	defer cancelSched()

	// Rate limiter.
	var limiter *ratelimit.Limiter
	if cfg.Gateways.HTTP.RateLimit.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.Gateways.HTTP.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.Gateways.HTTP.RateLimit.BurstSize,
		})
	}

	// HTTP gateway.
	gw := buildHTTPGateway(cfg, sc, limiter)

	// WebSocket event stream, served on the same listener (optional).
	if cfg.Gateways.WebSocket != nil && cfg.Gateways.WebSocket.Enabled {
		wsServer := ws.NewServer(sc.Bus, logger)
		gw.WithHandler(cfg.Gateways.WebSocket.WSPath(), wsServer.Handler())
		logger.Debug("websocket event stream initialized",
			slog.String("path", cfg.Gateways.WebSocket.WSPath()),
		)
	}

	// Start the gateway and wait for signal or server error.
	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return gw.Stop(shutdownCtx)
}

// buildHTTPGateway assembles the HTTP gateway from config and shared
// components.
func buildHTTPGateway(cfg *config.Config, sc *SharedComponents, limiter *ratelimit.Limiter) *httpapi.Gateway {
	gwCfg := httpapi.Config{
		ListenAddr:     cfg.Gateways.HTTP.Addr(),
		EnableDocs:     cfg.Gateways.HTTP.EnableDocs,
		APIKey:         cfg.Gateways.HTTP.APIKey,
		MaxRequestSize: cfg.Gateways.HTTP.MaxRequestSize(),
	}
	if sc.Obs != nil {
		if sc.Obs.Metrics != nil {
			gwCfg.MetricsRegistry = sc.Obs.Metrics.Registry
			gwCfg.Metrics = sc.Obs.Metrics
			if cfg.Observability != nil && cfg.Observability.Metrics != nil {
				gwCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
			}
		}
		if sc.Obs.Tracer != nil {
			gwCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		gwCfg.HealthChecker = sc.Obs.Health
	}
	return httpapi.NewGateway(gwCfg, sc.Engine, limiter, sc.Logger)
}

// loadConfig reads the config file, falling back to built-in defaults
// when none exists at the default location.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("NGOME_CONFIG", serveConfigPath)
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && path == config.DefaultConfigPath() {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}
