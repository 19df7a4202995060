package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"streamsupervisor/internal/app"
	"streamsupervisor/internal/apihttp"
	"streamsupervisor/internal/metrics"
	"streamsupervisor/internal/supervisor"
	"streamsupervisor/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the supervisor config file")
	flag.Parse()

	initialCfg, err := app.Load(*configPath)
	if err != nil {
		slog.Default().Error("initial config load failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := newLogger(initialCfg.LogLevel, initialCfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "stream-supervisor")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup, err := supervisor.New(rootCtx,
		supervisor.WithConfigPath(*configPath),
		supervisor.WithLogger(logger),
	)
	if err != nil {
		logger.Error("supervisor init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	go app.Watch(rootCtx, *configPath, logger, func() {
		if err := sup.ReloadConfig(); err != nil {
			logger.Warn("config reload failed, keeping previous configuration", slog.String("error", err.Error()))
		}
	})

	admin := apihttp.NewServer(
		apihttp.WithLogger(logger),
		apihttp.WithAPIToken(sup.APIToken()),
		apihttp.WithEventLog(sup.EventLog()),
		apihttp.WithReloader(sup),
		apihttp.WithRestarter(sup),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", sup.Transport().ServeHTTP)
	mux.Handle("/", admin)

	srv := &http.Server{
		Addr:              initialCfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("stream supervisor started",
		slog.String("addr", initialCfg.HTTPAddr),
		slog.String("config", *configPath),
	)

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	sup.Shutdown()

	logger.Info("stream supervisor stopped")
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
