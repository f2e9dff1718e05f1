package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fulfillment-worker/internal/app"
	"fulfillment-worker/internal/config"
	"fulfillment-worker/internal/lib/logger/handlers/slogpretty"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	// init config: cleanenv
	cfg := config.MustLoad()

	// init logger: log/slog
	log := setupLogger(cfg.Env)

	log.Info("starting fulfillment pipeline", slog.String("env", cfg.Env))
	log.Debug("debug messages are enabled")

	// run Prometheus HTTP-server
	promAddr := fmt.Sprintf(
		"%s:%d",
		cfg.Prometheus.HOST,
		cfg.Prometheus.PORT,
	)
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		log.Info("starting Prometheus metrics server", slog.String("address", promAddr))
		if err := http.ListenAndServe(promAddr, nil); err != nil {
			log.Error("failed to start Prometheus metrics server", slog.Any("error", err))
		}
	}()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// init pipeline
	pipeline, err := app.NewPipeline(runCtx, cfg, log)
	if err != nil {
		log.Error("failed to initialize pipeline", slog.Any("error", err))
		os.Exit(1)
	}

	// run pipeline
	errChan := make(chan error, 1)
	go func() {
		errChan <- pipeline.Run(runCtx)
	}()

	log.Info("pipeline started")

	// processing completion signals
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-done:
		log.Info("stopping pipeline...")
	case err := <-errChan:
		if err != nil {
			log.Error("pipeline crashed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	log.Info("shutting down pipeline...")
	cancel()

	// context for graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.GracefulShutdownTimeout)
	defer shutdownCancel()

	if err := pipeline.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to stop pipeline", slog.Any("error", err))
	}

	log.Info("pipeline stopped")
}

// configuring the logger
func setupLogger(env string) *slog.Logger {
	switch env {
	case envLocal:
		return setupPrettySlog()
	case envDev:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envProd:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// pretty logger for the local environment
func setupPrettySlog() *slog.Logger {
	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: slog.LevelDebug,
		},
	}
	handler := opts.NewPrettyHandler(os.Stdout)
	return slog.New(handler)
}
