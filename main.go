package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"asterengine/internal/apperr"
	"asterengine/internal/config"
	"asterengine/internal/engine"
)

func main() {
	configPath := flag.String("config", "", "Path to a TOML or YAML config file")
	listen := flag.String("listen", "", "Override the listen address (e.g. :9200)")
	dataDir := flag.String("data-dir", "", "Override the data directory")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg.ApplyEnv(os.LookupEnv)
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *dataDir != "" {
		cfg.Paths.DataDir = *dataDir
	}

	level, err := cfg.LogLevel()
	if err != nil {
		slog.Error("invalid logging config", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.AppConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(engine.Options{
		DataDir:        cfg.Paths.DataDir,
		MergeThreshold: cfg.IndexDefaults.MergeThreshold,
		MergeInterval:  cfg.IndexDefaults.MergeInterval,
		Similarity:     cfg.Similarity(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error("failed to close engine", "error", err)
		}
	}()

	if err := bootstrap(eng, cfg.Bootstrap, logger); err != nil {
		return err
	}

	telemetry := newTelemetry(ctx, logger, cfg.MetricsEnabled())
	server := newAPIServer(eng, telemetry, logger, serverOptions{
		searchTimeout: cfg.Server.SearchTimeout,
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
		logRequests:   cfg.RequestLogsEnabled(),
	})
	for _, info := range eng.ListIndexes() {
		telemetry.observeIndex(info.Name, info.Stats)
	}

	srv := &http.Server{Addr: cfg.Server.Listen, Handler: server.routes(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("AsterEngine API listening", "listen", cfg.Server.Listen, "dataDir", cfg.Paths.DataDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// bootstrap creates every index described by the given definition files that does not
// exist yet.
func bootstrap(eng *engine.Engine, files []string, logger *slog.Logger) error {
	for _, path := range files {
		req, err := config.LoadIndexFile(path)
		if err != nil {
			return err
		}
		if _, err := eng.CreateIndex(req); err != nil {
			if errors.Is(err, apperr.ErrAlreadyExists) {
				continue
			}
			return err
		}
		logger.Info("index bootstrapped", "index", req.Name, "file", path)
	}
	return nil
}
