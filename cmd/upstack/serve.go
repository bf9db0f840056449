package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/upstack-io/upstack/internal/shell/api"
	"github.com/upstack-io/upstack/internal/shell/docker"
	"github.com/upstack-io/upstack/internal/shell/store"
)

// =============================================================================
// serve
// =============================================================================

// cmdServe runs the status HTTP API until interrupted.
func cmdServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, logger, code := loadToolConfig(*configPath)
	if code != ExitSuccess {
		return code
	}

	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		logger.Error("failed to open run store", "dsn", cfg.Database.DSN, "error", err)
		return ExitDatabaseError
	}
	defer s.Close()

	engine, err := docker.NewEngineClient(cfg.Docker.Host)
	if err != nil {
		logger.Error("failed to create engine client", "error", err)
		return ExitDockerError
	}
	defer engine.Close()

	handler := api.NewServer(api.Config{
		Store:     s,
		Engine:    engine,
		Logger:    logger,
		TokenHash: cfg.API.TokenHash,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("status API listening", "addr", cfg.Server.Address())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("http server error", "error", err)
		return ExitHTTPServerError
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		return ExitHTTPServerError
	}

	logger.Info("status API stopped")
	return ExitSuccess
}
