package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jogman/walle/internal/config"
	"github.com/jogman/walle/internal/dispatch"
	"github.com/jogman/walle/internal/events"
	"github.com/jogman/walle/internal/host"
	"github.com/jogman/walle/internal/snapshot"
	"github.com/jogman/walle/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func slogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel(cfg.LogLevel),
	})))

	slog.Info("starting walle",
		"listen", cfg.ListenAddr,
		"repo", cfg.Repo,
		"label", cfg.IntegrationLabel,
		"status_checks_timeout", cfg.StatusChecksTimeout,
		"idle_cleanup_delay", cfg.IdleCleanupDelay,
	)

	// Graceful shutdown context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Host client: token or GitHub App installation.
	var hostClient host.Client
	if cfg.GitHubToken != "" {
		hostClient = host.NewTokenClient(cfg.GitHubToken, cfg.Repo.Owner, cfg.Repo.Name)
	} else {
		hostClient, err = host.NewAppClient(cfg.GitHubAppID, cfg.GitHubInstallationID,
			cfg.GitHubAppKeyPath, cfg.Repo.Owner, cfg.Repo.Name)
		if err != nil {
			return fmt.Errorf("create GitHub App client: %w", err)
		}
	}

	// Optional snapshot persistence.
	var snapshots *snapshot.Store
	if cfg.DatabaseURL != "" {
		pool, err := snapshot.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()

		snapshots = snapshot.NewStore(pool)
	}

	hub := events.NewHub()

	dispatcher := dispatch.New(&dispatch.Deps{
		Host:      hostClient,
		Hub:       hub,
		Clock:     clockwork.NewRealClock(),
		Snapshots: snapshots,
		Config: dispatch.Config{
			IntegrationLabel:        cfg.IntegrationLabel,
			TopPriorityLabels:       cfg.TopPriorityLabels,
			RequiresAllStatusChecks: cfg.RequiresAllStatusChecks,
			StatusChecksTimeout:     cfg.StatusChecksTimeout,
			StatusChecksGracePeriod: cfg.StatusChecksGracePeriod,
			SyncTimeout:             cfg.SyncTimeout,
			BotUserID:               cfg.BotUserID,
			IdleCleanupDelay:        cfg.IdleCleanupDelay,
		},
	})

	dispatchErrCh := make(chan error, 1)
	go func() {
		dispatchErrCh <- dispatcher.Run(ctx)
	}()

	// HTTP server: webhook + health on the same mux.
	mux := http.NewServeMux()
	mux.Handle(cfg.WebhookPath, webhook.Handler(cfg.WebhookSecret, cfg.Repo.String(), hub))

	// Health: unhealthy when any branch's merge service looks deadlocked.
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		health := dispatcher.Health()

		healthy := true
		for _, status := range health {
			if !status.Healthy() {
				healthy = false
				break
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(health)
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal, dispatcher failure, or server error.
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-dispatchErrCh:
		if err != nil {
			return fmt.Errorf("dispatcher: %w", err)
		}
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}

	slog.Info("shutdown complete")

	return nil
}
