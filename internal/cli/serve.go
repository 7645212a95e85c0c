package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/reelgate/reelgate/internal/api"
	"github.com/reelgate/reelgate/internal/app"
	"github.com/reelgate/reelgate/internal/config"
	"github.com/reelgate/reelgate/internal/llm"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP job server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.RequireAPIKeys(); err != nil {
		return err
	}

	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer closeLog() //nolint:errcheck
	slog.SetDefault(logger)

	a, err := app.Build(cfg, logger)
	if err != nil {
		return err
	}
	if err := a.CheckTools(); err != nil {
		logger.Warn("media tools unavailable; affected phases will fail", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Scheduler.StartCleanup(ctx, cfg.JobTTLHours, cfg.CleanupIntervalMinutes)

	var limiter *api.RateLimiter
	if cfg.RateLimit > 0 {
		limiter = api.NewRateLimiter(cfg.RateLimit)
		go limiter.Run(ctx)
	}

	if cfg.LLMProvider == llm.ProviderClaudeCLI && !cfg.DisableKeepalive {
		ka := newKeepalive(cfg.ClaudePath)
		switch started, err := ka.ensure(); {
		case err != nil:
			logger.Warn("claude keepalive unavailable, token auto-refresh disabled", "error", err)
		case started:
			logger.Info("claude keepalive started", "session", ka.session)
		default:
			logger.Info("claude keepalive already running", "session", ka.session)
		}
	}

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     a.Handler(limiter),
		ReadTimeout: 30 * time.Second,
		// streams stay open for the whole job, so no WriteTimeout
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("reelgate listening", "addr", cfg.ListenAddr,
			"global_limit", cfg.GlobalLimit, "download_limit", cfg.DownloadLimit, "render_limit", cfg.RenderLimit)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			a.Close(context.Background()) //nolint:errcheck
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("scheduler shutdown", "error", err)
	}
	return nil
}
