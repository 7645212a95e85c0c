// Package app assembles the scheduler, the pipeline and its collaborators
// from a Config. Both the server and the one-shot CLI run use it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/reelgate/reelgate/internal/api"
	"github.com/reelgate/reelgate/internal/artifact"
	"github.com/reelgate/reelgate/internal/config"
	"github.com/reelgate/reelgate/internal/job"
	"github.com/reelgate/reelgate/internal/llm"
	"github.com/reelgate/reelgate/internal/material"
	"github.com/reelgate/reelgate/internal/memhint"
	"github.com/reelgate/reelgate/internal/pipeline"
	"github.com/reelgate/reelgate/internal/render"
	"github.com/reelgate/reelgate/internal/retry"
	"github.com/reelgate/reelgate/internal/scheduler"
	"github.com/reelgate/reelgate/internal/subtitle"
	"github.com/reelgate/reelgate/internal/tts"
	"github.com/reelgate/reelgate/internal/webhook"
)

// App holds the long-lived components of one process.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     *job.SQLiteStore
	Scheduler *scheduler.Scheduler
	Artifacts *artifact.Store
	Driver    *pipeline.Driver
	Media     *render.FFmpeg
	Notifier  *webhook.Notifier
}

// Build opens the history store and wires every collaborator. Call Close
// when done.
func Build(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := job.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	hinter := &memhint.Runtime{}
	notifier := webhook.New()
	sched, err := scheduler.New(
		scheduler.Limits{Global: cfg.GlobalLimit, Download: cfg.DownloadLimit, Render: cfg.RenderLimit},
		scheduler.WithStore(store),
		scheduler.WithLogger(logger),
		scheduler.WithHinter(hinter),
		scheduler.WithNotifier(notifier),
	)
	if err != nil {
		store.Close()
		return nil, err
	}

	gen, err := llm.NewGenerator(cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("llm: %w", err)
	}
	policy := retry.Policy{Attempts: cfg.RetryAttempts, Delay: cfg.RetryDelay}

	media := render.New(cfg.FFmpegPath, cfg.FFprobePath, logger)
	materials := material.NewSource(
		material.NewDownloader(media.Duration, logger),
		material.NewPexels(material.NewKeyRing(cfg.PexelsKeys...), cfg.StockRPS),
		material.NewPixabay(material.NewKeyRing(cfg.PixabayKeys...), cfg.StockRPS),
	)
	if len(materials.Providers()) == 0 {
		logger.Warn("no stock footage API keys configured; only video_source=local jobs can render")
	}

	arts := artifact.New(cfg.DataDir)
	driver := pipeline.New(sched, arts, pipeline.Collaborators{
		Writer:    llm.NewWriter(gen, policy),
		Speech:    tts.New(cfg.EdgeTTSPath, media.Duration),
		Subtitles: subtitle.NewWhisper(cfg.WhisperPath, cfg.WhisperModel, logger),
		Materials: materials,
		Composer:  media,
	}, pipeline.Options{
		Retry:               policy,
		MaxVariants:         cfg.MaxVariants,
		DownloadParallelism: cfg.DownloadParallelism,
		CacheDir:            filepath.Join(cfg.DataDir, "cache_videos"),
		Hinter:              hinter,
		Logger:              logger,
	})

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Scheduler: sched,
		Artifacts: arts,
		Driver:    driver,
		Media:     media,
		Notifier:  notifier,
	}, nil
}

// CheckTools reports the first external binary missing from PATH.
func (a *App) CheckTools() error {
	if err := a.Media.CheckDependencies(); err != nil {
		return err
	}
	return render.CheckTools(a.Config.EdgeTTSPath, a.Config.WhisperPath)
}

// Handler returns the API mux behind the production middleware chain.
func (a *App) Handler(limiter *api.RateLimiter) http.Handler {
	mux := http.NewServeMux()
	api.NewHandler(a.Scheduler, a.Store, a.Driver, a.Artifacts, a.Config).RegisterRoutes(mux)

	mws := []api.Middleware{
		api.CORS(a.Config.CORSOrigins),
		api.RequestID,
		api.Logging,
		api.Auth(a.Config.APIKeys),
	}
	if limiter != nil {
		mws = append(mws, api.RateLimitWith(limiter))
	}
	return api.Chain(mux, mws...)
}

// Close stops the scheduler, waits for pending webhook deliveries within ctx,
// then closes the history store.
func (a *App) Close(ctx context.Context) error {
	err := a.Scheduler.Shutdown(ctx)
	if werr := a.Notifier.Close(ctx); werr != nil {
		err = errors.Join(err, fmt.Errorf("webhook deliveries: %w", werr))
	}
	if cerr := a.Store.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}
