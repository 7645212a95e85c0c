// Package pipeline drives one video job through its phases in order:
// script, terms, audio, subtitle, download, render. Each phase is announced
// to a Reporter before it runs; a failing phase moves the job to
// PhaseFailed and nothing after it runs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/reelgate/reelgate/internal/artifact"
	"github.com/reelgate/reelgate/internal/job"
	"github.com/reelgate/reelgate/internal/memhint"
	"github.com/reelgate/reelgate/internal/retry"
)

// Reporter receives phase transitions and in-phase progress.
// *scheduler.Scheduler implements it.
type Reporter interface {
	UpdatePhase(jobID string, phase job.Phase, progress int) error
	UpdateProgress(jobID string, progress int) error
}

type ScriptWriter interface {
	GenerateScript(ctx context.Context, subject, language string, paragraphs int) (string, error)
	GenerateTerms(ctx context.Context, subject, script string, count int) ([]string, error)
}

// Synthesizer writes speech for text to outPath and returns the file and
// its duration in seconds.
type Synthesizer interface {
	SynthesizeSpeech(ctx context.Context, text, voice string, rate float64, outPath string) (string, float64, error)
}

// SubtitleExtractor transcribes audioPath into an SRT file. An empty path
// with a nil error means no usable subtitles were produced.
type SubtitleExtractor interface {
	ExtractSubtitles(ctx context.Context, audioPath, outPath string) (string, error)
}

type MaterialSource interface {
	SearchMaterial(ctx context.Context, term string, minDuration int, aspect AspectRatio) ([]MaterialRef, error)
	DownloadMaterial(ctx context.Context, ref MaterialRef, destDir string) (string, error)
}

// ProviderSelector is implemented by material sources that serve more than
// one stock provider; the run searches the provider named by the job.
type ProviderSelector interface {
	ForProvider(src Source) (MaterialSource, error)
}

type Composer interface {
	CombineClips(ctx context.Context, clips []string, audioPath, outPath string, opts RenderOptions) (string, error)
	EncodeVideo(ctx context.Context, combinedPath, audioPath, subtitlePath, outPath string, opts RenderOptions) (string, error)
}

// Collaborators bundles the external services a run calls.
type Collaborators struct {
	Writer    ScriptWriter
	Speech    Synthesizer
	Subtitles SubtitleExtractor
	Materials MaterialSource
	Composer  Composer
}

const (
	DefaultMaxVariants         = 2
	DefaultTermCount           = 5
	DefaultMaxDownloadFailures = 10
	DefaultDownloadParallelism = 3
)

type Options struct {
	Retry               retry.Policy
	MaxVariants         int
	TermCount           int
	MaxDownloadFailures int
	DownloadParallelism int
	// CacheDir holds downloaded stock clips shared across jobs.
	CacheDir string
	Hinter   memhint.Hinter
	Logger   *slog.Logger
}

type Driver struct {
	rep       Reporter
	artifacts *artifact.Store
	c         Collaborators
	opts      Options
	logger    *slog.Logger
}

func New(rep Reporter, artifacts *artifact.Store, c Collaborators, opts Options) *Driver {
	if opts.MaxVariants <= 0 {
		opts.MaxVariants = DefaultMaxVariants
	}
	if opts.TermCount <= 0 {
		opts.TermCount = DefaultTermCount
	}
	if opts.MaxDownloadFailures <= 0 {
		opts.MaxDownloadFailures = DefaultMaxDownloadFailures
	}
	if opts.DownloadParallelism <= 0 {
		opts.DownloadParallelism = DefaultDownloadParallelism
	}
	if opts.Hinter == nil {
		opts.Hinter = memhint.Nop{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{rep: rep, artifacts: artifacts, c: c, opts: opts, logger: logger}
}

// Work adapts a run to the scheduler's unit of work.
func (d *Driver) Work(jobID string, p Params) func(ctx context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		res, err := d.Run(ctx, jobID, p)
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}

// run is the state of one pipeline execution.
type run struct {
	jobID    string
	params   Params
	res      *Result
	progress int
	logger   *slog.Logger

	// materials is the stock source chosen for this run.
	materials MaterialSource
}

type step struct {
	phase      job.Phase
	checkpoint int
	stop       StopAt
	fn         func(ctx context.Context, r *run) error
}

// Run executes the phases for p. A stop-at request ends the run with
// PhaseComplete and a partial Result; any phase error ends it with
// PhaseFailed and is returned wrapped with the phase name.
func (d *Driver) Run(ctx context.Context, jobID string, p Params) (*Result, error) {
	p.Normalize()
	r := &run{
		jobID:  jobID,
		params: p,
		res:    &Result{},
		logger: d.logger.With("job_id", jobID),
	}
	if err := p.Validate(); err != nil {
		return nil, d.fail(r, job.PhaseInit, fmt.Errorf("%w: %v", job.ErrValidation, err))
	}
	r.logger.Info("pipeline started", "stop_at", p.StopAt, "source", p.Source, "video_count", p.VideoCount)

	steps := []step{
		{job.PhaseScript, 5, StopScript, d.script},
		{job.PhaseTerms, 10, StopTerms, d.terms},
		{job.PhaseAudio, 20, StopAudio, d.audio},
		{job.PhaseSubtitle, 30, StopSubtitle, d.subtitle},
		{job.PhaseDownload, 40, StopMaterials, d.download},
		{job.PhaseRender, 50, StopVideo, d.render},
	}
	for _, s := range steps {
		if s.phase == job.PhaseTerms && p.Source == SourceLocal {
			// local footage needs no search terms
			if p.StopAt == StopTerms {
				return d.stop(r, s.stop)
			}
			continue
		}

		if err := ctx.Err(); err != nil {
			return nil, d.fail(r, s.phase, err)
		}
		if err := d.enter(r, s.phase, s.checkpoint); err != nil {
			return nil, d.fail(r, s.phase, err)
		}
		if err := s.fn(ctx, r); err != nil {
			return nil, d.fail(r, s.phase, err)
		}
		d.opts.Hinter.Reclaim("after " + s.phase.String())

		if p.StopAt == s.stop && s.stop != StopVideo {
			return d.stop(r, s.stop)
		}
	}

	if err := d.rep.UpdatePhase(jobID, job.PhaseComplete, 100); err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}
	r.logger.Info("pipeline complete", "videos", len(r.res.Videos))
	return r.res, nil
}

func (d *Driver) enter(r *run, phase job.Phase, progress int) error {
	r.progress = progress
	r.logger.Info("phase started", "phase", phase, "progress", progress)
	return d.rep.UpdatePhase(r.jobID, phase, progress)
}

func (d *Driver) report(r *run, progress int) {
	r.progress = progress
	if err := d.rep.UpdateProgress(r.jobID, progress); err != nil {
		r.logger.Warn("progress update rejected", "progress", progress, "error", err)
	}
}

func (d *Driver) stop(r *run, at StopAt) (*Result, error) {
	r.res.StoppedAt = at
	if err := d.rep.UpdatePhase(r.jobID, job.PhaseComplete, 100); err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}
	r.logger.Info("pipeline stopped early", "stop_at", at)
	return r.res, nil
}

// fail marks the job failed and returns err annotated with the phase.
func (d *Driver) fail(r *run, phase job.Phase, err error) error {
	wrapped := fmt.Errorf("%s phase: %w", phase, err)
	r.logger.Error("phase failed", "phase", phase, "error", err)
	if uerr := d.rep.UpdatePhase(r.jobID, job.PhaseFailed, r.progress); uerr != nil {
		r.logger.Warn("failed transition rejected", "error", uerr)
	}
	return wrapped
}

type scriptFile struct {
	Script string   `json:"script"`
	Terms  []string `json:"search_terms"`
	Params Params   `json:"params"`
}

func (d *Driver) saveScript(r *run) error {
	_, err := d.artifacts.WriteJSON(r.jobID, artifact.ScriptFile, scriptFile{
		Script: r.res.Script,
		Terms:  r.res.Terms,
		Params: r.params,
	})
	return err
}

func (d *Driver) script(ctx context.Context, r *run) error {
	script := r.params.Script
	if script == "" {
		var err error
		script, err = d.c.Writer.GenerateScript(ctx, r.params.Subject, r.params.Language, r.params.Paragraphs)
		if err != nil {
			return fmt.Errorf("generate script: %w", err)
		}
		script = strings.TrimSpace(script)
	}
	if script == "" {
		return fmt.Errorf("%w: empty script", job.ErrValidation)
	}
	if strings.Contains(script, "Error: ") {
		return fmt.Errorf("%w: script generator returned an error: %s", job.ErrValidation, script)
	}
	r.res.Script = script
	return d.saveScript(r)
}

func (d *Driver) terms(ctx context.Context, r *run) error {
	terms := []string(r.params.Terms)
	if len(terms) == 0 {
		generated, err := d.c.Writer.GenerateTerms(ctx, r.params.Subject, r.res.Script, d.opts.TermCount)
		if err != nil {
			return fmt.Errorf("generate terms: %w", err)
		}
		terms = cleanTerms(generated)
	}
	if len(terms) == 0 {
		return fmt.Errorf("%w: no search terms", job.ErrValidation)
	}
	r.res.Terms = terms
	return d.saveScript(r)
}

func (d *Driver) audio(ctx context.Context, r *run) error {
	out, err := d.artifacts.Path(r.jobID, "audio.mp3")
	if err != nil {
		return err
	}
	path, duration, err := d.c.Speech.SynthesizeSpeech(ctx, r.res.Script, r.params.Voice, r.params.VoiceRate, out)
	if err != nil {
		return fmt.Errorf("synthesize speech: %w", err)
	}
	if !artifact.NonEmpty(path) || duration <= 0 {
		return fmt.Errorf("%w: speech synthesis produced no audio", job.ErrValidation)
	}
	r.res.AudioFile = path
	r.res.AudioDuration = math.Ceil(duration)
	return nil
}

func (d *Driver) subtitle(ctx context.Context, r *run) error {
	if !r.params.SubtitlesEnabled() {
		r.logger.Info("subtitles disabled")
		return nil
	}
	out, err := d.artifacts.Path(r.jobID, "subtitle.srt")
	if err != nil {
		return err
	}
	path, err := d.c.Subtitles.ExtractSubtitles(ctx, r.res.AudioFile, out)
	if err != nil {
		return fmt.Errorf("extract subtitles: %w", err)
	}
	if path == "" || !artifact.NonEmpty(path) {
		r.logger.Warn("subtitle file is invalid, continuing without subtitles", "path", out)
		return nil
	}
	r.res.SubtitleFile = path
	return nil
}

func (d *Driver) render(ctx context.Context, r *run) error {
	variants := min(r.params.VideoCount, d.opts.MaxVariants)
	opts := r.params.renderOptions(variants)
	step := 50.0 / float64(variants) / 2
	progress := 50.0

	for i := 1; i <= variants; i++ {
		d.opts.Hinter.Reclaim(fmt.Sprintf("before variant %d", i))

		combinedOut, err := d.artifacts.Path(r.jobID, fmt.Sprintf("combined-%d.mp4", i))
		if err != nil {
			return err
		}
		var combined string
		err = retry.Do(ctx, d.opts.Retry, "combine video", func(ctx context.Context, attempt int) error {
			out, err := d.c.Composer.CombineClips(ctx, r.res.Materials, r.res.AudioFile, combinedOut, opts)
			if err != nil {
				return permanentKinds(err)
			}
			if !artifact.NonEmpty(out) {
				return fmt.Errorf("combined video %s is empty", out)
			}
			combined = out
			return nil
		})
		if err != nil {
			return err
		}
		r.res.CombinedVideos = append(r.res.CombinedVideos, combined)
		progress += step
		d.report(r, int(progress))

		finalOut, err := d.artifacts.Path(r.jobID, fmt.Sprintf("final-%d.mp4", i))
		if err != nil {
			return err
		}
		var final string
		err = retry.Do(ctx, d.opts.Retry, "encode video", func(ctx context.Context, attempt int) error {
			out, err := d.c.Composer.EncodeVideo(ctx, combined, r.res.AudioFile, r.res.SubtitleFile, finalOut, opts)
			if err != nil {
				return permanentKinds(err)
			}
			if !artifact.NonEmpty(out) {
				return fmt.Errorf("final video %s is empty", out)
			}
			final = out
			return nil
		})
		if err != nil {
			return err
		}
		r.res.Videos = append(r.res.Videos, final)
		progress += step
		d.report(r, int(progress))
		r.logger.Info("variant rendered", "variant", i, "path", final)
	}
	return nil
}

// permanentKinds marks validation and resource-exhaustion errors permanent so
// retry.Do gives up on them.
func permanentKinds(err error) error {
	if errors.Is(err, job.ErrValidation) || errors.Is(err, job.ErrResourceExhausted) {
		return retry.Permanent(err)
	}
	return err
}
