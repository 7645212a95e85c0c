package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/reelgate/reelgate/internal/app"
	"github.com/reelgate/reelgate/internal/config"
	"github.com/reelgate/reelgate/internal/job"
	"github.com/reelgate/reelgate/internal/pipeline"
)

var (
	runParamsFile string
	runSubject    string
	runScript     string
	runTerms      string
	runStopAt     string
	runAspect     string
	runSource     string
	runMaterials  []string
	runVoice      string
	runCount      int
	runVerbose    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one job in-process and print its artifacts",
	Long: `Run a single video job without starting the server. Parameters come
from an optional YAML or JSON file, overridden by flags.

Examples:
  reelgate run --subject "why the sky is blue"
  reelgate run --subject "tides" --stop-at script
  reelgate run --params job.yaml --aspect 16:9`,
	RunE: runOnce,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runParamsFile, "params", "p", "", "YAML or JSON file with job parameters")
	f.StringVar(&runSubject, "subject", "", "video subject")
	f.StringVar(&runScript, "script", "", "narration script (skips generation)")
	f.StringVar(&runTerms, "terms", "", "comma-separated search terms (skips generation)")
	f.StringVar(&runStopAt, "stop-at", "", "last phase: script, terms, audio, subtitle, materials, video")
	f.StringVar(&runAspect, "aspect", "", "9:16, 16:9 or 1:1")
	f.StringVar(&runSource, "source", "", "pexels, pixabay or local")
	f.StringSliceVar(&runMaterials, "materials", nil, "local clip files for --source local")
	f.StringVar(&runVoice, "voice", "", "edge-tts voice name")
	f.IntVar(&runCount, "count", 0, "number of video variants")
	f.BoolVarP(&runVerbose, "verbose", "v", false, "log pipeline details to stderr")
}

func loadParams(path string) (pipeline.Params, error) {
	var p pipeline.Params
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read params: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse params %s: %w", path, err)
	}
	return p, nil
}

func applyFlags(p *pipeline.Params) {
	if runSubject != "" {
		p.Subject = runSubject
	}
	if runScript != "" {
		p.Script = runScript
	}
	if runTerms != "" {
		p.Terms = pipeline.ParseTerms(runTerms)
	}
	if runStopAt != "" {
		p.StopAt = pipeline.StopAt(runStopAt)
	}
	if runAspect != "" {
		p.Aspect = pipeline.AspectRatio(runAspect)
	}
	if runSource != "" {
		p.Source = pipeline.Source(runSource)
	}
	if len(runMaterials) > 0 {
		p.LocalMaterials = runMaterials
	}
	if runVoice != "" {
		p.Voice = runVoice
	}
	if runCount > 0 {
		p.VideoCount = runCount
	}
}

func runOnce(cmd *cobra.Command, args []string) error {
	p, err := loadParams(runParamsFile)
	if err != nil {
		return err
	}
	applyFlags(&p)
	p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	level := slog.LevelWarn
	if runVerbose {
		level = cfg.LogLevel
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	a, err := app.Build(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.Close(ctx) //nolint:errcheck
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	id := uuid.New().String()
	fmt.Fprintln(out, titleStyle.Render("job "+id))
	rec, err := runJob(ctx, a, id, p, out)
	if err != nil {
		return err
	}

	dir, err := a.Artifacts.Dir(id)
	if err != nil {
		return err
	}
	files, err := a.Artifacts.List(id)
	if err != nil {
		return err
	}
	fmt.Fprint(out, formatArtifacts(dir, files))
	if rec.State() == job.StateFailed {
		return fmt.Errorf("job failed (%s): %s", rec.ErrorKind, rec.Error)
	}
	return nil
}

// runJob submits one job and prints its events until it is terminal.
func runJob(ctx context.Context, a *app.App, id string, p pipeline.Params, out io.Writer) (*job.Record, error) {
	if err := a.Scheduler.Submit(id, 0, p.ResourceClass(), a.Driver.Work(id, p)); err != nil {
		return nil, err
	}
	ch, rec, err := a.Scheduler.Subscribe(id)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return rec, nil
	}
	defer a.Scheduler.Unsubscribe(id, ch)

	for {
		select {
		case ev, open := <-ch:
			if !open {
				final, _ := a.Scheduler.GetJob(id)
				return final, nil
			}
			if line, err := describeEvent(ev.Event, []byte(ev.Data)); err == nil {
				fmt.Fprintln(out, line)
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("interrupted: %w", ctx.Err())
		}
	}
}
