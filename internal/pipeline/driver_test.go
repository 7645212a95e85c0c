package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reelgate/reelgate/internal/artifact"
	"github.com/reelgate/reelgate/internal/job"
	"github.com/reelgate/reelgate/internal/memhint"
	"github.com/reelgate/reelgate/internal/retry"
	"github.com/reelgate/reelgate/internal/scheduler"
)

type fakeReporter struct {
	mu       sync.Mutex
	phases   []job.Phase
	progress []int
}

func (f *fakeReporter) UpdatePhase(_ string, phase job.Phase, progress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := len(f.phases); n > 0 && !f.phases[n-1].CanTransition(phase) {
		return fmt.Errorf("bad transition %s -> %s", f.phases[n-1], phase)
	}
	f.phases = append(f.phases, phase)
	f.progress = append(f.progress, progress)
	return nil
}

func (f *fakeReporter) UpdateProgress(_ string, progress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, progress)
	return nil
}

func (f *fakeReporter) names() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.phases))
	for i, p := range f.phases {
		out[i] = p.String()
	}
	return strings.Join(out, ",")
}

type fakeWriter struct {
	script     string
	scriptErr  error
	terms      []string
	termsCalls atomic.Int32
}

func (f *fakeWriter) GenerateScript(context.Context, string, string, int) (string, error) {
	return f.script, f.scriptErr
}

func (f *fakeWriter) GenerateTerms(context.Context, string, string, int) ([]string, error) {
	f.termsCalls.Add(1)
	return f.terms, nil
}

type fakeSpeech struct {
	duration float64
	err      error
}

func (f *fakeSpeech) SynthesizeSpeech(_ context.Context, text, _ string, _ float64, out string) (string, float64, error) {
	if f.err != nil {
		return "", 0, f.err
	}
	if err := os.WriteFile(out, []byte("mp3:"+text), 0o644); err != nil {
		return "", 0, err
	}
	return out, f.duration, nil
}

type fakeSubtitles struct{ empty bool }

func (f *fakeSubtitles) ExtractSubtitles(_ context.Context, _, out string) (string, error) {
	if f.empty {
		return "", nil
	}
	srt := "1\n00:00:00,000 --> 00:00:02,000\nhello\n"
	return out, os.WriteFile(out, []byte(srt), 0o644)
}

type fakeMaterials struct {
	byTerm    map[string][]MaterialRef
	searches  atomic.Int32
	downloads atomic.Int32
	failURL   string
}

func (f *fakeMaterials) SearchMaterial(_ context.Context, term string, _ int, _ AspectRatio) ([]MaterialRef, error) {
	f.searches.Add(1)
	return f.byTerm[term], nil
}

func (f *fakeMaterials) DownloadMaterial(_ context.Context, ref MaterialRef, dir string) (string, error) {
	f.downloads.Add(1)
	if ref.URL == f.failURL {
		return "", errors.New("connection reset")
	}
	path := filepath.Join(dir, strings.NewReplacer("/", "_", ":", "_").Replace(ref.URL)+".mp4")
	return path, os.WriteFile(path, []byte(ref.URL), 0o644)
}

type fakeComposer struct {
	combineFailures int
	combineErr      error
	encodeErr       error
	combines        atomic.Int32
	encodes         atomic.Int32
}

func (f *fakeComposer) CombineClips(_ context.Context, clips []string, _, out string, _ RenderOptions) (string, error) {
	n := f.combines.Add(1)
	if f.combineErr != nil {
		return "", f.combineErr
	}
	if int(n) <= f.combineFailures {
		return "", errors.New("ffmpeg concat failed")
	}
	return out, os.WriteFile(out, []byte(strings.Join(clips, "|")), 0o644)
}

func (f *fakeComposer) EncodeVideo(_ context.Context, combined, _, _, out string, _ RenderOptions) (string, error) {
	f.encodes.Add(1)
	if f.encodeErr != nil {
		return "", f.encodeErr
	}
	return out, os.WriteFile(out, []byte("final:"+combined), 0o644)
}

type harness struct {
	rep       *fakeReporter
	writer    *fakeWriter
	speech    *fakeSpeech
	subs      *fakeSubtitles
	materials *fakeMaterials
	composer  *fakeComposer
	hints     atomic.Int32
	store     *artifact.Store
	cacheDir  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clips := func(prefix string, n int) []MaterialRef {
		var refs []MaterialRef
		for i := 0; i < n; i++ {
			refs = append(refs, MaterialRef{Provider: "fake", URL: fmt.Sprintf("https://cdn/%s-%d", prefix, i), Duration: 10})
		}
		return refs
	}
	return &harness{
		rep:    &fakeReporter{},
		writer: &fakeWriter{script: "The ocean covers most of the planet.", terms: []string{"ocean", "waves"}},
		speech: &fakeSpeech{duration: 11.2},
		subs:   &fakeSubtitles{},
		materials: &fakeMaterials{byTerm: map[string][]MaterialRef{
			"ocean":  clips("ocean", 3),
			"waves":  clips("waves", 3),
			"nature": clips("nature", 4),
		}},
		composer: &fakeComposer{},
		store:    artifact.New(t.TempDir()),
		cacheDir: t.TempDir(),
	}
}

func (h *harness) driver(rep Reporter) *Driver {
	return New(rep, h.store, Collaborators{
		Writer:    h.writer,
		Speech:    h.speech,
		Subtitles: h.subs,
		Materials: h.materials,
		Composer:  h.composer,
	}, Options{
		Retry:    retry.Policy{Attempts: 3, Delay: -1},
		CacheDir: h.cacheDir,
		Hinter:   memhint.Func(func(string) { h.hints.Add(1) }),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func (h *harness) files(t *testing.T, jobID string) []string {
	t.Helper()
	infos, err := h.store.List(jobID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var names []string
	for _, i := range infos {
		names = append(names, i.Name)
	}
	return names
}

func TestRun_FullPipeline(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	res, err := h.driver(h.rep).Run(context.Background(), "job-full", Params{
		Subject:    "oceans",
		VideoCount: 3,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := h.rep.names(); got != "script,terms,audio,subtitle,download,render,complete" {
		t.Errorf("phases = %s", got)
	}
	if len(res.Videos) != 2 || len(res.CombinedVideos) != 2 {
		t.Errorf("variants = %d videos, %d combined; want 2 each (capped)", len(res.Videos), len(res.CombinedVideos))
	}
	if res.AudioDuration != 12 {
		t.Errorf("AudioDuration = %v, want 12 (rounded up)", res.AudioDuration)
	}
	if res.SubtitleFile == "" || len(res.Materials) == 0 {
		t.Errorf("result missing subtitle or materials: %+v", res)
	}
	if res.StoppedAt != "" {
		t.Errorf("StoppedAt = %q, want empty for a full run", res.StoppedAt)
	}

	want := []string{"audio.mp3", "combined-1.mp4", "combined-2.mp4", "final-1.mp4", "final-2.mp4", "script.json", "subtitle.srt"}
	if got := h.files(t, "job-full"); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("artifacts = %v, want %v", got, want)
	}

	var saved struct {
		Script string   `json:"script"`
		Terms  []string `json:"search_terms"`
		Params Params   `json:"params"`
	}
	if err := h.store.ReadJSON("job-full", artifact.ScriptFile, &saved); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if saved.Script != h.writer.script || len(saved.Terms) != 2 || saved.Params.Subject != "oceans" {
		t.Errorf("script.json = %+v", saved)
	}
	if h.hints.Load() == 0 {
		t.Error("no memory hints issued")
	}

	h.rep.mu.Lock()
	last := h.rep.progress[len(h.rep.progress)-1]
	h.rep.mu.Unlock()
	if last != 100 {
		t.Errorf("final progress = %d, want 100", last)
	}
}

func TestRun_StopAtAudio(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	res, err := h.driver(h.rep).Run(context.Background(), "job-audio", Params{
		Subject: "oceans",
		StopAt:  StopAudio,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := h.rep.names(); got != "script,terms,audio,complete" {
		t.Errorf("phases = %s", got)
	}
	if res.StoppedAt != StopAudio {
		t.Errorf("StoppedAt = %q", res.StoppedAt)
	}
	if res.Script == "" || len(res.Terms) == 0 || res.AudioFile == "" {
		t.Errorf("partial result missing fields: %+v", res)
	}
	if res.SubtitleFile != "" || len(res.Materials) != 0 || len(res.Videos) != 0 {
		t.Errorf("partial result has later-phase fields: %+v", res)
	}
	if got := h.files(t, "job-audio"); strings.Join(got, ",") != "audio.mp3,script.json" {
		t.Errorf("artifacts = %v", got)
	}
	if h.composer.combines.Load() != 0 || h.materials.searches.Load() != 0 {
		t.Error("later phases ran after stop")
	}
}

func TestRun_StopAtEachPhase(t *testing.T) {
	t.Parallel()
	tests := []struct {
		stop   StopAt
		phases string
	}{
		{StopScript, "script,complete"},
		{StopTerms, "script,terms,complete"},
		{StopSubtitle, "script,terms,audio,subtitle,complete"},
		{StopMaterials, "script,terms,audio,subtitle,download,complete"},
	}
	for _, tt := range tests {
		t.Run(string(tt.stop), func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			res, err := h.driver(h.rep).Run(context.Background(), "job", Params{Subject: "oceans", StopAt: tt.stop})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got := h.rep.names(); got != tt.phases {
				t.Errorf("phases = %s, want %s", got, tt.phases)
			}
			if res.StoppedAt != tt.stop {
				t.Errorf("StoppedAt = %q", res.StoppedAt)
			}
		})
	}
}

func TestRun_FailureStopsPipeline(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.speech.err = errors.New("voice not available")

	_, err := h.driver(h.rep).Run(context.Background(), "job-fail", Params{Subject: "oceans"})
	if err == nil || !strings.Contains(err.Error(), "voice not available") {
		t.Fatalf("err = %v", err)
	}
	if !strings.HasPrefix(err.Error(), "audio phase") {
		t.Errorf("err = %q, want audio phase prefix", err)
	}
	if got := h.rep.names(); got != "script,terms,audio,failed" {
		t.Errorf("phases = %s", got)
	}
	if h.composer.combines.Load() != 0 || h.composer.encodes.Load() != 0 {
		t.Error("render ran after failure")
	}
}

func TestRun_FailureVisibleInScheduler(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.speech.err = errors.New("tts quota exceeded")

	s, err := scheduler.New(scheduler.Limits{Global: 1, Download: 1, Render: 1},
		scheduler.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown(context.Background())

	d := h.driver(s)
	p := Params{Subject: "oceans"}
	if err := s.Submit("job-s", 0, p.ResourceClass(), d.Work("job-s", p)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(s.ListFailed()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	failed := s.ListFailed()
	if len(failed) != 1 {
		t.Fatalf("failed jobs = %d", len(failed))
	}
	if failed[0].Phase != job.PhaseFailed || !strings.Contains(failed[0].Error, "tts quota exceeded") {
		t.Errorf("failed record = phase %s error %q", failed[0].Phase, failed[0].Error)
	}
	if h.composer.combines.Load() != 0 {
		t.Error("render phase ran")
	}
}

func TestRun_LocalSourceSkipsTerms(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	dir := t.TempDir()
	clip := filepath.Join(dir, "clip.mp4")
	os.WriteFile(clip, []byte("video"), 0o644)

	res, err := h.driver(h.rep).Run(context.Background(), "job-local", Params{
		Subject:        "my trip",
		Source:         SourceLocal,
		LocalMaterials: []string{clip, filepath.Join(dir, "missing.mp4")},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.rep.names(); got != "script,audio,subtitle,download,render,complete" {
		t.Errorf("phases = %s", got)
	}
	if h.writer.termsCalls.Load() != 0 {
		t.Error("terms generated for local source")
	}
	if len(res.Materials) != 1 || res.Materials[0] != clip {
		t.Errorf("materials = %v", res.Materials)
	}
	if h.materials.searches.Load() != 0 {
		t.Error("searched stock footage for local source")
	}
}

func TestRun_CombineRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.composer.combineFailures = 2

	if _, err := h.driver(h.rep).Run(context.Background(), "job", Params{Subject: "oceans"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.composer.combines.Load(); got != 3 {
		t.Errorf("combine attempts = %d, want 3", got)
	}
}

func TestRun_EncodeFailsAfterBound(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.composer.encodeErr = errors.New("encoder crashed")

	_, err := h.driver(h.rep).Run(context.Background(), "job", Params{Subject: "oceans"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := h.composer.encodes.Load(); got != 3 {
		t.Errorf("encode attempts = %d, want exactly 3", got)
	}
	if !strings.HasSuffix(h.rep.names(), "render,failed") {
		t.Errorf("phases = %s", h.rep.names())
	}
}

func TestRun_ResourceExhaustionNotRetried(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.composer.encodeErr = fmt.Errorf("ffmpeg killed: %w", job.ErrResourceExhausted)

	_, err := h.driver(h.rep).Run(context.Background(), "job", Params{Subject: "oceans"})
	if !errors.Is(err, job.ErrResourceExhausted) {
		t.Fatalf("err = %v", err)
	}
	if got := h.composer.encodes.Load(); got != 1 {
		t.Errorf("encode attempts = %d, want 1", got)
	}
}

func TestRun_CombineValidationNotRetried(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.composer.combineErr = fmt.Errorf("%w: none of 3 clips is readable", job.ErrValidation)

	_, err := h.driver(h.rep).Run(context.Background(), "job", Params{Subject: "oceans"})
	if !errors.Is(err, job.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if got := h.composer.combines.Load(); got != 1 {
		t.Errorf("combine attempts = %d, want 1", got)
	}
	if h.composer.encodes.Load() != 0 {
		t.Error("encode ran after combine failed")
	}
}

func TestRun_ValidationFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		setup  func(h *harness)
		params Params
	}{
		{"no subject or script", nil, Params{}},
		{"empty script", func(h *harness) { h.writer.script = "  " }, Params{Subject: "x"}},
		{"error script", func(h *harness) { h.writer.script = "Error: rate limited" }, Params{Subject: "x"}},
		{"no terms", func(h *harness) { h.writer.terms = nil }, Params{Subject: "x"}},
		{"no footage", func(h *harness) { h.materials.byTerm = nil }, Params{Subject: "x"}},
		{"silent audio", func(h *harness) { h.speech.duration = 0 }, Params{Subject: "x"}},
		{"bad stop_at", nil, Params{Subject: "x", StopAt: "encode"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			if tt.setup != nil {
				tt.setup(h)
			}
			_, err := h.driver(h.rep).Run(context.Background(), "job", tt.params)
			if !errors.Is(err, job.ErrValidation) {
				t.Errorf("err = %v, want validation", err)
			}
			if job.Classify(err) != job.KindValidation {
				t.Errorf("kind = %q", job.Classify(err))
			}
			if !strings.HasSuffix(h.rep.names(), "failed") {
				t.Errorf("phases = %s, want trailing failed", h.rep.names())
			}
		})
	}
}

func TestRun_CallerScriptAndTerms(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.writer.scriptErr = errors.New("should not be called")

	var terms Terms
	if err := json.Unmarshal([]byte(`"ocean， waves ,"`), &terms); err != nil {
		t.Fatal(err)
	}
	res, err := h.driver(h.rep).Run(context.Background(), "job", Params{
		Script: "Given script.",
		Terms:  terms,
		StopAt: StopTerms,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Script != "Given script." || strings.Join(res.Terms, "|") != "ocean|waves" {
		t.Errorf("result = %+v", res)
	}
	if h.writer.termsCalls.Load() != 0 {
		t.Error("terms generated despite caller terms")
	}
}

func TestRun_SubtitlesDisabledOrInvalid(t *testing.T) {
	t.Parallel()
	off := false

	h := newHarness(t)
	res, err := h.driver(h.rep).Run(context.Background(), "job", Params{Subject: "x", SubtitleEnabled: &off, StopAt: StopSubtitle})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.SubtitleFile != "" || !strings.Contains(h.rep.names(), "subtitle") {
		t.Errorf("disabled: subtitle=%q phases=%s", res.SubtitleFile, h.rep.names())
	}

	h = newHarness(t)
	h.subs.empty = true
	res, err = h.driver(h.rep).Run(context.Background(), "job", Params{Subject: "x"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.SubtitleFile != "" || len(res.Videos) != 1 {
		t.Errorf("invalid subtitles: %+v", res)
	}
}

func TestRun_GenericFallbackAndDownloadFailures(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.writer.terms = []string{"obscure"}
	h.materials.byTerm["obscure"] = []MaterialRef{{URL: "https://cdn/obscure-0", Duration: 3}}
	h.materials.failURL = "https://cdn/obscure-0"

	res, err := h.driver(h.rep).Run(context.Background(), "job", Params{Subject: "x", StopAt: StopMaterials})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Materials) == 0 {
		t.Fatal("no materials")
	}
	for _, m := range res.Materials {
		if !strings.Contains(m, "nature") {
			t.Errorf("material %s did not come from the generic fallback", m)
		}
	}
}

func TestParams(t *testing.T) {
	t.Parallel()
	var p Params
	p.Subject = " oceans "
	p.Normalize()
	if p.Subject != "oceans" || p.Aspect != AspectPortrait || p.StopAt != StopVideo || p.ClipDuration != 5 {
		t.Errorf("Normalize = %+v", p)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if !p.SubtitlesEnabled() {
		t.Error("subtitles should default on")
	}

	classes := map[StopAt]job.ResourceClass{
		StopVideo:     job.ClassRender,
		StopMaterials: job.ClassDownload,
		StopAudio:     job.ClassNone,
	}
	for stop, want := range classes {
		p.StopAt = stop
		if got := p.ResourceClass(); got != want {
			t.Errorf("ResourceClass(%s) = %s, want %s", stop, got, want)
		}
	}

	if w, h := AspectLandscape.Resolution(); w != 1920 || h != 1080 {
		t.Errorf("landscape = %dx%d", w, h)
	}
	if got := ParseTerms("a,b，c, ,"); strings.Join(got, "|") != "a|b|c" {
		t.Errorf("ParseTerms = %v", got)
	}
	var terms Terms
	if err := json.Unmarshal([]byte(`[" a ", "", "b"]`), &terms); err != nil || len(terms) != 2 {
		t.Errorf("list terms = %v, %v", terms, err)
	}
	if err := json.Unmarshal([]byte(`42`), &terms); err == nil {
		t.Error("expected error for numeric terms")
	}
}
