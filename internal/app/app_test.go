package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/reelgate/reelgate/internal/artifact"
	"github.com/reelgate/reelgate/internal/config"
	"github.com/reelgate/reelgate/internal/job"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		APIKeys:       []string{"k"},
		GlobalLimit:   2,
		DownloadLimit: 1,
		RenderLimit:   1,
		DBPath:        filepath.Join(dir, "reelgate.db"),
		DataDir:       filepath.Join(dir, "storage"),
		LLMProvider:   "claude-cli",
		ClaudePath:    "claude",
		RetryAttempts: 1,
		RetryDelay:    -1,
		MaxVariants:   1,
		FFmpegPath:    "ffmpeg",
		FFprobePath:   "ffprobe",
	}
}

func TestBuild_ScriptOnlyJob(t *testing.T) {
	t.Parallel()
	a, err := Build(testConfig(t), nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Close(ctx) //nolint:errcheck
	})

	srv := httptest.NewServer(a.Handler(nil))
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{
		"video_script": "The ocean covers most of the planet.",
		"video_terms":  "ocean, waves",
		"stop_at":      "terms",
	})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/jobs", bytes.NewReader(body))
	req.Header.Set("X-API-Key", "k")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var created job.Record
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.Class != job.ClassNone {
		t.Errorf("class = %s, want none", created.Class)
	}

	deadline := time.Now().Add(5 * time.Second)
	var rec *job.Record
	for time.Now().Before(deadline) {
		if r, ok := a.Scheduler.GetJob(created.ID); ok && r.State().IsTerminal() {
			rec = r
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if rec == nil {
		t.Fatal("job did not finish")
	}
	if rec.State() != job.StateComplete {
		t.Fatalf("state = %s error = %s", rec.State(), rec.Error)
	}

	var saved struct {
		Script string   `json:"script"`
		Terms  []string `json:"search_terms"`
	}
	if err := a.Artifacts.ReadJSON(created.ID, artifact.ScriptFile, &saved); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if saved.Script == "" || len(saved.Terms) != 2 || saved.Terms[1] != "waves" {
		t.Errorf("script.json = %+v", saved)
	}
}

func TestBuild_InvalidLimits(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.RenderLimit = 0
	if _, err := Build(cfg, nil); err == nil {
		t.Fatal("expected error for zero render limit")
	}
}
