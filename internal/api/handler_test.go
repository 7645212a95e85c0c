package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reelgate/reelgate/internal/artifact"
	"github.com/reelgate/reelgate/internal/config"
	"github.com/reelgate/reelgate/internal/job"
	"github.com/reelgate/reelgate/internal/llm"
	"github.com/reelgate/reelgate/internal/pipeline"
	"github.com/reelgate/reelgate/internal/scheduler"
)

// gateRunner blocks every job until release is called.
type gateRunner struct {
	gate chan struct{}
	once sync.Once
}

func newGateRunner(blocking bool) *gateRunner {
	r := &gateRunner{gate: make(chan struct{})}
	if !blocking {
		r.release()
	}
	return r
}

func (r *gateRunner) release() { r.once.Do(func() { close(r.gate) }) }

func (r *gateRunner) Work(jobID string, p pipeline.Params) func(ctx context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return map[string]string{"subject": p.Subject}, nil
	}
}

type testEnv struct {
	srv       *httptest.Server
	sched     *scheduler.Scheduler
	store     *job.SQLiteStore
	artifacts *artifact.Store
	runner    *gateRunner
}

func apiKey() string { return "test-api-key" }

// newTestServer builds the production middleware chain over a real
// scheduler and an in-memory history store. Limits are 1/1/1.
func newTestServer(t *testing.T, blocking bool) *testEnv {
	t.Helper()

	store, err := job.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	sched, err := scheduler.New(scheduler.Limits{Global: 1, Download: 1, Render: 1}, scheduler.WithStore(store))
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	runner := newGateRunner(blocking)
	arts := artifact.New(t.TempDir())
	cfg := &config.Config{APIKeys: []string{apiKey()}, LLMProvider: llm.ProviderOpenAI}

	mux := http.NewServeMux()
	NewHandler(sched, store, runner, arts, cfg).RegisterRoutes(mux)
	srv := httptest.NewServer(Chain(mux, CORS(nil), RequestID, Logging, Auth(cfg.APIKeys)))

	t.Cleanup(func() {
		runner.release()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sched.Shutdown(ctx) //nolint:errcheck
		store.Close()
	})
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, sched: sched, store: store, artifacts: arts, runner: runner}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, withAuth bool) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		default:
			data, _ := json.Marshal(b)
			rd = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if withAuth {
		req.Header.Set("X-API-Key", apiKey())
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func (e *testEnv) create(t *testing.T, body any) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/v1/jobs", body, true)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create: status = %d, want 202", resp.StatusCode)
	}
	id, _ := decode(t, resp)["job_id"].(string)
	if id == "" {
		t.Fatal("response body missing job_id")
	}
	return id
}

func (e *testEnv) waitTerminal(t *testing.T, id string) *job.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := e.sched.GetJob(id); ok && rec.State().IsTerminal() {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return nil
}

// waitIdle waits until every slot is released, which happens just after
// the terminal state is recorded.
func (e *testEnv) waitIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if e.sched.Stats().Global.InFlight == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("slots not released")
}

func TestCreateJob_Accepted(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, false)

	resp := env.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"video_subject": "tides",
		"priority":      3,
		"stop_at":       "audio",
	}, true)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
	got := decode(t, resp)
	if got["job_id"] == "" || got["priority"] != float64(3) {
		t.Errorf("record = %v", got)
	}
	if got["resource_class"] != string(job.ClassNone) {
		t.Errorf("resource_class = %v, want none for stop_at=audio", got["resource_class"])
	}

	rec := env.waitTerminal(t, got["job_id"].(string))
	if rec.State() != job.StateComplete {
		t.Errorf("state = %s, want complete", rec.State())
	}
}

func TestCreateJob_BadRequests(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, false)

	tests := []struct {
		name string
		body any
	}{
		{"invalid json", "{not json"},
		{"no subject or script", map[string]any{"video_language": "en"}},
		{"unsupported source", map[string]any{"video_subject": "x", "video_source": "vimeo"}},
		{"local without materials", map[string]any{"video_subject": "x", "video_source": "local"}},
		{"bad aspect", map[string]any{"video_subject": "x", "video_aspect": "4:3"}},
		{"bad stop_at", map[string]any{"video_subject": "x", "stop_at": "upload"}},
		{"bad callback", map[string]any{"video_subject": "x", "callback_url": "ftp://example.com/hook"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/v1/jobs", tt.body, true)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if msg, _ := decode(t, resp)["error"].(string); msg == "" {
				t.Error("missing error message")
			}
		})
	}
}

func TestCreateJob_Unauthorized(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, false)
	resp := env.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{"video_subject": "x"}, false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestGetJob(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, false)
	id := env.create(t, map[string]any{"video_subject": "volcanoes"})
	env.waitTerminal(t, id)

	resp := env.do(t, http.MethodGet, "/api/v1/jobs/"+id, nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decode(t, resp)
	if got["job_id"] != id || got["complete"] != true || got["phase"] != "complete" {
		t.Errorf("record = %v", got)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/jobs/does-not-exist", nil, true)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown job: status = %d, want 404", resp.StatusCode)
	}
}

func TestGetJob_FromHistoryAfterSweep(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, false)
	id := env.create(t, map[string]any{"video_subject": "glaciers"})
	env.waitTerminal(t, id)
	env.waitIdle(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.sched.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	resp := env.do(t, http.MethodPost, "/api/v1/jobs/sweep", nil, true)
	if got := decode(t, resp)["swept"]; got != float64(1) {
		t.Fatalf("swept = %v, want 1", got)
	}
	if _, ok := env.sched.GetJob(id); ok {
		t.Fatal("job still live after sweep")
	}

	resp = env.do(t, http.MethodGet, "/api/v1/jobs/"+id, nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 from history", resp.StatusCode)
	}
	if got := decode(t, resp); got["job_id"] != id || got["complete"] != true {
		t.Errorf("history record = %v", got)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/history?limit=5", nil, true)
	page := decode(t, resp)
	if page["total"] != float64(1) || page["limit"] != float64(5) {
		t.Errorf("history page = %v", page)
	}
}

func TestListJobs_StateFilter(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, true)
	running := env.create(t, map[string]any{"video_subject": "first"})
	queued := env.create(t, map[string]any{"video_subject": "second"})

	tests := []struct {
		state string
		want  []string
	}{
		{"running", []string{running}},
		{"active", []string{running}},
		{"queued", []string{queued}},
		{"complete", nil},
		{"", []string{running, queued}},
	}
	for _, tt := range tests {
		resp := env.do(t, http.MethodGet, "/api/v1/jobs?state="+tt.state, nil, true)
		var body struct {
			Jobs  []job.Record `json:"jobs"`
			Total int          `json:"total"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Total != len(tt.want) || len(body.Jobs) != len(tt.want) {
			t.Errorf("state=%q: total = %d, want %d", tt.state, body.Total, len(tt.want))
			continue
		}
		for i, id := range tt.want {
			if body.Jobs[i].ID != id {
				t.Errorf("state=%q: jobs[%d] = %s, want %s", tt.state, i, body.Jobs[i].ID, id)
			}
		}
	}

	resp := env.do(t, http.MethodGet, "/api/v1/jobs?state=paused", nil, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown state: status = %d, want 400", resp.StatusCode)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, true)
	env.create(t, map[string]any{"video_subject": "first"})
	env.create(t, map[string]any{"video_subject": "second"})

	resp := env.do(t, http.MethodGet, "/api/v1/stats", nil, true)
	var st scheduler.Stats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Running != 1 || st.Queued != 1 || st.Render.InFlight != 1 || st.Global.Limit != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestArtifacts(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, false)
	id := env.create(t, map[string]any{"video_subject": "deserts"})
	env.waitTerminal(t, id)

	path, err := env.artifacts.Path(id, "final-1.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}

	resp := env.do(t, http.MethodGet, "/api/v1/jobs/"+id+"/artifacts", nil, true)
	var list struct {
		Artifacts []artifact.Info `json:"artifacts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Artifacts) != 1 || list.Artifacts[0].Name != "final-1.mp4" || list.Artifacts[0].Size != 5 {
		t.Errorf("artifacts = %+v", list.Artifacts)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/jobs/"+id+"/artifacts/final-1.mp4", nil, true)
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(data) != "video" {
		t.Errorf("download: status = %d body = %q", resp.StatusCode, data)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/jobs/"+id+"/artifacts/missing.srt", nil, true)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing artifact: status = %d, want 404", resp.StatusCode)
	}
	resp = env.do(t, http.MethodGet, "/api/v1/jobs/nope/artifacts", nil, true)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown job: status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamSSE_LiveJob(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, true)
	id := env.create(t, map[string]any{"video_subject": "storms"})

	resp := env.do(t, http.MethodGet, "/api/v1/jobs/"+id+"/sse", nil, true)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	var events []string
	released := false
	for sc.Scan() {
		line := sc.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, name)
			if !released {
				env.runner.release()
				released = true
			}
		}
	}
	if len(events) < 2 || events[0] != "status" || events[len(events)-1] != "result" {
		t.Errorf("events = %v, want status ... result", events)
	}
}

func TestStreamSSE_TerminalAndUnknown(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, false)
	id := env.create(t, map[string]any{"video_subject": "rivers"})
	env.waitTerminal(t, id)

	resp := env.do(t, http.MethodGet, "/api/v1/jobs/"+id+"/sse", nil, true)
	body, _ := io.ReadAll(resp.Body)
	if !strings.HasPrefix(string(body), "event: result\n") {
		t.Errorf("body = %q, want a single result event", body)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/jobs/nope/sse", nil, true)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamWS(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, true)
	id := env.create(t, map[string]any{"video_subject": "auroras"})

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/v1/jobs/" + id + "/ws?api_key=" + apiKey()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	var first WSMessage
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if first.Event != "status" {
		t.Fatalf("first event = %q, want status", first.Event)
	}
	env.runner.release()

	var last WSMessage
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read: %v", err)
			}
			break
		}
		last = msg
	}
	if last.Event != "result" {
		t.Fatalf("last event = %q, want result", last.Event)
	}
	var rec job.Record
	if err := json.Unmarshal(last.Data, &rec); err != nil || rec.ID != id || !rec.Complete {
		t.Errorf("result record = %+v (%v)", rec, err)
	}
}

func TestStreamWS_Unauthorized(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, false)
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/v1/jobs/x/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, false)
	resp := env.do(t, http.MethodGet, "/api/v1/health", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decode(t, resp)
	if got["status"] != "ok" {
		t.Errorf("health = %v", got)
	}
	if _, ok := got["claude_auth"]; ok {
		t.Error("claude_auth reported for a non-CLI provider")
	}
}

func TestHealth_ClaudeCredentials(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if err := os.MkdirAll(filepath.Join(home, ".claude"), 0o755); err != nil {
		t.Fatal(err)
	}
	expires := time.Now().Add(2 * time.Hour).UnixMilli()
	creds := fmt.Sprintf(`{"claudeAiOauth":{"expiresAt":%d}}`, expires)
	if err := os.WriteFile(filepath.Join(home, ".claude", ".credentials.json"), []byte(creds), 0o600); err != nil {
		t.Fatal(err)
	}

	h := NewHandler(nil, nil, nil, nil, &config.Config{LLMProvider: llm.ProviderClaudeCLI})
	rr := httptest.NewRecorder()
	h.Health(rr, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	var got map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["claude_auth"] != "valid" || got["token_expires_at"] == nil {
		t.Errorf("health = %v", got)
	}
}
