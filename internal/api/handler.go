package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/reelgate/reelgate/internal/artifact"
	"github.com/reelgate/reelgate/internal/config"
	"github.com/reelgate/reelgate/internal/job"
	"github.com/reelgate/reelgate/internal/llm"
	"github.com/reelgate/reelgate/internal/pipeline"
	"github.com/reelgate/reelgate/internal/scheduler"
)

const maxRequestBody = 1 << 20

// Runner turns job parameters into the scheduler's unit of work.
// *pipeline.Driver implements it.
type Runner interface {
	Work(jobID string, p pipeline.Params) func(ctx context.Context) (any, error)
}

// Handler serves the job API.
type Handler struct {
	sched     *scheduler.Scheduler
	history   job.Store
	runner    Runner
	artifacts *artifact.Store
	cfg       *config.Config
}

// NewHandler wires the API. history may be nil when no store is configured.
func NewHandler(sched *scheduler.Scheduler, history job.Store, runner Runner, artifacts *artifact.Store, cfg *config.Config) *Handler {
	return &Handler{sched: sched, history: history, runner: runner, artifacts: artifacts, cfg: cfg}
}

// RegisterRoutes mounts every endpoint on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/jobs", h.CreateJob)
	mux.HandleFunc("GET /api/v1/jobs", h.ListJobs)
	mux.HandleFunc("POST /api/v1/jobs/sweep", h.Sweep)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/artifacts", h.ListArtifacts)
	mux.HandleFunc("GET /api/v1/jobs/{id}/artifacts/{name}", h.GetArtifact)
	mux.HandleFunc("GET /api/v1/jobs/{id}/sse", h.StreamSSE)
	mux.HandleFunc("GET /api/v1/jobs/{id}/ws", h.StreamWS)
	mux.HandleFunc("GET /api/v1/history", h.History)
	mux.HandleFunc("GET /api/v1/stats", h.Stats)
	mux.HandleFunc("GET /api/v1/health", h.Health)
}

type createRequest struct {
	pipeline.Params
	Priority    int    `json:"priority"`
	CallbackURL string `json:"callback_url,omitempty"`
}

func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	p := req.Params
	p.Normalize()
	if err := p.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.CallbackURL != "" {
		if err := checkCallbackURL(req.CallbackURL); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	id := uuid.New().String()
	var opts []scheduler.SubmitOption
	if req.CallbackURL != "" {
		opts = append(opts, scheduler.WithCallback(req.CallbackURL))
	}
	if err := h.sched.Submit(id, req.Priority, p.ResourceClass(), h.runner.Work(id, p), opts...); err != nil {
		if errors.Is(err, scheduler.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		slog.Error("failed to submit job", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	rec, _ := h.sched.GetJob(id)
	slog.Info("job submitted",
		"job_id", id,
		"priority", req.Priority,
		"class", p.ResourceClass(),
		"request_id", RequestIDFrom(r.Context()),
	)
	writeJSON(w, http.StatusAccepted, rec)
}

func checkCallbackURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("callback_url must be an absolute http(s) URL")
	}
	return nil
}

// ListJobs lists live jobs, optionally filtered by ?state=.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var jobs []*job.Record
	switch state := r.URL.Query().Get("state"); state {
	case "queued":
		jobs = h.sched.ListQueued()
	case "running", "active":
		jobs = h.sched.ListActive()
	case "complete":
		jobs = h.sched.ListCompleted()
	case "failed":
		jobs = h.sched.ListFailed()
	case "", "all":
		jobs = h.sched.ListAll()
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown state %q", state))
		return
	}
	if jobs == nil {
		jobs = []*job.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "total": len(jobs)})
}

// GetJob returns the live record, falling back to history for swept jobs.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if rec, ok := h.sched.GetJob(id); ok {
		writeJSON(w, http.StatusOK, rec)
		return
	}
	if h.history != nil {
		rec, err := h.history.Get(r.Context(), id)
		if err != nil {
			slog.Error("failed to get job", "job_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to get job")
			return
		}
		if rec != nil {
			writeJSON(w, http.StatusOK, rec)
			return
		}
	}
	writeError(w, http.StatusNotFound, "job not found")
}

func (h *Handler) known(ctx context.Context, id string) bool {
	if _, ok := h.sched.GetJob(id); ok {
		return true
	}
	if h.history == nil {
		return false
	}
	rec, err := h.history.Get(ctx, id)
	return err == nil && rec != nil
}

func (h *Handler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.known(r.Context(), id) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	files, err := h.artifacts.List(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if files == nil {
		files = []artifact.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "artifacts": files})
}

func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	id, name := r.PathValue("id"), r.PathValue("name")
	if !h.known(r.Context(), id) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	path, err := h.artifacts.Path(id, name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !artifact.NonEmpty(path) {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	http.ServeFile(w, r, path)
}

// Sweep forgets terminal jobs from the live registry.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"swept": h.sched.SweepTerminal()})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Stats())
}

// History pages through persisted records, newest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "history store not configured")
		return
	}
	limit := parseIntParam(r, "limit", 20)
	offset := parseIntParam(r, "offset", 0)
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := h.history.List(r.Context(), limit, offset)
	if err != nil {
		slog.Error("failed to list history", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*job.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func parseIntParam(r *http.Request, name string, def int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// Health reports tool availability and, for the claude CLI provider, the
// state of its OAuth token.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}

	tools := map[string]bool{}
	for _, bin := range []string{h.cfg.FFmpegPath, h.cfg.FFprobePath, h.cfg.EdgeTTSPath, h.cfg.WhisperPath} {
		if bin == "" {
			continue
		}
		_, err := exec.LookPath(bin)
		tools[filepath.Base(bin)] = err == nil
	}
	resp["tools"] = tools

	if h.cfg.LLMProvider == llm.ProviderClaudeCLI {
		for k, v := range claudeAuth() {
			resp[k] = v
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func claudeAuth() map[string]string {
	out := map[string]string{"claude_auth": "unknown"}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return out
	}
	data, err := os.ReadFile(filepath.Join(homeDir, ".claude", ".credentials.json"))
	if err != nil {
		return out
	}
	var creds struct {
		ClaudeAiOauth struct {
			ExpiresAt int64 `json:"expiresAt"`
		} `json:"claudeAiOauth"`
	}
	if json.Unmarshal(data, &creds) != nil || creds.ClaudeAiOauth.ExpiresAt <= 0 {
		return out
	}
	expiresAt := time.UnixMilli(creds.ClaudeAiOauth.ExpiresAt).UTC()
	remaining := time.Until(expiresAt)
	if remaining > 0 {
		out["claude_auth"] = "valid"
	} else {
		out["claude_auth"] = "expired"
		remaining = -remaining
	}
	out["token_expires_at"] = expiresAt.Format(time.RFC3339)
	out["token_expires_in"] = remaining.Truncate(time.Second).String()
	return out
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
