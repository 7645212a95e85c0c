package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/reelgate/reelgate/internal/job"
	"github.com/reelgate/reelgate/internal/scheduler"
)

const streamPingInterval = 15 * time.Second

// subscribe resolves a job for streaming. A nil channel means rec is final.
// Swept jobs are served from history.
func (h *Handler) subscribe(r *http.Request, id string) (chan scheduler.Event, *job.Record, error) {
	ch, rec, err := h.sched.Subscribe(id)
	if err == nil || !errors.Is(err, scheduler.ErrJobNotFound) || h.history == nil {
		return ch, rec, err
	}
	rec, herr := h.history.Get(r.Context(), id)
	if herr != nil {
		return nil, nil, herr
	}
	if rec == nil || !rec.State().IsTerminal() {
		return nil, nil, err
	}
	return nil, rec, nil
}

// StreamSSE streams status, phase and result events for one job until it
// finishes or the client disconnects.
func (h *Handler) StreamSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	id := r.PathValue("id")
	ch, rec, err := h.subscribe(r, id)
	if errors.Is(err, scheduler.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if ch == nil {
		writeSSEEvent(w, flusher, "result", rec)
		return
	}
	defer h.sched.Unsubscribe(id, ch)

	writeSSEEvent(w, flusher, "status", rec)

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, ev.Data)
			flusher.Flush()
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
