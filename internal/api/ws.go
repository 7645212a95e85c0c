package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reelgate/reelgate/internal/scheduler"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// WSMessage is one frame on the job WebSocket. Data is the same JSON
// document the SSE stream carries.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// StreamWS pushes the same events as StreamSSE over a WebSocket. The server
// closes the connection after the result frame.
func (h *Handler) StreamWS(w http.ResponseWriter, r *http.Request) {
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
	if ch != nil {
		defer h.sched.Unsubscribe(id, ch)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer conn.Close()

	recData, _ := json.Marshal(rec)
	if ch == nil {
		writeWS(conn, WSMessage{Event: "result", Data: recData})
		closeWS(conn)
		return
	}
	if err := writeWS(conn, WSMessage{Event: "status", Data: recData}); err != nil {
		return
	}

	// The client never sends data frames; reading detects the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	for {
		select {
		case ev, open := <-ch:
			if !open {
				closeWS(conn)
				return
			}
			if err := writeWS(conn, WSMessage{Event: ev.Event, Data: json.RawMessage(ev.Data)}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeWS(conn *websocket.Conn, msg WSMessage) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
	return conn.WriteJSON(msg)
}

func closeWS(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait)) //nolint:errcheck
}
