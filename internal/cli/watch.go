package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/reelgate/reelgate/internal/api"
	"github.com/reelgate/reelgate/internal/job"
)

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job's phase changes until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchJob(cmd.Context(), serverURL, apiKey, args[0], cmd.OutOrStdout())
	},
}

// jobStreamURL converts the server URL to the job's WebSocket endpoint.
func jobStreamURL(server, key, jobID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/api/v1/jobs/" + url.PathEscape(jobID) + "/ws"
	if key != "" {
		u.RawQuery = url.Values{"api_key": {key}}.Encode()
	}
	return u.String(), nil
}

func watchJob(ctx context.Context, server, key, jobID string, out io.Writer) error {
	wsURL, err := jobStreamURL(server, key, jobID)
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket connect: HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("websocket connect: %w", err)
	}
	defer conn.Close()

	for {
		var msg api.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		line, err := describeEvent(msg.Event, msg.Data)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, line)
	}
}

// describeEvent renders one stream event as a single line.
func describeEvent(event string, data []byte) (string, error) {
	switch event {
	case "phase":
		var p struct {
			Phase    job.Phase `json:"phase"`
			Progress int       `json:"progress"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return "", fmt.Errorf("decode phase event: %w", err)
		}
		return fmt.Sprintf("%s %s %s", runStyle.Render("phase"), p.Phase, mutedStyle.Render(fmt.Sprintf("%d%%", p.Progress))), nil
	case "status", "result":
		// admission events carry only {"state": ...}; the rest carry a record
		var ev struct {
			job.Record
			Admitted string `json:"state"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			return "", fmt.Errorf("decode %s event: %w", event, err)
		}
		if ev.ID == "" {
			return fmt.Sprintf("%s %s", mutedStyle.Render(event), ev.Admitted), nil
		}
		state := ev.Record.State()
		line := fmt.Sprintf("%s %s %s", mutedStyle.Render(event), stateStyle(state).Render(string(state)), ev.Phase)
		if ev.Error != "" {
			line += " " + errorStyle.Render(ev.Error)
		}
		return line, nil
	default:
		return fmt.Sprintf("%s %s", mutedStyle.Render(event), data), nil
	}
}
