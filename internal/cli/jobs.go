package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/reelgate/reelgate/internal/job"
)

var jobsState string

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs on a running server",
	Long: `List live jobs on a running reelgate server.

Examples:
  reelgate jobs
  reelgate jobs --state queued
  reelgate jobs --server http://render-box:8080 --api-key secret`,
	RunE: runJobs,
}

func init() {
	jobsCmd.Flags().StringVarP(&jobsState, "state", "s", "", "filter: queued, running, complete, failed")
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	recs, err := fetchJobs(ctx, http.DefaultClient, serverURL, apiKey, jobsState)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), formatJobs(recs, time.Now()))
	return nil
}

func fetchJobs(ctx context.Context, client *http.Client, server, key, state string) ([]*job.Record, error) {
	u := strings.TrimRight(server, "/") + "/api/v1/jobs"
	if state != "" {
		u += "?state=" + url.QueryEscape(state)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", key)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e) //nolint:errcheck
		return nil, fmt.Errorf("list jobs: HTTP %d: %s", resp.StatusCode, e.Error)
	}
	var body struct {
		Jobs []*job.Record `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode jobs: %w", err)
	}
	return body.Jobs, nil
}
