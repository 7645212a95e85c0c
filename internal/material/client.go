// Package material searches stock footage providers and downloads clips
// into a shared cache.
package material

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/reelgate/reelgate/internal/retry"
)

const userAgent = "reelgate/1.0"

// ErrNoAPIKey means a provider was selected without any configured key.
var ErrNoAPIKey = errors.New("no API key configured")

// KeyRing hands out API keys round-robin so quota is spread across them.
type KeyRing struct {
	keys []string
	n    atomic.Uint64
}

func NewKeyRing(keys ...string) *KeyRing {
	return &KeyRing{keys: keys}
}

func (k *KeyRing) Next() (string, error) {
	if len(k.keys) == 0 {
		return "", ErrNoAPIKey
	}
	i := k.n.Add(1)
	return k.keys[i%uint64(len(k.keys))], nil
}

func (k *KeyRing) Len() int { return len(k.keys) }

// apiClient is the HTTP plumbing shared by the providers.
type apiClient struct {
	http    *http.Client
	limiter *rate.Limiter
}

func newAPIClient(rps float64) apiClient {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return apiClient{
		http:    &http.Client{Timeout: 60 * time.Second},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// getJSON paces the request, performs it and decodes the body into v.
// Authentication failures are permanent; everything else may be retried.
func (c apiClient) getJSON(ctx context.Context, url string, header http.Header, v any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	for k, vals := range header {
		for _, val := range vals {
			req.Header.Add(k, val)
		}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return retry.Permanent(err)
		}
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
