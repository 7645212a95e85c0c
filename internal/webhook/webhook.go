// Package webhook delivers terminal job notifications to caller-supplied
// callback URLs.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const (
	defaultAttempts = 8
	defaultBase     = time.Second
	defaultCap      = 5 * time.Minute
)

// Notifier posts JSON payloads with full-jitter exponential retry.
type Notifier struct {
	client       *http.Client
	attempts     int
	base         time.Duration
	cap          time.Duration
	allowPrivate bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Notifier)

// WithRetry overrides the attempt budget and backoff bounds.
func WithRetry(attempts int, base, cap time.Duration) Option {
	return func(n *Notifier) {
		if attempts > 0 {
			n.attempts = attempts
		}
		if base > 0 {
			n.base = base
		}
		if cap > 0 {
			n.cap = cap
		}
	}
}

func WithClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// AllowPrivate disables the private address check. Only tests and trusted
// single-host deployments should use it.
func AllowPrivate() Option {
	return func(n *Notifier) { n.allowPrivate = true }
}

func New(opts ...Option) *Notifier {
	n := &Notifier{
		client:   &http.Client{Timeout: 30 * time.Second},
		attempts: defaultAttempts,
		base:     defaultBase,
		cap:      defaultCap,
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	for _, o := range opts {
		o(n)
	}
	return n
}

// Send dispatches payload to callbackURL asynchronously. Deliveries are
// independent of the caller's lifetime and run until they succeed, give up,
// or Close abandons them.
func (n *Notifier) Send(callbackURL string, payload []byte) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if !n.allowPrivate {
			if err := validateURL(callbackURL); err != nil {
				slog.Warn("webhook: rejected callback URL", "url", callbackURL, "error", err)
				return
			}
		}
		n.send(n.ctx, callbackURL, payload)
	}()
}

// Close waits for in-flight deliveries. If ctx ends first the remaining
// deliveries are cancelled and ctx.Err is returned once they have stopped.
func (n *Notifier) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		n.cancel()
		<-done
	}
	n.cancel()
	return err
}

// validateURL blocks non-HTTP schemes and private/internal IP ranges.
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	host := u.Hostname()
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}
	return nil
}

func (n *Notifier) send(ctx context.Context, callbackURL string, payload []byte) {
	for attempt := 1; attempt <= n.attempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := n.post(ctx, callbackURL, payload)
		if err == nil {
			return
		}
		slog.Warn("webhook attempt failed", "attempt", attempt, "url", callbackURL, "error", err)
		if attempt < n.attempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(n.jitter(attempt)):
			}
		}
	}
	slog.Error("webhook: all retries exhausted", "url", callbackURL)
}

// jitter returns a random duration between 0 and min(cap, base * 2^attempt).
func (n *Notifier) jitter(attempt int) time.Duration {
	exp := n.base * (1 << attempt)
	if exp > n.cap || exp <= 0 {
		exp = n.cap
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

func (n *Notifier) post(ctx context.Context, callbackURL string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "reelgate-webhook/1")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
