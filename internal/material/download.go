package material

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/reelgate/reelgate/internal/pipeline"
	"github.com/reelgate/reelgate/internal/retry"
)

// DurationFunc measures a media file in seconds.
type DurationFunc func(ctx context.Context, path string) (float64, error)

// Downloader stores clips under a name derived from their URL, so a clip
// already fetched by an earlier job is reused.
type Downloader struct {
	client *http.Client
	probe  DurationFunc
	logger *slog.Logger
}

// NewDownloader returns a Downloader. probe, when set, rejects files that
// are not playable video.
func NewDownloader(probe DurationFunc, logger *slog.Logger) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{
		client: &http.Client{Timeout: 4 * time.Minute},
		probe:  probe,
		logger: logger,
	}
}

// CacheName is vid-<md5 of the URL without its query>.mp4.
func CacheName(rawURL string) string {
	base, _, _ := strings.Cut(rawURL, "?")
	sum := md5.Sum([]byte(base))
	return "vid-" + hex.EncodeToString(sum[:]) + ".mp4"
}

func (d *Downloader) Download(ctx context.Context, ref pipeline.MaterialRef, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", retry.Permanent(fmt.Errorf("create cache dir: %w", err))
	}
	path := filepath.Join(destDir, CacheName(ref.URL))

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		if d.valid(ctx, path) {
			d.logger.Debug("clip cache hit", "url", ref.URL, "path", path)
			return path, nil
		}
		d.logger.Warn("removing invalid cached clip", "path", path)
		os.Remove(path)
	}

	if err := d.fetch(ctx, ref.URL, path); err != nil {
		return "", err
	}
	if !d.valid(ctx, path) {
		os.Remove(path)
		return "", fmt.Errorf("downloaded clip %s is not a valid video", ref.URL)
	}
	return path, nil
}

func (d *Downloader) valid(ctx context.Context, path string) bool {
	if d.probe == nil {
		return true
	}
	dur, err := d.probe(ctx, path)
	return err == nil && dur > 0
}

// fetch streams url into a temp file beside path and renames it into place.
func (d *Downloader) fetch(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("download %s: HTTP %d", url, resp.StatusCode)
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			return retry.Permanent(err)
		}
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".dl-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = fmt.Errorf("download %s: empty body", url)
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename download: %w", err)
	}
	return nil
}
