package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/reelgate/reelgate/internal/artifact"
	"github.com/reelgate/reelgate/internal/job"
	"github.com/reelgate/reelgate/internal/retry"
)

// genericTerms widen the search when the requested terms do not yield
// enough footage to cover the narration.
var genericTerms = []string{"nature", "people", "city", "abstract", "business"}

func (d *Driver) download(ctx context.Context, r *run) error {
	var (
		paths []string
		err   error
	)
	if r.params.Source == SourceLocal {
		paths, err = d.localMaterials(r)
	} else {
		paths, err = d.stockMaterials(ctx, r)
	}
	if err != nil {
		return err
	}
	r.res.Materials = paths
	return nil
}

func (d *Driver) localMaterials(r *run) ([]string, error) {
	var paths []string
	for _, p := range r.params.LocalMaterials {
		if !artifact.NonEmpty(p) {
			r.logger.Warn("skipping invalid local material", "path", p)
			continue
		}
		paths = append(paths, p)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no valid local materials", job.ErrValidation)
	}
	return paths, nil
}

// stockMaterials searches every term, falls back to generic terms when the
// footage found is shorter than needed, then downloads clips until their
// usable length covers the narration for every variant.
func (d *Driver) stockMaterials(ctx context.Context, r *run) ([]string, error) {
	if d.c.Materials == nil {
		return nil, fmt.Errorf("%w: no stock footage source configured", job.ErrValidation)
	}
	r.materials = d.c.Materials
	if sel, ok := d.c.Materials.(ProviderSelector); ok {
		src, err := sel.ForProvider(r.params.Source)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", job.ErrValidation, err)
		}
		r.materials = src
	}

	variants := min(r.params.VideoCount, d.opts.MaxVariants)
	needed := r.res.AudioDuration * float64(variants)
	clip := float64(r.params.ClipDuration)

	refs, found := d.searchAll(ctx, r, r.res.Terms, nil)
	if found < needed {
		r.logger.Warn("not enough footage for terms, widening search",
			"found_seconds", found, "needed_seconds", needed)
		more, _ := d.searchAll(ctx, r, genericTerms, refs)
		refs = append(refs, more...)
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: no footage found for %v", job.ErrValidation, r.res.Terms)
	}
	if r.params.ConcatMode == ConcatRandom {
		rand.Shuffle(len(refs), func(i, j int) { refs[i], refs[j] = refs[j], refs[i] })
	}

	var (
		paths    []string
		covered  float64
		failures int
		next     int
	)
	for covered <= needed && next < len(refs) && failures <= d.opts.MaxDownloadFailures {
		var batch []MaterialRef
		for want := needed - covered; next < len(refs) && want >= 0; next++ {
			batch = append(batch, refs[next])
			want -= min(refs[next].Duration, clip)
		}

		got, failed := d.downloadBatch(ctx, r, batch)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		failures += failed
		for i, path := range got {
			if path == "" {
				continue
			}
			paths = append(paths, path)
			covered += min(batch[i].Duration, clip)
		}
		d.report(r, 40+min(9, int(9*covered/max(needed, 1))))
	}
	if failures > d.opts.MaxDownloadFailures {
		r.logger.Warn("too many download failures, continuing with what we have",
			"failures", failures, "downloaded", len(paths))
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no footage could be downloaded", job.ErrValidation)
	}
	r.logger.Info("materials ready", "clips", len(paths), "covered_seconds", covered, "needed_seconds", needed)
	return paths, nil
}

// searchAll queries each term with retries and returns new, deduplicated
// refs plus their total duration. seen holds refs already collected.
func (d *Driver) searchAll(ctx context.Context, r *run, terms []string, seen []MaterialRef) ([]MaterialRef, float64) {
	urls := make(map[string]bool, len(seen))
	for _, ref := range seen {
		urls[ref.URL] = true
	}

	var (
		out   []MaterialRef
		total float64
	)
	for _, term := range terms {
		var refs []MaterialRef
		err := retry.Do(ctx, d.opts.Retry, "search "+term, func(ctx context.Context, attempt int) error {
			found, err := r.materials.SearchMaterial(ctx, term, r.params.ClipDuration, r.params.Aspect)
			if err != nil {
				return err
			}
			if len(found) == 0 {
				return fmt.Errorf("no footage for %q", term)
			}
			refs = found
			return nil
		})
		if err != nil {
			r.logger.Warn("search failed", "term", term, "error", err)
			continue
		}
		added := 0
		for _, ref := range refs {
			if ref.URL == "" || urls[ref.URL] {
				continue
			}
			urls[ref.URL] = true
			out = append(out, ref)
			total += ref.Duration
			added++
		}
		r.logger.Info("search done", "term", term, "found", len(refs), "new", added)
	}
	return out, total
}

// downloadBatch fetches refs in parallel. The result slice is aligned with
// refs; failed downloads leave an empty path.
func (d *Driver) downloadBatch(ctx context.Context, r *run, refs []MaterialRef) ([]string, int) {
	paths := make([]string, len(refs))
	var (
		mu     sync.Mutex
		failed int
	)

	var g errgroup.Group
	g.SetLimit(d.opts.DownloadParallelism)
	for i, ref := range refs {
		g.Go(func() error {
			err := retry.Do(ctx, d.opts.Retry, "download "+ref.URL, func(ctx context.Context, attempt int) error {
				path, err := r.materials.DownloadMaterial(ctx, ref, d.opts.CacheDir)
				if err != nil {
					return err
				}
				if !artifact.NonEmpty(path) {
					return fmt.Errorf("downloaded file %s is empty", path)
				}
				paths[i] = path
				return nil
			})
			if err != nil {
				r.logger.Warn("download failed", "url", ref.URL, "error", err)
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return paths, failed
}
