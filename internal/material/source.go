package material

import (
	"context"
	"fmt"

	"github.com/reelgate/reelgate/internal/pipeline"
)

type searcher interface {
	Search(ctx context.Context, term string, minDuration int, aspect pipeline.AspectRatio) ([]pipeline.MaterialRef, error)
}

// Source serves every configured stock provider through one Downloader.
// It satisfies pipeline.MaterialSource using the first configured provider
// and pipeline.ProviderSelector for per-job selection.
type Source struct {
	providers map[pipeline.Source]providerSource
	order     []pipeline.Source
}

type providerSource struct {
	searcher
	dl *Downloader
}

func (p providerSource) SearchMaterial(ctx context.Context, term string, minDuration int, aspect pipeline.AspectRatio) ([]pipeline.MaterialRef, error) {
	return p.Search(ctx, term, minDuration, aspect)
}

func (p providerSource) DownloadMaterial(ctx context.Context, ref pipeline.MaterialRef, destDir string) (string, error) {
	return p.dl.Download(ctx, ref, destDir)
}

// NewSource registers the providers that have at least one API key.
func NewSource(dl *Downloader, pexels *Pexels, pixabay *Pixabay) *Source {
	s := &Source{providers: make(map[pipeline.Source]providerSource)}
	if pexels != nil && pexels.keys.Len() > 0 {
		s.add(pipeline.SourcePexels, providerSource{pexels, dl})
	}
	if pixabay != nil && pixabay.keys.Len() > 0 {
		s.add(pipeline.SourcePixabay, providerSource{pixabay, dl})
	}
	return s
}

func (s *Source) add(name pipeline.Source, p providerSource) {
	s.providers[name] = p
	s.order = append(s.order, name)
}

// Providers lists the usable providers in preference order.
func (s *Source) Providers() []pipeline.Source {
	return append([]pipeline.Source(nil), s.order...)
}

func (s *Source) ForProvider(src pipeline.Source) (pipeline.MaterialSource, error) {
	p, ok := s.providers[src]
	if !ok {
		return nil, fmt.Errorf("video source %q is not configured (set its API keys)", src)
	}
	return p, nil
}

func (s *Source) SearchMaterial(ctx context.Context, term string, minDuration int, aspect pipeline.AspectRatio) ([]pipeline.MaterialRef, error) {
	if len(s.order) == 0 {
		return nil, fmt.Errorf("no stock footage provider configured")
	}
	return s.providers[s.order[0]].SearchMaterial(ctx, term, minDuration, aspect)
}

func (s *Source) DownloadMaterial(ctx context.Context, ref pipeline.MaterialRef, destDir string) (string, error) {
	if p, ok := s.providers[pipeline.Source(ref.Provider)]; ok {
		return p.DownloadMaterial(ctx, ref, destDir)
	}
	if len(s.order) == 0 {
		return "", fmt.Errorf("no stock footage provider configured")
	}
	return s.providers[s.order[0]].DownloadMaterial(ctx, ref, destDir)
}

var (
	_ pipeline.MaterialSource   = (*Source)(nil)
	_ pipeline.ProviderSelector = (*Source)(nil)
)
