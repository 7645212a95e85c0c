package material

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/reelgate/reelgate/internal/pipeline"
	"github.com/reelgate/reelgate/internal/retry"
)

const (
	pexelsURL     = "https://api.pexels.com/videos/search"
	pexelsPerPage = 20
)

type Pexels struct {
	BaseURL string
	keys    *KeyRing
	api     apiClient
}

func NewPexels(keys *KeyRing, rps float64) *Pexels {
	return &Pexels{BaseURL: pexelsURL, keys: keys, api: newAPIClient(rps)}
}

type pexelsResponse struct {
	Videos []struct {
		Duration   float64 `json:"duration"`
		VideoFiles []struct {
			Link   string `json:"link"`
			Width  int    `json:"width"`
			Height int    `json:"height"`
		} `json:"video_files"`
	} `json:"videos"`
}

// Search returns clips of at least minDuration seconds that have a file in
// exactly the output resolution.
func (p *Pexels) Search(ctx context.Context, term string, minDuration int, aspect pipeline.AspectRatio) ([]pipeline.MaterialRef, error) {
	key, err := p.keys.Next()
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("pexels: %w", err))
	}
	q := url.Values{}
	q.Set("query", term)
	q.Set("per_page", fmt.Sprint(pexelsPerPage))
	q.Set("orientation", aspect.Orientation())

	var resp pexelsResponse
	header := http.Header{"Authorization": {key}}
	if err := p.api.getJSON(ctx, p.BaseURL+"?"+q.Encode(), header, &resp); err != nil {
		return nil, fmt.Errorf("pexels search %q: %w", term, err)
	}

	width, height := aspect.Resolution()
	var refs []pipeline.MaterialRef
	for _, v := range resp.Videos {
		if v.Duration < float64(minDuration) {
			continue
		}
		for _, f := range v.VideoFiles {
			if f.Width == width && f.Height == height {
				refs = append(refs, pipeline.MaterialRef{
					Provider: string(pipeline.SourcePexels),
					URL:      f.Link,
					Duration: v.Duration,
					Width:    f.Width,
					Height:   f.Height,
				})
				break
			}
		}
	}
	return refs, nil
}
