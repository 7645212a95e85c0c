package material

import (
	"context"
	"fmt"
	"net/url"

	"github.com/reelgate/reelgate/internal/pipeline"
	"github.com/reelgate/reelgate/internal/retry"
)

const (
	pixabayURL     = "https://pixabay.com/api/videos/"
	pixabayPerPage = 50
)

// pixabaySizes is the order renditions are considered in, largest first.
var pixabaySizes = []string{"large", "medium", "small", "tiny"}

type Pixabay struct {
	BaseURL string
	keys    *KeyRing
	api     apiClient
}

func NewPixabay(keys *KeyRing, rps float64) *Pixabay {
	return &Pixabay{BaseURL: pixabayURL, keys: keys, api: newAPIClient(rps)}
}

type pixabayRendition struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type pixabayResponse struct {
	Hits []struct {
		Duration float64                     `json:"duration"`
		Videos   map[string]pixabayRendition `json:"videos"`
	} `json:"hits"`
}

// Search returns clips of at least minDuration seconds whose largest
// suitable rendition is at least as wide as the output.
func (p *Pixabay) Search(ctx context.Context, term string, minDuration int, aspect pipeline.AspectRatio) ([]pipeline.MaterialRef, error) {
	key, err := p.keys.Next()
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("pixabay: %w", err))
	}
	q := url.Values{}
	q.Set("q", term)
	q.Set("video_type", "all")
	q.Set("per_page", fmt.Sprint(pixabayPerPage))
	q.Set("key", key)

	var resp pixabayResponse
	if err := p.api.getJSON(ctx, p.BaseURL+"?"+q.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("pixabay search %q: %w", term, err)
	}

	width, _ := aspect.Resolution()
	var refs []pipeline.MaterialRef
	for _, hit := range resp.Hits {
		if hit.Duration < float64(minDuration) {
			continue
		}
		for _, size := range pixabaySizes {
			r, ok := hit.Videos[size]
			if !ok || r.URL == "" || r.Width < width {
				continue
			}
			refs = append(refs, pipeline.MaterialRef{
				Provider: string(pipeline.SourcePixabay),
				URL:      r.URL,
				Duration: hit.Duration,
				Width:    r.Width,
				Height:   r.Height,
			})
			break
		}
	}
	return refs, nil
}
