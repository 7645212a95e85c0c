package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/reelgate/reelgate/internal/job"
)

type Source string

const (
	SourcePexels  Source = "pexels"
	SourcePixabay Source = "pixabay"
	SourceLocal   Source = "local"
)

// AspectRatio is the output frame shape.
type AspectRatio string

const (
	AspectPortrait  AspectRatio = "9:16"
	AspectLandscape AspectRatio = "16:9"
	AspectSquare    AspectRatio = "1:1"
)

func (a AspectRatio) Valid() bool {
	return a == AspectPortrait || a == AspectLandscape || a == AspectSquare
}

// Resolution returns the output width and height in pixels.
func (a AspectRatio) Resolution() (int, int) {
	switch a {
	case AspectLandscape:
		return 1920, 1080
	case AspectSquare:
		return 1080, 1080
	default:
		return 1080, 1920
	}
}

// Orientation is the stock-footage search filter matching a.
func (a AspectRatio) Orientation() string {
	switch a {
	case AspectLandscape:
		return "landscape"
	case AspectSquare:
		return "square"
	default:
		return "portrait"
	}
}

type ConcatMode string

const (
	ConcatRandom     ConcatMode = "random"
	ConcatSequential ConcatMode = "sequential"
)

// StopAt names the last phase a caller wants executed.
type StopAt string

const (
	StopScript    StopAt = "script"
	StopTerms     StopAt = "terms"
	StopAudio     StopAt = "audio"
	StopSubtitle  StopAt = "subtitle"
	StopMaterials StopAt = "materials"
	StopVideo     StopAt = "video"
)

var stopPhases = map[StopAt]job.Phase{
	StopScript:    job.PhaseScript,
	StopTerms:     job.PhaseTerms,
	StopAudio:     job.PhaseAudio,
	StopSubtitle:  job.PhaseSubtitle,
	StopMaterials: job.PhaseDownload,
	StopVideo:     job.PhaseRender,
}

// Phase returns the pipeline phase after which the run stops.
func (s StopAt) Phase() (job.Phase, bool) {
	p, ok := stopPhases[s]
	return p, ok
}

// Terms accepts either a JSON list or a single comma-separated string.
type Terms []string

func (t *Terms) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*t = cleanTerms(list)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.New("video_terms must be a string or a list of strings")
	}
	*t = ParseTerms(s)
	return nil
}

var termSeparator = regexp.MustCompile(`[,，]`)

// ParseTerms splits s on ASCII or full-width commas and drops blanks.
func ParseTerms(s string) Terms {
	return cleanTerms(termSeparator.Split(s, -1))
}

func cleanTerms(in []string) Terms {
	var out Terms
	for _, term := range in {
		if term = strings.TrimSpace(term); term != "" {
			out = append(out, term)
		}
	}
	return out
}

// Params describe one video job.
type Params struct {
	Subject         string      `json:"video_subject" yaml:"video_subject"`
	Script          string      `json:"video_script,omitempty" yaml:"video_script"`
	Terms           Terms       `json:"video_terms,omitempty" yaml:"video_terms"`
	Language        string      `json:"video_language,omitempty" yaml:"video_language"`
	Paragraphs      int         `json:"paragraph_number,omitempty" yaml:"paragraph_number"`
	Source          Source      `json:"video_source,omitempty" yaml:"video_source"`
	LocalMaterials  []string    `json:"video_materials,omitempty" yaml:"video_materials"`
	Aspect          AspectRatio `json:"video_aspect,omitempty" yaml:"video_aspect"`
	ConcatMode      ConcatMode  `json:"video_concat_mode,omitempty" yaml:"video_concat_mode"`
	Transition      string      `json:"video_transition_mode,omitempty" yaml:"video_transition_mode"`
	ClipDuration    int         `json:"video_clip_duration,omitempty" yaml:"video_clip_duration"`
	VideoCount      int         `json:"video_count,omitempty" yaml:"video_count"`
	Voice           string      `json:"voice_name,omitempty" yaml:"voice_name"`
	VoiceRate       float64     `json:"voice_rate,omitempty" yaml:"voice_rate"`
	SubtitleEnabled *bool       `json:"subtitle_enabled,omitempty" yaml:"subtitle_enabled"`
	StopAt          StopAt      `json:"stop_at,omitempty" yaml:"stop_at"`
	Threads         int         `json:"n_threads,omitempty" yaml:"n_threads"`
}

const defaultVoice = "en-US-AriaNeural"

// Normalize fills defaults in place.
func (p *Params) Normalize() {
	p.Subject = strings.TrimSpace(p.Subject)
	p.Script = strings.TrimSpace(p.Script)
	if p.Paragraphs <= 0 {
		p.Paragraphs = 1
	}
	if p.Source == "" {
		p.Source = SourcePexels
	}
	if p.Aspect == "" {
		p.Aspect = AspectPortrait
	}
	if p.ConcatMode == "" {
		p.ConcatMode = ConcatRandom
	}
	if p.ClipDuration <= 0 {
		p.ClipDuration = 5
	}
	if p.VideoCount <= 0 {
		p.VideoCount = 1
	}
	if p.Voice == "" {
		p.Voice = defaultVoice
	}
	if p.VoiceRate == 0 {
		p.VoiceRate = 1.0
	}
	if p.StopAt == "" {
		p.StopAt = StopVideo
	}
	if p.Threads <= 0 {
		p.Threads = 2
	}
}

// Validate reports malformed parameters. Call Normalize first.
func (p *Params) Validate() error {
	if p.Subject == "" && p.Script == "" {
		return errors.New("video_subject or video_script is required")
	}
	switch p.Source {
	case SourcePexels, SourcePixabay:
	case SourceLocal:
		if len(p.LocalMaterials) == 0 {
			return errors.New("video_materials is required when video_source is local")
		}
	default:
		return fmt.Errorf("unsupported video_source %q", p.Source)
	}
	if !p.Aspect.Valid() {
		return fmt.Errorf("unsupported video_aspect %q", p.Aspect)
	}
	if p.ConcatMode != ConcatRandom && p.ConcatMode != ConcatSequential {
		return fmt.Errorf("unsupported video_concat_mode %q", p.ConcatMode)
	}
	if _, ok := p.StopAt.Phase(); !ok {
		return fmt.Errorf("unsupported stop_at %q", p.StopAt)
	}
	if p.VoiceRate < 0 {
		return fmt.Errorf("voice_rate must be positive, got %v", p.VoiceRate)
	}
	return nil
}

// SubtitlesEnabled defaults to true when unset.
func (p *Params) SubtitlesEnabled() bool {
	return p.SubtitleEnabled == nil || *p.SubtitleEnabled
}

// ResourceClass is the heaviest resource the run will need, used as the
// job's fixed scheduling class.
func (p *Params) ResourceClass() job.ResourceClass {
	switch p.StopAt {
	case StopVideo, "":
		return job.ClassRender
	case StopMaterials:
		if p.Source == SourceLocal {
			return job.ClassNone
		}
		return job.ClassDownload
	default:
		return job.ClassNone
	}
}

// MaterialRef identifies one searchable stock clip.
type MaterialRef struct {
	Provider string  `json:"provider"`
	URL      string  `json:"url"`
	Duration float64 `json:"duration"`
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
}

// RenderOptions carry the composition settings for one variant.
type RenderOptions struct {
	Aspect       AspectRatio `json:"aspect"`
	Width        int         `json:"width"`
	Height       int         `json:"height"`
	ConcatMode   ConcatMode  `json:"concat_mode"`
	Transition   string      `json:"transition,omitempty"`
	ClipDuration int         `json:"clip_duration"`
	Threads      int         `json:"threads"`
}

func (p *Params) renderOptions(variants int) RenderOptions {
	w, h := p.Aspect.Resolution()
	mode := p.ConcatMode
	if variants > 1 {
		mode = ConcatRandom
	}
	return RenderOptions{
		Aspect:       p.Aspect,
		Width:        w,
		Height:       h,
		ConcatMode:   mode,
		Transition:   p.Transition,
		ClipDuration: p.ClipDuration,
		Threads:      p.Threads,
	}
}

// Result aggregates every artifact a run produced. A run that stopped early
// carries only the fields of the phases it executed.
type Result struct {
	Script         string   `json:"script"`
	Terms          []string `json:"terms,omitempty"`
	AudioFile      string   `json:"audio_file,omitempty"`
	AudioDuration  float64  `json:"audio_duration,omitempty"`
	SubtitleFile   string   `json:"subtitle_path,omitempty"`
	Materials      []string `json:"materials,omitempty"`
	CombinedVideos []string `json:"combined_videos,omitempty"`
	Videos         []string `json:"videos,omitempty"`
	StoppedAt      StopAt   `json:"stopped_at,omitempty"`
}
