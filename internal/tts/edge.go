// Package tts synthesizes narration with the edge-tts command line.
package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strings"
)

// DurationFunc measures a media file in seconds.
type DurationFunc func(ctx context.Context, path string) (float64, error)

type EdgeTTS struct {
	Path     string
	Duration DurationFunc
}

func New(path string, duration DurationFunc) *EdgeTTS {
	if path == "" {
		path = "edge-tts"
	}
	return &EdgeTTS{Path: path, Duration: duration}
}

// SynthesizeSpeech writes text spoken by voice to outPath.
func (e *EdgeTTS) SynthesizeSpeech(ctx context.Context, text, voice string, rate float64, outPath string) (string, float64, error) {
	if strings.TrimSpace(text) == "" {
		return "", 0, errors.New("no text to synthesize")
	}
	cmd := exec.CommandContext(ctx, e.Path,
		"--voice", ParseVoiceName(voice),
		"--rate", FormatRate(rate),
		"--text", text,
		"--write-media", outPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", 0, ctx.Err()
		}
		return "", 0, fmt.Errorf("edge-tts failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	info, err := os.Stat(outPath)
	if err != nil || info.Size() == 0 {
		return "", 0, fmt.Errorf("edge-tts wrote no audio to %s", outPath)
	}
	duration, err := e.Duration(ctx, outPath)
	if err != nil {
		return "", 0, fmt.Errorf("measure audio: %w", err)
	}
	return outPath, duration, nil
}

// FormatRate turns a speed multiplier into edge-tts' signed percent form:
// 1.0 is "+0%", 1.25 is "+25%", 0.8 is "-20%".
func FormatRate(rate float64) string {
	if rate <= 0 {
		rate = 1
	}
	pct := int(math.Round((rate - 1) * 100))
	if pct >= 0 {
		return fmt.Sprintf("+%d%%", pct)
	}
	return fmt.Sprintf("%d%%", pct)
}

// ParseVoiceName strips the "-Female"/"-Male" suffix some voice lists add
// to the edge voice short name.
func ParseVoiceName(name string) string {
	name = strings.TrimSpace(name)
	for _, suffix := range []string{"-Female", "-Male"} {
		name = strings.TrimSuffix(name, suffix)
	}
	return name
}
