package tts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFormatRate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rate float64
		want string
	}{
		{1.0, "+0%"},
		{1.25, "+25%"},
		{0.8, "-20%"},
		{0, "+0%"},
		{2, "+100%"},
	}
	for _, tt := range tests {
		if got := FormatRate(tt.rate); got != tt.want {
			t.Errorf("FormatRate(%v) = %q, want %q", tt.rate, got, tt.want)
		}
	}
}

func TestParseVoiceName(t *testing.T) {
	t.Parallel()
	if got := ParseVoiceName(" en-US-AriaNeural-Female "); got != "en-US-AriaNeural" {
		t.Errorf("ParseVoiceName = %q", got)
	}
	if got := ParseVoiceName("zh-CN-YunxiNeural"); got != "zh-CN-YunxiNeural" {
		t.Errorf("ParseVoiceName = %q", got)
	}
}

func fakeEdge(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "edge-tts")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// writeMedia records its arguments in the --write-media file.
const writeMedia = `while [ $# -gt 0 ]; do
  if [ "$1" = "--write-media" ]; then out=$2; fi
  args="$args $1"
  shift
done
printf '%s' "$args" > "$out"
`

func TestSynthesizeSpeech(t *testing.T) {
	t.Parallel()
	probe := func(ctx context.Context, path string) (float64, error) { return 9.4, nil }
	e := New(fakeEdge(t, writeMedia), probe)
	out := filepath.Join(t.TempDir(), "audio.mp3")

	path, dur, err := e.SynthesizeSpeech(context.Background(), "hello world", "en-US-AriaNeural-Female", 1.1, out)
	if err != nil {
		t.Fatalf("SynthesizeSpeech: %v", err)
	}
	if path != out || dur != 9.4 {
		t.Errorf("got (%q, %v), want (%q, 9.4)", path, dur, out)
	}
	data, _ := os.ReadFile(out)
	for _, want := range []string{"--voice en-US-AriaNeural ", "--rate +10%", "--text hello world"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("args %q missing %q", data, want)
		}
	}
}

func TestSynthesizeSpeech_NoOutput(t *testing.T) {
	t.Parallel()
	probe := func(ctx context.Context, path string) (float64, error) { return 1, nil }
	e := New(fakeEdge(t, "exit 0\n"), probe)
	_, _, err := e.SynthesizeSpeech(context.Background(), "hi", "v", 1, filepath.Join(t.TempDir(), "a.mp3"))
	if err == nil {
		t.Fatal("expected error when no audio is written")
	}
}

func TestSynthesizeSpeech_Failure(t *testing.T) {
	t.Parallel()
	probe := func(ctx context.Context, path string) (float64, error) { return 1, nil }
	e := New(fakeEdge(t, "echo 'No audio was received' >&2\nexit 1\n"), probe)
	_, _, err := e.SynthesizeSpeech(context.Background(), "hi", "v", 1, filepath.Join(t.TempDir(), "a.mp3"))
	if err == nil || !strings.Contains(err.Error(), "No audio was received") {
		t.Errorf("err = %v, want stderr detail", err)
	}
}

func TestSynthesizeSpeech_ProbeError(t *testing.T) {
	t.Parallel()
	probe := func(ctx context.Context, path string) (float64, error) { return 0, errors.New("boom") }
	e := New(fakeEdge(t, writeMedia), probe)
	_, _, err := e.SynthesizeSpeech(context.Background(), "hi", "v", 1, filepath.Join(t.TempDir(), "a.mp3"))
	if err == nil {
		t.Fatal("expected probe error")
	}
}

func TestSynthesizeSpeech_EmptyText(t *testing.T) {
	t.Parallel()
	e := New(fakeEdge(t, writeMedia), nil)
	if _, _, err := e.SynthesizeSpeech(context.Background(), "  ", "v", 1, "a.mp3"); err == nil {
		t.Fatal("expected error for empty text")
	}
}
