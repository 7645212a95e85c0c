package subtitle

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Whisper transcribes audio with the openai-whisper command line.
type Whisper struct {
	Path   string
	Model  string
	Logger *slog.Logger
}

func NewWhisper(path, model string, logger *slog.Logger) *Whisper {
	if path == "" {
		path = "whisper"
	}
	if model == "" {
		model = "base"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Whisper{Path: path, Model: model, Logger: logger}
}

// ExtractSubtitles writes an SRT transcript of audioPath to outPath. It
// returns an empty path when the transcript has no usable cues.
func (w *Whisper) ExtractSubtitles(ctx context.Context, audioPath, outPath string) (string, error) {
	workDir, err := os.MkdirTemp(filepath.Dir(outPath), ".whisper-*")
	if err != nil {
		return "", fmt.Errorf("create whisper dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	cmd := exec.CommandContext(ctx, w.Path, audioPath,
		"--model", w.Model,
		"--output_format", "srt",
		"--output_dir", workDir,
		"--verbose", "False",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("whisper failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	base := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	produced := filepath.Join(workDir, base+".srt")
	cues, err := ParseFile(produced)
	if err != nil {
		return "", fmt.Errorf("read whisper output: %w", err)
	}
	if len(cues) == 0 {
		w.Logger.Warn("whisper produced no subtitles", "audio", audioPath)
		return "", nil
	}
	if err := os.WriteFile(outPath, []byte(FormatSRT(cues)), 0o644); err != nil {
		return "", fmt.Errorf("write subtitles: %w", err)
	}
	return outPath, nil
}
