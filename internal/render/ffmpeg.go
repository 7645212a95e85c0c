// Package render composes stock clips, narration and subtitles into the
// final videos with ffmpeg.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/reelgate/reelgate/internal/job"
	"github.com/reelgate/reelgate/internal/pipeline"
)

const (
	frameRate = 30
	fadeSecs  = 0.5
	// stderrTail bounds the ffmpeg output kept for error messages.
	stderrTail = 2048
)

type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
	Logger      *slog.Logger
}

func New(ffmpegPath, ffprobePath string, logger *slog.Logger) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath, Logger: logger}
}

// Duration returns the length of a media file in seconds.
func (f *FFmpeg) Duration(ctx context.Context, path string) (float64, error) {
	out, err := f.run(ctx, f.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", path, err)
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
	if err != nil {
		return 0, fmt.Errorf("probe %s: unexpected duration %q", path, strings.TrimSpace(out))
	}
	return d, nil
}

type segment struct {
	path     string
	duration float64
}

// CombineClips cuts each clip to at most opts.ClipDuration seconds, scales
// and crops it to the output frame, and concatenates the segments into a
// silent video as long as the narration. Clips repeat when they run out.
func (f *FFmpeg) CombineClips(ctx context.Context, clips []string, audioPath, outPath string, opts pipeline.RenderOptions) (string, error) {
	if len(clips) == 0 {
		return "", fmt.Errorf("%w: no clips to combine", job.ErrValidation)
	}
	audioDur, err := f.Duration(ctx, audioPath)
	if err != nil {
		return "", err
	}
	if audioDur <= 0 {
		return "", fmt.Errorf("%w: audio %s has no duration", job.ErrValidation, audioPath)
	}

	var pool []segment
	for _, c := range clips {
		d, err := f.Duration(ctx, c)
		if err != nil {
			f.Logger.Warn("skipping unreadable clip", "path", c, "error", err)
			continue
		}
		if d <= 0 {
			continue
		}
		pool = append(pool, segment{path: c, duration: min(d, float64(opts.ClipDuration))})
	}
	if len(pool) == 0 {
		return "", fmt.Errorf("%w: none of %d clips is readable", job.ErrValidation, len(clips))
	}
	if opts.ConcatMode == pipeline.ConcatRandom {
		rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	}

	segs := planSegments(pool, audioDur)
	args := combineArgs(segs, audioDur, outPath, opts)
	f.Logger.Info("combining clips", "segments", len(segs), "audio_seconds", audioDur, "out", outPath)
	if _, err := f.run(ctx, f.FFmpegPath, args...); err != nil {
		return "", fmt.Errorf("combine clips: %w", err)
	}
	return outPath, nil
}

// planSegments walks pool in order, looping, until the segments cover
// total seconds.
func planSegments(pool []segment, total float64) []segment {
	var (
		out     []segment
		covered float64
	)
	for i := 0; covered < total; i++ {
		s := pool[i%len(pool)]
		out = append(out, s)
		covered += s.duration
	}
	return out
}

func combineArgs(segs []segment, total float64, outPath string, opts pipeline.RenderOptions) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	for _, s := range segs {
		args = append(args, "-i", s.path)
	}

	var filter strings.Builder
	for i, s := range segs {
		fmt.Fprintf(&filter, "[%d:v]trim=duration=%.3f,setpts=PTS-STARTPTS,"+
			"scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,fps=%d,setsar=1",
			i, s.duration, opts.Width, opts.Height, opts.Width, opts.Height, frameRate)
		switch opts.Transition {
		case "fade_in":
			fmt.Fprintf(&filter, ",fade=t=in:st=0:d=%.1f", fadeSecs)
		case "fade_out":
			fmt.Fprintf(&filter, ",fade=t=out:st=%.3f:d=%.1f", max(s.duration-fadeSecs, 0), fadeSecs)
		}
		fmt.Fprintf(&filter, "[v%d];", i)
	}
	for i := range segs {
		fmt.Fprintf(&filter, "[v%d]", i)
	}
	fmt.Fprintf(&filter, "concat=n=%d:v=1:a=0[out]", len(segs))

	return append(args,
		"-filter_complex", filter.String(),
		"-map", "[out]",
		"-t", fmt.Sprintf("%.3f", total),
		"-an",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-threads", strconv.Itoa(max(opts.Threads, 1)),
		outPath,
	)
}

// EncodeVideo muxes the narration into the combined video and burns in
// subtitles when subtitlePath is set.
func (f *FFmpeg) EncodeVideo(ctx context.Context, combinedPath, audioPath, subtitlePath, outPath string, opts pipeline.RenderOptions) (string, error) {
	args := encodeArgs(combinedPath, audioPath, subtitlePath, outPath, opts)
	f.Logger.Info("encoding video", "subtitles", subtitlePath != "", "out", outPath)
	if _, err := f.run(ctx, f.FFmpegPath, args...); err != nil {
		return "", fmt.Errorf("encode video: %w", err)
	}
	return outPath, nil
}

func encodeArgs(combinedPath, audioPath, subtitlePath, outPath string, opts pipeline.RenderOptions) []string {
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", combinedPath,
		"-i", audioPath,
		"-map", "0:v", "-map", "1:a",
	}
	if subtitlePath != "" {
		fontSize := max(opts.Height/32, 24)
		args = append(args, "-vf", fmt.Sprintf(
			"subtitles='%s':force_style='Fontsize=%d,Outline=2,Alignment=2,MarginV=%d'",
			escapeFilterPath(subtitlePath), fontSize, opts.Height/10))
	}
	return append(args,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-c:a", "aac",
		"-r", strconv.Itoa(frameRate),
		"-threads", strconv.Itoa(max(opts.Threads, 1)),
		"-shortest",
		outPath,
	)
}

// ComposeVideo runs CombineClips then EncodeVideo and returns the final
// video path.
func (f *FFmpeg) ComposeVideo(ctx context.Context, clips []string, audioPath, subtitlePath, combinedPath, outPath string, opts pipeline.RenderOptions) (string, error) {
	combined, err := f.CombineClips(ctx, clips, audioPath, combinedPath, opts)
	if err != nil {
		return "", err
	}
	return f.EncodeVideo(ctx, combined, audioPath, subtitlePath, outPath, opts)
}

// escapeFilterPath quotes a path for use inside an ffmpeg filter argument.
func escapeFilterPath(p string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`)
	return r.Replace(p)
}

// run runs a tool and returns its stdout. A process killed by SIGKILL
// while ctx is still live is reported as resource exhaustion, which is how
// the kernel OOM killer ends ffmpeg.
func (f *FFmpeg) run(ctx context.Context, bin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		detail := tail(strings.TrimSpace(stderr.String()), stderrTail)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() && ws.Signal() == syscall.SIGKILL {
				return "", fmt.Errorf("%w: %s was killed: %s", job.ErrResourceExhausted, bin, detail)
			}
		}
		return "", fmt.Errorf("%s failed: %w: %s", bin, err, detail)
	}
	return stdout.String(), nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

type DependencyReport struct {
	FFmpegFound  bool   `json:"ffmpeg_found"`
	FFmpegPath   string `json:"ffmpeg_path,omitempty"`
	FFprobeFound bool   `json:"ffprobe_found"`
	FFprobePath  string `json:"ffprobe_path,omitempty"`
}

func (f *FFmpeg) DependencyStatus() DependencyReport {
	report := DependencyReport{}
	if path, err := exec.LookPath(f.FFmpegPath); err == nil {
		report.FFmpegFound = true
		report.FFmpegPath = path
	}
	if path, err := exec.LookPath(f.FFprobePath); err == nil {
		report.FFprobeFound = true
		report.FFprobePath = path
	}
	return report
}

func (f *FFmpeg) CheckDependencies() error {
	report := f.DependencyStatus()
	if !report.FFmpegFound {
		return fmt.Errorf("missing dependency: %s is not installed or not on PATH", f.FFmpegPath)
	}
	if !report.FFprobeFound {
		return fmt.Errorf("missing dependency: %s is not installed or not on PATH", f.FFprobePath)
	}
	return nil
}

// CheckTools reports the first of bins missing from PATH.
func CheckTools(bins ...string) error {
	for _, b := range bins {
		if _, err := exec.LookPath(b); err != nil {
			return fmt.Errorf("missing dependency: %s is not installed or not on PATH", b)
		}
	}
	return nil
}

var _ pipeline.Composer = (*FFmpeg)(nil)

