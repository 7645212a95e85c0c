// Package subtitle produces SRT subtitles for narration audio.
package subtitle

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Cue is one timed subtitle line.
type Cue struct {
	Index int
	Start time.Duration
	End   time.Duration
	Text  string
}

var timing = regexp.MustCompile(`^(\d{2}):(\d{2}):(\d{2})[,.](\d{3})\s*-->\s*(\d{2}):(\d{2}):(\d{2})[,.](\d{3})`)

// ParseSRT reads cues from r. Blocks without a valid timing line or text
// are skipped.
func ParseSRT(r io.Reader) ([]Cue, error) {
	var (
		cues  []Cue
		block []string
	)
	flush := func() {
		if c, ok := parseBlock(block); ok {
			cues = append(cues, c)
		}
		block = block[:0]
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		block = append(block, strings.TrimPrefix(line, "\ufeff"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read srt: %w", err)
	}
	flush()
	return cues, nil
}

func parseBlock(lines []string) (Cue, bool) {
	var c Cue
	if len(lines) == 0 {
		return c, false
	}
	if n, err := strconv.Atoi(strings.TrimSpace(lines[0])); err == nil {
		c.Index = n
		lines = lines[1:]
	}
	if len(lines) < 2 {
		return c, false
	}
	m := timing.FindStringSubmatch(strings.TrimSpace(lines[0]))
	if m == nil {
		return c, false
	}
	c.Start = stamp(m[1:5])
	c.End = stamp(m[5:9])
	c.Text = strings.TrimSpace(strings.Join(lines[1:], "\n"))
	return c, c.Text != ""
}

func stamp(parts []string) time.Duration {
	h, _ := strconv.Atoi(parts[0])
	m, _ := strconv.Atoi(parts[1])
	s, _ := strconv.Atoi(parts[2])
	ms, _ := strconv.Atoi(parts[3])
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second + time.Duration(ms)*time.Millisecond
}

// ParseFile parses the SRT file at path.
func ParseFile(path string) ([]Cue, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseSRT(f)
}

// FormatSRT renders cues as SRT, renumbering from 1.
func FormatSRT(cues []Cue) string {
	var sb strings.Builder
	for i, c := range cues {
		fmt.Fprintf(&sb, "%d\n%s --> %s\n%s\n\n", i+1, formatStamp(c.Start), formatStamp(c.End), c.Text)
	}
	return sb.String()
}

func formatStamp(d time.Duration) string {
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, d/time.Millisecond)
}
