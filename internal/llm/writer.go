package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/reelgate/reelgate/internal/retry"
)

const scriptSystemPrompt = `You write narration scripts for short vertical videos.
Rules:
1. Return only the narration text, no title, no headings, no markdown
2. Do not describe visuals, music or camera directions
3. Do not refer to the prompt or to yourself
4. Separate paragraphs with a blank line`

const termsSystemPrompt = `You pick stock footage search terms for a video.
Return a JSON array of strings and nothing else, for example ["city at night", "ocean waves"].
Each term is one to three English words describing something a camera can film.`

// Writer implements the script and terms steps of the pipeline on top of
// a Generator.
type Writer struct {
	gen    Generator
	policy retry.Policy
}

func NewWriter(gen Generator, policy retry.Policy) *Writer {
	return &Writer{gen: gen, policy: policy}
}

func (w *Writer) GenerateScript(ctx context.Context, subject, language string, paragraphs int) (string, error) {
	prompt := fmt.Sprintf("Subject: %s\nParagraphs: %d", subject, max(paragraphs, 1))
	if language != "" {
		prompt += "\nLanguage: " + language
	}

	var script string
	err := retry.Do(ctx, w.policy, "generate script", func(ctx context.Context, attempt int) error {
		out, err := w.gen.GenerateWithSystem(ctx, scriptSystemPrompt, prompt)
		if err != nil {
			return err
		}
		out = cleanScript(out)
		if out == "" {
			return fmt.Errorf("empty script for subject %q", subject)
		}
		script = out
		return nil
	})
	if err != nil {
		return "", err
	}
	slog.Debug("script generated", "subject", subject, "chars", len(script))
	return script, nil
}

func (w *Writer) GenerateTerms(ctx context.Context, subject, script string, count int) ([]string, error) {
	prompt := fmt.Sprintf("Generate %d search terms.\nSubject: %s\n\nScript:\n%s", count, subject, script)

	var terms []string
	err := retry.Do(ctx, w.policy, "generate terms", func(ctx context.Context, attempt int) error {
		out, err := w.gen.GenerateWithSystem(ctx, termsSystemPrompt, prompt)
		if err != nil {
			return err
		}
		parsed, err := parseTerms(out)
		if err != nil {
			return err
		}
		terms = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	if count > 0 && len(terms) > count {
		terms = terms[:count]
	}
	return terms, nil
}

var markdownNoise = regexp.MustCompile(`(?m)^\s*(#+\s*|\*\*|[-*]\s+)`)

// cleanScript strips code fences and markdown markers a model may add
// despite instructions.
func cleanScript(s string) string {
	s = stripCodeFences(s)
	s = markdownNoise.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "**", "")
	return strings.TrimSpace(s)
}

// parseTerms reads a JSON string array, tolerating fences and chatter
// around it.
func parseTerms(s string) ([]string, error) {
	s = stripCodeFences(s)
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start == -1 || end < start {
		return nil, fmt.Errorf("no JSON array in terms response: %q", truncate(s, 80))
	}
	var raw []string
	if err := json.Unmarshal([]byte(s[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decode terms: %w", err)
	}
	var terms []string
	seen := make(map[string]bool, len(raw))
	for _, t := range raw {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if t == "" || seen[key] {
			continue
		}
		seen[key] = true
		terms = append(terms, t)
	}
	if len(terms) == 0 {
		return nil, fmt.Errorf("terms response has no usable terms")
	}
	return terms, nil
}

// stripCodeFences removes markdown code fences that LLMs sometimes add.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
