package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// CLI drives the claude command line in print mode and reads its
// stream-json output.
type CLI struct {
	Path  string
	Model string
}

func (c *CLI) GenerateWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	args := []string{
		"--print",
		"--verbose",
		"--model", c.Model,
		"--output-format", "stream-json",
	}
	if systemPrompt != "" {
		args = append(args, "--system-prompt", systemPrompt)
	}
	args = append(args, userPrompt)

	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Env = filteredEnv()

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start claude: %w", err)
	}

	var (
		finalResult string
		streamed    strings.Builder
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		text, result, ok := parseLine(line)
		if !ok {
			continue
		}
		if result != "" {
			finalResult = result
		}
		streamed.WriteString(text)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// The CLI reports most failures on stdout as the final result.
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = finalResult
		}
		return "", wrapFatalError(fmt.Errorf("claude exited: %w: %s", err, detail))
	}

	if finalResult == "" {
		finalResult = streamed.String()
	}
	return finalResult, nil
}

// filteredEnv drops CLAUDE* variables so a nested session does not inherit
// the parent's state.
func filteredEnv() []string {
	env := os.Environ()
	filtered := make([]string, 0, len(env))
	for _, kv := range env {
		if !strings.HasPrefix(kv, "CLAUDE") {
			filtered = append(filtered, kv)
		}
	}
	return filtered
}

// parseLine extracts assistant text or the final result from one
// stream-json line.
func parseLine(line []byte) (text, result string, ok bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return "", "", false
	}

	var msgType string
	if err := json.Unmarshal(raw["type"], &msgType); err != nil {
		return "", "", false
	}

	switch msgType {
	case "assistant":
		content := raw["content"]
		if msg, found := raw["message"]; found {
			var m struct {
				Content json.RawMessage `json:"content"`
			}
			if json.Unmarshal(msg, &m) == nil && m.Content != nil {
				content = m.Content
			}
		}
		return extractAssistantText(content), "", true

	case "result":
		if err := json.Unmarshal(raw["result"], &result); err != nil {
			return "", "", false
		}
		return "", result, true
	}
	return "", "", false
}

func extractAssistantText(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
