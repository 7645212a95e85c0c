package cli

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var errNoTmux = errors.New("tmux not found")

// keepalive holds an interactive claude session open in a detached tmux
// session. While that session lives the CLI keeps its OAuth token fresh,
// which the non-interactive calls made by the llm package rely on.
type keepalive struct {
	tmux    string
	session string
	claude  string
}

func newKeepalive(claudePath string) *keepalive {
	return &keepalive{tmux: "tmux", session: "reelgate-claude-keepalive", claude: claudePath}
}

// ensure starts the session unless one with the same name survives from an
// earlier run. It reports whether a new session was created.
func (k *keepalive) ensure() (bool, error) {
	bin, err := exec.LookPath(k.tmux)
	if err != nil {
		return false, errNoTmux
	}
	if exec.Command(bin, "has-session", "-t", k.session).Run() == nil {
		return false, nil
	}
	out, err := exec.Command(bin, "new-session", "-d", "-s", k.session, k.claude).CombinedOutput()
	if err != nil {
		return false, fmt.Errorf("tmux new-session %s: %w: %s", k.session, err, strings.TrimSpace(string(out)))
	}
	return true, nil
}
