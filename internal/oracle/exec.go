package oracle

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// commandResult is the captured run of one engine executable.
type commandResult struct {
	Output string
	Err    error
}

// commandRunner runs name with args inside dir. Tests swap it for a fake engine.
type commandRunner func(ctx context.Context, dir, name string, args ...string) commandResult

func runCommand(ctx context.Context, dir, name string, args ...string) commandResult {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	// engines that ignore SIGKILL on their children still release the pipes
	cmd.WaitDelay = 5 * time.Second
	out, err := cmd.CombinedOutput()
	return commandResult{Output: strings.TrimSpace(string(out)), Err: err}
}

// matchIndicator returns the first indicator contained in output.
func matchIndicator(output string, indicators []string) string {
	for _, ind := range indicators {
		if ind != "" && strings.Contains(output, ind) {
			return ind
		}
	}
	return ""
}

// tail returns the last n bytes of s for log messages.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
