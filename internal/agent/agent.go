// Package agent runs the external code-modification agent headlessly and
// decodes its transcript.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrTimeout is returned when the agent exceeds its deadline.
var ErrTimeout = errors.New("agent timed out")

// ExitError reports a non-zero agent exit.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("agent exited with code %d", e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + tail(s, 500)
	}
	return msg
}

// Request is one agent invocation.
type Request struct {
	Prompt  string
	Dir     string
	Timeout time.Duration
}

// Result holds everything the agent produced. It is returned alongside any
// execution error so partial transcripts can still be persisted.
type Result struct {
	Transcript string // raw stdout
	Stderr     string
	ExitCode   int
	Elapsed    time.Duration
	Stream     Stream
}

// Runner executes the agent. Interface for testing.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// ClaudeRunner runs the Claude Code CLI in print mode.
type ClaudeRunner struct {
	command string
	args    []string
}

// NewClaudeRunner creates a runner. The prompt is appended after args.
func NewClaudeRunner(command string, args []string) *ClaudeRunner {
	return &ClaudeRunner{command: command, args: args}
}

// Run executes the agent in req.Dir, killing its process group when the
// deadline passes or ctx is cancelled.
func (r *ClaudeRunner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Timeout <= 0 {
		return nil, errors.New("agent timeout must be positive")
	}
	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	args := append(append([]string{}, r.args...), req.Prompt)
	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Dir = req.Dir
	setProcessGroup(cmd)
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Transcript: stdout.String(),
		Stderr:     stderr.String(),
		Elapsed:    time.Since(start),
	}
	res.Stream = ParseStream(res.Transcript)

	if err == nil {
		return res, nil
	}
	res.ExitCode = -1
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return res, fmt.Errorf("%w after %s", ErrTimeout, req.Timeout)
	case errors.Is(ctx.Err(), context.Canceled):
		return res, fmt.Errorf("agent cancelled: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &ExitError{Code: res.ExitCode, Stderr: res.Stderr}
	}
	return res, fmt.Errorf("run %s: %w", r.command, err)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
