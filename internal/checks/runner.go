package checks

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout applies when a check has no timeout configured.
const DefaultTimeout = 10 * time.Minute

// Result holds the structured output of a check run.
type Result struct {
	CheckName  string        `json:"check_name"`
	Passed     bool          `json:"passed"`
	TimedOut   bool          `json:"timed_out,omitempty"`
	ExitCode   int           `json:"exit_code"`
	DurationMs int           `json:"duration_ms"`
	Summary    string        `json:"summary"`
	Failures   []TestFailure `json:"failures,omitempty"`
	Output     string        `json:"output,omitempty"`
	Stdout     string        `json:"stdout,omitempty"`
	Stderr     string        `json:"stderr,omitempty"`
}

// Report renders the result for inclusion in a stage brief. Output beyond
// maxLen bytes is cut from the front.
func (r *Result) Report(maxLen int) string {
	status := "PASSED"
	if !r.Passed {
		status = "FAILED"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", status, r.Summary)
	if r.Passed {
		return b.String()
	}
	var out string
	switch {
	case len(r.Failures) > 0:
		lines := make([]string, len(r.Failures))
		for i, f := range r.Failures {
			lines[i] = "- " + f.String()
		}
		out = strings.Join(lines, "\n")
	case r.Output != "":
		out = r.Output
	default:
		out = strings.TrimSpace(r.Stdout + "\n" + r.Stderr)
	}
	if out != "" {
		b.WriteString("\n\n")
		b.WriteString(tail(out, maxLen))
	}
	return b.String()
}

// CheckConfig is a single command to run in the workspace.
type CheckConfig struct {
	Name    string
	Command string
	Parser  string
	Timeout time.Duration
}

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir string, command string) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out. The command runs in
// its own process group so a timeout kills everything it started.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	setProcessGroup(cmd)
	cmd.WaitDelay = 5 * time.Second

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdoutBuf.String(), stderrBuf.String(), -1, ctxErr
	}
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Runner executes checks and parses their output.
type Runner struct {
	cmd     CommandRunner
	parsers map[string]Parser
}

// NewRunner creates a Runner with the given command runner.
func NewRunner(cmd CommandRunner) *Runner {
	r := &Runner{
		cmd:     cmd,
		parsers: make(map[string]Parser),
	}
	r.parsers["gotest"] = &GoTestParser{}
	r.parsers["vitest"] = &VitestParser{}
	r.parsers["generic"] = &GenericParser{}
	return r
}

// Run executes a single check in the given directory. A timeout is reported
// as a failed result, not an error; cancellation of ctx itself is an error.
func (r *Runner) Run(ctx context.Context, dir string, cfg CheckConfig) (*Result, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, err := r.cmd.Run(runCtx, dir, cfg.Command)
	durationMs := int(time.Since(start).Milliseconds())

	if err != nil {
		if ctx.Err() == nil && runCtx.Err() == context.DeadlineExceeded {
			return &Result{
				CheckName:  cfg.Name,
				Passed:     false,
				TimedOut:   true,
				ExitCode:   -1,
				DurationMs: durationMs,
				Summary:    fmt.Sprintf("timeout after %s", timeout),
				Stdout:     stdout,
				Stderr:     stderr,
			}, nil
		}
		return nil, fmt.Errorf("run check %q: %w", cfg.Name, err)
	}

	parser, ok := r.parsers[cfg.Parser]
	if !ok {
		parser = r.parsers["generic"]
	}
	parsed := parser.Parse(stdout, stderr, exitCode)

	return &Result{
		CheckName:  cfg.Name,
		Passed:     exitCode == 0 && parsed.Passed,
		ExitCode:   exitCode,
		DurationMs: durationMs,
		Summary:    parsed.Summary,
		Failures:   parsed.Failures,
		Output:     parsed.Output,
		Stdout:     stdout,
		Stderr:     stderr,
	}, nil
}

func tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return "…(truncated)\n" + s[len(s)-n:]
}
