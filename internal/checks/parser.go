package checks

import (
	"fmt"
	"strings"
)

// TestFailure names one failing test, or a package that did not build.
type TestFailure struct {
	Test    string `json:"test"`
	Where   string `json:"where,omitempty"` // package or suite file
	Message string `json:"message,omitempty"`
}

func (f TestFailure) String() string {
	s := f.Test
	if f.Where != "" {
		s = f.Where + ": " + s
	}
	if msg := firstLine(f.Message); msg != "" {
		s += "\n    " + msg
	}
	return s
}

// TestOutcome is what a parser reads out of a test command's output.
// Output holds the raw tail only when no failure could be named.
type TestOutcome struct {
	Passed   bool          `json:"passed"`
	Summary  string        `json:"summary"`
	Failures []TestFailure `json:"failures,omitempty"`
	Output   string        `json:"output,omitempty"`
}

// Parser reads the output of one test command.
type Parser interface {
	Parse(stdout string, stderr string, exitCode int) TestOutcome
}

// maxOutputLen caps the raw output an outcome keeps.
const maxOutputLen = 8000

// rawOutcome is the failed outcome for output no parser understood.
func rawOutcome(summary, stdout, stderr string) TestOutcome {
	out := strings.TrimSpace(strings.TrimSpace(stdout) + "\n" + strings.TrimSpace(stderr))
	return TestOutcome{Summary: summary, Output: tail(out, maxOutputLen)}
}

func exitSummary(exitCode int, what string) string {
	return fmt.Sprintf("exit code %d (%s)", exitCode, what)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
