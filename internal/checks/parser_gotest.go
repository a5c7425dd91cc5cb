package checks

import (
	"fmt"
	"strings"
)

// GoTestParser reads plain `go test ./...` output. The log lines printed
// under a "--- FAIL" line become that failure's message.
type GoTestParser struct{}

func (p *GoTestParser) Parse(stdout string, stderr string, exitCode int) TestOutcome {
	var (
		failures   []TestFailure
		pending    []int // failures not yet attributed to a package
		current    = -1  // failure collecting log lines
		okPkgs     int
		failedPkgs int
		buildErrs  int
	)
	for _, line := range strings.Split(stdout+"\n"+stderr, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "--- FAIL: "):
			name := strings.TrimPrefix(trimmed, "--- FAIL: ")
			if i := strings.Index(name, " ("); i >= 0 {
				name = name[:i]
			}
			failures = append(failures, TestFailure{Test: name})
			current = len(failures) - 1
			pending = append(pending, current)
		case strings.HasPrefix(line, "ok "), strings.HasPrefix(line, "ok\t"):
			okPkgs++
			current = -1
		case strings.Contains(line, "[build failed]"), strings.Contains(line, "[setup failed]"):
			buildErrs++
			failures = append(failures, TestFailure{Test: "(build)", Where: field(line, 1), Message: trimmed})
			current = -1
		case strings.HasPrefix(line, "FAIL\t"):
			failedPkgs++
			for _, i := range pending {
				failures[i].Where = field(line, 1)
			}
			pending, current = nil, -1
		case current >= 0 && strings.HasPrefix(line, "    ") && trimmed != "":
			if failures[current].Message == "" {
				failures[current].Message = trimmed
			}
		}
	}

	tests := len(failures) - buildErrs
	out := TestOutcome{
		Passed:   exitCode == 0 && len(failures) == 0 && failedPkgs == 0,
		Summary:  fmt.Sprintf("%d packages ok, %d failed, %d failing tests", okPkgs, failedPkgs, tests),
		Failures: failures,
	}
	if buildErrs > 0 {
		out.Summary += fmt.Sprintf(", %d build errors", buildErrs)
	}
	if exitCode != 0 && len(failures) == 0 && failedPkgs == 0 {
		return rawOutcome(exitSummary(exitCode, "no test results found"), stdout, stderr)
	}
	return out
}

func field(line string, n int) string {
	if f := strings.Fields(line); len(f) > n {
		return f[n]
	}
	return ""
}
