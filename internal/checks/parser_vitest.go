package checks

import (
	"encoding/json"
	"fmt"
)

// VitestParser reads the JSON report of `vitest run --reporter=json`
// (jest writes the same shape with --json).
type VitestParser struct{}

type vitestReport struct {
	Total   int          `json:"numTotalTests"`
	Passed  int          `json:"numPassedTests"`
	Failed  int          `json:"numFailedTests"`
	Pending int          `json:"numPendingTests"`
	Files   []vitestFile `json:"testResults"`
}

type vitestFile struct {
	Name       string       `json:"name"`
	Message    string       `json:"message"`
	Assertions []vitestCase `json:"assertionResults"`
}

type vitestCase struct {
	FullName string   `json:"fullName"`
	Status   string   `json:"status"`
	Messages []string `json:"failureMessages"`
}

func (p *VitestParser) Parse(stdout string, stderr string, exitCode int) TestOutcome {
	var rep vitestReport
	if err := json.Unmarshal([]byte(stdout), &rep); err != nil {
		return rawOutcome(exitSummary(exitCode, "could not parse test JSON"), stdout, stderr)
	}

	var failures []TestFailure
	for _, file := range rep.Files {
		named := false
		for _, c := range file.Assertions {
			if c.Status != "failed" {
				continue
			}
			f := TestFailure{Test: c.FullName, Where: file.Name}
			if len(c.Messages) > 0 {
				f.Message = c.Messages[0]
			}
			failures = append(failures, f)
			named = true
		}
		// A file that failed to load has a message but no failed cases.
		if !named && file.Message != "" {
			failures = append(failures, TestFailure{Test: "(suite)", Where: file.Name, Message: file.Message})
		}
	}

	return TestOutcome{
		Passed:   exitCode == 0 && rep.Failed == 0 && len(failures) == 0,
		Summary:  fmt.Sprintf("%d passed, %d failed, %d skipped out of %d", rep.Passed, rep.Failed, rep.Pending, rep.Total),
		Failures: failures,
	}
}
