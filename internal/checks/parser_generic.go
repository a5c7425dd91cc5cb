package checks

// GenericParser trusts the exit code and keeps the output tail of a
// failing run, where test summaries and tracebacks usually end up.
type GenericParser struct{}

func (p *GenericParser) Parse(stdout string, stderr string, exitCode int) TestOutcome {
	if exitCode == 0 {
		return TestOutcome{Passed: true, Summary: "passed (exit code 0)"}
	}
	return rawOutcome(exitSummary(exitCode, "no parser for this output"), stdout, stderr)
}
