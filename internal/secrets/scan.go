package secrets

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zricethezav/gitleaks/v8/detect"
	"github.com/zricethezav/gitleaks/v8/report"
)

// Finding is a detected secret. The secret value itself is never kept.
type Finding struct {
	RuleID      string
	Description string
	File        string
	Line        int
}

func (f Finding) String() string {
	loc := f.File
	if loc == "" {
		loc = "diff"
	}
	return fmt.Sprintf("%s:%d (%s)", loc, f.Line, f.RuleID)
}

// Scanner finds secrets in text. Interface for testing.
type Scanner interface {
	ScanDiff(diff string) []Finding
}

// GitleaksScanner scans content with the default gitleaks rule set.
type GitleaksScanner struct {
	detector *detect.Detector
}

// NewGitleaksScanner loads the default gitleaks configuration.
func NewGitleaksScanner() (*GitleaksScanner, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("load gitleaks config: %w", err)
	}
	return &GitleaksScanner{detector: d}, nil
}

// ScanDiff scans the added lines of a unified diff.
func (s *GitleaksScanner) ScanDiff(diff string) []Finding {
	var out []Finding
	for _, hunk := range addedLines(diff) {
		for _, f := range s.detector.DetectString(hunk.text) {
			out = append(out, toFinding(f, hunk))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Line < out[j].Line
	})
	return out
}

func toFinding(f report.Finding, h fileAdds) Finding {
	line := f.StartLine
	if line >= 0 && line < len(h.lines) {
		line = h.lines[line]
	}
	return Finding{RuleID: f.RuleID, Description: f.Description, File: h.file, Line: line}
}

// fileAdds holds the added lines of one file in a diff, joined, with the
// new-file line number of each.
type fileAdds struct {
	file  string
	text  string
	lines []int
}

// addedLines groups the "+" lines of a unified diff by file. Removed lines
// are ignored: deleting a secret is not an exposure.
func addedLines(diff string) []fileAdds {
	var (
		out     []fileAdds
		cur     *fileAdds
		buf     []string
		newLine int
	)
	flush := func() {
		if cur != nil && len(buf) > 0 {
			cur.text = strings.Join(buf, "\n")
			out = append(out, *cur)
		}
		cur, buf = nil, nil
	}

	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flush()
		case strings.HasPrefix(line, "+++ "):
			name := strings.TrimPrefix(line, "+++ ")
			name = strings.TrimPrefix(name, "b/")
			cur = &fileAdds{file: name}
		case strings.HasPrefix(line, "@@"):
			newLine = hunkStart(line)
		case strings.HasPrefix(line, "+"):
			if cur == nil {
				cur = &fileAdds{}
			}
			buf = append(buf, line[1:])
			cur.lines = append(cur.lines, newLine)
			newLine++
		case strings.HasPrefix(line, "-"), strings.HasPrefix(line, `\`):
		default:
			newLine++
		}
	}
	flush()

	// Plain text with no diff headers is scanned as a whole.
	if len(out) == 0 && !strings.Contains(diff, "diff --git ") && strings.TrimSpace(diff) != "" {
		lines := strings.Split(diff, "\n")
		nums := make([]int, len(lines))
		for i := range nums {
			nums[i] = i + 1
		}
		out = append(out, fileAdds{text: diff, lines: nums})
	}
	return out
}

// hunkStart parses the new-file start line from "@@ -a,b +c,d @@".
func hunkStart(header string) int {
	i := strings.Index(header, "+")
	if i < 0 {
		return 1
	}
	rest := header[i+1:]
	n := 0
	for _, r := range rest {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	if n == 0 {
		return 1
	}
	return n
}
