package prompt

import (
	"regexp"
	"strings"
)

const (
	// MaxContentLen bounds issue text placed into a brief.
	MaxContentLen = 50000
	maxLabelLen   = 100
	maxLabels     = 20

	truncatedMarker = "\n\n[TRUNCATED - content too long]"
	filtered        = "[FILTERED]"
)

type injectionRule struct {
	re   *regexp.Regexp
	repl string
}

var injectionRules = []injectionRule{
	{regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`), filtered},
	{regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)`), filtered},
	{regexp.MustCompile(`(?i)forget\s+(everything|all)\s+(above|before)`), filtered},
	{regexp.MustCompile(`(?i)new\s+instructions?:`), filtered},
	{regexp.MustCompile(`(?i)system\s*prompt:`), filtered},
	{regexp.MustCompile(`(?i)override\s*:`), filtered},
	{regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an)\s+`), "you were described as a "},
	{regexp.MustCompile(`(?i)act\s+as\s+(a|an)\s+`), "described as a "},
	{regexp.MustCompile(`(?i)output\s+only\s*:`), filtered},
	{regexp.MustCompile(`(?i)respond\s+only\s+with`), filtered},
}

// Sanitize prepares untrusted issue text for inclusion in a brief. It
// truncates, neutralizes code fences so the text cannot close a fenced
// block in the template, and rewrites instruction-override phrasing.
func Sanitize(text string) string {
	return sanitize(text, MaxContentLen)
}

func sanitize(text string, maxLen int) string {
	if text == "" {
		return ""
	}
	if len(text) > maxLen {
		text = text[:maxLen] + truncatedMarker
	}
	text = strings.ReplaceAll(text, "```", "` ` `")
	for _, r := range injectionRules {
		text = r.re.ReplaceAllString(text, r.repl)
	}
	return text
}

// SanitizeLabels caps the label count and each label's length.
func SanitizeLabels(labels []string) []string {
	if len(labels) == 0 {
		return []string{}
	}
	if len(labels) > maxLabels {
		labels = labels[:maxLabels]
	}
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if len(l) > maxLabelLen {
			l = l[:maxLabelLen]
		}
		out = append(out, sanitize(l, maxLabelLen))
	}
	return out
}
