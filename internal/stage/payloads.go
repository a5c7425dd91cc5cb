package stage

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Classification is the triage verdict on an issue.
type Classification string

const (
	FixableCode        Classification = "FIXABLE_CODE"
	FixableConfig      Classification = "FIXABLE_CONFIG"
	NeedsClarification Classification = "NEEDS_CLARIFICATION"
	NeedsHuman         Classification = "NEEDS_HUMAN"
	AlreadyDone        Classification = "ALREADY_DONE"
	OutOfScope         Classification = "OUT_OF_SCOPE"
	Duplicate          Classification = "DUPLICATE"
)

// Known reports whether c is a recognised classification.
func (c Classification) Known() bool {
	switch c {
	case FixableCode, FixableConfig, NeedsClarification, NeedsHuman, AlreadyDone, OutOfScope, Duplicate:
		return true
	}
	return false
}

// Fixable reports whether c permits an automated fix.
func (c Classification) Fixable() bool {
	return c == FixableCode || c == FixableConfig
}

// Verdict is the review decision on a fix.
type Verdict string

const (
	Approve        Verdict = "APPROVE"
	RequestChanges Verdict = "REQUEST_CHANGES"
	Block          Verdict = "BLOCK"
)

// Known reports whether v is a recognised verdict.
func (v Verdict) Known() bool {
	return v == Approve || v == RequestChanges || v == Block
}

// TriagePayload is the structured result of the TRIAGE stage.
type TriagePayload struct {
	Classification      Classification `json:"classification"`
	Confidence          *float64       `json:"confidence"`
	ClarityScore        *float64       `json:"clarity_score,omitempty"`
	FeasibilityScore    *float64       `json:"feasibility_score,omitempty"`
	Summary             string         `json:"summary"`
	Reasoning           string         `json:"reasoning,omitempty"`
	Risks               []string       `json:"risks,omitempty"`
	SuggestedApproach   string         `json:"suggested_approach,omitempty"`
	QuestionsIfUnclear  []string       `json:"questions_if_unclear,omitempty"`
	EstimatedComplexity string         `json:"estimated_complexity,omitempty"`
}

// Validate implements Validator.
func (p *TriagePayload) Validate() error {
	if !p.Classification.Known() {
		return fmt.Errorf("unknown classification %q", p.Classification)
	}
	return validateConfidence(p.Confidence)
}

// ResearchPayload is the structured result of the RESEARCH stage.
type ResearchPayload struct {
	Confidence    *float64   `json:"confidence"`
	FilesAnalyzed []string   `json:"files_analyzed,omitempty"`
	RootCause     FlexString `json:"root_cause"`
	ProposedFix   FlexString `json:"proposed_fix,omitempty"`
	AffectedAreas []string   `json:"affected_areas,omitempty"`
	TestStrategy  FlexString `json:"test_strategy,omitempty"`
}

// Validate implements Validator.
func (p *ResearchPayload) Validate() error {
	return validateConfidence(p.Confidence)
}

// FixPayload is the structured result of the FIX stage.
type FixPayload struct {
	Confidence   *float64 `json:"confidence"`
	FilesChanged []string `json:"files_changed,omitempty"`
	Summary      string   `json:"summary"`
	TestsAdded   []string `json:"tests_added,omitempty"`
	TestingNotes string   `json:"testing_notes,omitempty"`
	Caveats      []string `json:"caveats,omitempty"`
}

// Validate implements Validator.
func (p *FixPayload) Validate() error {
	return validateConfidence(p.Confidence)
}

// ReviewPayload is the structured result of the REVIEW stage.
type ReviewPayload struct {
	Verdict     Verdict  `json:"verdict"`
	Approved    bool     `json:"approved"`
	Confidence  *float64 `json:"confidence"`
	Concerns    []string `json:"concerns,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Validate implements Validator.
func (p *ReviewPayload) Validate() error {
	if !p.Verdict.Known() {
		return fmt.Errorf("unknown verdict %q", p.Verdict)
	}
	return validateConfidence(p.Confidence)
}

func validateConfidence(c *float64) error {
	if c == nil {
		return fmt.Errorf("confidence is required")
	}
	if *c < 0 || *c > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", *c)
	}
	return nil
}

// Fallback confidences applied when no structured result validates.
const (
	TriageFallbackConfidence   = 0.3
	ResearchFallbackConfidence = 0.3
	FixFallbackConfidence      = 0.7
	ReviewFallbackConfidence   = 0.5
)

// TriageFallback does not let the pipeline proceed.
func TriageFallback() TriagePayload {
	return TriagePayload{
		Classification: NeedsClarification,
		Confidence:     floatPtr(TriageFallbackConfidence),
		Summary:        "Triage produced no structured result.",
		QuestionsIfUnclear: []string{
			"Could you add steps to reproduce and the expected behaviour?",
		},
	}
}

// ResearchFallback carries no findings; FIX proceeds on the issue text alone.
func ResearchFallback() ResearchPayload {
	return ResearchPayload{Confidence: floatPtr(ResearchFallbackConfidence)}
}

// ReviewFallback approves so a working fix is not lost, and says why.
func ReviewFallback() ReviewPayload {
	return ReviewPayload{
		Verdict:    Approve,
		Approved:   true,
		Confidence: floatPtr(ReviewFallbackConfidence),
		Concerns:   []string{"Automated review produced no structured verdict. Manual review required."},
	}
}

// Evidence describes what a FIX attempt left in the workspace.
type Evidence struct {
	CommitsAhead int
	HeadMessage  string
	FilesChanged []string
}

// FixFallback derives a FIX result from workspace evidence. ok is false
// when the attempt left no commits.
func FixFallback(ev Evidence) (p FixPayload, ok bool) {
	conf := FixFallbackConfidence
	if c, found := ConfidenceTrailer(ev.HeadMessage); found {
		conf = c
	}
	p = FixPayload{
		Confidence:   floatPtr(conf),
		FilesChanged: ev.FilesChanged,
		Summary:      commitSubject(ev.HeadMessage),
	}
	return p, ev.CommitsAhead > 0
}

var trailerRe = regexp.MustCompile(`(?mi)^\s*confidence:\s*([0-9]*\.?[0-9]+)\s*(%?)\s*$`)

// ConfidenceTrailer reads a "Confidence: 0.85" (or "85%") trailer from a
// commit message. The last trailer wins.
func ConfidenceTrailer(msg string) (float64, bool) {
	matches := trailerRe.FindAllStringSubmatch(msg, -1)
	if len(matches) == 0 {
		return 0, false
	}
	m := matches[len(matches)-1]
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	if m[2] == "%" || v > 1 {
		v /= 100
	}
	if v < 0 || v > 1 {
		return 0, false
	}
	return v, true
}

func commitSubject(msg string) string {
	subject, _, _ := strings.Cut(strings.TrimSpace(msg), "\n")
	return strings.TrimSpace(subject)
}

func floatPtr(f float64) *float64 {
	return &f
}
