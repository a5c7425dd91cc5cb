package stage

import "testing"

func TestClassificationFixable(t *testing.T) {
	for _, c := range []Classification{FixableCode, FixableConfig} {
		if !c.Fixable() {
			t.Errorf("%s should be fixable", c)
		}
	}
	for _, c := range []Classification{NeedsClarification, NeedsHuman, AlreadyDone, OutOfScope, Duplicate} {
		if c.Fixable() {
			t.Errorf("%s should not be fixable", c)
		}
		if !c.Known() {
			t.Errorf("%s should be known", c)
		}
	}
	if Classification("MAYBE").Known() {
		t.Error("MAYBE should not be known")
	}
}

func TestConfidenceTrailer(t *testing.T) {
	tests := []struct {
		msg   string
		want  float64
		found bool
	}{
		{"Fix bug\n\nConfidence: 0.85", 0.85, true},
		{"Fix bug\n\nconfidence: .9\n", 0.9, true},
		{"Fix bug\n\nConfidence: 75%", 0.75, true},
		{"Fix bug\n\nConfidence: 80", 0.8, true},
		{"Fix bug\n\nConfidence: 0.5\nConfidence: 0.6", 0.6, true},
		{"Fix bug", 0, false},
		{"Improve confidence: scoring in module", 0, false},
		{"Fix\n\nConfidence: 250", 0, false},
	}
	for _, tt := range tests {
		got, found := ConfidenceTrailer(tt.msg)
		if found != tt.found || got != tt.want {
			t.Errorf("ConfidenceTrailer(%q) = %v, %v; want %v, %v", tt.msg, got, found, tt.want, tt.found)
		}
	}
}

func TestFixFallback(t *testing.T) {
	p, ok := FixFallback(Evidence{CommitsAhead: 2, HeadMessage: "Handle empty config\n\nbody"})
	if !ok {
		t.Error("commits ahead should count as success")
	}
	if *p.Confidence != FixFallbackConfidence {
		t.Errorf("confidence = %v, want %v", *p.Confidence, FixFallbackConfidence)
	}
	if p.Summary != "Handle empty config" {
		t.Errorf("summary = %q", p.Summary)
	}

	if _, ok := FixFallback(Evidence{}); ok {
		t.Error("no commits should not count as success")
	}
}

func TestReviewFallback(t *testing.T) {
	p := ReviewFallback()
	if p.Verdict != Approve || *p.Confidence != ReviewFallbackConfidence {
		t.Errorf("ReviewFallback = %+v", p)
	}
	if len(p.Concerns) == 0 {
		t.Error("fallback should explain manual review")
	}
}
