// Package analytics computes longitudinal run statistics from the metrics
// record each pipeline run appends.
package analytics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lucasnoah/fixall/internal/pipeline"
)

// Report is the full statistics view over a set of runs.
type Report struct {
	Since           string                   `json:"since,omitempty"`
	Total           int                      `json:"total"`
	Outcomes        map[pipeline.Outcome]int `json:"outcomes"`
	CompletionRate  float64                  `json:"completion_rate_pct"`
	AvgConfidence   float64                  `json:"avg_confidence"`
	ConfidenceBands ConfidenceBands          `json:"confidence_bands"`
	ManualReview    int                      `json:"manual_review"`
	TotalCostUSD    float64                  `json:"total_cost_usd"`
	AvgCostUSD      float64                  `json:"avg_cost_usd"`
	Stages          []StageDuration          `json:"stages"`
	Revisions       RevisionDist             `json:"revisions"`
	SkipReasons     []Count                  `json:"skip_classifications,omitempty"`
	Weekly          []Throughput             `json:"weekly,omitempty"`
}

// StageDuration holds duration stats for a stage, in seconds.
type StageDuration struct {
	Stage string  `json:"stage"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
}

// ConfidenceBands counts runs by aggregate confidence band.
type ConfidenceBands struct {
	Low  int `json:"low"`
	Mid  int `json:"mid"`
	High int `json:"high"`
}

// RevisionDist is the distribution of revision rounds among runs that reached review.
type RevisionDist struct {
	Total     int     `json:"total"`
	Zero      float64 `json:"zero_pct"`
	One       float64 `json:"one_pct"`
	TwoPlus   float64 `json:"two_plus_pct"`
	AvgRounds float64 `json:"avg_rounds"`
}

// Count is a labelled counter.
type Count struct {
	Label string `json:"label"`
	N     int    `json:"n"`
}

// Throughput holds run counts for one ISO week.
type Throughput struct {
	Period    string `json:"period"`
	Runs      int    `json:"runs"`
	Completed int    `json:"completed"`
	Skipped   int    `json:"skipped"`
	Blocked   int    `json:"blocked"`
	Failed    int    `json:"failed"`
}

// Bands are the confidence thresholds used to bucket runs.
type Bands struct {
	Low  float64
	High float64
}

// DefaultBands matches the default label thresholds.
var DefaultBands = Bands{Low: 0.6, High: 0.8}

var timestampFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, f := range timestampFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// ParseSince parses a --since value: a date, a timestamp, or a Go duration
// meaning "that long ago".
func ParseSince(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	return parseTimestamp(s)
}

// Compute builds the report over records at or after since. Records with
// unparseable timestamps are kept only when since is zero.
func Compute(records []pipeline.MetricsRecord, since time.Time, bands Bands) *Report {
	r := &Report{
		Outcomes: make(map[pipeline.Outcome]int),
	}
	if !since.IsZero() {
		r.Since = since.UTC().Format(time.RFC3339)
	}

	stageDurations := make(map[string][]float64)
	skipClasses := make(map[string]int)
	weekly := make(map[string]*Throughput)
	var confSum float64
	var reviewed, zero, one, twoPlus, rounds int

	for _, rec := range records {
		ts, err := parseTimestamp(rec.Timestamp)
		if !since.IsZero() && (err != nil || ts.Before(since)) {
			continue
		}

		r.Total++
		r.Outcomes[rec.Outcome]++
		r.TotalCostUSD += rec.CostUSD
		confSum += rec.AggregateConfidence
		if rec.NeedsManualReview {
			r.ManualReview++
		}

		switch {
		case rec.AggregateConfidence >= bands.High:
			r.ConfidenceBands.High++
		case rec.AggregateConfidence < bands.Low:
			r.ConfidenceBands.Low++
		default:
			r.ConfidenceBands.Mid++
		}

		for stage, secs := range rec.StageDurations {
			stageDurations[stage] = append(stageDurations[stage], secs)
		}

		if _, ok := rec.StageDurations[string(pipeline.StageReview)]; ok {
			reviewed++
			rounds += rec.Revisions
			switch rec.Revisions {
			case 0:
				zero++
			case 1:
				one++
			default:
				twoPlus++
			}
		}

		if rec.Outcome == pipeline.OutcomeSkipped && rec.Classification != "" {
			skipClasses[rec.Classification]++
		}

		if err == nil {
			year, week := ts.ISOWeek()
			period := fmt.Sprintf("%d-W%02d", year, week)
			tp, ok := weekly[period]
			if !ok {
				tp = &Throughput{Period: period}
				weekly[period] = tp
			}
			tp.Runs++
			switch rec.Outcome {
			case pipeline.OutcomeCompleted:
				tp.Completed++
			case pipeline.OutcomeSkipped:
				tp.Skipped++
			case pipeline.OutcomeBlocked:
				tp.Blocked++
			default:
				tp.Failed++
			}
		}
	}

	if r.Total > 0 {
		r.CompletionRate = pct(r.Outcomes[pipeline.OutcomeCompleted], r.Total)
		r.AvgConfidence = round(confSum/float64(r.Total), 100)
		r.AvgCostUSD = round(r.TotalCostUSD/float64(r.Total), 100)
	}
	r.TotalCostUSD = round(r.TotalCostUSD, 100)

	for _, stage := range pipeline.Stages {
		values := stageDurations[string(stage)]
		if len(values) == 0 {
			continue
		}
		sort.Float64s(values)
		r.Stages = append(r.Stages, StageDuration{
			Stage: string(stage),
			Count: len(values),
			Avg:   avg(values),
			P50:   percentile(values, 50),
			P95:   percentile(values, 95),
		})
	}

	r.Revisions = RevisionDist{Total: reviewed}
	if reviewed > 0 {
		r.Revisions.Zero = pct(zero, reviewed)
		r.Revisions.One = pct(one, reviewed)
		r.Revisions.TwoPlus = pct(twoPlus, reviewed)
		r.Revisions.AvgRounds = round(float64(rounds)/float64(reviewed), 100)
	}

	for label, n := range skipClasses {
		r.SkipReasons = append(r.SkipReasons, Count{Label: label, N: n})
	}
	sort.Slice(r.SkipReasons, func(i, j int) bool {
		if r.SkipReasons[i].N != r.SkipReasons[j].N {
			return r.SkipReasons[i].N > r.SkipReasons[j].N
		}
		return r.SkipReasons[i].Label < r.SkipReasons[j].Label
	})

	for _, tp := range weekly {
		r.Weekly = append(r.Weekly, *tp)
	}
	sort.Slice(r.Weekly, func(i, j int) bool {
		return r.Weekly[i].Period > r.Weekly[j].Period
	})
	if len(r.Weekly) > 10 {
		r.Weekly = r.Weekly[:10]
	}

	return r
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}

func round(v float64, scale float64) float64 {
	return math.Round(v*scale) / scale
}
