package orchestrator

import (
	"math"

	"github.com/lucasnoah/fixall/internal/config"
	"github.com/lucasnoah/fixall/internal/pipeline"
)

// StageWeights are the aggregate confidence weights. They sum to 1.
var StageWeights = map[pipeline.StageKind]float64{
	pipeline.StageTriage:   0.15,
	pipeline.StageResearch: 0.20,
	pipeline.StageFix:      0.35,
	pipeline.StageReview:   0.30,
}

// Aggregate computes the weighted confidence rollup from the final attempt
// of each stage. A stage that never ran or failed contributes 0. The
// breakdown holds the confidence used for each stage.
func Aggregate(ps *pipeline.PipelineState) (float64, map[string]float64) {
	breakdown := make(map[string]float64, len(pipeline.Stages))
	var score float64
	for _, kind := range pipeline.Stages {
		var c float64
		if r, ok := ps.Latest(kind); ok {
			c = clamp(r.ConfidenceValue())
		}
		breakdown[string(kind)] = c
		score += StageWeights[kind] * c
	}
	return clamp(math.Round(score*10000) / 10000), breakdown
}

// Labels returns the labels for a change proposal with aggregate score.
func Labels(score float64, labels config.LabelsConfig, policy config.PolicyConfig) []string {
	out := []string{labels.Base}
	switch {
	case score < policy.LowConfidence && labels.LowConfidence != "":
		out = append(out, labels.LowConfidence)
	case score >= policy.HighConfidence && labels.HighConfidence != "":
		out = append(out, labels.HighConfidence)
	}
	return out
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
