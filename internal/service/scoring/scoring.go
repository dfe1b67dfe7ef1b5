// Package scoring turns a metrics snapshot into one aggregate score (0-100)
// per agent. Scores drive every lifecycle decision, so the computation is a
// pure function of its inputs.
package scoring

import "github.com/ashita-ai/darwin/internal/model"

// MinScore and MaxScore bound every aggregate.
const (
	MinScore = 0.0
	MaxScore = 100.0
)

// Result is an aggregate score plus the components that were absent from the
// snapshot and counted as zero.
type Result struct {
	Score   float64  `json:"score"`
	Missing []string `json:"missing,omitempty"`
}

// Warnings renders one message per missing component.
func (r Result) Warnings() []string {
	if len(r.Missing) == 0 {
		return nil
	}
	out := make([]string, len(r.Missing))
	for i, name := range r.Missing {
		out[i] = "missing metric " + name + ", counted as 0"
	}
	return out
}

// Aggregate computes the weighted sum of a snapshot's components.
//
//	score = 0.30*code_quality + 0.20*issue_resolution + 0.20*pr_success
//	      + 0.15*peer_review + 0.15*creativity
//
// with the stock weights. Absent components count as 0 and are reported in
// Result.Missing. Invalid weights or out-of-range components are rejected.
func Aggregate(s model.MetricsSnapshot, w model.Weights) (Result, error) {
	if err := w.Validate(); err != nil {
		return Result{}, err
	}
	if err := s.Validate(); err != nil {
		return Result{}, err
	}

	var res Result
	weights := w.Values()
	for i, name := range model.MetricNames {
		v, ok := s.Value(name)
		if !ok {
			res.Missing = append(res.Missing, name)
			continue
		}
		res.Score += weights[i] * v
	}
	res.Score = clamp(res.Score)
	return res, nil
}

// clamp absorbs float drift from weights that sum to 1.0 only within tolerance.
func clamp(v float64) float64 {
	switch {
	case v < MinScore:
		return MinScore
	case v > MaxScore:
		return MaxScore
	default:
		return v
	}
}
