package model

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Metric component names, in the order they are reported and weighted.
const (
	MetricCodeQuality     = "code_quality"
	MetricIssueResolution = "issue_resolution"
	MetricPRSuccess       = "pr_success"
	MetricPeerReview      = "peer_review"
	MetricCreativity      = "creativity"
)

// MetricNames lists every component in canonical order.
var MetricNames = []string{
	MetricCodeQuality,
	MetricIssueResolution,
	MetricPRSuccess,
	MetricPeerReview,
	MetricCreativity,
}

// WeightTolerance is the allowed drift of the weight sum from 1.0.
const WeightTolerance = 1e-9

var (
	// ErrInvalidWeights is returned when a weight configuration does not sum to 1.0.
	ErrInvalidWeights = errors.New("model: invalid metric weights")

	// ErrInvalidSnapshot is returned when a snapshot component is outside [0,100].
	ErrInvalidSnapshot = errors.New("model: invalid metrics snapshot")
)

// MetricsSnapshot holds the five externally computed percentages for one agent.
// A nil component was not reported.
type MetricsSnapshot struct {
	CodeQuality     *float64  `json:"code_quality,omitempty"`
	IssueResolution *float64  `json:"issue_resolution,omitempty"`
	PRSuccess       *float64  `json:"pr_success,omitempty"`
	PeerReview      *float64  `json:"peer_review,omitempty"`
	Creativity      *float64  `json:"creativity,omitempty"`
	CollectedAt     time.Time `json:"collected_at"`
}

// Components returns the snapshot's values keyed by metric name. Missing
// components are absent from the map.
func (s MetricsSnapshot) Components() map[string]float64 {
	out := make(map[string]float64, len(MetricNames))
	for i, v := range s.values() {
		if v != nil {
			out[MetricNames[i]] = *v
		}
	}
	return out
}

func (s MetricsSnapshot) values() [5]*float64 {
	return [5]*float64{s.CodeQuality, s.IssueResolution, s.PRSuccess, s.PeerReview, s.Creativity}
}

// Value returns the named component and whether it was reported.
func (s MetricsSnapshot) Value(name string) (float64, bool) {
	for i, n := range MetricNames {
		if n == name {
			if v := s.values()[i]; v != nil {
				return *v, true
			}
			return 0, false
		}
	}
	return 0, false
}

// Validate rejects components that are NaN or outside [0,100].
func (s MetricsSnapshot) Validate() error {
	for i, v := range s.values() {
		if v == nil {
			continue
		}
		if math.IsNaN(*v) || *v < 0 || *v > 100 {
			return fmt.Errorf("%w: %s=%v not in [0,100]", ErrInvalidSnapshot, MetricNames[i], *v)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (s MetricsSnapshot) Clone() MetricsSnapshot {
	c := MetricsSnapshot{CollectedAt: s.CollectedAt}
	c.CodeQuality = cloneFloat(s.CodeQuality)
	c.IssueResolution = cloneFloat(s.IssueResolution)
	c.PRSuccess = cloneFloat(s.PRSuccess)
	c.PeerReview = cloneFloat(s.PeerReview)
	c.Creativity = cloneFloat(s.Creativity)
	return c
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Float returns a pointer to v. Convenient for building snapshots.
func Float(v float64) *float64 { return &v }

// Weights are the per-component multipliers of the aggregate score.
type Weights struct {
	CodeQuality     float64 `json:"code_quality" yaml:"code_quality"`
	IssueResolution float64 `json:"issue_resolution" yaml:"issue_resolution"`
	PRSuccess       float64 `json:"pr_success" yaml:"pr_success"`
	PeerReview      float64 `json:"peer_review" yaml:"peer_review"`
	Creativity      float64 `json:"creativity" yaml:"creativity"`
}

// DefaultWeights returns the stock weighting: 0.30/0.20/0.20/0.15/0.15.
func DefaultWeights() Weights {
	return Weights{
		CodeQuality:     0.30,
		IssueResolution: 0.20,
		PRSuccess:       0.20,
		PeerReview:      0.15,
		Creativity:      0.15,
	}
}

// Values returns the weights in MetricNames order.
func (w Weights) Values() [5]float64 {
	return [5]float64{w.CodeQuality, w.IssueResolution, w.PRSuccess, w.PeerReview, w.Creativity}
}

// Sum returns the total of all weights.
func (w Weights) Sum() float64 {
	var sum float64
	for _, v := range w.Values() {
		sum += v
	}
	return sum
}

// Validate ensures every weight is a finite non-negative number and the
// weights sum to 1.0 within WeightTolerance.
func (w Weights) Validate() error {
	for i, v := range w.Values() {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%w: %s=%v must be a non-negative number", ErrInvalidWeights, MetricNames[i], v)
		}
	}
	if sum := w.Sum(); math.Abs(sum-1.0) > WeightTolerance {
		return fmt.Errorf("%w: weights sum to %v, want 1.0", ErrInvalidWeights, sum)
	}
	return nil
}
