package model_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/darwin/internal/model"
)

func weights(cq, ir, pr, peer, cr float64) model.Weights {
	return model.Weights{CodeQuality: cq, IssueResolution: ir, PRSuccess: pr, PeerReview: peer, Creativity: cr}
}

func TestDefaultWeights_Valid(t *testing.T) {
	w := model.DefaultWeights()
	require.NoError(t, w.Validate())
	assert.InDelta(t, 1.0, w.Sum(), model.WeightTolerance)
}

func TestWeights_Validate(t *testing.T) {
	tests := []struct {
		name    string
		weights model.Weights
		wantErr bool
	}{
		{"even split", weights(0.2, 0.2, 0.2, 0.2, 0.2), false},
		{"single metric", model.Weights{CodeQuality: 1}, false},
		{"sum too high", weights(0.30, 0.20, 0.20, 0.15, 0.20), true},
		{"sum too low", weights(0.30, 0.20, 0.20, 0.15, 0.10), true},
		{"all zero", model.Weights{}, true},
		{"negative weight", weights(1.2, -0.2, 0, 0, 0), true},
		{"nan weight", weights(math.NaN(), 0.2, 0.2, 0.3, 0.3), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.weights.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, model.ErrInvalidWeights)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestMetricsSnapshot_Validate(t *testing.T) {
	ok := model.MetricsSnapshot{CodeQuality: model.Float(0), Creativity: model.Float(100)}
	require.NoError(t, ok.Validate())

	for _, v := range []float64{-0.1, 100.5, math.NaN()} {
		s := model.MetricsSnapshot{PeerReview: model.Float(v)}
		err := s.Validate()
		require.Error(t, err, "value %v", v)
		assert.ErrorIs(t, err, model.ErrInvalidSnapshot)
	}
}

func TestMetricsSnapshot_Components(t *testing.T) {
	s := model.MetricsSnapshot{
		CodeQuality: model.Float(80),
		PRSuccess:   model.Float(60),
	}
	got := s.Components()
	assert.Equal(t, map[string]float64{
		model.MetricCodeQuality: 80,
		model.MetricPRSuccess:   60,
	}, got)

	v, ok := s.Value(model.MetricPeerReview)
	assert.False(t, ok)
	assert.Zero(t, v)

	v, ok = s.Value(model.MetricCodeQuality)
	assert.True(t, ok)
	assert.Equal(t, 80.0, v)
}

func TestWorkItem_CheckAssignment(t *testing.T) {
	agent := model.WorkItem{}.ID
	assigned := model.WorkItem{Status: model.WorkItemAssigned, AssignedAgentID: &agent}
	require.NoError(t, assigned.CheckAssignment())

	missing := model.WorkItem{Status: model.WorkItemInProgress}
	require.Error(t, missing.CheckAssignment())

	stray := model.WorkItem{Status: model.WorkItemOpen, AssignedAgentID: &agent}
	require.Error(t, stray.CheckAssignment())
}

func TestWorkItemStatus_CanTransition(t *testing.T) {
	assert.True(t, model.WorkItemOpen.CanTransition(model.WorkItemAssigned))
	assert.True(t, model.WorkItemPendingAssignment.CanTransition(model.WorkItemAssigned))
	assert.True(t, model.WorkItemAssigned.CanTransition(model.WorkItemInProgress))
	assert.True(t, model.WorkItemAssigned.CanTransition(model.WorkItemOpen))
	assert.False(t, model.WorkItemInProgress.CanTransition(model.WorkItemOpen))
	assert.False(t, model.WorkItemClosed.CanTransition(model.WorkItemOpen))
	assert.True(t, model.WorkItemClosed.CanTransition(model.WorkItemClosed))
}
