package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/darwin/internal/model"
)

func TestSpawnRequest_Validate(t *testing.T) {
	req := model.SpawnRequest{Specialization: "backend", Title: "bootstrap"}
	require.NoError(t, req.Validate())
	assert.Equal(t, model.DefaultConcurrencyLimit, req.ConcurrencyLimit, "default concurrency filled")

	bad := []model.SpawnRequest{
		{Specialization: "", Title: "x"},
		{Specialization: "Backend", Title: "x"},
		{Specialization: "backend", Title: "  "},
		{Specialization: "backend", Title: "x", ConcurrencyLimit: -1},
		{Specialization: "backend", Title: strings.Repeat("x", model.MaxTitleLen+1)},
	}
	for i, r := range bad {
		assert.Error(t, r.Validate(), "case %d", i)
	}
}

func TestCreateWorkItemRequest_Validate(t *testing.T) {
	require.NoError(t, model.CreateWorkItemRequest{Title: "fix flaky test"}.Validate())
	require.NoError(t, model.CreateWorkItemRequest{Title: "x", CandidateSpecialization: "qa"}.Validate())
	assert.Error(t, model.CreateWorkItemRequest{Title: "x", CandidateSpecialization: "QA"}.Validate())
	assert.Error(t, model.CreateWorkItemRequest{Title: "x", ExternalRef: strings.Repeat("r", 256)}.Validate())
}
