package mcp

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/darwin/internal/model"
)

func TestCompactAgent(t *testing.T) {
	a := model.Agent{
		ID:               uuid.New(),
		Specialization:   "backend",
		Status:           model.StatusActive,
		ConcurrencyLimit: 2,
		LastTransitionAt: time.Now(),
		Metrics:          &model.MetricsSnapshot{CodeQuality: model.Float(71)},
		AggregateScore:   model.Float(71.26),
		Note:             model.NoteCapacityDeferred,
		Version:          7,
		History:          []model.HistoryEntry{{Version: 2}},
	}

	m := compactAgent(a)

	assert.Equal(t, a.ID, m["id"])
	assert.Equal(t, "backend", m["specialization"])
	assert.Equal(t, model.StatusActive, m["status"])
	assert.Equal(t, 71.3, m["score"])
	assert.Equal(t, model.NoteCapacityDeferred, m["note"])

	for _, dropped := range []string{"metrics", "history", "version"} {
		_, ok := m[dropped]
		assert.False(t, ok, "%s should be dropped", dropped)
	}
}

func TestCompactAgent_Unscored(t *testing.T) {
	m := compactAgent(model.Agent{ID: uuid.New(), Status: model.StatusSpawning})
	_, hasScore := m["score"]
	_, hasNote := m["note"]
	assert.False(t, hasScore)
	assert.False(t, hasNote)
}

func TestCompactWorkItem(t *testing.T) {
	agentID := uuid.New()
	w := model.WorkItem{
		ID:              uuid.New(),
		Status:          model.WorkItemAssigned,
		AssignedAgentID: &agentID,
		Title:           strings.Repeat("x", 300),
	}

	m := compactWorkItem(w)

	assert.Equal(t, &agentID, m["assigned_agent_id"])
	assert.Len(t, m["title"], maxCompactTitle+3)
	_, hasSpawn := m["spawn_ref"]
	assert.False(t, hasSpawn)
}

func TestCycleSummary(t *testing.T) {
	assert.Equal(t, "No agents were evaluated.", cycleSummary(model.EvaluationCycle{}))

	a, b := uuid.New(), uuid.New()
	c := model.EvaluationCycle{
		Results: map[uuid.UUID]model.AgentResult{
			a: {OldStatus: model.StatusActive, NewStatus: model.StatusHallOfFame},
			b: {OldStatus: model.StatusGracePeriod, NewStatus: model.StatusGracePeriod},
		},
		Promotions: []uuid.UUID{a},
		Deferred:   []uuid.UUID{b},
	}
	assert.Equal(t, "2 agent(s) evaluated, 1 promoted, 1 deferred for capacity.", cycleSummary(c))

	m := compactCycle(c)
	assert.Equal(t, 2, m["evaluated"])
	assert.Equal(t, 0, m["skipped"])
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc...", truncate("abcdef", 3))
	assert.Equal(t, "日本...", truncate("日本語です", 2), "cuts on runes")
}
