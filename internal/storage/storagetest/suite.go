// Package storagetest holds the behavioral tests every storage.Registry
// implementation must pass. Backends call Run from their own test files.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/darwin/internal/ctxutil"
	"github.com/ashita-ai/darwin/internal/model"
	"github.com/ashita-ai/darwin/internal/storage"
)

// Factory returns an empty registry for one test.
type Factory func(t *testing.T) storage.Registry

// Run executes the full registry contract against the backend.
func Run(t *testing.T, newRegistry Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, reg storage.Registry)
	}{
		{"SpawnLinksAgentAndItem", testSpawnLinksAgentAndItem},
		{"SpawnReservesCapacity", testSpawnReservesCapacity},
		{"GetAgentNotFound", testGetAgentNotFound},
		{"UpdateAgentBumpsVersionOnce", testUpdateAgentBumpsVersionOnce},
		{"UpdateAgentConflictWritesNothing", testUpdateAgentConflictWritesNothing},
		{"UpdateAgentRejectsIllegalTransition", testUpdateAgentRejectsIllegalTransition},
		{"UpdateAgentRejectsImmutableChange", testUpdateAgentRejectsImmutableChange},
		{"UpdateAgentRequiresScoreWithSnapshot", testUpdateAgentRequiresScoreWithSnapshot},
		{"CapacityCheckedActivation", testCapacityCheckedActivation},
		{"ConcurrentAgentUpdatesOneWinner", testConcurrentAgentUpdatesOneWinner},
		{"ListAgentsOrderedAndFiltered", testListAgentsOrderedAndFiltered},
		{"WorkItemLifecycle", testWorkItemLifecycle},
		{"ListWorkItemsFilters", testListWorkItemsFilters},
		{"BindWorkItemChecksAgent", testBindWorkItemChecksAgent},
		{"ConcurrentBindsOneWinner", testConcurrentBindsOneWinner},
		{"MetricReports", testMetricReports},
		{"Cycles", testCycles},
		{"AuditCarriesActor", testAuditCarriesActor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newRegistry(t))
		})
	}
}

// Spawn creates an agent and its first work item with a generous capacity.
func Spawn(t *testing.T, reg storage.Registry, specialization string) (model.Agent, model.WorkItem) {
	t.Helper()
	a, w, err := reg.CreateSpawn(context.Background(),
		model.Agent{Specialization: specialization},
		model.WorkItem{Title: "bootstrap " + specialization},
		1000)
	require.NoError(t, err)
	return a, w
}

// Activate moves a spawned agent to GracePeriod.
func Activate(t *testing.T, reg storage.Registry, a model.Agent, at time.Time) model.Agent {
	t.Helper()
	out, err := reg.UpdateAgentWithinCapacity(context.Background(), a.ID, a.Version, 1000, func(cur model.Agent) (model.Agent, error) {
		cur.Status = model.StatusGracePeriod
		cur.ActivatedAt = &at
		return cur, nil
	})
	require.NoError(t, err)
	return out
}

func testSpawnLinksAgentAndItem(t *testing.T, reg storage.Registry) {
	ctx := context.Background()
	a, w := Spawn(t, reg, "backend")

	assert.Equal(t, model.StatusSpawning, a.Status)
	assert.Equal(t, int64(1), a.Version)
	assert.Equal(t, model.DefaultConcurrencyLimit, a.ConcurrencyLimit)
	assert.Nil(t, a.ActivatedAt)

	assert.Equal(t, model.WorkItemPendingAssignment, w.Status)
	require.NotNil(t, w.SpawnTransactionRef)
	assert.Equal(t, a.ID, *w.SpawnTransactionRef)
	assert.Equal(t, "backend", w.CandidateSpecialization)

	got, err := reg.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, "backend", got.Specialization)
	assert.WithinDuration(t, a.CreatedAt, got.CreatedAt, time.Millisecond)

	gotItem, err := reg.GetWorkItem(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.SpawnTransactionRef, gotItem.SpawnTransactionRef)

	audit, err := reg.ListAudit(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, string(model.StatusSpawning), audit[0].ToState)
	assert.Equal(t, int64(1), audit[0].Version)
}

func testSpawnReservesCapacity(t *testing.T, reg storage.Registry) {
	ctx := context.Background()
	for range 2 {
		_, _, err := reg.CreateSpawn(ctx, model.Agent{Specialization: "qa"}, model.WorkItem{Title: "t"}, 2)
		require.NoError(t, err)
	}
	_, _, err := reg.CreateSpawn(ctx, model.Agent{Specialization: "qa"}, model.WorkItem{Title: "t"}, 2)
	assert.ErrorIs(t, err, storage.ErrCapacityExceeded)

	agents, err := reg.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 2, "rejected spawn must not leave a record")
}

func testGetAgentNotFound(t *testing.T, reg storage.Registry) {
	_, err := reg.GetAgent(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = reg.GetWorkItem(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testUpdateAgentBumpsVersionOnce(t *testing.T, reg storage.Registry) {
	ctx := context.Background()
	a, _ := Spawn(t, reg, "backend")
	activated := Activate(t, reg, a, storage.Now())

	assert.Equal(t, model.StatusGracePeriod, activated.Status)
	assert.Equal(t, a.Version+1, activated.Version)
	require.Len(t, activated.History, 1)
	assert.Equal(t, model.StatusSpawning, activated.History[0].From)
	assert.Equal(t, model.StatusGracePeriod, activated.History[0].To)

	// A same-status snapshot refresh bumps the version and is recorded too.
	snap := model.MetricsSnapshot{CodeQuality: model.Float(50)}
	refreshed, err := reg.UpdateAgent(ctx, a.ID, activated.Version, func(cur model.Agent) (model.Agent, error) {
		cur.Metrics = &snap
		cur.AggregateScore = model.Float(15)
		return cur, nil
	})
	require.NoError(t, err)
	assert.Equal(t, activated.Version+1, refreshed.Version)

	got, err := reg.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, refreshed.Version, got.Version)
	require.Len(t, got.History, 2)
	assert.Equal(t, model.StatusGracePeriod, got.History[1].From)
	assert.Equal(t, model.StatusGracePeriod, got.History[1].To)
	assert.Equal(t, refreshed.Version, got.History[1].Version)
	require.NotNil(t, got.History[1].Score)
	assert.Equal(t, 15.0, *got.History[1].Score)
	require.NotNil(t, got.AggregateScore)
	assert.Equal(t, 15.0, *got.AggregateScore)
	require.NotNil(t, got.Metrics)
	require.NotNil(t, got.Metrics.CodeQuality)
	assert.Equal(t, 50.0, *got.Metrics.CodeQuality)
	require.NotNil(t, got.ActivatedAt)

	audit, err := reg.ListAudit(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, audit, 3, "create, activate, refresh")
}

func testUpdateAgentConflictWritesNothing(t *testing.T, reg storage.Registry) {
	ctx := context.Background()
	a, _ := Spawn(t, reg, "backend")
	Activate(t, reg, a, storage.Now())

	_, err := reg.UpdateAgent(ctx, a.ID, a.Version, func(cur model.Agent) (model.Agent, error) {
		cur.Status = model.StatusEliminated
		return cur, nil
	})
	require.ErrorIs(t, err, storage.ErrVersionConflict)

	got, err := reg.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusGracePeriod, got.Status)

	audit, err := reg.ListAudit(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, audit, 2)
}

func testUpdateAgentRejectsIllegalTransition(t *testing.T, reg storage.Registry) {
	ctx := context.Background()
	a, _ := Spawn(t, reg, "backend")
	_, err := reg.UpdateAgent(ctx, a.ID, a.Version, func(cur model.Agent) (model.Agent, error) {
		cur.Status = model.StatusActive
		return cur, nil
	})
	assert.ErrorIs(t, err, storage.ErrIllegalTransition)

	sentinel := errors.New("mutator refused")
	_, err = reg.UpdateAgent(ctx, a.ID, a.Version, func(cur model.Agent) (model.Agent, error) {
		return cur, sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	got, err := reg.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Version, got.Version)
}

func testUpdateAgentRejectsImmutableChange(t *testing.T, reg storage.Registry) {
	a, _ := Spawn(t, reg, "backend")
	_, err := reg.UpdateAgent(context.Background(), a.ID, a.Version, func(cur model.Agent) (model.Agent, error) {
		cur.Specialization = "frontend"
		return cur, nil
	})
	assert.ErrorIs(t, err, storage.ErrImmutableField)
}

func testUpdateAgentRequiresScoreWithSnapshot(t *testing.T, reg storage.Registry) {
	a, _ := Spawn(t, reg, "backend")
	_, err := reg.UpdateAgent(context.Background(), a.ID, a.Version, func(cur model.Agent) (model.Agent, error) {
		cur.AggregateScore = model.Float(40)
		return cur, nil
	})
	assert.Error(t, err)
}

func testCapacityCheckedActivation(t *testing.T, reg storage.Registry) {
	ctx := context.Background()
	a, _ := Spawn(t, reg, "backend")
	b, _ := Spawn(t, reg, "backend")
	activate := func(ag model.Agent) (model.Agent, error) {
		now := storage.Now()
		return reg.UpdateAgentWithinCapacity(ctx, ag.ID, ag.Version, 1, func(cur model.Agent) (model.Agent, error) {
			cur.Status = model.StatusGracePeriod
			cur.ActivatedAt = &now
			return cur, nil
		})
	}

	_, err := activate(a)
	require.NoError(t, err)
	_, err = activate(b)
	require.ErrorIs(t, err, storage.ErrCapacityExceeded)

	got, err := reg.GetAgent(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSpawning, got.Status)
	assert.Equal(t, b.Version, got.Version)

	n, err := reg.CountCapacity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testConcurrentAgentUpdatesOneWinner(t *testing.T, reg storage.Registry) {
	ctx := context.Background()
	a, _ := Spawn(t, reg, "backend")

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			now := storage.Now()
			_, err := reg.UpdateAgentWithinCapacity(ctx, a.ID, a.Version, 1000, func(cur model.Agent) (model.Agent, error) {
				cur.Status = model.StatusGracePeriod
				cur.ActivatedAt = &now
				return cur, nil
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, storage.ErrVersionConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)

	got, err := reg.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Version+1, got.Version)
	assert.Len(t, got.History, 1)
}

func testListAgentsOrderedAndFiltered(t *testing.T, reg storage.Registry) {
	ctx := context.Background()
	var spawned []model.Agent
	for range 5 {
		a, _ := Spawn(t, reg, "ops")
		spawned = append(spawned, a)
	}
	Activate(t, reg, spawned[0], storage.Now())
	Activate(t, reg, spawned[3], storage.Now())

	all, err := reg.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].ID.String(), all[i].ID.String(), "agents must be ordered by id")
	}

	grace, err := reg.ListAgents(ctx, model.StatusGracePeriod)
	require.NoError(t, err)
	assert.Len(t, grace, 2)

	mixed, err := reg.ListAgents(ctx, model.StatusGracePeriod, model.StatusSpawning)
	require.NoError(t, err)
	assert.Len(t, mixed, 5)
}

func testWorkItemLifecycle(t *testing.T, reg storage.Registry) {
	ctx := context.Background()
	a, _ := Spawn(t, reg, "backend")
	a = Activate(t, reg, a, storage.Now())

	w, err := reg.CreateWorkItem(ctx, model.WorkItem{Title: "fix login", ExternalRef: "GH-12"})
	require.NoError(t, err)
	assert.Equal(t, model.WorkItemOpen, w.Status)
	assert.Equal(t, int64(1), w.Version)

	_, err = reg.CreateWorkItem(ctx, model.WorkItem{Title: "x", Status: model.WorkItemAssigned})
	assert.Error(t, err, "new items cannot start assigned")

	bound, err := reg.BindWorkItem(ctx, w.ID, w.Version, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkItemAssigned, bound.Status)
	require.NotNil(t, bound.AssignedAgentID)
	assert.Equal(t, a.ID, *bound.AssignedAgentID)
	assert.Equal(t, w.Version+1, bound.Version)

	started, err := reg.UpdateWorkItem(ctx, w.ID, bound.Version, func(cur model.WorkItem) (model.WorkItem, error) {
		cur.Status = model.WorkItemInProgress
		return cur, nil
	})
	require.NoError(t, err)

	_, err = reg.UpdateWorkItem(ctx, w.ID, started.Version, func(cur model.WorkItem) (model.WorkItem, error) {
		cur.Status = model.WorkItemOpen
		return cur, nil
	})
	assert.ErrorIs(t, err, storage.ErrIllegalTransition)

	_, err = reg.UpdateWorkItem(ctx, w.ID, bound.Version, func(cur model.WorkItem) (model.WorkItem, error) {
		cur.Status = model.WorkItemClosed
		return cur, nil
	})
	assert.ErrorIs(t, err, storage.ErrVersionConflict)

	closed, err := reg.UpdateWorkItem(ctx, w.ID, started.Version, func(cur model.WorkItem) (model.WorkItem, error) {
		cur.Status = model.WorkItemClosed
		return cur, nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.WorkItemClosed, closed.Status)

	audit, err := reg.ListAudit(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, audit, 4)
	assert.Equal(t, []string{"open", "assigned", "in_progress", "closed"},
		[]string{audit[0].ToState, audit[1].ToState, audit[2].ToState, audit[3].ToState})

	load, err := reg.CountOpenAssignments(ctx, []uuid.UUID{a.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, load[a.ID], "closed items free the agent")
}

func testListWorkItemsFilters(t *testing.T, reg storage.Registry) {
	ctx := context.Background()
	a, spawnItem := Spawn(t, reg, "backend")
	for i := range 3 {
		_, err := reg.CreateWorkItem(ctx, model.WorkItem{Title: "item", ExternalRef: string(rune('a' + i))})
		require.NoError(t, err)
	}

	all, err := reg.ListWorkItems(ctx, storage.WorkItemFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].ID.String(), all[i].ID.String())
	}

	bySpawn, err := reg.ListWorkItems(ctx, storage.WorkItemFilter{SpawnRef: &a.ID})
	require.NoError(t, err)
	require.Len(t, bySpawn, 1)
	assert.Equal(t, spawnItem.ID, bySpawn[0].ID)

	open, err := reg.ListWorkItems(ctx, storage.WorkItemFilter{Statuses: []model.WorkItemStatus{model.WorkItemOpen}})
	require.NoError(t, err)
	assert.Len(t, open, 3)

	limited, err := reg.ListWorkItems(ctx, storage.WorkItemFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func testBindWorkItemChecksAgent(t *testing.T, reg storage.Registry) {
	ctx := context.Background()
	spawning, _ := Spawn(t, reg, "backend")
	ready, _ := Spawn(t, reg, "backend")
	ready = Activate(t, reg, ready, storage.Now())

	w1, err := reg.CreateWorkItem(ctx, model.WorkItem{Title: "one"})
	require.NoError(t, err)
	w2, err := reg.CreateWorkItem(ctx, model.WorkItem{Title: "two"})
	require.NoError(t, err)

	_, err = reg.BindWorkItem(ctx, w1.ID, w1.Version, spawning.ID)
	assert.ErrorIs(t, err, storage.ErrAgentUnavailable, "spawning agents take no work")

	_, err = reg.BindWorkItem(ctx, w1.ID, w1.Version, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = reg.BindWorkItem(ctx, w1.ID, w1.Version, ready.ID)
	require.NoError(t, err)

	_, err = reg.BindWorkItem(ctx, w2.ID, w2.Version, ready.ID)
	assert.ErrorIs(t, err, storage.ErrAgentUnavailable, "concurrency limit of one is reached")

	_, err = reg.BindWorkItem(ctx, w1.ID, w1.Version, ready.ID)
	assert.ErrorIs(t, err, storage.ErrVersionConflict)

	load, err := reg.CountOpenAssignments(ctx, []uuid.UUID{ready.ID, spawning.ID})
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]int{ready.ID: 1, spawning.ID: 0}, load)
}

func testConcurrentBindsOneWinner(t *testing.T, reg storage.Registry) {
	ctx := context.Background()
	var agents []model.Agent
	for range 4 {
		a, _ := Spawn(t, reg, "backend")
		agents = append(agents, Activate(t, reg, a, storage.Now()))
	}
	w, err := reg.CreateWorkItem(ctx, model.WorkItem{Title: "contested"})
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []uuid.UUID
	)
	for _, a := range agents {
		wg.Add(1)
		go func(agentID uuid.UUID) {
			defer wg.Done()
			_, err := reg.BindWorkItem(ctx, w.ID, w.Version, agentID)
			if err == nil {
				mu.Lock()
				wins = append(wins, agentID)
				mu.Unlock()
				return
			}
			if !errors.Is(err, storage.ErrVersionConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(a.ID)
	}
	wg.Wait()

	require.Len(t, wins, 1)
	got, err := reg.GetWorkItem(ctx, w.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AssignedAgentID)
	assert.Equal(t, wins[0], *got.AssignedAgentID)
	assert.Equal(t, w.Version+1, got.Version)
}

func testMetricReports(t *testing.T, reg storage.Registry) {
	ctx := context.Background()
	a, _ := Spawn(t, reg, "backend")

	_, err := reg.LatestMetricReport(ctx, a.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = reg.PutMetricReport(ctx, uuid.New(), model.MetricsSnapshot{})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = reg.PutMetricReport(ctx, a.ID, model.MetricsSnapshot{CodeQuality: model.Float(120)})
	assert.ErrorIs(t, err, model.ErrInvalidSnapshot)

	require.NoError(t, reg.PutMetricReport(ctx, a.ID, model.MetricsSnapshot{CodeQuality: model.Float(10)}))
	require.NoError(t, reg.PutMetricReport(ctx, a.ID, model.MetricsSnapshot{CodeQuality: model.Float(90), PeerReview: model.Float(5)}))

	got, err := reg.LatestMetricReport(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CodeQuality)
	assert.Equal(t, 90.0, *got.CodeQuality)
	require.NotNil(t, got.PeerReview)
	assert.Nil(t, got.Creativity)
	assert.False(t, got.CollectedAt.IsZero())
}

func testCycles(t *testing.T, reg storage.Registry) {
	ctx := context.Background()
	_, err := reg.LatestCycle(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	agentID := uuid.New()
	start := storage.Now()
	first := model.EvaluationCycle{
		ID: uuid.New(), StartedAt: start, FinishedAt: start.Add(time.Second),
		Results: map[uuid.UUID]model.AgentResult{
			agentID: {OldStatus: model.StatusActive, NewStatus: model.StatusHallOfFame, Score: model.Float(66)},
		},
		Promotions: []uuid.UUID{agentID},
	}
	second := model.EvaluationCycle{ID: uuid.New(), StartedAt: start.Add(time.Hour), FinishedAt: start.Add(time.Hour + time.Second)}
	require.NoError(t, reg.SaveCycle(ctx, first))
	require.NoError(t, reg.SaveCycle(ctx, second))

	latest, err := reg.LatestCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	require.NoError(t, reg.SaveCycle(ctx, model.EvaluationCycle{ID: uuid.New(), StartedAt: start, FinishedAt: start}))
	latest, err = reg.LatestCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID, "latest is by finish time")
}

func testAuditCarriesActor(t *testing.T, reg storage.Registry) {
	ctx := ctxutil.WithRequestID(ctxutil.WithActor(context.Background(), "spawner-1"), "req-42")
	a, _, err := reg.CreateSpawn(ctx, model.Agent{Specialization: "docs"}, model.WorkItem{Title: "t"}, 10)
	require.NoError(t, err)

	audit, err := reg.ListAudit(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "spawner-1", audit[0].Actor)
	assert.Equal(t, "req-42", audit[0].RequestID)
	assert.Equal(t, model.EntityAgent, audit[0].EntityType)
}
