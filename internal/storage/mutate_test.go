package storage_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/darwin/internal/model"
	"github.com/ashita-ai/darwin/internal/storage"
)

func graceAgent() model.Agent {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return model.Agent{
		ID:               uuid.New(),
		Specialization:   "backend",
		Status:           model.StatusGracePeriod,
		ConcurrencyLimit: 1,
		CreatedAt:        created,
		LastTransitionAt: created,
		Version:          3,
		History:          []model.HistoryEntry{{Version: 2, From: model.StatusSpawning, To: model.StatusGracePeriod}},
	}
}

func TestPrepareAgentUpdate_StatusChangeAppendsHistory(t *testing.T) {
	cur := graceAgent()
	now := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	change, err := storage.PrepareAgentUpdate(cur, 3, func(a model.Agent) (model.Agent, error) {
		a.Status = model.StatusActive
		a.Metrics = &model.MetricsSnapshot{CodeQuality: model.Float(90)}
		a.AggregateScore = model.Float(27)
		return a, nil
	}, now)
	require.NoError(t, err)

	assert.Equal(t, int64(4), change.Next.Version)
	assert.Equal(t, now, change.Next.LastTransitionAt)
	require.NotNil(t, change.History)
	assert.Equal(t, model.StatusGracePeriod, change.History.From)
	assert.Equal(t, model.StatusActive, change.History.To)
	assert.Equal(t, 27.0, *change.History.Score)
	assert.Len(t, change.Next.History, 2)
	assert.Len(t, cur.History, 1, "input record untouched")

	assert.Equal(t, int64(4), change.Audit.Version)
	assert.Equal(t, "grace_period", change.Audit.FromState)
	assert.Equal(t, "active", change.Audit.ToState)
	assert.True(t, change.NeedsCapacity(cur.Status), "grace to active is re-checked against the pool size")
}

func TestPrepareAgentUpdate_SameStatusAppendsHistory(t *testing.T) {
	cur := graceAgent()
	change, err := storage.PrepareAgentUpdate(cur, 3, func(a model.Agent) (model.Agent, error) {
		a.AggregateScore = model.Float(55)
		a.Note = "capacity-deferred"
		return a, nil
	}, time.Now())
	require.NoError(t, err)
	require.NotNil(t, change.History)
	assert.Equal(t, model.StatusGracePeriod, change.History.From)
	assert.Equal(t, model.StatusGracePeriod, change.History.To)
	assert.Equal(t, 55.0, *change.History.Score)
	assert.Equal(t, "capacity-deferred", change.History.Note)
	assert.Equal(t, int64(4), change.History.Version)
	assert.Len(t, change.Next.History, 2)
	assert.Equal(t, cur.LastTransitionAt, change.Next.LastTransitionAt, "no transition happened")
	assert.Equal(t, int64(4), change.Next.Version)
}

func TestPrepareAgentUpdate_MutatorCannotRewriteHistory(t *testing.T) {
	cur := graceAgent()
	change, err := storage.PrepareAgentUpdate(cur, 3, func(a model.Agent) (model.Agent, error) {
		a.History = nil
		return a, nil
	}, time.Now())
	require.NoError(t, err)
	require.Len(t, change.Next.History, 2)
	assert.Equal(t, cur.History[0], change.Next.History[0])
}

func TestPrepareAgentUpdate_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		version int64
		mutate  storage.AgentMutator
		want    error
	}{
		{"stale version", 2, func(a model.Agent) (model.Agent, error) { return a, nil }, storage.ErrVersionConflict},
		{"terminal skip", 3, func(a model.Agent) (model.Agent, error) {
			a.Status = model.StatusHallOfFame
			return a, nil
		}, storage.ErrIllegalTransition},
		{"id change", 3, func(a model.Agent) (model.Agent, error) {
			a.ID = uuid.New()
			return a, nil
		}, storage.ErrImmutableField},
		{"created_at change", 3, func(a model.Agent) (model.Agent, error) {
			a.CreatedAt = a.CreatedAt.Add(time.Second)
			return a, nil
		}, storage.ErrImmutableField},
		{"bad snapshot", 3, func(a model.Agent) (model.Agent, error) {
			a.Metrics = &model.MetricsSnapshot{Creativity: model.Float(-1)}
			a.AggregateScore = model.Float(0)
			return a, nil
		}, model.ErrInvalidSnapshot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := storage.PrepareAgentUpdate(graceAgent(), tt.version, tt.mutate, time.Now())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPrepareAgentUpdate_ScoreOutOfRange(t *testing.T) {
	_, err := storage.PrepareAgentUpdate(graceAgent(), 3, func(a model.Agent) (model.Agent, error) {
		a.Metrics = &model.MetricsSnapshot{}
		a.AggregateScore = model.Float(100.01)
		return a, nil
	}, time.Now())
	assert.Error(t, err)
}

func TestAgentChange_NeedsCapacity(t *testing.T) {
	change := storage.AgentChange{Next: model.Agent{Status: model.StatusGracePeriod}}
	assert.True(t, change.NeedsCapacity(model.StatusSpawning))

	change.Next.Status = model.StatusEliminated
	assert.False(t, change.NeedsCapacity(model.StatusActive))
}

func TestPrepareWorkItemUpdate(t *testing.T) {
	ref := uuid.New()
	cur := model.WorkItem{
		ID:                  uuid.New(),
		Status:              model.WorkItemPendingAssignment,
		SpawnTransactionRef: &ref,
		CreatedAt:           time.Now(),
		Version:             1,
	}
	agent := uuid.New()

	change, err := storage.PrepareWorkItemUpdate(cur, 1, storage.BindTo(agent), time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.WorkItemAssigned, change.Next.Status)
	assert.Equal(t, agent, *change.Next.AssignedAgentID)
	assert.Equal(t, int64(2), change.Next.Version)
	assert.Equal(t, "pending_assignment", change.Audit.FromState)

	_, err = storage.PrepareWorkItemUpdate(change.Next, 2, storage.BindTo(uuid.New()), time.Now())
	assert.ErrorIs(t, err, storage.ErrIllegalTransition, "assigned items cannot be rebound")

	_, err = storage.PrepareWorkItemUpdate(cur, 1, func(w model.WorkItem) (model.WorkItem, error) {
		w.SpawnTransactionRef = nil
		return w, nil
	}, time.Now())
	assert.ErrorIs(t, err, storage.ErrImmutableField)

	_, err = storage.PrepareWorkItemUpdate(cur, 1, func(w model.WorkItem) (model.WorkItem, error) {
		w.Status = model.WorkItemAssigned
		return w, nil
	}, time.Now())
	assert.ErrorIs(t, err, storage.ErrIllegalTransition, "assigned requires an agent")
}

func TestPrepareSpawn(t *testing.T) {
	now := time.Now()
	a, w, err := storage.PrepareSpawn(model.Agent{Specialization: "ml", Status: model.StatusActive}, model.WorkItem{Title: "x"}, now)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSpawning, a.Status, "spawned agents always start in spawning")
	assert.Equal(t, model.WorkItemPendingAssignment, w.Status)
	assert.Equal(t, a.ID, *w.SpawnTransactionRef)
	assert.Equal(t, "ml", w.CandidateSpecialization)

	_, _, err = storage.PrepareSpawn(model.Agent{Specialization: "ML"}, model.WorkItem{}, now)
	assert.Error(t, err)
}

func TestWithRetry_TransientErrors(t *testing.T) {
	calls := 0
	err := storage.WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_VersionConflictNotRetried(t *testing.T) {
	calls := 0
	err := storage.WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return storage.ErrVersionConflict
	})
	assert.True(t, errors.Is(err, storage.ErrVersionConflict))
	assert.Equal(t, 1, calls)
}

func TestWithRetry_LockNotAvailable(t *testing.T) {
	calls := 0
	err := storage.WithRetry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return &pgconn.PgError{Code: "55P03"}
	})
	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr))
	assert.Equal(t, 3, calls, "initial attempt plus two replays")
}

func TestRetryOnConflict_RereadsUntilWritten(t *testing.T) {
	var seen []int
	conflicts := 0
	err := storage.RetryOnConflict(context.Background(), 3, func(attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return fmt.Errorf("update agent: %w", storage.ErrVersionConflict)
		}
		return nil
	}, func(int) { conflicts++ })
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Equal(t, 2, conflicts)
}

func TestRetryOnConflict_Exhausted(t *testing.T) {
	calls := 0
	err := storage.RetryOnConflict(context.Background(), 3, func(int) error {
		calls++
		return storage.ErrVersionConflict
	}, nil)
	assert.ErrorIs(t, err, storage.ErrConflictsExhausted)
	assert.ErrorIs(t, err, storage.ErrVersionConflict)
	assert.Equal(t, 3, calls)
}

func TestRetryOnConflict_OtherErrorsStop(t *testing.T) {
	calls := 0
	err := storage.RetryOnConflict(context.Background(), 3, func(int) error {
		calls++
		return storage.ErrCapacityExceeded
	}, nil)
	assert.ErrorIs(t, err, storage.ErrCapacityExceeded)
	assert.NotErrorIs(t, err, storage.ErrConflictsExhausted)
	assert.Equal(t, 1, calls)
}

func TestRetryOnConflict_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := storage.RetryOnConflict(ctx, 3, func(int) error {
		t.Fatal("step must not run after cancellation")
		return nil
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
