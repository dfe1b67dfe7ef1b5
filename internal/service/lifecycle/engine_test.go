package lifecycle_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/darwin/internal/model"
	"github.com/ashita-ai/darwin/internal/service/lifecycle"
	"github.com/ashita-ai/darwin/internal/storage"
	"github.com/ashita-ai/darwin/internal/storage/sqlite"
	"github.com/ashita-ai/darwin/internal/storage/storagetest"
	"github.com/ashita-ai/darwin/internal/testutil"
)

type fixture struct {
	reg    *sqlite.Store
	clock  *testutil.Clock
	engine *lifecycle.Engine
}

func newFixture(t *testing.T, policy lifecycle.Policy) fixture {
	t.Helper()
	clock := testutil.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	reg := testutil.NewSQLiteRegistry(t, sqlite.WithClock(clock.Now))
	engine := lifecycle.NewEngine(reg, policy, testutil.TestLogger(), lifecycle.WithClock(clock.Now))
	return fixture{reg: reg, clock: clock, engine: engine}
}

// graceAgent spawns and activates an agent at the fixture's current time.
func (f fixture) graceAgent(t *testing.T) model.Agent {
	t.Helper()
	a, _ := storagetest.Spawn(t, f.reg, "backend")
	out, err := f.engine.Activate(context.Background(), a.ID)
	require.NoError(t, err)
	return out
}

func snapshotScoring(v float64) model.MetricsSnapshot {
	return model.MetricsSnapshot{
		CodeQuality:     model.Float(v),
		IssueResolution: model.Float(v),
		PRSuccess:       model.Float(v),
		PeerReview:      model.Float(v),
		Creativity:      model.Float(v),
	}
}

func TestEngine_Activate(t *testing.T) {
	f := newFixture(t, lifecycle.DefaultPolicy())
	ctx := context.Background()
	a, _ := storagetest.Spawn(t, f.reg, "backend")

	got, err := f.engine.Activate(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusGracePeriod, got.Status)
	require.NotNil(t, got.ActivatedAt)
	assert.Equal(t, f.clock.Now(), *got.ActivatedAt)

	again, err := f.engine.Activate(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Version, again.Version, "second activation is a no-op")

	_, err = f.engine.Activate(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEngine_ActivateDeferredWhenPoolFull(t *testing.T) {
	p := lifecycle.DefaultPolicy()
	p.MaxActive = 1
	f := newFixture(t, p)
	f.graceAgent(t)
	b, _ := storagetest.Spawn(t, f.reg, "backend")

	_, err := f.engine.Activate(context.Background(), b.ID)
	require.ErrorIs(t, err, storage.ErrCapacityExceeded)

	got, err := f.reg.GetAgent(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSpawning, got.Status)
}

func TestEngine_GraceProtection(t *testing.T) {
	f := newFixture(t, lifecycle.DefaultPolicy())
	ctx := context.Background()
	a := f.graceAgent(t)
	f.clock.Advance(47 * time.Hour)

	out, err := f.engine.Apply(ctx, a.ID, snapshotScoring(0), 0)
	require.NoError(t, err)
	assert.True(t, out.Written)
	assert.False(t, out.Changed())
	assert.Equal(t, lifecycle.ReasonGraceProtected, out.Decision.Reason)

	got, err := f.reg.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusGracePeriod, got.Status)
	require.NotNil(t, got.AggregateScore)
	assert.Equal(t, 0.0, *got.AggregateScore, "snapshot and score persisted even without a transition")
	require.Len(t, got.History, 2, "activation, then the snapshot refresh")
	assert.Equal(t, model.StatusGracePeriod, got.History[1].From)
	assert.Equal(t, model.StatusGracePeriod, got.History[1].To)
}

func TestEngine_GraceExpiredBelowMinimumEliminates(t *testing.T) {
	f := newFixture(t, lifecycle.DefaultPolicy())
	ctx := context.Background()
	a := f.graceAgent(t)
	f.clock.Advance(50 * time.Hour)

	out, err := f.engine.Apply(ctx, a.ID, snapshotScoring(35), 35)
	require.NoError(t, err)
	assert.Equal(t, model.StatusEliminated, out.Agent.Status)

	got, err := f.reg.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, got.History, 2)
	last := got.History[1]
	assert.Equal(t, model.StatusGracePeriod, last.From)
	assert.Equal(t, model.StatusEliminated, last.To)
	assert.Equal(t, lifecycle.ReasonGraceFailed, last.Note)
	assert.Equal(t, 35.0, *last.Score)
}

func TestEngine_PromotionFreesSlot(t *testing.T) {
	f := newFixture(t, lifecycle.DefaultPolicy())
	ctx := context.Background()
	a := f.graceAgent(t)
	f.clock.Advance(49 * time.Hour)

	out, err := f.engine.Apply(ctx, a.ID, snapshotScoring(50), 50)
	require.NoError(t, err)
	require.Equal(t, model.StatusActive, out.Agent.Status)

	before, err := f.reg.CountCapacity(ctx)
	require.NoError(t, err)

	out, err = f.engine.Apply(ctx, a.ID, snapshotScoring(66), 66)
	require.NoError(t, err)
	assert.Equal(t, model.StatusHallOfFame, out.Agent.Status)

	after, err := f.reg.CountCapacity(ctx)
	require.NoError(t, err)
	assert.Equal(t, before-1, after)
}

func TestEngine_CapacityDeferral(t *testing.T) {
	f := newFixture(t, lifecycle.DefaultPolicy())
	ctx := context.Background()
	at := f.clock.Now()

	// Fill the pool past MaxActive, as after an operator lowers the limit.
	var agents []model.Agent
	for range 51 {
		a, _ := storagetest.Spawn(t, f.reg, "backend")
		agents = append(agents, storagetest.Activate(t, f.reg, a, at))
	}
	f.clock.Advance(49 * time.Hour)
	last := agents[50]

	out, err := f.engine.Apply(ctx, last.ID, snapshotScoring(55), 55)
	require.NoError(t, err)
	assert.True(t, out.Deferred)
	assert.Equal(t, model.StatusGracePeriod, out.Agent.Status)

	got, err := f.reg.GetAgent(ctx, last.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusGracePeriod, got.Status)
	assert.Equal(t, model.NoteCapacityDeferred, got.Note)
	assert.Equal(t, last.Version+1, got.Version)
	assert.Equal(t, 55.0, *got.AggregateScore)

	// Eliminating one agent brings the pool back to 50, leaving a slot for
	// the deferred agent on its next evaluation.
	_, err = f.engine.Apply(ctx, agents[0].ID, snapshotScoring(10), 10)
	require.NoError(t, err)
	out, err = f.engine.Apply(ctx, last.ID, snapshotScoring(55), 55)
	require.NoError(t, err)
	assert.False(t, out.Deferred)
	assert.Equal(t, model.StatusActive, out.Agent.Status)
	assert.Equal(t, lifecycle.ReasonGracePassed, out.Agent.Note)

	n, err := f.reg.CountCapacity(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, n, 50)
}

func TestEngine_TerminalAgentsNeverWritten(t *testing.T) {
	f := newFixture(t, lifecycle.DefaultPolicy())
	ctx := context.Background()
	a := f.graceAgent(t)
	f.clock.Advance(49 * time.Hour)
	_, err := f.engine.Apply(ctx, a.ID, snapshotScoring(10), 10)
	require.NoError(t, err)

	eliminated, err := f.reg.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusEliminated, eliminated.Status)

	for _, score := range []float64{0, 50, 100} {
		out, err := f.engine.Apply(ctx, a.ID, snapshotScoring(score), score)
		require.NoError(t, err)
		assert.False(t, out.Written)
	}
	got, err := f.reg.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, eliminated.Version, got.Version)
	assert.Equal(t, model.StatusEliminated, got.Status)
}

func TestEngine_SpawningAgentIgnored(t *testing.T) {
	f := newFixture(t, lifecycle.DefaultPolicy())
	a, _ := storagetest.Spawn(t, f.reg, "backend")

	out, err := f.engine.Apply(context.Background(), a.ID, snapshotScoring(90), 90)
	require.NoError(t, err)
	assert.False(t, out.Written)
	assert.Equal(t, lifecycle.ReasonAwaitingActivation, out.Decision.Reason)
}

// conflictingRegistry fails the first n agent updates with a version
// conflict.
type conflictingRegistry struct {
	storage.Registry
	remaining atomic.Int32
}

func (r *conflictingRegistry) UpdateAgent(ctx context.Context, id uuid.UUID, v int64, m storage.AgentMutator) (model.Agent, error) {
	if r.remaining.Add(-1) >= 0 {
		return model.Agent{}, storage.ErrVersionConflict
	}
	return r.Registry.UpdateAgent(ctx, id, v, m)
}

func TestEngine_RetriesConflicts(t *testing.T) {
	f := newFixture(t, lifecycle.DefaultPolicy())
	a := f.graceAgent(t)

	reg := &conflictingRegistry{Registry: f.reg}
	reg.remaining.Store(2)
	engine := lifecycle.NewEngine(reg, lifecycle.DefaultPolicy(), testutil.TestLogger(), lifecycle.WithClock(f.clock.Now))

	out, err := engine.Apply(context.Background(), a.ID, snapshotScoring(50), 50)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, a.Version+1, out.Agent.Version)
}

func TestEngine_RetriesExhausted(t *testing.T) {
	f := newFixture(t, lifecycle.DefaultPolicy())
	a := f.graceAgent(t)

	reg := &conflictingRegistry{Registry: f.reg}
	reg.remaining.Store(lifecycle.MaxAttempts)
	engine := lifecycle.NewEngine(reg, lifecycle.DefaultPolicy(), testutil.TestLogger(), lifecycle.WithClock(f.clock.Now))

	_, err := engine.Apply(context.Background(), a.ID, snapshotScoring(50), 50)
	require.ErrorIs(t, err, lifecycle.ErrRetriesExhausted)
	assert.ErrorIs(t, err, storage.ErrVersionConflict)

	got, err := f.reg.GetAgent(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Version, got.Version, "nothing written")
}
