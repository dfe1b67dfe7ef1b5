package assign_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/darwin/internal/model"
	"github.com/ashita-ai/darwin/internal/service/assign"
	"github.com/ashita-ai/darwin/internal/storage"
	"github.com/ashita-ai/darwin/internal/storage/storagetest"
	"github.com/ashita-ai/darwin/internal/testutil"
)

type recorder struct {
	mu   sync.Mutex
	seen []model.Assignment
}

func (r *recorder) PublishAssignment(_ context.Context, a model.Assignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, a)
	return nil
}

func (r *recorder) all() []model.Assignment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Assignment(nil), r.seen...)
}

// readyAgent spawns an agent, activates it and closes its bootstrap item so
// it has a free slot.
func readyAgent(t *testing.T, reg storage.Registry, spec string) model.Agent {
	t.Helper()
	ctx := context.Background()
	a, w := storagetest.Spawn(t, reg, spec)
	a = storagetest.Activate(t, reg, a, time.Now())
	_, err := reg.UpdateWorkItem(ctx, w.ID, w.Version, func(cur model.WorkItem) (model.WorkItem, error) {
		cur.Status = model.WorkItemClosed
		return cur, nil
	})
	require.NoError(t, err)
	return a
}

func openItem(t *testing.T, reg storage.Registry, spec string) model.WorkItem {
	t.Helper()
	w, err := reg.CreateWorkItem(context.Background(), model.WorkItem{Title: "task", CandidateSpecialization: spec})
	require.NoError(t, err)
	return w
}

func TestHandleReady_SpawnOrdering(t *testing.T) {
	reg := testutil.NewSQLiteRegistry(t)
	ctx := context.Background()
	pub := &recorder{}
	c := assign.New(reg, testutil.TestLogger(), assign.WithPublisher(pub))

	// Another agent is idle and would otherwise be eligible.
	readyAgent(t, reg, "backend")
	a, w := storagetest.Spawn(t, reg, "backend")

	res, err := c.HandleReady(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, assign.OutcomeSpawnBlocked, res.Outcome)

	got, err := reg.GetWorkItem(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkItemPendingAssignment, got.Status)
	assert.Nil(t, got.AssignedAgentID)

	storagetest.Activate(t, reg, a, time.Now())
	results, err := c.HandleAgentActivated(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, assign.OutcomeAssigned, results[0].Outcome)
	assert.Equal(t, a.ID, *results[0].AgentID, "the spawn owner is preferred")

	published := pub.all()
	require.Len(t, published, 1)
	assert.Equal(t, w.ID, published[0].WorkItemID)
	assert.Equal(t, a.ID, published[0].AgentID)
}

func TestHandleReady_NoOps(t *testing.T) {
	reg := testutil.NewSQLiteRegistry(t)
	ctx := context.Background()
	c := assign.New(reg, testutil.TestLogger())
	agent := readyAgent(t, reg, "backend")
	w := openItem(t, reg, "backend")

	res, err := c.HandleReady(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, assign.OutcomeAssigned, res.Outcome)

	res, err = c.HandleReady(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, assign.OutcomeAlreadyAssigned, res.Outcome)
	assert.Equal(t, agent.ID, *res.AgentID)

	_, err = c.Close(ctx, w.ID)
	require.NoError(t, err)
	res, err = c.HandleReady(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, assign.OutcomeClosed, res.Outcome)

	_, err = c.HandleReady(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHandleReady_NoEligibleAgent(t *testing.T) {
	reg := testutil.NewSQLiteRegistry(t)
	ctx := context.Background()
	c := assign.New(reg, testutil.TestLogger())
	w := openItem(t, reg, "")

	res, err := c.HandleReady(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, assign.OutcomeNoEligibleAgent, res.Outcome)

	got, err := reg.GetWorkItem(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkItemOpen, got.Status)
	assert.Equal(t, w.Version, got.Version)
}

func TestHandleReady_RespectsConcurrencyLimit(t *testing.T) {
	reg := testutil.NewSQLiteRegistry(t)
	ctx := context.Background()
	c := assign.New(reg, testutil.TestLogger())
	agent := readyAgent(t, reg, "backend")

	first := openItem(t, reg, "backend")
	second := openItem(t, reg, "backend")

	res, err := c.HandleReady(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, assign.OutcomeAssigned, res.Outcome)

	res, err = c.HandleReady(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, assign.OutcomeNoEligibleAgent, res.Outcome, "agent already holds its one item")

	_, err = c.Close(ctx, first.ID)
	require.NoError(t, err)
	res, err = c.HandleReady(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, assign.OutcomeAssigned, res.Outcome)
	assert.Equal(t, agent.ID, *res.AgentID)
}

func TestHandleReady_Ranking(t *testing.T) {
	reg := testutil.NewSQLiteRegistry(t)
	ctx := context.Background()
	c := assign.New(reg, testutil.TestLogger(), assign.WithSpecializationFallback(true))

	other := readyAgent(t, reg, "frontend")
	graceMatch := readyAgent(t, reg, "backend")
	activeMatch := readyAgent(t, reg, "backend")
	_, err := reg.UpdateAgent(ctx, activeMatch.ID, activeMatch.Version, func(a model.Agent) (model.Agent, error) {
		a.Status = model.StatusActive
		a.Metrics = &model.MetricsSnapshot{}
		a.AggregateScore = model.Float(50)
		return a, nil
	})
	require.NoError(t, err)

	res, err := c.HandleReady(ctx, openItem(t, reg, "backend").ID)
	require.NoError(t, err)
	assert.Equal(t, activeMatch.ID, *res.AgentID, "active specialist first")

	res, err = c.HandleReady(ctx, openItem(t, reg, "backend").ID)
	require.NoError(t, err)
	assert.Equal(t, graceMatch.ID, *res.AgentID, "then the grace specialist")

	res, err = c.HandleReady(ctx, openItem(t, reg, "backend").ID)
	require.NoError(t, err)
	assert.Equal(t, other.ID, *res.AgentID, "non-matching agents are a fallback")
}

func TestHandleReady_SpecializationMismatch(t *testing.T) {
	reg := testutil.NewSQLiteRegistry(t)
	ctx := context.Background()
	c := assign.New(reg, testutil.TestLogger())
	backend := readyAgent(t, reg, "backend")
	w := openItem(t, reg, "frontend")

	res, err := c.HandleReady(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, assign.OutcomeNoEligibleAgent, res.Outcome)
	assert.Equal(t, "frontend", res.Hint)

	got, err := reg.GetWorkItem(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkItemOpen, got.Status)
	assert.Nil(t, got.AssignedAgentID)

	// Unhinted items still go to anyone.
	res, err = c.HandleReady(ctx, openItem(t, reg, "").ID)
	require.NoError(t, err)
	assert.Equal(t, assign.OutcomeAssigned, res.Outcome)
	assert.Equal(t, backend.ID, *res.AgentID)
}

func TestHandleReady_SpecializationFallback(t *testing.T) {
	reg := testutil.NewSQLiteRegistry(t)
	c := assign.New(reg, testutil.TestLogger(), assign.WithSpecializationFallback(true))
	frontend := readyAgent(t, reg, "frontend")

	res, err := c.HandleReady(context.Background(), openItem(t, reg, "backend").ID)
	require.NoError(t, err)
	assert.Equal(t, assign.OutcomeAssigned, res.Outcome)
	assert.Equal(t, frontend.ID, *res.AgentID)
}

func TestHandleReady_ClassifierHint(t *testing.T) {
	reg := testutil.NewSQLiteRegistry(t)
	ctx := context.Background()
	readyAgent(t, reg, "backend")
	ml := readyAgent(t, reg, "ml")

	var calls atomic.Int32
	classifier := assign.ClassifierFunc(func(_ context.Context, item model.WorkItem) (string, float64, error) {
		calls.Add(1)
		if item.Title == "unsure" {
			return "ml", 0.2, nil
		}
		return "ml", 0.9, nil
	})
	c := assign.New(reg, testutil.TestLogger(),
		assign.WithClassifier(classifier), assign.WithMinConfidence(0.5))

	w, err := reg.CreateWorkItem(ctx, model.WorkItem{Title: "train model"})
	require.NoError(t, err)
	res, err := c.HandleReady(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "ml", res.Hint)
	assert.Equal(t, ml.ID, *res.AgentID)

	w, err = reg.CreateWorkItem(ctx, model.WorkItem{Title: "unsure"})
	require.NoError(t, err)
	res, err = c.HandleReady(ctx, w.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Hint, "low-confidence hints are ignored")
	assert.Equal(t, assign.OutcomeAssigned, res.Outcome)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHandleReady_ClassifierFailureWidensPool(t *testing.T) {
	reg := testutil.NewSQLiteRegistry(t)
	readyAgent(t, reg, "backend")
	c := assign.New(reg, testutil.TestLogger(), assign.WithClassifier(
		assign.ClassifierFunc(func(context.Context, model.WorkItem) (string, float64, error) {
			return "", 0, errors.New("classifier down")
		})))

	res, err := c.HandleReady(context.Background(), openItem(t, reg, "").ID)
	require.NoError(t, err)
	assert.Equal(t, assign.OutcomeAssigned, res.Outcome)
}

// staleRegistry serves a work item snapshot taken before another
// coordinator bound it.
type staleRegistry struct {
	storage.Registry
	stale model.WorkItem
	binds atomic.Int32
}

func (r *staleRegistry) GetWorkItem(context.Context, uuid.UUID) (model.WorkItem, error) {
	return r.stale, nil
}

func (r *staleRegistry) BindWorkItem(ctx context.Context, itemID uuid.UUID, v int64, agentID uuid.UUID) (model.WorkItem, error) {
	r.binds.Add(1)
	return r.Registry.BindWorkItem(ctx, itemID, v, agentID)
}

func TestHandleReady_SecondWriterAbortsWithoutRetry(t *testing.T) {
	reg := testutil.NewSQLiteRegistry(t)
	ctx := context.Background()
	readyAgent(t, reg, "backend")
	readyAgent(t, reg, "backend")
	w := openItem(t, reg, "")

	winner := assign.New(reg, testutil.TestLogger())
	res, err := winner.HandleReady(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, assign.OutcomeAssigned, res.Outcome)
	first := *res.AgentID

	stale := &staleRegistry{Registry: reg, stale: w}
	loser := assign.New(stale, testutil.TestLogger())
	res, err = loser.HandleReady(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, assign.OutcomeLostRace, res.Outcome)
	assert.Equal(t, int32(1), stale.binds.Load(), "no retry after a version mismatch")

	got, err := reg.GetWorkItem(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, first, *got.AssignedAgentID)
}

func TestHandleReady_ConcurrentAtMostOne(t *testing.T) {
	reg := testutil.NewSQLiteRegistry(t)
	ctx := context.Background()
	for _, spec := range []string{"a", "b", "c", "d"} {
		readyAgent(t, reg, spec)
	}
	w := openItem(t, reg, "")
	pub := &recorder{}
	c := assign.New(reg, testutil.TestLogger(), assign.WithPublisher(pub))

	const workers = 8
	outcomes := make([]assign.Outcome, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.HandleReady(ctx, w.ID)
			assert.NoError(t, err)
			outcomes[i] = res.Outcome
		}()
	}
	wg.Wait()

	assigned := 0
	for _, o := range outcomes {
		switch o {
		case assign.OutcomeAssigned:
			assigned++
		case assign.OutcomeAlreadyAssigned, assign.OutcomeLostRace:
		default:
			t.Errorf("unexpected outcome %q", o)
		}
	}
	assert.Equal(t, 1, assigned)
	assert.Len(t, pub.all(), 1)

	audit, err := reg.ListAudit(ctx, w.ID)
	require.NoError(t, err)
	assert.Len(t, audit, 2, "creation and one binding")
}

func TestSweep(t *testing.T) {
	reg := testutil.NewSQLiteRegistry(t)
	ctx := context.Background()
	c := assign.New(reg, testutil.TestLogger())

	spawning, _ := storagetest.Spawn(t, reg, "backend")
	readyAgent(t, reg, "backend")
	openItem(t, reg, "")
	openItem(t, reg, "")

	results, err := c.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)

	counts := map[assign.Outcome]int{}
	for _, r := range results {
		counts[r.Outcome]++
	}
	assert.Equal(t, 1, counts[assign.OutcomeAssigned])
	assert.Equal(t, 1, counts[assign.OutcomeNoEligibleAgent])
	assert.Equal(t, 1, counts[assign.OutcomeSpawnBlocked])

	storagetest.Activate(t, reg, spawning, time.Now())
	results, err = c.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	counts = map[assign.Outcome]int{}
	for _, r := range results {
		counts[r.Outcome]++
	}
	assert.Equal(t, 1, counts[assign.OutcomeAssigned], "the activated agent takes one item")
	assert.Equal(t, 1, counts[assign.OutcomeNoEligibleAgent])
}

func TestStartCloseRelease(t *testing.T) {
	reg := testutil.NewSQLiteRegistry(t)
	ctx := context.Background()
	c := assign.New(reg, testutil.TestLogger())
	readyAgent(t, reg, "backend")

	w, err := c.Create(ctx, model.WorkItem{Title: "fix bug"})
	require.NoError(t, err)
	assert.Equal(t, model.WorkItemOpen, w.Status)

	_, err = c.Start(ctx, w.ID)
	assert.ErrorIs(t, err, storage.ErrIllegalTransition, "open items cannot start")

	_, err = c.HandleReady(ctx, w.ID)
	require.NoError(t, err)

	released, err := c.Release(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkItemOpen, released.Status)
	assert.Nil(t, released.AssignedAgentID)

	again, err := c.Release(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, released.Version, again.Version, "releasing an open item is a no-op")

	_, err = c.HandleReady(ctx, w.ID)
	require.NoError(t, err)
	started, err := c.Start(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkItemInProgress, started.Status)

	_, err = c.Release(ctx, w.ID)
	assert.ErrorIs(t, err, storage.ErrIllegalTransition)

	closed, err := c.Close(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkItemClosed, closed.Status)

	history, err := reg.ListAudit(ctx, w.ID)
	require.NoError(t, err)
	var states []string
	for _, e := range history {
		states = append(states, e.ToState)
	}
	assert.Equal(t, []string{"open", "assigned", "open", "assigned", "in_progress", "closed"}, states)
}
