package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/darwin/internal/model"
	"github.com/ashita-ai/darwin/internal/storage"
	"github.com/ashita-ai/darwin/internal/telemetry"
)

// MaxAttempts bounds how many times a write is retried after a version
// conflict, each time from a fresh read.
const MaxAttempts = 3

// ErrRetriesExhausted is returned when every attempt lost a version race.
var ErrRetriesExhausted = errors.New("lifecycle: retries exhausted")

// Engine applies decisions through a registry.
type Engine struct {
	reg    storage.Registry
	policy Policy
	logger *slog.Logger
	now    func() time.Time

	metrics *telemetry.Instruments
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used to age grace periods.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine. The policy must already be validated.
func NewEngine(reg storage.Registry, policy Policy, logger *slog.Logger, opts ...Option) *Engine {
	metrics, _ := telemetry.NewInstruments()
	e := &Engine{
		reg:     reg,
		policy:  policy,
		logger:  logger,
		now:     storage.Now,
		metrics: metrics,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the engine's thresholds.
func (e *Engine) Policy() Policy { return e.policy }

// Now returns the engine's current time.
func (e *Engine) Now() time.Time { return e.now() }

// Outcome describes what Apply did to one agent.
type Outcome struct {
	Agent    model.Agent
	From     model.AgentStatus
	Decision Decision
	// Deferred is set when a grace-to-active move found the pool full. The
	// agent stays in GracePeriod with a capacity-deferred note.
	Deferred bool
	// Written is false when the agent was terminal or still spawning and
	// nothing was stored.
	Written  bool
	Attempts int
}

// Changed reports whether the agent's status moved.
func (o Outcome) Changed() bool { return o.Agent.Status != o.From }

// Apply evaluates one agent against a new score and persists the snapshot,
// the score and any resulting transition in a single write.
//
// Terminal and spawning agents are left untouched. A version conflict is
// retried from a fresh read up to MaxAttempts times.
func (e *Engine) Apply(ctx context.Context, agentID uuid.UUID, snapshot model.MetricsSnapshot, score float64) (Outcome, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("darwin.agent_id", agentID.String()))

	var out Outcome
	err := storage.RetryOnConflict(ctx, MaxAttempts, func(attempt int) error {
		out = Outcome{}
		cur, err := e.reg.GetAgent(ctx, agentID)
		if err != nil {
			return err
		}
		d := Decide(cur.Status, score, cur.SinceActivation(e.now()), e.policy)
		out = Outcome{Agent: cur, From: cur.Status, Decision: d, Attempts: attempt}
		if cur.Status.Terminal() || cur.Status == model.StatusSpawning {
			return nil
		}
		next, deferred, err := e.write(ctx, cur, snapshot, score, d)
		if err != nil {
			return err
		}
		out.Agent, out.Deferred, out.Written = next, deferred, true
		return nil
	}, e.onConflict(ctx, agentID))
	switch {
	case errors.Is(err, storage.ErrConflictsExhausted):
		e.logger.Warn("lifecycle: giving up after conflicts", "agent_id", agentID, "attempts", MaxAttempts)
		return Outcome{}, fmt.Errorf("%w: agent %s: %w", ErrRetriesExhausted, agentID, err)
	case err != nil:
		return out, fmt.Errorf("lifecycle: apply %s: %w", agentID, err)
	}
	if out.Written {
		e.record(ctx, out)
	}
	return out, nil
}

func (e *Engine) onConflict(ctx context.Context, agentID uuid.UUID) func(int) {
	return func(attempt int) {
		e.metrics.Conflict(ctx, "agent")
		e.logger.Debug("lifecycle: version conflict, retrying", "agent_id", agentID, "attempt", attempt)
	}
}

// write commits the decision against the version in cur. When the pool is
// full the decision degrades to a capacity-deferred stay.
func (e *Engine) write(ctx context.Context, cur model.Agent, snapshot model.MetricsSnapshot, score float64, d Decision) (model.Agent, bool, error) {
	mutate := func(note string, status model.AgentStatus) storage.AgentMutator {
		return func(a model.Agent) (model.Agent, error) {
			snap := snapshot.Clone()
			a.Metrics = &snap
			a.AggregateScore = &score
			a.Status = status
			a.Note = note
			return a, nil
		}
	}

	note := ""
	if d.Next != cur.Status {
		note = d.Reason
	}
	if !d.NeedsCapacity {
		next, err := e.reg.UpdateAgent(ctx, cur.ID, cur.Version, mutate(note, d.Next))
		return next, false, err
	}

	next, err := e.reg.UpdateAgentWithinCapacity(ctx, cur.ID, cur.Version, e.policy.MaxActive, mutate(note, d.Next))
	if !errors.Is(err, storage.ErrCapacityExceeded) {
		return next, false, err
	}
	e.metrics.Deferral(ctx, "cycle")
	next, err = e.reg.UpdateAgent(ctx, cur.ID, cur.Version, mutate(model.NoteCapacityDeferred, cur.Status))
	return next, true, err
}

func (e *Engine) record(ctx context.Context, out Outcome) {
	switch {
	case out.Deferred:
		e.logger.Info("lifecycle: transition deferred, pool full",
			"agent_id", out.Agent.ID, "status", out.Agent.Status, "max_active", e.policy.MaxActive)
	case out.Changed():
		e.metrics.Transition(ctx, string(out.From), string(out.Agent.Status))
		e.logger.Info("lifecycle: transition",
			"agent_id", out.Agent.ID,
			"from", out.From,
			"to", out.Agent.Status,
			"reason", out.Decision.Reason,
		)
	}
}

// Activate handles the spawn process's activation event, moving an agent
// from Spawning into GracePeriod and starting its grace window.
//
// Agents that already left Spawning are returned unchanged. When the pool is
// full the error wraps storage.ErrCapacityExceeded and the agent stays in
// Spawning; the spawn process retries later.
func (e *Engine) Activate(ctx context.Context, agentID uuid.UUID) (model.Agent, error) {
	var cur, next model.Agent
	err := storage.RetryOnConflict(ctx, MaxAttempts, func(int) error {
		var err error
		if cur, err = e.reg.GetAgent(ctx, agentID); err != nil {
			return err
		}
		if cur.Status != model.StatusSpawning {
			next = cur
			return nil
		}
		now := e.now()
		next, err = e.reg.UpdateAgentWithinCapacity(ctx, agentID, cur.Version, e.policy.MaxActive,
			func(a model.Agent) (model.Agent, error) {
				a.Status = model.StatusGracePeriod
				a.ActivatedAt = &now
				a.Note = "activated"
				return a, nil
			})
		return err
	}, e.onConflict(ctx, agentID))
	switch {
	case errors.Is(err, storage.ErrConflictsExhausted):
		return model.Agent{}, fmt.Errorf("%w: activate %s: %w", ErrRetriesExhausted, agentID, err)
	case errors.Is(err, storage.ErrCapacityExceeded):
		e.metrics.Deferral(ctx, "activation")
		e.logger.Info("lifecycle: activation deferred, pool full", "agent_id", agentID)
		return cur, fmt.Errorf("lifecycle: activate %s: %w", agentID, err)
	case err != nil:
		return model.Agent{}, fmt.Errorf("lifecycle: activate %s: %w", agentID, err)
	}
	if cur.Status == model.StatusSpawning {
		e.record(ctx, Outcome{Agent: next, From: cur.Status, Decision: Decision{Next: next.Status, Reason: "activated"}})
	}
	return next, nil
}

// Spawn records a new agent in Spawning together with its first work item,
// reserving a pool slot. It fails with storage.ErrCapacityExceeded when
// every slot is taken by spawning, grace or active agents.
func (e *Engine) Spawn(ctx context.Context, agent model.Agent, item model.WorkItem) (model.Agent, model.WorkItem, error) {
	a, w, err := e.reg.CreateSpawn(ctx, agent, item, e.policy.MaxActive)
	if err != nil {
		return model.Agent{}, model.WorkItem{}, fmt.Errorf("lifecycle: spawn %s: %w", agent.Specialization, err)
	}
	e.logger.Info("lifecycle: agent spawned",
		"agent_id", a.ID, "specialization", a.Specialization, "work_item_id", w.ID)
	return a, w, nil
}
