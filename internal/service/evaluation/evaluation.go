// Package evaluation runs evaluation cycles: it fetches every live agent's
// metrics, scores them and hands each score to the lifecycle engine.
//
// Agents are committed independently, so a cycle is a best-effort pass, not
// a transaction. One agent's failure is recorded in the cycle summary and the
// cycle moves on.
package evaluation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/darwin/internal/model"
	"github.com/ashita-ai/darwin/internal/service/lifecycle"
	"github.com/ashita-ai/darwin/internal/service/scoring"
	"github.com/ashita-ai/darwin/internal/storage"
	"github.com/ashita-ai/darwin/internal/telemetry"
)

// MetricsSource supplies the latest snapshot for an agent. ok is false when
// nothing has been reported yet.
type MetricsSource interface {
	Snapshot(ctx context.Context, agentID uuid.UUID) (snapshot model.MetricsSnapshot, ok bool, err error)
}

// CyclePublisher receives every finished cycle.
type CyclePublisher interface {
	PublishCycle(ctx context.Context, cycle model.EvaluationCycle) error
}

// RegistrySource reads the registry's metric report inbox.
type RegistrySource struct {
	reg storage.Registry
}

// NewRegistrySource creates a MetricsSource over reg.
func NewRegistrySource(reg storage.Registry) *RegistrySource {
	return &RegistrySource{reg: reg}
}

// Snapshot returns the last report for agentID.
func (s *RegistrySource) Snapshot(ctx context.Context, agentID uuid.UUID) (model.MetricsSnapshot, bool, error) {
	snap, err := s.reg.LatestMetricReport(ctx, agentID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.MetricsSnapshot{}, false, nil
	}
	if err != nil {
		return model.MetricsSnapshot{}, false, err
	}
	return snap, true, nil
}

// NoteNoSnapshot marks grace-protected agents skipped for lack of metrics.
const NoteNoSnapshot = "no-snapshot"

// DefaultConcurrency bounds concurrent snapshot fetches.
const DefaultConcurrency = 8

// Scheduler runs evaluation cycles. Cycles on one Scheduler never overlap.
type Scheduler struct {
	reg         storage.Registry
	engine      *lifecycle.Engine
	source      MetricsSource
	weights     model.Weights
	publishers  []CyclePublisher
	concurrency int
	logger      *slog.Logger

	mu      sync.Mutex
	metrics *telemetry.Instruments
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPublisher adds a sink for finished cycles.
func WithPublisher(p CyclePublisher) Option {
	return func(s *Scheduler) { s.publishers = append(s.publishers, p) }
}

// WithConcurrency sets how many snapshots are fetched at once.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// New creates a Scheduler. Invalid weights are rejected here so a
// misconfigured scheduler never starts.
func New(reg storage.Registry, engine *lifecycle.Engine, source MetricsSource, weights model.Weights, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	if err := weights.Validate(); err != nil {
		return nil, fmt.Errorf("evaluation: %w", err)
	}
	metrics, _ := telemetry.NewInstruments()
	s := &Scheduler{
		reg:         reg,
		engine:      engine,
		source:      source,
		weights:     weights,
		concurrency: DefaultConcurrency,
		logger:      logger,
		metrics:     metrics,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type fetched struct {
	snapshot model.MetricsSnapshot
	ok       bool
	err      error
}

type scored struct {
	agent    model.Agent
	snapshot model.MetricsSnapshot
	result   scoring.Result
}

// RunCycle evaluates every GracePeriod and Active agent once.
//
// Snapshots are prefetched concurrently. Decisions are then applied in
// lifecycle.Order so eliminations free slots before grace agents ask for
// one. The summary is persisted and published; a persistence failure is
// returned together with the summary.
func (s *Scheduler) RunCycle(ctx context.Context) (model.EvaluationCycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	cycle := model.EvaluationCycle{
		ID:        uuid.New(),
		StartedAt: s.engine.Now(),
		Results:   make(map[uuid.UUID]model.AgentResult),
	}

	agents, err := s.reg.ListAgents(ctx, model.StatusGracePeriod, model.StatusActive)
	if err != nil {
		return model.EvaluationCycle{}, fmt.Errorf("evaluation: list agents: %w", err)
	}

	snaps := make([]fetched, len(agents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, a := range agents {
		g.Go(func() error {
			snap, ok, err := s.source.Snapshot(gctx, a.ID)
			snaps[i] = fetched{snapshot: snap, ok: ok, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return model.EvaluationCycle{}, fmt.Errorf("evaluation: prefetch: %w", err)
	}

	byID := make(map[uuid.UUID]scored, len(agents))
	plans := make([]lifecycle.Planned, 0, len(agents))
	policy := s.engine.Policy()
	now := s.engine.Now()
	for i, a := range agents {
		f := snaps[i]
		switch {
		case f.err != nil:
			s.fail(&cycle, a, fmt.Errorf("fetch snapshot: %w", f.err))
			continue
		case !f.ok:
			// Nothing can move a protected agent, so there is nothing to score.
			// Past the window an agent that never reported is scored on an
			// empty snapshot: every component is missing and counts as 0.
			if a.Status == model.StatusGracePeriod && a.SinceActivation(now) < policy.GracePeriod {
				cycle.Skipped = append(cycle.Skipped, a.ID)
				cycle.Results[a.ID] = model.AgentResult{OldStatus: a.Status, NewStatus: a.Status, Note: NoteNoSnapshot}
				continue
			}
			f.snapshot = model.MetricsSnapshot{CollectedAt: now}
		}
		res, err := scoring.Aggregate(f.snapshot, s.weights)
		if err != nil {
			s.fail(&cycle, a, err)
			continue
		}
		byID[a.ID] = scored{agent: a, snapshot: f.snapshot, result: res}
		plans = append(plans, lifecycle.Planned{
			AgentID:  a.ID,
			Decision: lifecycle.Decide(a.Status, res.Score, a.SinceActivation(now), policy),
		})
	}
	lifecycle.Order(plans)

	for _, p := range plans {
		if ctx.Err() != nil {
			break
		}
		sc := byID[p.AgentID]
		out, err := s.engine.Apply(ctx, p.AgentID, sc.snapshot, sc.result.Score)
		if err != nil {
			s.fail(&cycle, sc.agent, err)
			continue
		}
		score := sc.result.Score
		cycle.Results[p.AgentID] = model.AgentResult{
			OldStatus: out.From,
			NewStatus: out.Agent.Status,
			Score:     &score,
			Note:      out.Agent.Note,
			Warnings:  sc.result.Warnings(),
		}
		switch {
		case out.Deferred:
			cycle.Deferred = append(cycle.Deferred, p.AgentID)
		case !out.Changed():
		case out.Agent.Status == model.StatusHallOfFame:
			cycle.Promotions = append(cycle.Promotions, p.AgentID)
		case out.Agent.Status == model.StatusEliminated:
			cycle.Eliminations = append(cycle.Eliminations, p.AgentID)
		case out.Agent.Status == model.StatusActive:
			cycle.Activations = append(cycle.Activations, p.AgentID)
		}
	}

	for _, ids := range []*[]uuid.UUID{&cycle.Promotions, &cycle.Eliminations, &cycle.Activations, &cycle.Deferred, &cycle.Skipped, &cycle.Errors} {
		slices.SortFunc(*ids, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	}
	cycle.FinishedAt = s.engine.Now()

	s.metrics.Cycle(ctx, time.Since(start))
	s.logger.Info("evaluation: cycle complete",
		"cycle_id", cycle.ID,
		"agents", len(agents),
		"promotions", len(cycle.Promotions),
		"eliminations", len(cycle.Eliminations),
		"activations", len(cycle.Activations),
		"deferred", len(cycle.Deferred),
		"skipped", len(cycle.Skipped),
		"errors", len(cycle.Errors),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if err := s.reg.SaveCycle(ctx, cycle); err != nil {
		return cycle, fmt.Errorf("evaluation: save cycle: %w", err)
	}
	for _, p := range s.publishers {
		if err := p.PublishCycle(ctx, cycle); err != nil {
			s.logger.Warn("evaluation: publish cycle failed", "cycle_id", cycle.ID, "error", err)
		}
	}
	return cycle, nil
}

func (s *Scheduler) fail(cycle *model.EvaluationCycle, a model.Agent, err error) {
	s.logger.Warn("evaluation: agent skipped this cycle", "agent_id", a.ID, "error", err)
	cycle.Errors = append(cycle.Errors, a.ID)
	cycle.Results[a.ID] = model.AgentResult{OldStatus: a.Status, NewStatus: a.Status, Error: err.Error()}
}

// Run executes a cycle every interval until ctx is cancelled. Cycle errors
// are logged; the loop keeps going.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunCycle(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("evaluation: cycle failed", "error", err)
			}
		}
	}
}
