// Package assign binds ready work items to eligible agents.
//
// The Coordinator is event driven: it runs when an item is created or
// released, when a spawning agent is activated, and on periodic sweeps. Any
// number of coordinators may run at once. At-most-one assignment per item is
// guaranteed by the registry's version check on the item; per-agent load is
// re-checked inside the same transaction.
package assign

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/darwin/internal/model"
	"github.com/ashita-ai/darwin/internal/storage"
	"github.com/ashita-ai/darwin/internal/telemetry"
)

// Classifier suggests which specialization fits a work item. Its output is
// an opaque compatibility hint.
type Classifier interface {
	SuggestSpecialization(ctx context.Context, item model.WorkItem) (tag string, confidence float64, err error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, item model.WorkItem) (string, float64, error)

// SuggestSpecialization calls f.
func (f ClassifierFunc) SuggestSpecialization(ctx context.Context, item model.WorkItem) (string, float64, error) {
	return f(ctx, item)
}

// AssignmentPublisher receives every committed assignment.
type AssignmentPublisher interface {
	PublishAssignment(ctx context.Context, a model.Assignment) error
}

// Outcome is what HandleReady did with an item.
type Outcome string

const (
	OutcomeAssigned        Outcome = "assigned"
	OutcomeSpawnBlocked    Outcome = "spawn_blocked"
	OutcomeNoEligibleAgent Outcome = "no_eligible_agent"
	OutcomeAlreadyAssigned Outcome = "already_assigned"
	OutcomeClosed          Outcome = "closed"
	OutcomeLostRace        Outcome = "lost_race"
)

// Result reports the handling of one ready event.
type Result struct {
	WorkItemID uuid.UUID  `json:"work_item_id"`
	Outcome    Outcome    `json:"outcome"`
	AgentID    *uuid.UUID `json:"agent_id,omitempty"`
	Hint       string     `json:"hint,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// MaxAttempts bounds the tracker-driven status updates (start, close,
// release), which retry version conflicts from a fresh read.
const MaxAttempts = 3

// Coordinator assigns work items to agents.
type Coordinator struct {
	reg           storage.Registry
	classifier    Classifier
	publishers    []AssignmentPublisher
	minConfidence float64
	fallback      bool
	logger        *slog.Logger
	tracer        trace.Tracer

	metrics *telemetry.Instruments
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClassifier sets the classifier consulted for items without a
// candidate specialization.
func WithClassifier(c Classifier) Option {
	return func(co *Coordinator) { co.classifier = c }
}

// WithPublisher adds a sink for committed assignments.
func WithPublisher(p AssignmentPublisher) Option {
	return func(co *Coordinator) { co.publishers = append(co.publishers, p) }
}

// WithMinConfidence drops classifier hints below c.
func WithMinConfidence(c float64) Option {
	return func(co *Coordinator) { co.minConfidence = c }
}

// WithSpecializationFallback lets agents whose specialization differs from
// the hint take the item, ranked after every match. By default a hinted item
// only goes to matching agents or its spawn owner.
func WithSpecializationFallback(fallback bool) Option {
	return func(co *Coordinator) { co.fallback = fallback }
}

// New creates a Coordinator.
func New(reg storage.Registry, logger *slog.Logger, opts ...Option) *Coordinator {
	metrics, _ := telemetry.NewInstruments()
	c := &Coordinator{
		reg:     reg,
		logger:  logger,
		tracer:  telemetry.Tracer("darwin/assign"),
		metrics: metrics,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandleReady tries to assign one work item.
//
// Items owned by an agent that is still spawning are deferred. The
// classifier is consulted before any conditional write. Binding is a single
// compare-and-swap on the item's version: losing it ends the attempt without
// retry, since another coordinator has bound the item.
func (c *Coordinator) HandleReady(ctx context.Context, itemID uuid.UUID) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "assign.HandleReady",
		trace.WithAttributes(attribute.String("darwin.work_item_id", itemID.String())))
	defer span.End()

	res, err := c.handleReady(ctx, itemID)
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	span.SetAttributes(attribute.String("darwin.assign.outcome", string(res.Outcome)))
	c.metrics.AssignOutcome(ctx, string(res.Outcome))
	return res, nil
}

func (c *Coordinator) handleReady(ctx context.Context, itemID uuid.UUID) (Result, error) {
	res := Result{WorkItemID: itemID}
	item, err := c.reg.GetWorkItem(ctx, itemID)
	if err != nil {
		return res, fmt.Errorf("assign: get work item %s: %w", itemID, err)
	}
	switch {
	case item.Status == model.WorkItemClosed:
		res.Outcome = OutcomeClosed
		return res, nil
	case item.Status.Unresolved():
		res.Outcome, res.AgentID = OutcomeAlreadyAssigned, item.AssignedAgentID
		return res, nil
	}

	var owner *model.Agent
	if ref := item.SpawnTransactionRef; ref != nil {
		a, err := c.reg.GetAgent(ctx, *ref)
		if err != nil {
			return res, fmt.Errorf("assign: resolve spawn owner of %s: %w", itemID, err)
		}
		if a.Status == model.StatusSpawning {
			c.logger.Debug("assign: owner still spawning, deferring", "work_item_id", itemID, "agent_id", a.ID)
			res.Outcome = OutcomeSpawnBlocked
			return res, nil
		}
		owner = &a
	}

	hint := c.hint(ctx, item)
	res.Hint = hint

	ranked, err := c.candidates(ctx, hint, owner)
	if err != nil {
		return res, err
	}
	for _, cand := range ranked {
		bound, err := c.reg.BindWorkItem(ctx, item.ID, item.Version, cand.agent.ID)
		switch {
		case err == nil:
			res.Outcome = OutcomeAssigned
			res.AgentID = bound.AssignedAgentID
			c.logger.Info("assign: work item assigned",
				"work_item_id", item.ID, "agent_id", cand.agent.ID, "hint", hint)
			c.publish(ctx, model.Assignment{WorkItemID: item.ID, AgentID: cand.agent.ID, AssignedAt: bound.UpdatedAt})
			return res, nil
		case errors.Is(err, storage.ErrVersionConflict):
			c.metrics.Conflict(ctx, "work_item")
			c.logger.Info("assign: lost race for work item", "work_item_id", item.ID)
			res.Outcome = OutcomeLostRace
			return res, nil
		case errors.Is(err, storage.ErrAgentUnavailable), errors.Is(err, storage.ErrNotFound):
			continue
		default:
			return res, fmt.Errorf("assign: bind %s to %s: %w", item.ID, cand.agent.ID, err)
		}
	}
	res.Outcome = OutcomeNoEligibleAgent
	return res, nil
}

// hint returns the specialization an item asks for, or "" when any agent
// will do.
func (c *Coordinator) hint(ctx context.Context, item model.WorkItem) string {
	if item.CandidateSpecialization != "" {
		return item.CandidateSpecialization
	}
	if c.classifier == nil {
		return ""
	}
	tag, confidence, err := c.classifier.SuggestSpecialization(ctx, item)
	if err != nil {
		// The hint is advisory; an unavailable classifier widens the pool.
		c.logger.Warn("assign: classifier failed, ignoring hint", "work_item_id", item.ID, "error", err)
		return ""
	}
	if confidence < c.minConfidence {
		return ""
	}
	return tag
}

type candidate struct {
	agent model.Agent
	load  int
	owner bool
	match bool
}

// candidates lists assignable agents below their concurrency limit, best
// first. Loads are a snapshot; BindWorkItem re-checks them.
func (c *Coordinator) candidates(ctx context.Context, hint string, owner *model.Agent) ([]candidate, error) {
	agents, err := c.reg.ListAgents(ctx, model.StatusGracePeriod, model.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("assign: list agents: %w", err)
	}
	ids := make([]uuid.UUID, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	loads, err := c.reg.CountOpenAssignments(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("assign: count loads: %w", err)
	}

	out := make([]candidate, 0, len(agents))
	for _, a := range agents {
		cand := candidate{
			agent: a,
			load:  loads[a.ID],
			owner: owner != nil && owner.ID == a.ID,
			match: hint != "" && a.Specialization == hint,
		}
		if cand.load >= a.ConcurrencyLimit {
			continue
		}
		if !c.fallback && hint != "" && !cand.match && !cand.owner {
			continue
		}
		out = append(out, cand)
	}
	slices.SortFunc(out, compareCandidates)
	return out, nil
}

// compareCandidates orders the spawn owner first, then specialization
// matches, lower load, Active before GracePeriod, higher score and id.
func compareCandidates(a, b candidate) int {
	if a.owner != b.owner {
		return boolFirst(a.owner)
	}
	if a.match != b.match {
		return boolFirst(a.match)
	}
	if a.load != b.load {
		return cmp.Compare(a.load, b.load)
	}
	if aa, ba := a.agent.Status == model.StatusActive, b.agent.Status == model.StatusActive; aa != ba {
		return boolFirst(aa)
	}
	if as, bs := score(a.agent), score(b.agent); as != bs {
		return cmp.Compare(bs, as)
	}
	return bytes.Compare(a.agent.ID[:], b.agent.ID[:])
}

func boolFirst(first bool) int {
	if first {
		return -1
	}
	return 1
}

func score(a model.Agent) float64 {
	if a.AggregateScore == nil {
		return -1
	}
	return *a.AggregateScore
}

func (c *Coordinator) publish(ctx context.Context, a model.Assignment) {
	for _, p := range c.publishers {
		if err := p.PublishAssignment(ctx, a); err != nil {
			c.logger.Warn("assign: publish assignment failed",
				"work_item_id", a.WorkItemID, "agent_id", a.AgentID, "error", err)
		}
	}
}

// HandleAgentActivated is the follow-up event for an agent that left
// Spawning: every unassigned item it owns is retried.
func (c *Coordinator) HandleAgentActivated(ctx context.Context, agentID uuid.UUID) ([]Result, error) {
	items, err := c.reg.ListWorkItems(ctx, storage.WorkItemFilter{
		Statuses: []model.WorkItemStatus{model.WorkItemOpen, model.WorkItemPendingAssignment},
		SpawnRef: &agentID,
	})
	if err != nil {
		return nil, fmt.Errorf("assign: list items of %s: %w", agentID, err)
	}
	return c.handleAll(ctx, items), nil
}

// Sweep retries every unassigned item in id order. Per-item failures are
// reported in the results and do not stop the sweep.
func (c *Coordinator) Sweep(ctx context.Context) ([]Result, error) {
	items, err := c.reg.ListWorkItems(ctx, storage.WorkItemFilter{
		Statuses: []model.WorkItemStatus{model.WorkItemOpen, model.WorkItemPendingAssignment},
	})
	if err != nil {
		return nil, fmt.Errorf("assign: list unassigned items: %w", err)
	}
	results := c.handleAll(ctx, items)
	c.logger.Info("assign: sweep complete", "items", len(items))
	return results, nil
}

func (c *Coordinator) handleAll(ctx context.Context, items []model.WorkItem) []Result {
	results := make([]Result, 0, len(items))
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		res, err := c.HandleReady(ctx, item.ID)
		if err != nil {
			c.logger.Warn("assign: ready event failed", "work_item_id", item.ID, "error", err)
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}

// Create records a tracker-created item. The caller raises the ready event.
func (c *Coordinator) Create(ctx context.Context, item model.WorkItem) (model.WorkItem, error) {
	out, err := c.reg.CreateWorkItem(ctx, item)
	if err != nil {
		return model.WorkItem{}, fmt.Errorf("assign: create work item: %w", err)
	}
	return out, nil
}

// Start marks an assigned item as being worked on.
func (c *Coordinator) Start(ctx context.Context, itemID uuid.UUID) (model.WorkItem, error) {
	return c.update(ctx, itemID, "start", func(w model.WorkItem) (model.WorkItem, bool) {
		if w.Status == model.WorkItemInProgress {
			return w, false
		}
		w.Status = model.WorkItemInProgress
		return w, true
	})
}

// Close resolves an item, freeing its agent's slot.
func (c *Coordinator) Close(ctx context.Context, itemID uuid.UUID) (model.WorkItem, error) {
	return c.update(ctx, itemID, "close", func(w model.WorkItem) (model.WorkItem, bool) {
		if w.Status == model.WorkItemClosed {
			return w, false
		}
		w.Status = model.WorkItemClosed
		return w, true
	})
}

// Release returns an assigned item to Open, as when the tracker unassigns
// it. The caller raises a ready event to reassign it.
func (c *Coordinator) Release(ctx context.Context, itemID uuid.UUID) (model.WorkItem, error) {
	return c.update(ctx, itemID, "release", func(w model.WorkItem) (model.WorkItem, bool) {
		if w.Status.Unassigned() {
			return w, false
		}
		w.Status = model.WorkItemOpen
		w.AssignedAgentID = nil
		return w, true
	})
}

// update applies a tracker status change. change reports false when the
// item is already in the requested state, making the call a no-op.
func (c *Coordinator) update(ctx context.Context, itemID uuid.UUID, op string, change func(model.WorkItem) (model.WorkItem, bool)) (model.WorkItem, error) {
	var (
		next    model.WorkItem
		changed bool
	)
	err := storage.RetryOnConflict(ctx, MaxAttempts, func(int) error {
		cur, err := c.reg.GetWorkItem(ctx, itemID)
		if err != nil {
			return err
		}
		if _, changed = change(cur.Clone()); !changed {
			next = cur
			return nil
		}
		next, err = c.reg.UpdateWorkItem(ctx, itemID, cur.Version, func(w model.WorkItem) (model.WorkItem, error) {
			w, _ = change(w)
			return w, nil
		})
		return err
	}, func(int) { c.metrics.Conflict(ctx, "work_item") })
	if err != nil {
		return model.WorkItem{}, fmt.Errorf("assign: %s %s: %w", op, itemID, err)
	}
	if changed {
		c.logger.Info("assign: work item updated", "op", op, "work_item_id", itemID, "status", next.Status)
	}
	return next, nil
}
