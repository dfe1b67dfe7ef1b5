package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/darwin/internal/model"
)

// AgentChange is the validated result of applying a mutator to an agent.
// Backends persist Next, append History when it is non-nil, and write Audit.
type AgentChange struct {
	Next    model.Agent
	History *model.HistoryEntry
	Audit   model.AuditEntry
}

// NeedsCapacity reports whether the change is a status move into a
// capacity-consuming status. GracePeriod to Active counts: the pool size is
// re-checked so an overfull pool defers activation.
func (c AgentChange) NeedsCapacity(prev model.AgentStatus) bool {
	return c.Next.Status != prev && c.Next.Status.CountsAgainstCapacity()
}

// PrepareAgentUpdate applies mutate to a copy of cur and enforces the rules
// every backend shares: version match, fixed identity fields, legal status
// transitions and score bounds. It bumps the version once and stamps the
// history entry for the write; LastTransitionAt moves only when the status
// changed.
func PrepareAgentUpdate(cur model.Agent, expectedVersion int64, mutate AgentMutator, now time.Time) (AgentChange, error) {
	if cur.Version != expectedVersion {
		return AgentChange{}, fmt.Errorf("%w: agent %s at version %d, expected %d",
			ErrVersionConflict, cur.ID, cur.Version, expectedVersion)
	}
	next, err := mutate(cur.Clone())
	if err != nil {
		return AgentChange{}, err
	}

	if next.ID != cur.ID || next.Specialization != cur.Specialization || !next.CreatedAt.Equal(cur.CreatedAt) {
		return AgentChange{}, fmt.Errorf("%w: agent %s identity", ErrImmutableField, cur.ID)
	}
	if !cur.Status.CanTransition(next.Status) {
		return AgentChange{}, fmt.Errorf("%w: agent %s %s -> %s", ErrIllegalTransition, cur.ID, cur.Status, next.Status)
	}
	if next.AggregateScore != nil && (*next.AggregateScore < 0 || *next.AggregateScore > 100) {
		return AgentChange{}, fmt.Errorf("storage: agent %s score %v out of range", cur.ID, *next.AggregateScore)
	}
	if (next.Metrics == nil) != (next.AggregateScore == nil) {
		return AgentChange{}, fmt.Errorf("storage: agent %s score and snapshot must be written together", cur.ID)
	}
	if next.Metrics != nil {
		if err := next.Metrics.Validate(); err != nil {
			return AgentChange{}, err
		}
	}
	if next.ConcurrencyLimit < 1 {
		return AgentChange{}, fmt.Errorf("storage: agent %s concurrency limit must be positive", cur.ID)
	}

	// History is append-only; whatever the mutator did to it is discarded.
	next.History = cur.History
	next.Version = cur.Version + 1

	change := AgentChange{
		Audit: model.AuditEntry{
			EntityType: model.EntityAgent,
			EntityID:   cur.ID,
			Version:    next.Version,
			FromState:  string(cur.Status),
			ToState:    string(next.Status),
			RecordedAt: now,
		},
	}
	// Every committed write is in history, snapshot refreshes included, so
	// the score trail between transitions survives.
	if next.Status != cur.Status {
		next.LastTransitionAt = now
	}
	entry := model.HistoryEntry{
		Version:    next.Version,
		RecordedAt: now,
		From:       cur.Status,
		To:         next.Status,
		Score:      next.AggregateScore,
		Note:       next.Note,
	}
	change.History = &entry
	next.History = append(append([]model.HistoryEntry(nil), cur.History...), entry)
	change.Next = next
	return change, nil
}

// WorkItemChange is the validated result of applying a mutator to a work item.
type WorkItemChange struct {
	Next  model.WorkItem
	Audit model.AuditEntry
}

// PrepareWorkItemUpdate is the work item counterpart of PrepareAgentUpdate.
func PrepareWorkItemUpdate(cur model.WorkItem, expectedVersion int64, mutate WorkItemMutator, now time.Time) (WorkItemChange, error) {
	if cur.Version != expectedVersion {
		return WorkItemChange{}, fmt.Errorf("%w: work item %s at version %d, expected %d",
			ErrVersionConflict, cur.ID, cur.Version, expectedVersion)
	}
	next, err := mutate(cur.Clone())
	if err != nil {
		return WorkItemChange{}, err
	}
	if next.ID != cur.ID || !next.CreatedAt.Equal(cur.CreatedAt) || !sameRef(next.SpawnTransactionRef, cur.SpawnTransactionRef) {
		return WorkItemChange{}, fmt.Errorf("%w: work item %s identity", ErrImmutableField, cur.ID)
	}
	if !cur.Status.CanTransition(next.Status) {
		return WorkItemChange{}, fmt.Errorf("%w: work item %s %s -> %s", ErrIllegalTransition, cur.ID, cur.Status, next.Status)
	}
	if err := next.CheckAssignment(); err != nil {
		return WorkItemChange{}, fmt.Errorf("%w: %v", ErrIllegalTransition, err)
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	return WorkItemChange{
		Next: next,
		Audit: model.AuditEntry{
			EntityType: model.EntityWorkItem,
			EntityID:   cur.ID,
			Version:    next.Version,
			FromState:  string(cur.Status),
			ToState:    string(next.Status),
			RecordedAt: now,
		},
	}, nil
}

// BindTo returns the mutator that assigns an unassigned item to agentID.
func BindTo(agentID uuid.UUID) WorkItemMutator {
	return func(w model.WorkItem) (model.WorkItem, error) {
		if !w.Status.Unassigned() {
			return w, fmt.Errorf("%w: work item %s is %s", ErrIllegalTransition, w.ID, w.Status)
		}
		w.Status = model.WorkItemAssigned
		w.AssignedAgentID = &agentID
		return w, nil
	}
}

// PrepareSpawn normalizes a new agent and its first work item. The pair is
// linked through the item's SpawnTransactionRef.
func PrepareSpawn(agent model.Agent, item model.WorkItem, now time.Time) (model.Agent, model.WorkItem, error) {
	if err := model.ValidateTag(agent.Specialization); err != nil {
		return model.Agent{}, model.WorkItem{}, fmt.Errorf("storage: spawn: %w", err)
	}
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	if agent.ConcurrencyLimit == 0 {
		agent.ConcurrencyLimit = model.DefaultConcurrencyLimit
	}
	if agent.ConcurrencyLimit < 0 {
		return model.Agent{}, model.WorkItem{}, fmt.Errorf("storage: spawn: concurrency limit must be positive")
	}
	agent.Status = model.StatusSpawning
	agent.CreatedAt = now
	agent.LastTransitionAt = now
	agent.ActivatedAt = nil
	agent.Metrics = nil
	agent.AggregateScore = nil
	agent.Note = ""
	agent.Version = 1
	agent.History = nil

	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	ref := agent.ID
	item.Status = model.WorkItemPendingAssignment
	item.SpawnTransactionRef = &ref
	item.AssignedAgentID = nil
	if item.CandidateSpecialization == "" {
		item.CandidateSpecialization = agent.Specialization
	}
	item.CreatedAt = now
	item.UpdatedAt = now
	item.Version = 1
	return agent, item, nil
}

// PrepareWorkItem normalizes a tracker-created work item.
func PrepareWorkItem(item model.WorkItem, now time.Time) (model.WorkItem, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = model.WorkItemOpen
	}
	if !item.Status.Unassigned() {
		return model.WorkItem{}, fmt.Errorf("storage: new work item must be open or pending, got %s", item.Status)
	}
	if item.AssignedAgentID != nil {
		return model.WorkItem{}, fmt.Errorf("storage: new work item must not be assigned")
	}
	item.CreatedAt = now
	item.UpdatedAt = now
	item.Version = 1
	return item, nil
}

// CreationAudit is the audit entry written when a record is first inserted.
func CreationAudit(entityType string, id uuid.UUID, state string, now time.Time) model.AuditEntry {
	return model.AuditEntry{
		EntityType: entityType,
		EntityID:   id,
		Version:    1,
		ToState:    state,
		RecordedAt: now,
	}
}

func sameRef(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
