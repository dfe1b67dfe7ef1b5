package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/darwin/internal/model"
)

// AgentMutator is a pure function from an agent's current record to the
// desired one. It must not perform I/O: it can run more than once when the
// caller retries after a conflict.
type AgentMutator func(model.Agent) (model.Agent, error)

// WorkItemMutator is the work item counterpart of AgentMutator.
type WorkItemMutator func(model.WorkItem) (model.WorkItem, error)

// WorkItemFilter narrows ListWorkItems. Zero values match everything.
type WorkItemFilter struct {
	Statuses        []model.WorkItemStatus
	SpawnRef        *uuid.UUID
	AssignedAgentID *uuid.UUID
	Limit           int
}

// Registry is durable keyed storage for agents and work items. Every
// mutation is a compare-and-swap on the record's version: on success the
// version increases by exactly one and one audit entry is appended; on
// conflict nothing is written.
//
// Listings are ordered by id so scans are reproducible.
type Registry interface {
	// CreateSpawn inserts a new agent in Spawning together with its first
	// work item (PendingAssignment, SpawnTransactionRef set to the agent).
	// The agent reserves a pool slot: if Spawning, GracePeriod and Active
	// agents already number maxActive, ErrCapacityExceeded is returned.
	CreateSpawn(ctx context.Context, agent model.Agent, item model.WorkItem, maxActive int) (model.Agent, model.WorkItem, error)
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
	ListAgents(ctx context.Context, statuses ...model.AgentStatus) ([]model.Agent, error)
	UpdateAgent(ctx context.Context, id uuid.UUID, expectedVersion int64, mutate AgentMutator) (model.Agent, error)
	// UpdateAgentWithinCapacity is UpdateAgent for transitions into a
	// capacity-consuming status. The count of other GracePeriod and Active
	// agents is re-read inside the committing transaction.
	UpdateAgentWithinCapacity(ctx context.Context, id uuid.UUID, expectedVersion int64, maxActive int, mutate AgentMutator) (model.Agent, error)
	CountCapacity(ctx context.Context) (int, error)

	CreateWorkItem(ctx context.Context, item model.WorkItem) (model.WorkItem, error)
	GetWorkItem(ctx context.Context, id uuid.UUID) (model.WorkItem, error)
	ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]model.WorkItem, error)
	UpdateWorkItem(ctx context.Context, id uuid.UUID, expectedVersion int64, mutate WorkItemMutator) (model.WorkItem, error)
	// BindWorkItem assigns an unassigned item to agentID. Inside one
	// transaction it verifies the item is still at expectedVersion
	// (ErrVersionConflict) and that the agent is assignable and below its
	// concurrency limit (ErrAgentUnavailable).
	BindWorkItem(ctx context.Context, itemID uuid.UUID, expectedVersion int64, agentID uuid.UUID) (model.WorkItem, error)
	CountOpenAssignments(ctx context.Context, agentIDs []uuid.UUID) (map[uuid.UUID]int, error)

	ListAudit(ctx context.Context, entityID uuid.UUID) ([]model.AuditEntry, error)

	PutMetricReport(ctx context.Context, agentID uuid.UUID, snapshot model.MetricsSnapshot) error
	LatestMetricReport(ctx context.Context, agentID uuid.UUID) (model.MetricsSnapshot, error)

	SaveCycle(ctx context.Context, cycle model.EvaluationCycle) error
	LatestCycle(ctx context.Context) (model.EvaluationCycle, error)

	Ping(ctx context.Context) error
}
