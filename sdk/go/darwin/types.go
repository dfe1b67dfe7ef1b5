package darwin

import (
	"time"

	"github.com/google/uuid"
)

// AgentStatus is an agent's lifecycle state.
type AgentStatus string

const (
	StatusSpawning    AgentStatus = "spawning"
	StatusGracePeriod AgentStatus = "grace_period"
	StatusActive      AgentStatus = "active"
	StatusHallOfFame  AgentStatus = "hall_of_fame"
	StatusEliminated  AgentStatus = "eliminated"
)

// WorkItemStatus is a work item's assignment state.
type WorkItemStatus string

const (
	WorkItemOpen              WorkItemStatus = "open"
	WorkItemPendingAssignment WorkItemStatus = "pending_assignment"
	WorkItemAssigned          WorkItemStatus = "assigned"
	WorkItemInProgress        WorkItemStatus = "in_progress"
	WorkItemClosed            WorkItemStatus = "closed"
)

// MetricsSnapshot holds metric components on a 0..100 scale. Nil components
// are omitted from the report and treated as missing.
type MetricsSnapshot struct {
	CodeQuality     *float64  `json:"code_quality,omitempty"`
	IssueResolution *float64  `json:"issue_resolution,omitempty"`
	PRSuccess       *float64  `json:"pr_success,omitempty"`
	PeerReview      *float64  `json:"peer_review,omitempty"`
	Creativity      *float64  `json:"creativity,omitempty"`
	CollectedAt     time.Time `json:"collected_at"`
}

// HistoryEntry records one committed change. From equals To for snapshot
// refreshes.
type HistoryEntry struct {
	Version    int64       `json:"version"`
	RecordedAt time.Time   `json:"recorded_at"`
	From       AgentStatus `json:"from_status"`
	To         AgentStatus `json:"to_status"`
	Score      *float64    `json:"score,omitempty"`
	Note       string      `json:"note,omitempty"`
}

// Agent is a tracked unit of autonomous work capacity.
type Agent struct {
	ID               uuid.UUID        `json:"id"`
	Specialization   string           `json:"specialization"`
	Status           AgentStatus      `json:"status"`
	ConcurrencyLimit int              `json:"concurrency_limit"`
	CreatedAt        time.Time        `json:"created_at"`
	ActivatedAt      *time.Time       `json:"activated_at,omitempty"`
	LastTransitionAt time.Time        `json:"last_transition_at"`
	Metrics          *MetricsSnapshot `json:"metrics,omitempty"`
	AggregateScore   *float64         `json:"aggregate_score,omitempty"`
	Note             string           `json:"note,omitempty"`
	Version          int64            `json:"version"`
	History          []HistoryEntry   `json:"history,omitempty"`
}

// WorkItem is a unit of work from the external tracker.
type WorkItem struct {
	ID                      uuid.UUID      `json:"id"`
	Status                  WorkItemStatus `json:"status"`
	AssignedAgentID         *uuid.UUID     `json:"assigned_agent_id,omitempty"`
	SpawnTransactionRef     *uuid.UUID     `json:"spawn_transaction_ref,omitempty"`
	CandidateSpecialization string         `json:"candidate_specialization,omitempty"`
	Title                   string         `json:"title,omitempty"`
	ExternalRef             string         `json:"external_ref,omitempty"`
	CreatedAt               time.Time      `json:"created_at"`
	UpdatedAt               time.Time      `json:"updated_at"`
	Version                 int64          `json:"version"`
}

// SpawnRequest creates an agent and its bootstrap work item.
type SpawnRequest struct {
	Specialization   string `json:"specialization"`
	ConcurrencyLimit int    `json:"concurrency_limit,omitempty"`
	Title            string `json:"title"`
	ExternalRef      string `json:"external_ref,omitempty"`
}

// SpawnResponse is returned by Spawn.
type SpawnResponse struct {
	Agent    Agent    `json:"agent"`
	WorkItem WorkItem `json:"work_item"`
}

// CreateWorkItemRequest creates a work item.
type CreateWorkItemRequest struct {
	Title                   string `json:"title"`
	ExternalRef             string `json:"external_ref,omitempty"`
	CandidateSpecialization string `json:"candidate_specialization,omitempty"`
}

// WorkItemFilter narrows ListWorkItems. Zero values are ignored.
type WorkItemFilter struct {
	Statuses []WorkItemStatus
	AgentID  *uuid.UUID
	SpawnRef *uuid.UUID
	Limit    int
}

// AgentResult is one agent's outcome within a cycle.
type AgentResult struct {
	OldStatus AgentStatus `json:"old_status"`
	NewStatus AgentStatus `json:"new_status"`
	Score     *float64    `json:"score,omitempty"`
	Note      string      `json:"note,omitempty"`
	Warnings  []string    `json:"warnings,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// EvaluationCycle summarizes one evaluation pass.
type EvaluationCycle struct {
	ID           uuid.UUID                 `json:"id"`
	StartedAt    time.Time                 `json:"started_at"`
	FinishedAt   time.Time                 `json:"finished_at"`
	Results      map[uuid.UUID]AgentResult `json:"per_agent_results"`
	Promotions   []uuid.UUID               `json:"promotions"`
	Eliminations []uuid.UUID               `json:"eliminations"`
	Activations  []uuid.UUID               `json:"activations"`
	Deferred     []uuid.UUID               `json:"deferred"`
	Skipped      []uuid.UUID               `json:"skipped"`
	Errors       []uuid.UUID               `json:"errors"`
}

// AssignResult is the outcome of one assignment attempt during a sweep.
type AssignResult struct {
	WorkItemID uuid.UUID  `json:"work_item_id"`
	Outcome    string     `json:"outcome"`
	AgentID    *uuid.UUID `json:"agent_id,omitempty"`
	Hint       string     `json:"hint,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// AuditEntry records one committed mutation.
type AuditEntry struct {
	ID         int64     `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   uuid.UUID `json:"entity_id"`
	Version    int64     `json:"version"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	Actor      string    `json:"actor,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Health is returned by GET /health.
type Health struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Storage   string `json:"storage"`
	Database  string `json:"database"`
	SSEBroker string `json:"sse_broker,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}
