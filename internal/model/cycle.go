package model

import (
	"time"

	"github.com/google/uuid"
)

// AgentResult is one agent's outcome in an evaluation cycle.
type AgentResult struct {
	OldStatus AgentStatus `json:"old_status"`
	NewStatus AgentStatus `json:"new_status"`
	Score     *float64    `json:"score,omitempty"`
	Note      string      `json:"note,omitempty"`
	Warnings  []string    `json:"warnings,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// EvaluationCycle summarizes one pass of the evaluation scheduler. Agents are
// committed independently, so the summary is best-effort rather than a single
// consistent snapshot.
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

// Assignment is the command emitted after a work item is bound to an agent.
type Assignment struct {
	WorkItemID uuid.UUID `json:"work_item_id"`
	AgentID    uuid.UUID `json:"agent_id"`
	AssignedAt time.Time `json:"assigned_at"`
}

// AuditEntry is an append-only record of one successful mutation.
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

// Audit entity types.
const (
	EntityAgent    = "agent"
	EntityWorkItem = "work_item"
)
