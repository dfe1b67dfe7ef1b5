package darwin

import (
	"time"

	"github.com/google/uuid"
)

// Role is a caller's RBAC role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleSpawner  Role = "spawner"
	RoleTracker  Role = "tracker"
	RoleReporter Role = "reporter"
	RoleReader   Role = "reader"
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

// WorkItem is the public view of a work item handed to a Classifier.
type WorkItem struct {
	ID                      uuid.UUID
	Title                   string
	ExternalRef             string
	CandidateSpecialization string
	// SpawnRef is set on the bootstrap item created alongside an agent.
	SpawnRef *uuid.UUID
}

// MetricsSnapshot holds one agent's metric components on a 0..100 scale.
// Nil components are missing and excluded from the weighted score.
type MetricsSnapshot struct {
	CodeQuality     *float64
	IssueResolution *float64
	PRSuccess       *float64
	PeerReview      *float64
	Creativity      *float64
	CollectedAt     time.Time
}

// Assignment records that a work item was bound to an agent.
type Assignment struct {
	WorkItemID uuid.UUID
	AgentID    uuid.UUID
	AssignedAt time.Time
}

// CycleSummary is the outcome of one evaluation cycle.
type CycleSummary struct {
	ID           uuid.UUID
	StartedAt    time.Time
	FinishedAt   time.Time
	Evaluated    int
	Promotions   []uuid.UUID
	Eliminations []uuid.UUID
	Activations  []uuid.UUID
	Deferred     []uuid.UUID
	Skipped      []uuid.UUID
	Errors       map[uuid.UUID]string
}
