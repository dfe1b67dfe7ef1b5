package model

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the lifecycle state of a worker agent.
type AgentStatus string

const (
	StatusSpawning    AgentStatus = "spawning"
	StatusGracePeriod AgentStatus = "grace_period"
	StatusActive      AgentStatus = "active"
	StatusHallOfFame  AgentStatus = "hall_of_fame"
	StatusEliminated  AgentStatus = "eliminated"
)

// DefaultConcurrencyLimit is the number of unresolved work items an agent may
// hold at once when the spawner does not ask for more.
const DefaultConcurrencyLimit = 1

// NoteCapacityDeferred marks a grace-to-active transition that was held back
// because the pool was full.
const NoteCapacityDeferred = "capacity-deferred"

var agentTransitions = map[AgentStatus][]AgentStatus{
	StatusSpawning:    {StatusGracePeriod},
	StatusGracePeriod: {StatusActive, StatusEliminated},
	StatusActive:      {StatusHallOfFame, StatusEliminated},
}

// Valid reports whether s is a known status.
func (s AgentStatus) Valid() bool {
	switch s {
	case StatusSpawning, StatusGracePeriod, StatusActive, StatusHallOfFame, StatusEliminated:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible from s.
func (s AgentStatus) Terminal() bool {
	return s == StatusHallOfFame || s == StatusEliminated
}

// CountsAgainstCapacity reports whether agents in s occupy a pool slot.
func (s AgentStatus) CountsAgainstCapacity() bool {
	return s == StatusGracePeriod || s == StatusActive
}

// Assignable reports whether agents in s may receive work.
func (s AgentStatus) Assignable() bool {
	return s == StatusGracePeriod || s == StatusActive
}

// CanTransition reports whether an agent may move from one status to another.
// Staying in the same status is always allowed so snapshots can be refreshed.
func (s AgentStatus) CanTransition(to AgentStatus) bool {
	if s == to {
		return true
	}
	return slices.Contains(agentTransitions[s], to)
}

// ParseAgentStatus converts a string into an AgentStatus.
func ParseAgentStatus(s string) (AgentStatus, error) {
	st := AgentStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown agent status %q", s)
	}
	return st, nil
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

// Clone returns a deep copy so mutators cannot alias stored state.
func (a Agent) Clone() Agent {
	c := a
	if a.ActivatedAt != nil {
		t := *a.ActivatedAt
		c.ActivatedAt = &t
	}
	if a.Metrics != nil {
		m := a.Metrics.Clone()
		c.Metrics = &m
	}
	if a.AggregateScore != nil {
		s := *a.AggregateScore
		c.AggregateScore = &s
	}
	c.History = slices.Clone(a.History)
	return c
}

// SinceActivation returns how long the agent has been out of Spawning.
// Zero when the agent was never activated.
func (a Agent) SinceActivation(now time.Time) time.Duration {
	if a.ActivatedAt == nil {
		return 0
	}
	return now.Sub(*a.ActivatedAt)
}

// HistoryEntry is one committed write: a status transition, or a snapshot
// refresh where From equals To. Entries are only ever appended.
type HistoryEntry struct {
	Version    int64       `json:"version"`
	RecordedAt time.Time   `json:"recorded_at"`
	From       AgentStatus `json:"from_status"`
	To         AgentStatus `json:"to_status"`
	Score      *float64    `json:"score,omitempty"`
	Note       string      `json:"note,omitempty"`
}

// ValidateTag checks that a specialization tag conforms to the allowed format.
// Tags must start with a lowercase letter and contain only lowercase
// alphanumeric characters, hyphens, and underscores.
func ValidateTag(tag string) error {
	if len(tag) == 0 {
		return fmt.Errorf("tag must not be empty")
	}
	if len(tag) > 64 {
		return fmt.Errorf("tag must be at most 64 characters")
	}
	for i := 0; i < len(tag); i++ {
		c := tag[i]
		if i == 0 {
			if c < 'a' || c > 'z' {
				return fmt.Errorf("tag must start with a lowercase letter, got %q", c)
			}
			continue
		}
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return fmt.Errorf("tag contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
