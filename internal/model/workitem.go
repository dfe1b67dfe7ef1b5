package model

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// WorkItemStatus is the assignment state of a work item.
type WorkItemStatus string

const (
	WorkItemOpen              WorkItemStatus = "open"
	WorkItemPendingAssignment WorkItemStatus = "pending_assignment"
	WorkItemAssigned          WorkItemStatus = "assigned"
	WorkItemInProgress        WorkItemStatus = "in_progress"
	WorkItemClosed            WorkItemStatus = "closed"
)

var workItemTransitions = map[WorkItemStatus][]WorkItemStatus{
	WorkItemOpen:              {WorkItemPendingAssignment, WorkItemAssigned, WorkItemClosed},
	WorkItemPendingAssignment: {WorkItemOpen, WorkItemAssigned, WorkItemClosed},
	WorkItemAssigned:          {WorkItemInProgress, WorkItemOpen, WorkItemClosed},
	WorkItemInProgress:        {WorkItemClosed},
}

// Valid reports whether s is a known status.
func (s WorkItemStatus) Valid() bool {
	switch s {
	case WorkItemOpen, WorkItemPendingAssignment, WorkItemAssigned, WorkItemInProgress, WorkItemClosed:
		return true
	}
	return false
}

// Unassigned reports whether an item in s is waiting for an agent.
func (s WorkItemStatus) Unassigned() bool {
	return s == WorkItemOpen || s == WorkItemPendingAssignment
}

// Unresolved reports whether an item in s occupies its agent's concurrency.
func (s WorkItemStatus) Unresolved() bool {
	return s == WorkItemAssigned || s == WorkItemInProgress
}

// CanTransition reports whether an item may move from s to another status.
func (s WorkItemStatus) CanTransition(to WorkItemStatus) bool {
	if s == to {
		return true
	}
	return slices.Contains(workItemTransitions[s], to)
}

// ParseWorkItemStatus converts a string into a WorkItemStatus.
func ParseWorkItemStatus(s string) (WorkItemStatus, error) {
	st := WorkItemStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown work item status %q", s)
	}
	return st, nil
}

// WorkItem is a unit of work sourced from the external tracker.
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

// Clone returns a deep copy.
func (w WorkItem) Clone() WorkItem {
	c := w
	if w.AssignedAgentID != nil {
		id := *w.AssignedAgentID
		c.AssignedAgentID = &id
	}
	if w.SpawnTransactionRef != nil {
		id := *w.SpawnTransactionRef
		c.SpawnTransactionRef = &id
	}
	return c
}

// CheckAssignment verifies that AssignedAgentID agrees with Status.
func (w WorkItem) CheckAssignment() error {
	switch {
	case w.Status.Unresolved() && w.AssignedAgentID == nil:
		return fmt.Errorf("work item in %s must have an assigned agent", w.Status)
	case w.Status.Unassigned() && w.AssignedAgentID != nil:
		return fmt.Errorf("work item in %s must not have an assigned agent", w.Status)
	}
	return nil
}
