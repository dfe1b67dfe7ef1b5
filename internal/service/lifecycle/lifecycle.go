// Package lifecycle decides and applies agent status transitions.
//
// Decide is a pure function of an agent's status, its aggregate score and the
// time since activation. Engine wraps it with the registry's optimistic
// concurrency: every write is a compare-and-swap on the version it read, and
// transitions into a capacity-consuming status are re-checked against the
// pool size inside the committing transaction.
package lifecycle

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/darwin/internal/model"
)

// Policy holds the thresholds that drive transitions.
type Policy struct {
	// GracePeriod is the protected window after activation.
	GracePeriod time.Duration `json:"grace_period"`
	// GraceMinimum is the score a grace agent needs to become active.
	GraceMinimum float64 `json:"grace_minimum"`
	// PromotionThreshold moves active agents into the hall of fame.
	PromotionThreshold float64 `json:"promotion_threshold"`
	// EliminationThreshold eliminates active agents scoring below it.
	EliminationThreshold float64 `json:"elimination_threshold"`
	// MaxActive bounds the number of GracePeriod and Active agents.
	MaxActive int `json:"max_active"`
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		GracePeriod:          48 * time.Hour,
		GraceMinimum:         40,
		PromotionThreshold:   65,
		EliminationThreshold: 30,
		MaxActive:            50,
	}
}

// Validate checks thresholds are scores and ordered.
func (p Policy) Validate() error {
	var errs []error
	thresholds := []struct {
		name string
		v    float64
	}{
		{"grace_minimum", p.GraceMinimum},
		{"promotion_threshold", p.PromotionThreshold},
		{"elimination_threshold", p.EliminationThreshold},
	}
	for _, th := range thresholds {
		if th.v < 0 || th.v > 100 {
			errs = append(errs, fmt.Errorf("%s must be within [0, 100], got %v", th.name, th.v))
		}
	}
	if p.EliminationThreshold >= p.PromotionThreshold {
		errs = append(errs, fmt.Errorf("elimination_threshold (%v) must be below promotion_threshold (%v)",
			p.EliminationThreshold, p.PromotionThreshold))
	}
	if p.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("grace_period must not be negative, got %s", p.GracePeriod))
	}
	if p.MaxActive <= 0 {
		errs = append(errs, fmt.Errorf("max_active must be positive, got %d", p.MaxActive))
	}
	if len(errs) > 0 {
		return fmt.Errorf("lifecycle: invalid policy: %w", errors.Join(errs...))
	}
	return nil
}

// Reasons recorded on decisions and in history notes.
const (
	ReasonAwaitingActivation = "awaiting-activation"
	ReasonGraceProtected     = "grace-protected"
	ReasonGracePassed        = "grace-passed"
	ReasonGraceFailed        = "grace-failed"
	ReasonPromoted           = "promoted"
	ReasonBelowElimination   = "below-elimination-threshold"
	ReasonHolding            = "holding"
	ReasonTerminal           = "terminal"
)

// Decision is the outcome of Decide.
type Decision struct {
	Next   model.AgentStatus `json:"next"`
	Reason string            `json:"reason"`
	// NeedsCapacity is set when Next moves the agent into a
	// capacity-consuming status, so the write must be capacity-checked.
	NeedsCapacity bool `json:"needs_capacity"`
}

// Decide returns the status an agent should hold given its latest score.
// Rules are applied in precedence order:
//
//  1. Spawning agents wait for the activation event; scores are ignored.
//  2. GracePeriod agents inside the window never move.
//  3. GracePeriod agents past the window become Active at GraceMinimum or
//     above, and are Eliminated otherwise.
//  4. Active agents at PromotionThreshold or above enter HallOfFame; below
//     EliminationThreshold they are Eliminated; otherwise they stay.
//  5. HallOfFame and Eliminated are terminal.
func Decide(status model.AgentStatus, score float64, sinceActivation time.Duration, p Policy) Decision {
	switch status {
	case model.StatusSpawning:
		return Decision{Next: status, Reason: ReasonAwaitingActivation}
	case model.StatusGracePeriod:
		if sinceActivation < p.GracePeriod {
			return Decision{Next: status, Reason: ReasonGraceProtected}
		}
		if score >= p.GraceMinimum {
			return Decision{Next: model.StatusActive, Reason: ReasonGracePassed, NeedsCapacity: true}
		}
		return Decision{Next: model.StatusEliminated, Reason: ReasonGraceFailed}
	case model.StatusActive:
		switch {
		case score >= p.PromotionThreshold:
			return Decision{Next: model.StatusHallOfFame, Reason: ReasonPromoted}
		case score < p.EliminationThreshold:
			return Decision{Next: model.StatusEliminated, Reason: ReasonBelowElimination}
		}
		return Decision{Next: status, Reason: ReasonHolding}
	}
	return Decision{Next: status, Reason: ReasonTerminal}
}

// Planned pairs an agent with the decision computed for it at the start of
// a cycle.
type Planned struct {
	AgentID  uuid.UUID
	Decision Decision
}

// phase ranks a decision for cycle ordering. Eliminations free slots before
// anything else runs, and activations that need a slot go last.
func (d Decision) phase() int {
	switch {
	case d.Next == model.StatusEliminated:
		return 0
	case d.NeedsCapacity:
		return 2
	}
	return 1
}

// Order sorts plans into application order: eliminations, then promotions
// and stays, then grace-to-active transitions. Within a group agents run in
// id order.
func Order(plans []Planned) {
	slices.SortStableFunc(plans, func(a, b Planned) int {
		if pa, pb := a.Decision.phase(), b.Decision.phase(); pa != pb {
			return pa - pb
		}
		return bytes.Compare(a.AgentID[:], b.AgentID[:])
	})
}
