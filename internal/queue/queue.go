// Package queue carries assignment events and periodic cycles.
//
// In Postgres mode events become River jobs, so a ready event raised by one
// replica is handled by whichever replica picks the job up, and periodic
// sweeps and evaluation cycles run once per interval across the fleet. In
// lite mode the Inline dispatcher handles events in the caller's goroutine.
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/darwin/internal/model"
	"github.com/ashita-ai/darwin/internal/service/assign"
)

// Dispatcher raises assignment events.
type Dispatcher interface {
	// ItemReady signals that a work item may be assignable: it was created,
	// released, or its agent's slot freed up.
	ItemReady(ctx context.Context, itemID uuid.UUID) error
	// AgentActivated signals that an agent left Spawning.
	AgentActivated(ctx context.Context, agentID uuid.UUID) error
}

// Assigner is the part of the coordinator the queue drives.
type Assigner interface {
	HandleReady(ctx context.Context, itemID uuid.UUID) (assign.Result, error)
	HandleAgentActivated(ctx context.Context, agentID uuid.UUID) ([]assign.Result, error)
	Sweep(ctx context.Context) ([]assign.Result, error)
}

// Evaluator runs one evaluation cycle.
type Evaluator interface {
	RunCycle(ctx context.Context) (model.EvaluationCycle, error)
}

// Inline handles events synchronously.
type Inline struct {
	assigner Assigner
	logger   *slog.Logger
}

var _ Dispatcher = (*Inline)(nil)

// NewInline creates an Inline dispatcher.
func NewInline(assigner Assigner, logger *slog.Logger) *Inline {
	return &Inline{assigner: assigner, logger: logger}
}

// ItemReady runs the coordinator for itemID.
func (d *Inline) ItemReady(ctx context.Context, itemID uuid.UUID) error {
	res, err := d.assigner.HandleReady(ctx, itemID)
	if err != nil {
		return err
	}
	d.logger.Debug("queue: item ready handled", "work_item_id", itemID, "outcome", res.Outcome)
	return nil
}

// AgentActivated retries the items the agent owns.
func (d *Inline) AgentActivated(ctx context.Context, agentID uuid.UUID) error {
	_, err := d.assigner.HandleAgentActivated(ctx, agentID)
	return err
}

// RunSweeps sweeps unassigned items every interval until ctx is done.
func (d *Inline) RunSweeps(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.assigner.Sweep(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("queue: sweep failed", "error", err)
			}
		}
	}
}
