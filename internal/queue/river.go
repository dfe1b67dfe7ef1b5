package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/ashita-ai/darwin/internal/storage"
)

// Queue names.
const (
	QueueAssign   = "assign"
	QueueEvaluate = "evaluate"
)

// ReadyArgs is the job for a work-item-ready event.
type ReadyArgs struct {
	WorkItemID uuid.UUID `json:"work_item_id"`
}

func (ReadyArgs) Kind() string { return "darwin_item_ready" }

func (ReadyArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueAssign}
}

// ActivatedArgs is the job for an agent-activated event.
type ActivatedArgs struct {
	AgentID uuid.UUID `json:"agent_id"`
}

func (ActivatedArgs) Kind() string { return "darwin_agent_activated" }

func (ActivatedArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueAssign}
}

// SweepArgs is the periodic assignment sweep.
type SweepArgs struct{}

func (SweepArgs) Kind() string { return "darwin_sweep" }

func (SweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueAssign}
}

// EvaluateArgs is the periodic evaluation cycle.
type EvaluateArgs struct{}

func (EvaluateArgs) Kind() string { return "darwin_evaluate" }

func (EvaluateArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueEvaluate, MaxAttempts: 1}
}

// ReadyWorker handles ReadyArgs.
type ReadyWorker struct {
	river.WorkerDefaults[ReadyArgs]
	assigner Assigner
}

// NewReadyWorker creates a ReadyWorker.
func NewReadyWorker(a Assigner) *ReadyWorker { return &ReadyWorker{assigner: a} }

func (w *ReadyWorker) Work(ctx context.Context, job *river.Job[ReadyArgs]) error {
	_, err := w.assigner.HandleReady(ctx, job.Args.WorkItemID)
	if errors.Is(err, storage.ErrNotFound) {
		return river.JobCancel(err)
	}
	return err
}

// ActivatedWorker handles ActivatedArgs.
type ActivatedWorker struct {
	river.WorkerDefaults[ActivatedArgs]
	assigner Assigner
}

// NewActivatedWorker creates an ActivatedWorker.
func NewActivatedWorker(a Assigner) *ActivatedWorker { return &ActivatedWorker{assigner: a} }

func (w *ActivatedWorker) Work(ctx context.Context, job *river.Job[ActivatedArgs]) error {
	_, err := w.assigner.HandleAgentActivated(ctx, job.Args.AgentID)
	return err
}

// SweepWorker handles SweepArgs.
type SweepWorker struct {
	river.WorkerDefaults[SweepArgs]
	assigner Assigner
}

// NewSweepWorker creates a SweepWorker.
func NewSweepWorker(a Assigner) *SweepWorker { return &SweepWorker{assigner: a} }

func (w *SweepWorker) Work(ctx context.Context, _ *river.Job[SweepArgs]) error {
	_, err := w.assigner.Sweep(ctx)
	return err
}

// EvaluateWorker handles EvaluateArgs.
type EvaluateWorker struct {
	river.WorkerDefaults[EvaluateArgs]
	evaluator Evaluator
}

// NewEvaluateWorker creates an EvaluateWorker.
func NewEvaluateWorker(e Evaluator) *EvaluateWorker { return &EvaluateWorker{evaluator: e} }

func (w *EvaluateWorker) Work(ctx context.Context, _ *river.Job[EvaluateArgs]) error {
	_, err := w.evaluator.RunCycle(ctx)
	return err
}

// Timeout bounds a cycle. The default job timeout is too short for large
// pools.
func (w *EvaluateWorker) Timeout(*river.Job[EvaluateArgs]) time.Duration { return 30 * time.Minute }

// RiverConfig tunes the River client.
type RiverConfig struct {
	AssignWorkers      int
	EvaluationInterval time.Duration
	SweepInterval      time.Duration
}

// River dispatches events as River jobs.
type River struct {
	client *river.Client[pgx.Tx]
	logger *slog.Logger
}

var _ Dispatcher = (*River)(nil)

// Migrate applies River's own schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("queue: create migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("queue: migrate: %w", err)
	}
	return nil
}

// NewRiver creates a River client with every worker and periodic job
// registered. Call Start to begin working jobs.
func NewRiver(pool *pgxpool.Pool, assigner Assigner, evaluator Evaluator, cfg RiverConfig, logger *slog.Logger) (*River, error) {
	workers := river.NewWorkers()
	river.AddWorker(workers, NewReadyWorker(assigner))
	river.AddWorker(workers, NewActivatedWorker(assigner))
	river.AddWorker(workers, NewSweepWorker(assigner))
	river.AddWorker(workers, NewEvaluateWorker(evaluator))

	var periodic []*river.PeriodicJob
	if cfg.SweepInterval > 0 {
		periodic = append(periodic, river.NewPeriodicJob(
			river.PeriodicInterval(cfg.SweepInterval),
			func() (river.JobArgs, *river.InsertOpts) { return SweepArgs{}, nil },
			nil,
		))
	}
	if cfg.EvaluationInterval > 0 {
		periodic = append(periodic, river.NewPeriodicJob(
			river.PeriodicInterval(cfg.EvaluationInterval),
			func() (river.JobArgs, *river.InsertOpts) { return EvaluateArgs{}, nil },
			nil,
		))
	}

	assignWorkers := cfg.AssignWorkers
	if assignWorkers <= 0 {
		assignWorkers = 10
	}
	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			QueueAssign:   {MaxWorkers: assignWorkers},
			QueueEvaluate: {MaxWorkers: 1},
		},
		Workers:      workers,
		PeriodicJobs: periodic,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: create river client: %w", err)
	}
	return &River{client: client, logger: logger}, nil
}

// Start begins working jobs. It returns once the client is running.
func (r *River) Start(ctx context.Context) error {
	return r.client.Start(ctx)
}

// Stop waits for running jobs to finish.
func (r *River) Stop(ctx context.Context) error {
	return r.client.Stop(ctx)
}

// ItemReady enqueues a ready event.
func (r *River) ItemReady(ctx context.Context, itemID uuid.UUID) error {
	if _, err := r.client.Insert(ctx, ReadyArgs{WorkItemID: itemID}, nil); err != nil {
		return fmt.Errorf("queue: enqueue ready %s: %w", itemID, err)
	}
	return nil
}

// AgentActivated enqueues an activation follow-up.
func (r *River) AgentActivated(ctx context.Context, agentID uuid.UUID) error {
	if _, err := r.client.Insert(ctx, ActivatedArgs{AgentID: agentID}, nil); err != nil {
		return fmt.Errorf("queue: enqueue activated %s: %w", agentID, err)
	}
	return nil
}
