package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/darwin/internal/model"
)

// PutMetricReport stores the latest externally computed snapshot for an
// agent, replacing any previous report. The agent record itself is only
// updated by the next evaluation cycle.
func (db *DB) PutMetricReport(ctx context.Context, agentID uuid.UUID, snapshot model.MetricsSnapshot) error {
	if err := snapshot.Validate(); err != nil {
		return err
	}
	if snapshot.CollectedAt.IsZero() {
		snapshot.CollectedAt = db.now()
	}
	b, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("storage: marshal metric report: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO metric_reports (agent_id, snapshot, reported_at)
		 SELECT $1, $2::jsonb, $3 WHERE EXISTS (SELECT 1 FROM agents WHERE id = $1)
		 ON CONFLICT (agent_id) DO UPDATE SET snapshot = EXCLUDED.snapshot, reported_at = EXCLUDED.reported_at`,
		agentID, b, db.now(),
	)
	if err != nil {
		return fmt.Errorf("storage: put metric report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

// LatestMetricReport returns the most recent snapshot reported for an agent.
func (db *DB) LatestMetricReport(ctx context.Context, agentID uuid.UUID) (model.MetricsSnapshot, error) {
	var b []byte
	err := db.pool.QueryRow(ctx,
		`SELECT snapshot FROM metric_reports WHERE agent_id = $1`, agentID).Scan(&b)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.MetricsSnapshot{}, fmt.Errorf("storage: metric report %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return model.MetricsSnapshot{}, fmt.Errorf("storage: get metric report: %w", err)
	}
	m, err := UnmarshalMetrics(b)
	if err != nil {
		return model.MetricsSnapshot{}, err
	}
	return *m, nil
}

// SaveCycle persists an evaluation cycle summary.
func (db *DB) SaveCycle(ctx context.Context, cycle model.EvaluationCycle) error {
	b, err := json.Marshal(cycle)
	if err != nil {
		return fmt.Errorf("storage: marshal cycle: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO evaluation_cycles (id, started_at, finished_at, summary)
		 VALUES ($1, $2, $3, $4::jsonb)`,
		cycle.ID, cycle.StartedAt, cycle.FinishedAt, b,
	)
	if err != nil {
		return fmt.Errorf("storage: save cycle: %w", err)
	}
	return nil
}

// LatestCycle returns the most recently finished evaluation cycle.
func (db *DB) LatestCycle(ctx context.Context) (model.EvaluationCycle, error) {
	var b []byte
	err := db.pool.QueryRow(ctx,
		`SELECT summary FROM evaluation_cycles ORDER BY finished_at DESC, id LIMIT 1`).Scan(&b)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.EvaluationCycle{}, fmt.Errorf("storage: latest cycle: %w", ErrNotFound)
	}
	if err != nil {
		return model.EvaluationCycle{}, fmt.Errorf("storage: latest cycle: %w", err)
	}
	var c model.EvaluationCycle
	if err := json.Unmarshal(b, &c); err != nil {
		return model.EvaluationCycle{}, fmt.Errorf("storage: unmarshal cycle: %w", err)
	}
	return c, nil
}
