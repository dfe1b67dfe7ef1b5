package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/darwin/internal/model"
	"github.com/ashita-ai/darwin/internal/storage"
)

func insertAudit(ctx context.Context, tx *sql.Tx, e model.AuditEntry) error {
	e = storage.StampAudit(ctx, e)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit_log (entity_type, entity_id, version, from_state, to_state, actor, request_id, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntityType, e.EntityID.String(), e.Version, e.FromState, e.ToState, e.Actor, e.RequestID, toNanos(e.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert audit: %w", err)
	}
	return nil
}

// ListAudit returns every audit record for an entity, oldest first.
func (s *Store) ListAudit(ctx context.Context, entityID uuid.UUID) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_type, entity_id, version, from_state, to_state, actor, request_id, recorded_at
		 FROM audit_log WHERE entity_id = ? ORDER BY recorded_at, id`, entityID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e        model.AuditEntry
			recorded int64
		)
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Version,
			&e.FromState, &e.ToState, &e.Actor, &e.RequestID, &recorded); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit: %w", err)
		}
		e.RecordedAt = fromNanos(recorded)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PutMetricReport stores the latest snapshot reported for an agent.
func (s *Store) PutMetricReport(ctx context.Context, agentID uuid.UUID, snapshot model.MetricsSnapshot) error {
	if err := snapshot.Validate(); err != nil {
		return err
	}
	now := s.now()
	if snapshot.CollectedAt.IsZero() {
		snapshot.CollectedAt = now
	}
	b, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("sqlite: marshal metric report: %w", err)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE id = ?`, agentID.String()).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite: agent %s: %w", agentID, storage.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("sqlite: get agent: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO metric_reports (agent_id, snapshot, reported_at) VALUES (?, ?, ?)
			 ON CONFLICT (agent_id) DO UPDATE SET snapshot = excluded.snapshot, reported_at = excluded.reported_at`,
			agentID.String(), string(b), toNanos(now),
		); err != nil {
			return fmt.Errorf("sqlite: put metric report: %w", err)
		}
		return nil
	})
}

// LatestMetricReport returns the most recent snapshot reported for an agent.
func (s *Store) LatestMetricReport(ctx context.Context, agentID uuid.UUID) (model.MetricsSnapshot, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM metric_reports WHERE agent_id = ?`, agentID.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.MetricsSnapshot{}, fmt.Errorf("sqlite: metric report %s: %w", agentID, storage.ErrNotFound)
	}
	if err != nil {
		return model.MetricsSnapshot{}, fmt.Errorf("sqlite: get metric report: %w", err)
	}
	m, err := storage.UnmarshalMetrics([]byte(raw))
	if err != nil {
		return model.MetricsSnapshot{}, err
	}
	return *m, nil
}

// SaveCycle persists an evaluation cycle summary.
func (s *Store) SaveCycle(ctx context.Context, cycle model.EvaluationCycle) error {
	b, err := json.Marshal(cycle)
	if err != nil {
		return fmt.Errorf("sqlite: marshal cycle: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO evaluation_cycles (id, started_at, finished_at, summary) VALUES (?, ?, ?, ?)`,
		cycle.ID.String(), toNanos(cycle.StartedAt), toNanos(cycle.FinishedAt), string(b))
	if err != nil {
		return fmt.Errorf("sqlite: save cycle: %w", err)
	}
	return nil
}

// LatestCycle returns the most recently finished evaluation cycle.
func (s *Store) LatestCycle(ctx context.Context) (model.EvaluationCycle, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT summary FROM evaluation_cycles ORDER BY finished_at DESC, id LIMIT 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.EvaluationCycle{}, fmt.Errorf("sqlite: latest cycle: %w", storage.ErrNotFound)
	}
	if err != nil {
		return model.EvaluationCycle{}, fmt.Errorf("sqlite: latest cycle: %w", err)
	}
	var c model.EvaluationCycle
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return model.EvaluationCycle{}, fmt.Errorf("sqlite: unmarshal cycle: %w", err)
	}
	return c, nil
}
