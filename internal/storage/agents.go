package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/darwin/internal/model"
)

// capacityLockKey serializes the count-then-write of capacity-consuming
// transitions. It is a transaction-scoped advisory lock, released on commit.
const capacityLockKey int64 = 0x64617277696e

// Transient serialization failures are retried this many times before the
// error is surfaced. Version conflicts are never retried here.
const (
	txRetries   = 3
	txBaseDelay = 10 * time.Millisecond
)

const agentColumns = `id, specialization, status, concurrency_limit, created_at, activated_at,
	last_transition_at, metrics, aggregate_score, note, version`

// CreateSpawn inserts an agent in Spawning and its first work item atomically
// with reserving a pool slot.
func (db *DB) CreateSpawn(ctx context.Context, agent model.Agent, item model.WorkItem, maxActive int) (model.Agent, model.WorkItem, error) {
	now := db.now()
	agent, item, err := PrepareSpawn(agent, item, now)
	if err != nil {
		return model.Agent{}, model.WorkItem{}, err
	}

	err = WithRetry(ctx, txRetries, txBaseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin spawn tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := lockCapacity(ctx, tx); err != nil {
			return err
		}
		var reserved int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM agents WHERE status IN ('spawning', 'grace_period', 'active')`,
		).Scan(&reserved); err != nil {
			return fmt.Errorf("storage: count reserved agents: %w", err)
		}
		if reserved >= maxActive {
			return fmt.Errorf("%w: %d of %d slots reserved", ErrCapacityExceeded, reserved, maxActive)
		}

		if err := insertAgent(ctx, tx, agent); err != nil {
			return err
		}
		if err := insertWorkItem(ctx, tx, item); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, CreationAudit(model.EntityAgent, agent.ID, string(agent.Status), now)); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, CreationAudit(model.EntityWorkItem, item.ID, string(item.Status), now)); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit spawn tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Agent{}, model.WorkItem{}, err
	}
	return agent, item, nil
}

func insertAgent(ctx context.Context, q querier, a model.Agent) error {
	metrics, err := marshalMetrics(a.Metrics)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx,
		`INSERT INTO agents (`+agentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11)`,
		a.ID, a.Specialization, a.Status, a.ConcurrencyLimit, a.CreatedAt, a.ActivatedAt,
		a.LastTransitionAt, metrics, a.AggregateScore, a.Note, a.Version,
	)
	if err != nil {
		return fmt.Errorf("storage: insert agent: %w", err)
	}
	return nil
}

// GetAgent returns an agent with its full transition history.
func (db *DB) GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	return getAgent(ctx, db.pool, id)
}

func getAgent(ctx context.Context, q querier, id uuid.UUID) (model.Agent, error) {
	a, err := scanAgent(q.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}

	rows, err := q.Query(ctx,
		`SELECT version, recorded_at, from_status, to_status, score, note
		 FROM agent_history WHERE agent_id = $1 ORDER BY version`, id)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: get agent history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var h model.HistoryEntry
		if err := rows.Scan(&h.Version, &h.RecordedAt, &h.From, &h.To, &h.Score, &h.Note); err != nil {
			return model.Agent{}, fmt.Errorf("storage: scan agent history: %w", err)
		}
		a.History = append(a.History, h)
	}
	if err := rows.Err(); err != nil {
		return model.Agent{}, fmt.Errorf("storage: get agent history: %w", err)
	}
	return a, nil
}

// ListAgents returns agents in the given statuses (all when none given),
// ordered by id. History is not loaded.
func (db *DB) ListAgents(ctx context.Context, statuses ...model.AgentStatus) ([]model.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, names)
	}
	query += ` ORDER BY id`

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var out []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountCapacity returns the number of agents in GracePeriod or Active.
func (db *DB) CountCapacity(ctx context.Context) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agents WHERE status IN ('grace_period', 'active')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count capacity: %w", err)
	}
	return n, nil
}

// UpdateAgent applies mutate if the stored version equals expectedVersion.
func (db *DB) UpdateAgent(ctx context.Context, id uuid.UUID, expectedVersion int64, mutate AgentMutator) (model.Agent, error) {
	return db.updateAgent(ctx, id, expectedVersion, 0, false, mutate)
}

// UpdateAgentWithinCapacity is UpdateAgent with the pool-size check
// re-validated under the capacity lock.
func (db *DB) UpdateAgentWithinCapacity(ctx context.Context, id uuid.UUID, expectedVersion int64, maxActive int, mutate AgentMutator) (model.Agent, error) {
	return db.updateAgent(ctx, id, expectedVersion, maxActive, true, mutate)
}

func (db *DB) updateAgent(ctx context.Context, id uuid.UUID, expectedVersion int64, maxActive int, checkCapacity bool, mutate AgentMutator) (model.Agent, error) {
	var out model.Agent
	err := WithRetry(ctx, txRetries, txBaseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin update agent tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		cur, err := getAgent(ctx, tx, id)
		if err != nil {
			return err
		}
		change, err := PrepareAgentUpdate(cur, expectedVersion, mutate, db.now())
		if err != nil {
			return err
		}

		if checkCapacity && change.NeedsCapacity(cur.Status) {
			if err := lockCapacity(ctx, tx); err != nil {
				return err
			}
			var others int
			if err := tx.QueryRow(ctx,
				`SELECT COUNT(*) FROM agents WHERE status IN ('grace_period', 'active') AND id <> $1`, id,
			).Scan(&others); err != nil {
				return fmt.Errorf("storage: count capacity: %w", err)
			}
			if others >= maxActive {
				return fmt.Errorf("%w: %d of %d slots occupied", ErrCapacityExceeded, others, maxActive)
			}
		}

		next := change.Next
		metrics, err := marshalMetrics(next.Metrics)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE agents
			 SET status = $3, concurrency_limit = $4, activated_at = $5, last_transition_at = $6,
			     metrics = $7::jsonb, aggregate_score = $8, note = $9, version = $10
			 WHERE id = $1 AND version = $2`,
			id, expectedVersion, next.Status, next.ConcurrencyLimit, next.ActivatedAt, next.LastTransitionAt,
			metrics, next.AggregateScore, next.Note, next.Version,
		)
		if err != nil {
			return fmt.Errorf("storage: update agent: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: agent %s changed concurrently", ErrVersionConflict, id)
		}

		if h := change.History; h != nil {
			if _, err := tx.Exec(ctx,
				`INSERT INTO agent_history (agent_id, version, recorded_at, from_status, to_status, score, note)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				id, h.Version, h.RecordedAt, h.From, h.To, h.Score, h.Note,
			); err != nil {
				return fmt.Errorf("storage: insert agent history: %w", err)
			}
		}
		if err := insertAudit(ctx, tx, change.Audit); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit update agent tx: %w", err)
		}
		out = next
		return nil
	})
	if err != nil {
		return model.Agent{}, err
	}
	return out, nil
}

func lockCapacity(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, capacityLockKey); err != nil {
		return fmt.Errorf("storage: lock capacity: %w", err)
	}
	return nil
}

func scanAgent(row pgx.Row) (model.Agent, error) {
	var (
		a       model.Agent
		metrics []byte
	)
	if err := row.Scan(
		&a.ID, &a.Specialization, &a.Status, &a.ConcurrencyLimit, &a.CreatedAt, &a.ActivatedAt,
		&a.LastTransitionAt, &metrics, &a.AggregateScore, &a.Note, &a.Version,
	); err != nil {
		return model.Agent{}, err
	}
	m, err := UnmarshalMetrics(metrics)
	if err != nil {
		return model.Agent{}, err
	}
	a.Metrics = m
	return a, nil
}

func marshalMetrics(m *model.MetricsSnapshot) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal metrics: %w", err)
	}
	return b, nil
}

// UnmarshalMetrics decodes a stored snapshot; empty input yields nil.
func UnmarshalMetrics(b []byte) (*model.MetricsSnapshot, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m model.MetricsSnapshot
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("storage: unmarshal metrics: %w", err)
	}
	return &m, nil
}
