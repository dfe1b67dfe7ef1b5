package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/darwin/internal/model"
	"github.com/ashita-ai/darwin/internal/storage"
)

const agentColumns = `id, specialization, status, concurrency_limit, created_at, activated_at,
	last_transition_at, metrics, aggregate_score, note, version`

type scanner interface {
	Scan(dest ...any) error
}

// CreateSpawn inserts an agent in Spawning and its first work item, reserving
// a pool slot.
func (s *Store) CreateSpawn(ctx context.Context, agent model.Agent, item model.WorkItem, maxActive int) (model.Agent, model.WorkItem, error) {
	now := s.now()
	agent, item, err := storage.PrepareSpawn(agent, item, now)
	if err != nil {
		return model.Agent{}, model.WorkItem{}, err
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var reserved int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM agents WHERE status IN ('spawning', 'grace_period', 'active')`,
		).Scan(&reserved); err != nil {
			return fmt.Errorf("sqlite: count reserved agents: %w", err)
		}
		if reserved >= maxActive {
			return fmt.Errorf("%w: %d of %d slots reserved", storage.ErrCapacityExceeded, reserved, maxActive)
		}
		if err := insertAgent(ctx, tx, agent); err != nil {
			return err
		}
		if err := insertWorkItem(ctx, tx, item); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, storage.CreationAudit(model.EntityAgent, agent.ID, string(agent.Status), now)); err != nil {
			return err
		}
		return insertAudit(ctx, tx, storage.CreationAudit(model.EntityWorkItem, item.ID, string(item.Status), now))
	})
	if err != nil {
		return model.Agent{}, model.WorkItem{}, err
	}
	return agent, item, nil
}

func insertAgent(ctx context.Context, tx *sql.Tx, a model.Agent) error {
	metrics, err := marshalMetrics(a.Metrics)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.Specialization, string(a.Status), a.ConcurrencyLimit, toNanos(a.CreatedAt),
		nullNanos(a.ActivatedAt), toNanos(a.LastTransitionAt), metrics, nullFloat(a.AggregateScore),
		a.Note, a.Version,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert agent: %w", err)
	}
	return nil
}

// GetAgent returns an agent with its full transition history.
func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	var out model.Agent
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		a, err := getAgent(ctx, tx, id)
		out = a
		return err
	})
	return out, err
}

func getAgent(ctx context.Context, tx *sql.Tx, id uuid.UUID) (model.Agent, error) {
	a, err := scanAgent(tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("sqlite: agent %s: %w", id, storage.ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("sqlite: get agent: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT version, recorded_at, from_status, to_status, score, note
		 FROM agent_history WHERE agent_id = ? ORDER BY version`, id.String())
	if err != nil {
		return model.Agent{}, fmt.Errorf("sqlite: get agent history: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			h        model.HistoryEntry
			recorded int64
			score    sql.NullFloat64
		)
		if err := rows.Scan(&h.Version, &recorded, &h.From, &h.To, &score, &h.Note); err != nil {
			return model.Agent{}, fmt.Errorf("sqlite: scan agent history: %w", err)
		}
		h.RecordedAt = fromNanos(recorded)
		h.Score = floatPtr(score)
		a.History = append(a.History, h)
	}
	if err := rows.Err(); err != nil {
		return model.Agent{}, fmt.Errorf("sqlite: get agent history: %w", err)
	}
	return a, nil
}

// ListAgents returns agents in the given statuses (all when none given),
// ordered by id. History is not loaded.
func (s *Store) ListAgents(ctx context.Context, statuses ...model.AgentStatus) ([]model.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountCapacity returns the number of agents in GracePeriod or Active.
func (s *Store) CountCapacity(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE status IN ('grace_period', 'active')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count capacity: %w", err)
	}
	return n, nil
}

// UpdateAgent applies mutate if the stored version equals expectedVersion.
func (s *Store) UpdateAgent(ctx context.Context, id uuid.UUID, expectedVersion int64, mutate storage.AgentMutator) (model.Agent, error) {
	return s.updateAgent(ctx, id, expectedVersion, 0, false, mutate)
}

// UpdateAgentWithinCapacity is UpdateAgent with the pool-size check made in
// the committing transaction.
func (s *Store) UpdateAgentWithinCapacity(ctx context.Context, id uuid.UUID, expectedVersion int64, maxActive int, mutate storage.AgentMutator) (model.Agent, error) {
	return s.updateAgent(ctx, id, expectedVersion, maxActive, true, mutate)
}

func (s *Store) updateAgent(ctx context.Context, id uuid.UUID, expectedVersion int64, maxActive int, checkCapacity bool, mutate storage.AgentMutator) (model.Agent, error) {
	var out model.Agent
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := getAgent(ctx, tx, id)
		if err != nil {
			return err
		}
		change, err := storage.PrepareAgentUpdate(cur, expectedVersion, mutate, s.now())
		if err != nil {
			return err
		}
		if checkCapacity && change.NeedsCapacity(cur.Status) {
			var others int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM agents WHERE status IN ('grace_period', 'active') AND id <> ?`, id.String(),
			).Scan(&others); err != nil {
				return fmt.Errorf("sqlite: count capacity: %w", err)
			}
			if others >= maxActive {
				return fmt.Errorf("%w: %d of %d slots occupied", storage.ErrCapacityExceeded, others, maxActive)
			}
		}

		next := change.Next
		metrics, err := marshalMetrics(next.Metrics)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE agents
			 SET status = ?, concurrency_limit = ?, activated_at = ?, last_transition_at = ?,
			     metrics = ?, aggregate_score = ?, note = ?, version = ?
			 WHERE id = ? AND version = ?`,
			string(next.Status), next.ConcurrencyLimit, nullNanos(next.ActivatedAt), toNanos(next.LastTransitionAt),
			metrics, nullFloat(next.AggregateScore), next.Note, next.Version,
			id.String(), expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("sqlite: update agent: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: agent %s changed concurrently", storage.ErrVersionConflict, id)
		}
		if h := change.History; h != nil {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO agent_history (agent_id, version, recorded_at, from_status, to_status, score, note)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				id.String(), h.Version, toNanos(h.RecordedAt), string(h.From), string(h.To), nullFloat(h.Score), h.Note,
			); err != nil {
				return fmt.Errorf("sqlite: insert agent history: %w", err)
			}
		}
		if err := insertAudit(ctx, tx, change.Audit); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return model.Agent{}, err
	}
	return out, nil
}

func scanAgent(row scanner) (model.Agent, error) {
	var (
		a                  model.Agent
		id                 string
		created, lastTrans int64
		activated          sql.NullInt64
		metrics            sql.NullString
		score              sql.NullFloat64
	)
	if err := row.Scan(&id, &a.Specialization, &a.Status, &a.ConcurrencyLimit, &created, &activated,
		&lastTrans, &metrics, &score, &a.Note, &a.Version); err != nil {
		return model.Agent{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return model.Agent{}, fmt.Errorf("sqlite: parse agent id: %w", err)
	}
	a.ID = parsed
	a.CreatedAt = fromNanos(created)
	a.ActivatedAt = timePtr(activated)
	a.LastTransitionAt = fromNanos(lastTrans)
	a.AggregateScore = floatPtr(score)
	if metrics.Valid {
		m, err := storage.UnmarshalMetrics([]byte(metrics.String))
		if err != nil {
			return model.Agent{}, err
		}
		a.Metrics = m
	}
	return a, nil
}

func marshalMetrics(m *model.MetricsSnapshot) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("sqlite: marshal metrics: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
