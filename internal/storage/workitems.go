package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/darwin/internal/model"
)

const workItemColumns = `id, status, assigned_agent_id, spawn_transaction_ref, candidate_specialization,
	title, external_ref, created_at, updated_at, version`

// CreateWorkItem inserts a tracker-created item in Open (or PendingAssignment).
func (db *DB) CreateWorkItem(ctx context.Context, item model.WorkItem) (model.WorkItem, error) {
	now := db.now()
	item, err := PrepareWorkItem(item, now)
	if err != nil {
		return model.WorkItem{}, err
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.WorkItem{}, fmt.Errorf("storage: begin create work item tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertWorkItem(ctx, tx, item); err != nil {
		return model.WorkItem{}, err
	}
	if err := insertAudit(ctx, tx, CreationAudit(model.EntityWorkItem, item.ID, string(item.Status), now)); err != nil {
		return model.WorkItem{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.WorkItem{}, fmt.Errorf("storage: commit create work item tx: %w", err)
	}
	return item, nil
}

func insertWorkItem(ctx context.Context, q querier, w model.WorkItem) error {
	_, err := q.Exec(ctx,
		`INSERT INTO work_items (`+workItemColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		w.ID, w.Status, w.AssignedAgentID, w.SpawnTransactionRef, w.CandidateSpecialization,
		w.Title, w.ExternalRef, w.CreatedAt, w.UpdatedAt, w.Version,
	)
	if err != nil {
		return fmt.Errorf("storage: insert work item: %w", err)
	}
	return nil
}

// GetWorkItem returns a work item by id.
func (db *DB) GetWorkItem(ctx context.Context, id uuid.UUID) (model.WorkItem, error) {
	return getWorkItem(ctx, db.pool, id)
}

func getWorkItem(ctx context.Context, q querier, id uuid.UUID) (model.WorkItem, error) {
	w, err := scanWorkItem(q.QueryRow(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WorkItem{}, fmt.Errorf("storage: work item %s: %w", id, ErrNotFound)
		}
		return model.WorkItem{}, fmt.Errorf("storage: get work item: %w", err)
	}
	return w, nil
}

// ListWorkItems returns work items matching filter, ordered by id.
func (db *DB) ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]model.WorkItem, error) {
	var (
		conds []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		names := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			names[i] = string(s)
		}
		args = append(args, names)
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.SpawnRef != nil {
		args = append(args, *filter.SpawnRef)
		conds = append(conds, fmt.Sprintf("spawn_transaction_ref = $%d", len(args)))
	}
	if filter.AssignedAgentID != nil {
		args = append(args, *filter.AssignedAgentID)
		conds = append(conds, fmt.Sprintf("assigned_agent_id = $%d", len(args)))
	}

	query := `SELECT ` + workItemColumns + ` FROM work_items`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list work items: %w", err)
	}
	defer rows.Close()

	var out []model.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan work item: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateWorkItem applies mutate if the stored version equals expectedVersion.
func (db *DB) UpdateWorkItem(ctx context.Context, id uuid.UUID, expectedVersion int64, mutate WorkItemMutator) (model.WorkItem, error) {
	var out model.WorkItem
	err := WithRetry(ctx, txRetries, txBaseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin update work item tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		cur, err := getWorkItem(ctx, tx, id)
		if err != nil {
			return err
		}
		change, err := PrepareWorkItemUpdate(cur, expectedVersion, mutate, db.now())
		if err != nil {
			return err
		}
		if err := writeWorkItem(ctx, tx, expectedVersion, change); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit update work item tx: %w", err)
		}
		out = change.Next
		return nil
	})
	if err != nil {
		return model.WorkItem{}, err
	}
	return out, nil
}

// BindWorkItem assigns an unassigned item to an agent. The agent row is
// locked for the duration of the transaction so two bindings to the same
// agent cannot both observe spare concurrency.
func (db *DB) BindWorkItem(ctx context.Context, itemID uuid.UUID, expectedVersion int64, agentID uuid.UUID) (model.WorkItem, error) {
	var out model.WorkItem
	err := WithRetry(ctx, txRetries, txBaseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin bind tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		cur, err := getWorkItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return fmt.Errorf("%w: work item %s at version %d, expected %d",
				ErrVersionConflict, itemID, cur.Version, expectedVersion)
		}

		var (
			status model.AgentStatus
			limit  int
		)
		err = tx.QueryRow(ctx,
			`SELECT status, concurrency_limit FROM agents WHERE id = $1 FOR UPDATE`, agentID,
		).Scan(&status, &limit)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: agent %s: %w", agentID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("storage: lock agent: %w", err)
		}
		if !status.Assignable() {
			return fmt.Errorf("%w: agent %s is %s", ErrAgentUnavailable, agentID, status)
		}
		var load int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM work_items
			 WHERE assigned_agent_id = $1 AND status IN ('assigned', 'in_progress')`, agentID,
		).Scan(&load); err != nil {
			return fmt.Errorf("storage: count agent load: %w", err)
		}
		if load >= limit {
			return fmt.Errorf("%w: agent %s holds %d of %d items", ErrAgentUnavailable, agentID, load, limit)
		}

		change, err := PrepareWorkItemUpdate(cur, expectedVersion, BindTo(agentID), db.now())
		if err != nil {
			return err
		}
		if err := writeWorkItem(ctx, tx, expectedVersion, change); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit bind tx: %w", err)
		}
		out = change.Next
		return nil
	})
	if err != nil {
		return model.WorkItem{}, err
	}
	return out, nil
}

func writeWorkItem(ctx context.Context, tx pgx.Tx, expectedVersion int64, change WorkItemChange) error {
	next := change.Next
	tag, err := tx.Exec(ctx,
		`UPDATE work_items
		 SET status = $3, assigned_agent_id = $4, candidate_specialization = $5, title = $6,
		     external_ref = $7, updated_at = $8, version = $9
		 WHERE id = $1 AND version = $2`,
		next.ID, expectedVersion, next.Status, next.AssignedAgentID, next.CandidateSpecialization,
		next.Title, next.ExternalRef, next.UpdatedAt, next.Version,
	)
	if err != nil {
		return fmt.Errorf("storage: update work item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: work item %s changed concurrently", ErrVersionConflict, next.ID)
	}
	return insertAudit(ctx, tx, change.Audit)
}

// CountOpenAssignments returns, per agent, the number of Assigned or
// InProgress items. Agents with none are present with a zero count.
func (db *DB) CountOpenAssignments(ctx context.Context, agentIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	out := make(map[uuid.UUID]int, len(agentIDs))
	if len(agentIDs) == 0 {
		return out, nil
	}
	for _, id := range agentIDs {
		out[id] = 0
	}
	rows, err := db.pool.Query(ctx,
		`SELECT assigned_agent_id, COUNT(*) FROM work_items
		 WHERE assigned_agent_id = ANY($1) AND status IN ('assigned', 'in_progress')
		 GROUP BY assigned_agent_id`, agentIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: count open assignments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id uuid.UUID
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("storage: scan open assignments: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

func scanWorkItem(row pgx.Row) (model.WorkItem, error) {
	var w model.WorkItem
	err := row.Scan(
		&w.ID, &w.Status, &w.AssignedAgentID, &w.SpawnTransactionRef, &w.CandidateSpecialization,
		&w.Title, &w.ExternalRef, &w.CreatedAt, &w.UpdatedAt, &w.Version,
	)
	return w, err
}
