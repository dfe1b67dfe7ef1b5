package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/darwin/internal/model"
	"github.com/ashita-ai/darwin/internal/storage"
)

const workItemColumns = `id, status, assigned_agent_id, spawn_transaction_ref, candidate_specialization,
	title, external_ref, created_at, updated_at, version`

// CreateWorkItem inserts a tracker-created item.
func (s *Store) CreateWorkItem(ctx context.Context, item model.WorkItem) (model.WorkItem, error) {
	now := s.now()
	item, err := storage.PrepareWorkItem(item, now)
	if err != nil {
		return model.WorkItem{}, err
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertWorkItem(ctx, tx, item); err != nil {
			return err
		}
		return insertAudit(ctx, tx, storage.CreationAudit(model.EntityWorkItem, item.ID, string(item.Status), now))
	})
	if err != nil {
		return model.WorkItem{}, err
	}
	return item, nil
}

func insertWorkItem(ctx context.Context, tx *sql.Tx, w model.WorkItem) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO work_items (`+workItemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID.String(), string(w.Status), nullUUID(w.AssignedAgentID), nullUUID(w.SpawnTransactionRef),
		w.CandidateSpecialization, w.Title, w.ExternalRef, toNanos(w.CreatedAt), toNanos(w.UpdatedAt), w.Version,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert work item: %w", err)
	}
	return nil
}

// GetWorkItem returns a work item by id.
func (s *Store) GetWorkItem(ctx context.Context, id uuid.UUID) (model.WorkItem, error) {
	w, err := scanWorkItem(s.db.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, id.String()))
	if err != nil {
		return model.WorkItem{}, wrapGetWorkItem(id, err)
	}
	return w, nil
}

func getWorkItem(ctx context.Context, tx *sql.Tx, id uuid.UUID) (model.WorkItem, error) {
	w, err := scanWorkItem(tx.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, id.String()))
	if err != nil {
		return model.WorkItem{}, wrapGetWorkItem(id, err)
	}
	return w, nil
}

func wrapGetWorkItem(id uuid.UUID, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: work item %s: %w", id, storage.ErrNotFound)
	}
	return fmt.Errorf("sqlite: get work item: %w", err)
}

// ListWorkItems returns work items matching filter, ordered by id.
func (s *Store) ListWorkItems(ctx context.Context, filter storage.WorkItemFilter) ([]model.WorkItem, error) {
	var (
		conds []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.SpawnRef != nil {
		conds = append(conds, "spawn_transaction_ref = ?")
		args = append(args, filter.SpawnRef.String())
	}
	if filter.AssignedAgentID != nil {
		conds = append(conds, "assigned_agent_id = ?")
		args = append(args, filter.AssignedAgentID.String())
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list work items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan work item: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateWorkItem applies mutate if the stored version equals expectedVersion.
func (s *Store) UpdateWorkItem(ctx context.Context, id uuid.UUID, expectedVersion int64, mutate storage.WorkItemMutator) (model.WorkItem, error) {
	var out model.WorkItem
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := getWorkItem(ctx, tx, id)
		if err != nil {
			return err
		}
		change, err := storage.PrepareWorkItemUpdate(cur, expectedVersion, mutate, s.now())
		if err != nil {
			return err
		}
		if err := writeWorkItem(ctx, tx, expectedVersion, change); err != nil {
			return err
		}
		out = change.Next
		return nil
	})
	if err != nil {
		return model.WorkItem{}, err
	}
	return out, nil
}

// BindWorkItem assigns an unassigned item to an agent, checking the agent's
// status and load in the same transaction.
func (s *Store) BindWorkItem(ctx context.Context, itemID uuid.UUID, expectedVersion int64, agentID uuid.UUID) (model.WorkItem, error) {
	var out model.WorkItem
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := getWorkItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return fmt.Errorf("%w: work item %s at version %d, expected %d",
				storage.ErrVersionConflict, itemID, cur.Version, expectedVersion)
		}

		var (
			status model.AgentStatus
			limit  int
		)
		err = tx.QueryRowContext(ctx,
			`SELECT status, concurrency_limit FROM agents WHERE id = ?`, agentID.String(),
		).Scan(&status, &limit)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite: agent %s: %w", agentID, storage.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("sqlite: get agent: %w", err)
		}
		if !status.Assignable() {
			return fmt.Errorf("%w: agent %s is %s", storage.ErrAgentUnavailable, agentID, status)
		}
		var load int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM work_items
			 WHERE assigned_agent_id = ? AND status IN ('assigned', 'in_progress')`, agentID.String(),
		).Scan(&load); err != nil {
			return fmt.Errorf("sqlite: count agent load: %w", err)
		}
		if load >= limit {
			return fmt.Errorf("%w: agent %s holds %d of %d items", storage.ErrAgentUnavailable, agentID, load, limit)
		}

		change, err := storage.PrepareWorkItemUpdate(cur, expectedVersion, storage.BindTo(agentID), s.now())
		if err != nil {
			return err
		}
		if err := writeWorkItem(ctx, tx, expectedVersion, change); err != nil {
			return err
		}
		out = change.Next
		return nil
	})
	if err != nil {
		return model.WorkItem{}, err
	}
	return out, nil
}

func writeWorkItem(ctx context.Context, tx *sql.Tx, expectedVersion int64, change storage.WorkItemChange) error {
	next := change.Next
	res, err := tx.ExecContext(ctx,
		`UPDATE work_items
		 SET status = ?, assigned_agent_id = ?, candidate_specialization = ?, title = ?,
		     external_ref = ?, updated_at = ?, version = ?
		 WHERE id = ? AND version = ?`,
		string(next.Status), nullUUID(next.AssignedAgentID), next.CandidateSpecialization, next.Title,
		next.ExternalRef, toNanos(next.UpdatedAt), next.Version,
		next.ID.String(), expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update work item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: work item %s changed concurrently", storage.ErrVersionConflict, next.ID)
	}
	return insertAudit(ctx, tx, change.Audit)
}

// CountOpenAssignments returns, per agent, the number of Assigned or
// InProgress items.
func (s *Store) CountOpenAssignments(ctx context.Context, agentIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	out := make(map[uuid.UUID]int, len(agentIDs))
	if len(agentIDs) == 0 {
		return out, nil
	}
	marks := make([]string, len(agentIDs))
	args := make([]any, len(agentIDs))
	for i, id := range agentIDs {
		out[id] = 0
		marks[i] = "?"
		args[i] = id.String()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT assigned_agent_id, COUNT(*) FROM work_items
		 WHERE assigned_agent_id IN (`+strings.Join(marks, ", ")+`) AND status IN ('assigned', 'in_progress')
		 GROUP BY assigned_agent_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: count open assignments: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("sqlite: scan open assignments: %w", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("sqlite: parse agent id: %w", err)
		}
		out[parsed] = n
	}
	return out, rows.Err()
}

func scanWorkItem(row scanner) (model.WorkItem, error) {
	var (
		w                model.WorkItem
		assigned, ref    uuid.NullUUID
		created, updated int64
	)
	if err := row.Scan(&w.ID, &w.Status, &assigned, &ref, &w.CandidateSpecialization,
		&w.Title, &w.ExternalRef, &created, &updated, &w.Version); err != nil {
		return model.WorkItem{}, err
	}
	w.AssignedAgentID = uuidPtr(assigned)
	w.SpawnTransactionRef = uuidPtr(ref)
	w.CreatedAt = fromNanos(created)
	w.UpdatedAt = fromNanos(updated)
	return w, nil
}

func nullUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func uuidPtr(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}
