package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/darwin/internal/ctxutil"
	"github.com/ashita-ai/darwin/internal/model"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// StampAudit copies the actor and request ID carried by ctx onto e.
func StampAudit(ctx context.Context, e model.AuditEntry) model.AuditEntry {
	e.Actor = ctxutil.ActorFromContext(ctx)
	e.RequestID = ctxutil.RequestIDFromContext(ctx)
	return e
}

// insertAudit appends one audit record. The target table is immutable.
func insertAudit(ctx context.Context, q querier, e model.AuditEntry) error {
	e = StampAudit(ctx, e)
	_, err := q.Exec(ctx,
		`INSERT INTO audit_log (entity_type, entity_id, version, from_state, to_state, actor, request_id, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.EntityType, e.EntityID, e.Version, e.FromState, e.ToState, e.Actor, e.RequestID, e.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit: %w", err)
	}
	return nil
}

// ListAudit returns every audit record for an entity, oldest first.
func (db *DB) ListAudit(ctx context.Context, entityID uuid.UUID) ([]model.AuditEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, entity_type, entity_id, version, from_state, to_state, actor, request_id, recorded_at
		 FROM audit_log WHERE entity_id = $1
		 ORDER BY recorded_at, id`, entityID)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Version,
			&e.FromState, &e.ToState, &e.Actor, &e.RequestID, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("storage: scan audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
