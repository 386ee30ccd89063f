package audit

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore writes the audit trail to the audit_logs table.
type PGStore struct {
	Pool *pgxpool.Pool
}

const auditColumns = `id, actor_kind, COALESCE(actor_user_id, ''), action, resource_type, COALESCE(resource_id, ''),
  method, route, status, COALESCE(ip, ''), COALESCE(request_id, ''), metadata, created_at`

func (s PGStore) InsertAuditLog(ctx context.Context, e Entry) error {
	var metadata []byte
	if len(e.Metadata) > 0 {
		metadata = e.Metadata
	}
	_, err := s.Pool.Exec(ctx, `INSERT INTO audit_logs (actor_kind, actor_user_id, action, resource_type, resource_id,
  method, route, status, ip, request_id, metadata)
VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11)`,
		e.ActorKind, e.ActorUserID, e.Action, e.ResourceType, e.ResourceID, e.Method, e.Route, e.Status, e.IP, e.RequestID, metadata)
	return err
}

func (s PGStore) ListAuditLogs(ctx context.Context, resourceID string, limit, offset int) ([]Entry, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+auditColumns+` FROM audit_logs
WHERE ($1 = '' OR resource_id = $1) ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, resourceID, limit, offset)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		var metadata []byte
		err := row.Scan(&e.ID, &e.ActorKind, &e.ActorUserID, &e.Action, &e.ResourceType, &e.ResourceID,
			&e.Method, &e.Route, &e.Status, &e.IP, &e.RequestID, &metadata, &e.CreatedAt)
		e.Metadata = metadata
		return e, err
	})
}
