package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/audit"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/types"
)

type tx struct {
	reader
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func conflict(err error, what string) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", what, store.ErrConflict)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (t *tx) InsertUser(ctx context.Context, u types.User) error {
	_, err := t.q.ExecContext(ctx, `
INSERT INTO users(user_id, username, role, active, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?);
`, u.ID, u.Username, string(u.Role), boolInt(u.Active), u.CreatedAt.UnixMilli(), u.UpdatedAt.UnixMilli())
	if err != nil {
		return conflict(err, "InsertUser "+u.ID)
	}
	return nil
}

func (t *tx) UpdateUser(ctx context.Context, u types.User) error {
	res, err := t.q.ExecContext(ctx, `
UPDATE users
SET username      = ?,
    role          = ?,
    active        = ?,
    updated_at_ms = ?
WHERE user_id = ?;
`, u.Username, string(u.Role), boolInt(u.Active), u.UpdatedAt.UnixMilli(), u.ID)
	if err != nil {
		return conflict(err, "UpdateUser "+u.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("UpdateUser %s: %w", u.ID, store.ErrNotFound)
	}
	return nil
}

func (t *tx) InsertRequest(ctx context.Context, r types.PortRequest) error {
	var reviewed sql.NullInt64
	if r.ReviewedAt != nil {
		reviewed = sql.NullInt64{Int64: r.ReviewedAt.UnixMilli(), Valid: true}
	}
	_, err := t.q.ExecContext(ctx, `
INSERT INTO port_requests(
  request_id, requester_id, port, service, reason, status,
  requested_at_ms, reviewed_at_ms, reviewer_id, admin_comment
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, r.ID, r.RequesterID, r.Port, r.Service, r.Reason, string(r.Status),
		r.RequestedAt.UnixMilli(), reviewed, nullString(r.ReviewerID), r.AdminComment)
	if err != nil {
		return conflict(err, "InsertRequest "+r.ID)
	}
	return nil
}

// CompareAndSwapRequest guards the update with the expected status in the
// WHERE clause, so the row changes at most once per expected state.
func (t *tx) CompareAndSwapRequest(ctx context.Context, r types.PortRequest, expect types.RequestStatus) (bool, error) {
	var reviewed sql.NullInt64
	if r.ReviewedAt != nil {
		reviewed = sql.NullInt64{Int64: r.ReviewedAt.UnixMilli(), Valid: true}
	}
	res, err := t.q.ExecContext(ctx, `
UPDATE port_requests
SET status         = ?,
    reviewed_at_ms = ?,
    reviewer_id    = ?,
    admin_comment  = ?
WHERE request_id = ? AND status = ?;
`, string(r.Status), reviewed, nullString(r.ReviewerID), r.AdminComment, r.ID, string(expect))
	if err != nil {
		return false, conflict(err, "CompareAndSwapRequest "+r.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("CompareAndSwapRequest rows: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := t.GetRequest(ctx, r.ID); err != nil {
		return false, err
	}
	return false, nil
}

func (t *tx) InsertPolicy(ctx context.Context, p types.PortPolicy) error {
	_, err := t.q.ExecContext(ctx, `
INSERT INTO port_policies(policy_id, port, kind, user_id, reason, created_by, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?);
`, p.ID, p.Port, string(p.Kind), p.UserID, p.Reason, p.CreatedBy, p.CreatedAt.UnixMilli())
	if err != nil {
		return conflict(err, "InsertPolicy "+p.ID)
	}
	return nil
}

func (t *tx) DeletePolicy(ctx context.Context, id string) (bool, error) {
	res, err := t.q.ExecContext(ctx, `DELETE FROM port_policies WHERE policy_id = ?;`, id)
	if err != nil {
		return false, fmt.Errorf("DeletePolicy %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (t *tx) PutGrant(ctx context.Context, g types.PortGrant) error {
	_, err := t.q.ExecContext(ctx, `
INSERT INTO port_grants(user_id, port, service, granted_at_ms, source_request_id, source_policy_id)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id, port) DO UPDATE SET
  service           = excluded.service,
  granted_at_ms     = excluded.granted_at_ms,
  source_request_id = excluded.source_request_id,
  source_policy_id  = excluded.source_policy_id;
`, g.UserID, g.Port, g.Service, g.GrantedAt.UnixMilli(), nullString(g.SourceRequestID), nullString(g.SourcePolicyID))
	if err != nil {
		return fmt.Errorf("PutGrant %s/%d: %w", g.UserID, g.Port, err)
	}
	return nil
}

func (t *tx) DeleteGrant(ctx context.Context, userID string, port int) (bool, error) {
	res, err := t.q.ExecContext(ctx, `DELETE FROM port_grants WHERE user_id = ? AND port = ?;`, userID, port)
	if err != nil {
		return false, fmt.Errorf("DeleteGrant %s/%d: %w", userID, port, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (t *tx) AppendAudit(ctx context.Context, e types.AuditLogEntry) (types.AuditLogEntry, error) {
	if !e.Action.Valid() {
		return types.AuditLogEntry{}, fmt.Errorf("AppendAudit: unknown action %q", e.Action)
	}

	var last types.AuditLogEntry
	var tsMs int64
	err := t.q.QueryRowContext(ctx,
		`SELECT entry_id, ts_ms, hash FROM audit_log ORDER BY entry_id DESC LIMIT 1;`,
	).Scan(&last.ID, &tsMs, &last.Hash)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return types.AuditLogEntry{}, fmt.Errorf("AppendAudit last entry: %w", err)
	default:
		last.Timestamp = fromMillis(tsMs)
	}

	if err := store.SealNext(&e, last); err != nil {
		return types.AuditLogEntry{}, err
	}

	oldValue, err := audit.EncodeSnapshot(e.OldValue)
	if err != nil {
		return types.AuditLogEntry{}, fmt.Errorf("AppendAudit: %w", err)
	}
	newValue, err := audit.EncodeSnapshot(e.NewValue)
	if err != nil {
		return types.AuditLogEntry{}, fmt.Errorf("AppendAudit: %w", err)
	}

	if _, err := t.q.ExecContext(ctx, `
INSERT INTO audit_log(
  entry_id, ts_ms, actor_id, actor_role, action, entity_type, entity_id,
  ip_address, user_agent, status, old_value, new_value, error_message,
  prev_hash, hash
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, e.Timestamp.UnixMilli(), e.ActorID, string(e.ActorRole), string(e.Action),
		string(e.EntityType), e.EntityID, e.IPAddress, e.UserAgent, string(e.Status),
		nullBytes(oldValue), nullBytes(newValue), e.ErrorMessage, e.PrevHash, e.Hash); err != nil {
		return types.AuditLogEntry{}, fmt.Errorf("AppendAudit insert: %w", err)
	}

	return e, nil
}

func nullBytes(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: b != nil}
}

var _ store.Tx = (*tx)(nil)
