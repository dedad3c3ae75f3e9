package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/audit"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/types"
)

// querier is satisfied by *sql.Tx for both read and write transactions.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type reader struct {
	q querier
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// ── Users ───────────────────────────────────────────────────────────────────

const userColumns = `user_id, username, role, active, created_at_ms, updated_at_ms`

func scanUser(row scanner) (types.User, error) {
	var (
		u                  types.User
		role               string
		active             int
		createdMs, updated int64
	)
	if err := row.Scan(&u.ID, &u.Username, &role, &active, &createdMs, &updated); err != nil {
		return types.User{}, err
	}
	u.Role = types.Role(role)
	u.Active = active == 1
	u.CreatedAt = fromMillis(createdMs)
	u.UpdatedAt = fromMillis(updated)
	return u, nil
}

func (r reader) GetUser(ctx context.Context, id string) (types.User, error) {
	u, err := scanUser(r.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?;`, id))
	if err != nil {
		return types.User{}, notFound(err, "GetUser "+id)
	}
	return u, nil
}

func (r reader) GetUserByUsername(ctx context.Context, username string) (types.User, error) {
	u, err := scanUser(r.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?;`, username))
	if err != nil {
		return types.User{}, notFound(err, "GetUserByUsername "+username)
	}
	return u, nil
}

func (r reader) ListUsers(ctx context.Context) ([]types.User, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username;`)
	if err != nil {
		return nil, fmt.Errorf("ListUsers query: %w", err)
	}
	defer rows.Close()

	var out []types.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("ListUsers scan: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ── Requests ────────────────────────────────────────────────────────────────

const requestColumns = `request_id, requester_id, port, service, reason, status,
  requested_at_ms, reviewed_at_ms, reviewer_id, admin_comment`

func scanRequest(row scanner) (types.PortRequest, error) {
	var (
		req         types.PortRequest
		status      string
		requestedMs int64
		reviewedMs  sql.NullInt64
		reviewer    sql.NullString
	)
	if err := row.Scan(&req.ID, &req.RequesterID, &req.Port, &req.Service, &req.Reason, &status,
		&requestedMs, &reviewedMs, &reviewer, &req.AdminComment); err != nil {
		return types.PortRequest{}, err
	}
	req.Status = types.RequestStatus(status)
	req.RequestedAt = fromMillis(requestedMs)
	if reviewedMs.Valid {
		t := fromMillis(reviewedMs.Int64)
		req.ReviewedAt = &t
	}
	req.ReviewerID = reviewer.String
	return req, nil
}

func (r reader) GetRequest(ctx context.Context, id string) (types.PortRequest, error) {
	req, err := scanRequest(r.q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM port_requests WHERE request_id = ?;`, id))
	if err != nil {
		return types.PortRequest{}, notFound(err, "GetRequest "+id)
	}
	return req, nil
}

func (r reader) ListRequests(ctx context.Context, f store.RequestFilter) ([]types.PortRequest, error) {
	var (
		where []string
		args  []any
	)
	if f.RequesterID != "" {
		where = append(where, "requester_id = ?")
		args = append(args, f.RequesterID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Port != 0 {
		where = append(where, "port = ?")
		args = append(args, f.Port)
	}

	q := `SELECT ` + requestColumns + ` FROM port_requests` + whereClause(where) +
		` ORDER BY requested_at_ms DESC, request_id ASC;`
	rows, err := r.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ListRequests query: %w", err)
	}
	defer rows.Close()

	var out []types.PortRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("ListRequests scan: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// ── Policies ────────────────────────────────────────────────────────────────

const policyColumns = `policy_id, port, kind, user_id, reason, created_by, created_at_ms`

func scanPolicy(row scanner) (types.PortPolicy, error) {
	var (
		p         types.PortPolicy
		kind      string
		createdMs int64
	)
	if err := row.Scan(&p.ID, &p.Port, &kind, &p.UserID, &p.Reason, &p.CreatedBy, &createdMs); err != nil {
		return types.PortPolicy{}, err
	}
	p.Kind = types.PolicyKind(kind)
	p.CreatedAt = fromMillis(createdMs)
	return p, nil
}

func (r reader) GetPolicy(ctx context.Context, id string) (types.PortPolicy, error) {
	p, err := scanPolicy(r.q.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM port_policies WHERE policy_id = ?;`, id))
	if err != nil {
		return types.PortPolicy{}, notFound(err, "GetPolicy "+id)
	}
	return p, nil
}

func (r reader) ListPolicies(ctx context.Context, f store.PolicyFilter) ([]types.PortPolicy, error) {
	var (
		where []string
		args  []any
	)
	if f.Port != 0 {
		where = append(where, "port = ?")
		args = append(args, f.Port)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	switch f.Scope {
	case store.ScopeGlobal:
		where = append(where, "user_id = ''")
	case store.ScopeUser:
		where = append(where, "user_id <> ''")
		if f.UserID != "" {
			where = append(where, "user_id = ?")
			args = append(args, f.UserID)
		}
	default:
		if f.UserID != "" {
			where = append(where, "(user_id = '' OR user_id = ?)")
			args = append(args, f.UserID)
		}
	}

	q := `SELECT ` + policyColumns + ` FROM port_policies` + whereClause(where) +
		` ORDER BY created_at_ms ASC, policy_id ASC;`
	rows, err := r.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ListPolicies query: %w", err)
	}
	defer rows.Close()

	var out []types.PortPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("ListPolicies scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ── Grants ──────────────────────────────────────────────────────────────────

const grantColumns = `user_id, port, service, granted_at_ms, source_request_id, source_policy_id`

func scanGrant(row scanner) (types.PortGrant, error) {
	var (
		g         types.PortGrant
		grantedMs int64
		srcReq    sql.NullString
		srcPolicy sql.NullString
	)
	if err := row.Scan(&g.UserID, &g.Port, &g.Service, &grantedMs, &srcReq, &srcPolicy); err != nil {
		return types.PortGrant{}, err
	}
	g.GrantedAt = fromMillis(grantedMs)
	g.SourceRequestID = srcReq.String
	g.SourcePolicyID = srcPolicy.String
	return g, nil
}

func (r reader) GetGrant(ctx context.Context, userID string, port int) (types.PortGrant, error) {
	g, err := scanGrant(r.q.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM port_grants WHERE user_id = ? AND port = ?;`, userID, port))
	if err != nil {
		return types.PortGrant{}, notFound(err, fmt.Sprintf("GetGrant %s/%d", userID, port))
	}
	return g, nil
}

func (r reader) ListGrants(ctx context.Context, f store.GrantFilter) ([]types.PortGrant, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.SourcePolicyID != "" {
		where = append(where, "source_policy_id = ?")
		args = append(args, f.SourcePolicyID)
	}

	q := `SELECT ` + grantColumns + ` FROM port_grants` + whereClause(where) + ` ORDER BY user_id, port;`
	rows, err := r.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ListGrants query: %w", err)
	}
	defer rows.Close()

	var out []types.PortGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("ListGrants scan: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ── Audit ───────────────────────────────────────────────────────────────────

const auditColumns = `entry_id, ts_ms, actor_id, actor_role, action, entity_type, entity_id,
  ip_address, user_agent, status, old_value, new_value, error_message, prev_hash, hash`

func scanAudit(row scanner) (types.AuditLogEntry, error) {
	var (
		e                  types.AuditLogEntry
		tsMs               int64
		role, action       string
		entityType, status string
		oldValue, newValue sql.NullString
	)
	if err := row.Scan(&e.ID, &tsMs, &e.ActorID, &role, &action, &entityType, &e.EntityID,
		&e.IPAddress, &e.UserAgent, &status, &oldValue, &newValue, &e.ErrorMessage, &e.PrevHash, &e.Hash); err != nil {
		return types.AuditLogEntry{}, err
	}
	e.Timestamp = fromMillis(tsMs)
	e.ActorRole = types.Role(role)
	e.Action = types.AuditAction(action)
	e.EntityType = types.EntityType(entityType)
	e.Status = types.AuditStatus(status)

	var err error
	if oldValue.Valid {
		if e.OldValue, err = audit.DecodeSnapshot([]byte(oldValue.String)); err != nil {
			return types.AuditLogEntry{}, fmt.Errorf("entry %d old_value: %w", e.ID, err)
		}
	}
	if newValue.Valid {
		if e.NewValue, err = audit.DecodeSnapshot([]byte(newValue.String)); err != nil {
			return types.AuditLogEntry{}, fmt.Errorf("entry %d new_value: %w", e.ID, err)
		}
	}
	return e, nil
}

func (r reader) QueryAudit(ctx context.Context, f store.AuditFilter, p store.Page) ([]types.AuditLogEntry, int, error) {
	var (
		where []string
		args  []any
	)
	if f.AsOf > 0 {
		where = append(where, "entry_id <= ?")
		args = append(args, f.AsOf)
	}
	if !f.From.IsZero() {
		where = append(where, "ts_ms >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		where = append(where, "ts_ms <= ?")
		args = append(args, f.To.UnixMilli())
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(f.Action))
	}
	if f.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	w := whereClause(where)

	var total int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`+w+`;`, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("QueryAudit count: %w", err)
	}

	limit := p.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	q := `SELECT ` + auditColumns + ` FROM audit_log` + w +
		` ORDER BY ts_ms DESC, entry_id ASC LIMIT ? OFFSET ?;`
	rows, err := r.q.QueryContext(ctx, q, append(args, limit, p.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("QueryAudit query: %w", err)
	}
	defer rows.Close()

	var out []types.AuditLogEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("QueryAudit scan: %w", err)
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func (r reader) AuditAfter(ctx context.Context, afterID int64, limit int) ([]types.AuditLogEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_log WHERE entry_id > ? ORDER BY entry_id ASC LIMIT ?;`,
		afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("AuditAfter query: %w", err)
	}
	defer rows.Close()

	var out []types.AuditLogEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("AuditAfter scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r reader) LastAuditID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.q.QueryRowContext(ctx, `SELECT MAX(entry_id) FROM audit_log;`).Scan(&id); err != nil {
		return 0, fmt.Errorf("LastAuditID: %w", err)
	}
	return id.Int64, nil
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}
