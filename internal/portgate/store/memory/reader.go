package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/types"
)

type reader struct {
	st *state
}

func (r reader) GetUser(_ context.Context, id string) (types.User, error) {
	u, ok := r.st.users[id]
	if !ok {
		return types.User{}, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	return u, nil
}

func (r reader) GetUserByUsername(_ context.Context, username string) (types.User, error) {
	for _, u := range r.st.users {
		if strings.EqualFold(u.Username, username) {
			return u, nil
		}
	}
	return types.User{}, fmt.Errorf("username %s: %w", username, store.ErrNotFound)
}

func (r reader) ListUsers(_ context.Context) ([]types.User, error) {
	out := make([]types.User, 0, len(r.st.users))
	for _, u := range r.st.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (r reader) GetRequest(_ context.Context, id string) (types.PortRequest, error) {
	req, ok := r.st.requests[id]
	if !ok {
		return types.PortRequest{}, fmt.Errorf("request %s: %w", id, store.ErrNotFound)
	}
	return req, nil
}

func (r reader) ListRequests(_ context.Context, f store.RequestFilter) ([]types.PortRequest, error) {
	var out []types.PortRequest
	for _, req := range r.st.requests {
		if f.RequesterID != "" && req.RequesterID != f.RequesterID {
			continue
		}
		if f.Status != "" && req.Status != f.Status {
			continue
		}
		if f.Port != 0 && req.Port != f.Port {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.After(out[j].RequestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r reader) GetPolicy(_ context.Context, id string) (types.PortPolicy, error) {
	p, ok := r.st.policies[id]
	if !ok {
		return types.PortPolicy{}, fmt.Errorf("policy %s: %w", id, store.ErrNotFound)
	}
	return p, nil
}

func (r reader) ListPolicies(_ context.Context, f store.PolicyFilter) ([]types.PortPolicy, error) {
	var out []types.PortPolicy
	for _, p := range r.st.policies {
		if matchPolicy(p, f) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func matchPolicy(p types.PortPolicy, f store.PolicyFilter) bool {
	if f.Port != 0 && p.Port != f.Port {
		return false
	}
	if f.Kind != "" && p.Kind != f.Kind {
		return false
	}
	switch f.Scope {
	case store.ScopeGlobal:
		return p.Global()
	case store.ScopeUser:
		return !p.Global() && (f.UserID == "" || p.UserID == f.UserID)
	default:
		// Without an explicit scope a user filter selects the policies that
		// can affect that user: their own plus the global ones.
		return f.UserID == "" || p.Global() || p.UserID == f.UserID
	}
}

func (r reader) GetGrant(_ context.Context, userID string, port int) (types.PortGrant, error) {
	g, ok := r.st.grants[grantKey{userID, port}]
	if !ok {
		return types.PortGrant{}, fmt.Errorf("grant %s/%d: %w", userID, port, store.ErrNotFound)
	}
	return g, nil
}

func (r reader) ListGrants(_ context.Context, f store.GrantFilter) ([]types.PortGrant, error) {
	var out []types.PortGrant
	for _, g := range r.st.grants {
		if f.UserID != "" && g.UserID != f.UserID {
			continue
		}
		if f.SourcePolicyID != "" && g.SourcePolicyID != f.SourcePolicyID {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Port < out[j].Port
	})
	return out, nil
}

func (r reader) QueryAudit(_ context.Context, f store.AuditFilter, p store.Page) ([]types.AuditLogEntry, int, error) {
	var matched []types.AuditLogEntry
	for _, e := range r.st.audit {
		if f.AsOf > 0 && e.ID > f.AsOf {
			break
		}
		if !f.From.IsZero() && e.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.Timestamp.After(f.To) {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		matched = append(matched, e)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	if p.Offset >= total {
		return nil, total, nil
	}
	end := total
	if p.Limit > 0 && p.Offset+p.Limit < end {
		end = p.Offset + p.Limit
	}
	return matched[p.Offset:end], total, nil
}

func (r reader) AuditAfter(_ context.Context, afterID int64, limit int) ([]types.AuditLogEntry, error) {
	// IDs are dense from 1, so entry id n lives at index n-1.
	start := int(afterID)
	if start < 0 {
		start = 0
	}
	if start >= len(r.st.audit) {
		return nil, nil
	}
	end := len(r.st.audit)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]types.AuditLogEntry, end-start)
	copy(out, r.st.audit[start:end])
	return out, nil
}

func (r reader) LastAuditID(_ context.Context) (int64, error) {
	if n := len(r.st.audit); n > 0 {
		return r.st.audit[n-1].ID, nil
	}
	return 0, nil
}
