package service

import (
	"context"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/authz"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/types"
)

const (
	DefaultAuditPageSize = 50
	MaxAuditPageSize     = 500
)

type AuditService struct {
	e        *engine
	verifier *AuditVerifier
}

// AuditPage is one page of a query. AsOf is the highest entry ID the query
// could see; pass it back in the filter to page through the same result.
type AuditPage struct {
	Entries []types.AuditLogEntry `json:"entries"`
	Total   int                   `json:"total"`
	Offset  int                   `json:"offset"`
	Limit   int                   `json:"limit"`
	AsOf    int64                 `json:"as_of"`
}

func (s *AuditService) Query(ctx context.Context, actor types.Actor, f store.AuditFilter, p store.Page) (AuditPage, error) {
	ctx, cancel := s.e.withTimeout(ctx)
	defer cancel()

	if err := s.e.authorize(ctx, actor, authz.OpQueryAudit); err != nil {
		return AuditPage{}, err
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		return AuditPage{}, &ValidationError{Field: "from", Reason: "must not be after to"}
	}
	if f.Action != "" && !f.Action.Valid() {
		return AuditPage{}, &ValidationError{Field: "action", Reason: "unknown audit action"}
	}
	if f.Status != "" && f.Status != types.AuditSuccess && f.Status != types.AuditFailure {
		return AuditPage{}, &ValidationError{Field: "status", Reason: "must be SUCCESS or FAILURE"}
	}
	if p.Offset < 0 {
		return AuditPage{}, &ValidationError{Field: "offset", Reason: "must not be negative"}
	}
	if p.Limit <= 0 {
		p.Limit = DefaultAuditPageSize
	}
	if p.Limit > MaxAuditPageSize {
		p.Limit = MaxAuditPageSize
	}

	page := AuditPage{Offset: p.Offset, Limit: p.Limit}
	err := s.e.view(ctx, "QueryAudit", func(r store.Reader) error {
		if f.AsOf <= 0 {
			last, err := r.LastAuditID(ctx)
			if err != nil {
				return err
			}
			f.AsOf = last
		}
		entries, total, err := r.QueryAudit(ctx, f, p)
		if err != nil {
			return err
		}
		page.Entries, page.Total, page.AsOf = entries, total, f.AsOf
		return nil
	})
	if err != nil {
		return AuditPage{}, err
	}
	if page.Entries == nil {
		page.Entries = []types.AuditLogEntry{}
	}
	return page, nil
}

// RecordSession audits a LOGIN or LOGOUT by the actor.
func (s *AuditService) RecordSession(ctx context.Context, actor types.Actor, action types.AuditAction) error {
	ctx, cancel := s.e.withTimeout(ctx)
	defer cancel()

	if err := s.e.authorize(ctx, actor, authz.OpRecordSession); err != nil {
		return err
	}
	if action != types.ActionLogin && action != types.ActionLogout {
		return &ValidationError{Field: "action", Reason: "must be LOGIN or LOGOUT"}
	}

	entry := s.e.entry(actor, action, types.EntitySession, actor.UserID, types.AuditSuccess)
	entry.NewValue = types.Snapshot{"user_id": actor.UserID, "role": string(actor.Role)}
	err := s.e.update(ctx, "RecordSession", func(tx store.Tx) error {
		return appendAudit(ctx, tx, entry)
	})
	if err != nil {
		return err
	}
	s.e.log.Info("session event", "action", action, "user_id", actor.UserID)
	return nil
}

// AttachVerifier replaces the verifier Verify uses, typically with the
// scheduled one, so both share a checkpoint. Call it before serving.
func (s *AuditService) AttachVerifier(v *AuditVerifier) { s.verifier = v }

// Verify checks the hash chain up to the newest entry and returns the
// verifier's report.
func (s *AuditService) Verify(ctx context.Context, actor types.Actor) (Report, error) {
	if err := s.e.authorize(ctx, actor, authz.OpVerifyAudit); err != nil {
		return Report{}, err
	}
	return s.verifier.VerifyNow(ctx)
}

// VerifyFull checks the whole hash chain from the first entry, including
// entries behind the verifier's checkpoint.
func (s *AuditService) VerifyFull(ctx context.Context, actor types.Actor) (Report, error) {
	if err := s.e.authorize(ctx, actor, authz.OpVerifyAudit); err != nil {
		return Report{}, err
	}
	return s.verifier.VerifyFull(ctx)
}
