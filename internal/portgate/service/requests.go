package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/authz"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/notify"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/resolve"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/types"
)

// RequestService owns the port request lifecycle: pending requests are
// created by users and decided once by an administrator.
type RequestService struct {
	e *engine
}

type NewRequest struct {
	// RequesterID defaults to the actor. Only admins may file for others.
	RequesterID string
	Port        int
	Service     string
	Reason      string
}

type DecisionResult struct {
	Request    types.PortRequest `json:"request"`
	Grant      *types.PortGrant  `json:"grant,omitempty"`
	Resolution *resolve.Result   `json:"resolution,omitempty"`
}

func pendingKey(userID string, port int) string {
	return fmt.Sprintf("pending/%s/%d", userID, port)
}

func requestKey(id string) string { return "request/" + id }

func grantKey(userID string, port int) string {
	return fmt.Sprintf("grant/%s/%d", userID, port)
}

func validateNewRequest(nr NewRequest) error {
	if err := validatePort(nr.Port); err != nil {
		return err
	}
	if err := validText("service", nr.Service); err != nil {
		return err
	}
	if err := validText("reason", nr.Reason); err != nil {
		return err
	}
	if n := utf8.RuneCountInString(nr.Service); n < 1 || n > types.MaxServiceLen {
		return &ValidationError{Field: "service", Reason: fmt.Sprintf("must be 1 to %d characters", types.MaxServiceLen)}
	}
	if utf8.RuneCountInString(nr.Reason) > types.MaxReasonLen {
		return &ValidationError{Field: "reason", Reason: fmt.Sprintf("must be at most %d characters", types.MaxReasonLen)}
	}
	return nil
}

func (s *RequestService) CreateRequest(ctx context.Context, actor types.Actor, nr NewRequest) (types.PortRequest, error) {
	ctx, cancel := s.e.withTimeout(ctx)
	defer cancel()

	if err := s.e.authorize(ctx, actor, authz.OpCreateRequest); err != nil {
		return types.PortRequest{}, err
	}

	nr.RequesterID = strings.TrimSpace(nr.RequesterID)
	if nr.RequesterID == "" {
		nr.RequesterID = actor.UserID
	}
	if nr.RequesterID != actor.UserID && !authz.IsAdmin(actor) {
		s.e.log.Warn("authorization denied", "actor_id", actor.UserID, "op", authz.OpCreateRequest, "reason", "filing for another user")
		return types.PortRequest{}, &authz.AuthorizationError{ActorID: actor.UserID, Op: authz.OpCreateRequest, Reason: "may only request ports for yourself"}
	}
	nr.Service = strings.TrimSpace(nr.Service)
	nr.Reason = strings.TrimSpace(nr.Reason)

	req := types.PortRequest{
		ID:          s.e.newID(),
		RequesterID: nr.RequesterID,
		Port:        nr.Port,
		Service:     nr.Service,
		Reason:      nr.Reason,
		Status:      types.StatusPending,
		RequestedAt: s.e.now(),
	}
	entry := s.e.entry(actor, types.ActionCreateRequest, types.EntityRequest, req.ID, types.AuditSuccess)
	entry.NewValue = req.Snapshot()

	if err := validateNewRequest(nr); err != nil {
		return types.PortRequest{}, s.e.failure(ctx, entry, err)
	}

	unlock, err := s.e.lock(ctx, "CreateRequest", pendingKey(req.RequesterID, req.Port))
	if err != nil {
		return types.PortRequest{}, err
	}
	defer unlock()

	err = s.e.update(ctx, "CreateRequest", func(tx store.Tx) error {
		if _, err := tx.GetUser(ctx, req.RequesterID); errors.Is(err, store.ErrNotFound) {
			return &ValidationError{Field: "requester_id", Reason: "unknown user"}
		} else if err != nil {
			return err
		}

		pending, err := tx.ListRequests(ctx, store.RequestFilter{
			RequesterID: req.RequesterID,
			Status:      types.StatusPending,
			Port:        req.Port,
		})
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			return &ValidationError{Field: "port", Reason: fmt.Sprintf("request %s for this port is already pending", pending[0].ID)}
		}

		if err := tx.InsertRequest(ctx, req); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return &ValidationError{Field: "port", Reason: "a request for this port is already pending"}
			}
			return err
		}
		return appendAudit(ctx, tx, entry)
	})
	if err != nil {
		if rejection(err) {
			return types.PortRequest{}, s.e.failure(ctx, entry, err)
		}
		return types.PortRequest{}, err
	}

	s.e.log.Info("port request created", "request_id", req.ID, "requester_id", req.RequesterID, "port", req.Port)
	return req, nil
}

// Decide moves a pending request to approved or denied. The status check,
// the policy check for approvals, the grant and the audit entry all commit
// in one transaction; a concurrent second decision sees the first one's
// result and fails with *AlreadyDecidedError.
func (s *RequestService) Decide(ctx context.Context, actor types.Actor, requestID string, decision types.Decision, comment string) (DecisionResult, error) {
	ctx, cancel := s.e.withTimeout(ctx)
	defer cancel()

	if err := s.e.authorize(ctx, actor, authz.OpDecideRequest); err != nil {
		return DecisionResult{}, err
	}
	if !decision.Valid() {
		s.e.log.Warn("decision rejected", "actor_id", actor.UserID, "request_id", cleanText(requestID), "decision", cleanText(string(decision)))
		return DecisionResult{}, &ValidationError{Field: "decision", Reason: "must be approve or deny"}
	}
	comment = strings.TrimSpace(comment)

	entry := s.e.entry(actor, decision.Action(), types.EntityRequest, requestID, types.AuditSuccess)

	if err := validText("comment", comment); err != nil {
		s.currentSnapshot(ctx, requestID, &entry)
		return DecisionResult{}, s.e.failure(ctx, entry, err)
	}
	if decision == types.DecisionDeny && comment == "" {
		cause := &ValidationError{Field: "comment", Reason: "required when denying a request"}
		s.currentSnapshot(ctx, requestID, &entry)
		return DecisionResult{}, s.e.failure(ctx, entry, cause)
	}

	unlock, err := s.e.lock(ctx, "Decide", requestKey(requestID))
	if err != nil {
		return DecisionResult{}, err
	}
	defer unlock()

	var res DecisionResult
	err = s.e.update(ctx, "Decide", func(tx store.Tx) error {
		res = DecisionResult{}
		req, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		entry.OldValue = req.Snapshot()
		if req.Status != types.StatusPending {
			return &AlreadyDecidedError{RequestID: req.ID, Status: req.Status}
		}

		now := s.e.now()
		next := req
		next.Status = decision.Status()
		next.ReviewedAt = &now
		next.ReviewerID = actor.UserID
		next.AdminComment = comment

		if decision == types.DecisionApprove {
			policies, err := tx.ListPolicies(ctx, store.PolicyFilter{Port: req.Port, UserID: req.RequesterID})
			if err != nil {
				return err
			}
			r := resolve.Resolve(policies, req.RequesterID, req.Port)
			res.Resolution = &r
			if r.Verdict == resolve.Deny {
				return &PolicyConflictError{
					RequestID: req.ID,
					UserID:    req.RequesterID,
					Port:      req.Port,
					Rule:      r.Rule,
					PolicyID:  r.Policy.ID,
				}
			}
		}

		swapped, err := tx.CompareAndSwapRequest(ctx, next, types.StatusPending)
		if err != nil {
			return err
		}
		if !swapped {
			cur, err := tx.GetRequest(ctx, requestID)
			if err != nil {
				return err
			}
			return &AlreadyDecidedError{RequestID: req.ID, Status: cur.Status}
		}

		newValue := next.Snapshot()
		if decision == types.DecisionApprove {
			g := types.PortGrant{
				UserID:          req.RequesterID,
				Port:            req.Port,
				Service:         req.Service,
				GrantedAt:       now,
				SourceRequestID: req.ID,
			}
			if err := tx.PutGrant(ctx, g); err != nil {
				return err
			}
			res.Grant = &g
			newValue["grant"] = g.Snapshot()
		}
		entry.NewValue = newValue
		res.Request = next
		return appendAudit(ctx, tx, entry)
	})
	if err != nil {
		if rejection(err) {
			return DecisionResult{}, s.e.failure(ctx, entry, err)
		}
		return DecisionResult{}, err
	}

	s.e.log.Info("port request decided",
		"request_id", requestID, "decision", decision, "reviewer_id", actor.UserID)
	if res.Grant != nil {
		evt := notify.NewEvent(notify.GrantCreated, res.Grant.GrantedAt)
		evt.UserID, evt.Port, evt.RequestID = res.Grant.UserID, res.Grant.Port, requestID
		s.e.publish(ctx, evt)
	}
	return res, nil
}

// currentSnapshot fills entry.OldValue with the request's stored state, if
// it can be read.
func (s *RequestService) currentSnapshot(ctx context.Context, requestID string, entry *types.AuditLogEntry) {
	_ = s.e.view(ctx, "Decide", func(r store.Reader) error {
		req, err := r.GetRequest(ctx, requestID)
		if err == nil {
			entry.OldValue = req.Snapshot()
		}
		return nil
	})
}

// Revoke removes a user's grant for port. Request history is untouched.
// Revoking a grant that does not exist is a no-op and is not audited.
func (s *RequestService) Revoke(ctx context.Context, actor types.Actor, userID string, port int) error {
	ctx, cancel := s.e.withTimeout(ctx)
	defer cancel()

	if err := s.e.authorize(ctx, actor, authz.OpRevokeGrant); err != nil {
		return err
	}
	_, err := s.e.revoke(ctx, actor, userID, port)
	return err
}

// revoke deletes the grant and its audit entry in one transaction. It
// reports whether a grant existed.
func (e *engine) revoke(ctx context.Context, actor types.Actor, userID string, port int) (bool, error) {
	userID = strings.TrimSpace(userID)
	entry := e.entry(actor, types.ActionGrantRevoked, types.EntityGrant, grantEntityID(userID, port), types.AuditSuccess)
	if userID == "" {
		return false, e.failure(ctx, entry, &ValidationError{Field: "user_id", Reason: "required"})
	}
	if err := validatePort(port); err != nil {
		return false, e.failure(ctx, entry, err)
	}

	unlock, err := e.lock(ctx, "Revoke", grantKey(userID, port))
	if err != nil {
		return false, err
	}
	defer unlock()

	var revoked types.PortGrant
	removed := false
	err = e.update(ctx, "Revoke", func(tx store.Tx) error {
		removed = false
		g, err := tx.GetGrant(ctx, userID, port)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.DeleteGrant(ctx, userID, port); err != nil {
			return err
		}
		entry.OldValue = g.Snapshot()
		if err := appendAudit(ctx, tx, entry); err != nil {
			return err
		}
		revoked, removed = g, true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !removed {
		return false, nil
	}

	e.log.Info("grant revoked", "user_id", userID, "port", port, "actor_id", actor.UserID)
	evt := notify.NewEvent(notify.GrantRevoked, e.now())
	evt.UserID, evt.Port, evt.RequestID, evt.PolicyID = userID, port, revoked.SourceRequestID, revoked.SourcePolicyID
	e.publish(ctx, evt)
	return true, nil
}

// GetRequest returns one request. Users may only read their own.
func (s *RequestService) GetRequest(ctx context.Context, actor types.Actor, id string) (types.PortRequest, error) {
	ctx, cancel := s.e.withTimeout(ctx)
	defer cancel()

	if err := s.e.authorize(ctx, actor, authz.OpGetRequest); err != nil {
		return types.PortRequest{}, err
	}
	var req types.PortRequest
	err := s.e.view(ctx, "GetRequest", func(r store.Reader) error {
		var err error
		req, err = r.GetRequest(ctx, id)
		return err
	})
	if err != nil {
		return types.PortRequest{}, err
	}
	if req.RequesterID != actor.UserID && !authz.IsAdmin(actor) {
		return types.PortRequest{}, &authz.AuthorizationError{ActorID: actor.UserID, Op: authz.OpGetRequest, Reason: "not your request"}
	}
	return req, nil
}

// ListRequests returns requests matching f, newest first.
func (s *RequestService) ListRequests(ctx context.Context, actor types.Actor, f store.RequestFilter) ([]types.PortRequest, error) {
	ctx, cancel := s.e.withTimeout(ctx)
	defer cancel()

	if err := s.e.authorize(ctx, actor, authz.OpListRequests); err != nil {
		return nil, err
	}
	return s.list(ctx, f)
}

// MyRequests returns the actor's own requests, newest first.
func (s *RequestService) MyRequests(ctx context.Context, actor types.Actor) ([]types.PortRequest, error) {
	ctx, cancel := s.e.withTimeout(ctx)
	defer cancel()

	if err := s.e.authorize(ctx, actor, authz.OpMyRequests); err != nil {
		return nil, err
	}
	return s.list(ctx, store.RequestFilter{RequesterID: actor.UserID})
}

func (s *RequestService) list(ctx context.Context, f store.RequestFilter) ([]types.PortRequest, error) {
	var out []types.PortRequest
	err := s.e.view(ctx, "ListRequests", func(r store.Reader) error {
		var err error
		out, err = r.ListRequests(ctx, f)
		return err
	})
	return out, err
}

// ListGrants returns the ports userID may use. An empty userID means the
// actor; users may only list their own.
func (s *RequestService) ListGrants(ctx context.Context, actor types.Actor, userID string) ([]types.PortGrant, error) {
	ctx, cancel := s.e.withTimeout(ctx)
	defer cancel()

	if err := s.e.authorize(ctx, actor, authz.OpListGrants); err != nil {
		return nil, err
	}
	if userID == "" {
		userID = actor.UserID
	}
	if userID != actor.UserID && !authz.IsAdmin(actor) {
		return nil, &authz.AuthorizationError{ActorID: actor.UserID, Op: authz.OpListGrants, Reason: "may only list your own grants"}
	}

	var out []types.PortGrant
	err := s.e.view(ctx, "ListGrants", func(r store.Reader) error {
		var err error
		out, err = r.ListGrants(ctx, store.GrantFilter{UserID: userID})
		return err
	})
	return out, err
}
