package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/authz"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/notify"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/types"
)

type PolicyService struct {
	e *engine
}

type PolicySpec struct {
	Port int
	Kind types.PolicyKind
	// UserID scopes the policy to one user; empty means global.
	UserID string
	Reason string
}

func policyKey(key string) string { return "policy/" + key }

func policyIDKey(id string) string { return "policy-id/" + id }

// AddPolicy creates a policy. A per-user whitelist also grants the port to
// that user if they do not hold it yet. Adding a blacklist leaves existing
// grants in place; resolution denies the port regardless.
func (s *PolicyService) AddPolicy(ctx context.Context, actor types.Actor, spec PolicySpec) (types.PortPolicy, error) {
	ctx, cancel := s.e.withTimeout(ctx)
	defer cancel()

	if err := s.e.authorize(ctx, actor, authz.OpAddPolicy); err != nil {
		return types.PortPolicy{}, err
	}
	return s.e.addPolicy(ctx, actor, spec)
}

func (e *engine) addPolicy(ctx context.Context, actor types.Actor, spec PolicySpec) (types.PortPolicy, error) {
	kind, ok := types.ParsePolicyKind(string(spec.Kind))
	if !ok {
		e.log.Warn("policy rejected", "actor_id", actor.UserID, "port", spec.Port, "kind", cleanText(string(spec.Kind)))
		return types.PortPolicy{}, &ValidationError{Field: "kind", Reason: "must be whitelist or blacklist"}
	}

	p := types.PortPolicy{
		ID:        e.newID(),
		Port:      spec.Port,
		Kind:      kind,
		UserID:    strings.TrimSpace(spec.UserID),
		Reason:    strings.TrimSpace(spec.Reason),
		CreatedBy: actor.UserID,
		CreatedAt: e.now(),
	}
	entry := e.entry(actor, kind.Action(), types.EntityPolicy, p.ID, types.AuditSuccess)
	entry.NewValue = p.Snapshot()

	if err := validatePort(p.Port); err != nil {
		return types.PortPolicy{}, e.failure(ctx, entry, err)
	}
	if err := validText("reason", p.Reason); err != nil {
		return types.PortPolicy{}, e.failure(ctx, entry, err)
	}
	if err := validText("user_id", p.UserID); err != nil {
		return types.PortPolicy{}, e.failure(ctx, entry, err)
	}
	if utf8.RuneCountInString(p.Reason) > types.MaxReasonLen {
		return types.PortPolicy{}, e.failure(ctx, entry,
			&ValidationError{Field: "reason", Reason: fmt.Sprintf("must be at most %d characters", types.MaxReasonLen)})
	}

	keys := []string{policyKey(p.Key())}
	if !p.Global() {
		keys = append(keys, grantKey(p.UserID, p.Port))
	}
	unlock, err := e.lock(ctx, "AddPolicy", keys...)
	if err != nil {
		return types.PortPolicy{}, err
	}
	defer unlock()

	var granted *types.PortGrant
	err = e.update(ctx, "AddPolicy", func(tx store.Tx) error {
		granted = nil
		if !p.Global() {
			if _, err := tx.GetUser(ctx, p.UserID); errors.Is(err, store.ErrNotFound) {
				return &ValidationError{Field: "user_id", Reason: "unknown user"}
			} else if err != nil {
				return err
			}
		}

		scope := store.ScopeGlobal
		if !p.Global() {
			scope = store.ScopeUser
		}
		existing, err := tx.ListPolicies(ctx, store.PolicyFilter{Port: p.Port, Kind: p.Kind, Scope: scope, UserID: p.UserID})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return &ValidationError{Field: "kind", Reason: fmt.Sprintf("policy %s already covers this port and scope", existing[0].ID)}
		}
		if err := tx.InsertPolicy(ctx, p); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return &ValidationError{Field: "kind", Reason: "a policy already covers this port and scope"}
			}
			return err
		}

		newValue := p.Snapshot()
		if p.Kind == types.PolicyWhitelist && !p.Global() {
			_, err := tx.GetGrant(ctx, p.UserID, p.Port)
			switch {
			case errors.Is(err, store.ErrNotFound):
				g := types.PortGrant{
					UserID:         p.UserID,
					Port:           p.Port,
					GrantedAt:      p.CreatedAt,
					SourcePolicyID: p.ID,
				}
				if err := tx.PutGrant(ctx, g); err != nil {
					return err
				}
				granted = &g
				newValue["grant"] = g.Snapshot()
			case err != nil:
				return err
			}
		}
		entry.NewValue = newValue
		return appendAudit(ctx, tx, entry)
	})
	if err != nil {
		if rejection(err) {
			return types.PortPolicy{}, e.failure(ctx, entry, err)
		}
		return types.PortPolicy{}, err
	}

	e.log.Info("policy added", "policy_id", p.ID, "port", p.Port, "kind", p.Kind, "user_id", p.UserID)
	evt := notify.NewEvent(notify.PolicyAdded, p.CreatedAt)
	evt.PolicyID, evt.Port, evt.UserID, evt.Kind = p.ID, p.Port, p.UserID, string(p.Kind)
	events := []notify.Event{evt}
	if granted != nil {
		g := notify.NewEvent(notify.GrantCreated, granted.GrantedAt)
		g.UserID, g.Port, g.PolicyID = granted.UserID, granted.Port, p.ID
		events = append(events, g)
	}
	e.publish(ctx, events...)
	return p, nil
}

// RemovePolicy deletes a policy and every grant it materialized. Removing
// an unknown policy is a no-op and is not audited. The removal is audited
// under the policy kind's action with the removed policy as the old value.
func (s *PolicyService) RemovePolicy(ctx context.Context, actor types.Actor, id string) error {
	ctx, cancel := s.e.withTimeout(ctx)
	defer cancel()

	if err := s.e.authorize(ctx, actor, authz.OpRemovePolicy); err != nil {
		return err
	}

	unlock, err := s.e.lock(ctx, "RemovePolicy", policyIDKey(id))
	if err != nil {
		return err
	}
	defer unlock()

	var (
		removed *types.PortPolicy
		dropped []types.PortGrant
	)
	err = s.e.update(ctx, "RemovePolicy", func(tx store.Tx) error {
		removed, dropped = nil, nil
		p, err := tx.GetPolicy(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.DeletePolicy(ctx, id); err != nil {
			return err
		}

		grants, err := tx.ListGrants(ctx, store.GrantFilter{SourcePolicyID: id})
		if err != nil {
			return err
		}
		oldValue := p.Snapshot()
		if len(grants) > 0 {
			snaps := make([]types.Snapshot, 0, len(grants))
			for _, g := range grants {
				if _, err := tx.DeleteGrant(ctx, g.UserID, g.Port); err != nil {
					return err
				}
				snaps = append(snaps, g.Snapshot())
			}
			oldValue["revoked_grants"] = snaps
		}

		entry := s.e.entry(actor, p.Kind.Action(), types.EntityPolicy, p.ID, types.AuditSuccess)
		entry.OldValue = oldValue
		if err := appendAudit(ctx, tx, entry); err != nil {
			return err
		}
		removed, dropped = &p, grants
		return nil
	})
	if err != nil {
		return err
	}
	if removed == nil {
		return nil
	}

	s.e.log.Info("policy removed", "policy_id", id, "port", removed.Port, "kind", removed.Kind, "grants_revoked", len(dropped))
	now := s.e.now()
	evt := notify.NewEvent(notify.PolicyRemoved, now)
	evt.PolicyID, evt.Port, evt.UserID, evt.Kind = removed.ID, removed.Port, removed.UserID, string(removed.Kind)
	events := []notify.Event{evt}
	for _, g := range dropped {
		ge := notify.NewEvent(notify.GrantRevoked, now)
		ge.UserID, ge.Port, ge.PolicyID = g.UserID, g.Port, id
		events = append(events, ge)
	}
	s.e.publish(ctx, events...)
	return nil
}

// ListEffectivePolicies returns the policies matching f, oldest first.
func (s *PolicyService) ListEffectivePolicies(ctx context.Context, actor types.Actor, f store.PolicyFilter) ([]types.PortPolicy, error) {
	ctx, cancel := s.e.withTimeout(ctx)
	defer cancel()

	if err := s.e.authorize(ctx, actor, authz.OpListPolicies); err != nil {
		return nil, err
	}
	var out []types.PortPolicy
	err := s.e.view(ctx, "ListEffectivePolicies", func(r store.Reader) error {
		var err error
		out, err = r.ListPolicies(ctx, f)
		return err
	})
	return out, err
}

type ManageAction string

const (
	ManageWhitelist ManageAction = "whitelist"
	ManageBlacklist ManageAction = "blacklist"
	ManageRemove    ManageAction = "remove"
)

// ManagePort is the one-call admin control for a user's port: whitelist
// and blacklist add a per-user policy, remove revokes the user's grant.
// The returned policy is nil for remove.
func (s *PolicyService) ManagePort(ctx context.Context, actor types.Actor, userID string, port int, action ManageAction) (*types.PortPolicy, error) {
	ctx, cancel := s.e.withTimeout(ctx)
	defer cancel()

	if err := s.e.authorize(ctx, actor, authz.OpManagePort); err != nil {
		return nil, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "required"}
	}

	switch ManageAction(strings.ToLower(string(action))) {
	case ManageWhitelist, ManageBlacklist:
		p, err := s.e.addPolicy(ctx, actor, PolicySpec{
			Port:   port,
			Kind:   types.PolicyKind(strings.ToLower(string(action))),
			UserID: userID,
			Reason: "managed by " + actor.UserID,
		})
		if err != nil {
			return nil, err
		}
		return &p, nil
	case ManageRemove:
		_, err := s.e.revoke(ctx, actor, userID, port)
		return nil, err
	default:
		return nil, &ValidationError{Field: "action", Reason: "must be whitelist, blacklist or remove"}
	}
}
