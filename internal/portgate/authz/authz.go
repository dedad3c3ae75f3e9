// Package authz is the single place that decides whether an actor may invoke
// an engine operation. Every service method calls Gate.Check before it
// touches the store.
package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/types"
)

type Operation string

const (
	OpCreateRequest Operation = "create_request"
	OpDecideRequest Operation = "decide_request"
	OpRevokeGrant   Operation = "revoke_grant"
	OpGetRequest    Operation = "get_request"
	OpListRequests  Operation = "list_requests"
	OpMyRequests    Operation = "my_requests"
	OpListGrants    Operation = "list_grants"
	OpAddPolicy     Operation = "add_policy"
	OpRemovePolicy  Operation = "remove_policy"
	OpListPolicies  Operation = "list_policies"
	OpManagePort    Operation = "manage_port"
	OpResolve       Operation = "resolve"
	OpQueryAudit    Operation = "query_audit"
	OpRecordSession Operation = "record_session"
	OpCreateUser    Operation = "create_user"
	OpUpdateUser    Operation = "update_user"
	OpListUsers     Operation = "list_users"
	OpVerifyAudit   Operation = "verify_audit"
	OpListAgents    Operation = "list_agents"
	OpStats         Operation = "stats"
	OpMyStats       Operation = "my_stats"
)

// capabilities maps every operation to the least role allowed to call it.
// An operation missing from the table is denied.
var capabilities = map[Operation]types.Role{
	OpCreateRequest: types.RoleUser,
	OpDecideRequest: types.RoleAdmin,
	OpRevokeGrant:   types.RoleAdmin,
	OpGetRequest:    types.RoleUser,
	OpListRequests:  types.RoleAdmin,
	OpMyRequests:    types.RoleUser,
	OpListGrants:    types.RoleUser,
	OpAddPolicy:     types.RoleAdmin,
	OpRemovePolicy:  types.RoleAdmin,
	OpListPolicies:  types.RoleAdmin,
	OpManagePort:    types.RoleAdmin,
	OpResolve:       types.RoleUser,
	OpQueryAudit:    types.RoleAdmin,
	OpRecordSession: types.RoleUser,
	OpCreateUser:    types.RoleAdmin,
	OpUpdateUser:    types.RoleAdmin,
	OpListUsers:     types.RoleAdmin,
	OpVerifyAudit:   types.RoleAdmin,
	OpListAgents:    types.RoleAdmin,
	OpStats:         types.RoleAdmin,
	OpMyStats:       types.RoleUser,
}

// Required returns the role an operation needs.
func Required(op Operation) (types.Role, bool) {
	r, ok := capabilities[op]
	return r, ok
}

type AuthorizationError struct {
	ActorID string
	Op      Operation
	Reason  string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("actor %q not authorized for %s: %s", e.ActorID, e.Op, e.Reason)
}

// UserLookup resolves the stored record behind an actor.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (types.User, error)
}

// StoreUsers adapts a store.Store to UserLookup using a read snapshot.
type StoreUsers struct {
	Store store.Store
}

func (s StoreUsers) GetUser(ctx context.Context, id string) (types.User, error) {
	var u types.User
	err := s.Store.View(ctx, func(r store.Reader) error {
		var err error
		u, err = r.GetUser(ctx, id)
		return err
	})
	return u, err
}

type Gate struct {
	users UserLookup
}

// NewGate builds a Gate. With a nil users lookup only the asserted role is
// checked.
func NewGate(users UserLookup) *Gate {
	return &Gate{users: users}
}

// Check returns nil if actor may perform op. Denials are returned as
// *AuthorizationError; failures to look the actor up are returned wrapped.
func (g *Gate) Check(ctx context.Context, actor types.Actor, op Operation) error {
	required, ok := capabilities[op]
	if !ok {
		return &AuthorizationError{ActorID: actor.UserID, Op: op, Reason: "unknown operation"}
	}
	if actor.UserID == "" {
		return &AuthorizationError{ActorID: actor.UserID, Op: op, Reason: "missing identity"}
	}
	if !actor.Role.Satisfies(required) {
		return &AuthorizationError{ActorID: actor.UserID, Op: op, Reason: fmt.Sprintf("requires role %s", required)}
	}
	if actor.IsSystem() || g.users == nil {
		return nil
	}

	u, err := g.users.GetUser(ctx, actor.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return &AuthorizationError{ActorID: actor.UserID, Op: op, Reason: "unknown user"}
	}
	if err != nil {
		return fmt.Errorf("authz lookup %s: %w", actor.UserID, err)
	}
	if !u.Active {
		return &AuthorizationError{ActorID: actor.UserID, Op: op, Reason: "user inactive"}
	}
	if u.Role != actor.Role {
		return &AuthorizationError{ActorID: actor.UserID, Op: op, Reason: "session role no longer matches"}
	}
	return nil
}

// IsAdmin reports whether actor holds the admin role.
func IsAdmin(actor types.Actor) bool {
	return actor.Role == types.RoleAdmin
}
