package service

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/authz"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/types"
)

type UserService struct {
	e *engine
}

type NewUser struct {
	Username string
	Role     types.Role
}

// UserPatch changes only the fields that are set.
type UserPatch struct {
	Active *bool
	Role   *types.Role
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{2,63}$`)

func (s *UserService) CreateUser(ctx context.Context, actor types.Actor, nu NewUser) (types.User, error) {
	ctx, cancel := s.e.withTimeout(ctx)
	defer cancel()

	if err := s.e.authorize(ctx, actor, authz.OpCreateUser); err != nil {
		return types.User{}, err
	}
	return s.create(ctx, actor, nu)
}

func (s *UserService) create(ctx context.Context, actor types.Actor, nu NewUser) (types.User, error) {
	now := s.e.now()
	u := types.User{
		ID:        s.e.newID(),
		Username:  strings.TrimSpace(nu.Username),
		Role:      nu.Role,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if u.Role == "" {
		u.Role = types.RoleUser
	}
	entry := s.e.entry(actor, types.ActionCreateUser, types.EntityUser, u.ID, types.AuditSuccess)
	entry.NewValue = u.Snapshot()

	if !usernamePattern.MatchString(u.Username) {
		return types.User{}, s.e.failure(ctx, entry,
			&ValidationError{Field: "username", Reason: "must be 3 to 64 letters, digits, dots, dashes or underscores"})
	}
	if _, ok := types.ParseRole(string(u.Role)); !ok {
		return types.User{}, s.e.failure(ctx, entry, &ValidationError{Field: "role", Reason: "must be admin or user"})
	}

	unlock, err := s.e.lock(ctx, "CreateUser", "username/"+strings.ToLower(u.Username))
	if err != nil {
		return types.User{}, err
	}
	defer unlock()

	err = s.e.update(ctx, "CreateUser", func(tx store.Tx) error {
		if _, err := tx.GetUserByUsername(ctx, u.Username); err == nil {
			return &ValidationError{Field: "username", Reason: "already taken"}
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := tx.InsertUser(ctx, u); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return &ValidationError{Field: "username", Reason: "already taken"}
			}
			return err
		}
		return appendAudit(ctx, tx, entry)
	})
	if err != nil {
		if rejection(err) {
			return types.User{}, s.e.failure(ctx, entry, err)
		}
		return types.User{}, err
	}

	s.e.log.Info("user created", "user_id", u.ID, "username", u.Username, "role", u.Role)
	return u, nil
}

// UpdateUser activates, deactivates or changes the role of a user. Admins
// cannot deactivate or demote themselves.
func (s *UserService) UpdateUser(ctx context.Context, actor types.Actor, id string, patch UserPatch) (types.User, error) {
	ctx, cancel := s.e.withTimeout(ctx)
	defer cancel()

	if err := s.e.authorize(ctx, actor, authz.OpUpdateUser); err != nil {
		return types.User{}, err
	}

	entry := s.e.entry(actor, types.ActionUpdateUser, types.EntityUser, id, types.AuditSuccess)
	if patch.Role != nil {
		if _, ok := types.ParseRole(string(*patch.Role)); !ok {
			return types.User{}, s.e.failure(ctx, entry, &ValidationError{Field: "role", Reason: "must be admin or user"})
		}
	}
	if id == actor.UserID {
		if patch.Active != nil && !*patch.Active {
			return types.User{}, s.e.failure(ctx, entry, &ValidationError{Field: "active", Reason: "cannot deactivate yourself"})
		}
		if patch.Role != nil && *patch.Role != actor.Role {
			return types.User{}, s.e.failure(ctx, entry, &ValidationError{Field: "role", Reason: "cannot change your own role"})
		}
	}

	unlock, err := s.e.lock(ctx, "UpdateUser", "user/"+id)
	if err != nil {
		return types.User{}, err
	}
	defer unlock()

	var updated types.User
	err = s.e.update(ctx, "UpdateUser", func(tx store.Tx) error {
		u, err := tx.GetUser(ctx, id)
		if err != nil {
			return err
		}
		entry.OldValue = u.Snapshot()

		next := u
		if patch.Active != nil {
			next.Active = *patch.Active
		}
		if patch.Role != nil {
			next.Role = *patch.Role
		}
		next.UpdatedAt = s.e.now()
		if err := tx.UpdateUser(ctx, next); err != nil {
			return err
		}
		entry.NewValue = next.Snapshot()
		updated = next
		return appendAudit(ctx, tx, entry)
	})
	if err != nil {
		if rejection(err) {
			return types.User{}, s.e.failure(ctx, entry, err)
		}
		return types.User{}, err
	}

	s.e.log.Info("user updated", "user_id", id, "active", updated.Active, "role", updated.Role)
	return updated, nil
}

func (s *UserService) ListUsers(ctx context.Context, actor types.Actor) ([]types.User, error) {
	ctx, cancel := s.e.withTimeout(ctx)
	defer cancel()

	if err := s.e.authorize(ctx, actor, authz.OpListUsers); err != nil {
		return nil, err
	}
	var out []types.User
	err := s.e.view(ctx, "ListUsers", func(r store.Reader) error {
		var err error
		out, err = r.ListUsers(ctx)
		return err
	})
	return out, err
}

// Bootstrap makes sure an admin named username exists, creating it as the
// system actor on first start. It returns the existing user otherwise.
func (s *UserService) Bootstrap(ctx context.Context, username string) (types.User, error) {
	ctx, cancel := s.e.withTimeout(ctx)
	defer cancel()

	var existing types.User
	err := s.e.view(ctx, "Bootstrap", func(r store.Reader) error {
		var err error
		existing, err = r.GetUserByUsername(ctx, username)
		return err
	})
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return types.User{}, err
	}
	return s.create(ctx, types.SystemActor(), NewUser{Username: username, Role: types.RoleAdmin})
}
