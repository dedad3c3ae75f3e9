package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/authz"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/service"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store/memory"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/types"
)

func TestCreateUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u, err := env.svc.Users.CreateUser(ctx, admin, service.NewUser{Username: " carol "})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.Username != "carol" || u.Role != types.RoleUser || !u.Active {
		t.Fatalf("unexpected user: %+v", u)
	}

	entries := env.auditLog(t)
	if len(entries) != 1 || entries[0].Action != types.ActionCreateUser || entries[0].EntityID != u.ID {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	// The new user can act right away.
	carol := types.Actor{UserID: u.ID, Role: types.RoleUser}
	if _, err := env.svc.Requests.MyRequests(ctx, carol); err != nil {
		t.Fatalf("new user MyRequests: %v", err)
	}
}

func TestCreateUser_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		nu    service.NewUser
		field string
	}{
		{"duplicate ignoring case", service.NewUser{Username: "ALICE"}, "username"},
		{"too short", service.NewUser{Username: "ab"}, "username"},
		{"bad characters", service.NewUser{Username: "bad name"}, "username"},
		{"bad role", service.NewUser{Username: "dave", Role: "root"}, "role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(env.auditLog(t))
			_, err := env.svc.Users.CreateUser(ctx, admin, tt.nu)
			var ve *service.ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("expected ValidationError on %s, got %v", tt.field, err)
			}
			entries := env.auditLog(t)
			if len(entries) != before+1 || entries[len(entries)-1].Status != types.AuditFailure {
				t.Fatalf("expected one FAILURE entry")
			}
		})
	}

	var ae *authz.AuthorizationError
	if _, err := env.svc.Users.CreateUser(ctx, user42, service.NewUser{Username: "mallory"}); !errors.As(err, &ae) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
}

func TestUpdateUser_DeactivateBlocksSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mustCreate(t, user7, 80)

	off := false
	u, err := env.svc.Users.UpdateUser(ctx, admin, "u-7", service.UserPatch{Active: &off})
	if err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if u.Active {
		t.Fatal("user still active")
	}

	var ae *authz.AuthorizationError
	if _, err := env.svc.Requests.MyRequests(ctx, user7); !errors.As(err, &ae) {
		t.Fatalf("inactive user: expected AuthorizationError, got %v", err)
	}

	entries := env.auditLog(t)
	last := entries[len(entries)-1]
	if last.Action != types.ActionUpdateUser || last.OldValue["active"] != true || last.NewValue["active"] != false {
		t.Fatalf("unexpected entry: %+v", last)
	}

	on := true
	if _, err := env.svc.Users.UpdateUser(ctx, admin, "u-7", service.UserPatch{Active: &on}); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if _, err := env.svc.Requests.MyRequests(ctx, user7); err != nil {
		t.Fatalf("reactivated user: %v", err)
	}
}

func TestUpdateUser_RoleChangeInvalidatesSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	promoted := types.RoleAdmin
	if _, err := env.svc.Users.UpdateUser(ctx, admin, "u-42", service.UserPatch{Role: &promoted}); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}

	// The session still claims the old role.
	var ae *authz.AuthorizationError
	if _, err := env.svc.Requests.MyRequests(ctx, user42); !errors.As(err, &ae) {
		t.Fatalf("stale session: expected AuthorizationError, got %v", err)
	}
	fresh := types.Actor{UserID: "u-42", Role: types.RoleAdmin}
	if _, err := env.svc.Users.ListUsers(ctx, fresh); err != nil {
		t.Fatalf("promoted user ListUsers: %v", err)
	}
}

func TestUpdateUser_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	off := false
	demoted := types.RoleUser
	bogus := types.Role("owner")

	tests := []struct {
		name  string
		id    string
		patch service.UserPatch
		want  func(error) bool
	}{
		{"self deactivate", "admin-1", service.UserPatch{Active: &off}, isValidation},
		{"self demote", "admin-1", service.UserPatch{Role: &demoted}, isValidation},
		{"bad role", "u-42", service.UserPatch{Role: &bogus}, isValidation},
		{"unknown user", "ghost", service.UserPatch{Active: &off}, func(err error) bool { return errors.Is(err, service.ErrNotFound) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Users.UpdateUser(ctx, admin, tt.id, tt.patch)
			if !tt.want(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
	if n := countByStatus(env.auditLog(t), types.AuditFailure); n != len(tests) {
		t.Fatalf("expected %d FAILURE entries, got %d", len(tests), n)
	}

	// Another admin may demote this one.
	if _, err := env.svc.Users.UpdateUser(ctx, admin2, "admin-1", service.UserPatch{Role: &demoted}); err != nil {
		t.Fatalf("demote by other admin: %v", err)
	}
}

func isValidation(err error) bool {
	var ve *service.ValidationError
	return errors.As(err, &ve)
}

func TestListUsers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	users, err := env.svc.Users.ListUsers(ctx, admin)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 4 {
		t.Fatalf("expected 4 users, got %d", len(users))
	}
	var ae *authz.AuthorizationError
	if _, err := env.svc.Users.ListUsers(ctx, user42); !errors.As(err, &ae) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
}

func TestBootstrap_Idempotent(t *testing.T) {
	st := memory.New()
	svc := service.New(service.Options{Store: st})
	ctx := context.Background()

	first, err := svc.Users.Bootstrap(ctx, "admin")
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if first.Role != types.RoleAdmin || !first.Active {
		t.Fatalf("unexpected bootstrap user: %+v", first)
	}
	second, err := svc.Users.Bootstrap(ctx, "admin")
	if err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("bootstrap created a second admin: %s vs %s", first.ID, second.ID)
	}

	env := &testEnv{svc: svc, store: st, mem: st}
	entries := env.auditLog(t)
	if len(entries) != 1 || entries[0].ActorID != types.SystemActorID {
		t.Fatalf("expected one system entry, got %+v", entries)
	}

	// The bootstrapped admin can act immediately.
	root := types.Actor{UserID: first.ID, Role: types.RoleAdmin}
	if _, err := svc.Users.ListUsers(ctx, root); err != nil {
		t.Fatalf("ListUsers as bootstrapped admin: %v", err)
	}
}
