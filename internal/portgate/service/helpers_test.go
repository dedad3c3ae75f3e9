package service_test

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/BrandonDHaskell/Portgate/server/internal/db"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/notify"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/service"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store/memory"
	sqlitestore "github.com/BrandonDHaskell/Portgate/server/internal/portgate/store/sqlite"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/types"
)

var (
	admin  = types.Actor{UserID: "admin-1", Role: types.RoleAdmin, IPAddress: "10.0.0.1", UserAgent: "test"}
	admin2 = types.Actor{UserID: "admin-2", Role: types.RoleAdmin}
	user42 = types.Actor{UserID: "u-42", Role: types.RoleUser}
	user7  = types.Actor{UserID: "u-7", Role: types.RoleUser}
)

type testEnv struct {
	svc    *service.Services
	store  store.Store
	mem    *memory.Store
	events *notify.Memory
}

func seedUsers(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	users := []types.User{
		{ID: "admin-1", Username: "root", Role: types.RoleAdmin, Active: true},
		{ID: "admin-2", Username: "ops", Role: types.RoleAdmin, Active: true},
		{ID: "u-42", Username: "alice", Role: types.RoleUser, Active: true},
		{ID: "u-7", Username: "bob", Role: types.RoleUser, Active: true},
	}
	err := st.Update(ctx, func(tx store.Tx) error {
		for _, u := range users {
			if err := tx.InsertUser(ctx, u); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed users: %v", err)
	}
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("id-%d", n.Add(1)) }
}

// newTestEnv builds the services over an in-memory store seeded with two
// admins and two users. Seeding is not audited, so the log starts empty.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := memory.New()
	seedUsers(t, mem)
	events := &notify.Memory{}
	svc := service.New(service.Options{
		Store:    mem,
		Notifier: events,
		NewID:    sequentialIDs(),
	})
	return &testEnv{svc: svc, store: mem, mem: mem, events: events}
}

// newSQLiteEnv is newTestEnv over an in-memory SQLite database.
func newSQLiteEnv(t *testing.T) *testEnv {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	conn, err := sql.Open("sqlite", fmt.Sprintf("file:svc_%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", name))
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	conn.SetMaxOpenConns(1)
	if err := db.Migrate(context.Background(), conn); err != nil {
		conn.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	w := db.NewWorker(conn)
	t.Cleanup(w.Close)

	st := sqlitestore.New(conn, w)
	seedUsers(t, st)
	events := &notify.Memory{}
	svc := service.New(service.Options{Store: st, Notifier: events, NewID: sequentialIDs()})
	return &testEnv{svc: svc, store: st, events: events}
}

func (env *testEnv) auditLog(t *testing.T) []types.AuditLogEntry {
	t.Helper()
	var out []types.AuditLogEntry
	err := env.store.View(context.Background(), func(r store.Reader) error {
		var err error
		out, err = r.AuditAfter(context.Background(), 0, 0)
		return err
	})
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	return out
}

func (env *testEnv) grant(t *testing.T, userID string, port int) (types.PortGrant, bool) {
	t.Helper()
	var (
		g  types.PortGrant
		ok bool
	)
	_ = env.store.View(context.Background(), func(r store.Reader) error {
		var err error
		g, err = r.GetGrant(context.Background(), userID, port)
		ok = err == nil
		return nil
	})
	return g, ok
}

func (env *testEnv) request(t *testing.T, id string) types.PortRequest {
	t.Helper()
	var req types.PortRequest
	err := env.store.View(context.Background(), func(r store.Reader) error {
		var err error
		req, err = r.GetRequest(context.Background(), id)
		return err
	})
	if err != nil {
		t.Fatalf("GetRequest %s: %v", id, err)
	}
	return req
}

func (env *testEnv) mustCreate(t *testing.T, actor types.Actor, port int) types.PortRequest {
	t.Helper()
	req, err := env.svc.Requests.CreateRequest(context.Background(), actor, service.NewRequest{
		Port:    port,
		Service: fmt.Sprintf("svc-%d", port),
		Reason:  "testing",
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	return req
}

func countByStatus(entries []types.AuditLogEntry, status types.AuditStatus) int {
	n := 0
	for _, e := range entries {
		if e.Status == status {
			n++
		}
	}
	return n
}
