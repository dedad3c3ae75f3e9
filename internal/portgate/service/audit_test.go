package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/audit"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/authz"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/service"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/types"
)

// ── Query ───────────────────────────────────────────────────────────────────

func TestQuery_FiltersAndOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mustCreate(t, user42, 80)
	env.mustCreate(t, user7, 81)
	if err := env.svc.Audit.RecordSession(ctx, user42, types.ActionLogin); err != nil {
		t.Fatalf("RecordSession: %v", err)
	}
	// Rejected: adds a FAILURE entry.
	_, _ = env.svc.Requests.CreateRequest(ctx, user42, service.NewRequest{Port: 0, Service: "x"})

	page, err := env.svc.Audit.Query(ctx, admin, store.AuditFilter{}, store.Page{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if page.Total != 4 || len(page.Entries) != 4 || page.AsOf != 4 || page.Limit != service.DefaultAuditPageSize {
		t.Fatalf("unexpected page: total=%d len=%d asof=%d limit=%d", page.Total, len(page.Entries), page.AsOf, page.Limit)
	}
	for i := 1; i < len(page.Entries); i++ {
		prev, cur := page.Entries[i-1], page.Entries[i]
		if cur.Timestamp.After(prev.Timestamp) || (cur.Timestamp.Equal(prev.Timestamp) && cur.ID < prev.ID) {
			t.Fatalf("entries not newest first: %d then %d", prev.ID, cur.ID)
		}
	}

	tests := []struct {
		name string
		f    store.AuditFilter
		want int
	}{
		{"by action", store.AuditFilter{Action: types.ActionCreateRequest}, 3},
		{"by actor", store.AuditFilter{ActorID: "u-42"}, 3},
		{"failures", store.AuditFilter{Status: types.AuditFailure}, 1},
		{"future window", store.AuditFilter{From: time.Now().Add(time.Hour)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := env.svc.Audit.Query(ctx, admin, tt.f, store.Page{})
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if page.Total != tt.want || len(page.Entries) != tt.want {
				t.Fatalf("got total=%d len=%d, want %d", page.Total, len(page.Entries), tt.want)
			}
			if page.Entries == nil {
				t.Fatal("entries must be an empty slice, not nil")
			}
		})
	}
}

func TestQuery_AsOfKeepsPagesStable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for port := 1000; port < 1005; port++ {
		env.mustCreate(t, user42, port)
	}

	first, err := env.svc.Audit.Query(ctx, admin, store.AuditFilter{}, store.Page{Limit: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if first.AsOf != 5 || first.Total != 5 || len(first.Entries) != 2 {
		t.Fatalf("unexpected first page: %+v", first)
	}

	// New entries between pages must not shift the result.
	env.mustCreate(t, user7, 2000)
	env.mustCreate(t, user7, 2001)

	second, err := env.svc.Audit.Query(ctx, admin, store.AuditFilter{AsOf: first.AsOf}, store.Page{Offset: 2, Limit: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if second.Total != 5 || second.AsOf != 5 || len(second.Entries) != 2 {
		t.Fatalf("unexpected second page: total=%d asof=%d len=%d", second.Total, second.AsOf, len(second.Entries))
	}
	seen := map[int64]bool{}
	for _, e := range append(first.Entries, second.Entries...) {
		if e.ID > 5 {
			t.Errorf("entry %d is newer than the snapshot", e.ID)
		}
		if seen[e.ID] {
			t.Errorf("entry %d appears on two pages", e.ID)
		}
		seen[e.ID] = true
	}
}

func TestQuery_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now()

	var ve *service.ValidationError
	if _, err := env.svc.Audit.Query(ctx, admin, store.AuditFilter{From: now, To: now.Add(-time.Hour)}, store.Page{}); !errors.As(err, &ve) {
		t.Errorf("inverted window: expected ValidationError, got %v", err)
	}
	if _, err := env.svc.Audit.Query(ctx, admin, store.AuditFilter{Action: "DROP_TABLE"}, store.Page{}); !errors.As(err, &ve) {
		t.Errorf("unknown action: expected ValidationError, got %v", err)
	}
	if _, err := env.svc.Audit.Query(ctx, admin, store.AuditFilter{}, store.Page{Offset: -1}); !errors.As(err, &ve) {
		t.Errorf("negative offset: expected ValidationError, got %v", err)
	}
	var ae *authz.AuthorizationError
	if _, err := env.svc.Audit.Query(ctx, user42, store.AuditFilter{}, store.Page{}); !errors.As(err, &ae) {
		t.Errorf("user query: expected AuthorizationError, got %v", err)
	}

	page, err := env.svc.Audit.Query(ctx, admin, store.AuditFilter{}, store.Page{Limit: 10_000})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if page.Limit != service.MaxAuditPageSize {
		t.Errorf("limit = %d, want clamp to %d", page.Limit, service.MaxAuditPageSize)
	}
}

// ── RecordSession ───────────────────────────────────────────────────────────

func TestRecordSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.svc.Audit.RecordSession(ctx, user7, types.ActionLogin); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := env.svc.Audit.RecordSession(ctx, user7, types.ActionLogout); err != nil {
		t.Fatalf("logout: %v", err)
	}
	var ve *service.ValidationError
	if err := env.svc.Audit.RecordSession(ctx, user7, types.ActionCreateUser); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	entries := env.auditLog(t)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Action != types.ActionLogin || entries[1].Action != types.ActionLogout {
		t.Errorf("unexpected actions: %s, %s", entries[0].Action, entries[1].Action)
	}
	if entries[0].EntityType != types.EntitySession || entries[0].EntityID != "u-7" {
		t.Errorf("unexpected entity: %s/%s", entries[0].EntityType, entries[0].EntityID)
	}
}

// ── Verify ──────────────────────────────────────────────────────────────────

func TestVerify_IntactThenTampered(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for port := 3000; port < 3004; port++ {
		env.mustCreate(t, user42, port)
	}

	rep, err := env.svc.Audit.Verify(ctx, admin)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !rep.OK || rep.CheckedThrough != 4 || rep.Verified != 4 {
		t.Fatalf("unexpected report: %+v", rep)
	}

	// Only new entries are read on the next run.
	env.mustCreate(t, user7, 3000)
	rep, err = env.svc.Audit.Verify(ctx, admin)
	if err != nil || rep.Verified != 1 || rep.CheckedThrough != 5 {
		t.Fatalf("incremental run: %+v, %v", rep, err)
	}

	env.mustCreate(t, user7, 3001)
	if !env.mem.TamperAudit(6, func(e *types.AuditLogEntry) { e.ActorID = "someone-else" }) {
		t.Fatal("TamperAudit: entry not found")
	}
	rep, err = env.svc.Audit.Verify(ctx, admin)
	if !errors.Is(err, audit.ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken, got %v", err)
	}
	if rep.OK || rep.BrokenAt != 6 {
		t.Fatalf("unexpected report: %+v", rep)
	}

	// A broken chain stays broken.
	if _, err := env.svc.Audit.Verify(ctx, admin); !errors.Is(err, audit.ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken on rerun, got %v", err)
	}

	var ae *authz.AuthorizationError
	if _, err := env.svc.Audit.Verify(ctx, user42); !errors.As(err, &ae) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
}

func TestAuditVerifier_BatchesAndSchedule(t *testing.T) {
	env := newTestEnv(t)
	for port := 4000; port < 4007; port++ {
		env.mustCreate(t, user42, port)
	}

	v := service.NewAuditVerifier(env.store, service.VerifierConfig{Schedule: "@every 1h", BatchSize: 2}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := v.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer v.Stop()

	rep := v.Last()
	if !rep.OK || rep.Verified != 7 || rep.CheckedThrough != 7 {
		t.Fatalf("unexpected report after start: %+v", rep)
	}

	env.svc.Audit.AttachVerifier(v)
	rep, err := env.svc.Audit.Verify(context.Background(), admin)
	if err != nil || rep.Verified != 0 || rep.CheckedThrough != 7 {
		t.Fatalf("shared checkpoint: %+v, %v", rep, err)
	}
}

func TestAuditVerifier_FullRunCatchesEditBehindCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for port := 4100; port < 4103; port++ {
		env.mustCreate(t, user42, port)
	}

	v := service.NewAuditVerifier(env.store, service.VerifierConfig{FullEvery: 3}, nil)
	rep, err := v.VerifyNow(ctx)
	if err != nil || !rep.OK || rep.Full || rep.CheckedThrough != 3 {
		t.Fatalf("first run: %+v, %v", rep, err)
	}

	if !env.mem.TamperAudit(2, func(e *types.AuditLogEntry) { e.ActorID = "someone-else" }) {
		t.Fatal("TamperAudit: entry not found")
	}

	// The incremental run only reads past the checkpoint.
	rep, err = v.VerifyNow(ctx)
	if err != nil || !rep.OK || rep.Full || rep.Verified != 0 {
		t.Fatalf("second run: %+v, %v", rep, err)
	}

	rep, err = v.VerifyNow(ctx)
	if !errors.Is(err, audit.ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken from full run, got %v", err)
	}
	if rep.OK || !rep.Full || rep.BrokenAt != 2 {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestVerifyFull_OnDemand(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for port := 4200; port < 4204; port++ {
		env.mustCreate(t, user42, port)
	}

	if _, err := env.svc.Audit.Verify(ctx, admin); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	rep, err := env.svc.Audit.VerifyFull(ctx, admin)
	if err != nil || !rep.OK || !rep.Full || rep.Verified != 4 || rep.CheckedThrough != 4 {
		t.Fatalf("full run over intact chain: %+v, %v", rep, err)
	}

	var ae *authz.AuthorizationError
	if _, err := env.svc.Audit.VerifyFull(ctx, user42); !errors.As(err, &ae) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}

	// Dropping verified entries from the tail leaves a valid prefix, which
	// only the checkpoint reveals.
	if !env.mem.TruncateAudit(2) {
		t.Fatal("TruncateAudit failed")
	}
	rep, err = env.svc.Audit.VerifyFull(ctx, admin)
	if !errors.Is(err, audit.ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken after truncation, got %v", err)
	}
	if rep.OK || rep.CheckedThrough != 2 || rep.BrokenAt != 3 {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestAuditVerifier_BadScheduleAndDisabled(t *testing.T) {
	env := newTestEnv(t)

	bad := service.NewAuditVerifier(env.store, service.VerifierConfig{Schedule: "every now and then"}, nil)
	if err := bad.Start(context.Background()); err == nil {
		t.Fatal("expected schedule error")
	}

	off := service.NewAuditVerifier(env.store, service.VerifierConfig{}, nil)
	if err := off.Start(context.Background()); err != nil {
		t.Fatalf("disabled Start: %v", err)
	}
	off.Stop()
}

func TestVerify_SQLiteChainSurvivesStorage(t *testing.T) {
	env := newSQLiteEnv(t)
	ctx := context.Background()

	req := env.mustCreate(t, user42, 5432)
	if _, err := env.svc.Requests.Decide(ctx, admin, req.ID, types.DecisionApprove, "ok"); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if _, err := env.svc.Policies.AddPolicy(ctx, admin, service.PolicySpec{Port: 5432, Kind: types.PolicyWhitelist, UserID: "u-7"}); err != nil {
		t.Fatalf("AddPolicy: %v", err)
	}
	_, _ = env.svc.Requests.Decide(ctx, admin, req.ID, types.DecisionDeny, "")

	rep, err := env.svc.Audit.Verify(ctx, admin)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !rep.OK || rep.Verified != 4 {
		t.Fatalf("unexpected report: %+v", rep)
	}
}
