package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/audit"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store/memory"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/types"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func entry(action types.AuditAction, ts time.Time) types.AuditLogEntry {
	return types.AuditLogEntry{
		Timestamp:  ts,
		ActorID:    "admin-1",
		ActorRole:  types.RoleAdmin,
		Action:     action,
		EntityType: types.EntityRequest,
		EntityID:   "req-1",
		Status:     types.AuditSuccess,
	}
}

// ── Transactions ────────────────────────────────────────────────────────────

func TestUpdate_RollbackDiscardsWrites(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Update(ctx, func(tx store.Tx) error {
		if err := tx.InsertRequest(ctx, types.PortRequest{ID: "req-1", RequesterID: "u-1", Port: 80, Status: types.StatusPending}); err != nil {
			return err
		}
		if _, err := tx.AppendAudit(ctx, entry(types.ActionCreateRequest, t0)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	err = s.View(ctx, func(r store.Reader) error {
		if _, err := r.GetRequest(ctx, "req-1"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound after rollback, got %v", err)
		}
		last, _ := r.LastAuditID(ctx)
		if last != 0 {
			t.Errorf("expected empty audit log, got last id %d", last)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestView_SeesSnapshotNotLaterWrites(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	err := s.View(ctx, func(r store.Reader) error {
		uerr := s.Update(ctx, func(tx store.Tx) error {
			return tx.InsertUser(ctx, types.User{ID: "u-1", Username: "alice", Role: types.RoleUser, Active: true})
		})
		if uerr != nil {
			t.Fatalf("Update: %v", uerr)
		}
		if _, err := r.GetUser(ctx, "u-1"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("reader saw a write committed after it started: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestUpdate_UnavailableAndTimeout(t *testing.T) {
	s := memory.New()

	s.SetUnavailable(true)
	err := s.Update(context.Background(), func(store.Tx) error { return nil })
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	s.SetUnavailable(false)

	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.Update(context.Background(), func(store.Tx) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = s.Update(ctx, func(store.Tx) error { return nil })
	close(hold)
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable while writer slot is held, got %v", err)
	}
}

// ── Constraints ─────────────────────────────────────────────────────────────

func TestTx_Constraints(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	err := s.Update(ctx, func(tx store.Tx) error {
		if err := tx.InsertRequest(ctx, types.PortRequest{ID: "req-1", RequesterID: "u-1", Port: 80, Status: types.StatusPending}); err != nil {
			return err
		}
		err := tx.InsertRequest(ctx, types.PortRequest{ID: "req-2", RequesterID: "u-1", Port: 80, Status: types.StatusPending})
		if !errors.Is(err, store.ErrConflict) {
			t.Errorf("second pending request: expected ErrConflict, got %v", err)
		}

		p := types.PortPolicy{ID: "pol-1", Port: 22, Kind: types.PolicyBlacklist, CreatedAt: t0}
		if err := tx.InsertPolicy(ctx, p); err != nil {
			return err
		}
		p.ID = "pol-2"
		if err := tx.InsertPolicy(ctx, p); !errors.Is(err, store.ErrConflict) {
			t.Errorf("duplicate policy slot: expected ErrConflict, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestTx_CompareAndSwapRequest(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	err := s.Update(ctx, func(tx store.Tx) error {
		r := types.PortRequest{ID: "req-1", RequesterID: "u-1", Port: 80, Status: types.StatusPending}
		if err := tx.InsertRequest(ctx, r); err != nil {
			return err
		}
		r.Status = types.StatusApproved
		ok, err := tx.CompareAndSwapRequest(ctx, r, types.StatusPending)
		if err != nil || !ok {
			t.Fatalf("first swap: ok=%v err=%v", ok, err)
		}
		r.Status = types.StatusDenied
		ok, err = tx.CompareAndSwapRequest(ctx, r, types.StatusPending)
		if err != nil || ok {
			t.Fatalf("second swap: ok=%v err=%v", ok, err)
		}
		got, _ := tx.GetRequest(ctx, "req-1")
		if got.Status != types.StatusApproved {
			t.Errorf("expected approved, got %s", got.Status)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}

// ── Audit log ───────────────────────────────────────────────────────────────

func TestAppendAudit_IDsTimestampsAndChain(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	// The second entry carries an earlier clock reading than the first.
	stamps := []time.Time{t0.Add(1500 * time.Microsecond), t0, t0.Add(time.Second)}
	for _, ts := range stamps {
		err := s.Update(ctx, func(tx store.Tx) error {
			_, err := tx.AppendAudit(ctx, entry(types.ActionCreateRequest, ts))
			return err
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	var entries []types.AuditLogEntry
	_ = s.View(ctx, func(r store.Reader) error {
		var err error
		entries, err = r.AuditAfter(ctx, 0, 0)
		return err
	})
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.ID != int64(i+1) {
			t.Errorf("entry %d: id=%d", i, e.ID)
		}
		if i > 0 && e.Timestamp.Before(entries[i-1].Timestamp) {
			t.Errorf("entry %d: timestamp went backwards", e.ID)
		}
	}
	if !entries[0].Timestamp.Equal(t0.Add(time.Millisecond)) {
		t.Errorf("expected ms truncation, got %v", entries[0].Timestamp)
	}
	if !entries[1].Timestamp.Equal(entries[0].Timestamp) {
		t.Errorf("expected clamped timestamp, got %v", entries[1].Timestamp)
	}
	if _, err := audit.Verify(nil, entries); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestAppendAudit_InjectedFailureRollsBack(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	boom := errors.New("disk full")
	s.FailAuditWrites(boom)

	err := s.Update(ctx, func(tx store.Tx) error {
		if err := tx.PutGrant(ctx, types.PortGrant{UserID: "u-1", Port: 443}); err != nil {
			return err
		}
		_, err := tx.AppendAudit(ctx, entry(types.ActionApproveRequest, t0))
		return err
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	_ = s.View(ctx, func(r store.Reader) error {
		if _, err := r.GetGrant(ctx, "u-1", 443); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("grant survived failed audit write: %v", err)
		}
		return nil
	})
}

func TestQueryAudit_OrderFilterAndAsOf(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	actions := []types.AuditAction{types.ActionLogin, types.ActionCreateRequest, types.ActionCreateRequest, types.ActionLogout}
	for i, a := range actions {
		err := s.Update(ctx, func(tx store.Tx) error {
			_, err := tx.AppendAudit(ctx, entry(a, t0.Add(time.Duration(i/2)*time.Second)))
			return err
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	var (
		page  []types.AuditLogEntry
		total int
	)
	_ = s.View(ctx, func(r store.Reader) error {
		var err error
		page, total, err = r.QueryAudit(ctx, store.AuditFilter{AsOf: 4}, store.Page{Limit: 10})
		return err
	})
	if total != 4 {
		t.Fatalf("expected total 4, got %d", total)
	}
	wantIDs := []int64{3, 4, 1, 2}
	for i, e := range page {
		if e.ID != wantIDs[i] {
			t.Errorf("position %d: id=%d, want %d", i, e.ID, wantIDs[i])
		}
	}

	err := s.Update(ctx, func(tx store.Tx) error {
		_, err := tx.AppendAudit(ctx, entry(types.ActionCreateRequest, t0.Add(time.Hour)))
		return err
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	_ = s.View(ctx, func(r store.Reader) error {
		var err error
		page, total, err = r.QueryAudit(ctx, store.AuditFilter{Action: types.ActionCreateRequest, AsOf: 4}, store.Page{Offset: 1, Limit: 1})
		return err
	})
	if total != 2 || len(page) != 1 || page[0].ID != 2 {
		t.Fatalf("pinned page: total=%d page=%+v", total, page)
	}
}

// ── Concurrency ─────────────────────────────────────────────────────────────

func TestUpdate_ConcurrentAppendsStayDense(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.Update(ctx, func(tx store.Tx) error {
				_, err := tx.AppendAudit(ctx, entry(types.ActionLogin, time.Now()))
				return err
			})
		}()
		go func() {
			defer wg.Done()
			_ = s.View(ctx, func(r store.Reader) error {
				_, _, err := r.QueryAudit(ctx, store.AuditFilter{}, store.Page{})
				return err
			})
		}()
	}
	wg.Wait()

	var entries []types.AuditLogEntry
	_ = s.View(ctx, func(r store.Reader) error {
		entries, _ = r.AuditAfter(ctx, 0, 0)
		return nil
	})
	if len(entries) != 50 {
		t.Fatalf("expected 50 entries, got %d", len(entries))
	}
	if _, err := audit.Verify(nil, entries); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestAgentStore_KnownAndSeen(t *testing.T) {
	s := memory.NewAgentStore([]string{" fw-1 ", ""})
	ctx := context.Background()

	if ok, _ := s.IsKnown(ctx, "fw-1"); !ok {
		t.Error("expected fw-1 known")
	}
	if ok, _ := s.IsKnown(ctx, "fw-2"); ok {
		t.Error("expected fw-2 unknown")
	}
	_ = s.MarkSeen(ctx, "fw-2", false, t0)

	agents, _ := s.ListAgents(ctx)
	if len(agents) != 2 || agents[0].AgentID != "fw-1" || agents[1].Known || !agents[1].LastSeen.Equal(t0) {
		t.Fatalf("unexpected agents: %+v", agents)
	}
}
