// Package memory is an in-process implementation of store.Store. Committed
// state is an immutable value behind an atomic pointer: readers take the
// pointer and never block, writers clone, mutate and swap under a single
// writer slot. It backs tests and the dev server.
package memory

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/types"
)

type grantKey struct {
	userID string
	port   int
}

type state struct {
	users    map[string]types.User
	requests map[string]types.PortRequest
	policies map[string]types.PortPolicy
	grants   map[grantKey]types.PortGrant
	audit    []types.AuditLogEntry
}

func (s *state) clone() *state {
	return &state{
		users:    maps.Clone(s.users),
		requests: maps.Clone(s.requests),
		policies: maps.Clone(s.policies),
		grants:   maps.Clone(s.grants),
		// Appends only write past len, which no older snapshot reads.
		audit: s.audit,
	}
}

type Store struct {
	writer chan struct{}
	cur    atomic.Pointer[state]

	unavailable atomic.Bool

	mu       sync.Mutex
	auditErr error
}

func New() *Store {
	s := &Store{writer: make(chan struct{}, 1)}
	s.cur.Store(&state{
		users:    make(map[string]types.User),
		requests: make(map[string]types.PortRequest),
		policies: make(map[string]types.PortPolicy),
		grants:   make(map[grantKey]types.PortGrant),
	})
	return s
}

// SetUnavailable makes every subsequent View and Update fail with
// store.ErrUnavailable until cleared. Test-only helper.
func (s *Store) SetUnavailable(v bool) { s.unavailable.Store(v) }

// FailAuditWrites makes AppendAudit return err until called with nil.
// Test-only helper.
func (s *Store) FailAuditWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditErr = err
}

func (s *Store) injectedAuditErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auditErr
}

func (s *Store) View(ctx context.Context, fn func(r store.Reader) error) error {
	if s.unavailable.Load() {
		return store.ErrUnavailable
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(reader{st: s.cur.Load()})
}

// Update waits for the writer slot until ctx expires, in which case it
// fails with store.ErrUnavailable without running fn.
func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	if s.unavailable.Load() {
		return store.ErrUnavailable
	}
	select {
	case s.writer <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", store.ErrUnavailable, ctx.Err())
	}
	defer func() { <-s.writer }()

	next := s.cur.Load().clone()
	if err := fn(&tx{reader: reader{st: next}, store: s}); err != nil {
		return err
	}
	s.cur.Store(next)
	return nil
}

type tx struct {
	reader
	store *Store
}

func (t *tx) InsertUser(_ context.Context, u types.User) error {
	if _, ok := t.st.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, store.ErrConflict)
	}
	for _, other := range t.st.users {
		if strings.EqualFold(other.Username, u.Username) {
			return fmt.Errorf("username %s: %w", u.Username, store.ErrConflict)
		}
	}
	t.st.users[u.ID] = u
	return nil
}

func (t *tx) UpdateUser(_ context.Context, u types.User) error {
	if _, ok := t.st.users[u.ID]; !ok {
		return fmt.Errorf("user %s: %w", u.ID, store.ErrNotFound)
	}
	t.st.users[u.ID] = u
	return nil
}

func (t *tx) InsertRequest(_ context.Context, r types.PortRequest) error {
	if _, ok := t.st.requests[r.ID]; ok {
		return fmt.Errorf("request %s: %w", r.ID, store.ErrConflict)
	}
	if r.Status == types.StatusPending {
		for _, other := range t.st.requests {
			if other.Status == types.StatusPending && other.RequesterID == r.RequesterID && other.Port == r.Port {
				return fmt.Errorf("pending request for %s/%d: %w", r.RequesterID, r.Port, store.ErrConflict)
			}
		}
	}
	t.st.requests[r.ID] = r
	return nil
}

func (t *tx) CompareAndSwapRequest(_ context.Context, r types.PortRequest, expect types.RequestStatus) (bool, error) {
	cur, ok := t.st.requests[r.ID]
	if !ok {
		return false, fmt.Errorf("request %s: %w", r.ID, store.ErrNotFound)
	}
	if cur.Status != expect {
		return false, nil
	}
	t.st.requests[r.ID] = r
	return true, nil
}

func (t *tx) InsertPolicy(_ context.Context, p types.PortPolicy) error {
	if _, ok := t.st.policies[p.ID]; ok {
		return fmt.Errorf("policy %s: %w", p.ID, store.ErrConflict)
	}
	key := p.Key()
	for _, other := range t.st.policies {
		if other.Key() == key {
			return fmt.Errorf("policy slot %s: %w", key, store.ErrConflict)
		}
	}
	t.st.policies[p.ID] = p
	return nil
}

func (t *tx) DeletePolicy(_ context.Context, id string) (bool, error) {
	if _, ok := t.st.policies[id]; !ok {
		return false, nil
	}
	delete(t.st.policies, id)
	return true, nil
}

func (t *tx) PutGrant(_ context.Context, g types.PortGrant) error {
	t.st.grants[grantKey{g.UserID, g.Port}] = g
	return nil
}

func (t *tx) DeleteGrant(_ context.Context, userID string, port int) (bool, error) {
	k := grantKey{userID, port}
	if _, ok := t.st.grants[k]; !ok {
		return false, nil
	}
	delete(t.st.grants, k)
	return true, nil
}

func (t *tx) AppendAudit(_ context.Context, e types.AuditLogEntry) (types.AuditLogEntry, error) {
	if err := t.store.injectedAuditErr(); err != nil {
		return types.AuditLogEntry{}, err
	}
	if !e.Action.Valid() {
		return types.AuditLogEntry{}, fmt.Errorf("append audit: unknown action %q", e.Action)
	}

	var last types.AuditLogEntry
	if n := len(t.st.audit); n > 0 {
		last = t.st.audit[n-1]
	}
	if err := store.SealNext(&e, last); err != nil {
		return types.AuditLogEntry{}, err
	}
	t.st.audit = append(t.st.audit, e)
	return e, nil
}

var _ store.Store = (*Store)(nil)
var _ store.Tx = (*tx)(nil)

// TamperAudit rewrites the stored entry with the given ID without resealing
// it, so chain verification can be exercised. Test-only helper.
func (s *Store) TamperAudit(id int64, fn func(e *types.AuditLogEntry)) bool {
	s.writer <- struct{}{}
	defer func() { <-s.writer }()

	cur := s.cur.Load()
	if id < 1 || int(id) > len(cur.audit) {
		return false
	}
	next := cur.clone()
	next.audit = append([]types.AuditLogEntry(nil), cur.audit...)
	fn(&next.audit[id-1])
	s.cur.Store(next)
	return true
}

// TruncateAudit drops every audit entry after the first n. Test-only
// helper.
func (s *Store) TruncateAudit(n int) bool {
	s.writer <- struct{}{}
	defer func() { <-s.writer }()

	cur := s.cur.Load()
	if n < 0 || n > len(cur.audit) {
		return false
	}
	next := cur.clone()
	next.audit = append([]types.AuditLogEntry(nil), cur.audit[:n]...)
	s.cur.Store(next)
	return true
}
