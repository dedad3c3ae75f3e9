package store

import (
	"context"
	"errors"
	"time"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/types"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrUnavailable marks failures where the backing store could not take
	// the work at all (closed, saturated, locked). Callers may retry.
	ErrUnavailable = errors.New("store unavailable")
	// ErrConflict is returned when a write would violate a uniqueness
	// constraint the store enforces on its own.
	ErrConflict = errors.New("conflict")
)

type RequestFilter struct {
	RequesterID string
	Status      types.RequestStatus
	Port        int
}

type PolicyScope string

const (
	ScopeAny    PolicyScope = ""
	ScopeGlobal PolicyScope = "global"
	ScopeUser   PolicyScope = "user"
)

type PolicyFilter struct {
	Port   int
	Kind   types.PolicyKind
	Scope  PolicyScope
	UserID string // only meaningful with ScopeUser or ScopeAny
}

type GrantFilter struct {
	UserID         string
	SourcePolicyID string
}

// AuditFilter narrows an audit query. Zero values match everything. AsOf,
// when positive, hides entries appended after that ID so that successive
// pages of one query see the same log.
type AuditFilter struct {
	From    time.Time
	To      time.Time
	Action  types.AuditAction
	ActorID string
	Status  types.AuditStatus
	AsOf    int64
}

type Page struct {
	Offset int
	Limit  int
}

// Reader is the read side of the store. Implementations return ErrNotFound
// (possibly wrapped) for missing single entities.
type Reader interface {
	GetUser(ctx context.Context, id string) (types.User, error)
	GetUserByUsername(ctx context.Context, username string) (types.User, error)
	ListUsers(ctx context.Context) ([]types.User, error)

	GetRequest(ctx context.Context, id string) (types.PortRequest, error)
	// ListRequests orders newest first.
	ListRequests(ctx context.Context, f RequestFilter) ([]types.PortRequest, error)

	GetPolicy(ctx context.Context, id string) (types.PortPolicy, error)
	// ListPolicies orders oldest first.
	ListPolicies(ctx context.Context, f PolicyFilter) ([]types.PortPolicy, error)

	GetGrant(ctx context.Context, userID string, port int) (types.PortGrant, error)
	ListGrants(ctx context.Context, f GrantFilter) ([]types.PortGrant, error)

	// QueryAudit orders by timestamp descending, then ID ascending, and
	// returns the total number of matching entries alongside the page.
	QueryAudit(ctx context.Context, f AuditFilter, p Page) ([]types.AuditLogEntry, int, error)
	// AuditAfter returns up to limit entries with ID > afterID, ascending.
	AuditAfter(ctx context.Context, afterID int64, limit int) ([]types.AuditLogEntry, error)
	LastAuditID(ctx context.Context) (int64, error)
}

// Tx is a write transaction. Nothing written through a Tx is visible to
// other readers until the enclosing Update returns nil.
type Tx interface {
	Reader

	InsertUser(ctx context.Context, u types.User) error
	UpdateUser(ctx context.Context, u types.User) error

	InsertRequest(ctx context.Context, r types.PortRequest) error
	// CompareAndSwapRequest stores r only if the stored request's status is
	// still expect. It reports whether the swap happened.
	CompareAndSwapRequest(ctx context.Context, r types.PortRequest, expect types.RequestStatus) (bool, error)

	InsertPolicy(ctx context.Context, p types.PortPolicy) error
	DeletePolicy(ctx context.Context, id string) (bool, error)

	PutGrant(ctx context.Context, g types.PortGrant) error
	DeleteGrant(ctx context.Context, userID string, port int) (bool, error)

	// AppendAudit assigns the entry its ID, clamps its timestamp so the log
	// stays monotonic, seals it into the hash chain and appends it.
	AppendAudit(ctx context.Context, e types.AuditLogEntry) (types.AuditLogEntry, error)
}

type Store interface {
	View(ctx context.Context, fn func(r Reader) error) error
	// Update runs fn in one atomic transaction. If fn returns an error the
	// transaction is rolled back and that error is returned unchanged.
	Update(ctx context.Context, fn func(tx Tx) error) error
}
