// Package service is the Port Access Policy Engine's API. Every operation
// takes the caller's identity explicitly, passes the authorization gate,
// and commits its state change together with exactly one audit entry.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/authz"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/notify"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/types"
)

const DefaultOperationTimeout = 5 * time.Second

type Options struct {
	Store store.Store
	// Gate defaults to one that checks actors against Store's users.
	Gate     *authz.Gate
	Logger   *slog.Logger
	Notifier notify.Publisher

	// OperationTimeout bounds every call, including waiting for locks and
	// for the store to accept the write.
	OperationTimeout time.Duration

	Clock func() time.Time
	NewID func() string
}

// Services bundles the engine's services over one store, sharing the
// per-entity locks between them.
type Services struct {
	Requests *RequestService
	Policies *PolicyService
	Access   *AccessService
	Audit    *AuditService
	Users    *UserService
	Stats    *StatsService
}

func New(opts Options) *Services {
	e := newEngine(opts)
	return &Services{
		Requests: &RequestService{e: e},
		Policies: &PolicyService{e: e},
		Access:   &AccessService{e: e},
		Audit:    &AuditService{e: e, verifier: NewAuditVerifier(e.store, VerifierConfig{}, e.log)},
		Users:    &UserService{e: e},
		Stats:    &StatsService{e: e},
	}
}

type engine struct {
	store    store.Store
	gate     *authz.Gate
	log      *slog.Logger
	notifier notify.Publisher
	timeout  time.Duration
	clock    func() time.Time
	newID    func() string
	locks    *keyedLocks
}

func newEngine(opts Options) *engine {
	e := &engine{
		store:    opts.Store,
		gate:     opts.Gate,
		log:      opts.Logger,
		notifier: opts.Notifier,
		timeout:  opts.OperationTimeout,
		clock:    opts.Clock,
		newID:    opts.NewID,
		locks:    newKeyedLocks(),
	}
	if e.gate == nil {
		e.gate = authz.NewGate(authz.StoreUsers{Store: opts.Store})
	}
	if e.log == nil {
		e.log = slog.New(slog.DiscardHandler)
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	if e.timeout <= 0 {
		e.timeout = DefaultOperationTimeout
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e
}

func (e *engine) now() time.Time {
	return e.clock().UTC().Truncate(time.Millisecond)
}

func (e *engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.timeout)
}

// authorize runs the gate. Denials are logged, not audited.
func (e *engine) authorize(ctx context.Context, actor types.Actor, op authz.Operation) error {
	err := e.gate.Check(ctx, actor, op)
	if err == nil {
		return nil
	}
	var ae *authz.AuthorizationError
	if errors.As(err, &ae) {
		e.log.Warn("authorization denied", "actor_id", actor.UserID, "role", actor.Role, "op", op, "reason", ae.Reason)
		return err
	}
	return storeError(string(op), err)
}

func (e *engine) lock(ctx context.Context, op string, keys ...string) (func(), error) {
	unlock, err := e.locks.acquire(ctx, keys...)
	if err != nil {
		return nil, &StoreUnavailableError{Op: op, Err: err}
	}
	return unlock, nil
}

func (e *engine) view(ctx context.Context, op string, fn func(r store.Reader) error) error {
	return storeError(op, e.store.View(ctx, fn))
}

func (e *engine) update(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	return storeError(op, e.store.Update(ctx, fn))
}

func (e *engine) entry(actor types.Actor, action types.AuditAction, et types.EntityType, id string, status types.AuditStatus) types.AuditLogEntry {
	return types.AuditLogEntry{
		Timestamp:  e.now(),
		ActorID:    cleanText(actor.UserID),
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: et,
		EntityID:   cleanText(id),
		IPAddress:  cleanText(actor.IPAddress),
		UserAgent:  cleanText(actor.UserAgent),
		Status:     status,
	}
}

// appendAudit writes entry inside tx. Its failure aborts the transaction.
func appendAudit(ctx context.Context, tx store.Tx, entry types.AuditLogEntry) error {
	if _, err := tx.AppendAudit(ctx, entry); err != nil {
		return &AuditWriteFailure{Action: entry.Action, Err: err}
	}
	return nil
}

// failure records a FAILURE entry for a rejected operation in its own
// transaction and returns cause. If the entry cannot be written either,
// both errors are returned joined. The rejected input may hold text that
// cannot be encoded, so the entry's strings are cleaned first.
func (e *engine) failure(ctx context.Context, entry types.AuditLogEntry, cause error) error {
	entry.Status = types.AuditFailure
	entry.ErrorMessage = cleanText(cause.Error())
	entry.OldValue = cleanSnapshot(entry.OldValue)
	entry.NewValue = cleanSnapshot(entry.NewValue)
	err := e.update(ctx, string(entry.Action), func(tx store.Tx) error {
		return appendAudit(ctx, tx, entry)
	})
	if err != nil {
		e.log.Error("failure audit entry not written",
			"action", entry.Action, "entity_id", entry.EntityID, "cause", cause, "err", err)
		return errors.Join(cause, err)
	}
	return cause
}

// publish sends post-commit notifications. Errors are logged only.
func (e *engine) publish(ctx context.Context, events ...notify.Event) {
	for _, evt := range events {
		if err := e.notifier.Publish(context.WithoutCancel(ctx), evt); err != nil {
			e.log.Warn("notification not delivered", "type", evt.Type, "err", err)
		}
	}
}

func grantEntityID(userID string, port int) string {
	return fmt.Sprintf("%s:%d", userID, port)
}

// validText rejects strings that are not valid UTF-8.
func validText(field, s string) error {
	if !utf8.ValidString(s) {
		return &ValidationError{Field: field, Reason: "must be valid UTF-8"}
	}
	return nil
}

// cleanText replaces invalid UTF-8 with U+FFFD. Audit entries are encoded
// as protobuf, which only carries valid UTF-8 strings.
func cleanText(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

func cleanSnapshot(s types.Snapshot) types.Snapshot {
	if s == nil {
		return nil
	}
	out := make(types.Snapshot, len(s))
	for k, v := range s {
		out[cleanText(k)] = cleanValue(v)
	}
	return out
}

func cleanValue(v any) any {
	switch v := v.(type) {
	case string:
		return cleanText(v)
	case types.Snapshot:
		return cleanSnapshot(v)
	case map[string]any:
		return map[string]any(cleanSnapshot(v))
	case []any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = cleanValue(v[i])
		}
		return out
	}
	return v
}

func validatePort(port int) error {
	if !types.ValidPort(port) {
		return &ValidationError{Field: "port", Reason: fmt.Sprintf("must be between %d and %d", types.MinPort, types.MaxPort)}
	}
	return nil
}
