package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/resolve"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/types"
)

// ErrNotFound is the store sentinel, re-exported so callers need not import
// the store package to match it.
var ErrNotFound = store.ErrNotFound

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type AlreadyDecidedError struct {
	RequestID string
	Status    types.RequestStatus
}

func (e *AlreadyDecidedError) Error() string {
	return fmt.Sprintf("request %s already %s", e.RequestID, e.Status)
}

// PolicyConflictError is returned when an approval is blocked by a
// blacklist. The request stays pending.
type PolicyConflictError struct {
	RequestID string
	UserID    string
	Port      int
	Rule      resolve.Rule
	PolicyID  string
}

func (e *PolicyConflictError) Error() string {
	return fmt.Sprintf("request %s: port %d denied for user %s by %s policy %s",
		e.RequestID, e.Port, e.UserID, e.Rule, e.PolicyID)
}

type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s: store unavailable: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// AuditWriteFailure means the audit entry for an operation could not be
// appended, so the operation's transaction was rolled back.
type AuditWriteFailure struct {
	Action types.AuditAction
	Err    error
}

func (e *AuditWriteFailure) Error() string {
	return fmt.Sprintf("audit write for %s failed: %v", e.Action, e.Err)
}

func (e *AuditWriteFailure) Unwrap() error { return e.Err }

// storeError turns infrastructure failures from the store into
// *StoreUnavailableError. Domain errors pass through unchanged.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		awf *AuditWriteFailure
		sue *StoreUnavailableError
	)
	if errors.As(err, &awf) || errors.As(err, &sue) {
		return err
	}
	if errors.Is(err, store.ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return &StoreUnavailableError{Op: op, Err: err}
	}
	return err
}

// rejection reports whether err is a domain rejection that earns a FAILURE
// audit entry, as opposed to an infrastructure failure.
func rejection(err error) bool {
	var (
		ve  *ValidationError
		ade *AlreadyDecidedError
		pce *PolicyConflictError
	)
	return errors.As(err, &ve) || errors.As(err, &ade) || errors.As(err, &pce) ||
		errors.Is(err, store.ErrNotFound)
}
