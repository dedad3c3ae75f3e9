package store

import (
	"fmt"
	"time"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/audit"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/types"
)

// SealNext prepares e to follow last in the log: it takes the next ID, has
// its timestamp cut to milliseconds and raised to at least last's, and is
// sealed into the hash chain. A zero last means e is the first entry.
func SealNext(e *types.AuditLogEntry, last types.AuditLogEntry) error {
	e.ID = last.ID + 1

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC().Truncate(time.Millisecond)
	if ts.Before(last.Timestamp) {
		ts = last.Timestamp
	}
	e.Timestamp = ts

	if err := audit.Seal(last.Hash, e); err != nil {
		return fmt.Errorf("seal audit entry %d: %w", e.ID, err)
	}
	return nil
}
