// Package audit holds the tamper-evidence and encoding rules for audit log
// entries. Each entry's Hash covers its own content and the previous
// entry's Hash, so any edit or deletion breaks the chain from that point.
package audit

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/types"
)

var ErrChainBroken = errors.New("audit chain broken")

// Seal fills in e.PrevHash and e.Hash. It must be called after the store has
// assigned e.ID and e.Timestamp, since both are covered by the hash.
func Seal(prev []byte, e *types.AuditLogEntry) error {
	e.PrevHash = append([]byte(nil), prev...)
	h, err := Hash(e)
	if err != nil {
		return err
	}
	e.Hash = h
	return nil
}

// Hash computes the chained hash of e from its content and e.PrevHash.
func Hash(e *types.AuditLogEntry) ([]byte, error) {
	msg, err := canonical(e)
	if err != nil {
		return nil, err
	}
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal audit entry %d: %w", e.ID, err)
	}
	sum := blake3.Sum256(b)
	return sum[:], nil
}

// Verify checks that entries, given in ascending ID order, form an unbroken
// chain starting after prev. It returns the ID of the first bad entry.
func Verify(prev []byte, entries []types.AuditLogEntry) (int64, error) {
	for i := range entries {
		e := &entries[i]
		if !bytes.Equal(e.PrevHash, prev) {
			return e.ID, fmt.Errorf("%w: entry %d does not link to its predecessor", ErrChainBroken, e.ID)
		}
		want, err := Hash(e)
		if err != nil {
			return e.ID, err
		}
		if !bytes.Equal(want, e.Hash) {
			return e.ID, fmt.Errorf("%w: entry %d content does not match its hash", ErrChainBroken, e.ID)
		}
		prev = e.Hash
	}
	return 0, nil
}

func canonical(e *types.AuditLogEntry) (*structpb.Struct, error) {
	fields := map[string]any{
		"id":            e.ID,
		"timestamp_ms":  e.Timestamp.UnixMilli(),
		"actor_id":      e.ActorID,
		"actor_role":    string(e.ActorRole),
		"action":        string(e.Action),
		"entity_type":   string(e.EntityType),
		"entity_id":     e.EntityID,
		"ip_address":    e.IPAddress,
		"user_agent":    e.UserAgent,
		"status":        string(e.Status),
		"old_value":     normalize(e.OldValue),
		"new_value":     normalize(e.NewValue),
		"error_message": e.ErrorMessage,
		"prev_hash":     base64.StdEncoding.EncodeToString(e.PrevHash),
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode audit entry %d: %w", e.ID, err)
	}
	return s, nil
}
