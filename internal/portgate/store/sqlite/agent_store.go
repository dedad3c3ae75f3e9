package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/BrandonDHaskell/Portgate/server/internal/db"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store"
)

type AgentStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewAgentStore(db *sql.DB, writer *dbpkg.Worker) *AgentStore {
	return &AgentStore{db: db, writer: writer}
}

// IsKnown: an agent is known once it has been seeded with known = 1.
func (s *AgentStore) IsKnown(ctx context.Context, agentID string) (bool, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return false, nil
	}

	var known int
	err := s.db.QueryRowContext(ctx, `
SELECT known
FROM agents
WHERE agent_id = ?;
`, agentID).Scan(&known)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("IsKnown query: %w", err)
	}
	return known == 1, nil
}

// MarkSeen: ensure the agent row exists (even if unknown) and update last_seen.
func (s *AgentStore) MarkSeen(ctx context.Context, agentID string, _ bool, t time.Time) error {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil
	}
	if t.IsZero() {
		t = time.Now().UTC()
	}
	ms := t.UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		// Unknown agents get a row with known = 0 so operators can see them.
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO agents(agent_id, known, created_at_ms, updated_at_ms)
VALUES (?, 0, ?, ?);
`, agentID, ms, ms); err != nil {
			return fmt.Errorf("MarkSeen insert agent: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE agents
SET last_seen_at_ms = ?,
    updated_at_ms   = ?
WHERE agent_id = ?;
`, ms, ms, agentID); err != nil {
			return fmt.Errorf("MarkSeen update agent: %w", err)
		}

		return nil
	})
}

func (s *AgentStore) ListAgents(ctx context.Context) ([]store.AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT agent_id, known, last_seen_at_ms
FROM agents
ORDER BY agent_id;
`)
	if err != nil {
		return nil, fmt.Errorf("ListAgents query: %w", err)
	}
	defer rows.Close()

	var out []store.AgentRecord
	for rows.Next() {
		var (
			rec   store.AgentRecord
			known int
			seen  sql.NullInt64
		)
		if err := rows.Scan(&rec.AgentID, &known, &seen); err != nil {
			return nil, fmt.Errorf("ListAgents scan: %w", err)
		}
		rec.Known = known == 1
		if seen.Valid {
			rec.LastSeen = fromMillis(seen.Int64)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

var _ store.AgentStore = (*AgentStore)(nil)
