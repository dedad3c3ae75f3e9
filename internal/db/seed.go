package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type SeedOptions struct {
	// KnownAgents are enforcement agents allowed to query verdicts. Agents
	// in the table but missing here are left as they are.
	KnownAgents []string
}

func Seed(ctx context.Context, db *sql.DB, opt SeedOptions) error {
	now := time.Now().UTC().UnixMilli()

	for _, id := range opt.KnownAgents {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, `
INSERT INTO agents(agent_id, known, created_at_ms, updated_at_ms)
VALUES (?, 1, ?, ?)
ON CONFLICT(agent_id) DO UPDATE SET
  known = 1,
  updated_at_ms = excluded.updated_at_ms;
`, id, now, now); err != nil {
			return fmt.Errorf("seed agent %s: %w", id, err)
		}
	}

	return nil
}
