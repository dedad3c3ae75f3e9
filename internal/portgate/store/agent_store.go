package store

import (
	"context"
	"time"
)

type AgentRecord struct {
	AgentID  string    `json:"agent_id"`
	Known    bool      `json:"known"`
	LastSeen time.Time `json:"last_seen"`
}

// AgentStore tracks the enforcement agents allowed to query verdicts.
type AgentStore interface {
	IsKnown(ctx context.Context, agentID string) (bool, error)
	MarkSeen(ctx context.Context, agentID string, known bool, t time.Time) error
	// ListAgents returns configured agents and any unknown agent that has
	// called in, ordered by ID.
	ListAgents(ctx context.Context) ([]AgentRecord, error)
}
