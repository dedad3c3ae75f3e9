package service

import (
	"context"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/authz"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/types"
)

// AgentRegistry knows which enforcement agents may query verdicts.
type AgentRegistry struct {
	store store.AgentStore
	gate  *authz.Gate
}

func NewAgentRegistry(st store.AgentStore, gate *authz.Gate) *AgentRegistry {
	return &AgentRegistry{store: st, gate: gate}
}

func (r *AgentRegistry) IsKnown(ctx context.Context, agentID string) (bool, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return false, nil
	}
	return r.store.IsKnown(ctx, agentID)
}

func (r *AgentRegistry) NoteSeen(ctx context.Context, agentID string, known bool) error {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil
	}
	return r.store.MarkSeen(ctx, agentID, known, time.Now().UTC())
}

func (r *AgentRegistry) List(ctx context.Context, actor types.Actor) ([]store.AgentRecord, error) {
	if r.gate != nil {
		if err := r.gate.Check(ctx, actor, authz.OpListAgents); err != nil {
			return nil, err
		}
	}
	return r.store.ListAgents(ctx)
}
