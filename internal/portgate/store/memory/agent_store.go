package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store"
)

type AgentStore struct {
	mu    sync.RWMutex
	known map[string]struct{}
	seen  map[string]time.Time
}

func NewAgentStore(knownAgents []string) *AgentStore {
	k := make(map[string]struct{}, len(knownAgents))
	for _, a := range knownAgents {
		a = strings.TrimSpace(a)
		if a != "" {
			k[a] = struct{}{}
		}
	}
	return &AgentStore{
		known: k,
		seen:  make(map[string]time.Time),
	}
}

func (s *AgentStore) IsKnown(_ context.Context, agentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.known[agentID]
	return ok, nil
}

func (s *AgentStore) MarkSeen(_ context.Context, agentID string, _ bool, t time.Time) error {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[agentID] = t
	return nil
}

func (s *AgentStore) ListAgents(_ context.Context) ([]store.AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.AgentRecord, 0, len(s.known))
	for id := range s.known {
		out = append(out, store.AgentRecord{AgentID: id, Known: true, LastSeen: s.seen[id]})
	}
	for id, t := range s.seen {
		if _, ok := s.known[id]; !ok {
			out = append(out, store.AgentRecord{AgentID: id, LastSeen: t})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}
