// Package notify announces committed grant and policy changes so that
// enforcement agents can refresh without polling. Delivery is best effort:
// the audit log, not this stream, is the record of what happened.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	GrantCreated  = "grant.created"
	GrantRevoked  = "grant.revoked"
	PolicyAdded   = "policy.added"
	PolicyRemoved = "policy.removed"
)

type Event struct {
	Type      string `json:"type"`
	At        string `json:"at"`
	UserID    string `json:"user_id,omitempty"`
	Port      int    `json:"port,omitempty"`
	PolicyID  string `json:"policy_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

func NewEvent(eventType string, at time.Time) Event {
	return Event{Type: eventType, At: at.UTC().Format(time.RFC3339Nano)}
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// RedisPublisher publishes events as JSON on one Redis pub/sub channel.
type RedisPublisher struct {
	Client  *redis.Client
	Channel string
	Timeout time.Duration
}

func NewRedis(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = "portgate.events"
	}
	return &RedisPublisher{Client: client, Channel: channel, Timeout: 2 * time.Second}
}

func (p *RedisPublisher) Publish(ctx context.Context, evt Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", evt.Type, err)
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	if err := p.Client.Publish(ctx, p.Channel, b).Err(); err != nil {
		return fmt.Errorf("publish %s event: %w", evt.Type, err)
	}
	return nil
}

// Memory records published events in order.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Publish(_ context.Context, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

// Events returns a copy of all published events.  Test-only helper.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
