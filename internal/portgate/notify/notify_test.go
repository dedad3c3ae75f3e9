package notify_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/notify"
)

func TestRedisPublisher_DeliversJSON(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, "portgate.test")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	p := notify.NewRedis(client, "portgate.test")
	evt := notify.NewEvent(notify.GrantCreated, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	evt.UserID = "u-42"
	evt.Port = 3306
	evt.RequestID = "req-1"
	if err := p.Publish(ctx, evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var got notify.Event
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if got.Type != notify.GrantCreated || got.UserID != "u-42" || got.Port != 3306 {
			t.Fatalf("unexpected event: %+v", got)
		}
		if got.At != "2026-03-01T09:00:00Z" {
			t.Errorf("unexpected at: %s", got.At)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestRedisPublisher_ReportsFailure(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	p := notify.NewRedis(client, "")
	if err := p.Publish(context.Background(), notify.NewEvent(notify.PolicyAdded, time.Now())); err == nil {
		t.Fatal("expected error when redis is down")
	}
}

func TestMemory_RecordsInOrder(t *testing.T) {
	var m notify.Memory
	_ = m.Publish(context.Background(), notify.Event{Type: notify.PolicyAdded})
	_ = m.Publish(context.Background(), notify.Event{Type: notify.GrantCreated})

	events := m.Events()
	if len(events) != 2 || events[0].Type != notify.PolicyAdded || events[1].Type != notify.GrantCreated {
		t.Fatalf("unexpected events: %+v", events)
	}
}
