package service

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKeyedLocks_SameKeyWaits(t *testing.T) {
	k := newKeyedLocks()

	release, err := k.acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := k.acquire(ctx, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	// Different keys do not wait.
	other, err := k.acquire(context.Background(), "b")
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	other()

	got := make(chan struct{})
	go func() {
		r, err := k.acquire(context.Background(), "a")
		if err == nil {
			r()
		}
		close(got)
	}()
	release()

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken after release")
	}
	if n := k.size(); n != 0 {
		t.Fatalf("expected no locks left, got %d", n)
	}
}

func TestKeyedLocks_MultiKeyReleasesOnTimeout(t *testing.T) {
	k := newKeyedLocks()

	hold, err := k.acquire(context.Background(), "z")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := k.acquire(ctx, "z", "a", "a"); err == nil {
		t.Fatal("expected timeout")
	}

	// "a" was taken first and must have been released.
	r, err := k.acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	r()
	hold()

	if n := k.size(); n != 0 {
		t.Fatalf("expected no locks left, got %d", n)
	}
}
