package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrBusy is returned when a job could not be queued before the caller's
	// context expired.
	ErrBusy   = errors.New("db writer busy")
	ErrClosed = errors.New("db writer closed")
)

type TxFn func(ctx context.Context, tx *sql.Tx) error

type job struct {
	ctx      context.Context
	deadline time.Time
	fn       TxFn
	ch       chan error
}

// Worker serializes every write transaction through one goroutine, so the
// commit order is the order jobs were accepted.
type Worker struct {
	db        *sql.DB
	jobs      chan job
	done      chan struct{}
	txTimeout time.Duration

	mu     sync.RWMutex
	closed bool
}

type WorkerOption func(*Worker)

// WithTxTimeout bounds how long an accepted transaction may run.
func WithTxTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) { w.txTimeout = d }
}

func NewWorker(db *sql.DB, opts ...WorkerOption) *Worker {
	w := &Worker{
		db:        db,
		jobs:      make(chan job, 256),
		done:      make(chan struct{}),
		txTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(w)
	}
	go w.loop()
	return w
}

func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.jobs)
	w.mu.Unlock()
	<-w.done
}

// Do queues fn and waits for its result. Cancelling ctx only abandons the
// wait to be queued: once accepted, the transaction runs to commit or
// rollback and Do returns that outcome, so a caller never walks away from
// a write that may still commit. The caller's deadline, if earlier than
// the worker's tx timeout, still bounds the transaction.
func (w *Worker) Do(ctx context.Context, fn TxFn) error {
	ch := make(chan error, 1)
	j := job{ctx: context.WithoutCancel(ctx), fn: fn, ch: ch}
	if dl, ok := ctx.Deadline(); ok {
		j.deadline = dl
	}

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrClosed
	}
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		w.mu.RUnlock()
		return fmt.Errorf("%w: %w", ErrBusy, ctx.Err())
	}
	w.mu.RUnlock()

	return <-ch
}

func (w *Worker) loop() {
	defer close(w.done)

	for j := range w.jobs {
		j.ch <- w.run(j)
	}
}

func (w *Worker) run(j job) error {
	timeout := w.txTimeout
	if !j.deadline.IsZero() {
		timeout = min(timeout, time.Until(j.deadline))
	}
	ctx, cancel := context.WithTimeout(j.ctx, timeout)
	defer cancel()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := j.fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}
