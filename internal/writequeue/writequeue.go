/*
Package writequeue serializes every persistent mutation through a single
consumer, committing to the shared store in strict submission order.
Producers are admission-controlled: a submission fails fast with a
retryable error when the queue is full, the submitter's storage sub-budget
is nearly exhausted, or the underlying store reports it is busy.
*/
package writequeue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fazt-sh/fazt/internal/budget"
	"github.com/fazt-sh/fazt/internal/config"
	"github.com/fazt-sh/fazt/internal/store"
)

// Retryable wraps an error the caller may retry after a short backoff,
// matching the kernel's 503-with-Retry-After convention.
type Retryable struct {
	err error
}

func (r *Retryable) Error() string { return r.err.Error() }
func (r *Retryable) Unwrap() error { return r.err }

func retryable(msg string) error {
	return &Retryable{err: errors.New(msg)}
}

// IsRetryable reports whether err (or anything it wraps) is a Retryable.
func IsRetryable(err error) bool {
	var r *Retryable
	return errors.As(err, &r)
}

// ErrQueueFull is returned (wrapped in Retryable) when the queue has no
// free slot at submission time.
var ErrQueueFull = retryable("writequeue: full")

// ErrBudgetExhausted is returned (wrapped in Retryable) when the caller's
// storage sub-budget is below the minimum required for a write.
var ErrBudgetExhausted = retryable("writequeue: storage budget exhausted")

// Job is a unit of work committed transactionally against the store.
type Job func(tx *sql.Tx) error

type job struct {
	fn     Job
	result chan error
}

// Queue is the single-writer job queue.
type Queue struct {
	db     *store.DB
	cfg    config.WriteQueue
	logger *slog.Logger

	jobs chan *job
	done chan struct{}
}

// New creates and starts a Queue backed by db.
func New(db *store.DB, cfg config.WriteQueue, logger *slog.Logger) *Queue {
	q := &Queue{
		db:     db,
		cfg:    cfg,
		logger: logger,
		jobs:   make(chan *job, cfg.Capacity),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Stop drains and halts the consumer loop. Jobs already queued are still
// committed before Stop returns.
func (q *Queue) Stop() {
	close(q.jobs)
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for j := range q.jobs {
		j.result <- q.commit(j.fn)
	}
}

func (q *Queue) commit(fn Job) (err error) {
	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("writequeue: begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("writequeue: commit: %w", cerr)
		}
	}()

	if ferr := fn(tx); ferr != nil {
		err = ferr
	}
	return err
}

// Submit enqueues fn for serialized commit and blocks until it has run (or
// the admission checks reject it). b's storage sub-budget is consulted
// before the job is admitted to the queue.
func (q *Queue) Submit(ctx context.Context, b *budget.Budget, fn Job) error {
	if b != nil && b.Storage() < q.cfg.MinStorageTime.Duration {
		return ErrBudgetExhausted
	}

	j := &job{fn: fn, result: make(chan error, 1)}

	select {
	case q.jobs <- j:
	default:
		return ErrQueueFull
	}

	select {
	case err := <-j.result:
		if err != nil && (strings.Contains(err.Error(), "SQLITE_BUSY") || strings.Contains(err.Error(), "database is locked")) {
			return &Retryable{err: err}
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports the number of jobs currently queued, awaiting commit.
func (q *Queue) Len() int {
	return len(q.jobs)
}
