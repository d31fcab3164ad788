package writequeue_test

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fazt-sh/fazt/internal/budget"
	"github.com/fazt-sh/fazt/internal/config"
	"github.com/fazt-sh/fazt/internal/store"
	"github.com/fazt-sh/fazt/internal/writequeue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testQueue(t *testing.T, capacity int) (*writequeue.Queue, *store.DB) {
	t.Helper()
	db := openTestStore(t)
	q := writequeue.New(db, config.WriteQueue{Capacity: capacity, MinStorageTime: config.Duration{Duration: 10 * time.Millisecond}}, slog.Default())
	t.Cleanup(q.Stop)
	return q, db
}

func TestQueue_SubmitCommits(t *testing.T) {
	q, db := testQueue(t, 8)

	err := q.Submit(context.Background(), nil, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO activity_log (action, created_at) VALUES (?, ?)`, "deploy", "now")
		return err
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM activity_log`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestQueue_SubmitRollsBackOnError(t *testing.T) {
	q, db := testQueue(t, 8)

	err := q.Submit(context.Background(), nil, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO activity_log (action, created_at) VALUES (?, ?)`, "deploy", "now"); err != nil {
			return err
		}
		return assertErr
	})
	require.Error(t, err)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM activity_log`).Scan(&count))
	assert.Equal(t, 0, count, "a failed job must roll back its writes")
}

func TestQueue_SerialOrder(t *testing.T) {
	q, db := testQueue(t, 64)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = q.Submit(context.Background(), nil, func(tx *sql.Tx) error {
				_, err := tx.Exec(`INSERT INTO activity_log (action, created_at) VALUES (?, ?)`, "job", "now")
				return err
			})
		}(i)
	}
	wg.Wait()

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM activity_log`).Scan(&count))
	assert.Equal(t, 20, count)
}

func TestQueue_BudgetExhausted(t *testing.T) {
	q, _ := testQueue(t, 8)

	b := budget.New(context.Background(), time.Millisecond)
	defer b.Done()
	time.Sleep(5 * time.Millisecond)

	err := q.Submit(context.Background(), b, func(tx *sql.Tx) error { return nil })
	require.Error(t, err)
	assert.True(t, writequeue.IsRetryable(err))
}

func TestQueue_Full(t *testing.T) {
	db := openTestStore(t)
	block := make(chan struct{})
	q := writequeue.New(db, config.WriteQueue{Capacity: 1, MinStorageTime: config.Duration{Duration: time.Millisecond}}, slog.Default())
	defer func() {
		close(block)
		q.Stop()
	}()

	// Occupy the consumer with a job that blocks until released, then keep
	// submitting until the buffered slot is also saturated and a submission
	// is rejected fast with a retryable error.
	go func() {
		_ = q.Submit(context.Background(), nil, func(tx *sql.Tx) error {
			<-block
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	var sawFull bool
	for time.Now().Before(deadline) && !sawFull {
		errCh := make(chan error, 1)
		go func() {
			errCh <- q.Submit(context.Background(), nil, func(tx *sql.Tx) error { return nil })
		}()
		select {
		case err := <-errCh:
			if err != nil {
				assert.True(t, writequeue.IsRetryable(err))
				sawFull = true
			}
		case <-time.After(20 * time.Millisecond):
		}
	}
	assert.True(t, sawFull, "a saturated queue should eventually reject a submission with a retryable error")
}

var assertErr = errRollback{}

type errRollback struct{}

func (errRollback) Error() string { return "intentional rollback" }
