package queue

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*Queue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.db")
	q, err := Open(path, WithPollInterval(20*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, path
}

func withTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestEnqueueDequeueCommit(t *testing.T) {
	q, _ := openTemp(t)
	ctx := withTimeout(t)

	id1, err := q.Enqueue(ctx, "github", []byte("one"))
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, "cleanup", []byte("two"))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id1, d.ID)
	assert.Equal(t, "github", d.Kind)
	assert.Equal(t, []byte("one"), d.Payload)
	assert.Equal(t, 1, d.Attempts)
	require.NoError(t, d.Commit(ctx))

	d, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id2, d.ID)
	require.NoError(t, d.Commit(ctx))

	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestUncommittedEntryIsRedeliveredAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := withTimeout(t)

	q, err := Open(path)
	require.NoError(t, err)
	id, err := q.Enqueue(ctx, "github", []byte("payload"))
	require.NoError(t, err)
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, id, d.ID)
	// Simulated crash: the handle is never committed.
	require.NoError(t, q.Close())

	q, err = Open(path)
	require.NoError(t, err)
	defer q.Close()
	assert.Equal(t, 1, q.Recovered())

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, again.ID)
	assert.Equal(t, []byte("payload"), again.Payload)
	assert.Equal(t, 2, again.Attempts)

	var qe *Error
	require.ErrorAs(t, d.Commit(ctx), &qe, "stale handle from the previous process")
	require.NoError(t, again.Commit(ctx))
}

func TestCommittedEntryIsNotRedelivered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := withTimeout(t)

	q, err := Open(path)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "github", []byte("x"))
	require.NoError(t, err)
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Commit(ctx))
	require.NoError(t, q.Close())

	q, err = Open(path, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	defer q.Close()
	assert.Equal(t, 0, q.Recovered())

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClaimedEntryIsNotHandedOutTwice(t *testing.T) {
	q, _ := openTemp(t)
	ctx := withTimeout(t)

	_, err := q.Enqueue(ctx, "github", []byte("only"))
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRelease(t *testing.T) {
	q, _ := openTemp(t)
	ctx := withTimeout(t)

	id, err := q.Enqueue(ctx, "github", []byte("x"))
	require.NoError(t, err)
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Release(ctx))

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, again.ID)
	assert.Equal(t, 2, again.Attempts)
}

func TestDequeueWakesOnEnqueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	q, err := Open(path, WithPollInterval(time.Hour))
	require.NoError(t, err)
	defer q.Close()
	ctx := withTimeout(t)

	got := make(chan *Delivery, 1)
	go func() {
		d, err := q.Dequeue(ctx)
		if err == nil {
			got <- d
		}
		close(got)
	}()

	time.Sleep(50 * time.Millisecond)
	id, err := q.Enqueue(ctx, "cleanup", nil)
	require.NoError(t, err)

	select {
	case d := <-got:
		require.NotNil(t, d)
		assert.Equal(t, id, d.ID)
	case <-ctx.Done():
		t.Fatal("dequeue did not wake up")
	}
}

func TestConcurrentConsumersSeeEachEntryOnce(t *testing.T) {
	q, _ := openTemp(t)
	ctx := withTimeout(t)

	const entries = 20
	for i := 0; i < entries; i++ {
		_, err := q.Enqueue(ctx, "github", []byte{byte(i)})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				short, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
				d, err := q.Dequeue(short)
				cancel()
				if err != nil {
					return
				}
				mu.Lock()
				seen[d.ID]++
				mu.Unlock()
				if err := d.Commit(ctx); err != nil {
					t.Errorf("commit: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, entries)
	for id, n := range seen {
		assert.Equal(t, 1, n, "entry %s delivered %d times", id, n)
	}
}

func TestClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	q, err := Open(path, WithPollInterval(time.Hour))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("dequeue did not return after close")
	}

	_, err = q.Enqueue(context.Background(), "github", nil)
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, q.Close(), "close is idempotent")
}

func TestProducerHandleLeavesClaimsAlone(t *testing.T) {
	consumer, path := openTemp(t)
	ctx := withTimeout(t)

	id, err := consumer.Enqueue(ctx, "github", []byte("in flight"))
	require.NoError(t, err)
	d, err := consumer.Dequeue(ctx)
	require.NoError(t, err)

	producer, err := Open(path, WithoutRecovery(), WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	defer producer.Close()
	assert.Equal(t, 0, producer.Recovered())

	_, err = producer.Enqueue(ctx, "cleanup", nil)
	require.NoError(t, err)

	next, err := producer.Dequeue(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, id, next.ID, "in-flight entry handed out twice")
	assert.Equal(t, "cleanup", next.Kind)

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = producer.Dequeue(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, d.Commit(ctx))
	require.NoError(t, next.Commit(ctx))
}

func TestForeignHandleCannotFinishClaim(t *testing.T) {
	first, path := openTemp(t)
	ctx := withTimeout(t)

	id, err := first.Enqueue(ctx, "github", []byte("x"))
	require.NoError(t, err)
	stale, err := first.Dequeue(ctx)
	require.NoError(t, err)

	// A recovering Open hands the entry to its own consumer.
	second, err := Open(path, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, 1, second.Recovered())
	current, err := second.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, id, current.ID)

	require.ErrorIs(t, stale.Commit(ctx), ErrNotClaimed)
	require.ErrorIs(t, stale.Release(ctx), ErrNotClaimed)

	n, err := second.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "stale commit must not delete the new claim")
	require.NoError(t, current.Commit(ctx))
}

func TestConnectionPragmas(t *testing.T) {
	q, _ := openTemp(t)
	ctx := withTimeout(t)

	var mode string
	require.NoError(t, q.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var synchronous, timeout int
	require.NoError(t, q.db.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&synchronous))
	assert.Equal(t, 2, synchronous, "FULL")
	require.NoError(t, q.db.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 5000, timeout)
}

func TestOpenMigratesVersion1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := withTimeout(t)

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		payload BLOB NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		enqueued_at INTEGER NOT NULL,
		claimed_at INTEGER
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO entries (id, kind, payload, state, attempts, enqueued_at) VALUES ('old', 'github', x'00', 'claimed', 1, 0)`)
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA user_version = 1")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	q, err := Open(path)
	require.NoError(t, err)
	defer q.Close()
	assert.Equal(t, 1, q.Recovered())

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "old", d.ID)
	require.NoError(t, d.Commit(ctx))

	var version int
	require.NoError(t, q.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}
