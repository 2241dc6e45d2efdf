// Package queue is a durable FIFO work queue backed by SQLite.
//
// Entries survive process restarts. A dequeued entry is claimed, not
// removed: it disappears only when its consumer commits, and claims left
// behind by a crashed process are released the next time the consuming
// process opens the queue. Delivery is therefore at least once. Claims
// belong to the Queue that made them; another handle on the same file can
// neither commit nor release them.
package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - entries table with claim state
// 2 - owner column naming the handle that holds a claim
const currentSchemaVersion = 2

const defaultPollInterval = time.Second

var (
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue closed")

	// ErrNotClaimed is returned when committing an entry that this queue
	// no longer holds a claim on, for example after the queue was reopened.
	ErrNotClaimed = errors.New("entry is not claimed")
)

// Error is a storage failure of a queue operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsQueueError reports whether err is or wraps an *Error.
func IsQueueError(err error) bool {
	var qe *Error
	return errors.As(err, &qe)
}

// Option configures a Queue.
type Option func(*Queue)

// WithPollInterval sets how often a waiting Dequeue re-checks the database
// for entries written by other processes.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.poll = d
		}
	}
}

// WithoutRecovery leaves existing claims alone. Producers that open the
// queue next to a running consumer use it so they do not hand the
// consumer's in-flight entries out a second time.
func WithoutRecovery() Option {
	return func(q *Queue) {
		q.recoverClaims = false
	}
}

// Queue is a durable queue. It is safe for concurrent use.
type Queue struct {
	db            *sql.DB
	owner         string
	poll          time.Duration
	recoverClaims bool
	signal        chan struct{} // buffered, size 1
	closed        chan struct{}
	closeOnce     sync.Once
	recovered     int
}

// dsn sets the connection pragmas in the DSN so that the driver applies
// them to every connection it opens. Transactions take the write lock up
// front so concurrent claimers in other processes wait on busy_timeout
// instead of failing to upgrade.
func dsn(path string) string {
	return path + "?_txlock=immediate&_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000"
}

// Open creates or opens the queue database at path and, unless
// WithoutRecovery is given, releases claims left by a previous process.
func Open(path string, opts ...Option) (*Queue, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, &Error{Op: "open", Err: err}
	}

	// SQLite has a single writer; one connection also serializes claims
	// inside this process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, &Error{Op: "open", Err: err}
	}

	q := &Queue{
		db:            db,
		owner:         uuid.NewString(),
		poll:          defaultPollInterval,
		recoverClaims: true,
		signal:        make(chan struct{}, 1),
		closed:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if !q.recoverClaims {
		return q, nil
	}

	res, err := db.Exec(`UPDATE entries SET state = 'pending', claimed_at = NULL, owner = NULL WHERE state = 'claimed'`)
	if err != nil {
		_ = db.Close()
		return nil, &Error{Op: "recover", Err: err}
	}
	n, _ := res.RowsAffected()
	q.recovered = int(n)
	return q, nil
}

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}
	if version == 1 {
		if _, err := db.Exec(`ALTER TABLE entries ADD COLUMN owner TEXT`); err != nil {
			return fmt.Errorf("migrate to version 2: %w", err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Recovered returns how many claimed entries Open released for redelivery.
func (q *Queue) Recovered() int {
	return q.recovered
}

// Enqueue durably appends an entry and returns its id. The entry is on
// disk when Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload []byte) (string, error) {
	if q.isClosed() {
		return "", ErrClosed
	}
	if payload == nil {
		payload = []byte{}
	}
	id := uuid.NewString()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO entries (id, kind, payload, enqueued_at) VALUES (?, ?, ?, ?)`,
		id, kind, payload, time.Now().UnixMilli())
	if err != nil {
		return "", &Error{Op: "enqueue", Err: err}
	}
	q.notify()
	return id, nil
}

// Dequeue claims the oldest pending entry, waiting until one is available,
// ctx ends or the queue is closed. Each entry is handed to one consumer at
// a time.
func (q *Queue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if q.isClosed() {
			return nil, ErrClosed
		}
		d, err := q.claim(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if q.isClosed() {
				return nil, ErrClosed
			}
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		timer := time.NewTimer(q.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.closed:
			timer.Stop()
			return nil, ErrClosed
		case <-q.signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *Queue) claim(ctx context.Context) (*Delivery, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &Error{Op: "dequeue", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}() // no-op after commit

	d := &Delivery{q: q}
	err = tx.QueryRowContext(ctx,
		`SELECT seq, id, kind, payload, attempts FROM entries WHERE state = 'pending' ORDER BY seq LIMIT 1`,
	).Scan(&d.seq, &d.ID, &d.Kind, &d.Payload, &d.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &Error{Op: "dequeue", Err: err}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE entries SET state = 'claimed', attempts = attempts + 1, claimed_at = ?, owner = ? WHERE seq = ?`,
		time.Now().UnixMilli(), q.owner, d.seq); err != nil {
		return nil, &Error{Op: "dequeue", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &Error{Op: "dequeue", Err: err}
	}
	d.Attempts++

	// Another entry may be waiting for a second consumer.
	q.notify()
	return d, nil
}

// Len returns the number of entries that are pending or claimed.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, &Error{Op: "len", Err: err}
	}
	return n, nil
}

// Close wakes waiting consumers and closes the database. Claimed entries
// that were not committed are redelivered after the next Open.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.closed)
		err = q.db.Close()
	})
	return err
}

func (q *Queue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Delivery is a claimed entry.
type Delivery struct {
	ID       string
	Kind     string
	Payload  []byte
	Attempts int // including this delivery

	seq int64
	q   *Queue
}

// Commit removes the entry for good. It must be called only after the
// entry has been fully processed.
func (d *Delivery) Commit(ctx context.Context) error {
	return d.finish(ctx, "commit", `DELETE FROM entries WHERE seq = ? AND state = 'claimed' AND owner = ?`)
}

// Release returns the entry to the queue for immediate redelivery.
func (d *Delivery) Release(ctx context.Context) error {
	err := d.finish(ctx, "release", `UPDATE entries SET state = 'pending', claimed_at = NULL, owner = NULL WHERE seq = ? AND state = 'claimed' AND owner = ?`)
	if err == nil {
		d.q.notify()
	}
	return err
}

func (d *Delivery) finish(ctx context.Context, op, query string) error {
	if d.q.isClosed() {
		return &Error{Op: op, Err: ErrClosed}
	}
	res, err := d.q.db.ExecContext(ctx, query, d.seq, d.q.owner)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	if n == 0 {
		return &Error{Op: op, Err: ErrNotClaimed}
	}
	return nil
}
