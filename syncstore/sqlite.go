package syncstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/miniapp/dbopen"
)

// Schema is the SQLite store's table. seq is a store-wide, strictly
// increasing write counter; the poller reads rows past the last seq seen.
const Schema = `
CREATE TABLE IF NOT EXISTS synced_state (
	namespace  TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	value_json TEXT    NOT NULL,
	origin     TEXT    NOT NULL DEFAULT '',
	seq        INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, key)
);
CREATE INDEX IF NOT EXISTS idx_synced_state_seq ON synced_state(seq);
`

// Options tunes the SQLite store.
type Options struct {
	// Interval is the polling frequency for writes by other processes.
	// Default: 250ms.
	Interval time.Duration
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 250 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// SQLite is a persistent store. Changes are surfaced by a poll loop, so
// writes by other processes sharing the file reach local subscribers too.
// Callbacks run on the poll goroutine, in seq order; they must not block.
type SQLite struct {
	db     *sql.DB
	ownsDB bool
	opts   Options

	mu   sync.Mutex
	subs subscribers

	lastSeq atomic.Int64
	kick    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
}

// Stats are point-in-time poller counters.
type Stats struct {
	Checks  int64 `json:"checks"`
	Changes int64 `json:"changes"`
	Errors  int64 `json:"errors"`
	LastSeq int64 `json:"last_seq"`
}

// OpenSQLite opens (creating if needed) the store at path and starts its
// poll loop. Close stops the loop and closes the database.
func OpenSQLite(path string, opts Options) (*SQLite, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("syncstore: %w", err)
	}
	s, err := NewSQLite(db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewSQLite starts a store over db, which must already carry Schema. Close
// stops the poll loop but leaves db open.
func NewSQLite(db *sql.DB, opts Options) (*SQLite, error) {
	opts.defaults()
	s := &SQLite{
		db:   db,
		opts: opts,
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	seq, err := s.maxSeq(context.Background())
	if err != nil {
		return nil, fmt.Errorf("syncstore: seed seq: %w", err)
	}
	s.lastSeq.Store(seq)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.poll(ctx)
	return s, nil
}

// Close stops the poll loop, and closes the database if OpenSQLite opened it.
func (s *SQLite) Close() error {
	s.cancel()
	<-s.done
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// Get returns namespace's values.
func (s *SQLite) Get(ctx context.Context, namespace string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value_json FROM synced_state WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, fmt.Errorf("syncstore: get: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("syncstore: get: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Set writes key. An equal value is not stored and emits nothing.
func (s *SQLite) Set(ctx context.Context, namespace, key, valueJSON, origin string) error {
	v, err := canonical(valueJSON)
	if err != nil {
		return err
	}

	changed := false
	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var cur string
		err := tx.QueryRowContext(ctx,
			`SELECT value_json FROM synced_state WHERE namespace = ? AND key = ?`,
			namespace, key).Scan(&cur)
		switch {
		case err == nil && cur == v:
			return nil
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO synced_state (namespace, key, value_json, origin, seq, updated_at)
			VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM synced_state), ?)
			ON CONFLICT(namespace, key) DO UPDATE SET
				value_json = excluded.value_json,
				origin     = excluded.origin,
				seq        = excluded.seq,
				updated_at = excluded.updated_at`,
			namespace, key, v, origin, time.Now().UnixMilli())
		changed = err == nil
		return err
	})
	if err != nil {
		return fmt.Errorf("syncstore: set: %w", err)
	}
	if changed {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe calls fn for every change in namespace until unsubscribed.
func (s *SQLite) Subscribe(namespace string, fn func(Change)) Unsubscribe {
	s.mu.Lock()
	id := s.subs.add(namespace, fn)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.subs.remove(namespace, id)
			s.mu.Unlock()
		})
	}
}

// Stats returns the poller counters.
func (s *SQLite) Stats() Stats {
	return Stats{
		Checks:  s.checks.Load(),
		Changes: s.changes.Load(),
		Errors:  s.errors.Load(),
		LastSeq: s.lastSeq.Load(),
	}
}

func (s *SQLite) poll(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.opts.Logger.Debug("syncstore: poller started", "interval", s.opts.Interval, "seq", s.lastSeq.Load())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.checks.Add(1)
		if err := s.dispatch(ctx); err != nil && ctx.Err() == nil {
			s.errors.Add(1)
			s.opts.Logger.Warn("syncstore: poll failed", "error", err)
		}
	}
}

// dispatch delivers every row written since the last seq seen.
func (s *SQLite) dispatch(ctx context.Context) error {
	cur, err := s.maxSeq(ctx)
	if err != nil || cur == s.lastSeq.Load() {
		return err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT namespace, key, value_json, origin, seq FROM synced_state
		WHERE seq > ? ORDER BY seq`, s.lastSeq.Load())
	if err != nil {
		return err
	}
	var batch []Change
	last := s.lastSeq.Load()
	for rows.Next() {
		var c Change
		if err := rows.Scan(&c.Namespace, &c.Key, &c.ValueJSON, &c.Origin, &last); err != nil {
			rows.Close()
			return err
		}
		batch = append(batch, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	s.lastSeq.Store(last)
	for _, c := range batch {
		s.changes.Add(1)
		s.mu.Lock()
		fns := s.subs.of(c.Namespace)
		s.mu.Unlock()
		for _, fn := range fns {
			fn(c)
		}
	}
	return nil
}

func (s *SQLite) maxSeq(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM synced_state`).Scan(&v)
	return v, err
}
