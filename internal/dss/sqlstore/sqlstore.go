package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/loykin/runreaper/internal/dss"
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"

	DefaultPollInterval    = 250 * time.Millisecond
	DefaultChangeRetention = 10 * time.Minute
	DefaultCommitGrace     = 30 * time.Second
	pollBatch              = 1000
	pruneEvery             = 40
)

// Config selects the database and tunes change notification.
// For SQLite, DSN is a filesystem path or ":memory:".
//
// CommitGrace bounds how long the poller waits for a lower change id to
// appear once a higher one is visible. Postgres hands out BIGSERIAL ids at
// insert time, so transactions can commit out of id order.
type Config struct {
	Dialect         string
	DSN             string
	PollInterval    time.Duration
	ChangeRetention time.Duration
	CommitGrace     time.Duration
	MaxOpenConns    int
}

// Store implements dss.Store on a relational database.
//
// Keys live in dss_kv. Every successful mutation appends a row to dss_changes
// in the same transaction; watchers are fed by polling that log, so engines in
// different processes sharing the database observe each other's writes.
type Store struct {
	db      *sql.DB
	dialect string
	cfg     Config
	hub     *dss.Hub

	pollMu  sync.Mutex
	polling bool
	cancel  context.CancelFunc
	done    chan struct{}

	// lastID is the settled floor: every change at or below it was delivered
	// or given up on. seen holds delivered ids above it with first-seen time.
	lastID int64
	seen   map[int64]time.Time

	mu     sync.RWMutex
	closed bool
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	var drv string
	switch cfg.Dialect {
	case DialectSQLite:
		drv = "sqlite"
	case DialectPostgres:
		drv = "pgx"
	default:
		return nil, fmt.Errorf("unsupported dss dialect: %q", cfg.Dialect)
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("empty dss DSN")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ChangeRetention <= 0 {
		cfg.ChangeRetention = DefaultChangeRetention
	}
	if cfg.CommitGrace <= 0 {
		cfg.CommitGrace = DefaultCommitGrace
	}
	db, err := sql.Open(drv, dsn)
	if err != nil {
		return nil, fmt.Errorf("open dss database: %w", err)
	}
	if cfg.Dialect == DialectSQLite {
		// SQLite works best with a single connection; it also keeps ":memory:" shared.
		db.SetMaxOpenConns(1)
		_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout=3000;")
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	s := &Store{db: db, dialect: cfg.Dialect, cfg: cfg, hub: dss.NewHub(), done: make(chan struct{}), seen: map[int64]time.Time{}}
	if err := db.PingContext(ctx); err != nil {
		s.hub.Close()
		_ = db.Close()
		return nil, fmt.Errorf("ping dss database: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		s.hub.Close()
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	var stmts []string
	if s.dialect == DialectSQLite {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS dss_kv(
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at INTEGER NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS dss_changes(
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				kind TEXT NOT NULL,
				key TEXT NOT NULL,
				old_value TEXT NOT NULL,
				new_value TEXT NOT NULL,
				occurred_at INTEGER NOT NULL
			);`,
		}
	} else {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS dss_kv(
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at BIGINT NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS dss_changes(
				id BIGSERIAL PRIMARY KEY,
				kind TEXT NOT NULL,
				key TEXT NOT NULL,
				old_value TEXT NOT NULL,
				new_value TEXT NOT NULL,
				occurred_at BIGINT NOT NULL
			);`,
		}
	}
	stmts = append(stmts, `CREATE INDEX IF NOT EXISTS idx_dss_changes_occurred ON dss_changes(occurred_at);`)
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure dss schema: %w", err)
		}
	}
	return nil
}

// q rewrites '?' placeholders for the active dialect.
func (s *Store) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return dss.ErrClosed
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.checkOpen(); err != nil {
		return "", false, err
	}
	var v string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT value FROM dss_kv WHERE key=?;`), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) GetPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT key, value FROM dss_kv WHERE substr(key, 1, ?) = ?;`), len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *Store) Put(ctx context.Context, key, value string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var old string
		err := tx.QueryRowContext(ctx, s.q(`SELECT value FROM dss_kv WHERE key=?;`), key).Scan(&old)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		now := time.Now().UnixMilli()
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO dss_kv(key, value, updated_at) VALUES(?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at;`),
			key, value, now); err != nil {
			return err
		}
		return s.appendChange(ctx, tx, dss.ChangePut, key, old, value, now)
	})
}

func (s *Store) PutSwap(ctx context.Context, key string, expected *string, newValue string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	swapped := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		var (
			res sql.Result
			err error
			old string
		)
		if expected == nil {
			res, err = tx.ExecContext(ctx, s.q(`
				INSERT INTO dss_kv(key, value, updated_at) VALUES(?, ?, ?)
				ON CONFLICT(key) DO NOTHING;`), key, newValue, now)
		} else {
			old = *expected
			res, err = tx.ExecContext(ctx, s.q(`
				UPDATE dss_kv SET value=?, updated_at=? WHERE key=? AND value=?;`),
				newValue, now, key, old)
		}
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return nil
		}
		swapped = true
		return s.appendChange(ctx, tx, dss.ChangePut, key, old, newValue, now)
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		for _, k := range keys {
			var old string
			err := tx.QueryRowContext(ctx, s.q(`DELETE FROM dss_kv WHERE key=? RETURNING value;`), k).Scan(&old)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return err
			}
			if err := s.appendChange(ctx, tx, dss.ChangeDelete, k, old, "", now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.q(`DELETE FROM dss_kv WHERE substr(key, 1, ?) = ? RETURNING key, value;`), len(prefix), prefix)
		if err != nil {
			return err
		}
		type kv struct{ k, v string }
		var removed []kv
		for rows.Next() {
			var e kv
			if err := rows.Scan(&e.k, &e.v); err != nil {
				_ = rows.Close()
				return err
			}
			removed = append(removed, e)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()
		now := time.Now().UnixMilli()
		for _, e := range removed {
			if err := s.appendChange(ctx, tx, dss.ChangeDelete, e.k, e.v, "", now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) appendChange(ctx context.Context, tx *sql.Tx, kind dss.ChangeKind, key, old, val string, at int64) error {
	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO dss_changes(kind, key, old_value, new_value, occurred_at) VALUES(?, ?, ?, ?, ?);`),
		string(kind), key, old, val, at)
	return err
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dss transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// WatchPrefix registers l. The first call starts the change-log poller;
// only changes committed after that point are delivered.
func (s *Store) WatchPrefix(prefix string, l dss.Listener) (dss.WatchID, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	if !s.polling {
		if err := s.startPoller(); err != nil {
			return "", err
		}
		s.polling = true
	}
	return s.hub.Watch(prefix, l), nil
}

func (s *Store) Unwatch(id dss.WatchID) error { return s.hub.Unwatch(id) }

func (s *Store) startPoller() error {
	ctx, cancel := context.WithCancel(context.Background())
	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM dss_changes;`).Scan(&last); err != nil {
		cancel()
		return fmt.Errorf("read dss change position: %w", err)
	}
	s.lastID = last.Int64
	s.cancel = cancel
	go s.poll(ctx)
	return nil
}

func (s *Store) poll(ctx context.Context) {
	defer close(s.done)
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := s.pollOnceBatch(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("dss change poll failed", "dialect", s.dialect, "error", err)
		}
		ticks++
		if ticks%pruneEvery == 0 {
			s.prune(ctx)
		}
	}
}

// pollOnceBatch reads every change above the settled floor, publishes the
// ones not delivered yet and then advances the floor.
func (s *Store) pollOnceBatch(ctx context.Context) error {
	now := time.Now()
	cursor := s.lastID
	for {
		rows, err := s.db.QueryContext(ctx, s.q(`
			SELECT id, kind, key, old_value, new_value FROM dss_changes
			WHERE id > ? ORDER BY id LIMIT ?;`), cursor, pollBatch)
		if err != nil {
			return err
		}
		var (
			batch []dss.Change
			read  int
		)
		for rows.Next() {
			var (
				id   int64
				kind string
				c    dss.Change
			)
			if err := rows.Scan(&id, &kind, &c.Key, &c.OldValue, &c.NewValue); err != nil {
				_ = rows.Close()
				return err
			}
			read++
			cursor = id
			if _, dup := s.seen[id]; dup {
				continue
			}
			s.seen[id] = now
			c.Kind = dss.ChangeKind(kind)
			batch = append(batch, c)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return err
		}
		for _, c := range batch {
			s.hub.Publish(c)
		}
		if read < pollBatch {
			break
		}
	}
	s.settle(now)
	return nil
}

// settle moves lastID over seen ids that are contiguous with it, or that have
// waited longer than CommitGrace for the ids below them.
func (s *Store) settle(now time.Time) {
	ids := make([]int64, 0, len(s.seen))
	for id := range s.seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if id != s.lastID+1 && now.Sub(s.seen[id]) < s.cfg.CommitGrace {
			return
		}
		s.lastID = id
		delete(s.seen, id)
	}
}

func (s *Store) prune(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.ChangeRetention).UnixMilli()
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM dss_changes WHERE occurred_at < ?;`), cutoff); err != nil && ctx.Err() == nil {
		slog.Warn("dss change prune failed", "error", err)
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.pollMu.Lock()
	if s.polling {
		s.cancel()
		<-s.done
	}
	s.pollMu.Unlock()
	s.hub.Close()
	return s.db.Close()
}
