package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/example/gps/db/migrations"
)

// SQLiteStore keeps the shared state in one SQLite file that every process
// on the host opens. Each row carries a version that commits compare and
// bump; deletes leave a tombstone so versions never repeat.
type SQLiteStore struct {
	db    *sql.DB
	retry RetryPolicy
	now   func() time.Time
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if !hasSQLDriver("sqlite3") {
		return nil, errors.New("sqlite3 SQL driver is not linked; import github.com/mattn/go-sqlite3")
	}
	db, err := sql.Open("sqlite3", path+"?_txlock=immediate")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &SQLiteStore{db: db, retry: DefaultRetryPolicy, now: time.Now}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at INTEGER NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=?)`, file).Scan(&exists); err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := s.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, file, time.Now().UTC().UnixMilli()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func (s *SQLiteStore) Update(ctx context.Context, op string, watch []string, fn func(tx *Tx) error) error {
	return runTxn(ctx, s, s.retry, op, watch, fn)
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) name() string { return "sqlite" }

func (s *SQLiteStore) begin(context.Context) (txnConn, error) {
	return &sqliteConn{s: s, seen: map[string]memSeen{}}, nil
}

type sqliteConn struct {
	s    *SQLiteStore
	seen map[string]memSeen
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// readRow returns the value, version and liveness of key. A missing row has
// version 0.
func (s *SQLiteStore) readRow(ctx context.Context, q querier, key string) ([]byte, int64, bool, error) {
	var (
		value   []byte
		version int64
		expires int64
	)
	err := q.QueryRowContext(ctx, `SELECT value, version, expires_at FROM kv WHERE key=?`, key).Scan(&value, &version, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	live := value != nil && (expires == 0 || s.now().UnixMilli() < expires)
	return value, version, live, nil
}

func (c *sqliteConn) get(ctx context.Context, key string) ([]byte, bool, error) {
	value, version, live, err := c.s.readRow(ctx, c.s.db, key)
	if err != nil {
		return nil, false, err
	}
	c.seen[key] = memSeen{version: version, live: live}
	if !live {
		return nil, false, nil
	}
	return value, true, nil
}

func (c *sqliteConn) keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := c.s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE substr(key, 1, ?) = ? AND value IS NOT NULL AND (expires_at = 0 OR expires_at > ?) ORDER BY key`,
		len(prefix), prefix, c.s.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (c *sqliteConn) commit(ctx context.Context, writes []write) error {
	if len(writes) == 0 {
		return nil
	}
	tx, err := c.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for key, seen := range c.seen {
		_, version, live, err := c.s.readRow(ctx, tx, key)
		if err != nil {
			return err
		}
		if version != seen.version || live != seen.live {
			return errConflict
		}
	}
	now := c.s.now()
	for _, w := range writes {
		var (
			value   []byte
			expires int64
		)
		if !w.delete {
			value = w.value
			if value == nil {
				value = []byte{}
			}
			if w.ttl > 0 {
				expires = now.Add(w.ttl).UnixMilli()
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv (key, value, version, expires_at) VALUES (?, ?, 1, ?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value, version=kv.version+1, expires_at=excluded.expires_at`,
			w.key, value, expires); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *sqliteConn) close() {}
