// Package sqlite implements backend.Backend on top of an embedded single file
// SQLite database (modernc.org/sqlite, no cgo).
//
// The database runs in WAL mode with synchronous=NORMAL. All statements are
// prepared once in Connect and reused. The backend implements
// backend.BatchCapable: between BeginBatch and EndBatch every operation runs
// inside one transaction, with the prepared statements re-bound to it.
//
// Thread-safety: one mutex serializes all operations. The pool holds a single
// connection, so concurrent statements would queue on it anyway.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/ValentinKolb/dVar/lib/backend"
	"github.com/lni/dragonboat/v4/logger"
	_ "modernc.org/sqlite"
)

var log = logger.GetLogger("backend/sqlite")

// FileName is the name of the database file inside the data directory.
const FileName = "variables.db"

// busyTimeoutMs is how long a statement waits for a lock held by another process.
const busyTimeoutMs = 5000

// Backend is the embedded transactional file store.
type Backend struct {
	dir    string
	schema backend.Schema

	mu     sync.Mutex
	db     *sql.DB
	stmts  *statements
	tx     *sql.Tx
	closed bool
}

// statements holds the prepared statements of one database handle
type statements struct {
	set, get, del, keys, prefix, entries *sql.Stmt
}

func (s *statements) close() {
	for _, st := range []*sql.Stmt{s.set, s.get, s.del, s.keys, s.prefix, s.entries} {
		if st != nil {
			_ = st.Close()
		}
	}
}

// New creates an unconnected backend storing FileName in dir.
func New(dir string, schema backend.Schema) *Backend {
	return &Backend{
		dir:    dir,
		schema: schema.WithDefaults(),
	}
}

// Path returns the location of the database file.
func (b *Backend) Path() string {
	return filepath.Join(b.dir, FileName)
}

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

func (b *Backend) dsn() string {
	return "file:" + b.Path() +
		fmt.Sprintf("?_pragma=busy_timeout(%d)", busyTimeoutMs) +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"
}

// Connect opens the database file and creates the table if needed.
func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return backend.Closed("sqlite")
	}
	if b.db != nil {
		return nil
	}
	if err := b.schema.Validate(); err != nil {
		return backend.NewError(backend.RetCConnection, "invalid schema", err)
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return backend.NewError(backend.RetCConnection, "cannot create data directory "+b.dir, err)
	}

	db, err := sql.Open("sqlite", b.dsn())
	if err != nil {
		return backend.NewError(backend.RetCConnection, "cannot open "+b.Path(), err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return backend.NewError(backend.RetCConnection, "cannot open "+b.Path(), err)
	}

	if _, err := db.ExecContext(ctx, createTableSQL(b.schema)); err != nil {
		_ = db.Close()
		return backend.NewError(backend.RetCConnection, "cannot create table "+b.schema.Table, err)
	}

	stmts, err := prepare(ctx, db, b.schema)
	if err != nil {
		_ = db.Close()
		return backend.NewError(backend.RetCConnection, "cannot prepare statements", err)
	}

	b.db = db
	b.stmts = stmts
	log.Infof("opened %s", b.Path())
	return nil
}

func quote(ident string) string {
	return `"` + ident + `"`
}

func createTableSQL(s backend.Schema) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s TEXT PRIMARY KEY NOT NULL, %s TEXT)`,
		quote(s.Table), quote(s.KeyColumn), quote(s.ValueColumn))
}

func prepare(ctx context.Context, db *sql.DB, s backend.Schema) (*statements, error) {
	t, k, v := quote(s.Table), quote(s.KeyColumn), quote(s.ValueColumn)
	st := &statements{}
	queries := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&st.set, fmt.Sprintf(`INSERT INTO %s (%s, %s) VALUES (?, ?) ON CONFLICT(%s) DO UPDATE SET %s = excluded.%s`, t, k, v, k, v, v)},
		{&st.get, fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ?`, v, t, k)},
		{&st.del, fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, t, k)},
		{&st.keys, fmt.Sprintf(`SELECT %s FROM %s ORDER BY %s`, k, t, k)},
		// LIKE is case insensitive for ASCII, the substr check makes the match exact
		{&st.prefix, fmt.Sprintf(`SELECT %s FROM %s WHERE %s LIKE ? ESCAPE '\' AND substr(%s, 1, ?) = ? ORDER BY %s`, k, t, k, k, k)},
		{&st.entries, fmt.Sprintf(`SELECT %s, %s FROM %s`, k, v, t)},
	}
	for _, q := range queries {
		prepared, err := db.PrepareContext(ctx, q.query)
		if err != nil {
			st.close()
			return nil, fmt.Errorf("prepare %q: %w", q.query, err)
		}
		*q.dst = prepared
	}
	return st, nil
}

// stmt returns the statement bound to the open batch transaction, if any.
// Must be called with b.mu held.
func (b *Backend) stmt(ctx context.Context, s *sql.Stmt) *sql.Stmt {
	if b.tx != nil {
		return b.tx.StmtContext(ctx, s)
	}
	return s
}

// ready checks the state. Must be called with b.mu held.
func (b *Backend) ready() error {
	if b.closed {
		return backend.Closed("sqlite")
	}
	if b.db == nil {
		return backend.NewError(backend.RetCConnection, "sqlite backend is not connected", nil)
	}
	return nil
}

func persistenceError(op, key string, err error) error {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return backend.NewError(backend.RetCClosed, "sqlite "+op+" "+key, err)
	}
	return backend.NewError(backend.RetCPersistence, "sqlite "+op+" "+key, err)
}

// --------------------------------------------------------------------------
// backend.Backend
// --------------------------------------------------------------------------

func (b *Backend) Set(ctx context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return err
	}
	if _, err := b.stmt(ctx, b.stmts.set).ExecContext(ctx, key, value); err != nil {
		return persistenceError("set", key, err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return "", false, err
	}
	var value sql.NullString
	err := b.stmt(ctx, b.stmts.get).QueryRowContext(ctx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, persistenceError("get", key, err)
	}
	return value.String, true, nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return err
	}
	if _, err := b.stmt(ctx, b.stmts.del).ExecContext(ctx, key); err != nil {
		return persistenceError("delete", key, err)
	}
	return nil
}

func (b *Backend) Keys(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return nil, err
	}
	return b.queryKeys(ctx, b.stmt(ctx, b.stmts.keys))
}

func (b *Backend) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return nil, err
	}
	pattern := escapeLike(prefix) + "%"
	return b.queryKeys(ctx, b.stmt(ctx, b.stmts.prefix), pattern, utf8.RuneCountInString(prefix), prefix)
}

func (b *Backend) queryKeys(ctx context.Context, st *sql.Stmt, args ...any) ([]string, error) {
	rows, err := st.QueryContext(ctx, args...)
	if err != nil {
		return nil, persistenceError("keys", "", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, persistenceError("keys", "", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("keys", "", err)
	}
	return keys, nil
}

func (b *Backend) Entries(ctx context.Context) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return nil, err
	}
	rows, err := b.stmt(ctx, b.stmts.entries).QueryContext(ctx)
	if err != nil {
		return nil, persistenceError("entries", "", err)
	}
	defer rows.Close()

	entries := make(map[string]string)
	for rows.Next() {
		var k string
		var v sql.NullString
		if err := rows.Scan(&k, &v); err != nil {
			return nil, persistenceError("entries", "", err)
		}
		if !v.Valid {
			continue
		}
		entries[k] = v.String
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("entries", "", err)
	}
	return entries, nil
}

func (b *Backend) Type() backend.Type {
	return backend.TypeSQLite
}

// NativePrefixScan reports that prefix enumeration runs in the database.
func (b *Backend) NativePrefixScan() bool {
	return true
}

// Close rolls back an open batch and closes the database. It is idempotent.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	if b.tx != nil {
		log.Warningf("closing with an open batch, rolling back")
		_ = b.tx.Rollback()
		b.tx = nil
	}
	if b.db == nil {
		return nil
	}
	b.stmts.close()
	err := b.db.Close()
	b.db = nil
	b.stmts = nil
	if err != nil {
		return backend.NewError(backend.RetCPersistence, "cannot close "+b.Path(), err)
	}
	log.Infof("closed %s", b.Path())
	return nil
}

// --------------------------------------------------------------------------
// backend.BatchCapable
// --------------------------------------------------------------------------

// BeginBatch opens a transaction that all operations use until EndBatch.
func (b *Backend) BeginBatch(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return err
	}
	if b.tx != nil {
		return backend.NewError(backend.RetCPersistence, "sqlite batch already in progress", nil)
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return persistenceError("begin", "", err)
	}
	b.tx = tx
	return nil
}

// EndBatch commits or rolls back the open transaction.
func (b *Backend) EndBatch(_ context.Context, commit bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tx == nil {
		if b.closed {
			return backend.Closed("sqlite")
		}
		return backend.NewError(backend.RetCPersistence, "sqlite: no batch in progress", nil)
	}
	tx := b.tx
	b.tx = nil

	if !commit {
		if err := tx.Rollback(); err != nil {
			return persistenceError("rollback", "", err)
		}
		return nil
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return persistenceError("commit", "", err)
	}
	return nil
}

// escapeLike escapes the LIKE wildcards of s with a backslash.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

var (
	_ backend.Backend      = (*Backend)(nil)
	_ backend.BatchCapable = (*Backend)(nil)
)
