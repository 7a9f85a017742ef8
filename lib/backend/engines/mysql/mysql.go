// Package mysql implements backend.Backend on a pooled MySQL or MariaDB
// connection (github.com/go-sql-driver/mysql).
//
// Writes are single statement upserts (INSERT ... ON DUPLICATE KEY UPDATE).
// Before every operation the pool is validated by ensureConnection: at most once
// per validation interval a bounded ping is issued, and a pool that fails it is
// closed and rebuilt. Reconnect attempts are serialized.
//
// The backend does not implement batching. It implements
// backend.RawConnProvider, so the write queue can run its own transaction on the
// pool.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/dVar/lib/backend"
	"github.com/ValentinKolb/dVar/lib/config"
	driver "github.com/go-sql-driver/mysql"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("backend/mysql")

// Backend is the networked relational store.
type Backend struct {
	typ    backend.Type
	cfg    config.MySQLConfig
	schema backend.Schema
	stmts  statements

	mu            sync.Mutex // guards db, lastValidated, closed and serializes reconnects
	db            *sql.DB
	lastValidated time.Time
	closed        bool

	// now is replaceable in tests
	now func() time.Time
}

type statements struct {
	create, upsert, get, del, keys, prefix, entries string
}

// New creates an unconnected backend. typ is either backend.TypeMySQL or
// backend.TypeMariaDB; both are served by the same driver.
func New(typ backend.Type, cfg config.MySQLConfig, schema backend.Schema) *Backend {
	schema = schema.WithDefaults()
	if cfg.TableEngine == "" {
		cfg.TableEngine = "InnoDB"
	}
	if cfg.TableCharset == "" {
		cfg.TableCharset = "utf8mb4"
	}
	return &Backend{
		typ:    typ,
		cfg:    cfg,
		schema: schema,
		stmts:  buildStatements(schema, cfg.TableEngine, cfg.TableCharset),
		now:    time.Now,
	}
}

// --------------------------------------------------------------------------
// DSN and statements
// --------------------------------------------------------------------------

var optionPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// driverConfig translates the configuration into a driver configuration.
func driverConfig(cfg config.MySQLConfig) (*driver.Config, error) {
	dc := driver.NewConfig()
	dc.User = cfg.User
	dc.Passwd = cfg.Password
	dc.Net = "tcp"
	dc.Addr = cfg.Host + ":" + strconv.Itoa(cfg.Port)
	dc.DBName = cfg.Database
	dc.Timeout = cfg.ConnTimeout

	if cfg.UseSSL {
		dc.TLSConfig = "true"
	} else {
		dc.TLSConfig = "false"
	}

	if cfg.ServerTimezone != "" {
		loc, err := time.LoadLocation(cfg.ServerTimezone)
		if err != nil {
			return nil, fmt.Errorf("invalid server timezone %q: %w", cfg.ServerTimezone, err)
		}
		dc.Loc = loc
	}

	vars, err := parseSessionVariables(cfg.SessionVariables)
	if err != nil {
		return nil, err
	}
	if len(vars) > 0 {
		dc.Params = vars
	}
	return dc, nil
}

// parseSessionVariables parses "a=1,b='x'" into a map. The values are sent as
// SET statements when a connection is opened.
func parseSessionVariables(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || !optionPattern.MatchString(name) {
			return nil, fmt.Errorf("invalid session variable %q", part)
		}
		out[name] = strings.TrimSpace(value)
	}
	return out, nil
}

func quote(ident string) string {
	return "`" + ident + "`"
}

func buildStatements(s backend.Schema, engine, charset string) statements {
	t, k, v := quote(s.Table), quote(s.KeyColumn), quote(s.ValueColumn)
	return statements{
		create: fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s VARCHAR(255) NOT NULL PRIMARY KEY, %s TEXT) ENGINE=%s DEFAULT CHARSET=%s",
			t, k, v, engine, charset),
		upsert:  fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (?, ?) ON DUPLICATE KEY UPDATE %s = VALUES(%s)", t, k, v, v, v),
		get:     fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", v, t, k),
		del:     fmt.Sprintf("DELETE FROM %s WHERE %s = ?", t, k),
		keys:    fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", k, t, k),
		prefix:  fmt.Sprintf("SELECT %s FROM %s WHERE %s LIKE ? ORDER BY %s", k, t, k, k),
		entries: fmt.Sprintf("SELECT %s, %s FROM %s", k, v, t),
	}
}

// escapeLike escapes the LIKE wildcards of s. Backslash is the default LIKE
// escape character of MySQL.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// --------------------------------------------------------------------------
// Connection handling
// --------------------------------------------------------------------------

// open builds and validates a new pool. Must be called with b.mu held.
func (b *Backend) open(ctx context.Context) (*sql.DB, error) {
	dc, err := driverConfig(b.cfg)
	if err != nil {
		return nil, err
	}
	connector, err := driver.NewConnector(dc)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(connector)

	maxOpen := b.cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 5
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxIdleTime(b.cfg.IdleTimeout)
	db.SetConnMaxLifetime(b.cfg.MaxLifetime)

	if err := b.ping(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	b.warmUp(ctx, db, min(b.cfg.MinIdleConns, maxOpen))
	return db, nil
}

// warmUp opens n connections and returns them to the pool as idle connections.
func (b *Backend) warmUp(ctx context.Context, db *sql.DB, n int) {
	conns := make([]*sql.Conn, 0, n)
	for i := 0; i < n; i++ {
		c, err := db.Conn(ctx)
		if err != nil {
			log.Warningf("cannot open idle connection %d/%d: %v", i+1, n, err)
			break
		}
		conns = append(conns, c)
	}
	for _, c := range conns {
		_ = c.Close()
	}
}

func (b *Backend) ping(ctx context.Context, db *sql.DB) error {
	timeout := b.cfg.ConnTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return db.PingContext(pingCtx)
}

// Connect builds the pool and creates the table if needed.
func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return backend.Closed(string(b.typ))
	}
	if b.db != nil {
		return nil
	}
	if err := b.schema.Validate(); err != nil {
		return backend.NewError(backend.RetCConnection, "invalid schema", err)
	}
	if !optionPattern.MatchString(b.cfg.TableEngine) || !optionPattern.MatchString(b.cfg.TableCharset) {
		return backend.NewError(backend.RetCConnection,
			fmt.Sprintf("invalid table engine %q or charset %q", b.cfg.TableEngine, b.cfg.TableCharset), nil)
	}

	db, err := b.open(ctx)
	if err != nil {
		return backend.NewError(backend.RetCConnection, "cannot connect to "+b.address(), err)
	}
	if _, err := db.ExecContext(ctx, b.stmts.create); err != nil {
		_ = db.Close()
		return backend.NewError(backend.RetCConnection, "cannot create table "+b.schema.Table, err)
	}

	b.db = db
	b.lastValidated = b.now()
	log.Infof("connected to %s (%s, pool size %d)", b.address(), b.typ, b.cfg.MaxOpenConns)
	return nil
}

func (b *Backend) address() string {
	return fmt.Sprintf("%s:%d/%s", b.cfg.Host, b.cfg.Port, b.cfg.Database)
}

// ensureConnection returns a usable pool. The pool is pinged at most once per
// validation interval; if the ping fails it is replaced by a new one.
func (b *Backend) ensureConnection(ctx context.Context) (*sql.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, backend.Closed(string(b.typ))
	}
	if b.db == nil {
		return nil, backend.NewError(backend.RetCConnection, string(b.typ)+" backend is not connected", nil)
	}
	if b.now().Sub(b.lastValidated) < b.cfg.ValidationInterval {
		return b.db, nil
	}

	err := b.ping(ctx, b.db)
	if err == nil {
		b.lastValidated = b.now()
		return b.db, nil
	}
	log.Warningf("connection pool to %s is not usable (%v), reconnecting", b.address(), err)

	db, err := b.open(ctx)
	if err != nil {
		return nil, backend.NewError(backend.RetCConnection, "cannot reconnect to "+b.address(), err)
	}
	_ = b.db.Close()
	b.db = db
	b.lastValidated = b.now()
	log.Infof("reconnected to %s", b.address())
	return db, nil
}

func (b *Backend) opError(op, key string, err error) error {
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return backend.NewError(backend.RetCClosed, string(b.typ)+" "+op+" "+key, err)
	}
	return backend.NewError(backend.RetCPersistence, string(b.typ)+" "+op+" "+key, err)
}

// --------------------------------------------------------------------------
// backend.Backend
// --------------------------------------------------------------------------

func (b *Backend) Set(ctx context.Context, key, value string) error {
	db, err := b.ensureConnection(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, b.stmts.upsert, key, value); err != nil {
		return b.opError("set", key, err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, key string) (string, bool, error) {
	db, err := b.ensureConnection(ctx)
	if err != nil {
		return "", false, err
	}
	var value sql.NullString
	err = db.QueryRowContext(ctx, b.stmts.get, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, b.opError("get", key, err)
	}
	return value.String, true, nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	db, err := b.ensureConnection(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, b.stmts.del, key); err != nil {
		return b.opError("delete", key, err)
	}
	return nil
}

func (b *Backend) Keys(ctx context.Context) ([]string, error) {
	db, err := b.ensureConnection(ctx)
	if err != nil {
		return nil, err
	}
	return b.queryKeys(ctx, db, b.stmts.keys)
}

// KeysWithPrefix uses LIKE on the primary key. The result is filtered again in
// Go because the default collations compare case insensitively.
func (b *Backend) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	db, err := b.ensureConnection(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := b.queryKeys(ctx, db, b.stmts.prefix, escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (b *Backend) queryKeys(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, b.opError("keys", "", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, b.opError("keys", "", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, b.opError("keys", "", err)
	}
	return keys, nil
}

func (b *Backend) Entries(ctx context.Context) (map[string]string, error) {
	db, err := b.ensureConnection(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, b.stmts.entries)
	if err != nil {
		return nil, b.opError("entries", "", err)
	}
	defer rows.Close()

	entries := make(map[string]string)
	for rows.Next() {
		var k string
		var v sql.NullString
		if err := rows.Scan(&k, &v); err != nil {
			return nil, b.opError("entries", "", err)
		}
		if v.Valid {
			entries[k] = v.String
		}
	}
	if err := rows.Err(); err != nil {
		return nil, b.opError("entries", "", err)
	}
	return entries, nil
}

func (b *Backend) Type() backend.Type {
	return b.typ
}

// NativePrefixScan reports that prefix enumeration runs in the database.
func (b *Backend) NativePrefixScan() bool {
	return true
}

// Close closes the pool. It is idempotent.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	if err != nil {
		return backend.NewError(backend.RetCPersistence, "cannot close pool", err)
	}
	log.Infof("disconnected from %s", b.address())
	return nil
}

// --------------------------------------------------------------------------
// backend.RawConnProvider
// --------------------------------------------------------------------------

// RawDB returns the validated pool.
func (b *Backend) RawDB(ctx context.Context) (*sql.DB, error) {
	return b.ensureConnection(ctx)
}

// UpsertStatement takes (key, value).
func (b *Backend) UpsertStatement() string {
	return b.stmts.upsert
}

// DeleteStatement takes (key).
func (b *Backend) DeleteStatement() string {
	return b.stmts.del
}

var (
	_ backend.Backend         = (*Backend)(nil)
	_ backend.RawConnProvider = (*Backend)(nil)
)
