package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"vfscore/internal/contextutil"
	"vfscore/internal/vfserr"
)

// Querier is satisfied by *sql.DB and *sql.Tx so repositories can run the
// same statements inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Options tunes the connection pool.
type Options struct {
	PoolSize    int
	BusyTimeout time.Duration
}

// DefaultOptions matches the pool settings the VFS is designed around.
func DefaultOptions() Options {
	return Options{PoolSize: 10, BusyTimeout: 3 * time.Second}
}

// DB owns the metadata database pool. In maintenance mode the file pool is
// detached and replaced by an in-memory pool so the file can be copied or
// replaced; writes are rejected until ExitMaintenance.
type DB struct {
	mu          sync.RWMutex
	path        string
	opts        Options
	pool        *sql.DB
	maintenance bool
	keyword     bool
}

var memoryPoolSeq atomic.Int64

// Open opens the SQLite database at path, applies pragmas and runs migrations.
func Open(ctx context.Context, path string, opts Options) (*DB, error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultOptions().PoolSize
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultOptions().BusyTimeout
	}

	pool, err := openPool(fileDSN(path, opts), opts)
	if err != nil {
		return nil, err
	}

	db := &DB{path: path, opts: opts, pool: pool}
	if err := db.prepare(ctx, pool); err != nil {
		_ = pool.Close()
		return nil, err
	}

	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "database opened",
		"path", path, "pool_size", opts.PoolSize, "keyword_index", db.KeywordIndexEnabled())
	return db, nil
}

// OpenMemory opens a private in-memory database. Used by tests and tools.
func OpenMemory(ctx context.Context) (*DB, error) {
	opts := Options{PoolSize: 1, BusyTimeout: DefaultOptions().BusyTimeout}
	pool, err := openPool(memoryDSN(), opts)
	if err != nil {
		return nil, err
	}
	db := &DB{path: ":memory:", opts: opts, pool: pool}
	if err := db.prepare(ctx, pool); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return db, nil
}

func fileDSN(path string, opts Options) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_foreign_keys", "on")
	q.Set("_busy_timeout", fmt.Sprintf("%d", opts.BusyTimeout.Milliseconds()))
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

func memoryDSN() string {
	name := fmt.Sprintf("vfs_memory_%d", memoryPoolSeq.Add(1))
	return "file:" + name + "?mode=memory&cache=shared&_foreign_keys=on&_busy_timeout=3000&_txlock=immediate"
}

func openPool(dsn string, opts Options) (*sql.DB, error) {
	pool, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, vfserr.Database("storage.open", err)
	}
	pool.SetMaxOpenConns(opts.PoolSize)
	pool.SetMaxIdleConns(opts.PoolSize)
	pool.SetConnMaxLifetime(0)

	if err := pool.Ping(); err != nil {
		_ = pool.Close()
		return nil, vfserr.Database("storage.open", err)
	}
	return pool, nil
}

func (db *DB) prepare(ctx context.Context, pool *sql.DB) error {
	if err := Migrate(ctx, pool); err != nil {
		return err
	}
	db.keyword = ensureKeywordIndex(ctx, pool)
	return nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Reader returns the current pool for read queries. Reads keep working in
// maintenance mode against the in-memory pool.
func (db *DB) Reader() *sql.DB {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.pool
}

// Writer returns the current pool for writes, or a Pool error while the
// database is in maintenance mode.
func (db *DB) Writer() (*sql.DB, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.maintenance {
		return nil, &vfserr.Error{Kind: vfserr.KindPool, Code: vfserr.CodeMaintenance, Op: "storage.writer", Message: "database is in maintenance mode"}
	}
	return db.pool, nil
}

// InMaintenance reports whether writes are currently rejected.
func (db *DB) InMaintenance() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.maintenance
}

// KeywordIndexEnabled reports whether the FTS5 keyword index is available.
func (db *DB) KeywordIndexEnabled() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.keyword
}

// InTx runs fn inside a write transaction. The transaction is committed when
// fn returns nil and rolled back otherwise.
func (db *DB) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	pool, err := db.Writer()
	if err != nil {
		return err
	}

	tx, err := pool.BeginTx(ctx, nil)
	if err != nil {
		return vfserr.Database("storage.begin", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return vfserr.Database("storage.commit", err)
	}
	return nil
}

// EnterMaintenance detaches the file pool and installs an in-memory pool.
// Calling it twice is a no-op.
func (db *DB) EnterMaintenance(ctx context.Context) error {
	logger := contextutil.LoggerFromContext(ctx)

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.maintenance {
		return nil
	}

	// A shared-cache memory database reports SQLITE_LOCKED rather than
	// waiting, so the stand-in pool is a single connection.
	mem, err := openPool(memoryDSN(), Options{PoolSize: 1, BusyTimeout: db.opts.BusyTimeout})
	if err != nil {
		return err
	}
	if err := Migrate(ctx, mem); err != nil {
		_ = mem.Close()
		return err
	}

	if _, err := db.pool.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		logger.WarnContext(ctx, "wal checkpoint before maintenance failed", "error", err)
	}
	if err := db.pool.Close(); err != nil {
		logger.WarnContext(ctx, "closing file pool failed", "error", err)
	}

	db.pool = mem
	db.maintenance = true
	logger.InfoContext(ctx, "entered maintenance mode", "path", db.path)
	return nil
}

// ExitMaintenance reopens the database file, which may have been replaced
// while detached, and re-runs migrations.
func (db *DB) ExitMaintenance(ctx context.Context) error {
	logger := contextutil.LoggerFromContext(ctx)

	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.maintenance {
		return nil
	}

	pool, err := openPool(fileDSN(db.path, db.opts), db.opts)
	if err != nil {
		return err
	}
	if err := Migrate(ctx, pool); err != nil {
		_ = pool.Close()
		return err
	}

	_ = db.pool.Close()
	db.pool = pool
	db.keyword = ensureKeywordIndex(ctx, pool)
	db.maintenance = false
	logger.InfoContext(ctx, "exited maintenance mode", "path", db.path)
	return nil
}

// Close closes the current pool.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.pool.Close()
}
