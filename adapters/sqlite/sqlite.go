// Package sqlite provides SQLite implementations of storage ports.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/artpar/credmeter/ports"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a SQLite database connection.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite database connection.
// _txlock=immediate makes every transaction take the write lock up front,
// which is how Serializable units of work get ordered instead of failing
// at commit time.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000", // 64MB
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	return &DB{DB: db}, nil
}

// OpenMemory opens an in-memory database (for tests).
func OpenMemory() (*DB, error) {
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Shared-cache in-memory databases disappear once every connection
	// closes; a single connection keeps the schema alive.
	db.SetMaxOpenConns(1)
	return &DB{DB: db}, nil
}

// Migrate runs all pending migrations.
func (db *DB) Migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("query migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return fmt.Errorf("scan migration: %w", err)
		}
		applied[version] = true
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var migrations []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			migrations = append(migrations, entry.Name())
		}
	}
	sort.Strings(migrations)

	for _, name := range migrations {
		version := strings.TrimSuffix(name, ".sql")
		if applied[version] {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", name, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// mapErr translates driver errors into port-level sentinels.
// Busy and locked mean the transaction could not acquire a consistent view
// within the busy timeout; callers treat that as retryable, never as an
// insufficient-balance outcome.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		if se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked {
			return fmt.Errorf("%w: %v", ports.ErrTxConflict, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ports.ErrTxConflict, err)
	}
	return err
}

// Store bundles all sqlite-backed stores and implements ports.UnitOfWork.
type Store struct {
	db *DB
}

// NewStore creates a store bundle over db.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// Ledger returns the auto-commit ledger store.
func (s *Store) Ledger() ports.LedgerStore { return &LedgerStore{q: s.db} }

// Quotas returns the auto-commit quota store.
func (s *Store) Quotas() ports.QuotaStore { return &QuotaStore{q: s.db} }

// Users returns the auto-commit user store.
func (s *Store) Users() ports.UserStore { return &UserStore{q: s.db} }

// Jobs returns the auto-commit job store.
func (s *Store) Jobs() ports.JobStore { return &JobStore{q: s.db} }

// Plans returns the plan store.
func (s *Store) Plans() ports.PlanStore { return &PlanStore{q: s.db} }

// Subscriptions returns the subscription store.
func (s *Store) Subscriptions() ports.SubscriptionStore { return &SubscriptionStore{q: s.db} }

// Usage returns the usage event store.
func (s *Store) Usage() ports.UsageStore { return &UsageStore{q: s.db} }

// Catalog returns the model catalog store.
func (s *Store) Catalog() *CatalogStore { return &CatalogStore{q: s.db} }

// txBundle exposes the transactional stores over one *sql.Tx.
type txBundle struct {
	tx *sql.Tx
}

func (b txBundle) Ledger() ports.LedgerStore { return &LedgerStore{q: b.tx} }
func (b txBundle) Quotas() ports.QuotaStore  { return &QuotaStore{q: b.tx} }
func (b txBundle) Users() ports.UserStore    { return &UserStore{q: b.tx} }
func (b txBundle) Jobs() ports.JobStore      { return &JobStore{q: b.tx} }

func (b txBundle) Subscriptions() ports.SubscriptionStore { return &SubscriptionStore{q: b.tx} }

// InTx runs fn inside a transaction. SQLite transactions are serializable;
// the immediate lock in the DSN makes Serializable units of work queue on
// the write lock rather than race. Wait bounds the whole unit of work.
func (s *Store) InTx(ctx context.Context, opts ports.TxOptions, fn func(tx ports.Tx) error) error {
	if opts.Wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Wait)
		defer cancel()
	}

	sqlOpts := &sql.TxOptions{}
	if opts.Isolation == ports.Serializable {
		sqlOpts.Isolation = sql.LevelSerializable
	}

	tx, err := s.db.BeginTx(ctx, sqlOpts)
	if err != nil {
		return mapErr(err)
	}

	if err := fn(txBundle{tx: tx}); err != nil {
		tx.Rollback()
		return mapErr(err)
	}

	if err := tx.Commit(); err != nil {
		return mapErr(err)
	}
	return nil
}

// Ensure interface compliance.
var _ ports.UnitOfWork = (*Store)(nil)
var _ ports.Tx = (*Store)(nil)
