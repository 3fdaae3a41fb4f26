// Package storage provides the SQLite statement store and the derived trust/identity tables.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

var log = logging.Logger("trust-storage")

var (
	// ErrStorage marks relational failures. Transactions that fail are rolled back.
	ErrStorage = errors.New("storage error")
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
)

// Querier is the subset of *sql.DB and *sql.Tx the store needs.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds the read/write helpers shared by Store and Tx.
type queries struct {
	q Querier
}

// Exec runs a statement that returns no rows.
func (c queries) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := c.q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return res, nil
}

// Query runs a query that returns rows.
func (c queries) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return rows, nil
}

// QueryRow runs a query expected to return at most one row.
func (c queries) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, query, args...)
}

// Store is the SQLite-backed statement store.
type Store struct {
	queries
	db     *sql.DB
	dbPath string

	mu          sync.RWMutex
	uniqueTypes map[string]bool
}

// Tx is a store transaction. All admission and graph-rebuild writes go through one.
type Tx struct {
	queries
	tx *sql.Tx
}

// Open opens (creating if needed) the store under basePath.
func Open(basePath string) (*Store, error) {
	// Ensure directory exists
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	dbPath := filepath.Join(basePath, "trust.db")

	// Immediate transactions avoid lock upgrades between concurrent writers.
	dsn := "file:" + dbPath + "?_journal_mode=WAL&_busy_timeout=10000&_foreign_keys=on&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{
		queries:     queries{q: db},
		db:          db,
		dbPath:      dbPath,
		uniqueTypes: make(map[string]bool),
	}

	if err := store.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}
	if err := store.loadUniqueTypes(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) initTables() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS statements (
			hash TEXT PRIMARY KEY,
			signer_key_id TEXT NOT NULL,
			type TEXT NOT NULL,
			rating INTEGER NOT NULL DEFAULT 0,
			min_rating INTEGER NOT NULL DEFAULT 0,
			max_rating INTEGER NOT NULL DEFAULT 0,
			comment TEXT NOT NULL DEFAULT '',
			timestamp INTEGER NOT NULL,
			public INTEGER NOT NULL DEFAULT 1,
			priority INTEGER NOT NULL DEFAULT 0,
			is_latest INTEGER NOT NULL DEFAULT 0,
			content_ref TEXT,
			envelope BLOB NOT NULL,
			published INTEGER NOT NULL DEFAULT 0,
			index_key TEXT,
			created_at INTEGER DEFAULT (strftime('%s', 'now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_statements_signer_type ON statements (signer_key_id, type)`,
		`CREATE INDEX IF NOT EXISTS idx_statements_timestamp ON statements (timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_statements_content_ref ON statements (content_ref)`,
		`CREATE INDEX IF NOT EXISTS idx_statements_priority ON statements (priority, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_statements_published ON statements (published)`,

		`CREATE TABLE IF NOT EXISTS statement_attributes (
			statement_hash TEXT NOT NULL REFERENCES statements (hash) ON DELETE CASCADE,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			is_recipient INTEGER NOT NULL,
			PRIMARY KEY (statement_hash, is_recipient, name, value)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_statement_attributes_name_value ON statement_attributes (name, value, is_recipient)`,

		`CREATE TABLE IF NOT EXISTS trust_distances (
			root_name TEXT NOT NULL,
			root_value TEXT NOT NULL,
			target_name TEXT NOT NULL,
			target_value TEXT NOT NULL,
			distance INTEGER NOT NULL,
			PRIMARY KEY (root_name, root_value, target_name, target_value)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trust_distances_depth ON trust_distances (root_name, root_value, distance)`,

		`CREATE TABLE IF NOT EXISTS identity_attributes (
			viewpoint_name TEXT NOT NULL,
			viewpoint_value TEXT NOT NULL,
			identity_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			confirmations INTEGER NOT NULL DEFAULT 0,
			refutations INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (viewpoint_name, viewpoint_value, name, value)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_identity_attributes_id ON identity_attributes (viewpoint_name, viewpoint_value, identity_id)`,

		`CREATE TABLE IF NOT EXISTS identity_stats (
			viewpoint_name TEXT NOT NULL,
			viewpoint_value TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			sent_positive INTEGER NOT NULL DEFAULT 0,
			sent_neutral INTEGER NOT NULL DEFAULT 0,
			sent_negative INTEGER NOT NULL DEFAULT 0,
			received_positive INTEGER NOT NULL DEFAULT 0,
			received_neutral INTEGER NOT NULL DEFAULT 0,
			received_negative INTEGER NOT NULL DEFAULT 0,
			first_seen INTEGER,
			PRIMARY KEY (viewpoint_name, viewpoint_value, name, value)
		)`,

		`CREATE TABLE IF NOT EXISTS unique_attribute_types (
			name TEXT PRIMARY KEY
		)`,

		`CREATE TABLE IF NOT EXISTS trust_indexed_attributes (
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			depth INTEGER NOT NULL,
			PRIMARY KEY (name, value)
		)`,

		`CREATE TABLE IF NOT EXISTS index_removals (
			index_name TEXT NOT NULL,
			key TEXT NOT NULL,
			PRIMARY KEY (index_name, key)
		)`,

		`CREATE TABLE IF NOT EXISTS published_profiles (
			profile_cid TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (profile_cid, name, value)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_published_profiles_attr ON published_profiles (name, value)`,

		`CREATE TABLE IF NOT EXISTS published_profile_keys (
			profile_cid TEXT NOT NULL,
			index_name TEXT NOT NULL,
			key TEXT NOT NULL,
			PRIMARY KEY (index_name, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_published_profile_keys_cid ON published_profile_keys (profile_cid)`,

		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at INTEGER
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	log.Debugf("Initialized trust store at %s", s.dbPath)
	return nil
}

// WithTx runs fn inside a transaction, committing when fn returns nil and rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStorage, err)
	}
	tx := &Tx{queries: queries{q: sqlTx}, tx: sqlTx}

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Warnf("Rollback failed: %v", rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}
