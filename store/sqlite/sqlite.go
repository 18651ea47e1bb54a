/*
Package sqlite provides SQLite-backed implementations of the durable
mirror and the ledger store.

PURPOSE:
  One database file can hold both the key/value mirror used by
  storage.Manager and the append-only transactions table used by
  ledger.Manager. Each is exposed as its own type over a shared Store.

INTERFACES IMPLEMENTED:
  storage.KV:   KV (kv table)
  ledger.Store: LedgerStore (transactions table)

APPEND-ONLY ENFORCEMENT:
  LedgerStore has no UPDATE or DELETE statement on transactions. A
  trigger additionally rejects both at the database level.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. The database is opened in WAL mode.
  ":memory:" databases are limited to one connection, since every new
  connection would see an empty database.

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  mirror := store.KV()
  txs := store.Ledger()

SEE ALSO:
  - storage/kv.go: KV interface
  - ledger/store.go: Store interface and in-memory implementation
*/
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Store owns the database handle shared by KV and LedgerStore.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) KV() *KV { return &KV{store: s} }

func (s *Store) Ledger() *LedgerStore { return &LedgerStore{store: s} }

func (s *Store) migrate() error {
	schema := `
	-- Durable mirror for cache entries, queues and flags
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		operation_type TEXT NOT NULL,
		points_type TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		reason TEXT,
		balance_before INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		related_user_id TEXT,
		timestamp TEXT NOT NULL
	);

	-- History and aggregates for one user (hot path)
	CREATE INDEX IF NOT EXISTS idx_transactions_user_time
		ON transactions(user_id, timestamp, seq);

	CREATE TRIGGER IF NOT EXISTS transactions_no_update
		BEFORE UPDATE ON transactions
		BEGIN SELECT RAISE(ABORT, 'transactions are immutable'); END;

	CREATE TRIGGER IF NOT EXISTS transactions_no_delete
		BEFORE DELETE ON transactions
		BEGIN SELECT RAISE(ABORT, 'transactions are immutable'); END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// escapeLike escapes LIKE wildcards; pair with ESCAPE '\'.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
