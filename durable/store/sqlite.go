package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Service.
//
// It stores executions and their operation logs in a single-file database.
// Designed for:
//   - Development and testing with zero setup
//   - Single-process workers that must survive restarts
//   - Prototyping before moving to a shared database
//
// SQLiteStore uses WAL mode for concurrent reads and one connection for writes.
type SQLiteStore struct {
	*sqlStore
	path string
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS durable_executions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			token TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS durable_operations (
			execution_id TEXT NOT NULL,
			op_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			callback_id TEXT NOT NULL DEFAULT '',
			data TEXT NOT NULL,
			PRIMARY KEY (execution_id, op_id)
		)`,
		"CREATE INDEX IF NOT EXISTS idx_durable_operations_seq ON durable_operations(execution_id, seq)",
		"CREATE INDEX IF NOT EXISTS idx_durable_operations_callback ON durable_operations(callback_id)",
	},
	upsertOperation: `INSERT INTO durable_operations (execution_id, op_id, seq, callback_id, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, op_id) DO UPDATE SET callback_id = excluded.callback_id, data = excluded.data`,
	// The single connection serializes transactions, so no row lock is needed.
	lockExecution: "SELECT token FROM durable_executions WHERE id = ?",
}

// NewSQLiteStore opens (or creates) a SQLite-backed durability service.
//
// The path parameter specifies the database file location:
//   - "./durable.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// Example:
//
//	svc, err := store.NewSQLiteStore("./durable.db", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
func NewSQLiteStore(path string, clock Clock) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s, err := newSQLStore(ctx, db, sqliteDialect, clock)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{sqlStore: s, path: path}, nil
}

// Path returns the database location the store was opened with.
func (s *SQLiteStore) Path() string {
	return s.path
}

var _ Service = (*SQLiteStore)(nil)
