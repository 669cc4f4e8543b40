package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Service.
//
// Designed for:
//   - Workers spread across processes or hosts sharing one control plane
//   - Long-running executions that must survive restarts
//
// Concurrent checkpoints on the same execution are serialized by a row lock
// on the execution (SELECT ... FOR UPDATE) and fenced by the checkpoint token.
type MySQLStore struct {
	*sqlStore
}

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS durable_executions (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			token VARCHAR(64) NOT NULL,
			created_at DATETIME(6) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS durable_operations (
			execution_id VARCHAR(64) NOT NULL,
			op_id VARCHAR(64) NOT NULL,
			seq INT NOT NULL,
			callback_id VARCHAR(64) NOT NULL DEFAULT '',
			data LONGTEXT NOT NULL,
			PRIMARY KEY (execution_id, op_id),
			INDEX idx_durable_operations_seq (execution_id, seq),
			INDEX idx_durable_operations_callback (callback_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
	upsertOperation: `INSERT INTO durable_operations (execution_id, op_id, seq, callback_id, data)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE callback_id = VALUES(callback_id), data = VALUES(data)`,
	lockExecution: "SELECT token FROM durable_executions WHERE id = ? FOR UPDATE",
}

// NewMySQLStore connects to MySQL and creates the schema if needed.
//
// The DSN format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
//
// Security Warning:
//
//	NEVER hardcode credentials in your source code. Use environment variables:
//	    dsn := os.Getenv("MYSQL_DSN")
//	    svc, err := store.NewMySQLStore(dsn, nil)
func NewMySQLStore(dsn string, clock Clock) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s, err := newSQLStore(ctx, db, mysqlDialect, clock)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MySQLStore{sqlStore: s}, nil
}

var _ Service = (*MySQLStore)(nil)
