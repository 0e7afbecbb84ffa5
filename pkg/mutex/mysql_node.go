package mutex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

const (
	DefaultMySQLTable = "jobcoord_locks"
)

// MySQLNodeConfig configures a lock node backed by a MySQL table.
// DSN uses the go-sql-driver format, e.g. user:pass@tcp(db-1:3306)/locks.
type MySQLNodeConfig struct {
	Name             string
	DSN              string
	Table            string
	OperationTimeout time.Duration
}

func (c *MySQLNodeConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = DefaultMySQLTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
}

// MySQLNode stores lock rows in an InnoDB table, one row per key. Expiry is
// evaluated against the database clock with millisecond precision.
type MySQLNode struct {
	name  string
	db    *sql.DB
	table string
}

// NewMySQLNode opens the database, pings it and creates the lock table when missing.
func NewMySQLNode(cfg MySQLNodeConfig) (*MySQLNode, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, mutexError(ErrInvalidArgument, "mysql dsn is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, mutexError(ErrInvalidArgument, fmt.Sprintf("invalid mysql lock table name %q", cfg.Table))
	}
	dsn, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, errors.Join(mutexError(ErrInvalidArgument, "invalid mysql dsn"), err)
	}
	// Extend compares matched rows, not changed ones.
	dsn.ClientFoundRows = true
	dsn.ParseTime = true
	connector, err := mysql.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql failed: %w", err)
	}

	db := sql.OpenDB(connector)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Join(mutexError(ErrQuorumUnreachable, "ping mysql failed"), err)
	}

	name := cfg.Name
	if strings.TrimSpace(name) == "" {
		name = "mysql://" + dsn.Addr + "/" + dsn.DBName
	}
	node, err := newMySQLNodeWithDB(name, db, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := node.ensureTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return node, nil
}

func newMySQLNodeWithDB(name string, db *sql.DB, cfg MySQLNodeConfig) (*MySQLNode, error) {
	if db == nil {
		return nil, mutexError(ErrNotInitialized, "db is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, mutexError(ErrInvalidArgument, fmt.Sprintf("invalid mysql lock table name %q", cfg.Table))
	}
	return &MySQLNode{name: name, db: db, table: cfg.Table}, nil
}

func (n *MySQLNode) Name() string { return n.name }

// Table returns the lock table name.
func (n *MySQLNode) Table() string { return n.table }

// Acquire upserts every key, overwriting only rows that have expired, then
// counts the rows now owned by token. The transaction is rolled back unless
// all keys were taken.
func (n *MySQLNode) Acquire(ctx context.Context, keys []string, token string, ttl time.Duration) (bool, error) {
	if err := n.ready(); err != nil {
		return false, err
	}
	rows := make([]string, len(keys))
	args := make([]any, 0, len(keys)*3)
	for i, key := range keys {
		rows[i] = "(?, ?, NOW(3) + INTERVAL ? MICROSECOND, NOW(3))"
		args = append(args, key, token, ttl.Microseconds())
	}
	// token is assigned before expires_at, so both conditions see the old expiry.
	upsert := fmt.Sprintf(`
INSERT INTO %s(lock_key, token, expires_at, updated_at)
VALUES %s
ON DUPLICATE KEY UPDATE
    token = IF(expires_at <= NOW(3), VALUES(token), token),
    expires_at = IF(expires_at <= NOW(3), VALUES(expires_at), expires_at),
    updated_at = NOW(3)`, n.table, strings.Join(rows, ", "))
	owned := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE lock_key IN (%s) AND token = ?`, n.table, placeholders(len(keys)))

	var granted bool
	err := n.inTx(ctx, func(tx *sql.Tx) (bool, error) {
		if _, err := tx.ExecContext(ctx, upsert, args...); err != nil {
			return false, err
		}
		var taken int
		if err := tx.QueryRowContext(ctx, owned, keyArgs(keys, token)...).Scan(&taken); err != nil {
			return false, err
		}
		granted = taken == len(keys)
		return granted, nil
	})
	if err != nil {
		return false, errors.Join(mutexError(ErrQuorumUnreachable, "mysql acquire failed"), err)
	}
	return granted, nil
}

// Extend resets the expiry of every key owned by token; a partial match is rolled back.
func (n *MySQLNode) Extend(ctx context.Context, keys []string, token string, ttl time.Duration) (bool, error) {
	if err := n.ready(); err != nil {
		return false, err
	}
	query := fmt.Sprintf(`UPDATE %s SET expires_at = NOW(3) + INTERVAL ? MICROSECOND, updated_at = NOW(3) WHERE lock_key IN (%s) AND token = ? AND expires_at > NOW(3)`,
		n.table, placeholders(len(keys)))
	args := append([]any{ttl.Microseconds()}, keyArgs(keys, token)...)

	var extended bool
	err := n.inTx(ctx, func(tx *sql.Tx) (bool, error) {
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return false, err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return false, err
		}
		extended = affected == int64(len(keys))
		return extended, nil
	})
	if err != nil {
		return false, errors.Join(mutexError(ErrQuorumUnreachable, "mysql extend failed"), err)
	}
	return extended, nil
}

// Release deletes the rows still owned by token.
func (n *MySQLNode) Release(ctx context.Context, keys []string, token string) error {
	if err := n.ready(); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE lock_key IN (%s) AND token = ?`, n.table, placeholders(len(keys)))
	if _, err := n.db.ExecContext(ctx, query, keyArgs(keys, token)...); err != nil {
		return errors.Join(mutexError(ErrQuorumUnreachable, "mysql release failed"), err)
	}
	return nil
}

// PurgeExpired deletes rows whose lease has expired and returns how many were removed.
func (n *MySQLNode) PurgeExpired(ctx context.Context) (int64, error) {
	if err := n.ready(); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= NOW(3)`, n.table)
	result, err := n.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("purge expired locks: %w", err)
	}
	return result.RowsAffected()
}

func (n *MySQLNode) HealthCheck(ctx context.Context) error {
	if err := n.ready(); err != nil {
		return err
	}
	if err := n.db.PingContext(ctx); err != nil {
		return errors.Join(mutexError(ErrQuorumUnreachable, "mysql healthcheck failed"), err)
	}
	return nil
}

// Close closes DB resources.
func (n *MySQLNode) Close() error {
	if n == nil || n.db == nil {
		return nil
	}
	return n.db.Close()
}

func (n *MySQLNode) ready() error {
	if n == nil || n.db == nil {
		return mutexError(ErrNotInitialized, "mysql node is not initialized")
	}
	return nil
}

// inTx commits when fn reports true and rolls back otherwise.
func (n *MySQLNode) inTx(ctx context.Context, fn func(tx *sql.Tx) (bool, error)) error {
	tx, err := n.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	commit, err := fn(tx)
	if err != nil || !commit {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

func (n *MySQLNode) ensureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	lock_key VARCHAR(255) NOT NULL PRIMARY KEY,
	token VARCHAR(64) NOT NULL,
	expires_at DATETIME(3) NOT NULL,
	updated_at DATETIME(3) NOT NULL
) ENGINE=InnoDB`, n.table)
	if _, err := n.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create lock table %s: %w", n.table, err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// keyArgs returns keys followed by token, matching "lock_key IN (...) AND token = ?".
func keyArgs(keys []string, token string) []any {
	args := make([]any, 0, len(keys)+1)
	for _, key := range keys {
		args = append(args, key)
	}
	return append(args, token)
}
