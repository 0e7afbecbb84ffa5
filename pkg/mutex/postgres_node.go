package mutex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"
)

const (
	DefaultPostgresTable = "jobcoord_locks"
)

// validTableName accepts a plain or schema-qualified SQL identifier.
var validTableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// PostgresNodeConfig configures a lock node backed by a Postgres table.
type PostgresNodeConfig struct {
	Name             string
	URL              string
	Table            string
	OperationTimeout time.Duration
}

func (c *PostgresNodeConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = DefaultPostgresTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
}

// PostgresNode stores lock rows in a table, one row per key. Expiry is
// evaluated against the database clock.
type PostgresNode struct {
	name  string
	db    *sql.DB
	table string
}

// NewPostgresNode opens the database, pings it and creates the lock table when missing.
func NewPostgresNode(cfg PostgresNodeConfig) (*PostgresNode, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, mutexError(ErrInvalidArgument, "postgres url is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, mutexError(ErrInvalidArgument, fmt.Sprintf("invalid postgres lock table name %q", cfg.Table))
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres failed: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Join(mutexError(ErrQuorumUnreachable, "ping postgres failed"), err)
	}

	name := cfg.Name
	if strings.TrimSpace(name) == "" {
		name = "postgres:" + cfg.Table
	}
	node, err := newPostgresNodeWithDB(name, db, cfg)
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

func newPostgresNodeWithDB(name string, db *sql.DB, cfg PostgresNodeConfig) (*PostgresNode, error) {
	if db == nil {
		return nil, mutexError(ErrNotInitialized, "db is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, mutexError(ErrInvalidArgument, fmt.Sprintf("invalid postgres lock table name %q", cfg.Table))
	}
	return &PostgresNode{name: name, db: db, table: cfg.Table}, nil
}

func (n *PostgresNode) Name() string { return n.name }

// Table returns the lock table name.
func (n *PostgresNode) Table() string { return n.table }

// Acquire upserts every key that is missing or expired, and rolls back unless
// all of them were taken.
func (n *PostgresNode) Acquire(ctx context.Context, keys []string, token string, ttl time.Duration) (bool, error) {
	if err := n.ready(); err != nil {
		return false, err
	}
	query := fmt.Sprintf(`
INSERT INTO %s(lock_key, token, expires_at, updated_at)
SELECT k, $2, NOW() + ($3::bigint * INTERVAL '1 millisecond'), NOW()
FROM unnest($1::text[]) AS k
ON CONFLICT(lock_key) DO UPDATE
SET token = EXCLUDED.token,
    expires_at = EXCLUDED.expires_at,
    updated_at = NOW()
WHERE %s.expires_at <= NOW()
RETURNING lock_key
`, n.table, n.table)

	var granted bool
	err := n.inTx(ctx, func(tx *sql.Tx) (bool, error) {
		rows, err := tx.QueryContext(ctx, query, pq.Array(keys), token, ttl.Milliseconds())
		if err != nil {
			return false, err
		}
		defer rows.Close()
		taken := 0
		for rows.Next() {
			taken++
		}
		if err := rows.Err(); err != nil {
			return false, err
		}
		granted = taken == len(keys)
		return granted, nil
	})
	if err != nil {
		return false, errors.Join(mutexError(ErrQuorumUnreachable, "postgres acquire failed"), err)
	}
	return granted, nil
}

// Extend pushes the expiry of every key owned by token; a partial match is rolled back.
func (n *PostgresNode) Extend(ctx context.Context, keys []string, token string, ttl time.Duration) (bool, error) {
	if err := n.ready(); err != nil {
		return false, err
	}
	query := fmt.Sprintf(`UPDATE %s SET expires_at = NOW() + ($3::bigint * INTERVAL '1 millisecond'), updated_at = NOW() WHERE lock_key = ANY($1) AND token = $2 AND expires_at > NOW()`, n.table)

	var extended bool
	err := n.inTx(ctx, func(tx *sql.Tx) (bool, error) {
		result, err := tx.ExecContext(ctx, query, pq.Array(keys), token, ttl.Milliseconds())
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
		return false, errors.Join(mutexError(ErrQuorumUnreachable, "postgres extend failed"), err)
	}
	return extended, nil
}

// Release deletes the rows still owned by token.
func (n *PostgresNode) Release(ctx context.Context, keys []string, token string) error {
	if err := n.ready(); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE lock_key = ANY($1) AND token = $2`, n.table)
	if _, err := n.db.ExecContext(ctx, query, pq.Array(keys), token); err != nil {
		return errors.Join(mutexError(ErrQuorumUnreachable, "postgres release failed"), err)
	}
	return nil
}

// PurgeExpired deletes rows whose lease has expired and returns how many were removed.
func (n *PostgresNode) PurgeExpired(ctx context.Context) (int64, error) {
	if err := n.ready(); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= NOW()`, n.table)
	result, err := n.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("purge expired locks: %w", err)
	}
	return result.RowsAffected()
}

func (n *PostgresNode) HealthCheck(ctx context.Context) error {
	if err := n.ready(); err != nil {
		return err
	}
	if err := n.db.PingContext(ctx); err != nil {
		return errors.Join(mutexError(ErrQuorumUnreachable, "postgres healthcheck failed"), err)
	}
	return nil
}

// Close closes DB resources.
func (n *PostgresNode) Close() error {
	if n == nil || n.db == nil {
		return nil
	}
	return n.db.Close()
}

func (n *PostgresNode) ready() error {
	if n == nil || n.db == nil {
		return mutexError(ErrNotInitialized, "postgres node is not initialized")
	}
	return nil
}

// inTx commits when fn reports true and rolls back otherwise.
func (n *PostgresNode) inTx(ctx context.Context, fn func(tx *sql.Tx) (bool, error)) error {
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

func (n *PostgresNode) ensureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	lock_key TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, n.table)
	if _, err := n.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create lock table %s: %w", n.table, err)
	}
	return nil
}
