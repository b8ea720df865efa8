package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/incentives/utils/pkg/retry"
)

const sqlStateUniqueViolation = "23505"

// DB is a PostgreSQL connection pool shared by the ledger stores.
type DB struct {
	log  *slog.Logger
	pool *pgxpool.Pool
	tx   retry.Config
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, log *slog.Logger, cfg Config) (*DB, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate postgres config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	log.Info("pgstore: connecting to postgres", "host", cfg.Host, "port", cfg.Port, "database", cfg.Database, "username", cfg.Username)

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return NewDB(log, pool), nil
}

// NewDB wraps an existing pool.
func NewDB(log *slog.Logger, pool *pgxpool.Pool) *DB {
	tx := retry.TxConfig()
	tx.Retryable = retry.IsSerializationFailure
	return &DB{log: log, pool: pool, tx: tx}
}

func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func (db *DB) Close() {
	db.pool.Close()
}

// update runs fn in a REPEATABLE READ transaction and re-runs it when
// postgres reports a serialization failure or deadlock.
func (db *DB) update(ctx context.Context, fn func(pgx.Tx) error) error {
	return db.inTx(ctx, pgx.ReadWrite, fn)
}

func (db *DB) view(ctx context.Context, fn func(pgx.Tx) error) error {
	return db.inTx(ctx, pgx.ReadOnly, fn)
}

func (db *DB) inTx(ctx context.Context, mode pgx.TxAccessMode, fn func(pgx.Tx) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: mode}
	attempt := 0
	return retry.Do(ctx, db.tx, func() error {
		attempt++
		if attempt > 1 {
			db.log.Debug("pgstore: retrying transaction", "attempt", attempt)
		}
		return pgx.BeginTxFunc(ctx, db.pool, opts, fn)
	})
}

// uniqueViolation reports whether err is a unique constraint violation,
// returning the violated constraint name.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlStateUniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

// forUpdate appends a row lock to a query run in a writable transaction.
func forUpdate(query string, writable bool) string {
	if writable {
		return query + " FOR UPDATE"
	}
	return query
}
