package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// migrations are applied in order; schema_version records the last one run.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		protocol   TEXT NOT NULL,
		host       TEXT NOT NULL,
		port       INTEGER NOT NULL DEFAULT 0,
		path       TEXT NOT NULL DEFAULT '',
		username   TEXT NOT NULL DEFAULT '',
		password   TEXT NOT NULL DEFAULT '',
		model      TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		username      TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS users_username_lower_idx ON users (LOWER(username))`,
	`CREATE TABLE IF NOT EXISTS login_log (
		id         BIGSERIAL PRIMARY KEY,
		user_id    TEXT NOT NULL,
		username   TEXT NOT NULL,
		remote_ip  TEXT NOT NULL DEFAULT '',
		token_id   TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS login_log_user_idx ON login_log (user_id, created_at DESC)`,
}

// Migrate brings the schema up to date inside a single transaction.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *zap.SugaredLogger) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	// serialises concurrent instances starting at once
	if _, err := tx.Exec(ctx, `LOCK TABLE schema_version IN EXCLUSIVE MODE`); err != nil {
		return fmt.Errorf("lock schema_version: %w", err)
	}

	current := 0
	err = tx.QueryRow(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if err != nil && !isNoRows(err) {
		return fmt.Errorf("read schema version: %w", err)
	}
	noRow := isNoRows(err)

	for i := current; i < len(migrations); i++ {
		if _, err := tx.Exec(ctx, migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		logger.Infow("applied postgres migration", "version", i+1)
	}

	if noRow {
		_, err = tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, len(migrations))
	} else if current < len(migrations) {
		_, err = tx.Exec(ctx, `UPDATE schema_version SET version = $1`, len(migrations))
	}
	if err != nil {
		return fmt.Errorf("store schema version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}
