package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/pkg/tracing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PoolConfig describes how the postgres connection pool is initialised.
type PoolConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
	ApplicationName string
}

// NewPool opens a pool, verifies it with a ping and applies the schema.
func NewPool(ctx context.Context, cfg PoolConfig, logger *zap.SugaredLogger) (*pgxpool.Pool, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := Migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Infow("postgres pool opened",
		"max_conns", poolCfg.MaxConns,
		"application_name", cfg.ApplicationName,
	)
	return pool, nil
}

// ClosePool releases the pool, giving up once ctx is done.
func ClosePool(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}

// expected outcomes are not span errors
func isExpected(err error) bool {
	return errors.Is(err, domain.ErrDeviceNotFound) ||
		errors.Is(err, domain.ErrDeviceExists) ||
		errors.Is(err, domain.ErrUserNotFound) ||
		errors.Is(err, domain.ErrUserExists)
}

func traced[T any](ctx context.Context, operation, table string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, operation, table)
	defer span.End()

	v, err := fn(ctx)
	if err != nil && !isExpected(err) {
		tracing.RecordError(ctx, err)
	}
	return v, err
}

func tracedExec(ctx context.Context, operation, table string, fn func(context.Context) error) error {
	_, err := traced(ctx, operation, table, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
