package postgres

import (
	"context"
	"fmt"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"

	"github.com/jackc/pgx/v5/pgxpool"
)

type UserRepository struct {
	pool *pgxpool.Pool
}

var _ ports.UserRepository = (*UserRepository)(nil)

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func (r *UserRepository) Create(ctx context.Context, user *domain.User) error {
	return tracedExec(ctx, "insert", "users", func(ctx context.Context) error {
		// the unique index is on LOWER(username), so ON CONFLICT cannot name it
		tag, err := r.pool.Exec(ctx, `
INSERT INTO users (id, username, password_hash, created_at)
SELECT $1, $2, $3, $4
WHERE NOT EXISTS (SELECT 1 FROM users WHERE LOWER(username) = LOWER($2) OR id = $1)
`, user.ID, user.Username, user.PasswordHash, user.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrUserExists
		}
		return nil
	})
}

func (r *UserRepository) GetByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	return r.getOne(ctx, `WHERE id = $1`, string(id))
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	return r.getOne(ctx, `WHERE LOWER(username) = LOWER($1)`, username)
}

func (r *UserRepository) getOne(ctx context.Context, where string, arg string) (*domain.User, error) {
	return traced(ctx, "select", "users", func(ctx context.Context) (*domain.User, error) {
		row := r.pool.QueryRow(ctx, `SELECT id, username, password_hash, created_at FROM users `+where, arg)
		var (
			user domain.User
			id   string
		)
		if err := row.Scan(&id, &user.Username, &user.PasswordHash, &user.CreatedAt); err != nil {
			if isNoRows(err) {
				return nil, domain.ErrUserNotFound
			}
			return nil, fmt.Errorf("query user: %w", err)
		}
		user.ID = domain.UserID(id)
		return &user, nil
	})
}

func (r *UserRepository) RecordLogin(ctx context.Context, record domain.LoginRecord) error {
	return tracedExec(ctx, "insert", "logins", func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `
INSERT INTO login_log (user_id, username, remote_ip, token_id, created_at)
VALUES ($1, $2, $3, $4, $5)
`, record.UserID, record.Username, record.RemoteIP, record.TokenID, record.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert login record: %w", err)
		}
		return nil
	})
}
