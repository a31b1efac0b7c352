package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	userPrefix     = keyPrefix + "user:"
	userKeyPattern = userPrefix + "*"
	usernamePrefix = keyPrefix + "username:"
	loginLogKey    = keyPrefix + "logins"
	maxLoginLog    = 1000
)

type RedisUserRepository struct {
	client *redis.Client
}

func NewRedisUserRepository(client *redis.Client) ports.UserRepository {
	return &RedisUserRepository{client: client}
}

func userKey(id domain.UserID) string {
	return userPrefix + string(id)
}

func usernameKey(username string) string {
	return usernamePrefix + strings.ToLower(username)
}

func (r *RedisUserRepository) Create(ctx context.Context, user *domain.User) error {
	data, err := json.Marshal(storedUser{User: *user, PasswordHash: user.PasswordHash})
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	claimed, err := r.client.SetNX(ctx, usernameKey(user.Username), string(user.ID), 0).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve username: %w", err)
	}
	if !claimed {
		return domain.ErrUserExists
	}

	if err := r.client.Set(ctx, userKey(user.ID), data, 0).Err(); err != nil {
		r.client.Del(ctx, usernameKey(user.Username))
		return fmt.Errorf("failed to set user in Redis: %w", err)
	}
	return nil
}

func (r *RedisUserRepository) GetByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	data, err := r.client.Get(ctx, userKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user from Redis: %w", err)
	}

	var stored storedUser
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	user := stored.User
	user.PasswordHash = stored.PasswordHash
	return &user, nil
}

func (r *RedisUserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	id, err := r.client.Get(ctx, usernameKey(username)).Result()
	if err == redis.Nil {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve username: %w", err)
	}
	return r.GetByID(ctx, domain.UserID(id))
}

func (r *RedisUserRepository) RecordLogin(ctx context.Context, record domain.LoginRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal login: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, loginLogKey, data)
	pipe.LTrim(ctx, loginLogKey, 0, maxLoginLog-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	return nil
}

// storedUser keeps the password hash, which domain.User hides from JSON.
type storedUser struct {
	domain.User
	PasswordHash string `json:"password_hash"`
}
