package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"camrelay/internal/core/domain"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// openTestPool connects to CAMRELAY_TEST_POSTGRES_DSN and starts from empty
// tables. Tests are skipped when it is not set.
func openTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("CAMRELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CAMRELAY_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, PoolConfig{DSN: dsn, ApplicationName: "camrelay-test"}, zap.NewNop().Sugar())
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `TRUNCATE devices, users, login_log`)
	require.NoError(t, err)

	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ClosePool(closeCtx, pool)
	})
	return pool
}

func TestDeviceRepository(t *testing.T) {
	pool := openTestPool(t)
	repo := NewDeviceRepository(pool)
	ctx := context.Background()

	created := time.Now().Truncate(time.Millisecond)
	device := &domain.Device{
		ID:        "dev-1",
		Name:      "Gate",
		Protocol:  domain.ProtocolRTSP,
		Host:      "10.0.0.5",
		Port:      554,
		Path:      "/stream1",
		Username:  "admin",
		Password:  "secret",
		Model:     "h264 1920x1080",
		CreatedAt: created,
	}
	require.NoError(t, repo.Create(ctx, device))
	assert.ErrorIs(t, repo.Create(ctx, device), domain.ErrDeviceExists)

	got, err := repo.GetByID(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "Gate", got.Name)
	assert.Equal(t, domain.ProtocolRTSP, got.Protocol)
	assert.Equal(t, "secret", got.Password)
	assert.True(t, created.Equal(got.CreatedAt))

	require.NoError(t, repo.Create(ctx, &domain.Device{
		ID: "dev-2", Name: "Yard", Protocol: domain.ProtocolRTSP, Host: "10.0.0.6", CreatedAt: created.Add(time.Second),
	}))
	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, domain.CameraID("dev-1"), list[0].ID)

	require.NoError(t, repo.Delete(ctx, "dev-1"))
	assert.ErrorIs(t, repo.Delete(ctx, "dev-1"), domain.ErrDeviceNotFound)
	_, err = repo.GetByID(ctx, "dev-1")
	assert.ErrorIs(t, err, domain.ErrDeviceNotFound)
}

func TestUserRepository(t *testing.T) {
	pool := openTestPool(t)
	repo := NewUserRepository(pool)
	ctx := context.Background()

	user := &domain.User{ID: "u-1", Username: "Alice", PasswordHash: "pbkdf2$x", CreatedAt: time.Now()}
	require.NoError(t, repo.Create(ctx, user))
	assert.ErrorIs(t, repo.Create(ctx, &domain.User{ID: "u-2", Username: "alice", CreatedAt: time.Now()}), domain.ErrUserExists)

	got, err := repo.GetByUsername(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("u-1"), got.ID)
	assert.Equal(t, "pbkdf2$x", got.PasswordHash)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	require.NoError(t, repo.RecordLogin(ctx, domain.LoginRecord{
		UserID: "u-1", Username: "Alice", RemoteIP: "127.0.0.1", TokenID: "t-1", CreatedAt: time.Now(),
	}))
	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM login_log WHERE user_id = $1`, "u-1").Scan(&count))
	assert.Equal(t, 1, count)
}
