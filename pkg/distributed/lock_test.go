package distributed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient connects to CAMRELAY_TEST_REDIS. Tests are skipped when it is
// not set.
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("CAMRELAY_TEST_REDIS")
	if addr == "" {
		t.Skip("CAMRELAY_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { client.Close() })
	return client
}

func TestDistributedLock_Exclusive(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()
	prefix := "test:lock:" + uuid.New().String() + ":"

	a := NewLockManager(client, prefix, "relay-a").NewLock("cam-1", 2*time.Second)
	b := NewLockManager(client, prefix, "relay-b").NewLock("cam-1", 2*time.Second)

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	holder, err := b.Holder(ctx)
	require.NoError(t, err)
	assert.Contains(t, holder, "relay-a:")

	assert.ErrorIs(t, b.Unlock(ctx), ErrNotHeld)
	require.NoError(t, a.Unlock(ctx))

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Unlock(ctx))
}

func TestDistributedLock_RenewsAndReportsLoss(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()
	key := "test:lock:" + uuid.New().String()

	lock := NewDistributedLock(client, key, "relay-a", 200*time.Millisecond)
	ok, err := lock.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// outlives the TTL thanks to renewal
	time.Sleep(500 * time.Millisecond)
	holder, err := lock.Holder(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, holder)

	require.NoError(t, client.Set(ctx, key, "someone-else", time.Second).Err())
	select {
	case <-lock.Lost():
	case <-time.After(time.Second):
		t.Fatal("lock loss was not reported")
	}
	assert.ErrorIs(t, lock.Unlock(ctx), ErrNotHeld)
}
