package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotHeld = errors.New("lock was not held by this instance")

// unlockScript deletes the key only if it still carries our value.
const unlockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// renewScript extends the key only if it still carries our value.
const renewScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// DistributedLock provides distributed locking using Redis
type DistributedLock struct {
	client *redis.Client
	key    string
	value  string // Unique identifier for this lock holder
	ttl    time.Duration

	stopOnce  sync.Once
	stopRenew chan struct{}
	lost      chan struct{}
}

// NewDistributedLock creates a new distributed lock
func NewDistributedLock(client *redis.Client, key, owner string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client:    client,
		key:       key,
		value:     owner + ":" + generateLockValue(),
		ttl:       ttl,
		stopRenew: make(chan struct{}),
		lost:      make(chan struct{}),
	}
}

// generateLockValue generates a unique value for the lock
func generateLockValue() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// TryLock attempts to acquire the lock without blocking. Once held, the lock
// is renewed at half its TTL until Unlock.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to try lock: %w", err)
	}

	if acquired {
		go l.renewLock()
		return true, nil
	}

	return false, nil
}

// Holder returns the current value of the lock key, or "" when free.
func (l *DistributedLock) Holder(ctx context.Context) (string, error) {
	value, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return value, err
}

// Unlock releases the lock
func (l *DistributedLock) Unlock(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stopRenew) })

	result, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	if result == 0 {
		return ErrNotHeld
	}
	return nil
}

// Lost is closed when a renewal finds the lock taken over or expired.
func (l *DistributedLock) Lost() <-chan struct{} {
	return l.lost
}

// renewLock runs detached from the acquiring context, which usually ends long
// before the lock is released.
func (l *DistributedLock) renewLock() {
	ticker := time.NewTicker(l.ttl / 2) // Renew at half TTL
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			renewed, err := l.client.Eval(ctx, renewScript, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				// transient, try again on the next tick
				continue
			}
			if renewed == 0 {
				close(l.lost)
				return
			}
		case <-l.stopRenew:
			return
		}
	}
}

// LockManager manages distributed locks
type LockManager struct {
	client *redis.Client
	prefix string
	owner  string
}

// NewLockManager creates a new lock manager. owner identifies this instance
// in lock values.
func NewLockManager(client *redis.Client, prefix, owner string) *LockManager {
	return &LockManager{
		client: client,
		prefix: prefix,
		owner:  owner,
	}
}

// NewLock returns an unacquired lock for key.
func (lm *LockManager) NewLock(key string, ttl time.Duration) *DistributedLock {
	return NewDistributedLock(lm.client, lm.prefix+key, lm.owner, ttl)
}
