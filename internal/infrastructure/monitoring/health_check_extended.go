package monitoring

import (
	"context"
	"fmt"
	"time"

	"camrelay/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration, critical bool) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout, critical)
}

// AddStorageCheck adds a check of the device and user store.
func (h *HealthChecker) AddStorageCheck(backend string, ping func(ctx context.Context) error, timeout time.Duration) {
	h.AddCheck("storage:"+backend, ping, timeout, true)
}

// AddBreakerCheck reports an open circuit breaker as a failure.
func (h *HealthChecker) AddBreakerCheck(name string, state func() circuitbreaker.State) {
	h.AddCheck(name, func(context.Context) error {
		if s := state(); s == circuitbreaker.StateOpen {
			return fmt.Errorf("circuit breaker %s", s)
		}
		return nil
	}, time.Second, false)
}

// AddCapacityCheck fails once active reaches max. A max of zero never fails.
func (h *HealthChecker) AddCapacityCheck(active func() int, max int) {
	h.AddCheck("sessions", func(context.Context) error {
		if n := active(); max > 0 && n >= max {
			return fmt.Errorf("%d of %d sessions in use", n, max)
		}
		return nil
	}, time.Second, false)
}
