package reliability

import (
	"context"
	"errors"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/cache"
	"camrelay/pkg/circuitbreaker"
	"camrelay/pkg/retry"

	"go.uber.org/zap"
)

// DeviceResolver implements ports.DeviceResolver on top of the device store.
// Store calls are retried and guarded by a circuit breaker; resolved records
// are cached for a short while.
type DeviceResolver struct {
	repo    ports.DeviceRepository
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker
	cache   *cache.Cache[domain.CameraID, domain.ConnectionParams]
	logger  *zap.SugaredLogger
}

var _ ports.DeviceResolver = (*DeviceResolver)(nil)

// NewDeviceResolver builds a resolver. A cacheTTL of zero disables caching.
func NewDeviceResolver(
	repo ports.DeviceRepository,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	cacheTTL time.Duration,
	logger *zap.SugaredLogger,
) *DeviceResolver {
	// a missing device says nothing about the store's health
	cbConfig.IsFailure = isStoreFailure

	r := &DeviceResolver{
		repo:    repo,
		retry:   retryConfig,
		breaker: circuitbreaker.New(cbConfig),
		logger:  logger,
	}
	if cacheTTL > 0 {
		r.cache = cache.New[domain.CameraID, domain.ConnectionParams](cacheTTL)
	}

	r.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("device store circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return r
}

func isStoreFailure(err error) bool {
	return !errors.Is(err, domain.ErrDeviceNotFound) && !errors.Is(err, context.Canceled)
}

// Resolve maps local:<n> identities straight to capture parameters and looks
// everything else up in the device store.
func (r *DeviceResolver) Resolve(ctx context.Context, id domain.CameraID) (domain.ConnectionParams, error) {
	if index, ok := id.LocalIndex(); ok {
		return domain.ConnectionParams{Protocol: domain.ProtocolLocal, LocalIndex: index}, nil
	}
	if id == "" {
		return domain.ConnectionParams{}, domain.ErrDeviceNotFound
	}

	if r.cache == nil {
		return r.load(ctx, id)
	}
	return r.cache.GetOrLoad(ctx, id, func(ctx context.Context) (domain.ConnectionParams, error) {
		return r.load(ctx, id)
	})
}

func (r *DeviceResolver) load(ctx context.Context, id domain.CameraID) (domain.ConnectionParams, error) {
	device, err := circuitbreaker.Do(ctx, r.breaker, func() (*domain.Device, error) {
		return retry.RetryWithResult(ctx, r.retry, func() (*domain.Device, error) {
			return r.repo.GetByID(ctx, id)
		},
			retry.WithRetryIf(isStoreFailure),
			retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
				r.logger.Warnw("device lookup failed, retrying",
					"camera_id", id,
					"attempt", attempt,
					"delay", delay,
					"error", err,
				)
			}),
		)
	})
	if err != nil {
		return domain.ConnectionParams{}, err
	}
	// resolution and frame rate come from capture defaults
	return device.Params(0, 0, 0), nil
}

// Invalidate drops the cached parameters of id.
func (r *DeviceResolver) Invalidate(id domain.CameraID) {
	if r.cache != nil {
		r.cache.Delete(id)
	}
}

// BreakerState reports the store circuit breaker, for health checks.
func (r *DeviceResolver) BreakerState() circuitbreaker.State {
	return r.breaker.GetState()
}

func (r *DeviceResolver) Close() {
	if r.cache != nil {
		r.cache.Stop()
	}
}
