package distributed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	dlock "camrelay/pkg/distributed"

	"go.uber.org/zap"
)

// CameraLease grants cluster wide camera ownership through redis locks, so
// two relay instances never open the same camera at once.
type CameraLease struct {
	locks  *dlock.LockManager
	ttl    time.Duration
	logger *zap.SugaredLogger
}

var _ ports.CameraLease = (*CameraLease)(nil)

func NewCameraLease(locks *dlock.LockManager, ttl time.Duration, logger *zap.SugaredLogger) *CameraLease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CameraLease{locks: locks, ttl: ttl, logger: logger}
}

func (l *CameraLease) Acquire(ctx context.Context, id domain.CameraID) (func(), error) {
	lock := l.locks.NewLock(string(id), l.ttl)
	acquired, err := lock.TryLock(ctx)
	if err != nil {
		return nil, err
	}
	if !acquired {
		holder, _ := lock.Holder(ctx)
		if i := strings.LastIndex(holder, ":"); i > 0 {
			holder = holder[:i]
		}
		return nil, fmt.Errorf("camera %s is owned by instance %q", id, holder)
	}

	go func() {
		select {
		case <-lock.Lost():
			l.logger.Warnw("Camera lease lost", "camera_id", id)
		case <-ctx.Done():
		}
	}()

	l.logger.Debugw("Camera lease acquired", "camera_id", id, "ttl", l.ttl)
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lock.Unlock(releaseCtx); err != nil {
			l.logger.Warnw("Failed to release camera lease", "camera_id", id, "error", err)
		}
	}, nil
}
