package monitoring

import (
	"context"
	"sync"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex
}

type HealthCheck struct {
	Name    string
	Check   func(ctx context.Context) error
	Timeout time.Duration
	// Critical checks make the service not ready when they fail.
	Critical bool
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks: make([]HealthCheck, 0),
	}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error, timeout time.Duration, critical bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	h.checks = append(h.checks, HealthCheck{
		Name:     name,
		Check:    check,
		Timeout:  timeout,
		Critical: critical,
	})
}

// CheckAll runs every check concurrently. The status is unhealthy when a
// critical check fails; other failures are only reported.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(checks)),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, check := range checks {
		wg.Add(1)
		go func(check HealthCheck) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
			defer cancel()
			err := check.Check(checkCtx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				status.Checks[check.Name] = err.Error()
				if check.Critical {
					status.Status = StatusUnhealthy
				}
				return
			}
			status.Checks[check.Name] = StatusHealthy
		}(check)
	}
	wg.Wait()

	return status
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}
