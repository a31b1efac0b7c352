// Package backup snapshots the device registry on a schedule and restores
// it into an empty store.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"camrelay/internal/core/ports"
	"camrelay/pkg/backup"

	"go.uber.org/zap"
)

// Scheduler manages automatic backups
type Scheduler struct {
	backupService *backup.BackupService
	devices       ports.DeviceRepository
	interval      time.Duration
	retention     time.Duration
	keep          int
	logger        *zap.SugaredLogger
}

// Config contains scheduler configuration
type Config struct {
	Interval  time.Duration
	Retention time.Duration
	// Keep is the number of newest backups never pruned.
	Keep int
}

// NewScheduler creates a new backup scheduler
func NewScheduler(
	backupService *backup.BackupService,
	devices ports.DeviceRepository,
	cfg Config,
	logger *zap.SugaredLogger,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	return &Scheduler{
		backupService: backupService,
		devices:       devices,
		interval:      cfg.Interval,
		retention:     cfg.Retention,
		keep:          cfg.Keep,
		logger:        logger,
	}
}

// Run backs up once immediately, then every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runBackup(ctx)
	for {
		select {
		case <-ticker.C:
			s.runBackup(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Scheduler) runBackup(ctx context.Context) {
	name, count, err := s.Backup(ctx)
	if err != nil {
		s.logger.Errorw("Device backup failed", "error", err)
		return
	}
	s.logger.Infow("Device backup created", "backup_name", name, "devices", count)

	if s.retention <= 0 {
		return
	}
	deleted, err := s.backupService.Prune(ctx, s.retention, s.keep)
	if err != nil {
		s.logger.Warnw("Failed to prune old backups", "error", err)
	}
	for _, name := range deleted {
		s.logger.Debugw("Deleted old backup", "backup_name", name)
	}
}

// Backup writes one snapshot of the device registry.
func (s *Scheduler) Backup(ctx context.Context) (string, int, error) {
	devices, err := s.devices.List(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("failed to list devices: %w", err)
	}
	payload, err := json.Marshal(devices)
	if err != nil {
		return "", 0, fmt.Errorf("failed to marshal devices: %w", err)
	}

	name, err := s.backupService.CreateBackup(ctx, &backup.BackupData{
		Devices: payload,
		Metadata: map[string]interface{}{
			"device_count": len(devices),
			"backup_type":  "scheduled",
		},
	})
	if err != nil {
		return "", 0, err
	}
	return name, len(devices), nil
}
