package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/backup"

	"go.uber.org/zap"
)

// RestoreResult counts what a restore did.
type RestoreResult struct {
	Restored int
	Skipped  int
}

// RestoreService handles restore operations
type RestoreService struct {
	backupService *backup.BackupService
	devices       ports.DeviceRepository
	logger        *zap.SugaredLogger
}

// NewRestoreService creates a new restore service
func NewRestoreService(backupService *backup.BackupService, devices ports.DeviceRepository, logger *zap.SugaredLogger) *RestoreService {
	return &RestoreService{
		backupService: backupService,
		devices:       devices,
		logger:        logger,
	}
}

// Restore creates every device from the named backup ("latest" for the
// newest). Devices that already exist are left untouched.
func (r *RestoreService) Restore(ctx context.Context, name string) (RestoreResult, error) {
	var result RestoreResult

	data, err := r.backupService.RestoreBackup(ctx, name)
	if err != nil {
		return result, err
	}

	var devices []*domain.Device
	if len(data.Devices) > 0 {
		if err := json.Unmarshal(data.Devices, &devices); err != nil {
			return result, fmt.Errorf("failed to decode devices: %w", err)
		}
	}

	for _, device := range devices {
		if device == nil || device.ID == "" {
			continue
		}
		err := r.devices.Create(ctx, device)
		switch {
		case err == nil:
			result.Restored++
		case errors.Is(err, domain.ErrDeviceExists):
			result.Skipped++
		default:
			return result, fmt.Errorf("failed to restore device %s: %w", device.ID, err)
		}
	}

	r.logger.Infow("Devices restored",
		"backup_version", data.Version,
		"backup_time", data.Timestamp,
		"restored", result.Restored,
		"skipped", result.Skipped,
	)
	return result, nil
}
