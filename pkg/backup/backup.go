package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

const (
	namePrefix = "backup-"
	nameSuffix = ".json"
	timeLayout = "20060102-150405.000"
)

// BackupData represents backup data structure
type BackupData struct {
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Devices   json.RawMessage        `json:"devices,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Storage defines interface for backup storage
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// BackupService handles backup operations
type BackupService struct {
	storage Storage
	version string
	now     func() time.Time
}

// NewBackupService creates a new backup service
func NewBackupService(storage Storage, version string) *BackupService {
	return &BackupService{
		storage: storage,
		version: version,
		now:     time.Now,
	}
}

// CreateBackup stamps data and writes it under a name that sorts by time.
func (bs *BackupService) CreateBackup(ctx context.Context, data *BackupData) (string, error) {
	data.Version = bs.version
	data.Timestamp = bs.now().UTC()

	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal backup data: %w", err)
	}

	backupName := namePrefix + data.Timestamp.Format(timeLayout) + nameSuffix
	if err := bs.storage.Save(ctx, backupName, bytes.NewReader(jsonData)); err != nil {
		return "", fmt.Errorf("failed to save backup: %w", err)
	}
	return backupName, nil
}

// RestoreBackup loads a backup. The name "latest" picks the newest one.
func (bs *BackupService) RestoreBackup(ctx context.Context, name string) (*BackupData, error) {
	if name == "latest" {
		names, err := bs.ListBackups(ctx)
		if err != nil {
			return nil, err
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("no backups found")
		}
		name = names[len(names)-1]
	}

	reader, err := bs.storage.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load backup: %w", err)
	}
	defer reader.Close()

	var backupData BackupData
	if err := json.NewDecoder(reader).Decode(&backupData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backup data: %w", err)
	}
	return &backupData, nil
}

// ListBackups lists all available backups, oldest first
func (bs *BackupService) ListBackups(ctx context.Context) ([]string, error) {
	names, err := bs.storage.List(ctx, namePrefix)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// DeleteBackup deletes a backup
func (bs *BackupService) DeleteBackup(ctx context.Context, name string) error {
	return bs.storage.Delete(ctx, name)
}

// Prune deletes backups older than maxAge, always keeping the newest keep.
// It returns the deleted names.
func (bs *BackupService) Prune(ctx context.Context, maxAge time.Duration, keep int) ([]string, error) {
	names, err := bs.ListBackups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	if keep < 0 {
		keep = 0
	}
	if len(names) <= keep {
		return nil, nil
	}

	cutoff := bs.now().Add(-maxAge)
	var deleted []string
	for _, name := range names[:len(names)-keep] {
		ts, ok := parseName(name)
		if !ok || !ts.Before(cutoff) {
			continue
		}
		if err := bs.storage.Delete(ctx, name); err != nil {
			return deleted, fmt.Errorf("failed to delete %s: %w", name, err)
		}
		deleted = append(deleted, name)
	}
	return deleted, nil
}

func parseName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, namePrefix) || !strings.HasSuffix(name, nameSuffix) {
		return time.Time{}, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, namePrefix), nameSuffix)
	ts, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
