package memory

import (
	"context"
	"sort"
	"sync"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
)

type MemoryDeviceRepository struct {
	devices map[domain.CameraID]*domain.Device
	mu      sync.RWMutex
}

func NewMemoryDeviceRepository() ports.DeviceRepository {
	return &MemoryDeviceRepository{
		devices: make(map[domain.CameraID]*domain.Device),
	}
}

func (r *MemoryDeviceRepository) Create(ctx context.Context, device *domain.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[device.ID]; exists {
		return domain.ErrDeviceExists
	}

	stored := *device
	r.devices[device.ID] = &stored
	return nil
}

func (r *MemoryDeviceRepository) GetByID(ctx context.Context, id domain.CameraID) (*domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	device, exists := r.devices[id]
	if !exists {
		return nil, domain.ErrDeviceNotFound
	}

	out := *device
	return &out, nil
}

func (r *MemoryDeviceRepository) List(ctx context.Context) ([]*domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]*domain.Device, 0, len(r.devices))
	for _, device := range r.devices {
		out := *device
		devices = append(devices, &out)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].CreatedAt.Before(devices[j].CreatedAt) ||
			(devices[i].CreatedAt.Equal(devices[j].CreatedAt) && devices[i].ID < devices[j].ID)
	})
	return devices, nil
}

func (r *MemoryDeviceRepository) Delete(ctx context.Context, id domain.CameraID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[id]; !exists {
		return domain.ErrDeviceNotFound
	}

	delete(r.devices, id)
	return nil
}
