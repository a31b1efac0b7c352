package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	devicePrefix   = keyPrefix + "device:"
	deviceIndexKey = keyPrefix + "devices"
)

type RedisDeviceRepository struct {
	client *redis.Client
}

func NewRedisDeviceRepository(client *redis.Client) ports.DeviceRepository {
	return &RedisDeviceRepository{client: client}
}

func deviceKey(id domain.CameraID) string {
	return devicePrefix + string(id)
}

func (r *RedisDeviceRepository) Create(ctx context.Context, device *domain.Device) error {
	data, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("failed to marshal device: %w", err)
	}

	created, err := r.client.SetNX(ctx, deviceKey(device.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to set device in Redis: %w", err)
	}
	if !created {
		return domain.ErrDeviceExists
	}

	if err := r.client.SAdd(ctx, deviceIndexKey, string(device.ID)).Err(); err != nil {
		return fmt.Errorf("failed to add device to index: %w", err)
	}
	return nil
}

func (r *RedisDeviceRepository) GetByID(ctx context.Context, id domain.CameraID) (*domain.Device, error) {
	data, err := r.client.Get(ctx, deviceKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device from Redis: %w", err)
	}

	var device domain.Device
	if err := json.Unmarshal(data, &device); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device: %w", err)
	}
	return &device, nil
}

func (r *RedisDeviceRepository) List(ctx context.Context) ([]*domain.Device, error) {
	ids, err := r.client.SMembers(ctx, deviceIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	if len(ids) == 0 {
		return []*domain.Device{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = deviceKey(domain.CameraID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load devices: %w", err)
	}

	devices := make([]*domain.Device, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			// index entry without a document
			continue
		}
		var device domain.Device
		if err := json.Unmarshal([]byte(raw), &device); err != nil {
			continue
		}
		devices = append(devices, &device)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].CreatedAt.Before(devices[j].CreatedAt)
	})
	return devices, nil
}

func (r *RedisDeviceRepository) Delete(ctx context.Context, id domain.CameraID) error {
	removed, err := r.client.Del(ctx, deviceKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete device from Redis: %w", err)
	}
	if err := r.client.SRem(ctx, deviceIndexKey, string(id)).Err(); err != nil {
		return fmt.Errorf("failed to remove device from index: %w", err)
	}
	if removed == 0 {
		return domain.ErrDeviceNotFound
	}
	return nil
}
