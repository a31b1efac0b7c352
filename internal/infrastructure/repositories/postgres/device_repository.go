package postgres

import (
	"context"
	"fmt"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"

	"github.com/jackc/pgx/v5/pgxpool"
)

type DeviceRepository struct {
	pool *pgxpool.Pool
}

var _ ports.DeviceRepository = (*DeviceRepository)(nil)

func NewDeviceRepository(pool *pgxpool.Pool) *DeviceRepository {
	return &DeviceRepository{pool: pool}
}

const deviceColumns = `id, name, protocol, host, port, path, username, password, model, created_at`

func (r *DeviceRepository) Create(ctx context.Context, device *domain.Device) error {
	return tracedExec(ctx, "insert", "devices", func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx, `
INSERT INTO devices (`+deviceColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING
`, device.ID, device.Name, device.Protocol, device.Host, device.Port, device.Path,
			device.Username, device.Password, device.Model, device.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert device: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrDeviceExists
		}
		return nil
	})
}

func (r *DeviceRepository) GetByID(ctx context.Context, id domain.CameraID) (*domain.Device, error) {
	return traced(ctx, "select", "devices", func(ctx context.Context) (*domain.Device, error) {
		row := r.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
		device, err := scanDevice(row)
		if err != nil {
			if isNoRows(err) {
				return nil, domain.ErrDeviceNotFound
			}
			return nil, fmt.Errorf("query device: %w", err)
		}
		return device, nil
	})
}

func (r *DeviceRepository) List(ctx context.Context) ([]*domain.Device, error) {
	return traced(ctx, "select", "devices", func(ctx context.Context) ([]*domain.Device, error) {
		rows, err := r.pool.Query(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY created_at, id`)
		if err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		defer rows.Close()

		devices := make([]*domain.Device, 0)
		for rows.Next() {
			device, err := scanDevice(rows)
			if err != nil {
				return nil, fmt.Errorf("scan device: %w", err)
			}
			devices = append(devices, device)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate devices: %w", err)
		}
		return devices, nil
	})
}

func (r *DeviceRepository) Delete(ctx context.Context, id domain.CameraID) error {
	return tracedExec(ctx, "delete", "devices", func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx, `DELETE FROM devices WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete device: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrDeviceNotFound
		}
		return nil
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (*domain.Device, error) {
	var (
		device   domain.Device
		id       string
		protocol string
	)
	err := row.Scan(&id, &device.Name, &protocol, &device.Host, &device.Port, &device.Path,
		&device.Username, &device.Password, &device.Model, &device.CreatedAt)
	if err != nil {
		return nil, err
	}
	device.ID = domain.CameraID(id)
	device.Protocol = domain.Protocol(protocol)
	return &device, nil
}
