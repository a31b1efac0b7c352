package ports

import (
	"context"

	"camrelay/internal/core/domain"
)

type DeviceRepository interface {
	Create(ctx context.Context, device *domain.Device) error
	GetByID(ctx context.Context, id domain.CameraID) (*domain.Device, error)
	List(ctx context.Context) ([]*domain.Device, error)
	Delete(ctx context.Context, id domain.CameraID) error
}

type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id domain.UserID) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	RecordLogin(ctx context.Context, record domain.LoginRecord) error
}
