package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/validation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type DeviceService interface {
	Create(ctx context.Context, req CreateDeviceRequest) (*domain.Device, error)
	Get(ctx context.Context, id domain.CameraID) (*domain.Device, error)
	List(ctx context.Context) ([]*domain.Device, error)
	Delete(ctx context.Context, id domain.CameraID) error
	Probe(ctx context.Context, id domain.CameraID) (ports.ProbeResult, error)
}

type CreateDeviceRequest struct {
	Name           string          `json:"name"`
	Protocol       domain.Protocol `json:"protocol"`
	Host           string          `json:"ip"`
	Port           int             `json:"port"`
	Path           string          `json:"path"`
	Username       string          `json:"username"`
	Password       string          `json:"password"`
	TestConnection bool            `json:"test_connection"`
}

type deviceService struct {
	repo     ports.DeviceRepository
	prober   ports.RTSPProber
	onChange func(id domain.CameraID)
	logger   *zap.SugaredLogger
}

// NewDeviceService wires device storage. prober may be nil, in which case
// connection tests are skipped. onChange, if set, is called after a device
// is removed so cached lookups can be dropped.
func NewDeviceService(
	repo ports.DeviceRepository,
	prober ports.RTSPProber,
	onChange func(id domain.CameraID),
	logger *zap.SugaredLogger,
) DeviceService {
	return &deviceService{
		repo:     repo,
		prober:   prober,
		onChange: onChange,
		logger:   logger,
	}
}

func (s *deviceService) Create(ctx context.Context, req CreateDeviceRequest) (*domain.Device, error) {
	device := &domain.Device{
		ID:        domain.CameraID(uuid.New().String()),
		Name:      strings.TrimSpace(req.Name),
		Protocol:  domain.Protocol(strings.ToUpper(string(req.Protocol))),
		Host:      strings.TrimSpace(req.Host),
		Port:      req.Port,
		Path:      req.Path,
		Username:  req.Username,
		Password:  req.Password,
		CreatedAt: time.Now(),
	}
	if err := validation.ValidateDevice(device.Name, string(device.Protocol), device.Host, device.Port); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidParams, err)
	}

	if req.TestConnection && device.Protocol == domain.ProtocolRTSP && s.prober != nil {
		result, err := s.prober.Probe(ctx, device.Params(0, 0, 0))
		if err != nil {
			return nil, err
		}
		device.Model = describeProbe(result)
	}

	if err := s.repo.Create(ctx, device); err != nil {
		return nil, err
	}

	s.logger.Infow("Device added",
		"camera_id", device.ID,
		"name", device.Name,
		"protocol", device.Protocol,
		"model", device.Model,
	)
	return device, nil
}

func (s *deviceService) Get(ctx context.Context, id domain.CameraID) (*domain.Device, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *deviceService) List(ctx context.Context) ([]*domain.Device, error) {
	return s.repo.List(ctx)
}

func (s *deviceService) Delete(ctx context.Context, id domain.CameraID) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	if s.onChange != nil {
		s.onChange(id)
	}
	s.logger.Infow("Device removed", "camera_id", id)
	return nil
}

func (s *deviceService) Probe(ctx context.Context, id domain.CameraID) (ports.ProbeResult, error) {
	if s.prober == nil {
		return ports.ProbeResult{}, fmt.Errorf("%w: probing disabled", domain.ErrInvalidParams)
	}
	device, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return ports.ProbeResult{}, err
	}
	if device.Protocol != domain.ProtocolRTSP {
		return ports.ProbeResult{}, domain.NewConnectError(domain.KindUnsupported,
			fmt.Errorf("cannot probe %s devices", device.Protocol))
	}
	return s.prober.Probe(ctx, device.Params(0, 0, 0))
}

func describeProbe(r ports.ProbeResult) string {
	if r.Width > 0 && r.Height > 0 {
		return fmt.Sprintf("%s %dx%d", r.Codec, r.Width, r.Height)
	}
	return r.Codec
}
