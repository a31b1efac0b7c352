package services

import (
	"context"
	"fmt"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/tracing"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// StreamService is the control surface callers use to run camera sessions.
type StreamService interface {
	Start(ctx context.Context, id domain.CameraID, kind domain.SinkKind, sinkFactory ports.SinkFactory) (*SessionHandle, error)
	// Busy reports whether id already has a live session.
	Busy(id domain.CameraID) bool
	Stop(ctx context.Context, id domain.CameraID) error
	Status(id domain.CameraID) (domain.SessionStatus, error)
	List() []domain.SessionStatus
	Subscribe(id domain.CameraID) (<-chan domain.StateChange, func(), error)
}

// CaptureDefaults fill in resolution and frame rate the device record
// leaves unset.
type CaptureDefaults struct {
	Width     int
	Height    int
	FrameRate float64
}

type streamService struct {
	resolver ports.DeviceResolver
	registry *SessionRegistry
	defaults CaptureDefaults
	logger   *zap.SugaredLogger
}

func NewStreamService(
	resolver ports.DeviceResolver,
	registry *SessionRegistry,
	defaults CaptureDefaults,
	logger *zap.SugaredLogger,
) StreamService {
	return &streamService{
		resolver: resolver,
		registry: registry,
		defaults: defaults,
		logger:   logger,
	}
}

func (s *streamService) Start(ctx context.Context, id domain.CameraID, kind domain.SinkKind, sinkFactory ports.SinkFactory) (*SessionHandle, error) {
	ctx, span := tracing.StartSpan(ctx, "stream.start")
	defer span.End()
	span.SetAttributes(tracing.CameraIDKey.String(string(id)), tracing.SinkKey.String(string(kind)))

	params, err := s.resolver.Resolve(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		return nil, fmt.Errorf("resolve camera %s: %w", id, err)
	}
	if !params.Protocol.Streamable() {
		return nil, fmt.Errorf("%w: protocol %s cannot be streamed", domain.ErrInvalidParams, params.Protocol)
	}
	params = s.withDefaults(params)

	handle, err := s.registry.GetOrCreate(id, params, kind, sinkFactory)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !handle.Created() {
		// sessions are per viewer
		handle.Release()
		return nil, domain.ErrCameraBusy
	}

	s.logger.Infow("Stream started",
		"camera_id", id,
		"session_id", handle.Session().ID(),
		"sink", kind,
		"params", params.String(),
	)
	return handle, nil
}

func (s *streamService) Busy(id domain.CameraID) bool {
	_, ok := s.registry.Lookup(id)
	return ok
}

func (s *streamService) Stop(ctx context.Context, id domain.CameraID) error {
	if err := s.registry.Stop(ctx, id); err != nil {
		return err
	}
	s.logger.Infow("Stream stopped", "camera_id", id)
	return nil
}

func (s *streamService) Status(id domain.CameraID) (domain.SessionStatus, error) {
	return s.registry.Status(id)
}

func (s *streamService) List() []domain.SessionStatus {
	return s.registry.List()
}

func (s *streamService) Subscribe(id domain.CameraID) (<-chan domain.StateChange, func(), error) {
	session, ok := s.registry.Lookup(id)
	if !ok {
		return nil, nil, domain.ErrSessionNotFound
	}
	events, cancel := session.Subscribe()
	return events, cancel, nil
}

func (s *streamService) withDefaults(params domain.ConnectionParams) domain.ConnectionParams {
	if params.Width == 0 || params.Height == 0 {
		params.Width = s.defaults.Width
		params.Height = s.defaults.Height
	}
	if params.FrameRate == 0 {
		params.FrameRate = s.defaults.FrameRate
	}
	return params
}
