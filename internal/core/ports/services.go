package ports

import (
	"context"
	"time"

	"camrelay/internal/core/domain"
)

// CameraSource owns one video input. Connect and ReadFrame are only ever
// called from the owning session; Release may be called from any goroutine
// and more than once.
type CameraSource interface {
	Connect(ctx context.Context, params domain.ConnectionParams) error
	ReadFrame(ctx context.Context) (domain.Frame, error)
	Release() error
}

// SourceFactory builds a fresh CameraSource for every connection attempt.
type SourceFactory interface {
	NewSource(params domain.ConnectionParams) (CameraSource, error)
}

type SourceFactoryFunc func(params domain.ConnectionParams) (CameraSource, error)

func (f SourceFactoryFunc) NewSource(params domain.ConnectionParams) (CameraSource, error) {
	return f(params)
}

// FrameProcessor transforms one frame. Implementations must honour ctx,
// which carries the per-frame budget.
type FrameProcessor interface {
	Process(ctx context.Context, frame domain.Frame) (domain.Frame, error)
}

type ProcessorFunc func(ctx context.Context, frame domain.Frame) (domain.Frame, error)

func (f ProcessorFunc) Process(ctx context.Context, frame domain.Frame) (domain.Frame, error) {
	return f(ctx, frame)
}

// DeliverySink is where processed frames go. Accept returns an error wrapping
// domain.ErrDeliveryClosed once the viewer is gone.
type DeliverySink interface {
	Accept(ctx context.Context, frame domain.Frame) error
	Close() error
}

// StateNotifier is implemented by sinks backed by a transport that reports
// connectivity changes.
type StateNotifier interface {
	OnStateChange(fn func(domain.TransportState))
}

// SinkFactory is invoked once, by the caller whose request creates the session.
type SinkFactory func() (DeliverySink, error)

// DeviceResolver turns a camera identity into connection parameters.
type DeviceResolver interface {
	Resolve(ctx context.Context, id domain.CameraID) (domain.ConnectionParams, error)
}

// CameraLease grants cluster-wide ownership of a camera.
type CameraLease interface {
	Acquire(ctx context.Context, id domain.CameraID) (release func(), err error)
}

// RTSPProber checks that a network camera answers and reports what it streams.
type RTSPProber interface {
	Probe(ctx context.Context, params domain.ConnectionParams) (ProbeResult, error)
}

type ProbeResult struct {
	Codec  string `json:"codec"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Tracks int    `json:"tracks"`
}

// SessionObserver receives lifecycle and frame accounting events.
type SessionObserver interface {
	StateChanged(change domain.StateChange)
	FrameDelivered(id domain.CameraID)
	FrameDropped(id domain.CameraID, reason string)
	FrameProcessed(id domain.CameraID, elapsed time.Duration)
	ConnectAttempt(id domain.CameraID, kind domain.ErrorKind)
	ReleaseTimedOut(id domain.CameraID)
}
