// Package gstreamer implements camera sources and the H.264 encoder on top of
// in-process GStreamer pipelines.
package gstreamer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/infrastructure/camera"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
	"go.uber.org/zap"
)

var (
	initOnce sync.Once

	errReleased = errors.New("source released")
)

func ensureInit() {
	initOnce.Do(func() { gst.Init(nil) })
}

const busPollInterval = 50 * time.Millisecond

// Source reads RGB frames from an RTSP camera or a local capture device.
type Source struct {
	latency int
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	spec     camera.PipelineSpec
	pipeline *gst.Pipeline
	started  time.Time

	frames     chan domain.Frame
	errs       chan error
	firstFrame chan struct{}
	firstOnce  sync.Once
	stop       chan struct{}
	wg         sync.WaitGroup

	seq          atomic.Uint64
	dropped      atomic.Uint64
	releaseOnce  sync.Once
	releaseError error
}

func newSource(latency int, logger *zap.SugaredLogger) *Source {
	return &Source{
		latency:    latency,
		logger:     logger,
		frames:     make(chan domain.Frame, 1),
		errs:       make(chan error, 1),
		firstFrame: make(chan struct{}),
		stop:       make(chan struct{}),
	}
}

// Connect builds and starts the pipeline, then waits for the first decoded
// frame or the first bus error, whichever comes first.
func (s *Source) Connect(ctx context.Context, params domain.ConnectionParams) error {
	ensureInit()

	spec := camera.NewPipelineSpec(params)
	if s.latency > 0 {
		spec.Latency = s.latency
	}
	launch, err := spec.LaunchString()
	if err != nil {
		return domain.NewConnectError(domain.KindUnsupported, err)
	}

	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return camera.NewConnectError(fmt.Errorf("failed to create pipeline: %w", err), "")
	}

	elem, err := pipeline.GetElementByName(spec.SinkName)
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return domain.NewConnectError(domain.KindUnsupported, fmt.Errorf("appsink %q not found: %w", spec.SinkName, err))
	}
	sink := app.SinkFromElement(elem)
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onSample,
	})

	s.mu.Lock()
	select {
	case <-s.stop:
		s.mu.Unlock()
		pipeline.SetState(gst.StateNull)
		return domain.NewConnectError(domain.KindUnreachable, errReleased)
	default:
	}
	s.spec = spec
	s.pipeline = pipeline
	s.started = time.Now()
	s.mu.Unlock()

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return camera.NewConnectError(fmt.Errorf("failed to start pipeline: %w", err), "")
	}

	if err := s.awaitFirstFrame(ctx, pipeline); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.monitorBus(pipeline)

	s.logger.Infow("Camera pipeline playing", "source", params.String())
	return nil
}

func (s *Source) awaitFirstFrame(ctx context.Context, pipeline *gst.Pipeline) error {
	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return domain.NewConnectError(domain.KindTimeout, ctx.Err())
		case <-s.stop:
			return domain.NewConnectError(domain.KindUnreachable, errReleased)
		case <-s.firstFrame:
			return nil
		default:
		}

		msg := bus.TimedPop(busPollInterval)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			return camera.NewConnectError(errors.New(gerr.Error()), gerr.DebugString())
		case gst.MessageEOS:
			return domain.NewConnectError(domain.KindUnreachable, errors.New("end of stream before first frame"))
		}
	}
}

// monitorBus turns pipeline errors into read errors for the reader.
func (s *Source) monitorBus(pipeline *gst.Pipeline) {
	defer s.wg.Done()

	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		msg := bus.TimedPop(busPollInterval)
		if msg == nil {
			continue
		}

		var readErr error
		switch msg.Type() {
		case gst.MessageEOS:
			readErr = domain.NewReadError(domain.KindEndOfStream, errors.New("end of stream"))
		case gst.MessageError:
			gerr := msg.ParseError()
			kind := domain.KindNotConnected
			if camera.ClassifyConnectError(gerr.Error()+" "+gerr.DebugString()) == domain.KindUnsupported {
				kind = domain.KindDecodeError
			}
			s.logger.Warnw("Camera pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"kind", kind,
				"frames", s.seq.Load(),
				"uptime", time.Since(s.started),
			)
			readErr = domain.NewReadError(kind, errors.New(gerr.Error()))
		default:
			continue
		}

		select {
		case s.errs <- readErr:
		default:
		}
		return
	}
}

// onSample runs on the GStreamer streaming thread.
func (s *Source) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	// GStreamer reuses the buffer
	pixels := make([]byte, len(data))
	copy(pixels, data)
	buffer.Unmap()

	s.mu.Lock()
	params := s.spec.Params
	started := s.started
	s.mu.Unlock()

	now := time.Now()
	frame := domain.Frame{
		Seq:        s.seq.Add(1),
		PTS:        now.Sub(started),
		CapturedAt: now,
		Width:      params.Width,
		Height:     params.Height,
		Format:     domain.FormatRGB,
		Data:       pixels,
		TraceID:    uuid.New().String(),
	}

	for {
		select {
		case s.frames <- frame:
			s.firstOnce.Do(func() { close(s.firstFrame) })
			return gst.FlowOK
		default:
		}
		select {
		case <-s.frames:
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *Source) ReadFrame(ctx context.Context) (domain.Frame, error) {
	select {
	case frame := <-s.frames:
		return frame, nil
	default:
	}

	select {
	case <-ctx.Done():
		return domain.Frame{}, domain.NewReadError(domain.KindNotConnected, ctx.Err())
	case <-s.stop:
		return domain.Frame{}, domain.NewReadError(domain.KindNotConnected, errReleased)
	case frame := <-s.frames:
		return frame, nil
	case err := <-s.errs:
		return domain.Frame{}, err
	}
}

// Release stops the pipeline. It is safe to call more than once and from any
// goroutine.
func (s *Source) Release() error {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		close(s.stop)
		pipeline := s.pipeline
		s.mu.Unlock()

		if pipeline != nil {
			if err := pipeline.SetState(gst.StateNull); err != nil {
				s.releaseError = fmt.Errorf("failed to set pipeline to NULL: %w", err)
			}
		}
		s.wg.Wait()

		if dropped := s.dropped.Load(); dropped > 0 {
			s.logger.Debugw("Camera pipeline released", "frames", s.seq.Load(), "dropped", dropped)
		}
	})
	return s.releaseError
}
