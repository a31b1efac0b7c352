package gstreamer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"camrelay/internal/core/domain"
	"camrelay/internal/infrastructure/camera"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
	"go.uber.org/zap"
)

type EncoderConfig struct {
	// Bitrate in kbit/s.
	Bitrate     int
	KeyInterval int
}

func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{Bitrate: 1500, KeyInterval: 60}
}

// H264Encoder turns RGB frames into H.264 access units for the transport
// sink. Frames in any other format pass through.
type H264Encoder struct {
	cfg    EncoderConfig
	logger *zap.SugaredLogger

	mu       sync.Mutex
	pipeline *gst.Pipeline
	src      *app.Source
	width    int
	height   int
	out      chan []byte

	keyFrameRequested atomic.Bool
}

func NewH264Encoder(cfg EncoderConfig, logger *zap.SugaredLogger) *H264Encoder {
	if cfg.Bitrate <= 0 {
		cfg.Bitrate = DefaultEncoderConfig().Bitrate
	}
	if cfg.KeyInterval <= 0 {
		cfg.KeyInterval = DefaultEncoderConfig().KeyInterval
	}
	return &H264Encoder{cfg: cfg, logger: logger, out: make(chan []byte, 4)}
}

// RequestKeyFrame makes the next encoded access unit an IDR. The encoder is
// restarted, since a fresh x264enc always opens with one.
func (e *H264Encoder) RequestKeyFrame() {
	e.keyFrameRequested.Store(true)
}

func (e *H264Encoder) Process(ctx context.Context, frame domain.Frame) (domain.Frame, error) {
	if frame.Format != domain.FormatRGB {
		return frame, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	restart := e.keyFrameRequested.Swap(false)
	if e.pipeline == nil || restart || frame.Width != e.width || frame.Height != e.height {
		if err := e.rebuild(frame.Width, frame.Height); err != nil {
			return frame, err
		}
	}

	// a late access unit from a previous over-budget call
	for len(e.out) > 0 {
		<-e.out
	}

	if ret := e.src.PushBuffer(gst.NewBufferFromBytes(frame.Data)); ret != gst.FlowOK {
		e.teardown()
		return frame, fmt.Errorf("encoder rejected frame %d: %v", frame.Seq, ret)
	}

	select {
	case <-ctx.Done():
		return frame, ctx.Err()
	case au := <-e.out:
		out := frame.WithData(domain.FormatH264, frame.Width, frame.Height, au)
		out.KeyFrame = camera.IsKeyFrame(au)
		return out, nil
	}
}

func (e *H264Encoder) rebuild(width, height int) error {
	e.teardown()
	ensureInit()

	launch := fmt.Sprintf(
		"appsrc name=src is-live=true do-timestamp=true format=time ! videoconvert ! "+
			"x264enc tune=zerolatency speed-preset=ultrafast bitrate=%d key-int-max=%d ! "+
			"video/x-h264,stream-format=byte-stream,alignment=au,profile=constrained-baseline ! "+
			"appsink name=au sync=false max-buffers=4",
		e.cfg.Bitrate, e.cfg.KeyInterval,
	)
	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return fmt.Errorf("failed to create encoder pipeline: %w", err)
	}

	srcElem, err := pipeline.GetElementByName("src")
	if err != nil {
		return fmt.Errorf("encoder appsrc not found: %w", err)
	}
	sinkElem, err := pipeline.GetElementByName("au")
	if err != nil {
		return fmt.Errorf("encoder appsink not found: %w", err)
	}

	src := app.SrcFromElement(srcElem)
	src.SetCaps(gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,format=RGB,width=%d,height=%d,framerate=0/1", width, height)))

	out := e.out
	app.SinkFromElement(sinkElem).SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			sample := sink.PullSample()
			if sample == nil {
				return gst.FlowOK
			}
			buffer := sample.GetBuffer()
			if buffer == nil {
				return gst.FlowOK
			}
			mapInfo := buffer.Map(gst.MapRead)
			au := make([]byte, len(mapInfo.Bytes()))
			copy(au, mapInfo.Bytes())
			buffer.Unmap()

			select {
			case out <- au:
			default:
			}
			return gst.FlowOK
		},
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("failed to start encoder: %w", err)
	}

	e.pipeline = pipeline
	e.src = src
	e.width = width
	e.height = height
	e.logger.Debugw("H264 encoder started", "width", width, "height", height, "bitrate", e.cfg.Bitrate)
	return nil
}

func (e *H264Encoder) teardown() {
	if e.pipeline == nil {
		return
	}
	if err := e.pipeline.SetState(gst.StateNull); err != nil {
		e.logger.Warnw("Failed to stop encoder pipeline", "error", err)
	}
	e.pipeline = nil
	e.src = nil
}

func (e *H264Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardown()
	return nil
}
