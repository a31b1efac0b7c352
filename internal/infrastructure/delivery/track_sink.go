package delivery

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"camrelay/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"go.uber.org/zap"
)

const (
	h264ClockRate   = 90000
	h264PayloadType = 96
	rtpMTU          = 1200
)

// Encoder turns raw frames into H.264 access units.
type Encoder interface {
	Process(ctx context.Context, frame domain.Frame) (domain.Frame, error)
	RequestKeyFrame()
}

// RTPWriter is the local track frames are written to.
type RTPWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// TrackSink delivers frames to a real-time transport track. Frames reach the
// viewer only once the transport is connected and a key frame was sent;
// until then Accept reports domain.ErrSinkNotReady.
type TrackSink struct {
	track      RTPWriter
	encoder    Encoder
	packetizer rtp.Packetizer
	closeFn    func() error
	logger     *zap.SugaredLogger

	mu           sync.Mutex
	state        domain.TransportState
	handlers     []func(domain.TransportState)
	closed       bool
	needKeyFrame bool
	started      bool
	basePTS      time.Duration
	lastPTS      time.Duration
	baseTS       uint32
	lastTS       uint32
	packets      uint64
	keyRequests  uint64

	closeOnce sync.Once
	closeErr  error
}

// NewTrackSink builds a sink over track. encoder may be nil when frames
// already arrive as H.264; closeFn tears the transport down.
func NewTrackSink(track RTPWriter, encoder Encoder, closeFn func() error, logger *zap.SugaredLogger) *TrackSink {
	return &TrackSink{
		track:   track,
		encoder: encoder,
		packetizer: rtp.NewPacketizer(
			rtpMTU,
			h264PayloadType,
			rand.Uint32(),
			&codecs.H264Payloader{},
			rtp.NewRandomSequencer(),
			h264ClockRate,
		),
		closeFn:      closeFn,
		logger:       logger,
		state:        domain.TransportNew,
		needKeyFrame: true,
	}
}

func (s *TrackSink) Accept(ctx context.Context, frame domain.Frame) error {
	s.mu.Lock()
	if s.closed || s.state.Ends() {
		s.mu.Unlock()
		return domain.ErrDeliveryClosed
	}
	connected := s.state == domain.TransportConnected
	s.mu.Unlock()

	if !connected {
		return fmt.Errorf("%w: transport %s", domain.ErrSinkNotReady, s.State())
	}

	if frame.Format != domain.FormatH264 {
		if s.encoder == nil {
			return fmt.Errorf("%w: transport needs h264, got %s", domain.ErrDeliveryClosed, frame.Format)
		}
		encoded, err := s.encoder.Process(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: encode: %v", domain.ErrDeliveryClosed, err)
		}
		frame = encoded
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrDeliveryClosed
	}
	if s.needKeyFrame {
		if !frame.KeyFrame {
			s.requestKeyFrameLocked()
			return fmt.Errorf("%w: waiting for a key frame", domain.ErrSinkNotReady)
		}
		s.needKeyFrame = false
	}

	packets := s.packetizer.Packetize(frame.Data, 0)
	if len(packets) == 0 {
		return nil
	}
	ts := s.timestampLocked(frame.PTS, packets[0].Timestamp)
	for _, packet := range packets {
		packet.Timestamp = ts
		if err := s.track.WriteRTP(packet); err != nil {
			if err == io.ErrClosedPipe {
				return fmt.Errorf("%w: track closed", domain.ErrDeliveryClosed)
			}
			return fmt.Errorf("%w: %v", domain.ErrDeliveryClosed, err)
		}
		s.packets++
	}
	return nil
}

// timestampLocked maps the frame PTS onto the RTP clock, anchored at the
// packetizer's random initial timestamp.
func (s *TrackSink) timestampLocked(pts time.Duration, initial uint32) uint32 {
	const fallback = h264ClockRate / 30
	if !s.started {
		s.started = true
		s.baseTS, s.basePTS = initial, pts
		s.lastTS, s.lastPTS = initial, pts
		return initial
	}
	ts := s.baseTS + uint32((pts-s.basePTS)*h264ClockRate/time.Second)
	if pts <= s.lastPTS {
		ts = s.lastTS + fallback
	}
	s.lastTS, s.lastPTS = ts, pts
	return ts
}

// OnStateChange registers fn for transport changes. A handler added after the
// transport ended is called right away.
func (s *TrackSink) OnStateChange(fn func(domain.TransportState)) {
	s.mu.Lock()
	state := s.state
	s.handlers = append(s.handlers, fn)
	s.mu.Unlock()

	if state.Ends() {
		fn(state)
	}
}

// Notify is fed by the peer connection's state callback.
func (s *TrackSink) Notify(state domain.TransportState) {
	s.mu.Lock()
	if s.state == state || s.state.Ends() {
		s.mu.Unlock()
		return
	}
	s.state = state
	if state == domain.TransportConnected {
		s.needKeyFrame = true
		s.requestKeyFrameLocked()
	}
	handlers := append([]func(domain.TransportState){}, s.handlers...)
	s.mu.Unlock()

	s.logger.Infow("Transport state changed", "state", state)
	for _, fn := range handlers {
		fn(state)
	}
}

// HandleRTCP reacts to feedback from the viewer: picture loss and full intra
// requests ask the encoder for a key frame.
func (s *TrackSink) HandleRTCP(packets []rtcp.Packet) {
	for _, packet := range packets {
		switch packet.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			s.mu.Lock()
			s.requestKeyFrameLocked()
			s.mu.Unlock()
		}
	}
}

func (s *TrackSink) requestKeyFrameLocked() {
	s.keyRequests++
	if s.encoder != nil {
		s.encoder.RequestKeyFrame()
	}
}

func (s *TrackSink) State() domain.TransportState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *TrackSink) Stats() (packets, keyFrameRequests uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets, s.keyRequests
}

func (s *TrackSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if closer, ok := s.encoder.(io.Closer); ok {
			closer.Close()
		}
		if s.closeFn != nil {
			s.closeErr = s.closeFn()
		}
	})
	return s.closeErr
}
