package webrtc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/infrastructure/delivery"
	"camrelay/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Config WebRTC configuration
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	GatherTimeout time.Duration
}

// EncoderFactory builds the per-viewer H.264 encoder. It may return nil when
// frames are already encoded upstream.
type EncoderFactory func() delivery.Encoder

// PeerFactory answers viewer offers with a send-only H.264 video track.
type PeerFactory struct {
	config     Config
	newEncoder EncoderFactory
	logger     *zap.SugaredLogger
}

func NewPeerFactory(config Config, newEncoder EncoderFactory, logger *zap.SugaredLogger) *PeerFactory {
	if config.GatherTimeout <= 0 {
		config.GatherTimeout = 5 * time.Second
	}
	return &PeerFactory{config: config, newEncoder: newEncoder, logger: logger}
}

// Answer applies the viewer's offer and returns the local answer together
// with the sink that feeds the connection. The peer connection is closed by
// the sink, or right away if answering fails.
func (f *PeerFactory) Answer(ctx context.Context, cameraID domain.CameraID, offer webrtc.SessionDescription) (webrtc.SessionDescription, *delivery.TrackSink, error) {
	ctx, span := tracing.TraceWebRTC(ctx, "answer", string(cameraID))
	defer span.End()

	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, nil, fmt.Errorf("%w: expected an offer, got %s", domain.ErrInvalidParams, offer.Type)
	}

	pc, err := f.createPeerConnection()
	if err != nil {
		span.RecordError(err)
		return webrtc.SessionDescription{}, nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	answer, sink, err := f.negotiate(ctx, pc, cameraID, offer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		pc.Close()
		return webrtc.SessionDescription{}, nil, err
	}
	return answer, sink, nil
}

func (f *PeerFactory) negotiate(ctx context.Context, pc *webrtc.PeerConnection, cameraID domain.CameraID, offer webrtc.SessionDescription) (webrtc.SessionDescription, *delivery.TrackSink, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		"video",
		"camrelay-"+string(cameraID),
	)
	if err != nil {
		return webrtc.SessionDescription{}, nil, err
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		return webrtc.SessionDescription{}, nil, fmt.Errorf("failed to add track: %w", err)
	}

	var encoder delivery.Encoder
	if f.newEncoder != nil {
		encoder = f.newEncoder()
	}
	logger := f.logger.With("camera_id", cameraID)
	sink := delivery.NewTrackSink(track, encoder, pc.Close, logger)

	go f.processRTCP(sender, sink, logger)

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Debugw("peer ICE connection state changed", "ice_state", state)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Infow("peer connection state changed", "connection_state", state)
		sink.Notify(TransportState(state))
		if state == webrtc.PeerConnectionStateFailed {
			pc.Close()
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, nil, fmt.Errorf("%w: %v", domain.ErrInvalidParams, err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, nil, fmt.Errorf("failed to set local description: %w", err)
	}

	timer := time.NewTimer(f.config.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		logger.Warnw("ICE gathering incomplete, answering with the candidates found so far",
			"timeout", f.config.GatherTimeout)
	case <-ctx.Done():
		return webrtc.SessionDescription{}, nil, ctx.Err()
	}

	local := pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, nil, errors.New("no local description after negotiation")
	}
	return *local, sink, nil
}

// createPeerConnection creates a new WebRTC connection
func (f *PeerFactory) createPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	}

	settingEngine := webrtc.SettingEngine{}
	if f.config.PortRange.Min > 0 && f.config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(f.config.PortRange.Min, f.config.PortRange.Max); err != nil {
			return nil, err
		}
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

// processRTCP forwards viewer feedback until the sender is closed.
func (f *PeerFactory) processRTCP(sender *webrtc.RTPSender, sink *delivery.TrackSink, logger *zap.SugaredLogger) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			logger.Debugw("RTCP reader stopped", "error", err)
			return
		}
		sink.HandleRTCP(packets)
	}
}

// TransportState maps pion's peer connection states onto the engine's.
func TransportState(state webrtc.PeerConnectionState) domain.TransportState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return domain.TransportNew
	case webrtc.PeerConnectionStateConnecting:
		return domain.TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.TransportClosed
	default:
		return domain.TransportNew
	}
}
