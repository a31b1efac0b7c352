// Package rtspprobe checks network cameras by opening an RTSP session and
// reading the announced stream codecs.
package rtspprobe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/internal/infrastructure/camera"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/format/rtsp"
	"go.uber.org/zap"
)

// Prober implements ports.RTSPProber with the joy4 RTSP client.
type Prober struct {
	timeout time.Duration
	logger  *zap.SugaredLogger
	dial    func(uri string, timeout time.Duration) (streamer, error)
}

type streamer interface {
	Streams() ([]av.CodecData, error)
	Close() error
}

func New(timeout time.Duration, logger *zap.SugaredLogger) *Prober {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{
		timeout: timeout,
		logger:  logger,
		dial: func(uri string, timeout time.Duration) (streamer, error) {
			client, err := rtsp.DialTimeout(uri, timeout)
			if err != nil {
				return nil, err
			}
			client.RtspTimeout = timeout
			return client, nil
		},
	}
}

func (p *Prober) Probe(ctx context.Context, params domain.ConnectionParams) (ports.ProbeResult, error) {
	if params.Protocol != domain.ProtocolRTSP {
		return ports.ProbeResult{}, domain.NewConnectError(domain.KindUnsupported,
			fmt.Errorf("cannot probe %s devices", params.Protocol))
	}

	timeout := p.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	type outcome struct {
		result ports.ProbeResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := p.probe(camera.RTSPURL(params), timeout)
		done <- outcome{result, err}
	}()

	select {
	case <-ctx.Done():
		return ports.ProbeResult{}, domain.NewConnectError(domain.KindTimeout, ctx.Err())
	case o := <-done:
		if o.err != nil {
			p.logger.Infow("RTSP probe failed", "host", params.Host, "port", params.Port, "error", o.err)
			return ports.ProbeResult{}, o.err
		}
		p.logger.Infow("RTSP probe succeeded",
			"host", params.Host,
			"codec", o.result.Codec,
			"width", o.result.Width,
			"height", o.result.Height,
		)
		return o.result, nil
	}
}

func (p *Prober) probe(uri string, timeout time.Duration) (ports.ProbeResult, error) {
	client, err := p.dial(uri, timeout)
	if err != nil {
		return ports.ProbeResult{}, classify(err)
	}
	defer client.Close()

	streams, err := client.Streams()
	if err != nil {
		return ports.ProbeResult{}, classify(err)
	}
	return Describe(streams)
}

// Describe summarizes the first video stream of a camera.
func Describe(streams []av.CodecData) (ports.ProbeResult, error) {
	result := ports.ProbeResult{Tracks: len(streams)}
	for _, stream := range streams {
		if !stream.Type().IsVideo() {
			continue
		}
		result.Codec = stream.Type().String()
		if video, ok := stream.(av.VideoCodecData); ok {
			result.Width = video.Width()
			result.Height = video.Height()
		}
		if stream.Type() != av.H264 {
			return result, domain.NewConnectError(domain.KindUnsupported,
				fmt.Errorf("camera streams %s, only H264 can be decoded", result.Codec))
		}
		return result, nil
	}
	return result, domain.NewConnectError(domain.KindUnsupported, errors.New("no video stream announced"))
}

func classify(err error) *domain.ConnectError {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.NewConnectError(domain.KindTimeout, err)
	}
	return camera.NewConnectError(err, "")
}
