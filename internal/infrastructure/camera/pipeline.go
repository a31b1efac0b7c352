package camera

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"camrelay/internal/core/domain"
)

const (
	DefaultWidth     = 640
	DefaultHeight    = 480
	DefaultFrameRate = 30

	defaultRTSPPort = 554
)

// PipelineSpec describes the decode pipeline for one source.
type PipelineSpec struct {
	Params domain.ConnectionParams
	// Latency is the rtspsrc jitter buffer in milliseconds.
	Latency int
	// DevicePattern formats a local capture index into a device path.
	DevicePattern string
	SinkName      string
}

func NewPipelineSpec(params domain.ConnectionParams) PipelineSpec {
	if params.Width <= 0 || params.Height <= 0 {
		params.Width, params.Height = DefaultWidth, DefaultHeight
	}
	if params.FrameRate <= 0 {
		params.FrameRate = DefaultFrameRate
	}
	return PipelineSpec{
		Params:        params,
		Latency:       200,
		DevicePattern: "/dev/video%d",
		SinkName:      "frames",
	}
}

// RTSPURL builds the camera URL with url-escaped credentials.
func RTSPURL(params domain.ConnectionParams) string {
	u := url.URL{
		Scheme: "rtsp",
		Host:   params.Host + ":" + strconv.Itoa(rtspPort(params.Port)),
		Path:   params.Path,
	}
	if params.Path != "" && !strings.HasPrefix(params.Path, "/") {
		u.Path = "/" + params.Path
	}
	if params.Username != "" {
		if params.Password != "" {
			u.User = url.UserPassword(params.Username, params.Password)
		} else {
			u.User = url.User(params.Username)
		}
	}
	return u.String()
}

func rtspPort(port int) int {
	if port <= 0 {
		return defaultRTSPPort
	}
	return port
}

// LaunchString renders the gst-launch description of the pipeline.
//
// RTSP:  rtspsrc ! rtph264depay ! avdec_h264 ! videoconvert ! videoscale ! videorate ! caps ! appsink
// LOCAL: v4l2src ! videoconvert ! videoscale ! videorate ! caps ! appsink
func (s PipelineSpec) LaunchString() (string, error) {
	var source string
	switch s.Params.Protocol {
	case domain.ProtocolRTSP:
		if s.Params.Host == "" {
			return "", fmt.Errorf("%w: rtsp source without host", domain.ErrInvalidParams)
		}
		source = fmt.Sprintf("rtspsrc location=%q latency=%d protocols=tcp ! rtph264depay ! avdec_h264",
			RTSPURL(s.Params), s.Latency)
	case domain.ProtocolLocal:
		source = fmt.Sprintf("v4l2src device=%s", fmt.Sprintf(s.DevicePattern, s.Params.LocalIndex))
	default:
		return "", fmt.Errorf("%w: protocol %q cannot be captured", domain.ErrInvalidParams, s.Params.Protocol)
	}

	return strings.Join([]string{
		source,
		"videoconvert",
		"videoscale",
		"videorate drop-only=true",
		s.Caps(),
		fmt.Sprintf("appsink name=%s sync=false max-buffers=1 drop=true emit-signals=false", s.SinkName),
	}, " ! "), nil
}

// Caps is the raw RGB caps filter at the target size and rate.
func (s PipelineSpec) Caps() string {
	num, den := framerateFraction(s.Params.FrameRate)
	return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/%d",
		s.Params.Width, s.Params.Height, num, den)
}

// framerateFraction handles sub-1 rates: 0.5 fps becomes 1/2.
func framerateFraction(fps float64) (int, int) {
	if fps <= 0 {
		return DefaultFrameRate, 1
	}
	if fps < 1 {
		return 1, int(1 / fps)
	}
	return int(fps), 1
}
