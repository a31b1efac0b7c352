package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CameraID identifies a physical camera: a device id from the device store or
// "local:<index>" for a capture device attached to this host.
type CameraID string

const localPrefix = "local:"

// LocalCameraID returns the identity of the local capture device with the given index.
func LocalCameraID(index int) CameraID {
	return CameraID(localPrefix + strconv.Itoa(index))
}

// LocalIndex reports the capture index for local identities.
func (id CameraID) LocalIndex() (int, bool) {
	s := string(id)
	if !strings.HasPrefix(s, localPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(s, localPrefix))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

type Protocol string

const (
	ProtocolLocal Protocol = "LOCAL"
	ProtocolRTSP  Protocol = "RTSP"
	ProtocolHTTP  Protocol = "HTTP"
	ProtocolONVIF Protocol = "ONVIF"
)

// Streamable reports whether the engine can open a CameraSource for the protocol.
func (p Protocol) Streamable() bool {
	return p == ProtocolLocal || p == ProtocolRTSP
}

// ConnectionParams is resolved once when a session is created and never
// changes for the lifetime of that session.
type ConnectionParams struct {
	Protocol   Protocol
	Host       string
	Port       int
	Path       string
	Username   string
	Password   string
	LocalIndex int
	Width      int
	Height     int
	FrameRate  float64
}

// FrameInterval is the nominal time between two captured frames.
func (p ConnectionParams) FrameInterval() time.Duration {
	if p.FrameRate <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / p.FrameRate)
}

// String omits credentials so params can be logged.
func (p ConnectionParams) String() string {
	switch p.Protocol {
	case ProtocolLocal:
		return fmt.Sprintf("local:%d %dx%d@%.0f", p.LocalIndex, p.Width, p.Height, p.FrameRate)
	default:
		return fmt.Sprintf("%s://%s:%d%s %dx%d@%.0f", strings.ToLower(string(p.Protocol)), p.Host, p.Port, p.Path, p.Width, p.Height, p.FrameRate)
	}
}

// Device is a camera registered in the device store.
type Device struct {
	ID        CameraID  `json:"id"`
	Name      string    `json:"name"`
	Protocol  Protocol  `json:"protocol"`
	Host      string    `json:"ip"`
	Port      int       `json:"port,omitempty"`
	Path      string    `json:"path,omitempty"`
	Username  string    `json:"username,omitempty"`
	Password  string    `json:"password,omitempty"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Params converts the stored record into connection parameters using the
// capture defaults for resolution and frame rate.
func (d *Device) Params(width, height int, fps float64) ConnectionParams {
	port := d.Port
	if port == 0 && d.Protocol == ProtocolRTSP {
		port = 554
	}
	return ConnectionParams{
		Protocol:  d.Protocol,
		Host:      d.Host,
		Port:      port,
		Path:      d.Path,
		Username:  d.Username,
		Password:  d.Password,
		Width:     width,
		Height:    height,
		FrameRate: fps,
	}
}

// Redacted returns a copy safe to hand to API clients.
func (d *Device) Redacted() *Device {
	out := *d
	if out.Password != "" {
		out.Password = "********"
	}
	return &out
}
