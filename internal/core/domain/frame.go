package domain

import "time"

type PixelFormat string

const (
	FormatRGB  PixelFormat = "rgb"
	FormatJPEG PixelFormat = "jpeg"
	FormatH264 PixelFormat = "h264"
)

// Frame is one captured picture. Data is packed RGB24 (Width*Height*3 bytes),
// a JPEG image, or an H.264 access unit in Annex-B form, depending on Format.
type Frame struct {
	Seq        uint64
	Generation uint64
	PTS        time.Duration
	CapturedAt time.Time
	Width      int
	Height     int
	Format     PixelFormat
	KeyFrame   bool
	Data       []byte
	TraceID    string
}

// Before orders frames by source generation first, then by capture sequence.
func (f Frame) Before(other Frame) bool {
	if f.Generation != other.Generation {
		return f.Generation < other.Generation
	}
	return f.Seq < other.Seq
}

// WithData returns a copy of the frame carrying new pixel data.
func (f Frame) WithData(format PixelFormat, width, height int, data []byte) Frame {
	f.Format = format
	f.Width = width
	f.Height = height
	f.Data = data
	return f
}
