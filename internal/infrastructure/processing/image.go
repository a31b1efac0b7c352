// Package processing holds the frame transforms that run between capture and
// delivery.
package processing

import (
	"fmt"
	"image"
	"image/jpeg"

	"camrelay/internal/core/domain"
	"camrelay/pkg/optimize"
)

// Encoders run once per delivered frame; the scratch buffers are reused.
var jpegBuffers = optimize.NewBufferPool(64*1024, 4*1024*1024)

// ToRGBA unpacks an RGB24 frame into an image.
func ToRGBA(frame domain.Frame) (*image.RGBA, error) {
	if frame.Format != domain.FormatRGB {
		return nil, fmt.Errorf("frame %d is %s, want rgb", frame.Seq, frame.Format)
	}
	if frame.Width <= 0 || frame.Height <= 0 || len(frame.Data) < frame.Width*frame.Height*3 {
		return nil, fmt.Errorf("frame %d: %d bytes do not hold %dx%d rgb", frame.Seq, len(frame.Data), frame.Width, frame.Height)
	}

	img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	src := frame.Data
	dst := img.Pix
	for i, j := 0, 0; i+2 < len(src) && j+3 < len(dst); i, j = i+3, j+4 {
		dst[j] = src[i]
		dst[j+1] = src[i+1]
		dst[j+2] = src[i+2]
		dst[j+3] = 0xff
	}
	return img, nil
}

// FromRGBA packs an image back into RGB24 bytes.
func FromRGBA(img *image.RGBA) []byte {
	b := img.Bounds()
	out := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for x := 0; x+4 <= len(row); x += 4 {
			out = append(out, row[x], row[x+1], row[x+2])
		}
	}
	return out
}

// EncodeJPEG returns the frame as a JPEG image. JPEG frames are returned as is.
func EncodeJPEG(frame domain.Frame, quality int) ([]byte, error) {
	switch frame.Format {
	case domain.FormatJPEG:
		return frame.Data, nil
	case domain.FormatRGB:
	default:
		return nil, fmt.Errorf("cannot encode %s frame as jpeg", frame.Format)
	}

	img, err := ToRGBA(frame)
	if err != nil {
		return nil, err
	}
	buf := jpegBuffers.Get()
	defer jpegBuffers.Put(buf)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
