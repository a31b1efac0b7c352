package processing

import (
	"context"
	"image"

	"camrelay/internal/core/domain"

	"golang.org/x/image/draw"
)

// Enhancer scales frames to a target size and sharpens them.
type Enhancer struct {
	Width  int
	Height int
	// Amount of unsharp masking; 0 disables sharpening.
	Amount float64
}

func (e Enhancer) Process(ctx context.Context, frame domain.Frame) (domain.Frame, error) {
	if frame.Format != domain.FormatRGB {
		return frame, nil
	}
	img, err := ToRGBA(frame)
	if err != nil {
		return frame, err
	}

	if e.Width > 0 && e.Height > 0 && (e.Width != frame.Width || e.Height != frame.Height) {
		scaled := image.NewRGBA(image.Rect(0, 0, e.Width, e.Height))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), img, img.Bounds(), draw.Src, nil)
		img = scaled
	}
	if err := ctx.Err(); err != nil {
		return frame, err
	}
	if e.Amount > 0 {
		img = sharpen(img, e.Amount)
	}

	b := img.Bounds()
	return frame.WithData(domain.FormatRGB, b.Dx(), b.Dy(), FromRGBA(img)), nil
}

// sharpen applies out = in + amount*(in - blur3x3(in)). Border pixels are kept.
func sharpen(src *image.RGBA, amount float64) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	copy(dst.Pix, src.Pix)

	for y := b.Min.Y + 1; y < b.Max.Y-1; y++ {
		for x := b.Min.X + 1; x < b.Max.X-1; x++ {
			o := src.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				sum := 0
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						sum += int(src.Pix[src.PixOffset(x+dx, y+dy)+c])
					}
				}
				center := float64(src.Pix[o+c])
				v := center + amount*(center-float64(sum)/9)
				dst.Pix[o+c] = clamp(v)
			}
		}
	}
	return dst
}

func clamp(v float64) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}
