package processing

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"time"

	"camrelay/internal/core/domain"

	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	boxColor   = color.RGBA{G: 255, A: 255}
	labelColor = color.RGBA{R: 255, G: 255, A: 255}
)

// Overlay draws the detector's boxes and labels onto RGB frames. Frames the
// detector fails on pass through unannotated.
type Overlay struct {
	detector Detector
	minScore float64
	timeout  time.Duration
	logger   *zap.SugaredLogger
}

func NewOverlay(detector Detector, minScore float64, logger *zap.SugaredLogger) *Overlay {
	return &Overlay{detector: detector, minScore: minScore, logger: logger}
}

// WithTimeout bounds each detector call on top of the session's own budget.
func (o *Overlay) WithTimeout(d time.Duration) *Overlay {
	o.timeout = d
	return o
}

func (o *Overlay) Process(ctx context.Context, frame domain.Frame) (domain.Frame, error) {
	if frame.Format != domain.FormatRGB {
		return frame, nil
	}
	dctx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	detections, err := o.detector.Detect(dctx, frame)
	if err != nil {
		if ctx.Err() != nil {
			return frame, ctx.Err()
		}
		// the viewer still gets the plain frame
		o.logger.Debugw("Detection skipped", "seq", frame.Seq, "error", err)
		return frame, nil
	}
	if len(detections) == 0 {
		return frame, nil
	}

	img, err := ToRGBA(frame)
	if err != nil {
		return frame, err
	}
	drawn := 0
	for _, det := range detections {
		if det.Score < o.minScore {
			continue
		}
		box := det.Box.Intersect(img.Bounds())
		if box.Empty() {
			continue
		}
		drawBox(img, box, boxColor)
		drawLabel(img, box, fmt.Sprintf("%s %.2f", det.Label, det.Score))
		drawn++
	}
	if drawn == 0 {
		return frame, nil
	}

	return frame.WithData(domain.FormatRGB, frame.Width, frame.Height, FromRGBA(img)), nil
}

func drawBox(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	for x := r.Min.X; x < r.Max.X; x++ {
		img.SetRGBA(x, r.Min.Y, c)
		img.SetRGBA(x, r.Max.Y-1, c)
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		img.SetRGBA(r.Min.X, y, c)
		img.SetRGBA(r.Max.X-1, y, c)
	}
}

// drawLabel writes text just above the box, or inside it at the top edge.
func drawLabel(img *image.RGBA, box image.Rectangle, text string) {
	face := basicfont.Face7x13
	y := box.Min.Y - 2
	if y < face.Ascent {
		y = box.Min.Y + face.Ascent
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(labelColor),
		Face: face,
		Dot:  fixed.P(box.Min.X+2, y),
	}
	d.DrawString(text)
}
