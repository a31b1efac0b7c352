// Package delivery holds the sinks processed frames are handed to.
package delivery

import (
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"

	"camrelay/internal/core/domain"
	"camrelay/internal/infrastructure/processing"

	"go.uber.org/zap"
)

const pushBoundary = "frame"

// PushStreamSink writes frames as a multipart/x-mixed-replace stream of JPEG
// images. Accept must not be called after the HTTP handler returned.
type PushStreamSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	parts   *multipart.Writer
	quality int
	done    <-chan struct{}
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	closed  bool
	frames  uint64
	stopped chan struct{}
}

// NewPushStreamSink writes the response headers immediately. requestCtx
// ending means the viewer went away.
func NewPushStreamSink(requestCtx context.Context, w http.ResponseWriter, quality int, logger *zap.SugaredLogger) *PushStreamSink {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	parts := multipart.NewWriter(w)
	parts.SetBoundary(pushBoundary)

	h := w.Header()
	h.Set("Content-Type", "multipart/x-mixed-replace; boundary="+pushBoundary)
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	h.Set("Connection", "close")
	h.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	return &PushStreamSink{
		w:       w,
		flusher: flusher,
		parts:   parts,
		quality: quality,
		done:    requestCtx.Done(),
		logger:  logger,
		stopped: make(chan struct{}),
	}
}

func (s *PushStreamSink) Accept(ctx context.Context, frame domain.Frame) error {
	select {
	case <-s.done:
		return fmt.Errorf("%w: viewer disconnected", domain.ErrDeliveryClosed)
	default:
	}

	payload, err := processing.EncodeJPEG(frame, s.quality)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDeliveryClosed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrDeliveryClosed
	}

	part, err := s.parts.CreatePart(textproto.MIMEHeader{
		"Content-Type":   {"image/jpeg"},
		"Content-Length": {strconv.Itoa(len(payload))},
	})
	if err == nil {
		_, err = part.Write(payload)
	}
	if err != nil {
		s.closeLocked()
		s.logger.Debugw("Push stream write failed", "frames", s.frames, "error", err)
		return fmt.Errorf("%w: %v", domain.ErrDeliveryClosed, err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	s.frames++
	return nil
}

// OnStateChange reports TransportClosed as soon as the viewer's request ends,
// even when no frame is being written.
func (s *PushStreamSink) OnStateChange(fn func(domain.TransportState)) {
	go func() {
		select {
		case <-s.done:
			fn(domain.TransportClosed)
		case <-s.stopped:
		}
	}()
}

func (s *PushStreamSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closeLocked()
	select {
	case <-s.done:
		return nil
	default:
	}
	// terminating boundary
	return s.parts.Close()
}

func (s *PushStreamSink) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.stopped)
	}
}

func (s *PushStreamSink) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}
