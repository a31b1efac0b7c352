package delivery

import (
	"context"
	"errors"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"camrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func rgbFrame(seq uint64, w, h int) domain.Frame {
	return domain.Frame{Seq: seq, Width: w, Height: h, Format: domain.FormatRGB, Data: make([]byte, w*h*3)}
}

func TestPushStreamSink_WritesMultipartJPEG(t *testing.T) {
	rec := httptest.NewRecorder()
	sink := NewPushStreamSink(context.Background(), rec, 75, zap.NewNop().Sugar())

	require.NoError(t, sink.Accept(context.Background(), rgbFrame(1, 8, 8)))
	require.NoError(t, sink.Accept(context.Background(), rgbFrame(2, 8, 8)))
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-cache, no-store, must-revalidate", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.True(t, rec.Flushed)

	mediaType, params, err := mime.ParseMediaType(rec.Header().Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/x-mixed-replace", mediaType)
	assert.Equal(t, "frame", params["boundary"])

	reader := multipart.NewReader(rec.Body, params["boundary"])
	parts := 0
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
		img, err := jpeg.Decode(part)
		require.NoError(t, err)
		assert.Equal(t, 8, img.Bounds().Dx())
		parts++
	}
	assert.Equal(t, 2, parts)
	assert.Equal(t, uint64(2), sink.Frames())
}

func TestPushStreamSink_ViewerGone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sink := NewPushStreamSink(ctx, httptest.NewRecorder(), 75, zap.NewNop().Sugar())

	states := make(chan domain.TransportState, 1)
	sink.OnStateChange(func(s domain.TransportState) { states <- s })

	cancel()
	select {
	case s := <-states:
		assert.Equal(t, domain.TransportClosed, s)
	case <-time.After(time.Second):
		t.Fatal("no state change after the request ended")
	}

	err := sink.Accept(context.Background(), rgbFrame(1, 4, 4))
	assert.ErrorIs(t, err, domain.ErrDeliveryClosed)
}

type failingWriter struct {
	*httptest.ResponseRecorder
}

func (w failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestPushStreamSink_WriteFailureCloses(t *testing.T) {
	sink := NewPushStreamSink(context.Background(), failingWriter{httptest.NewRecorder()}, 75, zap.NewNop().Sugar())

	err := sink.Accept(context.Background(), rgbFrame(1, 4, 4))
	assert.ErrorIs(t, err, domain.ErrDeliveryClosed)

	err = sink.Accept(context.Background(), rgbFrame(2, 4, 4))
	assert.ErrorIs(t, err, domain.ErrDeliveryClosed)
	assert.True(t, strings.Contains(err.Error(), "closed"))
}
