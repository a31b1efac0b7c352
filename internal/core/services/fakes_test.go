package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/retry"
)

var testParams = domain.ConnectionParams{
	Protocol:  domain.ProtocolRTSP,
	Host:      "10.0.0.5",
	Port:      554,
	Path:      "/stream1",
	Width:     640,
	Height:    480,
	FrameRate: 30,
}

func testSessionConfig(maxAttempts int) SessionConfig {
	return SessionConfig{
		Retry: retry.Config{
			Enabled:      true,
			MaxAttempts:  maxAttempts,
			InitialDelay: time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
			Multiplier:   2,
		},
		ConnectTimeout: time.Second,
		ReleaseTimeout: 200 * time.Millisecond,
		StopGrace:      2 * time.Second,
		ProcessBudget:  50 * time.Millisecond,
		EventBuffer:    1024,
	}
}

// fakeSource emits a frame every interval until it is told to fail.
type fakeSource struct {
	connectErr   error
	hangConnect  bool
	failReads    bool
	failAfter    uint64
	interval     time.Duration
	releaseDelay time.Duration

	seq      uint64
	releases atomic.Int32
}

func (s *fakeSource) Connect(ctx context.Context, _ domain.ConnectionParams) error {
	if s.hangConnect {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.connectErr
}

func (s *fakeSource) ReadFrame(ctx context.Context) (domain.Frame, error) {
	if s.failReads || (s.failAfter > 0 && s.seq >= s.failAfter) {
		return domain.Frame{}, domain.NewReadError(domain.KindNotConnected, errors.New("stream lost"))
	}
	interval := s.interval
	if interval == 0 {
		interval = time.Millisecond
	}
	select {
	case <-ctx.Done():
		return domain.Frame{}, domain.NewReadError(domain.KindNotConnected, ctx.Err())
	case <-time.After(interval):
	}
	s.seq++
	return domain.Frame{
		Seq:        s.seq,
		CapturedAt: time.Now(),
		Width:      2,
		Height:     2,
		Format:     domain.FormatRGB,
		Data:       make([]byte, 12),
	}, nil
}

func (s *fakeSource) Release() error {
	s.releases.Add(1)
	if s.releaseDelay > 0 {
		time.Sleep(s.releaseDelay)
	}
	return nil
}

// fakeFactory hands out sources built by next and remembers them.
type fakeFactory struct {
	mu       sync.Mutex
	next     func(attempt int) *fakeSource
	sources  []*fakeSource
	attempts []time.Time
}

func newFakeFactory(next func(attempt int) *fakeSource) *fakeFactory {
	return &fakeFactory{next: next}
}

func (f *fakeFactory) NewSource(domain.ConnectionParams) (ports.CameraSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, time.Now())
	src := f.next(len(f.attempts))
	f.sources = append(f.sources, src)
	return src, nil
}

func (f *fakeFactory) Attempts() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.attempts...)
}

func (f *fakeFactory) Sources() []*fakeSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSource(nil), f.sources...)
}

func streamingFactory() *fakeFactory {
	return newFakeFactory(func(int) *fakeSource { return &fakeSource{} })
}

// fakeSink records delivered frames. closeAfter > 0 makes Accept report a
// gone viewer once that many frames went through.
type fakeSink struct {
	mu         sync.Mutex
	frames     []domain.Frame
	closeAfter int
	delay      time.Duration
	closes     atomic.Int32
}

func (s *fakeSink) Accept(ctx context.Context, frame domain.Frame) error {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.delay):
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeAfter > 0 && len(s.frames) >= s.closeAfter {
		return domain.ErrDeliveryClosed
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeSink) Close() error {
	s.closes.Add(1)
	return nil
}

func (s *fakeSink) Frames() []domain.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Frame(nil), s.frames...)
}

// notReadySink never gets past negotiation.
type notReadySink struct {
	fakeSink
	accepts atomic.Int32
}

func (s *notReadySink) Accept(context.Context, domain.Frame) error {
	s.accepts.Add(1)
	return domain.ErrSinkNotReady
}

type notifyingSink struct {
	fakeSink
	mu       sync.Mutex
	handlers []func(domain.TransportState)
}

func (s *notifyingSink) OnStateChange(fn func(domain.TransportState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

func (s *notifyingSink) emit(state domain.TransportState) {
	s.mu.Lock()
	handlers := append([]func(domain.TransportState){}, s.handlers...)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(state)
	}
}

type fakeObserver struct {
	mu             sync.Mutex
	drops          map[string]int
	connectKinds   []domain.ErrorKind
	releaseTimeout int
}

func newFakeObserver() *fakeObserver {
	return &fakeObserver{drops: make(map[string]int)}
}

func (o *fakeObserver) StateChanged(domain.StateChange)               {}
func (o *fakeObserver) FrameDelivered(domain.CameraID)                {}
func (o *fakeObserver) FrameProcessed(domain.CameraID, time.Duration) {}

func (o *fakeObserver) FrameDropped(_ domain.CameraID, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.drops[reason]++
}

func (o *fakeObserver) ReleaseTimedOut(domain.CameraID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.releaseTimeout++
}

func (o *fakeObserver) ConnectAttempt(_ domain.CameraID, kind domain.ErrorKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.connectKinds = append(o.connectKinds, kind)
}

func (o *fakeObserver) Drops(reason string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.drops[reason]
}

func (o *fakeObserver) ReleaseTimeouts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.releaseTimeout
}

// collectStates drains a subscription until the session finishes.
func collectStates(events <-chan domain.StateChange) []domain.SessionState {
	states := []domain.SessionState{domain.StateIdle}
	for change := range events {
		states = append(states, change.To)
	}
	return states
}
