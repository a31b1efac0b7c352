package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/retry"
	"camrelay/pkg/tracing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionConfig controls the timing of a StreamSession.
type SessionConfig struct {
	// Retry bounds consecutive connect and read failures. MaxAttempts is the
	// failure budget; a delivered frame resets it.
	Retry          retry.Config
	ConnectTimeout time.Duration
	ReleaseTimeout time.Duration
	StopGrace      time.Duration
	// ProcessBudget overrides the budget derived from the target frame rate.
	ProcessBudget time.Duration
	BudgetFactor  float64
	EventBuffer   int
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Retry: retry.Config{
			Enabled:      true,
			MaxAttempts:  10,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
		ConnectTimeout: 10 * time.Second,
		ReleaseTimeout: 3 * time.Second,
		StopGrace:      5 * time.Second,
		BudgetFactor:   1.5,
		EventBuffer:    16,
	}
}

const defaultFrameBudget = 100 * time.Millisecond

// Frame drop reasons reported to the observer.
const (
	DropBackpressure = "backpressure"
	DropOverBudget   = "over_budget"
	DropProcessError = "process_error"
	DropOutOfOrder   = "out_of_order"
	DropNotReady     = "sink_not_ready"
)

type SessionOption func(*StreamSession)

func WithSessionLogger(logger *zap.SugaredLogger) SessionOption {
	return func(s *StreamSession) { s.logger = logger }
}

func WithSessionObserver(observer ports.SessionObserver) SessionOption {
	return func(s *StreamSession) { s.observer = observer }
}

// WithCameraLease makes the session acquire cluster ownership of the camera
// before its first connect.
func WithCameraLease(lease ports.CameraLease) SessionOption {
	return func(s *StreamSession) { s.lease = lease }
}

func withTerminalHook(fn func(*StreamSession)) SessionOption {
	return func(s *StreamSession) { s.onTerminal = fn }
}

// StreamSession drives capture, processing and delivery for one viewer of
// one camera. Only the run goroutine changes its state.
type StreamSession struct {
	id        domain.SessionID
	cameraID  domain.CameraID
	sinkKind  domain.SinkKind
	params    domain.ConnectionParams
	factory   ports.SourceFactory
	processor ports.FrameProcessor
	sink      ports.DeliverySink
	lease     ports.CameraLease
	observer  ports.SessionObserver
	cfg       SessionConfig
	logger    *zap.SugaredLogger

	// ctx is cancelled by Stop, by finish and by the sink ending; the cause
	// tells them apart.
	ctx    context.Context
	cancel context.CancelCauseFunc

	startOnce   sync.Once
	cleanupOnce sync.Once
	done        chan struct{}

	sinkClosed     chan struct{}
	sinkClosedOnce sync.Once

	mu           sync.RWMutex
	state        domain.SessionState
	lastErr      error
	failures     int
	generation   uint64
	createdAt    time.Time
	updatedAt    time.Time
	current      *ownedSource
	leaseRelease func()
	subscribers  map[int]chan domain.StateChange
	nextSub      int
	subsClosed   bool
	onTerminal   func(*StreamSession)

	delivered atomic.Uint64
	dropped   atomic.Uint64

	// touched only by the run goroutine
	lastFrame  *domain.Frame
	processing chan struct{}
}

func NewStreamSession(
	cameraID domain.CameraID,
	params domain.ConnectionParams,
	kind domain.SinkKind,
	factory ports.SourceFactory,
	processor ports.FrameProcessor,
	sink ports.DeliverySink,
	cfg SessionConfig,
	opts ...SessionOption,
) *StreamSession {
	ctx, cancel := context.WithCancelCause(context.Background())
	now := time.Now()
	s := &StreamSession{
		id:          domain.SessionID(uuid.New().String()),
		cameraID:    cameraID,
		sinkKind:    kind,
		params:      params,
		factory:     factory,
		processor:   processor,
		sink:        sink,
		cfg:         cfg,
		logger:      zap.NewNop().Sugar(),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		sinkClosed:  make(chan struct{}),
		processing:  make(chan struct{}, 1),
		state:       domain.StateIdle,
		createdAt:   now,
		updatedAt:   now,
		subscribers: make(map[int]chan domain.StateChange),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.processor == nil {
		s.processor = ports.ProcessorFunc(func(_ context.Context, f domain.Frame) (domain.Frame, error) { return f, nil })
	}
	s.logger = s.logger.With("camera_id", string(cameraID), "session_id", string(s.id))

	if notifier, ok := sink.(ports.StateNotifier); ok {
		notifier.OnStateChange(func(state domain.TransportState) {
			if state.Ends() {
				s.sinkClosedOnce.Do(func() { close(s.sinkClosed) })
				// also interrupts connect attempts and backoff
				s.cancel(fmt.Errorf("%w: transport %s", domain.ErrDeliveryClosed, state))
			}
		})
	}
	return s
}

func (s *StreamSession) ID() domain.SessionID      { return s.id }
func (s *StreamSession) CameraID() domain.CameraID { return s.cameraID }

// Done is closed once the session reached Closed or Failed and released
// everything it owned.
func (s *StreamSession) Done() <-chan struct{} { return s.done }

func (s *StreamSession) State() domain.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *StreamSession) Status() domain.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := domain.SessionStatus{
		SessionID:       s.id,
		CameraID:        s.cameraID,
		Sink:            s.sinkKind,
		State:           s.state,
		Attempts:        s.failures,
		Generation:      s.generation,
		FramesDelivered: s.delivered.Load(),
		FramesDropped:   s.dropped.Load(),
		CreatedAt:       s.createdAt,
		UpdatedAt:       s.updatedAt,
	}
	if s.lastErr != nil {
		st.ErrorKind = domain.KindOf(s.lastErr)
		st.Error = s.lastErr.Error()
	}
	return st
}

// Err returns the error that ended the session, if any.
func (s *StreamSession) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Start launches the session loop. Calling it again has no effect.
func (s *StreamSession) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

// Stop requests a graceful shutdown and waits for the session to finish,
// bounded by ctx and the configured stop grace.
func (s *StreamSession) Stop(ctx context.Context) error {
	s.cancel(nil)
	s.Start()

	grace := s.cfg.StopGrace
	if grace <= 0 {
		grace = DefaultSessionConfig().StopGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-s.done:
		return nil
	case <-timer.C:
		return fmt.Errorf("session %s did not close within %s", s.id, grace)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns a feed of state changes. The channel is closed when the
// session finishes; slow readers miss events rather than stall the session.
func (s *StreamSession) Subscribe() (<-chan domain.StateChange, func()) {
	size := s.cfg.EventBuffer
	if size <= 0 {
		size = 16
	}
	ch := make(chan domain.StateChange, size)

	s.mu.Lock()
	if s.subsClosed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(sub)
		}
	}
}

func (s *StreamSession) run() {
	defer s.finish()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("session panic: %v", r)
			s.logger.Errorw("Session loop panicked", "panic", r)
			s.fail(err)
		}
	}()

	if s.ctx.Err() != nil {
		return
	}
	if !s.transition(domain.StateConnecting, "start") {
		return
	}

	if s.lease != nil {
		release, err := s.lease.Acquire(s.ctx, s.cameraID)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.fail(fmt.Errorf("%w: camera lease: %w", domain.ErrResourceExhausted, err))
			return
		}
		s.mu.Lock()
		s.leaseRelease = release
		s.mu.Unlock()
	}

	for {
		src, err := s.connect()
		if err != nil {
			if s.ctx.Err() == nil {
				s.fail(err)
			}
			return
		}
		if !s.transition(domain.StateStreaming, "connected") {
			s.releaseSource(src)
			return
		}

		streamErr := s.stream(src)
		s.releaseSource(src)

		if s.ctx.Err() != nil {
			return
		}
		if errors.Is(streamErr, domain.ErrDeliveryClosed) {
			s.setErr(streamErr)
			s.logger.Infow("Viewer went away", "error", streamErr)
			return
		}

		n := s.recordFailure(streamErr)
		s.logger.Warnw("Camera read failed", "error", streamErr, "kind", domain.KindOf(streamErr), "failures", n)
		if !s.transition(domain.StateReconnecting, string(domain.KindOf(streamErr))) {
			return
		}
		if n >= s.failureBudget() {
			s.fail(fmt.Errorf("%w after %d failures: %w", domain.ErrResourceExhausted, n, streamErr))
			return
		}
		if !s.backoff(n) {
			return
		}
		if !s.transition(domain.StateConnecting, "retry") {
			return
		}
	}
}

// connect runs connection attempts until one succeeds or the failure budget
// is spent. It returns in state Connecting on success.
func (s *StreamSession) connect() (*ownedSource, error) {
	for {
		src, err := s.attemptConnect()
		if err == nil {
			if s.observer != nil {
				s.observer.ConnectAttempt(s.cameraID, domain.KindNone)
			}
			return src, nil
		}
		if s.ctx.Err() != nil {
			return nil, s.ctx.Err()
		}

		kind := domain.KindOf(err)
		if s.observer != nil {
			s.observer.ConnectAttempt(s.cameraID, kind)
		}
		n := s.recordFailure(err)
		s.logger.Warnw("Camera connect failed", "error", err, "kind", kind, "failures", n)

		if !domain.IsRetryable(err) {
			return nil, err
		}
		if n >= s.failureBudget() {
			return nil, fmt.Errorf("%w after %d attempts: %w", domain.ErrResourceExhausted, n, err)
		}
		if !s.transition(domain.StateReconnecting, string(kind)) {
			return nil, s.ctx.Err()
		}
		if !s.backoff(n) {
			return nil, s.ctx.Err()
		}
		if !s.transition(domain.StateConnecting, "retry") {
			return nil, s.ctx.Err()
		}
	}
}

func (s *StreamSession) attemptConnect() (*ownedSource, error) {
	ctx, span := tracing.TraceCameraConnect(s.ctx, string(s.cameraID), string(s.params.Protocol))
	defer span.End()
	span.SetAttributes(tracing.SessionIDKey.String(string(s.id)))

	raw, err := s.factory.NewSource(s.params)
	if err != nil {
		var ce *domain.ConnectError
		if !errors.As(err, &ce) {
			err = domain.NewConnectError(domain.KindUnsupported, err)
		}
		recordConnectError(ctx, err)
		return nil, err
	}
	src := &ownedSource{CameraSource: raw}

	s.mu.Lock()
	s.current = src
	s.mu.Unlock()

	connectCtx := ctx
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}

	if err := src.Connect(connectCtx, s.params); err != nil {
		s.releaseSource(src)
		var ce *domain.ConnectError
		if !errors.As(err, &ce) {
			kind := domain.KindUnreachable
			if errors.Is(err, context.DeadlineExceeded) {
				kind = domain.KindTimeout
			}
			err = domain.NewConnectError(kind, err)
		}
		recordConnectError(ctx, err)
		return nil, err
	}

	s.mu.Lock()
	s.generation++
	s.mu.Unlock()
	s.lastFrame = nil
	return src, nil
}

// stream pumps frames from src until ctx is cancelled, the viewer leaves or
// the source fails.
func (s *StreamSession) stream(src *ownedSource) error {
	ctx, cancel := context.WithCancel(s.ctx)
	slot := newFrameSlot()
	readErr := make(chan error, 1)
	pumpDone := make(chan struct{})

	generation := s.currentGeneration()

	go func() {
		defer close(pumpDone)
		for {
			frame, err := src.ReadFrame(ctx)
			if err != nil {
				readErr <- err
				return
			}
			frame.Generation = generation
			if slot.put(frame) {
				s.drop(DropBackpressure)
			}
		}
	}()

	defer func() {
		cancel()
		s.awaitPump(src, pumpDone)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.sinkClosed:
			return fmt.Errorf("%w: transport ended", domain.ErrDeliveryClosed)
		case err := <-readErr:
			if ctx.Err() != nil {
				return nil
			}
			var re *domain.ReadError
			if !errors.As(err, &re) {
				err = domain.NewReadError(domain.KindDecodeError, err)
			}
			return err
		case frame := <-slot.ready():
			if err := s.handle(ctx, frame); err != nil {
				return err
			}
		}
	}
}

// awaitPump waits for the capture goroutine. A source that ignores
// cancellation is released to unblock it, and abandoned after the timeout.
func (s *StreamSession) awaitPump(src *ownedSource, pumpDone <-chan struct{}) {
	timeout := s.releaseTimeout()
	select {
	case <-pumpDone:
		return
	case <-time.After(timeout / 2):
	}
	s.releaseSource(src)
	select {
	case <-pumpDone:
	case <-time.After(timeout):
		s.logger.Errorw("Capture goroutine did not stop, abandoning source", "timeout", timeout)
	}
}

func (s *StreamSession) handle(ctx context.Context, frame domain.Frame) error {
	if s.lastFrame != nil && !s.lastFrame.Before(frame) {
		s.drop(DropOutOfOrder)
		return nil
	}
	s.lastFrame = &frame

	out, ok := s.process(ctx, frame)
	if !ok {
		return nil
	}

	// A stop that raced with processing must not let the frame through.
	if ctx.Err() != nil {
		return nil
	}
	if err := s.sink.Accept(ctx, out); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, domain.ErrSinkNotReady) {
			s.drop(DropNotReady)
			return nil
		}
		if !errors.Is(err, domain.ErrDeliveryClosed) {
			err = fmt.Errorf("%w: %w", domain.ErrDeliveryClosed, err)
		}
		return err
	}

	s.delivered.Add(1)
	s.mu.Lock()
	s.failures = 0
	s.lastErr = nil
	s.mu.Unlock()
	if s.observer != nil {
		s.observer.FrameDelivered(s.cameraID)
	}
	return nil
}

type processResult struct {
	frame domain.Frame
	err   error
}

// process runs the processor under the per-frame budget. The capture
// goroutine keeps filling the slot meanwhile, so a slow stage only costs
// dropped frames.
func (s *StreamSession) process(ctx context.Context, frame domain.Frame) (domain.Frame, bool) {
	// At most one Process call per session. A call that outlived its budget
	// keeps the slot until it returns, and frames arriving meanwhile are
	// dropped instead of piling up more goroutines.
	select {
	case s.processing <- struct{}{}:
	default:
		s.drop(DropOverBudget)
		return domain.Frame{}, false
	}

	budget := s.frameBudget()
	pctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := time.Now()
	result := make(chan processResult, 1)
	go func() {
		var res processResult
		// the slot is freed before the result is visible to the loop
		defer func() {
			if r := recover(); r != nil {
				res = processResult{err: fmt.Errorf("processor panic: %v", r)}
			}
			<-s.processing
			result <- res
		}()
		out, err := s.processor.Process(pctx, frame)
		res = processResult{frame: out, err: err}
	}()

	select {
	case res := <-result:
		if s.observer != nil {
			s.observer.FrameProcessed(s.cameraID, time.Since(start))
		}
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				s.drop(DropOverBudget)
			} else {
				s.logger.Debugw("Frame processing failed", "error", res.err, "seq", frame.Seq)
				s.drop(DropProcessError)
			}
			return domain.Frame{}, false
		}
		return res.frame, true
	case <-pctx.Done():
		// a processor honouring ctx returns right away and frees the slot
		grace := time.NewTimer(budget / 2)
		select {
		case <-result:
		case <-grace.C:
		case <-ctx.Done():
		}
		grace.Stop()
		if ctx.Err() == nil {
			s.drop(DropOverBudget)
		}
		return domain.Frame{}, false
	}
}

func (s *StreamSession) frameBudget() time.Duration {
	if s.cfg.ProcessBudget > 0 {
		return s.cfg.ProcessBudget
	}
	interval := s.params.FrameInterval()
	if interval <= 0 {
		return defaultFrameBudget
	}
	factor := s.cfg.BudgetFactor
	if factor <= 0 {
		factor = 1
	}
	return time.Duration(float64(interval) * factor)
}

func (s *StreamSession) failureBudget() int {
	if !s.cfg.Retry.Enabled || s.cfg.Retry.MaxAttempts < 1 {
		return 1
	}
	return s.cfg.Retry.MaxAttempts
}

func (s *StreamSession) releaseTimeout() time.Duration {
	if s.cfg.ReleaseTimeout > 0 {
		return s.cfg.ReleaseTimeout
	}
	return DefaultSessionConfig().ReleaseTimeout
}

func (s *StreamSession) backoff(failures int) bool {
	delay := s.cfg.Retry.Delay(failures)
	s.logger.Infow("Backing off before reconnect", "delay", delay, "failures", failures)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-s.sinkClosed:
		return false
	case <-timer.C:
		return true
	}
}

func (s *StreamSession) drop(reason string) {
	s.dropped.Add(1)
	if s.observer != nil {
		s.observer.FrameDropped(s.cameraID, reason)
	}
}

func (s *StreamSession) recordFailure(err error) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	s.lastErr = err
	return s.failures
}

func (s *StreamSession) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *StreamSession) currentGeneration() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

func (s *StreamSession) fail(err error) {
	s.setErr(err)
	if !s.transition(domain.StateFailed, string(domain.KindOf(err))) {
		// finish closes the session instead
		return
	}
	s.logger.Errorw("Session failed", "error", err, "kind", domain.KindOf(err))
}

// transition moves the session along the lifecycle graph and reports whether
// the move was legal.
func (s *StreamSession) transition(to domain.SessionState, reason string) bool {
	s.mu.Lock()
	from := s.state
	if !from.CanTransition(to) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.updatedAt = time.Now()
	change := domain.StateChange{
		SessionID: s.id,
		CameraID:  s.cameraID,
		From:      from,
		To:        to,
		Reason:    reason,
		At:        s.updatedAt,
	}
	for _, sub := range s.subscribers {
		select {
		case sub <- change:
		default:
		}
	}
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.StateChanged(change)
	}
	s.logger.Infow("Session state changed", "from", from, "to", to, "reason", reason)
	return true
}

// finish is the single cleanup path.
func (s *StreamSession) finish() {
	s.cleanupOnce.Do(func() {
		s.cancel(nil)

		failed := s.State() == domain.StateFailed
		if cause := context.Cause(s.ctx); !failed && errors.Is(cause, domain.ErrDeliveryClosed) {
			s.setErr(cause)
		}
		if !failed {
			reason := "stopped"
			if err := s.Err(); errors.Is(err, domain.ErrDeliveryClosed) {
				reason = string(domain.KindDeliveryClosed)
			}
			s.transition(domain.StateClosing, reason)
		}

		s.mu.Lock()
		src := s.current
		s.current = nil
		leaseRelease := s.leaseRelease
		s.leaseRelease = nil
		s.mu.Unlock()

		if src != nil {
			s.releaseSource(src)
		}
		if err := s.sink.Close(); err != nil {
			s.logger.Debugw("Sink close failed", "error", err)
		}
		if leaseRelease != nil {
			leaseRelease()
		}

		if !failed {
			s.transition(domain.StateClosed, "released")
		}

		s.mu.Lock()
		for id, sub := range s.subscribers {
			close(sub)
			delete(s.subscribers, id)
		}
		s.subsClosed = true
		s.mu.Unlock()

		if s.onTerminal != nil {
			s.onTerminal(s)
		}
		close(s.done)
	})
}

// releaseSource releases src at most once, waiting no longer than the
// release timeout.
func (s *StreamSession) releaseSource(src *ownedSource) {
	s.mu.Lock()
	if s.current == src {
		s.current = nil
	}
	s.mu.Unlock()

	timedOut, err := src.release(s.releaseTimeout())
	if timedOut {
		s.logger.Errorw("Camera release timed out, abandoning source", "timeout", s.releaseTimeout())
		if s.observer != nil {
			s.observer.ReleaseTimedOut(s.cameraID)
		}
		return
	}
	if err != nil {
		s.logger.Warnw("Camera release failed", "error", err)
	}
}

// ownedSource guards a CameraSource so Release reaches it exactly once.
type ownedSource struct {
	ports.CameraSource
	once sync.Once
	err  error
}

func (o *ownedSource) release(timeout time.Duration) (timedOut bool, err error) {
	done := make(chan struct{})
	go func() {
		o.once.Do(func() { o.err = o.CameraSource.Release() })
		close(done)
	}()
	select {
	case <-done:
		return false, o.err
	case <-time.After(timeout):
		return true, nil
	}
}

func recordConnectError(ctx context.Context, err error) {
	tracing.AddSpanAttributes(ctx, tracing.ErrorKindKey.String(string(domain.KindOf(err))))
	tracing.RecordError(ctx, err)
}
