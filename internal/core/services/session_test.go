package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(factory ports.SourceFactory, processor ports.FrameProcessor, sink ports.DeliverySink, cfg SessionConfig, opts ...SessionOption) *StreamSession {
	return NewStreamSession("cam-1", testParams, domain.SinkPush, factory, processor, sink, cfg, opts...)
}

func waitDone(t *testing.T, s *StreamSession) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not finish, state %s", s.State())
	}
}

func TestStreamSession_RecoversFromTransientReadErrors(t *testing.T) {
	const maxAttempts = 5
	factory := newFakeFactory(func(attempt int) *fakeSource {
		// the first maxAttempts-1 connections drop before any frame
		return &fakeSource{failReads: attempt < maxAttempts}
	})
	sink := &fakeSink{}
	session := newTestSession(factory, nil, sink, testSessionConfig(maxAttempts))
	events, _ := session.Subscribe()
	session.Start()

	require.Eventually(t, func() bool {
		return len(sink.Frames()) >= 3
	}, 5*time.Second, 5*time.Millisecond)

	status := session.Status()
	assert.Equal(t, domain.StateStreaming, status.State)
	assert.Equal(t, domain.KindNone, status.ErrorKind)
	assert.Equal(t, 0, status.Attempts)
	assert.Equal(t, uint64(maxAttempts), status.Generation)

	require.NoError(t, session.Stop(context.Background()))
	states := collectStates(events)
	assert.NotContains(t, states, domain.StateFailed)
	assert.Equal(t, domain.StateClosed, states[len(states)-1])
	assert.Len(t, factory.Attempts(), maxAttempts)
}

func TestStreamSession_FailsAfterReadFailureBudget(t *testing.T) {
	factory := newFakeFactory(func(int) *fakeSource { return &fakeSource{failReads: true} })
	sink := &fakeSink{}
	session := newTestSession(factory, nil, sink, testSessionConfig(3))
	events, _ := session.Subscribe()
	session.Start()
	waitDone(t, session)

	status := session.Status()
	assert.Equal(t, domain.StateFailed, status.State)
	assert.Equal(t, domain.KindResourceExhausted, status.ErrorKind)
	assert.Equal(t, 3, status.Attempts)
	assert.Len(t, factory.Attempts(), 3)

	assert.Equal(t, []domain.SessionState{
		domain.StateIdle,
		domain.StateConnecting, domain.StateStreaming, domain.StateReconnecting,
		domain.StateConnecting, domain.StateStreaming, domain.StateReconnecting,
		domain.StateConnecting, domain.StateStreaming, domain.StateReconnecting,
		domain.StateFailed,
	}, collectStates(events))

	for _, src := range factory.Sources() {
		assert.Equal(t, int32(1), src.releases.Load())
	}
	assert.Equal(t, int32(1), sink.closes.Load())
}

func TestStreamSession_UnreachableCameraBacksOffThenFails(t *testing.T) {
	const maxAttempts = 4
	unreachable := domain.NewConnectError(domain.KindUnreachable, errors.New("no route to host"))
	factory := newFakeFactory(func(int) *fakeSource { return &fakeSource{connectErr: unreachable} })
	cfg := testSessionConfig(maxAttempts)
	cfg.Retry.InitialDelay = 5 * time.Millisecond
	cfg.Retry.MaxDelay = time.Second
	observer := newFakeObserver()

	session := newTestSession(factory, nil, &fakeSink{}, cfg, WithSessionObserver(observer))
	events, _ := session.Subscribe()
	session.Start()
	waitDone(t, session)

	assert.Equal(t, []domain.SessionState{
		domain.StateIdle,
		domain.StateConnecting, domain.StateReconnecting,
		domain.StateConnecting, domain.StateReconnecting,
		domain.StateConnecting, domain.StateReconnecting,
		domain.StateConnecting, domain.StateFailed,
	}, collectStates(events))

	attempts := factory.Attempts()
	require.Len(t, attempts, maxAttempts)
	for i := 1; i < len(attempts); i++ {
		gap := attempts[i].Sub(attempts[i-1])
		assert.GreaterOrEqual(t, gap, cfg.Retry.Delay(i), "gap before attempt %d", i+1)
	}

	status := session.Status()
	assert.Equal(t, domain.StateFailed, status.State)
	assert.Equal(t, domain.KindResourceExhausted, status.ErrorKind)
	assert.ErrorIs(t, session.Err(), domain.ErrResourceExhausted)

	var ce *domain.ConnectError
	require.ErrorAs(t, session.Err(), &ce)
	assert.Equal(t, domain.KindUnreachable, ce.Kind)
	assert.Len(t, observer.connectKinds, maxAttempts)
}

func TestStreamSession_NonRetryableConnectErrorFailsImmediately(t *testing.T) {
	tests := []struct {
		name string
		kind domain.ErrorKind
	}{
		{"unauthorized", domain.KindUnauthorized},
		{"unsupported", domain.KindUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			connectErr := domain.NewConnectError(tt.kind, errors.New("rejected"))
			factory := newFakeFactory(func(int) *fakeSource { return &fakeSource{connectErr: connectErr} })
			session := newTestSession(factory, nil, &fakeSink{}, testSessionConfig(5))
			events, _ := session.Subscribe()
			session.Start()
			waitDone(t, session)

			assert.Equal(t, []domain.SessionState{
				domain.StateIdle, domain.StateConnecting, domain.StateFailed,
			}, collectStates(events))
			assert.Equal(t, tt.kind, session.Status().ErrorKind)
			assert.Len(t, factory.Attempts(), 1)
			assert.Equal(t, int32(1), factory.Sources()[0].releases.Load())
		})
	}
}

func TestStreamSession_UntypedConnectErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	factory := newFakeFactory(func(attempt int) *fakeSource {
		calls.Add(1)
		if attempt == 1 {
			return &fakeSource{connectErr: errors.New("connection refused")}
		}
		return &fakeSource{}
	})
	sink := &fakeSink{}
	session := newTestSession(factory, nil, sink, testSessionConfig(3))
	session.Start()
	defer session.Stop(context.Background())

	require.Eventually(t, func() bool { return len(sink.Frames()) > 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestStreamSession_StopClosesAndReleasesOnce(t *testing.T) {
	factory := streamingFactory()
	sink := &fakeSink{}
	session := newTestSession(factory, nil, sink, testSessionConfig(3))
	events, _ := session.Subscribe()
	session.Start()

	require.Eventually(t, func() bool { return len(sink.Frames()) > 0 }, 5*time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, session.Stop(context.Background()))
	assert.Less(t, time.Since(start), testSessionConfig(3).StopGrace)

	assert.Equal(t, domain.StateClosed, session.State())
	assert.Equal(t, []domain.SessionState{
		domain.StateIdle, domain.StateConnecting, domain.StateStreaming, domain.StateClosing, domain.StateClosed,
	}, collectStates(events))

	sources := factory.Sources()
	require.Len(t, sources, 1)
	assert.Equal(t, int32(1), sources[0].releases.Load())
	assert.Equal(t, int32(1), sink.closes.Load())

	// a second stop is a no-op
	require.NoError(t, session.Stop(context.Background()))
	assert.Equal(t, int32(1), sources[0].releases.Load())

	delivered := len(sink.Frames())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, delivered, len(sink.Frames()), "no frame after Closed")
}

func TestStreamSession_StopBoundedWhenReleaseHangs(t *testing.T) {
	factory := newFakeFactory(func(int) *fakeSource { return &fakeSource{releaseDelay: time.Second} })
	sink := &fakeSink{}
	cfg := testSessionConfig(3)
	cfg.ReleaseTimeout = 20 * time.Millisecond
	cfg.StopGrace = 500 * time.Millisecond
	observer := newFakeObserver()

	session := newTestSession(factory, nil, sink, cfg, WithSessionObserver(observer))
	session.Start()
	require.Eventually(t, func() bool { return len(sink.Frames()) > 0 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, session.Stop(context.Background()))
	assert.Equal(t, domain.StateClosed, session.State())
	assert.Equal(t, 1, observer.ReleaseTimeouts())
	assert.Eventually(t, func() bool {
		return factory.Sources()[0].releases.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestStreamSession_StopBeforeStart(t *testing.T) {
	factory := streamingFactory()
	sink := &fakeSink{}
	session := newTestSession(factory, nil, sink, testSessionConfig(3))

	require.NoError(t, session.Stop(context.Background()))
	assert.Equal(t, domain.StateClosed, session.State())
	assert.Empty(t, factory.Attempts())
	assert.Equal(t, int32(1), sink.closes.Load())
}

func TestStreamSession_ViewerDisconnectClosesWithoutReconnect(t *testing.T) {
	factory := streamingFactory()
	sink := &fakeSink{closeAfter: 3}
	session := newTestSession(factory, nil, sink, testSessionConfig(3))
	events, _ := session.Subscribe()
	session.Start()
	waitDone(t, session)

	assert.Equal(t, []domain.SessionState{
		domain.StateIdle, domain.StateConnecting, domain.StateStreaming, domain.StateClosing, domain.StateClosed,
	}, collectStates(events))
	assert.Len(t, factory.Attempts(), 1)
	assert.Len(t, sink.Frames(), 3)
	assert.Equal(t, domain.KindDeliveryClosed, session.Status().ErrorKind)
	assert.Equal(t, int32(1), factory.Sources()[0].releases.Load())
}

func TestStreamSession_TransportFailureClosesSession(t *testing.T) {
	factory := streamingFactory()
	sink := &notifyingSink{}
	session := NewStreamSession("cam-1", testParams, domain.SinkTransport, factory, nil, sink, testSessionConfig(3))
	session.Start()

	require.Eventually(t, func() bool { return len(sink.Frames()) > 0 }, 5*time.Second, 5*time.Millisecond)
	sink.emit(domain.TransportConnected)
	assert.Equal(t, domain.StateStreaming, session.State())

	sink.emit(domain.TransportFailed)
	waitDone(t, session)

	assert.Equal(t, domain.StateClosed, session.State())
	assert.Equal(t, domain.KindDeliveryClosed, session.Status().ErrorKind)
	assert.Len(t, factory.Attempts(), 1)
}

func TestStreamSession_TransportClosedWhileReconnecting(t *testing.T) {
	unreachable := domain.NewConnectError(domain.KindUnreachable, errors.New("no route to host"))
	factory := newFakeFactory(func(int) *fakeSource { return &fakeSource{connectErr: unreachable} })
	cfg := testSessionConfig(10)
	cfg.Retry.InitialDelay = 200 * time.Millisecond
	cfg.Retry.MaxDelay = 2 * time.Second
	sink := &notifyingSink{}

	session := NewStreamSession("cam-1", testParams, domain.SinkTransport, factory, nil, sink, cfg)
	events, _ := session.Subscribe()
	session.Start()

	require.Eventually(t, func() bool {
		return session.State() == domain.StateReconnecting
	}, time.Second, time.Millisecond)

	start := time.Now()
	sink.emit(domain.TransportClosed)
	waitDone(t, session)
	assert.Less(t, time.Since(start), cfg.Retry.InitialDelay)

	assert.Equal(t, []domain.SessionState{
		domain.StateIdle, domain.StateConnecting, domain.StateReconnecting, domain.StateClosing, domain.StateClosed,
	}, collectStates(events))
	assert.Equal(t, domain.KindDeliveryClosed, session.Status().ErrorKind)
	assert.Len(t, factory.Attempts(), 1)
	assert.Equal(t, int32(1), sink.closes.Load())
}

func TestStreamSession_TransportClosedWhileConnecting(t *testing.T) {
	factory := newFakeFactory(func(int) *fakeSource { return &fakeSource{hangConnect: true} })
	cfg := testSessionConfig(10)
	cfg.ConnectTimeout = 5 * time.Second
	sink := &notifyingSink{}

	session := NewStreamSession("cam-1", testParams, domain.SinkTransport, factory, nil, sink, cfg)
	session.Start()

	require.Eventually(t, func() bool { return len(factory.Attempts()) == 1 }, time.Second, time.Millisecond)
	sink.emit(domain.TransportFailed)
	waitDone(t, session)

	assert.Equal(t, domain.StateClosed, session.State())
	assert.Equal(t, domain.KindDeliveryClosed, session.Status().ErrorKind)
	assert.Len(t, factory.Attempts(), 1)
	assert.Equal(t, int32(1), factory.Sources()[0].releases.Load())
}

func TestStreamSession_OverBudgetFrameIsDropped(t *testing.T) {
	factory := newFakeFactory(func(int) *fakeSource { return &fakeSource{interval: 5 * time.Millisecond} })
	sink := &fakeSink{}
	cfg := testSessionConfig(3)
	cfg.ProcessBudget = 20 * time.Millisecond
	observer := newFakeObserver()

	processor := ports.ProcessorFunc(func(ctx context.Context, f domain.Frame) (domain.Frame, error) {
		if f.Seq == 2 {
			<-ctx.Done()
			return domain.Frame{}, ctx.Err()
		}
		return f, nil
	})

	session := newTestSession(factory, processor, sink, cfg, WithSessionObserver(observer))
	session.Start()
	defer session.Stop(context.Background())

	require.Eventually(t, func() bool {
		frames := sink.Frames()
		return len(frames) > 0 && frames[len(frames)-1].Seq > 3
	}, 5*time.Second, 5*time.Millisecond)

	for _, f := range sink.Frames() {
		assert.NotEqual(t, uint64(2), f.Seq)
	}
	assert.Equal(t, domain.StateStreaming, session.State())
	assert.Equal(t, 1, observer.Drops(DropOverBudget))
}

func TestStreamSession_StuckProcessorRunsOneCallAtATime(t *testing.T) {
	factory := newFakeFactory(func(int) *fakeSource { return &fakeSource{interval: 2 * time.Millisecond} })
	sink := &fakeSink{}
	cfg := testSessionConfig(3)
	cfg.ProcessBudget = 10 * time.Millisecond
	observer := newFakeObserver()

	unblock := make(chan struct{})
	var calls, inFlight atomic.Int32
	var overlapped atomic.Bool
	processor := ports.ProcessorFunc(func(_ context.Context, f domain.Frame) (domain.Frame, error) {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		defer inFlight.Add(-1)
		if calls.Add(1) == 1 {
			// ignores ctx on purpose
			<-unblock
		}
		return f, nil
	})

	session := newTestSession(factory, processor, sink, cfg, WithSessionObserver(observer))
	session.Start()
	defer session.Stop(context.Background())

	require.Eventually(t, func() bool {
		return observer.Drops(DropOverBudget) >= 10
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, sink.Frames())
	assert.Equal(t, domain.StateStreaming, session.State())

	close(unblock)
	require.Eventually(t, func() bool { return len(sink.Frames()) > 0 }, 5*time.Second, time.Millisecond)
	assert.False(t, overlapped.Load())
}

func TestStreamSession_SinkNotReadyDoesNotResetFailureBudget(t *testing.T) {
	factory := newFakeFactory(func(int) *fakeSource { return &fakeSource{failAfter: 3} })
	sink := &notReadySink{}
	observer := newFakeObserver()

	session := newTestSession(factory, nil, sink, testSessionConfig(3), WithSessionObserver(observer))
	session.Start()
	waitDone(t, session)

	status := session.Status()
	assert.Equal(t, domain.StateFailed, status.State)
	assert.Equal(t, domain.KindResourceExhausted, status.ErrorKind)
	assert.Zero(t, status.FramesDelivered)
	assert.Len(t, factory.Attempts(), 3)
	assert.Positive(t, observer.Drops(DropNotReady))
	assert.Positive(t, sink.accepts.Load())
}

func TestStreamSession_ProcessorErrorDropsFrame(t *testing.T) {
	factory := streamingFactory()
	sink := &fakeSink{}
	processor := ports.ProcessorFunc(func(_ context.Context, f domain.Frame) (domain.Frame, error) {
		if f.Seq%2 == 0 {
			return domain.Frame{}, errors.New("bad frame")
		}
		return f, nil
	})

	session := newTestSession(factory, processor, sink, testSessionConfig(3))
	session.Start()
	defer session.Stop(context.Background())

	require.Eventually(t, func() bool { return len(sink.Frames()) >= 3 }, 5*time.Second, 5*time.Millisecond)
	for _, f := range sink.Frames() {
		assert.Equal(t, uint64(1), f.Seq%2)
	}
	assert.Equal(t, domain.StateStreaming, session.State())
}

func TestStreamSession_DeliversInCaptureOrder(t *testing.T) {
	factory := newFakeFactory(func(attempt int) *fakeSource {
		// reconnect once mid-stream to cover the generation bump
		if attempt == 1 {
			return &fakeSource{failAfter: 20}
		}
		return &fakeSource{}
	})
	sink := &fakeSink{delay: 5 * time.Millisecond}
	observer := newFakeObserver()
	session := newTestSession(factory, nil, sink, testSessionConfig(3), WithSessionObserver(observer))
	session.Start()

	require.Eventually(t, func() bool {
		frames := sink.Frames()
		return len(frames) > 0 && frames[len(frames)-1].Generation == 2 && len(frames) > 15
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, session.Stop(context.Background()))

	frames := sink.Frames()
	for i := 1; i < len(frames); i++ {
		assert.True(t, frames[i-1].Before(frames[i]), "frame %d delivered after %d", i, i-1)
	}
	assert.Positive(t, observer.Drops(DropBackpressure))
}

func TestStreamSession_LeaseDeniedFails(t *testing.T) {
	lease := leaseFunc(func(context.Context, domain.CameraID) (func(), error) {
		return nil, errors.New("held by another node")
	})
	factory := streamingFactory()
	session := newTestSession(factory, nil, &fakeSink{}, testSessionConfig(3), WithCameraLease(lease))
	session.Start()
	waitDone(t, session)

	assert.Equal(t, domain.StateFailed, session.State())
	assert.Equal(t, domain.KindResourceExhausted, session.Status().ErrorKind)
	assert.Empty(t, factory.Attempts())
}

func TestStreamSession_LeaseReleasedOnClose(t *testing.T) {
	var released atomic.Int32
	lease := leaseFunc(func(context.Context, domain.CameraID) (func(), error) {
		return func() { released.Add(1) }, nil
	})
	sink := &fakeSink{}
	session := newTestSession(streamingFactory(), nil, sink, testSessionConfig(3), WithCameraLease(lease))
	session.Start()
	require.Eventually(t, func() bool { return len(sink.Frames()) > 0 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, session.Stop(context.Background()))
	assert.Equal(t, int32(1), released.Load())
}

func TestStreamSession_SubscribeAfterFinish(t *testing.T) {
	session := newTestSession(streamingFactory(), nil, &fakeSink{}, testSessionConfig(3))
	require.NoError(t, session.Stop(context.Background()))

	events, cancel := session.Subscribe()
	defer cancel()
	_, open := <-events
	assert.False(t, open)
}

func TestStreamSession_FrameBudget(t *testing.T) {
	cfg := testSessionConfig(3)
	cfg.ProcessBudget = 0
	cfg.BudgetFactor = 2

	session := newTestSession(streamingFactory(), nil, &fakeSink{}, cfg)
	assert.Equal(t, 2*testParams.FrameInterval(), session.frameBudget())

	params := testParams
	params.FrameRate = 0
	session = NewStreamSession("cam-2", params, domain.SinkPush, streamingFactory(), nil, &fakeSink{}, cfg)
	assert.Equal(t, defaultFrameBudget, session.frameBudget())
}

type leaseFunc func(ctx context.Context, id domain.CameraID) (func(), error)

func (f leaseFunc) Acquire(ctx context.Context, id domain.CameraID) (func(), error) {
	return f(ctx, id)
}
