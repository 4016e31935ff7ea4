package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// stubBackend implements only the mandatory Backend methods.
type stubBackend struct {
	mu       sync.Mutex
	mode     CaptureMode
	startErr error
	started  chan struct{}
	release  chan struct{}
	notes    chan Notification
	closed   bool
}

func newStubBackend() *stubBackend {
	return &stubBackend{notes: make(chan Notification, 16)}
}

func (b *stubBackend) Start(ctx context.Context) error {
	if b.started != nil {
		close(b.started)
	}
	if b.release != nil {
		select {
		case <-b.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return b.startErr
}

func (b *stubBackend) Stop(context.Context) error { return nil }

func (b *stubBackend) SetCaptureMode(mode CaptureMode) {
	b.mu.Lock()
	b.mode = mode
	b.mu.Unlock()
}

func (b *stubBackend) SupportedResolutions(Rational, CaptureMode) []Size {
	return []Size{{640, 480}}
}

func (b *stubBackend) SupportedFrameRates(Size) []Rational {
	return []Rational{{30, 1}}
}

func (b *stubBackend) Notifications() <-chan Notification { return b.notes }

func (b *stubBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func TestLoopPostFromTaskRunsAfterTask(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := newLoop()
	defer l.stop()

	var order []string
	l.do(func() {
		l.post(func() { order = append(order, "posted") })
		order = append(order, "task")
	})
	l.do(func() {})

	assert.Equal(t, []string{"task", "posted"}, order)
}

func TestLoopRejectsAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := newLoop()
	l.stop()
	l.stop()

	ran := false
	assert.False(t, l.post(func() { ran = true }))
	assert.False(t, l.do(func() { ran = true }))
	assert.False(t, ran)
}

func TestSessionStartStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := newStubBackend()
	s := NewSession(nil, b)
	defer s.Close()

	var states []State
	s.OnStateChanged(func() { states = append(states, s.State()) })

	require.Equal(t, StoppedState, s.State())
	require.NoError(t, s.Start(t.Context()))
	assert.Equal(t, ActiveState, s.State())
	assert.Equal(t, ActiveState, s.PendingState())

	require.NoError(t, s.Stop(t.Context()))
	assert.Equal(t, StoppedState, s.State())
	assert.Equal(t, StoppedState, s.PendingState())

	s.Do(func() {})
	// Stop notifies once for the pending change and once for the settled state.
	assert.Equal(t, []State{StartingState, ActiveState, ActiveState, StoppedState}, states)
}

func TestSessionPendingStateDuringStartup(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := newStubBackend()
	b.started = make(chan struct{})
	b.release = make(chan struct{})
	s := NewSession(nil, b)
	defer s.Close()

	errc := make(chan error, 1)
	go func() { errc <- s.Start(context.Background()) }()

	<-b.started
	var state, pending State
	require.True(t, s.Do(func() {
		state = s.State()
		pending = s.PendingState()
	}))
	assert.Equal(t, StartingState, state)
	assert.Equal(t, ActiveState, pending)

	close(b.release)
	require.NoError(t, <-errc)
	assert.Equal(t, ActiveState, s.State())
}

func TestSessionStartFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := newStubBackend()
	b.startErr = errors.New("no such device")
	s := NewSession(nil, b)
	defer s.Close()

	err := s.Start(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, b.startErr)
	assert.Equal(t, StoppedState, s.State())
	assert.Equal(t, StoppedState, s.PendingState())
}

func TestSessionDispatchesNotificationsOnLoop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := newStubBackend()
	s := NewSession(nil, b)
	defer s.Close()

	got := make(chan Notification, 4)
	s.OnNotification(func(n Notification) { got <- n })

	b.notes <- Notification{Kind: ExposureParameterChanged, Parameter: FlashPower}
	b.notes <- Notification{Kind: StateChanged, State: PausedState}

	select {
	case n := <-got:
		assert.Equal(t, ExposureParameterChanged, n.Kind)
		assert.Equal(t, FlashPower, n.Parameter)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notification")
	}

	require.Eventually(t, func() bool { return s.State() == PausedState }, time.Second, time.Millisecond)
	assert.Empty(t, got, "state changes are not forwarded to notification listeners")
}

func TestSessionBackendStopClearsPending(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := newStubBackend()
	s := NewSession(nil, b)
	defer s.Close()

	require.NoError(t, s.Start(t.Context()))
	b.notes <- Notification{Kind: StateChanged, State: StoppedState}

	require.Eventually(t, func() bool { return s.State() == StoppedState }, time.Second, time.Millisecond)
	assert.Equal(t, StoppedState, s.PendingState())
}

func TestSessionCaptureMode(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := newStubBackend()
	s := NewSession(nil, b)
	defer s.Close()

	calls := 0
	s.OnStateChanged(func() { calls++ })

	assert.Equal(t, CaptureImage, s.CaptureMode())
	s.SetCaptureMode(CaptureVideo)
	s.SetCaptureMode(CaptureVideo)
	s.Do(func() {})

	assert.Equal(t, CaptureVideo, s.CaptureMode())
	assert.Equal(t, 1, calls)
	b.mu.Lock()
	assert.Equal(t, CaptureVideo, b.mode)
	b.mu.Unlock()
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := newStubBackend()
	s := NewSession(nil, b)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, b.closed)
	assert.False(t, s.Do(func() {}))
	assert.Error(t, s.Start(t.Context()))
}
