package device

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tuzkov/camctl/metrics"
)

// Session owns the single backend handle shared by every controller.
//
// All controller state is touched only from the session's dispatch loop:
// backend notifications are posted to the loop, and controllers run their
// operations through Do. State, PendingState and CaptureMode may be read
// from any goroutine but are written only on the loop.
type Session struct {
	log     *slog.Logger
	id      string
	backend Backend
	caps    *Registry
	loop    *loop

	state   atomic.Int32
	pending atomic.Int32
	mode    atomic.Uint32

	mu                    sync.Mutex
	stateListeners        []func()
	notificationListeners []func(Notification)

	cancel    context.CancelFunc
	pumpDone  chan struct{}
	closeOnce sync.Once
}

func NewSession(log *slog.Logger, backend Backend) *Session {
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		log:      log.With("svc", "session", "session", id),
		id:       id,
		backend:  backend,
		caps:     NewRegistry(backend),
		loop:     newLoop(),
		cancel:   cancel,
		pumpDone: make(chan struct{}),
	}
	s.mode.Store(uint32(CaptureImage))
	backend.SetCaptureMode(CaptureImage)
	metrics.SetDeviceState(id, int(StoppedState))

	s.log.Debug("session created", "capabilities", s.caps.Kinds())

	go s.pump(ctx)

	return s
}

func (s *Session) ID() string              { return s.id }
func (s *Session) Capabilities() *Registry { return s.caps }

func (s *Session) State() State        { return State(s.state.Load()) }
func (s *Session) PendingState() State { return State(s.pending.Load()) }
func (s *Session) CaptureMode() CaptureMode {
	return CaptureMode(s.mode.Load())
}

// Do runs fn on the dispatch loop and waits for it to finish. It reports
// false if the session is closed and fn did not run. Do must not be called
// from inside a loop task or listener.
func (s *Session) Do(fn func()) bool {
	return s.loop.do(fn)
}

// Post queues fn on the dispatch loop. When called from a loop task, fn runs
// only after that task has returned.
func (s *Session) Post(fn func()) bool {
	return s.loop.post(fn)
}

// OnStateChanged registers fn to run on the loop after every state, pending
// state or capture mode change.
func (s *Session) OnStateChanged(fn func()) {
	s.mu.Lock()
	s.stateListeners = append(s.stateListeners, fn)
	s.mu.Unlock()
}

// OnNotification registers fn to run on the loop for every backend
// notification other than StateChanged.
func (s *Session) OnNotification(fn func(Notification)) {
	s.mu.Lock()
	s.notificationListeners = append(s.notificationListeners, fn)
	s.mu.Unlock()
}

// Start moves the session to Starting, starts the backend and then settles
// in Active. The loop stays free while the backend starts, so requests that
// only need the pending state to be Active are served during startup.
func (s *Session) Start(ctx context.Context) error {
	var already bool
	if !s.Do(func() {
		if s.PendingState() == ActiveState {
			already = true
			return
		}
		s.pending.Store(int32(ActiveState))
		s.setState(StartingState)
	}) {
		return fmt.Errorf("session %s is closed", s.id)
	}
	if already {
		return nil
	}

	s.log.InfoContext(ctx, "starting backend")
	err := s.backend.Start(ctx)

	s.Do(func() {
		if s.PendingState() != ActiveState {
			// stopped while starting
			return
		}
		if err != nil {
			s.pending.Store(int32(StoppedState))
			s.setState(StoppedState)
			return
		}
		s.setState(ActiveState)
	})
	if err != nil {
		s.log.ErrorContext(ctx, "backend start failed", "err", err)
		return fmt.Errorf("fail to start backend: %w", err)
	}
	return nil
}

func (s *Session) Stop(ctx context.Context) error {
	if !s.Do(func() {
		s.pending.Store(int32(StoppedState))
		s.notifyState()
	}) {
		return nil
	}

	err := s.backend.Stop(ctx)
	s.Do(func() {
		s.setState(StoppedState)
	})
	if err != nil {
		return fmt.Errorf("fail to stop backend: %w", err)
	}
	return nil
}

func (s *Session) SetCaptureMode(mode CaptureMode) {
	s.Do(func() {
		if s.CaptureMode() == mode {
			return
		}
		s.mode.Store(uint32(mode))
		s.backend.SetCaptureMode(mode)
		s.log.Debug("capture mode changed", "mode", mode)
		s.notifyState()
	})
}

func (s *Session) SupportedResolutions(rate Rational, mode CaptureMode) []Size {
	return s.backend.SupportedResolutions(rate, mode)
}

func (s *Session) SupportedFrameRates(resolution Size) []Rational {
	return s.backend.SupportedFrameRates(resolution)
}

// Close stops the notification pump and the loop, then closes the backend.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.pumpDone
		s.loop.stop()
		metrics.DeleteDeviceState(s.id)
		if cerr := s.backend.Close(); cerr != nil {
			err = fmt.Errorf("fail to close backend: %w", cerr)
		}
		s.log.Debug("session closed")
	})
	return err
}

func (s *Session) pump(ctx context.Context) {
	defer close(s.pumpDone)
	ch := s.backend.Notifications()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			s.Post(func() { s.dispatch(n) })
		}
	}
}

func (s *Session) dispatch(n Notification) {
	if n.Kind == StateChanged {
		if n.State == StoppedState {
			s.pending.Store(int32(StoppedState))
		}
		s.setState(n.State)
		return
	}

	s.mu.Lock()
	listeners := slices.Clone(s.notificationListeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(n)
	}
}

func (s *Session) setState(st State) {
	if s.State() == st {
		return
	}
	s.state.Store(int32(st))
	metrics.SetDeviceState(s.id, int(st))
	s.log.Info("state changed", "state", st, "pending", s.PendingState())
	s.notifyState()
}

func (s *Session) notifyState() {
	s.mu.Lock()
	listeners := slices.Clone(s.stateListeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}
