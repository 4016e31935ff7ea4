package control

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tuzkov/camctl/device"
)

func TestCaptureIDsIncrease(t *testing.T) {
	b := newFakeBackend()
	s := newTestSession(t, b)
	require.NoError(t, s.Start(t.Context()))
	c := NewImageCapture(nil, s, WithFs(afero.NewMemMapFs()), WithOutputDir("/shots"))

	last := 0
	for i := 1; i <= 5; i++ {
		id := c.Capture("")
		assert.Equal(t, i, id)
		assert.Greater(t, id, last)
		last = id
	}

	s.Do(func() {
		require.Len(t, b.captures, 5)
		assert.Equal(t, captureCall{id: 1, path: "/shots/img_0001.jpg"}, b.captures[0])
	})
}

func TestCaptureNotReadyErrorIsDeferred(t *testing.T) {
	b := newFakeBackend()
	s := newTestSession(t, b)
	c := NewImageCapture(nil, s)
	events, unsub := c.Events()
	defer unsub()

	var id int
	s.Do(func() {
		id = c.doCapture("out.jpg")
		select {
		case e := <-events:
			t.Errorf("event delivered during capture: %+v", e)
		default:
		}
	})
	assert.Equal(t, 1, id)

	e := requireNext(t, events)
	assert.Equal(t, CaptureFailed, e.Kind)
	assert.Equal(t, id, e.RequestID)
	assert.Equal(t, device.NotReadyError, e.Error)
	assert.NotEmpty(t, e.Message)
	assert.Empty(t, b.captures)

	// a failed request does not spoil the next one
	assert.Equal(t, 2, c.Capture(""))
	e = requireNext(t, events)
	assert.Equal(t, 2, e.RequestID)
}

func TestCaptureRefusedWithoutImageMode(t *testing.T) {
	b := newFakeBackend()
	s := newTestSession(t, b)
	require.NoError(t, s.Start(t.Context()))
	s.SetCaptureMode(device.CaptureVideo)
	c := NewImageCapture(nil, s)
	events, unsub := c.Events()
	defer unsub()

	id := c.Capture("x.jpg")
	e := requireNext(t, events)
	assert.Equal(t, id, e.RequestID)
	assert.Equal(t, device.NotReadyError, e.Error)
}

func TestCaptureAcceptedWhileStarting(t *testing.T) {
	b := newFakeBackend()
	s := newTestSession(t, b)
	c := NewImageCapture(nil, s)
	events, unsub := c.Events()
	defer unsub()

	// backend still starting: pending is active, state is not
	var id int
	ready := true
	startErr := make(chan error, 1)
	started := make(chan struct{})
	s.OnStateChanged(func() {
		if s.State() == device.StartingState {
			id = c.doCapture("early.jpg")
			ready = c.ready
			close(started)
		}
	})
	go func() { startErr <- s.Start(t.Context()) }()
	<-started
	require.NoError(t, <-startErr)

	assert.Equal(t, 1, id)
	assert.False(t, ready)
	s.Do(func() {
		assert.Equal(t, []captureCall{{id: 1, path: "early.jpg"}}, b.captures)
	})

	e := requireNext(t, events)
	assert.Equal(t, ReadyForCaptureChanged, e.Kind)
	assert.True(t, e.Ready)
	requireNone(t, events)
}

func TestCaptureReadinessIsEdgeTriggered(t *testing.T) {
	b := newFakeBackend()
	s := newTestSession(t, b)
	c := NewImageCapture(nil, s)
	events, unsub := c.Events()
	defer unsub()

	require.False(t, c.IsReadyForCapture())

	b.notes <- device.Notification{Kind: device.StateChanged, State: device.ActiveState}
	e := requireNext(t, events)
	assert.Equal(t, ReadyForCaptureChanged, e.Kind)
	assert.True(t, e.Ready)
	assert.True(t, c.IsReadyForCapture())

	// identical report: no transition
	b.notes <- device.Notification{Kind: device.StateChanged, State: device.ActiveState}
	s.Do(func() {})

	b.notes <- device.Notification{Kind: device.StateChanged, State: device.StoppedState}
	e = requireNext(t, events)
	assert.False(t, e.Ready)
	assert.False(t, c.IsReadyForCapture())

	b.notes <- device.Notification{Kind: device.StateChanged, State: device.StoppedState}
	flush(s)
	requireNone(t, events)
}

func TestCaptureReadinessFollowsCaptureMode(t *testing.T) {
	b := newFakeBackend()
	s := newTestSession(t, b)
	require.NoError(t, s.Start(t.Context()))
	c := NewImageCapture(nil, s)
	events, unsub := c.Events()
	defer unsub()

	require.True(t, c.IsReadyForCapture())
	s.SetCaptureMode(device.CaptureVideo)
	e := requireNext(t, events)
	assert.False(t, e.Ready)

	s.SetCaptureMode(device.CaptureImage | device.CaptureVideo)
	e = requireNext(t, events)
	assert.True(t, e.Ready)
}

func TestCaptureForwardsLifecycle(t *testing.T) {
	b := newFakeBackend()
	s := newTestSession(t, b)
	c := NewImageCapture(nil, s)
	events, unsub := c.Events()
	defer unsub()

	b.notes <- device.Notification{Kind: device.ImageExposed, RequestID: 7}
	b.notes <- device.Notification{Kind: device.ImageCaptured, RequestID: 7, Image: []byte{0xff, 0xd8}}
	b.notes <- device.Notification{Kind: device.ImageSaved, RequestID: 7, Path: "img_0001.jpg"}
	b.notes <- device.Notification{Kind: device.ImageCaptureFailed, RequestID: 8, Error: device.OutOfSpaceError, Message: "disk full"}

	want := []CaptureEvent{
		{Kind: ImageExposed, RequestID: 7},
		{Kind: ImageCaptured, RequestID: 7, Image: []byte{0xff, 0xd8}},
		{Kind: ImageSaved, RequestID: 7, Path: "img_0001.jpg"},
		{Kind: CaptureFailed, RequestID: 8, Error: device.OutOfSpaceError, Message: "disk full"},
	}
	for _, w := range want {
		assert.Equal(t, w, requireNext(t, events))
	}
}

func TestCaptureUnsupported(t *testing.T) {
	b := newFakeBackend(device.ImageCaptureCapability, device.CaptureCancelCapability)
	s := newTestSession(t, b)
	require.NoError(t, s.Start(t.Context()))
	c := NewImageCapture(nil, s)
	events, unsub := c.Events()
	defer unsub()

	assert.False(t, c.IsAvailable())
	assert.False(t, c.IsReadyForCapture())
	c.CancelCapture()

	id := c.Capture("")
	e := requireNext(t, events)
	assert.Equal(t, id, e.RequestID)
	assert.Equal(t, device.NotSupportedFeatureError, e.Error)
	s.Do(func() {
		assert.Zero(t, b.cancelled)
		assert.Empty(t, b.captures)
	})
}

func TestCaptureCancel(t *testing.T) {
	b := newFakeBackend()
	s := newTestSession(t, b)
	c := NewImageCapture(nil, s)

	c.CancelCapture()
	s.Do(func() { assert.Equal(t, 1, b.cancelled) })
}

func TestCaptureAfterClose(t *testing.T) {
	b := newFakeBackend()
	s := newTestSession(t, b)
	c := NewImageCapture(nil, s)
	require.NoError(t, s.Close())

	assert.Equal(t, 1, c.Capture(""))
	assert.Equal(t, 2, c.Capture(""))
	assert.False(t, c.IsReadyForCapture())
	c.CancelCapture()
}

func TestCaptureAutoNamesInWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"img_0001.jpg", "img_0003.jpg", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	t.Chdir(dir)

	b := newFakeBackend()
	s := newTestSession(t, b)
	require.NoError(t, s.Start(t.Context()))
	c := NewImageCapture(nil, s)

	id := c.Capture("")
	s.Do(func() {
		assert.Equal(t, []captureCall{{id: id, path: "img_0004.jpg"}}, b.captures)
	})
}
