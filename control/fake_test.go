package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tuzkov/camctl/device"
)

// fakeBackend implements every optional capability; absent lists the ones
// it reports as missing. Writes can be rejected to mimic hardware refusing
// a value.
type fakeBackend struct {
	mu sync.Mutex

	absent map[device.CapabilityKind]bool
	notes  chan device.Notification

	flashMode   device.FlashModes
	rejectFlash bool
	params      map[device.ExposureParameter]any
	rejectParam bool

	focusMode      device.FocusModes
	focusSupported device.FocusModes
	pointMode      device.FocusPointMode
	point          device.Point
	zones          []device.FocusZone
	optical        float64
	digital        float64
	zoomRequests   [][2]float64

	captures  []captureCall
	cancelled int

	resolutionsFor []device.Rational
	rates          []device.Rational
}

type captureCall struct {
	id   int
	path string
}

func newFakeBackend(absent ...device.CapabilityKind) *fakeBackend {
	b := &fakeBackend{
		absent:         make(map[device.CapabilityKind]bool),
		notes:          make(chan device.Notification, 16),
		flashMode:      device.FlashAuto,
		params:         map[device.ExposureParameter]any{device.FlashPower: 50},
		focusMode:      device.AutoFocus,
		focusSupported: device.AutoFocus | device.ManualFocus | device.ContinuousFocus,
		optical:        1,
		digital:        1,
	}
	for _, k := range absent {
		b.absent[k] = true
	}
	return b
}

func (b *fakeBackend) HasCapability(kind device.CapabilityKind) bool { return !b.absent[kind] }

func (b *fakeBackend) Start(context.Context) error               { return nil }
func (b *fakeBackend) Stop(context.Context) error                { return nil }
func (b *fakeBackend) SetCaptureMode(device.CaptureMode)         {}
func (b *fakeBackend) Notifications() <-chan device.Notification { return b.notes }
func (b *fakeBackend) Close() error                              { return nil }

func (b *fakeBackend) SupportedResolutions(rate device.Rational, mode device.CaptureMode) []device.Size {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolutionsFor = append(b.resolutionsFor, rate)
	if rate.Float() > 30 {
		return []device.Size{{Width: 640, Height: 480}}
	}
	return []device.Size{{Width: 640, Height: 480}, {Width: 1920, Height: 1080}}
}

func (b *fakeBackend) SupportedFrameRates(res device.Size) []device.Rational {
	return b.rates
}

func (b *fakeBackend) FlashMode() device.FlashModes { return b.flashMode }
func (b *fakeBackend) SetFlashMode(m device.FlashModes) {
	if !b.rejectFlash {
		b.flashMode = m
	}
}
func (b *fakeBackend) IsFlashModeSupported(device.FlashModes) bool { return true }

func (b *fakeBackend) ExposureParameter(p device.ExposureParameter) any { return b.params[p] }
func (b *fakeBackend) SetExposureParameter(p device.ExposureParameter, v any) bool {
	if b.rejectParam {
		return false
	}
	b.params[p] = v
	return true
}
func (b *fakeBackend) IsParameterSupported(p device.ExposureParameter) bool {
	_, ok := b.params[p]
	return ok
}

func (b *fakeBackend) FocusMode() device.FocusModes     { return b.focusMode }
func (b *fakeBackend) SetFocusMode(m device.FocusModes) { b.focusMode = m }
func (b *fakeBackend) IsFocusModeSupported(m device.FocusModes) bool {
	return b.focusSupported.Has(m)
}
func (b *fakeBackend) FocusPointMode() device.FocusPointMode     { return b.pointMode }
func (b *fakeBackend) SetFocusPointMode(m device.FocusPointMode) { b.pointMode = m }
func (b *fakeBackend) IsFocusPointModeSupported(m device.FocusPointMode) bool {
	return m != device.FocusPointFaceDetection
}
func (b *fakeBackend) CustomFocusPoint() device.Point     { return b.point }
func (b *fakeBackend) SetCustomFocusPoint(p device.Point) { b.point = p }
func (b *fakeBackend) FocusZones() []device.FocusZone     { return b.zones }

func (b *fakeBackend) MaximumOpticalZoom() float64 { return 3 }
func (b *fakeBackend) MaximumDigitalZoom() float64 { return 4 }
func (b *fakeBackend) OpticalZoom() float64        { return b.optical }
func (b *fakeBackend) DigitalZoom() float64        { return b.digital }
func (b *fakeBackend) ZoomTo(o, d float64) {
	b.zoomRequests = append(b.zoomRequests, [2]float64{o, d})
}

func (b *fakeBackend) CaptureImage(id int, path string) {
	b.captures = append(b.captures, captureCall{id: id, path: path})
}

func (b *fakeBackend) CancelCapture() { b.cancelled++ }

func (b *fakeBackend) SupportedCodecs() []string { return []string{"jpeg", "yuyv"} }
func (b *fakeBackend) CodecDescription(name string) string {
	if name == "jpeg" {
		return "Motion-JPEG"
	}
	return ""
}

func newTestSession(t *testing.T, b *fakeBackend) *device.Session {
	t.Helper()
	s := device.NewSession(nil, b)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// flush waits until every task queued on the session so far has run.
func flush(s *device.Session) {
	s.Do(func() {})
}

func requireNext[E any](t *testing.T, ch <-chan E) E {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		require.FailNow(t, "timeout waiting for event")
	}
	var zero E
	return zero
}

func requireNone[E any](t *testing.T, ch <-chan E) {
	t.Helper()
	select {
	case e := <-ch:
		require.FailNow(t, "unexpected event", "%+v", e)
	default:
	}
}
