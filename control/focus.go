package control

import (
	"log/slog"
	"slices"

	"github.com/tuzkov/camctl/device"
)

// Focus controls focus mode, focus point and zoom. Without focus control
// every focus read returns its zero value; without zoom control every zoom
// read returns 1.0, i.e. no magnification.
//
// Whether an unsupported mode is refused or coerced is up to the backend;
// check IsFocusModeSupported and IsFocusPointModeSupported first. ZoomTo
// inputs are not clamped either, the maximum zoom values are only advisory.
type Focus struct {
	log     *slog.Logger
	session *device.Session
	focus   device.Capability[device.FocusControl]
	zoom    device.Capability[device.ZoomControl]
	events  *Broadcaster[FocusEvent]

	maxOptical float64
	maxDigital float64
}

func NewFocus(log *slog.Logger, session *device.Session) *Focus {
	if log == nil {
		log = slog.Default()
	}
	caps := session.Capabilities()
	f := &Focus{
		log:        log.With("svc", "focus"),
		session:    session,
		focus:      caps.Focus(),
		zoom:       caps.Zoom(),
		events:     newBroadcaster[FocusEvent]("focus"),
		maxOptical: 1,
		maxDigital: 1,
	}

	session.Do(func() {
		if zoom, ok := f.zoom.Get(); ok {
			f.maxOptical = zoom.MaximumOpticalZoom()
			f.maxDigital = zoom.MaximumDigitalZoom()
		}
	})
	session.OnNotification(f.handleNotification)

	return f
}

func (f *Focus) IsAvailable() bool {
	return f.focus.IsPresent() || f.zoom.IsPresent()
}

func (f *Focus) Events() (<-chan FocusEvent, func()) {
	return f.events.Subscribe()
}

func (f *Focus) FocusMode() device.FocusModes {
	var mode device.FocusModes
	f.withFocus(func(c device.FocusControl) { mode = c.FocusMode() })
	return mode
}

func (f *Focus) SetFocusMode(mode device.FocusModes) {
	f.withFocus(func(c device.FocusControl) {
		if c.FocusMode() != mode {
			c.SetFocusMode(mode)
		}
	})
}

func (f *Focus) IsFocusModeSupported(mode device.FocusModes) bool {
	var ok bool
	f.withFocus(func(c device.FocusControl) { ok = c.IsFocusModeSupported(mode) })
	return ok
}

func (f *Focus) FocusPointMode() device.FocusPointMode {
	mode := device.FocusPointAuto
	f.withFocus(func(c device.FocusControl) { mode = c.FocusPointMode() })
	return mode
}

func (f *Focus) SetFocusPointMode(mode device.FocusPointMode) {
	f.withFocus(func(c device.FocusControl) {
		if c.FocusPointMode() != mode {
			c.SetFocusPointMode(mode)
		}
	})
}

func (f *Focus) IsFocusPointModeSupported(mode device.FocusPointMode) bool {
	var ok bool
	f.withFocus(func(c device.FocusControl) { ok = c.IsFocusPointModeSupported(mode) })
	return ok
}

// CustomFocusPoint is only meaningful when the focus point mode is
// FocusPointCustom.
func (f *Focus) CustomFocusPoint() device.Point {
	var p device.Point
	f.withFocus(func(c device.FocusControl) { p = c.CustomFocusPoint() })
	return p
}

func (f *Focus) SetCustomFocusPoint(p device.Point) {
	f.withFocus(func(c device.FocusControl) {
		if c.CustomFocusPoint() != p {
			c.SetCustomFocusPoint(p)
		}
	})
}

// FocusZones returns a snapshot in device report order. The zones are
// copies and do not follow later updates.
func (f *Focus) FocusZones() []device.FocusZone {
	var zones []device.FocusZone
	f.withFocus(func(c device.FocusControl) { zones = slices.Clone(c.FocusZones()) })
	return zones
}

func (f *Focus) MaximumOpticalZoom() float64 {
	v := 1.0
	f.session.Do(func() { v = f.maxOptical })
	return v
}

func (f *Focus) MaximumDigitalZoom() float64 {
	v := 1.0
	f.session.Do(func() { v = f.maxDigital })
	return v
}

func (f *Focus) OpticalZoom() float64 {
	v := 1.0
	f.withZoom(func(z device.ZoomControl) { v = z.OpticalZoom() })
	return v
}

func (f *Focus) DigitalZoom() float64 {
	v := 1.0
	f.withZoom(func(z device.ZoomControl) { v = z.DigitalZoom() })
	return v
}

// ZoomTo only forwards the request. The achieved values arrive later as
// OpticalZoomChanged and DigitalZoomChanged events and may differ from the
// requested ones.
func (f *Focus) ZoomTo(optical, digital float64) {
	f.withZoom(func(z device.ZoomControl) {
		f.log.Debug("zoom requested", "optical", optical, "digital", digital)
		z.ZoomTo(optical, digital)
	})
}

func (f *Focus) withFocus(fn func(device.FocusControl)) {
	c, ok := f.focus.Get()
	if !ok {
		return
	}
	f.session.Do(func() { fn(c) })
}

func (f *Focus) withZoom(fn func(device.ZoomControl)) {
	z, ok := f.zoom.Get()
	if !ok {
		return
	}
	f.session.Do(func() { fn(z) })
}

func (f *Focus) handleNotification(n device.Notification) {
	switch n.Kind {
	case device.FocusZonesChanged:
		f.events.emit(FocusEvent{Kind: FocusZonesChanged})
	case device.OpticalZoomChanged:
		f.events.emit(FocusEvent{Kind: OpticalZoomChanged, Value: n.Zoom})
	case device.DigitalZoomChanged:
		f.events.emit(FocusEvent{Kind: DigitalZoomChanged, Value: n.Zoom})
	case device.MaximumOpticalZoomChanged:
		f.maxOptical = n.Zoom
		f.events.emit(FocusEvent{Kind: MaximumOpticalZoomChanged, Value: n.Zoom})
	case device.MaximumDigitalZoomChanged:
		f.maxDigital = n.Zoom
		f.events.emit(FocusEvent{Kind: MaximumDigitalZoomChanged, Value: n.Zoom})
	}
}
