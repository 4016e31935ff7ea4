package control

import (
	"log/slog"

	"github.com/spf13/cast"
	"github.com/tuzkov/camctl/device"
)

const (
	minTorchPower = 0
	maxTorchPower = 100
)

// Torch controls the torch through the flash mode bit-set and the
// FlashPower exposure parameter.
//
// Torch and photo flash usually share hardware. The camera takes priority
// during a flash photo and may switch the torch off behind our back, so the
// last written state is never assumed to still hold; Enabled always asks the
// backend. Backends that do not report flash mode changes leave that switch
// unnoticed until Enabled is polled.
//
// Setters are silent when nothing changed. Nothing changed means either the
// value was already current or the backend refused it; compare Enabled or
// Power with the requested value to tell the two apart.
type Torch struct {
	log      *slog.Logger
	session  *device.Session
	flash    device.Capability[device.FlashControl]
	exposure device.Capability[device.ExposureControl]
	events   *Broadcaster[TorchEvent]

	lastEnabled bool
}

func NewTorch(log *slog.Logger, session *device.Session) *Torch {
	if log == nil {
		log = slog.Default()
	}
	caps := session.Capabilities()
	t := &Torch{
		log:      log.With("svc", "torch"),
		session:  session,
		flash:    caps.Flash(),
		exposure: caps.Exposure(),
		events:   newBroadcaster[TorchEvent]("torch"),
	}

	session.Do(func() {
		t.lastEnabled = t.enabled()
	})
	session.OnNotification(t.handleNotification)

	return t
}

// IsAvailable reports whether the torch can be switched at all.
func (t *Torch) IsAvailable() bool {
	return t.flash.IsPresent()
}

func (t *Torch) Events() (<-chan TorchEvent, func()) {
	return t.events.Subscribe()
}

// Enabled reports whether the torch bit is set. Without flash control it is
// always false.
func (t *Torch) Enabled() bool {
	var on bool
	t.session.Do(func() { on = t.enabled() })
	return on
}

func (t *Torch) SetEnabled(on bool) {
	t.session.Do(func() { t.setEnabled(on) })
}

// Power is the torch power in percent of full power; 0 without exposure
// control.
func (t *Torch) Power() int {
	var p int
	t.session.Do(func() { p = t.power() })
	return p
}

// SetPower clamps p to [0,100] before writing it.
func (t *Torch) SetPower(p int) {
	t.session.Do(func() { t.setPower(p) })
}

func (t *Torch) enabled() bool {
	flash, ok := t.flash.Get()
	if !ok {
		return false
	}
	return flash.FlashMode().Has(device.FlashTorch)
}

func (t *Torch) setEnabled(on bool) {
	flash, ok := t.flash.Get()
	if !ok {
		return
	}

	mode := flash.FlashMode()
	was := mode.Has(device.FlashTorch)
	if was == on {
		t.lastEnabled = was
		return
	}

	if on {
		mode = mode.With(device.FlashTorch)
	} else {
		mode = mode.Without(device.FlashTorch)
	}
	flash.SetFlashMode(mode)

	now := t.enabled()
	t.lastEnabled = now
	if now == was {
		t.log.Debug("torch change rejected by backend", "requested", on)
		return
	}
	t.events.emit(TorchEvent{Kind: EnabledChanged, Enabled: now, Power: t.power()})
}

func (t *Torch) power() int {
	exposure, ok := t.exposure.Get()
	if !ok || !exposure.IsParameterSupported(device.FlashPower) {
		return 0
	}
	return cast.ToInt(exposure.ExposureParameter(device.FlashPower))
}

func (t *Torch) setPower(p int) {
	exposure, ok := t.exposure.Get()
	if !ok || !exposure.IsParameterSupported(device.FlashPower) {
		return
	}

	p = max(minTorchPower, min(p, maxTorchPower))
	current := t.power()
	if current == p {
		return
	}

	if !exposure.SetExposureParameter(device.FlashPower, p) {
		t.log.Debug("torch power rejected by backend", "requested", p)
		return
	}
	now := t.power()
	if now == current {
		t.log.Debug("torch power unchanged after write", "requested", p)
		return
	}
	t.events.emit(TorchEvent{Kind: PowerChanged, Enabled: t.enabled(), Power: now})
}

func (t *Torch) handleNotification(n device.Notification) {
	switch n.Kind {
	case device.ExposureParameterChanged:
		// covers power changes the hardware makes on its own, e.g. thermal throttling
		if n.Parameter == device.FlashPower {
			t.events.emit(TorchEvent{Kind: PowerChanged, Enabled: t.enabled(), Power: t.power()})
		}
	case device.FlashModeChanged:
		now := t.enabled()
		if now != t.lastEnabled {
			t.lastEnabled = now
			t.events.emit(TorchEvent{Kind: EnabledChanged, Enabled: now, Power: t.power()})
		}
	}
}
