package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlashModesBitSet(t *testing.T) {
	mode := FlashAuto | FlashRedEyeReduction

	withTorch := mode.With(FlashTorch)
	assert.True(t, withTorch.Has(FlashTorch))
	assert.True(t, withTorch.Has(FlashAuto|FlashRedEyeReduction), "other flags preserved")

	withoutTorch := withTorch.Without(FlashTorch)
	assert.Equal(t, mode, withoutTorch)
	assert.False(t, withoutTorch.Has(FlashTorch))
	assert.False(t, withoutTorch.Has(0))

	assert.Equal(t, "auto|redeye|torch", withTorch.String())
	assert.Equal(t, "none", FlashModes(0).String())
}

func TestFocusZoneValueSemantics(t *testing.T) {
	area := Rect{X: 0.25, Y: 0.25, Width: 0.5, Height: 0.5}
	z := NewFocusZone(area, ZoneSelected)
	same := NewFocusZone(area, ZoneSelected)
	assert.Equal(t, z, same)
	assert.True(t, z == same)

	cp := z
	cp.SetStatus(ZoneFocused)
	assert.Equal(t, ZoneSelected, z.Status(), "copies do not alias")
	assert.Equal(t, ZoneFocused, cp.Status())
	assert.NotEqual(t, z, cp)
	assert.Equal(t, area, cp.Area())

	var zero FocusZone
	assert.False(t, zero.IsValid())
	assert.True(t, z.IsValid())
}

func TestParseModes(t *testing.T) {
	m, err := ParseFocusModes("auto|continuous")
	require.NoError(t, err)
	assert.Equal(t, AutoFocus|ContinuousFocus, m)
	assert.True(t, m.Has(AutoFocus))
	assert.False(t, m.Has(MacroFocus))

	_, err = ParseFocusModes("blurry")
	assert.Error(t, err)

	pm, err := ParseFocusPointMode("custom")
	require.NoError(t, err)
	assert.Equal(t, FocusPointCustom, pm)

	cm, err := ParseCaptureMode("both")
	require.NoError(t, err)
	assert.True(t, cm.Has(CaptureImage))
	assert.True(t, cm.Has(CaptureVideo))
	assert.Equal(t, "image|video", cm.String())
}

func TestRational(t *testing.T) {
	assert.InDelta(t, 29.97, Rational{Num: 2997, Den: 100}.Float(), 1e-9)
	assert.Zero(t, Rational{Num: 30}.Float())
	assert.True(t, Rational{}.IsZero())
}

type flashOnlyBackend struct {
	stubBackend
	mode FlashModes
}

func (b *flashOnlyBackend) FlashMode() FlashModes                { return b.mode }
func (b *flashOnlyBackend) SetFlashMode(m FlashModes)            { b.mode = m }
func (b *flashOnlyBackend) IsFlashModeSupported(FlashModes) bool { return true }

type reportingBackend struct {
	flashOnlyBackend
}

func (b *reportingBackend) HasCapability(kind CapabilityKind) bool {
	return kind != FlashCapability
}

func TestRegistryDiscovery(t *testing.T) {
	r := NewRegistry(&flashOnlyBackend{stubBackend: stubBackend{notes: make(chan Notification)}})

	assert.True(t, r.Has(FlashCapability))
	assert.False(t, r.Has(ExposureCapability))
	assert.False(t, r.Has(FocusCapability))
	assert.False(t, r.Has(ZoomCapability))
	assert.False(t, r.Has(ImageCaptureCapability))
	assert.Equal(t, []CapabilityKind{FlashCapability}, r.Kinds())

	flash, ok := r.Flash().Get()
	require.True(t, ok)
	flash.SetFlashMode(FlashTorch)
	assert.Equal(t, FlashTorch, flash.FlashMode())

	_, ok = r.Zoom().Get()
	assert.False(t, ok)
	v, ok := r.Get(ZoomCapability)
	assert.False(t, ok)
	assert.Nil(t, v)
}

func TestRegistryHonoursReporter(t *testing.T) {
	r := NewRegistry(&reportingBackend{flashOnlyBackend{stubBackend: stubBackend{notes: make(chan Notification)}}})
	assert.False(t, r.Has(FlashCapability))
	assert.False(t, r.Flash().IsPresent())
	assert.Empty(t, r.Kinds())
}
