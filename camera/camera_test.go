package camera

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"log/slog"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tuzkov/camctl/device"
	"go.uber.org/goleak"
)

func nextNote(t *testing.T, ch <-chan device.Notification) device.Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
	}
	return device.Notification{}
}

func TestNewUnknownBackend(t *testing.T) {
	_, err := New(nil, &Config{Backend: "film"})
	assert.ErrorContains(t, err, "film")

	_, err = New(nil, nil)
	assert.Error(t, err)

	b, err := New(slog.Default(), &Config{Backend: BackendVirtual})
	require.NoError(t, err)
	assert.NoError(t, b.Close())
}

func TestVirtualCameraCapture(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fs := afero.NewMemMapFs()
	c := NewVirtualCamera(nil, fs)
	defer c.Close()
	require.NoError(t, c.Start(t.Context()))

	c.CaptureImage(1, "/out/img_0001.jpg")
	n := nextNote(t, c.Notifications())
	assert.Equal(t, device.ImageExposed, n.Kind)
	n = nextNote(t, c.Notifications())
	require.Equal(t, device.ImageCaptured, n.Kind)
	_, err := jpeg.Decode(bytes.NewReader(n.Image))
	require.NoError(t, err)
	n = nextNote(t, c.Notifications())
	assert.Equal(t, device.ImageSaved, n.Kind)
	assert.Equal(t, 1, n.RequestID)
	assert.Equal(t, "/out/img_0001.jpg", n.Path)

	ok, err := afero.Exists(fs, "/out/img_0001.jpg")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVirtualCameraCloseWithUnreadNotifications(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c := NewVirtualCamera(nil, afero.NewMemMapFs())
	require.NoError(t, c.Start(t.Context()))
	// nobody reads Notifications, so the buffer fills and captures block
	for i := range 100 {
		c.CaptureImage(i+1, fmt.Sprintf("/out/img_%04d.jpg", i+1))
	}

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
}

func TestVirtualCameraCaptureWhenStopped(t *testing.T) {
	c := NewVirtualCamera(nil, afero.NewMemMapFs())
	defer c.Close()

	c.CaptureImage(3, "x.jpg")
	n := nextNote(t, c.Notifications())
	assert.Equal(t, device.ImageCaptureFailed, n.Kind)
	assert.Equal(t, device.NotReadyError, n.Error)
	assert.Equal(t, 3, n.RequestID)
}

func TestVirtualCameraSaveFailure(t *testing.T) {
	c := NewVirtualCamera(nil, afero.NewReadOnlyFs(afero.NewMemMapFs()))
	defer c.Close()
	require.NoError(t, c.Start(t.Context()))

	c.CaptureImage(1, "/out.jpg")
	assert.Equal(t, device.ImageExposed, nextNote(t, c.Notifications()).Kind)
	assert.Equal(t, device.ImageCaptured, nextNote(t, c.Notifications()).Kind)
	n := nextNote(t, c.Notifications())
	assert.Equal(t, device.ImageCaptureFailed, n.Kind)
	assert.Equal(t, device.ResourceError, n.Error)
}

func TestVirtualCameraZoom(t *testing.T) {
	c := NewVirtualCamera(nil, afero.NewMemMapFs())
	defer c.Close()

	c.ZoomTo(10, 2.04)
	n := nextNote(t, c.Notifications())
	assert.Equal(t, device.OpticalZoomChanged, n.Kind)
	assert.Equal(t, 3.0, n.Zoom)
	n = nextNote(t, c.Notifications())
	assert.Equal(t, device.DigitalZoomChanged, n.Kind)
	assert.InDelta(t, 2.0, n.Zoom, 1e-9)

	// same values: nothing to report
	c.ZoomTo(3, 2)
	select {
	case n := <-c.Notifications():
		t.Errorf("unexpected notification %v", n.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestVirtualCameraCapabilities(t *testing.T) {
	c := NewVirtualCamera(nil, afero.NewMemMapFs())
	defer c.Close()

	reg := device.NewRegistry(c)
	for _, kind := range []device.CapabilityKind{
		device.FlashCapability,
		device.ExposureCapability,
		device.FocusCapability,
		device.ZoomCapability,
		device.ImageCaptureCapability,
		device.CaptureCancelCapability,
		device.CodecCapability,
	} {
		assert.True(t, reg.Has(kind), kind.String())
	}

	assert.True(t, c.SetExposureParameter(device.FlashPower, "40"))
	assert.Equal(t, 40, c.ExposureParameter(device.FlashPower))
	assert.False(t, c.SetExposureParameter(device.Aperture, 2))
	assert.Nil(t, c.ExposureParameter(device.Aperture))
	assert.False(t, c.IsFlashModeSupported(device.FlashSlowSyncFrontCurtain))
}

func TestVirtualCameraModes(t *testing.T) {
	c := NewVirtualCamera(nil, afero.NewMemMapFs())
	defer c.Close()

	assert.Len(t, c.SupportedResolutions(device.Rational{}, device.CaptureVideo), 3)
	assert.Equal(t,
		[]device.Size{{Width: 640, Height: 480}, {Width: 1280, Height: 720}},
		c.SupportedResolutions(device.Rational{Num: 60, Den: 1}, device.CaptureVideo))
	assert.Equal(t,
		[]device.Rational{{Num: 15, Den: 1}, {Num: 30, Den: 1}},
		c.SupportedFrameRates(device.Size{Width: 1920, Height: 1080}))
	assert.Len(t, c.SupportedFrameRates(device.Size{}), 4)
}

func TestVirtualCameraFocusZones(t *testing.T) {
	c := NewVirtualCamera(nil, afero.NewMemMapFs())
	defer c.Close()

	c.SetFocusPointMode(device.FocusPointCustom)
	assert.Equal(t, device.FocusZonesChanged, nextNote(t, c.Notifications()).Kind)
	c.SetCustomFocusPoint(device.Point{X: 1, Y: 0})
	assert.Equal(t, device.FocusZonesChanged, nextNote(t, c.Notifications()).Kind)

	zones := c.FocusZones()
	require.Len(t, zones, 1)
	assert.Equal(t, device.ZoneFocused, zones[0].Status())
	area := zones[0].Area()
	assert.InDelta(t, 0.8, area.X, 1e-9, "kept inside the frame")
	assert.InDelta(t, 0.0, area.Y, 1e-9)

	c.SetFocusMode(device.ManualFocus)
	assert.Equal(t, device.FocusZonesChanged, nextNote(t, c.Notifications()).Kind)
	c.SetFocusPointMode(device.FocusPointAuto)
	assert.Equal(t, device.FocusZonesChanged, nextNote(t, c.Notifications()).Kind)
	assert.Empty(t, c.FocusZones())
}

func TestRPIShotArgs(t *testing.T) {
	c := &rpiCamera{
		rotation:     180,
		lensPosition: 1.01,
		focus:        device.ManualFocus,
		pointMode:    device.FocusPointAuto,
		digital:      1,
	}

	assert.Equal(t, []string{
		"--encoding", "jpg",
		"--rotation", "180",
		"-n",
		"--autofocus-mode", "manual",
		"--lens-position", "1.01",
		"--immediate",
		"-o", "shot.jpg",
	}, c.shotArgs("shot.jpg"))

	c.focus = device.ContinuousFocus
	c.pointMode = device.FocusPointCenter
	c.digital = 2
	assert.Equal(t, []string{
		"--encoding", "jpg",
		"--rotation", "180",
		"-n",
		"--autofocus-mode", "continuous",
		"--autofocus-window", "0.4,0.4,0.2,0.2",
		"--roi", "0.25,0.25,0.5,0.5",
		"--immediate",
		"-o", "shot.jpg",
	}, c.shotArgs("shot.jpg"))
}

func TestRPIModes(t *testing.T) {
	c := &rpiCamera{}
	assert.Len(t, c.SupportedResolutions(device.Rational{}, device.CaptureImage), 3)
	assert.Equal(t,
		[]device.Size{{Width: 1536, Height: 864}, {Width: 2304, Height: 1296}},
		c.SupportedResolutions(device.Rational{Num: 30, Den: 1}, device.CaptureVideo))
	assert.Equal(t,
		[]device.Rational{{Num: 1435, Den: 100}},
		c.SupportedFrameRates(device.Size{Width: 4608, Height: 2592}))
}
