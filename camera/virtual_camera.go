package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"math"
	"sync"

	"github.com/spf13/afero"
	"github.com/spf13/cast"
	"github.com/tuzkov/camctl/device"
)

const (
	virtualMaxOptical = 3.0
	virtualMaxDigital = 4.0
	virtualZoomSteps  = 10
)

var virtualModes = []struct {
	size device.Size
	rate []device.Rational
}{
	{device.Size{Width: 640, Height: 480}, []device.Rational{{Num: 15, Den: 1}, {Num: 30000, Den: 1001}, {Num: 30, Den: 1}, {Num: 60, Den: 1}}},
	{device.Size{Width: 1280, Height: 720}, []device.Rational{{Num: 15, Den: 1}, {Num: 30000, Den: 1001}, {Num: 30, Den: 1}, {Num: 60, Den: 1}}},
	{device.Size{Width: 1920, Height: 1080}, []device.Rational{{Num: 15, Den: 1}, {Num: 30, Den: 1}}},
}

// virtualCamera is a deterministic in-memory device with every capability.
// Images are rendered test patterns written through an afero filesystem.
type virtualCamera struct {
	log *slog.Logger
	*notifier
	fs afero.Fs

	mu       sync.Mutex
	running  bool
	mode     device.CaptureMode
	flash    device.FlashModes
	params   map[device.ExposureParameter]int
	focus    device.FocusModes
	point    device.FocusPointMode
	custom   device.Point
	optical  float64
	digital  float64
	captures sync.WaitGroup

	captureCtx    context.Context
	cancelCapture context.CancelFunc
}

func NewVirtualCamera(log *slog.Logger, fs afero.Fs) *virtualCamera {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &virtualCamera{
		log:      log.With("svc", "virtualCamera"),
		notifier: newNotifier(),
		fs:       fs,
		flash:    device.FlashAuto,
		params: map[device.ExposureParameter]int{
			device.ISO:        100,
			device.FlashPower: 100,
		},
		focus:         device.ContinuousFocus,
		point:         device.FocusPointAuto,
		custom:        device.Point{X: 0.5, Y: 0.5},
		optical:       1,
		digital:       1,
		captureCtx:    ctx,
		cancelCapture: cancel,
	}
}

func (c *virtualCamera) Start(ctx context.Context) error {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	c.log.DebugContext(ctx, "virtual camera started")
	return nil
}

func (c *virtualCamera) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.log.DebugContext(ctx, "virtual camera stopped")
	return nil
}

func (c *virtualCamera) SetCaptureMode(mode device.CaptureMode) {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
}

func (c *virtualCamera) SupportedResolutions(rate device.Rational, mode device.CaptureMode) []device.Size {
	var sizes []device.Size
	for _, m := range virtualModes {
		if rate.IsZero() || containsRate(m.rate, rate) {
			sizes = append(sizes, m.size)
		}
	}
	return sizes
}

func (c *virtualCamera) SupportedFrameRates(resolution device.Size) []device.Rational {
	var rates []device.Rational
	for _, m := range virtualModes {
		if !resolution.IsEmpty() && m.size != resolution {
			continue
		}
		for _, r := range m.rate {
			if !containsRate(rates, r) {
				rates = append(rates, r)
			}
		}
	}
	return rates
}

func containsRate(rates []device.Rational, r device.Rational) bool {
	for _, x := range rates {
		if math.Abs(x.Float()-r.Float()) < 1e-6 {
			return true
		}
	}
	return false
}

func (c *virtualCamera) Close() error {
	c.cancelCapture()
	c.stopNotifying()
	c.captures.Wait()
	return nil
}

func (c *virtualCamera) FlashMode() device.FlashModes {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flash
}

func (c *virtualCamera) SetFlashMode(mode device.FlashModes) {
	c.mu.Lock()
	c.flash = mode
	c.mu.Unlock()
}

func (c *virtualCamera) IsFlashModeSupported(mode device.FlashModes) bool {
	const supported = device.FlashAuto | device.FlashOff | device.FlashOn | device.FlashRedEyeReduction | device.FlashTorch
	return mode&^supported == 0
}

func (c *virtualCamera) ExposureParameter(p device.ExposureParameter) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.params[p]
	if !ok {
		return nil
	}
	return v
}

func (c *virtualCamera) SetExposureParameter(p device.ExposureParameter, value any) bool {
	v, err := cast.ToIntE(value)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.params[p]; !ok {
		return false
	}
	c.params[p] = v
	return true
}

func (c *virtualCamera) IsParameterSupported(p device.ExposureParameter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.params[p]
	return ok
}

// Throttle lowers flash power as hardware does when it overheats.
func (c *virtualCamera) Throttle(power int) {
	c.mu.Lock()
	c.params[device.FlashPower] = power
	c.mu.Unlock()
	c.send(device.Notification{Kind: device.ExposureParameterChanged, Parameter: device.FlashPower})
}

// FireFlash takes the flash for a photo and drops the torch, reporting the
// change.
func (c *virtualCamera) FireFlash() {
	c.mu.Lock()
	c.flash = c.flash.Without(device.FlashTorch).With(device.FlashOn)
	c.mu.Unlock()
	c.send(device.Notification{Kind: device.FlashModeChanged})
}

func (c *virtualCamera) FocusMode() device.FocusModes {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.focus
}

func (c *virtualCamera) SetFocusMode(mode device.FocusModes) {
	if !c.IsFocusModeSupported(mode) {
		return
	}
	c.mu.Lock()
	c.focus = mode
	c.mu.Unlock()
	c.send(device.Notification{Kind: device.FocusZonesChanged})
}

func (c *virtualCamera) IsFocusModeSupported(mode device.FocusModes) bool {
	const supported = device.ManualFocus | device.AutoFocus | device.ContinuousFocus | device.InfinityFocus
	return mode != 0 && mode&^supported == 0
}

func (c *virtualCamera) FocusPointMode() device.FocusPointMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.point
}

func (c *virtualCamera) SetFocusPointMode(mode device.FocusPointMode) {
	if !c.IsFocusPointModeSupported(mode) {
		return
	}
	c.mu.Lock()
	c.point = mode
	c.mu.Unlock()
	c.send(device.Notification{Kind: device.FocusZonesChanged})
}

func (c *virtualCamera) IsFocusPointModeSupported(mode device.FocusPointMode) bool {
	return mode != device.FocusPointFaceDetection
}

func (c *virtualCamera) CustomFocusPoint() device.Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.custom
}

func (c *virtualCamera) SetCustomFocusPoint(p device.Point) {
	c.mu.Lock()
	c.custom = p
	custom := c.point == device.FocusPointCustom
	c.mu.Unlock()
	if custom {
		c.send(device.Notification{Kind: device.FocusZonesChanged})
	}
}

func (c *virtualCamera) FocusZones() []device.FocusZone {
	c.mu.Lock()
	defer c.mu.Unlock()
	center := device.Point{X: 0.5, Y: 0.5}
	switch c.point {
	case device.FocusPointCustom:
		center = c.custom
	case device.FocusPointAuto:
		if c.focus.Has(device.ManualFocus) {
			return nil
		}
	}
	status := device.ZoneSelected
	if c.focus.Has(device.AutoFocus) || c.focus.Has(device.ContinuousFocus) {
		status = device.ZoneFocused
	}
	return []device.FocusZone{device.NewFocusZone(zoneAround(center, 0.2), status)}
}

// zoneAround returns a size x size area centred on p, kept inside the frame.
func zoneAround(p device.Point, size float64) device.Rect {
	x := min(max(p.X-size/2, 0), 1-size)
	y := min(max(p.Y-size/2, 0), 1-size)
	return device.Rect{X: x, Y: y, Width: size, Height: size}
}

func (c *virtualCamera) MaximumOpticalZoom() float64 { return virtualMaxOptical }
func (c *virtualCamera) MaximumDigitalZoom() float64 { return virtualMaxDigital }

func (c *virtualCamera) OpticalZoom() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.optical
}

func (c *virtualCamera) DigitalZoom() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.digital
}

// ZoomTo snaps both values to tenths within the supported range and
// reports the achieved values.
func (c *virtualCamera) ZoomTo(optical, digital float64) {
	optical = snapZoom(optical, virtualMaxOptical)
	digital = snapZoom(digital, virtualMaxDigital)

	c.mu.Lock()
	opticalChanged := c.optical != optical
	digitalChanged := c.digital != digital
	c.optical = optical
	c.digital = digital
	c.mu.Unlock()

	if opticalChanged {
		c.send(device.Notification{Kind: device.OpticalZoomChanged, Zoom: optical})
	}
	if digitalChanged {
		c.send(device.Notification{Kind: device.DigitalZoomChanged, Zoom: digital})
	}
}

func snapZoom(v, maxZoom float64) float64 {
	v = min(max(v, 1), maxZoom)
	return math.Round(v*virtualZoomSteps) / virtualZoomSteps
}

func (c *virtualCamera) CaptureImage(id int, path string) {
	c.mu.Lock()
	running := c.running
	ctx := c.captureCtx
	c.mu.Unlock()

	c.captures.Add(1)
	go func() {
		defer c.captures.Done()
		if !running {
			// the session accepted it during startup; give the pipeline no second chance
			c.captureFailed(id, device.NotReadyError, "camera is not running")
			return
		}

		c.send(device.Notification{Kind: device.ImageExposed, RequestID: id})
		data, err := c.render(id)
		if err != nil {
			c.captureFailed(id, device.FormatError, err.Error())
			return
		}
		c.send(device.Notification{Kind: device.ImageCaptured, RequestID: id, Image: data})

		if ctx.Err() != nil {
			c.captureFailed(id, device.ResourceError, "capture cancelled")
			return
		}
		c.saveImage(c.fs, id, path, data)
	}()
}

func (c *virtualCamera) CancelCapture() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelCapture()
	c.captureCtx, c.cancelCapture = context.WithCancel(context.Background())
}

func (c *virtualCamera) SupportedCodecs() []string {
	return []string{"mjpeg", "yuyv"}
}

func (c *virtualCamera) CodecDescription(name string) string {
	switch name {
	case "mjpeg":
		return "Motion-JPEG"
	case "yuyv":
		return "YUYV 4:2:2"
	}
	return ""
}

// render draws a gradient whose hue depends on the request id.
func (c *virtualCamera) render(id int) ([]byte, error) {
	const w, h = 320, 240
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x * 255 / w),
				G: uint8(y * 255 / h),
				B: uint8(id * 37),
				A: 255,
			})
		}
	}

	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, img, nil); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	if buf.Len() == 0 {
		return nil, errors.New("empty image")
	}
	return buf.Bytes(), nil
}
