package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/spf13/afero"
	"github.com/tuzkov/camctl/device"
)

const (
	RpiCamBinary = "rpicam-still"

	rpiMaxDigitalZoom = 4.0
	rpiFocusWindow    = 0.2
)

// rpicam can be run only from one place, so locking it with mutex
var rpicamMutex = &sync.Mutex{}

// sensor modes of the camera module 3
var rpiModes = []struct {
	size device.Size
	rate device.Rational
}{
	{device.Size{Width: 1536, Height: 864}, device.Rational{Num: 12013, Den: 100}},
	{device.Size{Width: 2304, Height: 1296}, device.Rational{Num: 5603, Den: 100}},
	{device.Size{Width: 4608, Height: 2592}, device.Rational{Num: 1435, Den: 100}},
}

// rpiCamera drives rpicam-still. Every capture is a separate process run;
// focus and digital zoom become command line options of the next shot.
type rpiCamera struct {
	log *slog.Logger
	*notifier
	fs afero.Fs

	binary       string
	rotation     int
	lensPosition float64

	sync.Mutex
	running   bool
	focus     device.FocusModes
	pointMode device.FocusPointMode
	point     device.Point
	digital   float64
	captures  sync.WaitGroup

	captureCtx    context.Context
	cancelCapture context.CancelFunc
}

func NewRPICamera(log *slog.Logger, cfg *Config) (*rpiCamera, error) {
	binary := cfg.Binary
	if binary == "" {
		binary = RpiCamBinary
	}
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("fail to find %s: %w", binary, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &rpiCamera{
		log:           log.With("svc", "camera"),
		notifier:      newNotifier(),
		fs:            afero.NewOsFs(),
		binary:        binary,
		rotation:      cfg.Rotation,
		lensPosition:  cfg.LensPosition,
		focus:         device.ManualFocus,
		pointMode:     device.FocusPointAuto,
		point:         device.Point{X: 0.5, Y: 0.5},
		digital:       1,
		captureCtx:    ctx,
		cancelCapture: cancel,
	}, nil
}

func (c *rpiCamera) Start(ctx context.Context) error {
	c.Lock()
	c.running = true
	c.Unlock()
	return nil
}

func (c *rpiCamera) Stop(ctx context.Context) error {
	c.Lock()
	c.running = false
	c.Unlock()
	return nil
}

func (c *rpiCamera) SetCaptureMode(mode device.CaptureMode) {}

func (c *rpiCamera) SupportedResolutions(rate device.Rational, mode device.CaptureMode) []device.Size {
	var sizes []device.Size
	for _, m := range rpiModes {
		if rate.IsZero() || rate.Float() <= m.rate.Float() {
			sizes = append(sizes, m.size)
		}
	}
	return sizes
}

func (c *rpiCamera) SupportedFrameRates(resolution device.Size) []device.Rational {
	var rates []device.Rational
	for _, m := range rpiModes {
		if resolution.IsEmpty() || m.size == resolution {
			rates = append(rates, m.rate)
		}
	}
	return rates
}

func (c *rpiCamera) Close() error {
	c.Lock()
	c.cancelCapture()
	c.Unlock()
	c.stopNotifying()
	c.captures.Wait()
	return nil
}

func (c *rpiCamera) FocusMode() device.FocusModes {
	c.Lock()
	defer c.Unlock()
	return c.focus
}

func (c *rpiCamera) SetFocusMode(mode device.FocusModes) {
	if !c.IsFocusModeSupported(mode) {
		return
	}
	c.Lock()
	c.focus = mode
	c.Unlock()
}

func (c *rpiCamera) IsFocusModeSupported(mode device.FocusModes) bool {
	switch mode {
	case device.ManualFocus, device.AutoFocus, device.ContinuousFocus:
		return true
	}
	return false
}

func (c *rpiCamera) FocusPointMode() device.FocusPointMode {
	c.Lock()
	defer c.Unlock()
	return c.pointMode
}

func (c *rpiCamera) SetFocusPointMode(mode device.FocusPointMode) {
	if !c.IsFocusPointModeSupported(mode) {
		return
	}
	c.Lock()
	c.pointMode = mode
	c.Unlock()
	c.send(device.Notification{Kind: device.FocusZonesChanged})
}

func (c *rpiCamera) IsFocusPointModeSupported(mode device.FocusPointMode) bool {
	return mode != device.FocusPointFaceDetection
}

func (c *rpiCamera) CustomFocusPoint() device.Point {
	c.Lock()
	defer c.Unlock()
	return c.point
}

func (c *rpiCamera) SetCustomFocusPoint(p device.Point) {
	c.Lock()
	c.point = p
	custom := c.pointMode == device.FocusPointCustom
	c.Unlock()
	if custom {
		c.send(device.Notification{Kind: device.FocusZonesChanged})
	}
}

// FocusZones reports the autofocus window of the next shot.
func (c *rpiCamera) FocusZones() []device.FocusZone {
	area, ok := c.focusWindow()
	if !ok {
		return nil
	}
	return []device.FocusZone{device.NewFocusZone(area, device.ZoneSelected)}
}

func (c *rpiCamera) focusWindow() (device.Rect, bool) {
	c.Lock()
	defer c.Unlock()
	switch c.pointMode {
	case device.FocusPointCenter:
		return zoneAround(device.Point{X: 0.5, Y: 0.5}, rpiFocusWindow), true
	case device.FocusPointCustom:
		return zoneAround(c.point, rpiFocusWindow), true
	}
	return device.Rect{}, false
}

func (c *rpiCamera) MaximumOpticalZoom() float64 { return 1 }
func (c *rpiCamera) MaximumDigitalZoom() float64 { return rpiMaxDigitalZoom }
func (c *rpiCamera) OpticalZoom() float64        { return 1 }

func (c *rpiCamera) DigitalZoom() float64 {
	c.Lock()
	defer c.Unlock()
	return c.digital
}

// ZoomTo applies only the digital part: the module has a fixed lens.
func (c *rpiCamera) ZoomTo(optical, digital float64) {
	digital = min(max(digital, 1), rpiMaxDigitalZoom)
	c.Lock()
	changed := c.digital != digital
	c.digital = digital
	c.Unlock()
	if changed {
		c.send(device.Notification{Kind: device.DigitalZoomChanged, Zoom: digital})
	}
}

func (c *rpiCamera) CaptureImage(id int, path string) {
	c.Lock()
	running := c.running
	ctx := c.captureCtx
	args := c.shotArgs(path)
	c.Unlock()

	c.captures.Add(1)
	go func() {
		defer c.captures.Done()
		if !running {
			c.captureFailed(id, device.NotReadyError, "camera is not running")
			return
		}
		if err := c.takeShot(ctx, id, args); err != nil {
			c.log.WarnContext(ctx, "fail to take shot", "id", id, "err", err)
			kind := device.ResourceError
			if errors.Is(err, context.Canceled) {
				err = errors.New("capture cancelled")
			}
			c.captureFailed(id, kind, err.Error())
			return
		}

		img, err := afero.ReadFile(c.fs, path)
		if err != nil {
			c.captureFailed(id, device.ResourceError, fmt.Sprintf("fail to read shot: %v", err))
			return
		}
		c.send(device.Notification{Kind: device.ImageCaptured, RequestID: id, Image: img})
		c.send(device.Notification{Kind: device.ImageSaved, RequestID: id, Path: path})
	}()
}

func (c *rpiCamera) CancelCapture() {
	c.Lock()
	defer c.Unlock()
	c.cancelCapture()
	c.captureCtx, c.cancelCapture = context.WithCancel(context.Background())
}

func cameraOpts(rotation int) []string {
	return []string{
		"--encoding", "jpg",
		"--rotation", strconv.Itoa(rotation),
		"-n", // no preview
	}
}

// shotArgs builds the rpicam-still command line for a single shot. Must be
// called with the lock held.
func (c *rpiCamera) shotArgs(path string) []string {
	args := cameraOpts(c.rotation)

	switch c.focus {
	case device.ManualFocus:
		args = append(args, "--autofocus-mode", "manual",
			"--lens-position", strconv.FormatFloat(c.lensPosition, 'f', 2, 64))
	case device.AutoFocus:
		args = append(args, "--autofocus-mode", "auto")
	case device.ContinuousFocus:
		args = append(args, "--autofocus-mode", "continuous")
	}

	var window *device.Rect
	switch c.pointMode {
	case device.FocusPointCenter:
		w := zoneAround(device.Point{X: 0.5, Y: 0.5}, rpiFocusWindow)
		window = &w
	case device.FocusPointCustom:
		w := zoneAround(c.point, rpiFocusWindow)
		window = &w
	}
	if window != nil && c.focus != device.ManualFocus {
		args = append(args, "--autofocus-window", rectArg(*window))
	}

	if c.digital > 1 {
		// digital zoom
		side := 1 / c.digital
		off := (1 - side) / 2
		args = append(args, "--roi", rectArg(device.Rect{X: off, Y: off, Width: side, Height: side}))
	}

	return append(args,
		"--immediate",
		"-o", path,
	)
}

func rectArg(r device.Rect) string {
	f := func(v float64) string {
		return strconv.FormatFloat(math.Round(v*1000)/1000, 'f', -1, 64)
	}
	return f(r.X) + "," + f(r.Y) + "," + f(r.Width) + "," + f(r.Height)
}

// runs CLI command to take shot from camera
func (c *rpiCamera) takeShot(ctx context.Context, id int, args []string) error {
	if !rpicamMutex.TryLock() {
		return errors.New("camera is busy")
	}
	defer rpicamMutex.Unlock()

	c.send(device.Notification{Kind: device.ImageExposed, RequestID: id})

	c.log.DebugContext(ctx, "rpicam-still args", "args", args)
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Env = os.Environ()
	output, err := cmd.CombinedOutput()
	c.log.DebugContext(ctx, "rpicam-still output", "output", string(output))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("fail to run %s: %w", c.binary, err)
	}

	return nil
}
