package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sort"
	"sync"

	"github.com/blackjack/webcam"
	"github.com/spf13/afero"
	"github.com/spf13/cast"
	"github.com/tuzkov/camctl/device"
)

const (
	V4L2_PIX_FMT_PJPG  = 0x47504A50
	V4L2_PIX_FMT_MJPEG = 0x47504A4D
	V4L2_PIX_FMT_YUYV  = 0x56595559

	V4L2_CID_CAMERA_CLASS_BASE = 0x009a0900
	V4L2_CID_FOCUS_ABSOLUTE    = V4L2_CID_CAMERA_CLASS_BASE + 10
	V4L2_CID_FOCUS_AUTO        = V4L2_CID_CAMERA_CLASS_BASE + 12
	V4L2_CID_ZOOM_ABSOLUTE     = V4L2_CID_CAMERA_CLASS_BASE + 13

	V4L2_CID_FLASH_CLASS_BASE      = 0x009c0900
	V4L2_CID_FLASH_LED_MODE        = V4L2_CID_FLASH_CLASS_BASE + 1
	V4L2_CID_FLASH_TORCH_INTENSITY = V4L2_CID_FLASH_CLASS_BASE + 8

	V4L2_FLASH_LED_MODE_NONE  = 0
	V4L2_FLASH_LED_MODE_FLASH = 1
	V4L2_FLASH_LED_MODE_TORCH = 2
)

// true: frames are converted to jpeg, false: frames already are jpeg
var supportedFormats = map[webcam.PixelFormat]bool{
	V4L2_PIX_FMT_PJPG:  false,
	V4L2_PIX_FMT_MJPEG: false,
	V4L2_PIX_FMT_YUYV:  true,
}

const defaultZoomBase = 100

type usbcamera struct {
	log *slog.Logger
	*notifier
	fs afero.Fs

	cam      *webcam.Webcam
	formats  map[webcam.PixelFormat]string
	format   webcam.PixelFormat
	size     webcam.FrameSize
	controls map[webcam.ControlID]webcam.Control

	sync.RWMutex
	frame       []byte
	imageWidth  int
	imageHeight int
	streaming   bool
	stop        context.CancelFunc
	done        chan struct{}
	pointMode   device.FocusPointMode
	captures    sync.WaitGroup
}

// NewUSBCamera opens a V4L2 device. Streaming starts with Start.
func NewUSBCamera(log *slog.Logger, path string) (*usbcamera, error) {
	if path == "" {
		path = "/dev/video0"
	}
	cam, err := webcam.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fail to open camera: %w", err)
	}
	formatDesc := cam.GetSupportedFormats()
	log.Debug("Supported formats", "formats", formatDesc)

	var format webcam.PixelFormat
	for f, desc := range formatDesc {
		if _, ok := supportedFormats[f]; ok {
			log.Debug("Picked format", "format", desc)
			format = f
			if supportedFormats[f] {
				break
			}
		}
	}

	if format == 0 {
		cam.Close()
		return nil, fmt.Errorf("found no supported formats")
	}

	sizes := FrameSizes(cam.GetSupportedFrameSizes(format))
	if len(sizes) == 0 {
		cam.Close()
		return nil, fmt.Errorf("found no frame sizes")
	}
	sort.Sort(sizes)

	size := sizes[len(sizes)-1]
	log.Debug("Picked size", "size", size)

	controls := cam.GetControls()
	log.Debug("Supported controls", "count", len(controls))

	return &usbcamera{
		log:       log.With("svc", "camera"),
		notifier:  newNotifier(),
		fs:        afero.NewOsFs(),
		cam:       cam,
		formats:   formatDesc,
		format:    format,
		size:      size,
		controls:  controls,
		pointMode: device.FocusPointAuto,
	}, nil
}

func (c *usbcamera) Start(ctx context.Context) error {
	c.Lock()
	defer c.Unlock()
	if c.streaming {
		return nil
	}

	f, w, h, err := c.cam.SetImageFormat(c.format, c.size.MaxWidth, c.size.MaxHeight)
	if err != nil {
		return fmt.Errorf("fail to set image format: %w", err)
	}
	c.log.InfoContext(ctx, "Set image format", "format", f, "width", w, "height", h)

	err = c.cam.StartStreaming()
	if err != nil {
		return fmt.Errorf("fail to start streaming: %w", err)
	}

	c.format = f
	c.imageWidth = int(w)
	c.imageHeight = int(h)
	c.streaming = true
	loopCtx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	c.done = make(chan struct{})

	go c.handleCamera(loopCtx, c.done)

	return nil
}

func (c *usbcamera) Stop(ctx context.Context) error {
	c.Lock()
	if !c.streaming {
		c.Unlock()
		return nil
	}
	c.streaming = false
	c.frame = nil
	stop, done := c.stop, c.done
	c.Unlock()

	stop()
	<-done
	if err := c.cam.StopStreaming(); err != nil {
		return fmt.Errorf("fail to stop streaming: %w", err)
	}
	c.log.InfoContext(ctx, "streaming stopped")
	return nil
}

func (c *usbcamera) SetCaptureMode(mode device.CaptureMode) {
	c.log.Debug("capture mode", "mode", mode)
}

// SupportedResolutions lists the largest size of every frame size entry the
// driver reports for the active pixel format.
func (c *usbcamera) SupportedResolutions(rate device.Rational, mode device.CaptureMode) []device.Size {
	var res []device.Size
	for _, fs := range c.cam.GetSupportedFrameSizes(c.format) {
		if !rate.IsZero() && !containsRate(c.frameRates(fs.MaxWidth, fs.MaxHeight), rate) {
			continue
		}
		res = append(res, device.Size{Width: int(fs.MaxWidth), Height: int(fs.MaxHeight)})
	}
	return res
}

func (c *usbcamera) SupportedFrameRates(resolution device.Size) []device.Rational {
	if resolution.IsEmpty() {
		resolution = device.Size{Width: int(c.size.MaxWidth), Height: int(c.size.MaxHeight)}
	}
	return c.frameRates(uint32(resolution.Width), uint32(resolution.Height))
}

// frameRates converts the driver's frame intervals (seconds per frame)
// into rates.
func (c *usbcamera) frameRates(width, height uint32) []device.Rational {
	var rates []device.Rational
	for _, fr := range c.cam.GetSupportedFramerates(c.format, width, height) {
		if fr.MaxNumerator == 0 {
			continue
		}
		rates = append(rates, device.Rational{Num: int(fr.MaxDenominator), Den: int(fr.MaxNumerator)})
	}
	return rates
}

func (c *usbcamera) Close() error {
	err := c.Stop(context.Background())
	c.stopNotifying()
	c.captures.Wait()
	return errors.Join(err, c.cam.Close())
}

func (c *usbcamera) HasCapability(kind device.CapabilityKind) bool {
	switch kind {
	case device.FlashCapability:
		return c.hasControl(V4L2_CID_FLASH_LED_MODE)
	case device.ExposureCapability:
		return c.hasControl(V4L2_CID_FLASH_TORCH_INTENSITY)
	case device.FocusCapability:
		return c.hasControl(V4L2_CID_FOCUS_AUTO) || c.hasControl(V4L2_CID_FOCUS_ABSOLUTE)
	case device.ZoomCapability:
		return c.hasControl(V4L2_CID_ZOOM_ABSOLUTE)
	case device.ImageCaptureCapability, device.CodecCapability:
		return true
	}
	return false
}

func (c *usbcamera) hasControl(id webcam.ControlID) bool {
	_, ok := c.controls[id]
	return ok
}

func (c *usbcamera) control(id webcam.ControlID) (int32, bool) {
	if !c.hasControl(id) {
		return 0, false
	}
	v, err := c.cam.GetControl(id)
	if err != nil {
		c.log.Warn("fail to get control", "id", id, "err", err)
		return 0, false
	}
	return v, true
}

func (c *usbcamera) setControl(id webcam.ControlID, v int32) bool {
	if !c.hasControl(id) {
		return false
	}
	if err := c.cam.SetControl(id, v); err != nil {
		c.log.Warn("fail to set control", "id", id, "value", v, "err", err)
		return false
	}
	return true
}

func (c *usbcamera) FlashMode() device.FlashModes {
	v, _ := c.control(V4L2_CID_FLASH_LED_MODE)
	switch v {
	case V4L2_FLASH_LED_MODE_TORCH:
		return device.FlashTorch
	case V4L2_FLASH_LED_MODE_FLASH:
		return device.FlashOn
	}
	return device.FlashOff
}

func (c *usbcamera) SetFlashMode(mode device.FlashModes) {
	v := int32(V4L2_FLASH_LED_MODE_NONE)
	switch {
	case mode.Has(device.FlashTorch):
		v = V4L2_FLASH_LED_MODE_TORCH
	case mode.Has(device.FlashOn):
		v = V4L2_FLASH_LED_MODE_FLASH
	}
	c.setControl(V4L2_CID_FLASH_LED_MODE, v)
}

func (c *usbcamera) IsFlashModeSupported(mode device.FlashModes) bool {
	return mode&^(device.FlashOff|device.FlashOn|device.FlashTorch) == 0
}

// ExposureParameter reports torch intensity as a 0..100 percentage of the
// control range.
func (c *usbcamera) ExposureParameter(p device.ExposureParameter) any {
	if p != device.FlashPower {
		return nil
	}
	v, ok := c.control(V4L2_CID_FLASH_TORCH_INTENSITY)
	if !ok {
		return nil
	}
	ctrl := c.controls[V4L2_CID_FLASH_TORCH_INTENSITY]
	if ctrl.Max <= ctrl.Min {
		return 100
	}
	return int((v - ctrl.Min) * 100 / (ctrl.Max - ctrl.Min))
}

func (c *usbcamera) SetExposureParameter(p device.ExposureParameter, value any) bool {
	if p != device.FlashPower {
		return false
	}
	percent, err := cast.ToInt32E(value)
	if err != nil {
		return false
	}
	ctrl := c.controls[V4L2_CID_FLASH_TORCH_INTENSITY]
	return c.setControl(V4L2_CID_FLASH_TORCH_INTENSITY, ctrl.Min+percent*(ctrl.Max-ctrl.Min)/100)
}

func (c *usbcamera) IsParameterSupported(p device.ExposureParameter) bool {
	return p == device.FlashPower && c.hasControl(V4L2_CID_FLASH_TORCH_INTENSITY)
}

// V4L2 autofocus is continuous; manual focus is the absolute lens position.
func (c *usbcamera) FocusMode() device.FocusModes {
	if v, ok := c.control(V4L2_CID_FOCUS_AUTO); ok && v != 0 {
		return device.ContinuousFocus
	}
	return device.ManualFocus
}

func (c *usbcamera) SetFocusMode(mode device.FocusModes) {
	switch mode {
	case device.ContinuousFocus:
		c.setControl(V4L2_CID_FOCUS_AUTO, 1)
	case device.ManualFocus:
		c.setControl(V4L2_CID_FOCUS_AUTO, 0)
	}
}

func (c *usbcamera) IsFocusModeSupported(mode device.FocusModes) bool {
	switch mode {
	case device.ContinuousFocus:
		return c.hasControl(V4L2_CID_FOCUS_AUTO)
	case device.ManualFocus:
		return c.hasControl(V4L2_CID_FOCUS_ABSOLUTE) || c.hasControl(V4L2_CID_FOCUS_AUTO)
	}
	return false
}

func (c *usbcamera) FocusPointMode() device.FocusPointMode {
	return device.FocusPointAuto
}

func (c *usbcamera) SetFocusPointMode(mode device.FocusPointMode) {}

func (c *usbcamera) IsFocusPointModeSupported(mode device.FocusPointMode) bool {
	return mode == device.FocusPointAuto
}

func (c *usbcamera) CustomFocusPoint() device.Point     { return device.Point{} }
func (c *usbcamera) SetCustomFocusPoint(p device.Point) {}
func (c *usbcamera) FocusZones() []device.FocusZone     { return nil }
func (c *usbcamera) MaximumDigitalZoom() float64        { return 1 }
func (c *usbcamera) DigitalZoom() float64               { return 1 }

// Zoom control values map to ratios against the bottom of the range, the
// UVC convention being 100 for 1x.
func (c *usbcamera) zoomBase() int32 {
	ctrl := c.controls[V4L2_CID_ZOOM_ABSOLUTE]
	if ctrl.Min > 0 {
		return ctrl.Min
	}
	return defaultZoomBase
}

func (c *usbcamera) zoomRatio(v int32) float64 {
	ctrl := c.controls[V4L2_CID_ZOOM_ABSOLUTE]
	base := c.zoomBase()
	return float64(v-ctrl.Min+base) / float64(base)
}

func (c *usbcamera) MaximumOpticalZoom() float64 {
	if !c.hasControl(V4L2_CID_ZOOM_ABSOLUTE) {
		return 1
	}
	return c.zoomRatio(c.controls[V4L2_CID_ZOOM_ABSOLUTE].Max)
}

func (c *usbcamera) OpticalZoom() float64 {
	v, ok := c.control(V4L2_CID_ZOOM_ABSOLUTE)
	if !ok {
		return 1
	}
	return c.zoomRatio(v)
}

func (c *usbcamera) ZoomTo(optical, digital float64) {
	ctrl, ok := c.controls[V4L2_CID_ZOOM_ABSOLUTE]
	if !ok {
		return
	}
	base := c.zoomBase()
	v := int32(optical*float64(base)) - base + ctrl.Min
	v = min(max(v, ctrl.Min), ctrl.Max)

	before := c.OpticalZoom()
	if !c.setControl(V4L2_CID_ZOOM_ABSOLUTE, v) {
		return
	}
	if after := c.OpticalZoom(); after != before {
		c.send(device.Notification{Kind: device.OpticalZoomChanged, Zoom: after})
	}
}

func (c *usbcamera) CaptureImage(id int, path string) {
	c.RWMutex.RLock()
	frame := c.frame
	c.RWMutex.RUnlock()

	c.captures.Add(1)
	go func() {
		defer c.captures.Done()
		if frame == nil {
			c.captureFailed(id, device.NotReadyError, "frame not yet available")
			return
		}
		c.send(device.Notification{Kind: device.ImageExposed, RequestID: id})

		img, err := c.encodeToImage(frame)
		if err != nil {
			c.captureFailed(id, device.FormatError, err.Error())
			return
		}
		c.send(device.Notification{Kind: device.ImageCaptured, RequestID: id, Image: img})
		c.saveImage(c.fs, id, path, img)
	}()
}

func (c *usbcamera) SupportedCodecs() []string {
	codecs := make([]string, 0, len(c.formats))
	for f := range c.formats {
		codecs = append(codecs, fourcc(f))
	}
	sort.Strings(codecs)
	return codecs
}

func (c *usbcamera) CodecDescription(name string) string {
	for f, desc := range c.formats {
		if fourcc(f) == name {
			return desc
		}
	}
	return ""
}

func fourcc(f webcam.PixelFormat) string {
	return string([]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)})
}

func (c *usbcamera) handleCamera(ctx context.Context, done chan struct{}) {
	defer close(done)
	for ctx.Err() == nil {
		err := c.cam.WaitForFrame(5)
		if err != nil {
			var timeout *webcam.Timeout
			if !errors.As(err, &timeout) {
				c.log.Warn("fail to wait for frame", "err", err)
			}
			continue
		}

		frame, err := c.cam.ReadFrame()
		if err != nil {
			c.log.Warn("fail to read frame", "err", err)
			continue
		}
		if len(frame) == 0 {
			continue
		}

		// the driver reuses its buffer
		frame = bytes.Clone(frame)
		c.RWMutex.Lock()
		c.frame = frame
		c.RWMutex.Unlock()
	}
}

func (c *usbcamera) encodeToImage(frame []byte) ([]byte, error) {
	c.RWMutex.RLock()
	convert := supportedFormats[c.format]
	width, height := c.imageWidth, c.imageHeight
	c.RWMutex.RUnlock()

	if !convert {
		return frame, nil
	}
	if len(frame) < width*height*2 {
		return nil, fmt.Errorf("short frame: %d bytes for %dx%d", len(frame), width, height)
	}

	var (
		img image.Image
	)

	yuyv := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio422)
	for i := range yuyv.Cb {
		ii := i * 4
		yuyv.Y[i*2] = frame[ii]
		yuyv.Y[i*2+1] = frame[ii+2]
		yuyv.Cb[i] = frame[ii+1]
		yuyv.Cr[i] = frame[ii+3]

	}
	img = yuyv
	//convert to jpeg
	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, img, nil); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}

	return buf.Bytes(), nil
}

type FrameSizes []webcam.FrameSize

func (slice FrameSizes) Len() int {
	return len(slice)
}

// For sorting purposes
func (slice FrameSizes) Less(i, j int) bool {
	ls := slice[i].MaxWidth * slice[i].MaxHeight
	rs := slice[j].MaxWidth * slice[j].MaxHeight
	return ls < rs
}

// For sorting purposes
func (slice FrameSizes) Swap(i, j int) {
	slice[i], slice[j] = slice[j], slice[i]
}
