package device

import "context"

// Backend is the device-specific side of a session. Only the methods below
// are mandatory; every optional capability is a separate interface that the
// Registry discovers with a type assertion.
//
// Backends deliver asynchronous hardware and pipeline changes on the
// Notifications channel from their own goroutines. The session marshals
// them onto its dispatch loop before any controller sees them.
type Backend interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SetCaptureMode(mode CaptureMode)
	SupportedResolutions(rate Rational, mode CaptureMode) []Size
	SupportedFrameRates(resolution Size) []Rational
	Notifications() <-chan Notification
	Close() error
}

type FlashControl interface {
	FlashMode() FlashModes
	SetFlashMode(mode FlashModes)
	IsFlashModeSupported(mode FlashModes) bool
}

// ExposureControl values are loosely typed; callers coerce them.
type ExposureControl interface {
	ExposureParameter(p ExposureParameter) any
	SetExposureParameter(p ExposureParameter, value any) bool
	IsParameterSupported(p ExposureParameter) bool
}

type FocusControl interface {
	FocusMode() FocusModes
	SetFocusMode(mode FocusModes)
	IsFocusModeSupported(mode FocusModes) bool
	FocusPointMode() FocusPointMode
	SetFocusPointMode(mode FocusPointMode)
	IsFocusPointModeSupported(mode FocusPointMode) bool
	CustomFocusPoint() Point
	SetCustomFocusPoint(p Point)
	FocusZones() []FocusZone
}

// ZoomControl requests are fire-and-forget; achieved values arrive later as
// zoom notifications.
type ZoomControl interface {
	MaximumOpticalZoom() float64
	MaximumDigitalZoom() float64
	OpticalZoom() float64
	DigitalZoom() float64
	ZoomTo(optical, digital float64)
}

// ImageCaptureControl must not block; results are reported through
// ImageExposed, ImageCaptured, ImageSaved or ImageCaptureFailed.
type ImageCaptureControl interface {
	CaptureImage(requestID int, path string)
}

type CaptureCanceler interface {
	CancelCapture()
}

type CodecInfo interface {
	SupportedCodecs() []string
	CodecDescription(name string) string
}

// CapabilityReporter lets a backend that implements an optional interface
// still report the capability as absent, e.g. a camera without a flash LED.
type CapabilityReporter interface {
	HasCapability(kind CapabilityKind) bool
}

type NotificationKind int

const (
	StateChanged NotificationKind = iota
	ExposureParameterChanged
	FlashModeChanged
	FocusZonesChanged
	OpticalZoomChanged
	DigitalZoomChanged
	MaximumOpticalZoomChanged
	MaximumDigitalZoomChanged
	ImageExposed
	ImageCaptured
	ImageSaved
	ImageCaptureFailed
)

func (k NotificationKind) String() string {
	switch k {
	case StateChanged:
		return "state_changed"
	case ExposureParameterChanged:
		return "exposure_parameter_changed"
	case FlashModeChanged:
		return "flash_mode_changed"
	case FocusZonesChanged:
		return "focus_zones_changed"
	case OpticalZoomChanged:
		return "optical_zoom_changed"
	case DigitalZoomChanged:
		return "digital_zoom_changed"
	case MaximumOpticalZoomChanged:
		return "maximum_optical_zoom_changed"
	case MaximumDigitalZoomChanged:
		return "maximum_digital_zoom_changed"
	case ImageExposed:
		return "image_exposed"
	case ImageCaptured:
		return "image_captured"
	case ImageSaved:
		return "image_saved"
	case ImageCaptureFailed:
		return "image_capture_failed"
	}
	return "unknown"
}

// Notification is a single backend report. Which fields are meaningful
// depends on Kind.
type Notification struct {
	Kind NotificationKind

	State     State
	Parameter ExposureParameter
	Zoom      float64

	RequestID int
	Image     []byte
	Path      string
	Error     CaptureError
	Message   string
}
