package device

import (
	"fmt"
	"strings"
)

// State is the pipeline state of a device session.
type State int32

const (
	StoppedState State = iota
	StartingState
	ActiveState
	PausedState
)

func (s State) String() string {
	switch s {
	case StoppedState:
		return "stopped"
	case StartingState:
		return "starting"
	case ActiveState:
		return "active"
	case PausedState:
		return "paused"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// CaptureMode is a bit-set of what the session is configured to capture.
type CaptureMode uint8

const (
	CaptureImage CaptureMode = 1 << iota
	CaptureVideo
)

func (m CaptureMode) Has(f CaptureMode) bool {
	return m&f == f && f != 0
}

func (m CaptureMode) String() string {
	var parts []string
	if m.Has(CaptureImage) {
		parts = append(parts, "image")
	}
	if m.Has(CaptureVideo) {
		parts = append(parts, "video")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseCaptureMode accepts "image", "video" or "both".
func ParseCaptureMode(s string) (CaptureMode, error) {
	switch strings.ToLower(s) {
	case "image":
		return CaptureImage, nil
	case "video":
		return CaptureVideo, nil
	case "both", "image|video":
		return CaptureImage | CaptureVideo, nil
	}
	return 0, fmt.Errorf("unknown capture mode %q", s)
}

// FlashModes is a bit-set of flash behaviours.
type FlashModes uint16

const (
	FlashAuto FlashModes = 1 << iota
	FlashOff
	FlashOn
	FlashRedEyeReduction
	FlashFill
	FlashTorch
	FlashSlowSyncFrontCurtain
	FlashSlowSyncRearCurtain
	FlashManual
)

func (f FlashModes) Has(mode FlashModes) bool {
	return f&mode == mode && mode != 0
}

func (f FlashModes) With(mode FlashModes) FlashModes {
	return f | mode
}

func (f FlashModes) Without(mode FlashModes) FlashModes {
	return f &^ mode
}

var flashNames = []struct {
	mode FlashModes
	name string
}{
	{FlashAuto, "auto"},
	{FlashOff, "off"},
	{FlashOn, "on"},
	{FlashRedEyeReduction, "redeye"},
	{FlashFill, "fill"},
	{FlashTorch, "torch"},
	{FlashSlowSyncFrontCurtain, "slowsync-front"},
	{FlashSlowSyncRearCurtain, "slowsync-rear"},
	{FlashManual, "manual"},
}

func (f FlashModes) String() string {
	var parts []string
	for _, n := range flashNames {
		if f.Has(n.mode) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ExposureParameter names a numeric exposure setting.
type ExposureParameter int

const (
	ISO ExposureParameter = iota
	Aperture
	ShutterSpeed
	ExposureCompensation
	FlashPower
	FlashCompensation
)

func (p ExposureParameter) String() string {
	switch p {
	case ISO:
		return "iso"
	case Aperture:
		return "aperture"
	case ShutterSpeed:
		return "shutter_speed"
	case ExposureCompensation:
		return "exposure_compensation"
	case FlashPower:
		return "flash_power"
	case FlashCompensation:
		return "flash_compensation"
	}
	return fmt.Sprintf("parameter(%d)", int(p))
}

// FocusModes is a bit-set; a device may support or run several at once.
type FocusModes uint8

const (
	ManualFocus FocusModes = 1 << iota
	HyperfocalFocus
	InfinityFocus
	AutoFocus
	ContinuousFocus
	MacroFocus
)

func (f FocusModes) Has(mode FocusModes) bool {
	return f&mode == mode && mode != 0
}

var focusNames = map[string]FocusModes{
	"manual":     ManualFocus,
	"hyperfocal": HyperfocalFocus,
	"infinity":   InfinityFocus,
	"auto":       AutoFocus,
	"continuous": ContinuousFocus,
	"macro":      MacroFocus,
}

// ParseFocusModes parses a "|" separated list such as "auto|continuous".
func ParseFocusModes(s string) (FocusModes, error) {
	var modes FocusModes
	for _, part := range strings.Split(s, "|") {
		m, ok := focusNames[strings.ToLower(strings.TrimSpace(part))]
		if !ok {
			return 0, fmt.Errorf("unknown focus mode %q", part)
		}
		modes |= m
	}
	return modes, nil
}

func (f FocusModes) String() string {
	var names []string
	for _, n := range []string{"manual", "hyperfocal", "infinity", "auto", "continuous", "macro"} {
		if f.Has(focusNames[n]) {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

type FocusPointMode int

const (
	FocusPointAuto FocusPointMode = iota
	FocusPointCenter
	FocusPointFaceDetection
	FocusPointCustom
)

func ParseFocusPointMode(s string) (FocusPointMode, error) {
	switch strings.ToLower(s) {
	case "auto":
		return FocusPointAuto, nil
	case "center":
		return FocusPointCenter, nil
	case "face", "facedetection":
		return FocusPointFaceDetection, nil
	case "custom":
		return FocusPointCustom, nil
	}
	return 0, fmt.Errorf("unknown focus point mode %q", s)
}

func (m FocusPointMode) String() string {
	switch m {
	case FocusPointAuto:
		return "auto"
	case FocusPointCenter:
		return "center"
	case FocusPointFaceDetection:
		return "facedetection"
	case FocusPointCustom:
		return "custom"
	}
	return "unknown"
}

// Point is a normalized frame coordinate, both axes in [0,1].
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is a normalized frame area.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type FocusZoneStatus int

const (
	ZoneInvalid FocusZoneStatus = iota
	ZoneUnused
	ZoneSelected
	ZoneFocused
)

func (s FocusZoneStatus) String() string {
	switch s {
	case ZoneUnused:
		return "unused"
	case ZoneSelected:
		return "selected"
	case ZoneFocused:
		return "focused"
	}
	return "invalid"
}

// FocusZone is a value object; copies never alias each other. The zero
// value is an invalid zone.
type FocusZone struct {
	area   Rect
	status FocusZoneStatus
}

func NewFocusZone(area Rect, status FocusZoneStatus) FocusZone {
	return FocusZone{area: area, status: status}
}

func (z FocusZone) Area() Rect              { return z.area }
func (z FocusZone) Status() FocusZoneStatus { return z.status }
func (z FocusZone) IsValid() bool           { return z.status != ZoneInvalid }

func (z *FocusZone) SetStatus(status FocusZoneStatus) {
	z.status = status
}

type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

func (s Size) IsEmpty() bool {
	return s.Width <= 0 || s.Height <= 0
}

// Rational is a frame rate expressed as Num/Den frames per second.
type Rational struct {
	Num int `json:"num"`
	Den int `json:"den"`
}

func (r Rational) IsZero() bool {
	return r.Num == 0 && r.Den == 0
}

func (r Rational) Float() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// CaptureError classifies a failed capture request.
type CaptureError int

const (
	NoError CaptureError = iota
	NotReadyError
	ResourceError
	OutOfSpaceError
	NotSupportedFeatureError
	FormatError
)

func (e CaptureError) String() string {
	switch e {
	case NoError:
		return "no_error"
	case NotReadyError:
		return "not_ready"
	case ResourceError:
		return "resource"
	case OutOfSpaceError:
		return "out_of_space"
	case NotSupportedFeatureError:
		return "not_supported"
	case FormatError:
		return "format"
	}
	return fmt.Sprintf("capture_error(%d)", int(e))
}
