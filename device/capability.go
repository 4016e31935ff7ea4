package device

type CapabilityKind int

const (
	FlashCapability CapabilityKind = iota
	ExposureCapability
	FocusCapability
	ZoomCapability
	ImageCaptureCapability
	CaptureCancelCapability
	CodecCapability
)

var capabilityNames = map[CapabilityKind]string{
	FlashCapability:         "flash",
	ExposureCapability:      "exposure",
	FocusCapability:         "focus",
	ZoomCapability:          "zoom",
	ImageCaptureCapability:  "image_capture",
	CaptureCancelCapability: "capture_cancel",
	CodecCapability:         "codecs",
}

func (k CapabilityKind) String() string {
	if n, ok := capabilityNames[k]; ok {
		return n
	}
	return "unknown"
}

// Capability is either Present(value) or Absent.
type Capability[T any] struct {
	value   T
	present bool
}

func Present[T any](v T) Capability[T] {
	return Capability[T]{value: v, present: true}
}

func Absent[T any]() Capability[T] {
	return Capability[T]{}
}

func (c Capability[T]) Get() (T, bool) {
	return c.value, c.present
}

func (c Capability[T]) IsPresent() bool {
	return c.present
}

// Registry records which optional capabilities a session's backend offers.
// It is computed once and never changes afterwards.
type Registry struct {
	flash    Capability[FlashControl]
	exposure Capability[ExposureControl]
	focus    Capability[FocusControl]
	zoom     Capability[ZoomControl]
	capture  Capability[ImageCaptureControl]
	cancel   Capability[CaptureCanceler]
	codecs   Capability[CodecInfo]
}

func NewRegistry(b Backend) *Registry {
	reporter, _ := b.(CapabilityReporter)
	reported := func(kind CapabilityKind) bool {
		return reporter == nil || reporter.HasCapability(kind)
	}

	r := &Registry{}
	r.flash = lookup[FlashControl](b, reported(FlashCapability))
	r.exposure = lookup[ExposureControl](b, reported(ExposureCapability))
	r.focus = lookup[FocusControl](b, reported(FocusCapability))
	r.zoom = lookup[ZoomControl](b, reported(ZoomCapability))
	r.capture = lookup[ImageCaptureControl](b, reported(ImageCaptureCapability))
	r.cancel = lookup[CaptureCanceler](b, reported(CaptureCancelCapability))
	r.codecs = lookup[CodecInfo](b, reported(CodecCapability))
	return r
}

func lookup[T any](b Backend, reported bool) Capability[T] {
	if !reported {
		return Absent[T]()
	}
	if v, ok := b.(T); ok {
		return Present(v)
	}
	return Absent[T]()
}

func (r *Registry) Has(kind CapabilityKind) bool {
	_, ok := r.Get(kind)
	return ok
}

// Get returns the capability as an untyped value; prefer the typed accessors.
func (r *Registry) Get(kind CapabilityKind) (any, bool) {
	switch kind {
	case FlashCapability:
		return r.flash.Get()
	case ExposureCapability:
		return r.exposure.Get()
	case FocusCapability:
		return r.focus.Get()
	case ZoomCapability:
		return r.zoom.Get()
	case ImageCaptureCapability:
		return r.capture.Get()
	case CaptureCancelCapability:
		return r.cancel.Get()
	case CodecCapability:
		return r.codecs.Get()
	}
	return nil, false
}

// Kinds lists the present capabilities in declaration order.
func (r *Registry) Kinds() []CapabilityKind {
	var kinds []CapabilityKind
	for k := FlashCapability; k <= CodecCapability; k++ {
		if r.Has(k) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func (r *Registry) Flash() Capability[FlashControl]               { return r.flash }
func (r *Registry) Exposure() Capability[ExposureControl]         { return r.exposure }
func (r *Registry) Focus() Capability[FocusControl]               { return r.focus }
func (r *Registry) Zoom() Capability[ZoomControl]                 { return r.zoom }
func (r *Registry) ImageCapture() Capability[ImageCaptureControl] { return r.capture }
func (r *Registry) CaptureCancel() Capability[CaptureCanceler]    { return r.cancel }
func (r *Registry) Codecs() Capability[CodecInfo]                 { return r.codecs }
