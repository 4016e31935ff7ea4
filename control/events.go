package control

import (
	"sync"

	"github.com/tuzkov/camctl/device"
	"github.com/tuzkov/camctl/metrics"
)

const subscriberBuffer = 64

// Broadcaster fans events out to any number of subscribers. Emission never
// blocks the dispatch loop: a subscriber whose buffer is full misses the
// event and the drop is counted.
type Broadcaster[E any] struct {
	stream string

	mu      sync.RWMutex
	clients map[chan E]struct{}
}

func newBroadcaster[E any](stream string) *Broadcaster[E] {
	return &Broadcaster[E]{
		stream:  stream,
		clients: make(map[chan E]struct{}),
	}
}

// Subscribe returns a channel of events and a cleanup function that must be
// called once the caller is done reading.
func (b *Broadcaster[E]) Subscribe() (<-chan E, func()) {
	ch := make(chan E, subscriberBuffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

func (b *Broadcaster[E]) emit(e E) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- e:
		default:
			metrics.IncEventDropped(b.stream)
		}
	}
}

type TorchEventKind int

const (
	EnabledChanged TorchEventKind = iota
	PowerChanged
)

func (k TorchEventKind) String() string {
	if k == EnabledChanged {
		return "enabled_changed"
	}
	return "power_changed"
}

type TorchEvent struct {
	Kind    TorchEventKind
	Enabled bool
	Power   int
}

type FocusEventKind int

const (
	FocusZonesChanged FocusEventKind = iota
	OpticalZoomChanged
	DigitalZoomChanged
	MaximumOpticalZoomChanged
	MaximumDigitalZoomChanged
)

func (k FocusEventKind) String() string {
	switch k {
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
	}
	return "unknown"
}

// FocusEvent carries the new zoom value for zoom kinds; focus zone events
// carry no payload, read Focus.FocusZones instead.
type FocusEvent struct {
	Kind  FocusEventKind
	Value float64
}

type CaptureEventKind int

const (
	ReadyForCaptureChanged CaptureEventKind = iota
	ImageExposed
	ImageCaptured
	ImageSaved
	CaptureFailed
)

func (k CaptureEventKind) String() string {
	switch k {
	case ReadyForCaptureChanged:
		return "ready_for_capture_changed"
	case ImageExposed:
		return "image_exposed"
	case ImageCaptured:
		return "image_captured"
	case ImageSaved:
		return "image_saved"
	case CaptureFailed:
		return "error"
	}
	return "unknown"
}

type CaptureEvent struct {
	Kind      CaptureEventKind
	Ready     bool
	RequestID int
	Image     []byte
	Path      string
	Error     device.CaptureError
	Message   string
}

type EncoderEventKind int

const (
	SettingsChanged EncoderEventKind = iota
)

func (k EncoderEventKind) String() string {
	return "settings_changed"
}

type EncoderEvent struct {
	Kind     EncoderEventKind
	Settings VideoEncoderSettings
}
