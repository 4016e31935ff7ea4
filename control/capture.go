package control

import (
	"log/slog"
	"sync/atomic"

	"github.com/spf13/afero"
	"github.com/tuzkov/camctl/device"
	"github.com/tuzkov/camctl/metrics"
)

// ImageCapture issues still image capture requests against a session.
//
// Capture always returns a fresh request id. Everything that happens to the
// request afterwards, including refusal, is reported through Events keyed by
// that id.
type ImageCapture struct {
	log      *slog.Logger
	session  *device.Session
	capture  device.Capability[device.ImageCaptureControl]
	canceler device.Capability[device.CaptureCanceler]
	events   *Broadcaster[CaptureEvent]

	fs        afero.Fs
	outputDir string

	ready  bool
	lastID atomic.Int64
}

type CaptureOption func(*ImageCapture)

// WithFs sets the filesystem scanned for automatic image names.
func WithFs(fs afero.Fs) CaptureOption {
	return func(c *ImageCapture) { c.fs = fs }
}

// WithOutputDir sets the directory for automatically named images. The
// default is the working directory.
func WithOutputDir(dir string) CaptureOption {
	return func(c *ImageCapture) { c.outputDir = dir }
}

func NewImageCapture(log *slog.Logger, session *device.Session, opts ...CaptureOption) *ImageCapture {
	if log == nil {
		log = slog.Default()
	}
	caps := session.Capabilities()
	c := &ImageCapture{
		log:       log.With("svc", "imageCapture"),
		session:   session,
		capture:   caps.ImageCapture(),
		canceler:  caps.CaptureCancel(),
		events:    newBroadcaster[CaptureEvent]("capture"),
		fs:        afero.NewOsFs(),
		outputDir: ".",
	}
	for _, opt := range opts {
		opt(c)
	}

	session.Do(func() {
		c.ready = c.computeReady()
	})
	session.OnStateChanged(c.updateState)
	session.OnNotification(c.handleNotification)

	return c
}

func (c *ImageCapture) Events() (<-chan CaptureEvent, func()) {
	return c.events.Subscribe()
}

func (c *ImageCapture) IsAvailable() bool {
	return c.capture.IsPresent()
}

// IsReadyForCapture is true while the session is active and configured for
// still images.
func (c *ImageCapture) IsReadyForCapture() bool {
	var ready bool
	c.session.Do(func() { ready = c.ready })
	return ready
}

// Capture requests a still image written to path, or to the next free
// img_NNNN.jpg in the output directory when path is empty.
//
// Requests are accepted while the session is still starting. When the
// session is stopped or not in image mode, a CaptureFailed event with
// NotReadyError is queued; it is delivered only after Capture has returned.
func (c *ImageCapture) Capture(path string) int {
	var id int
	if !c.session.Do(func() { id = c.doCapture(path) }) {
		// closed session: still hand out an id, nothing will follow
		id = int(c.lastID.Add(1))
	}
	return id
}

// CancelCapture is best effort and a no-op when the backend cannot cancel.
func (c *ImageCapture) CancelCapture() {
	canceler, ok := c.canceler.Get()
	if !ok {
		return
	}
	c.session.Do(canceler.CancelCapture)
}

func (c *ImageCapture) doCapture(path string) int {
	id := int(c.lastID.Add(1))

	capture, ok := c.capture.Get()
	if !ok {
		metrics.IncCaptureRequest("unsupported")
		c.failLater(id, device.NotSupportedFeatureError, "Image capture not supported")
		return id
	}

	if c.session.PendingState() == device.StoppedState ||
		!c.session.CaptureMode().Has(device.CaptureImage) {
		metrics.IncCaptureRequest("not_ready")
		c.failLater(id, device.NotReadyError, "Not ready to capture")
		return id
	}

	if path == "" {
		name, err := nextImageName(c.fs, c.outputDir)
		if err != nil {
			metrics.IncCaptureRequest("resource")
			c.failLater(id, device.ResourceError, err.Error())
			return id
		}
		path = name
	}

	c.log.Debug("capture requested", "id", id, "path", path)
	metrics.IncCaptureRequest("accepted")
	capture.CaptureImage(id, path)
	return id
}

// failLater queues the error so the caller sees the returned id first.
func (c *ImageCapture) failLater(id int, kind device.CaptureError, msg string) {
	c.log.Debug("capture refused", "id", id, "error", kind, "msg", msg)
	c.session.Post(func() {
		c.events.emit(CaptureEvent{Kind: CaptureFailed, RequestID: id, Error: kind, Message: msg})
	})
}

func (c *ImageCapture) computeReady() bool {
	return c.capture.IsPresent() &&
		c.session.State() == device.ActiveState &&
		c.session.CaptureMode().Has(device.CaptureImage)
}

// updateState runs on every session state change and reports readiness
// transitions only.
func (c *ImageCapture) updateState() {
	ready := c.computeReady()
	if ready == c.ready {
		return
	}
	c.ready = ready
	c.events.emit(CaptureEvent{Kind: ReadyForCaptureChanged, Ready: ready})
}

func (c *ImageCapture) handleNotification(n device.Notification) {
	var e CaptureEvent
	switch n.Kind {
	case device.ImageExposed:
		e = CaptureEvent{Kind: ImageExposed, RequestID: n.RequestID}
	case device.ImageCaptured:
		e = CaptureEvent{Kind: ImageCaptured, RequestID: n.RequestID, Image: n.Image}
	case device.ImageSaved:
		e = CaptureEvent{Kind: ImageSaved, RequestID: n.RequestID, Path: n.Path}
	case device.ImageCaptureFailed:
		e = CaptureEvent{Kind: CaptureFailed, RequestID: n.RequestID, Error: n.Error, Message: n.Message}
	default:
		return
	}
	metrics.IncCaptureEvent(e.Kind.String())
	c.events.emit(e)
}
