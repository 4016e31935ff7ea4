package camera

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"

	"github.com/spf13/afero"
	"github.com/tuzkov/camctl/device"
)

const (
	BackendUSB     = "usb"
	BackendRPI     = "rpicam"
	BackendVirtual = "virtual"
)

type Config struct {
	Backend string
	Device  string

	// rpicam only
	Binary       string
	Rotation     int
	LensPosition float64
}

// New opens the backend selected by cfg.Backend.
func New(log *slog.Logger, cfg *Config) (device.Backend, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if log == nil {
		log = slog.Default()
	}

	switch cfg.Backend {
	case BackendUSB:
		return NewUSBCamera(log, cfg.Device)
	case BackendRPI:
		return NewRPICamera(log, cfg)
	case BackendVirtual, "":
		return NewVirtualCamera(log, afero.NewOsFs()), nil
	}
	return nil, fmt.Errorf("unknown camera backend %q", cfg.Backend)
}

const notificationBuffer = 64

// notifier is the notification side shared by all backends. Sends block
// while the buffer is full and give up once the backend is closed.
type notifier struct {
	ch   chan device.Notification
	done chan struct{}
	once sync.Once
}

func newNotifier() *notifier {
	return &notifier{
		ch:   make(chan device.Notification, notificationBuffer),
		done: make(chan struct{}),
	}
}

func (n *notifier) Notifications() <-chan device.Notification {
	return n.ch
}

func (n *notifier) send(note device.Notification) {
	select {
	case n.ch <- note:
	case <-n.done:
	}
}

func (n *notifier) stopNotifying() {
	n.once.Do(func() { close(n.done) })
}

func (n *notifier) captureFailed(id int, kind device.CaptureError, msg string) {
	n.send(device.Notification{Kind: device.ImageCaptureFailed, RequestID: id, Error: kind, Message: msg})
}

// saveImage writes a captured image and reports Saved or the failure.
func (n *notifier) saveImage(fs afero.Fs, id int, path string, data []byte) {
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		kind := device.ResourceError
		if errors.Is(err, syscall.ENOSPC) {
			kind = device.OutOfSpaceError
		}
		n.captureFailed(id, kind, fmt.Sprintf("fail to save image: %v", err))
		return
	}
	n.send(device.Notification{Kind: device.ImageSaved, RequestID: id, Path: path})
}
