package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/afero"
	"github.com/tuzkov/camctl/camera"
	"github.com/tuzkov/camctl/control"
	"github.com/tuzkov/camctl/device"
	uploadclient "github.com/tuzkov/camctl/uploadClient"
	"golang.org/x/sync/errgroup"
)

const uploadTimeout = 30 * time.Second

// CameraService owns one device session and the controllers bound to it.
type CameraService interface {
	Session() *device.Session
	Torch() *control.Torch
	Focus() *control.Focus
	ImageCapture() *control.ImageCapture
	VideoEncoder() *control.VideoEncoder

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) (*Status, error)
	Snapshot(ctx context.Context) (Snapshot, error)
	Close() error
}

type Status struct {
	Session        string   `json:"session"`
	State          string   `json:"state"`
	PendingState   string   `json:"pendingState"`
	CaptureMode    string   `json:"captureMode"`
	Capabilities   []string `json:"capabilities"`
	ReadyToCapture bool     `json:"readyForCapture"`
	TorchAvailable bool     `json:"torchAvailable"`
	TorchEnabled   bool     `json:"torchEnabled"`
	TorchPower     int      `json:"torchPower"`
	FocusMode      string   `json:"focusMode"`
	FocusPointMode string   `json:"focusPointMode"`
	OpticalZoom    float64  `json:"opticalZoom"`
	DigitalZoom    float64  `json:"digitalZoom"`
	MaxOptical     float64  `json:"maximumOpticalZoom"`
	MaxDigital     float64  `json:"maximumDigitalZoom"`
}

// Snapshot is the last image the device delivered.
type Snapshot []byte

type Config struct {
	Camera camera.Config

	OutputDir   string
	CaptureMode string
	// negative keeps the device's power
	TorchPower int

	Upload          uploadclient.Config
	UploadEnabled   bool
	TimelapseConfig TimelapseConfig
}

type service struct {
	log *slog.Logger
	cfg *Config

	session *device.Session
	torch   *control.Torch
	focus   *control.Focus
	capture *control.ImageCapture
	encoder *control.VideoEncoder
	upload  uploadclient.Client
	uploads *uploadQueue

	cancel context.CancelFunc
	group  *errgroup.Group

	sync.RWMutex
	snapshot Snapshot

	closeOnce sync.Once
}

func NewService(log *slog.Logger, cfg *Config) (CameraService, error) {
	if log == nil {
		log = slog.Default()
	}

	backend, err := camera.New(log, &cfg.Camera)
	if err != nil {
		return nil, fmt.Errorf("fail to create camera: %w", err)
	}

	svc, err := newService(log, cfg, backend, afero.NewOsFs())
	if err != nil {
		return nil, errors.Join(err, backend.Close())
	}
	return svc, nil
}

// NewWithBackend builds the service around an already opened backend. fs
// receives auto-named captures and is read by the uploader.
func NewWithBackend(log *slog.Logger, cfg *Config, backend device.Backend, fs afero.Fs) (CameraService, error) {
	svc, err := newService(log, cfg, backend, fs)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func newService(log *slog.Logger, cfg *Config, backend device.Backend, fs afero.Fs) (*service, error) {
	if log == nil {
		log = slog.Default()
	}
	mode := device.CaptureImage
	if cfg.CaptureMode != "" {
		var err error
		mode, err = device.ParseCaptureMode(cfg.CaptureMode)
		if err != nil {
			return nil, fmt.Errorf("fail to parse capture mode: %w", err)
		}
	}

	var upload uploadclient.Client
	if cfg.UploadEnabled {
		var err error
		upload, err = uploadclient.NewClient(log, &cfg.Upload, uploadclient.WithFs(fs))
		if err != nil {
			return nil, fmt.Errorf("fail to create upload client: %w", err)
		}
	}

	session := device.NewSession(log, backend)
	session.SetCaptureMode(mode)

	outputDir := cfg.OutputDir
	if outputDir == "" {
		outputDir = "."
	}

	svc := &service{
		log:     log.With("svc", "service"),
		cfg:     cfg,
		session: session,
		torch:   control.NewTorch(log, session),
		focus:   control.NewFocus(log, session),
		capture: control.NewImageCapture(log, session, control.WithFs(fs), control.WithOutputDir(outputDir)),
		encoder: control.NewVideoEncoder(log, session),
		upload:  upload,
	}

	if upload != nil {
		svc.uploads = newUploadQueue()
	}

	if cfg.TorchPower >= 0 && svc.torch.IsAvailable() {
		svc.torch.SetPower(cfg.TorchPower)
	}

	ctx, cancel := context.WithCancel(context.Background())
	svc.cancel = cancel
	svc.group, ctx = errgroup.WithContext(ctx)

	events, unsub := svc.capture.Events()
	svc.group.Go(func() error {
		defer unsub()
		svc.handleCaptureEvents(ctx, events)
		return nil
	})

	if cfg.TimelapseConfig.Enabled {
		svc.log.Info("Timelapse enabled", "interval", cfg.TimelapseConfig.Interval)
		svc.group.Go(func() error {
			svc.runTimelapse(ctx)
			return nil
		})
	}

	if upload != nil {
		svc.log.Info("Upload enabled", "address", cfg.Upload.Address)
		svc.group.Go(func() error {
			svc.runUploads(ctx)
			return nil
		})
	} else {
		svc.log.Info("Upload disabled")
	}

	return svc, nil
}

func (svc *service) Session() *device.Session            { return svc.session }
func (svc *service) Torch() *control.Torch               { return svc.torch }
func (svc *service) Focus() *control.Focus               { return svc.focus }
func (svc *service) ImageCapture() *control.ImageCapture { return svc.capture }
func (svc *service) VideoEncoder() *control.VideoEncoder { return svc.encoder }

func (svc *service) Start(ctx context.Context) error {
	return svc.session.Start(ctx)
}

func (svc *service) Stop(ctx context.Context) error {
	return svc.session.Stop(ctx)
}

func (svc *service) Status(ctx context.Context) (*Status, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st := &Status{
		Session:        svc.session.ID(),
		State:          svc.session.State().String(),
		PendingState:   svc.session.PendingState().String(),
		CaptureMode:    svc.session.CaptureMode().String(),
		ReadyToCapture: svc.capture.IsReadyForCapture(),
		TorchAvailable: svc.torch.IsAvailable(),
		TorchEnabled:   svc.torch.Enabled(),
		TorchPower:     svc.torch.Power(),
		FocusMode:      svc.focus.FocusMode().String(),
		FocusPointMode: svc.focus.FocusPointMode().String(),
		OpticalZoom:    svc.focus.OpticalZoom(),
		DigitalZoom:    svc.focus.DigitalZoom(),
		MaxOptical:     svc.focus.MaximumOpticalZoom(),
		MaxDigital:     svc.focus.MaximumDigitalZoom(),
	}
	for _, kind := range svc.session.Capabilities().Kinds() {
		st.Capabilities = append(st.Capabilities, kind.String())
	}
	return st, nil
}

func (svc *service) Snapshot(ctx context.Context) (Snapshot, error) {
	svc.RLock()
	defer svc.RUnlock()
	if svc.snapshot == nil {
		return nil, errors.New("frame not yet available")
	}
	return svc.snapshot, nil
}

func (svc *service) Close() error {
	var err error
	svc.closeOnce.Do(func() {
		svc.cancel()
		err = svc.session.Close()
		err = errors.Join(err, svc.group.Wait())
	})
	return err
}

func (svc *service) handleCaptureEvents(ctx context.Context, events <-chan control.CaptureEvent) {
	for {
		var (
			ev control.CaptureEvent
			ok bool
		)
		select {
		case <-ctx.Done():
			return
		case ev, ok = <-events:
			if !ok {
				return
			}
		}

		switch ev.Kind {
		case control.ImageCaptured:
			svc.Lock()
			svc.snapshot = ev.Image
			svc.Unlock()
		case control.ImageSaved:
			svc.log.Debug("Image saved", "id", ev.RequestID, "path", ev.Path)
			if svc.uploads != nil {
				svc.uploads.push(ev.Path)
			}
		case control.CaptureFailed:
			svc.log.Warn("Capture failed", "id", ev.RequestID, "error", ev.Error, "message", ev.Message)
		}
	}
}
