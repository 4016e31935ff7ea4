package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cast"
	"github.com/tuzkov/camctl/control"
	"github.com/tuzkov/camctl/device"
	"github.com/tuzkov/camctl/service"
)

const (
	shutdownTimeout   = 5 * time.Second
	heartbeatInterval = 30 * time.Second
)

type Server interface {
	Start(ctx context.Context) error
	Service() service.CameraService
}

type server struct {
	log *slog.Logger
	cfg *Config

	addr string
	svc  service.CameraService
}

type Config struct {
	service.Config

	Addr     string
	LogLevel string

	// capture requests per minute and client, 0 disables the limit
	CaptureRateLimit int
}

func NewServer(log *slog.Logger, cfg *Config) (Server, error) {
	if log == nil {
		log = slog.Default()
	}
	svc, err := service.NewService(log, &cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("fail to create service: %w", err)
	}
	return newServer(log, cfg, svc), nil
}

func newServer(log *slog.Logger, cfg *Config, svc service.CameraService) *server {
	if log == nil {
		log = slog.Default()
	}
	return &server{
		log: log.With("svc", "server"),
		cfg: cfg,

		addr: cfg.Addr,
		svc:  svc,
	}
}

func (srv *server) Service() service.CameraService {
	return srv.svc
}

// Start serves until ctx is done, then shuts down gracefully.
func (srv *server) Start(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:    srv.addr,
		Handler: srv.routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		srv.log.Info("listening", "addr", srv.addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("fail to shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (srv *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/status", srv.Status)
	r.Post("/start", srv.StartSession)
	r.Post("/stop", srv.StopSession)

	r.Put("/torch", srv.SetTorch)
	r.Put("/torch/power", srv.SetTorchPower)

	r.Route("/focus", func(r chi.Router) {
		r.Put("/mode", srv.SetFocusMode)
		r.Put("/point", srv.SetFocusPoint)
		r.Get("/zones", srv.FocusZones)
	})
	r.Put("/zoom", srv.Zoom)

	r.Group(func(r chi.Router) {
		if srv.cfg.CaptureRateLimit > 0 {
			r.Use(captureRateLimit(srv.cfg.CaptureRateLimit))
		}
		r.Post("/capture", srv.Capture)
	})
	r.Post("/capture/cancel", srv.CancelCapture)

	r.Route("/encoder", func(r chi.Router) {
		r.Get("/resolutions", srv.Resolutions)
		r.Get("/framerates", srv.FrameRates)
		r.Get("/codecs", srv.Codecs)
	})

	r.Get("/snapshot", srv.Snapshot)
	r.Get("/stream", srv.Stream)
	r.Get("/events", srv.Events)
	r.Handle("/metrics", promhttp.Handler())

	outputDir := srv.cfg.OutputDir
	if outputDir == "" {
		outputDir = "."
	}
	r.Handle("/list/*",
		http.StripPrefix("/list/",
			http.FileServer(http.Dir(outputDir))))

	return r
}

func captureRateLimit(perMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		perMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "too many capture requests", http.StatusTooManyRequests)
		}),
	)
}

func (srv *server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		srv.log.Error("fail to write response", "err", err)
	}
}

func (srv *server) Status(w http.ResponseWriter, req *http.Request) {
	st, err := srv.svc.Status(req.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	srv.writeJSON(w, st)
}

func (srv *server) StartSession(w http.ResponseWriter, req *http.Request) {
	if err := srv.svc.Start(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (srv *server) StopSession(w http.ResponseWriter, req *http.Request) {
	if err := srv.svc.Stop(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (srv *server) SetTorch(w http.ResponseWriter, req *http.Request) {
	on, err := cast.ToBoolE(req.URL.Query().Get("enabled"))
	if err != nil {
		http.Error(w, "bad enabled value", http.StatusBadRequest)
		return
	}
	torch := srv.svc.Torch()
	torch.SetEnabled(on)
	srv.writeJSON(w, map[string]any{"enabled": torch.Enabled()})
}

func (srv *server) SetTorchPower(w http.ResponseWriter, req *http.Request) {
	power, err := cast.ToIntE(req.URL.Query().Get("value"))
	if err != nil {
		http.Error(w, "bad power value", http.StatusBadRequest)
		return
	}
	torch := srv.svc.Torch()
	torch.SetPower(power)
	srv.writeJSON(w, map[string]any{"power": torch.Power()})
}

func (srv *server) SetFocusMode(w http.ResponseWriter, req *http.Request) {
	mode, err := device.ParseFocusModes(req.URL.Query().Get("mode"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	focus := srv.svc.Focus()
	if !focus.IsFocusModeSupported(mode) {
		http.Error(w, "focus mode not supported", http.StatusUnprocessableEntity)
		return
	}
	focus.SetFocusMode(mode)
	srv.writeJSON(w, map[string]any{"mode": focus.FocusMode().String()})
}

func (srv *server) SetFocusPoint(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	mode, err := device.ParseFocusPointMode(q.Get("mode"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	focus := srv.svc.Focus()
	if !focus.IsFocusPointModeSupported(mode) {
		http.Error(w, "focus point mode not supported", http.StatusUnprocessableEntity)
		return
	}
	if q.Has("x") || q.Has("y") {
		x, errX := cast.ToFloat64E(q.Get("x"))
		y, errY := cast.ToFloat64E(q.Get("y"))
		if err := errors.Join(errX, errY); err != nil {
			http.Error(w, "bad focus point", http.StatusBadRequest)
			return
		}
		focus.SetCustomFocusPoint(device.Point{X: x, Y: y})
	}
	focus.SetFocusPointMode(mode)
	srv.writeJSON(w, map[string]any{
		"mode":  focus.FocusPointMode().String(),
		"point": focus.CustomFocusPoint(),
	})
}

type zoneResponse struct {
	Area   device.Rect `json:"area"`
	Status string      `json:"status"`
}

func (srv *server) FocusZones(w http.ResponseWriter, req *http.Request) {
	zones := []zoneResponse{}
	for _, z := range srv.svc.Focus().FocusZones() {
		if !z.IsValid() {
			continue
		}
		zones = append(zones, zoneResponse{Area: z.Area(), Status: z.Status().String()})
	}
	srv.writeJSON(w, zones)
}

func (srv *server) Zoom(w http.ResponseWriter, req *http.Request) {
	focus := srv.svc.Focus()
	q := req.URL.Query()
	optical, digital := focus.OpticalZoom(), focus.DigitalZoom()

	var err error
	if q.Has("optical") {
		if optical, err = cast.ToFloat64E(q.Get("optical")); err != nil {
			http.Error(w, "bad optical zoom", http.StatusBadRequest)
			return
		}
	}
	if q.Has("digital") {
		if digital, err = cast.ToFloat64E(q.Get("digital")); err != nil {
			http.Error(w, "bad digital zoom", http.StatusBadRequest)
			return
		}
	}

	// achieved values arrive later on /events
	focus.ZoomTo(optical, digital)
	w.WriteHeader(http.StatusAccepted)
}

func (srv *server) Capture(w http.ResponseWriter, req *http.Request) {
	id := srv.svc.ImageCapture().Capture(req.URL.Query().Get("path"))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]int{"id": id}); err != nil {
		srv.log.Error("fail to write response", "err", err)
	}
}

func (srv *server) CancelCapture(w http.ResponseWriter, req *http.Request) {
	srv.svc.ImageCapture().CancelCapture()
	w.WriteHeader(http.StatusNoContent)
}

func (srv *server) Resolutions(w http.ResponseWriter, req *http.Request) {
	settings := control.VideoEncoderSettings{}
	if fps := req.URL.Query().Get("fps"); fps != "" {
		rate, err := cast.ToFloat64E(fps)
		if err != nil {
			http.Error(w, "bad fps", http.StatusBadRequest)
			return
		}
		settings.FrameRate = rate
	}
	sizes := srv.svc.VideoEncoder().SupportedResolutions(settings)
	if sizes == nil {
		sizes = []device.Size{}
	}
	srv.writeJSON(w, sizes)
}

func (srv *server) FrameRates(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	settings := control.VideoEncoderSettings{}
	if q.Has("width") || q.Has("height") {
		width, errW := cast.ToIntE(q.Get("width"))
		height, errH := cast.ToIntE(q.Get("height"))
		if err := errors.Join(errW, errH); err != nil {
			http.Error(w, "bad resolution", http.StatusBadRequest)
			return
		}
		settings.Resolution = device.Size{Width: width, Height: height}
	}
	rates := srv.svc.VideoEncoder().SupportedFrameRates(settings)
	if rates == nil {
		rates = []float64{}
	}
	srv.writeJSON(w, rates)
}

func (srv *server) Codecs(w http.ResponseWriter, req *http.Request) {
	encoder := srv.svc.VideoEncoder()
	codecs := map[string]string{}
	for _, name := range encoder.SupportedCodecs() {
		codecs[name] = encoder.CodecDescription(name)
	}
	srv.writeJSON(w, codecs)
}

func (srv *server) Snapshot(w http.ResponseWriter, req *http.Request) {
	srv.log.Debug("Snapshot call")
	frame, err := srv.svc.Snapshot(req.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")

	_, err = w.Write(frame)
	if err != nil {
		srv.log.Error("Snapshot write error", "err", err)
	}
}

// Stream pushes every captured image as a multipart part.
func (srv *server) Stream(w http.ResponseWriter, req *http.Request) {
	srv.log.Info("Started stream")
	defer srv.log.Info("Finished stream")

	events, unsub := srv.svc.ImageCapture().Events()
	defer unsub()

	const boundary = `frame`
	w.Header().Set("Content-Type", `multipart/x-mixed-replace;boundary=`+boundary)
	mpWriter := multipart.NewWriter(w)
	mpWriter.SetBoundary(boundary)
	flusher, _ := w.(http.Flusher)

	ctx := req.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != control.ImageCaptured {
				continue
			}

			iw, err := mpWriter.CreatePart(textproto.MIMEHeader{
				"Content-Type":   []string{"image/jpeg"},
				"Content-Length": []string{strconv.Itoa(len(ev.Image))},
			})
			if err != nil {
				srv.log.Error("fail to send part", "err", err)
				return
			}

			_, err = iw.Write(ev.Image)
			if err != nil {
				srv.log.Error("fail to write part", "err", err)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
