package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tuzkov/camctl/control"
)

type eventMessage struct {
	Stream string `json:"stream"`
	Kind   string `json:"kind"`
	Data   any    `json:"data,omitempty"`
}

func torchMessage(e control.TorchEvent) eventMessage {
	data := map[string]any{"enabled": e.Enabled}
	if e.Kind == control.PowerChanged {
		data = map[string]any{"power": e.Power}
	}
	return eventMessage{Stream: "torch", Kind: e.Kind.String(), Data: data}
}

func focusMessage(e control.FocusEvent) eventMessage {
	msg := eventMessage{Stream: "focus", Kind: e.Kind.String()}
	if e.Kind != control.FocusZonesChanged {
		msg.Data = map[string]any{"value": e.Value}
	}
	return msg
}

// captureMessage leaves the image out; /snapshot and /stream serve it.
func captureMessage(e control.CaptureEvent) eventMessage {
	data := map[string]any{}
	switch e.Kind {
	case control.ReadyForCaptureChanged:
		data["ready"] = e.Ready
	case control.ImageExposed:
		data["id"] = e.RequestID
	case control.ImageCaptured:
		data["id"] = e.RequestID
		data["size"] = len(e.Image)
	case control.ImageSaved:
		data["id"] = e.RequestID
		data["path"] = e.Path
	case control.CaptureFailed:
		data["id"] = e.RequestID
		data["error"] = e.Error.String()
		data["message"] = e.Message
	}
	return eventMessage{Stream: "capture", Kind: e.Kind.String(), Data: data}
}

func encoderMessage(e control.EncoderEvent) eventMessage {
	return eventMessage{Stream: "encoder", Kind: e.Kind.String(), Data: map[string]any{
		"codec":      e.Settings.Codec,
		"resolution": e.Settings.Resolution,
		"frameRate":  e.Settings.FrameRate,
	}}
}

// Events streams controller events as server-sent events.
func (srv *server) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	torch, unsubTorch := srv.svc.Torch().Events()
	defer unsubTorch()
	focus, unsubFocus := srv.svc.Focus().Events()
	defer unsubFocus()
	capture, unsubCapture := srv.svc.ImageCapture().Events()
	defer unsubCapture()
	encoder, unsubEncoder := srv.svc.VideoEncoder().Events()
	defer unsubEncoder()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	send := func(msg eventMessage) bool {
		data, err := json.Marshal(msg)
		if err != nil {
			srv.log.Error("fail to marshal event", "err", err)
			return true
		}
		if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for {
		var msg eventMessage
		select {
		case e, ok := <-torch:
			if !ok {
				return
			}
			msg = torchMessage(e)
		case e, ok := <-focus:
			if !ok {
				return
			}
			msg = focusMessage(e)
		case e, ok := <-capture:
			if !ok {
				return
			}
			msg = captureMessage(e)
		case e, ok := <-encoder:
			if !ok {
				return
			}
			msg = encoderMessage(e)
		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()
			continue
		case <-r.Context().Done():
			return
		}
		if !send(msg) {
			return
		}
	}
}
