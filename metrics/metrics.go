package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CaptureRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camctl_capture_requests_total",
		Help: "Still image capture requests by result.",
	}, []string{"result"})

	CaptureEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camctl_capture_events_total",
		Help: "Capture lifecycle events reported by the device.",
	}, []string{"kind"})

	EventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camctl_events_dropped_total",
		Help: "Controller events dropped because a subscriber was too slow.",
	}, []string{"stream"})

	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camctl_uploads_total",
		Help: "Uploads of saved images by result.",
	}, []string{"result"})

	DeviceState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "camctl_device_state",
		Help: "Current device session state (0 stopped, 1 starting, 2 active, 3 paused).",
	}, []string{"session"})
)

func IncCaptureRequest(result string) {
	CaptureRequestsTotal.WithLabelValues(result).Inc()
}

func IncCaptureEvent(kind string) {
	CaptureEventsTotal.WithLabelValues(kind).Inc()
}

func IncEventDropped(stream string) {
	EventsDroppedTotal.WithLabelValues(stream).Inc()
}

func IncUpload(result string) {
	UploadsTotal.WithLabelValues(result).Inc()
}

func SetDeviceState(session string, state int) {
	DeviceState.WithLabelValues(session).Set(float64(state))
}

func DeleteDeviceState(session string) {
	DeviceState.DeleteLabelValues(session)
}
