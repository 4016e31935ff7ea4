package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(CaptureRequestsTotal.WithLabelValues("accepted"))
	IncCaptureRequest("accepted")
	IncCaptureRequest("accepted")
	assert.Equal(t, before+2, testutil.ToFloat64(CaptureRequestsTotal.WithLabelValues("accepted")))

	before = testutil.ToFloat64(EventsDroppedTotal.WithLabelValues("torch"))
	IncEventDropped("torch")
	assert.Equal(t, before+1, testutil.ToFloat64(EventsDroppedTotal.WithLabelValues("torch")))

	before = testutil.ToFloat64(UploadsTotal.WithLabelValues("error"))
	IncUpload("error")
	assert.Equal(t, before+1, testutil.ToFloat64(UploadsTotal.WithLabelValues("error")))
}

func TestDeviceState(t *testing.T) {
	SetDeviceState("test-session", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(DeviceState.WithLabelValues("test-session")))

	DeleteDeviceState("test-session")
	assert.Equal(t, 0, testutil.CollectAndCount(DeviceState))
}
