package service

import (
	"context"
	"time"
)

type TimelapseConfig struct {
	Enabled bool
	// seconds between shots
	Interval int
}

func (c TimelapseConfig) interval() time.Duration {
	if c.Interval <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.Interval) * time.Second
}

// runTimelapse takes an auto-named shot every interval while the device is
// ready. Shots are skipped, not queued, while it is not.
func (svc *service) runTimelapse(ctx context.Context) {
	interval := svc.cfg.TimelapseConfig.interval()
	log := svc.log.With("interval", interval.String())
	log.InfoContext(ctx, "timelapse started")

	for {
		after := time.After(interval)
		select {
		case <-ctx.Done():
			log.InfoContext(ctx, "timelapse finished")
			return
		case <-after:
		}

		if !svc.capture.IsReadyForCapture() {
			log.DebugContext(ctx, "timelapse idle")
			continue
		}

		id := svc.capture.Capture("")
		log.DebugContext(ctx, "timelapse shot requested", "id", id)
	}
}
