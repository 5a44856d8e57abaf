// Package restart periodically factory-reboots the Space hosting the
// service, which clears disk usage left behind by interrupted requests.
package restart

import (
	"context"
	"time"

	"github.com/docker/gguf-my-repo/pkg/logging"
)

// SpaceRestarter restarts a Space. It is implemented by *hub.Client.
type SpaceRestarter interface {
	RestartSpace(ctx context.Context, spaceID string, factoryReboot bool) error
}

// Restarter restarts a Space on a fixed interval.
type Restarter struct {
	log      logging.Logger
	hub      SpaceRestarter
	spaceID  string
	interval time.Duration
}

// New creates a restarter for spaceID.
func New(log logging.Logger, hub SpaceRestarter, spaceID string, interval time.Duration) *Restarter {
	return &Restarter{log: log, hub: hub, spaceID: spaceID, interval: interval}
}

// Run restarts the Space every interval until ctx is cancelled. Failed
// restarts are logged and retried at the next tick.
func (r *Restarter) Run(ctx context.Context) {
	if r.spaceID == "" || r.interval <= 0 {
		r.log.Info("Not running on a Hugging Face Space or HF_TOKEN not set. Skipping space restart schedule.")
		return
	}
	r.log.Infof("Running on HF Space: %s. Scheduling a restart every %s.", r.spaceID, r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.log.Infof("Restarting space %s", r.spaceID)
			if err := r.hub.RestartSpace(ctx, r.spaceID, true); err != nil {
				r.log.Errorf("Error scheduling space restart: %v", err)
			}
		}
	}
}
