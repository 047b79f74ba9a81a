package liveness

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Heartbeat refreshes the liveness record of a fixed set of resources on
// its own ticker, independent of whatever else the process is doing.
type Heartbeat struct {
	tracker     Tracker
	interval    time.Duration
	resourceIds []string
	logger      *zap.SugaredLogger
}

func NewHeartbeat(tracker Tracker, interval time.Duration, logger *zap.SugaredLogger, resourceIds ...string) *Heartbeat {
	return &Heartbeat{
		tracker:     tracker,
		interval:    interval,
		resourceIds: resourceIds,
		logger:      logger,
	}
}

// Run beats once immediately, then every interval until ctx is done. The
// records are left to expire on exit.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		h.beat(ctx)

		select {
		case <-ctx.Done():
			h.logger.Infof("heartbeat stopped resources[%v]", h.resourceIds)
			return
		case <-ticker.C:
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	for _, id := range h.resourceIds {
		if err := h.tracker.SetOnline(ctx, id); err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Errorf("heartbeat failed resourceId[%v] %v", id, err)
			continue
		}
		h.logger.Debugf("heartbeat resourceId[%v]", id)
	}
}
