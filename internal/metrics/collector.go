package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// StatsSource provides functions to retrieve current counts for gauge metrics.
// A count of -1 indicates the source is unavailable and keeps the previous value.
type StatsSource struct {
	// Users returns the tracked and restricted user counts from one read.
	Users          func() (tracked, restricted int)
	PanelCacheSize func() int
	Polling         func() bool
}

// StartCollector launches a goroutine that periodically updates gauge metrics.
// It runs every interval until the context is cancelled.
func StartCollector(ctx context.Context, src StatsSource, interval time.Duration) {
	collect(src)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collect(src)
			}
		}
	}()

	log.Info().Dur("interval", interval).Msg("Metrics collector started")
}

func collect(src StatsSource) {
	if src.Users != nil {
		tracked, restricted := src.Users()
		if tracked >= 0 {
			TrackedUsersTotal.Set(float64(tracked))
		}
		if restricted >= 0 {
			RestrictedUsersTotal.Set(float64(restricted))
		}
	}
	if src.PanelCacheSize != nil {
		PanelCacheSize.Set(float64(src.PanelCacheSize()))
	}
	if src.Polling != nil {
		if src.Polling() {
			PollingState.Set(1)
		} else {
			PollingState.Set(0)
		}
	}
}
