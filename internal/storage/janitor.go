package storage

import (
	"context"
	"log/slog"
	"time"

	"chatgogo/rendezvous/internal/logger"

	"github.com/jonboulle/clockwork"
)

// Janitor periodically removes expired rooms so that FindWaitingRoom
// scans stay short even when clients die without cleaning up.
type Janitor struct {
	store    RoomStore
	interval time.Duration
	clock    clockwork.Clock
	log      *slog.Logger
}

func NewJanitor(store RoomStore, interval time.Duration, clock clockwork.Clock, log *slog.Logger) *Janitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Janitor{
		store:    store,
		interval: interval,
		clock:    clock,
		log:      logger.OrDefault(log).With(slog.String("component", "janitor")),
	}
}

// Run sweeps once per interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := j.clock.NewTicker(j.interval)
	defer ticker.Stop()

	j.log.Info("janitor started", slog.Duration("interval", j.interval))
	for {
		select {
		case <-ctx.Done():
			j.log.Info("janitor stopped")
			return
		case <-ticker.Chan():
			j.Sweep(ctx)
		}
	}
}

// Sweep runs a single cleanup and returns the number of rooms removed.
func (j *Janitor) Sweep(ctx context.Context) int {
	n, err := j.store.CleanupExpired(ctx)
	if err != nil {
		j.log.Error("cleanup failed", logger.Err(err))
		return 0
	}
	if n > 0 {
		j.log.Info("expired rooms removed", slog.Int("count", n))
	}
	return n
}
