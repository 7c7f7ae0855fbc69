package daemon

import (
	"context"
	"time"

	"github.com/harun/mixdown/internal/observability"
)

// EventLoop runs periodic housekeeping while the daemon is up.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: 30 * time.Second,
	}
}

// Run ticks until ctx is done.
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks()
		}
	}
}

func (e *EventLoop) processTasks() {
	sessions := e.daemon.machine.Registry().Len()
	observability.SetActiveSessions(sessions)

	lanes := e.daemon.queue.LaneCount()
	if sessions > 0 || lanes > 0 {
		e.daemon.logger.Debug().
			Int("sessions", sessions).
			Int("lanes", lanes).
			Msg("Housekeeping")
	}
}
