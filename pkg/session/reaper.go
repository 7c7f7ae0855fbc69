package session

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/harun/mixdown/internal/observability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInactivityTimeout = 30 * time.Minute
	DefaultReapInterval      = time.Minute
)

// Reaper evicts sessions that have been idle too long.
type Reaper struct {
	machine  *Machine
	timeout  time.Duration
	interval time.Duration
	cron     *cron.Cron
	running  bool
	mu       sync.Mutex
}

// NewReaper creates a reaper for machine's sessions.
func NewReaper(machine *Machine, timeout, interval time.Duration) *Reaper {
	if timeout <= 0 {
		timeout = DefaultInactivityTimeout
	}
	if interval <= 0 {
		interval = DefaultReapInterval
	}

	return &Reaper{
		machine:  machine,
		timeout:  timeout,
		interval: interval,
	}
}

// Start schedules the sweep.
func (r *Reaper) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("reaper is already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", r.interval), func() {
		r.Sweep(time.Now())
	}); err != nil {
		return fmt.Errorf("failed to schedule reaper: %w", err)
	}
	c.Start()

	r.cron = c
	r.running = true

	log.Info().
		Dur("timeout", r.timeout).
		Dur("interval", r.interval).
		Msg("Session reaper started")

	return nil
}

// Stop halts the schedule and waits for a sweep in progress.
func (r *Reaper) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return fmt.Errorf("reaper is not running")
	}

	<-r.cron.Stop().Done()
	r.running = false

	log.Info().Msg("Session reaper stopped")

	return nil
}

// IsRunning returns whether the reaper is scheduled.
func (r *Reaper) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Timeout returns the inactivity timeout.
func (r *Reaper) Timeout() time.Duration {
	return r.timeout
}

// Sweep evicts every session idle for longer than the timeout as of now and
// returns how many were evicted. Sessions busy with an event or a download
// are skipped; they are active by definition.
func (r *Reaper) Sweep(now time.Time) int {
	m := r.machine
	evicted := 0

	for _, s := range m.registry.Snapshot() {
		if !s.mu.TryLock() {
			continue
		}
		if s.removed || s.downloading || now.Sub(s.LastActivity) <= r.timeout {
			s.mu.Unlock()
			continue
		}

		state := s.State
		chatID := s.ChatID
		idle := now.Sub(s.LastActivity)
		files, _ := m.deps.Store.Scan(s.UserID)
		busy := s.job != nil
		m.terminate(context.Background(), s, "reap")
		s.mu.Unlock()

		evicted++
		observability.RecordSessionReaped()

		log.Info().
			Int64("user_id", s.UserID).
			Str("state", state.String()).
			Bool("busy", busy).
			Int("files", len(files)).
			Dur("idle", idle).
			Msg("Session reaped")

		if state != StateIdle && chatID != 0 && m.deps.Notifier != nil {
			r.notifyExpired(s.UserID, chatID)
		}
	}

	if evicted > 0 {
		log.Info().Int("evicted", evicted).Int("remaining", m.registry.Len()).Msg("Reaped idle sessions")
	}
	return evicted
}

func (r *Reaper) notifyExpired(userID, chatID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), r.machine.cfg.SendTimeout)
	defer cancel()
	out := Outcome{Reply: ReplySessionExpired, State: StateIdle, Buttons: []Action{ActionStartMerge, ActionStartVideo}}
	if err := r.machine.deps.Notifier.Notify(ctx, chatID, out); err != nil {
		log.Warn().Err(err).Str("user_id", strconv.FormatInt(userID, 10)).Msg("Failed to notify session expiry")
	}
}
