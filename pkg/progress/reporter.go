// Package progress edits a single status message in place while a job runs,
// throttling edits so long encodes stay within the transport's rate limits.
package progress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/mixdown/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Indeterminate marks an update without a meaningful percentage.
const Indeterminate = -1

const barCells = 10

// ErrNotModified is returned by editors when the new text equals the old one.
var ErrNotModified = errors.New("message is not modified")

// Func receives progress from a running job.
type Func func(percent int, label string)

// Handle identifies the status message of one session.
type Handle struct {
	ChatID    int64
	MessageID int
}

// IsZero reports whether no status message exists yet.
func (h Handle) IsZero() bool {
	return h.MessageID == 0
}

// Editor edits a status message in place.
type Editor interface {
	EditStatus(ctx context.Context, h Handle, text string) error
}

// Config controls edit throttling.
type Config struct {
	// MinInterval is the minimum gap between edits of one message.
	MinInterval time.Duration
	// Step lets values on multiples of it through regardless of MinInterval.
	Step int
	// EditTimeout bounds one edit call.
	EditTimeout time.Duration
}

// DefaultConfig returns the default throttling settings.
func DefaultConfig() Config {
	return Config{
		MinInterval: 1500 * time.Millisecond,
		Step:        10,
		EditTimeout: 10 * time.Second,
	}
}

type last struct {
	percent int
	label   string
	at      time.Time
}

// Reporter forwards progress to an Editor.
type Reporter struct {
	editor Editor
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	state map[Handle]last
}

// NewReporter creates a reporter.
func NewReporter(editor Editor, cfg Config) *Reporter {
	def := DefaultConfig()
	if cfg.Step <= 0 {
		cfg.Step = def.Step
	}
	if cfg.EditTimeout <= 0 {
		cfg.EditTimeout = def.EditTimeout
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	return &Reporter{
		editor: editor,
		cfg:    cfg,
		logger: log.With().Str("component", "progress").Logger(),
		now:    time.Now,
		state:  make(map[Handle]last),
	}
}

// Report edits the status message when the update passes the throttle.
// It returns true when an edit was attempted. Edit failures never propagate.
func (r *Reporter) Report(ctx context.Context, h Handle, title string, percent int, label string) bool {
	if h.IsZero() {
		return false
	}
	if percent != Indeterminate {
		percent = clamp(percent, 0, 100)
	}

	r.mu.Lock()
	now := r.now()
	prev, seen := r.state[h]
	if seen && !r.shouldForward(prev, percent, label, now) {
		r.mu.Unlock()
		observability.RecordStatusEdit("suppressed")
		return false
	}
	r.state[h] = last{percent: percent, label: label, at: now}
	r.mu.Unlock()

	editCtx, cancel := context.WithTimeout(ctx, r.cfg.EditTimeout)
	defer cancel()

	err := r.editor.EditStatus(editCtx, h, Render(title, percent, label))
	switch {
	case err == nil:
		observability.RecordStatusEdit("ok")
	case errors.Is(err, ErrNotModified):
		observability.RecordStatusEdit("not_modified")
	default:
		observability.RecordStatusEdit("error")
		r.logger.Warn().Err(err).Int64("chat_id", h.ChatID).Int("message_id", h.MessageID).Msg("Status edit failed")
	}
	return true
}

func (r *Reporter) shouldForward(prev last, percent int, label string, now time.Time) bool {
	if percent == prev.percent && label == prev.label {
		return false
	}
	switch {
	case label != prev.label:
		return true
	case percent == 100:
		return true
	case percent >= 0 && percent%r.cfg.Step == 0:
		return true
	default:
		return now.Sub(prev.at) >= r.cfg.MinInterval
	}
}

// Bind returns a Func that reports to h under title.
func (r *Reporter) Bind(ctx context.Context, h Handle, title string) Func {
	return func(percent int, label string) {
		r.Report(ctx, h, title, percent, label)
	}
}

// Forget drops throttle state for h once its job is over.
func (r *Reporter) Forget(h Handle) {
	r.mu.Lock()
	delete(r.state, h)
	r.mu.Unlock()
}

// Render formats a status message.
func Render(title string, percent int, label string) string {
	var b strings.Builder
	if title != "" {
		b.WriteString(title)
		b.WriteString("\n")
	}
	if percent == Indeterminate {
		fmt.Fprintf(&b, "⏳ %s…", label)
		return b.String()
	}
	b.WriteString(Bar(percent))
	if label != "" {
		b.WriteString("\n")
		b.WriteString(label)
	}
	return b.String()
}

// Bar renders a ten-cell bar such as "▓▓▓▓░░░░░░ 40%".
func Bar(percent int) string {
	percent = clamp(percent, 0, 100)
	filled := percent * barCells / 100
	return fmt.Sprintf("%s%s %d%%", strings.Repeat("▓", filled), strings.Repeat("░", barCells-filled), percent)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
