package session

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/harun/mixdown/internal/observability"
	"github.com/harun/mixdown/internal/tracing"
	"github.com/harun/mixdown/pkg/assetstore"
	"github.com/harun/mixdown/pkg/audiomerge"
	"github.com/harun/mixdown/pkg/commandqueue"
	"github.com/harun/mixdown/pkg/ingest"
	"github.com/harun/mixdown/pkg/mediaerr"
	"github.com/harun/mixdown/pkg/progress"
	"github.com/harun/mixdown/pkg/videomux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Ingester downloads a submission into the asset store.
type Ingester interface {
	Ingest(ctx context.Context, sub ingest.Submission, target ingest.Target, report progress.Func) (assetstore.Asset, error)
}

// Merger concatenates audio clips.
type Merger interface {
	Merge(ctx context.Context, inputs []assetstore.Asset, outPath string, report audiomerge.ProgressFunc) (audiomerge.Result, error)
}

// Muxer renders an image and an audio clip into a video.
type Muxer interface {
	Mux(ctx context.Context, image, audio assetstore.Asset, outPath string, report progress.Func) (videomux.Result, error)
}

// Notifier carries output that does not come back from Handle: status
// messages for jobs, job results and failures, and download activity.
type Notifier interface {
	Status(ctx context.Context, chatID int64, text string) (progress.Handle, error)
	Deliver(ctx context.Context, chatID int64, d Delivery) error
	Notify(ctx context.Context, chatID int64, out Outcome) error
	Activity(ctx context.Context, chatID int64, label string) error
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Store    *assetstore.Store
	Queue    *commandqueue.CommandQueue
	Ingest   Ingester
	Merger   Merger
	Muxer    Muxer
	Reporter *progress.Reporter
	Notifier Notifier
}

// Config holds the machine's timeouts and labels.
type Config struct {
	EncodeTimeout time.Duration
	SendTimeout   time.Duration
	MergeTitle    string
	VideoTitle    string
}

// DefaultConfig returns the standard machine settings.
func DefaultConfig() Config {
	return Config{
		EncodeTimeout: 10 * time.Minute,
		SendTimeout:   60 * time.Second,
		MergeTitle:    "🎵 Merging audio",
		VideoTitle:    "🎬 Creating video",
	}
}

// Result is the outcome of a submitted event.
type Result struct {
	Outcome Outcome
	Err     error
}

// Machine applies events to sessions.
type Machine struct {
	registry *Registry
	deps     Deps
	cfg      Config
	now      func() time.Time
	logger   zerolog.Logger
	jobs     sync.WaitGroup
}

// NewMachine creates a state machine over deps.
func NewMachine(deps Deps, cfg Config) *Machine {
	def := DefaultConfig()
	if cfg.EncodeTimeout <= 0 {
		cfg.EncodeTimeout = def.EncodeTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.MergeTitle == "" {
		cfg.MergeTitle = def.MergeTitle
	}
	if cfg.VideoTitle == "" {
		cfg.VideoTitle = def.VideoTitle
	}
	if deps.Queue == nil {
		deps.Queue = commandqueue.New()
	}

	observability.EnsureRegistered()

	return &Machine{
		registry: NewRegistry(),
		deps:     deps,
		cfg:      cfg,
		now:      time.Now,
		logger:   log.With().Str("component", "session").Logger(),
	}
}

// Registry exposes the session registry.
func (m *Machine) Registry() *Registry {
	return m.registry
}

// Submit queues ev on the user's lane. The event's position in the lane is
// fixed before Submit returns.
func (m *Machine) Submit(ctx context.Context, userID int64, ev Event) <-chan Result {
	ctx = tracing.WithUserKey(ctx, strconv.FormatInt(userID, 10))
	ctx = tracing.WithAction(ctx, ev.Action.ID())

	out := make(chan Result, 1)
	var res Result
	handled := false

	task := func(ctx context.Context) error {
		res.Outcome, res.Err = m.handle(ctx, userID, ev)
		handled = true
		return res.Err
	}

	lane := commandqueue.UserLane(userID)
	var done <-chan error
	if ev.RequestID != "" {
		done = m.deps.Queue.SubmitOnce(ctx, lane, ev.RequestID, task)
	} else {
		done = m.deps.Queue.Submit(ctx, lane, task)
	}

	go func() {
		err := <-done
		if !handled {
			res = Result{Err: err}
		}
		out <- res
	}()
	return out
}

// Handle applies ev and waits for the outcome.
func (m *Machine) Handle(ctx context.Context, userID int64, ev Event) (Outcome, error) {
	res := <-m.Submit(ctx, userID, ev)
	return res.Outcome, res.Err
}

// View returns a snapshot of the user's session.
func (m *Machine) View(userID int64) (View, bool) {
	s, ok := m.registry.Get(userID)
	if !ok {
		return View{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return View{}, false
	}
	return s.view(), true
}

// Wait blocks until every running job has committed.
func (m *Machine) Wait() {
	m.jobs.Wait()
}

// Shutdown cancels running jobs and waits for them to clean up.
func (m *Machine) Shutdown(ctx context.Context) error {
	for _, s := range m.registry.Snapshot() {
		s.mu.Lock()
		if s.job != nil {
			s.job.cancel()
		}
		s.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		m.jobs.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for jobs: %w", ctx.Err())
	}
}

func (m *Machine) handle(ctx context.Context, userID int64, ev Event) (out Outcome, err error) {
	ctx, span := tracing.StartSpan(ctx, "mixdown.session", "session.handle",
		attribute.Int64("user_id", userID),
		attribute.String("action", ev.Action.ID()),
	)
	defer span.End()

	s := m.registry.acquire(userID, m.now())
	defer s.mu.Unlock()

	if ev.ChatID != 0 {
		s.ChatID = ev.ChatID
	}
	from := s.State

	out, err = m.dispatchSafe(ctx, s, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		out = m.recover(ctx, s, ev, err)
		observability.RecordEvent(ev.Action.ID(), mediaerr.KindOf(err).String())
		return out, err
	}

	if !s.removed {
		s.LastActivity = m.now()
	}
	observability.RecordEvent(ev.Action.ID(), "ok")

	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Debug().
		Int64("user_id", userID).
		Str("from", from.String()).
		Str("to", out.State.String()).
		Msg("Event applied")

	return out, nil
}

// dispatchSafe turns a panic in a handler into an internal error so the
// central handler can reset the session.
func (m *Machine) dispatchSafe(ctx context.Context, s *Session, ev Event) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = mediaerr.Wrap(mediaerr.KindInternal, "session.handle", fmt.Errorf("panic: %v", r))
		}
	}()
	return m.dispatch(ctx, s, ev)
}

func (m *Machine) dispatch(ctx context.Context, s *Session, ev Event) (Outcome, error) {
	switch ev.Action {
	case ActionStart:
		if s.State == StateProcessing {
			return Outcome{}, mediaerr.New(mediaerr.KindInvalidTransition, "session.start", "busy")
		}
		m.terminate(ctx, s, "start")
		return Outcome{Reply: ReplyWelcome, State: StateIdle, Buttons: []Action{ActionDownloadAudio, ActionDownloadVideo}}, nil
	case ActionHelp:
		return Outcome{Reply: ReplyHelp, State: s.State, Buttons: buttonsFor(s)}, nil
	case ActionCancel:
		m.terminate(ctx, s, "cancel")
		return Outcome{Reply: ReplyCancelled, State: StateIdle, Buttons: []Action{ActionStartMerge, ActionStartVideo}}, nil
	case ActionStartMerge, ActionDownloadAudio:
		return m.enterFlow(ctx, s, StateCollectingMerge)
	case ActionStartVideo, ActionDownloadVideo:
		return m.enterFlow(ctx, s, StateAwaitingImage)
	case ActionAddMore:
		return m.addMore(s)
	case ActionDone:
		return m.done(ctx, s)
	case ActionSubmit:
		return m.submit(ctx, s, ev.Submission)
	case ActionUnknown:
		return Outcome{}, mediaerr.New(mediaerr.KindInvalidTransition, "session.dispatch", "unknown_action")
	default:
		return Outcome{}, mediaerr.New(mediaerr.KindInvalidTransition, "session.dispatch", "unknown_action")
	}
}

func (m *Machine) enterFlow(ctx context.Context, s *Session, next State) (Outcome, error) {
	if s.State == StateProcessing {
		return Outcome{}, mediaerr.New(mediaerr.KindInvalidTransition, "session.start", "busy")
	}

	m.releaseAssets(ctx, s)
	s.clearFlow()
	s.State = next

	if next == StateAwaitingImage {
		return Outcome{Reply: ReplyVideoStarted, State: next, Buttons: []Action{ActionCancel}}, nil
	}
	return Outcome{Reply: ReplyMergeStarted, State: next, Buttons: []Action{ActionCancel}}, nil
}

func (m *Machine) addMore(s *Session) (Outcome, error) {
	if s.State != StateIdle || s.PriorOutput.IsZero() {
		return Outcome{}, mediaerr.New(mediaerr.KindInvalidTransition, "session.add_more", "no_prior_output")
	}
	s.State = StateCollectingAppend
	return Outcome{Reply: ReplyAppendStarted, State: s.State, Buttons: []Action{ActionCancel}}, nil
}

func (m *Machine) done(ctx context.Context, s *Session) (Outcome, error) {
	switch s.State {
	case StateCollectingMerge:
		if len(s.Queue) < 2 {
			return Outcome{}, mediaerr.New(mediaerr.KindUserInput, "session.done", "need_two_clips")
		}
	case StateCollectingAppend:
		if len(s.Queue) < 1 {
			return Outcome{}, mediaerr.New(mediaerr.KindUserInput, "session.done", "need_one_clip")
		}
	default:
		return Outcome{}, mediaerr.New(mediaerr.KindInvalidTransition, "session.done", "not_collecting")
	}

	inputs := make([]assetstore.Asset, 0, len(s.Queue)+1)
	appending := s.State == StateCollectingAppend
	if appending {
		inputs = append(inputs, s.PriorOutput)
	}
	inputs = append(inputs, s.Queue...)

	output, err := m.deps.Store.NewPath(s.UserID, "merged", "mp3")
	if err != nil {
		return Outcome{}, mediaerr.Wrap(mediaerr.KindInternal, "session.done", err)
	}

	m.launch(ctx, s, &job{
		kind:   DeliveryAudio,
		inputs: inputs,
		output: output,
		append: appending,
	})
	return Outcome{Reply: ReplyProcessing, State: StateProcessing, Count: len(s.Queue)}, nil
}

func (m *Machine) submit(ctx context.Context, s *Session, sub *ingest.Submission) (Outcome, error) {
	if sub == nil {
		return Outcome{}, mediaerr.New(mediaerr.KindUserInput, "session.submit", "missing_file")
	}

	switch s.State {
	case StateCollectingMerge, StateCollectingAppend:
		if !sub.Kind.IsAudio() {
			return Outcome{}, mediaerr.New(mediaerr.KindInvalidTransition, "session.submit", "expected_audio")
		}
		asset, err := m.download(ctx, s, *sub, true)
		if err != nil {
			return Outcome{}, err
		}
		s.Queue = append(s.Queue, asset)
		return Outcome{
			Reply:   ReplyClipAdded,
			State:   s.State,
			Count:   len(s.Queue),
			Name:    asset.Name,
			Buttons: []Action{ActionDone, ActionCancel},
		}, nil

	case StateAwaitingImage:
		if sub.Kind != assetstore.KindImage {
			return Outcome{}, mediaerr.New(mediaerr.KindInvalidTransition, "session.submit", "expected_image")
		}
		asset, err := m.download(ctx, s, *sub, false)
		if err != nil {
			return Outcome{}, err
		}
		s.Image = asset
		s.State = StateAwaitingVideoAudio
		return Outcome{Reply: ReplyImageReceived, State: s.State, Name: asset.Name, Buttons: []Action{ActionCancel}}, nil

	case StateAwaitingVideoAudio:
		if sub.Kind == assetstore.KindImage {
			return Outcome{}, mediaerr.New(mediaerr.KindInvalidTransition, "session.submit", "image_already_set")
		}
		if !sub.Kind.IsAudio() {
			return Outcome{}, mediaerr.New(mediaerr.KindInvalidTransition, "session.submit", "expected_audio")
		}
		asset, err := m.download(ctx, s, *sub, false)
		if err != nil {
			return Outcome{}, err
		}
		s.VideoAudio = asset

		output, err := m.deps.Store.NewPath(s.UserID, "video", "mp4")
		if err != nil {
			return Outcome{}, mediaerr.Wrap(mediaerr.KindInternal, "session.submit", err)
		}
		m.launch(ctx, s, &job{
			kind:   DeliveryVideo,
			inputs: []assetstore.Asset{s.Image, s.VideoAudio},
			image:  s.Image,
			audio:  s.VideoAudio,
			output: output,
		})
		return Outcome{Reply: ReplyProcessing, State: StateProcessing, Name: asset.Name}, nil

	case StateProcessing:
		return Outcome{}, mediaerr.New(mediaerr.KindInvalidTransition, "session.submit", "busy")

	case StateIdle:
		return Outcome{}, mediaerr.New(mediaerr.KindInvalidTransition, "session.submit", "no_flow")

	default:
		return Outcome{}, mediaerr.New(mediaerr.KindInternal, "session.submit", "unknown_state")
	}
}

func (m *Machine) download(ctx context.Context, s *Session, sub ingest.Submission, merge bool) (assetstore.Asset, error) {
	chatID := s.ChatID
	report := func(percent int, label string) {
		if m.deps.Notifier == nil || chatID == 0 {
			return
		}
		if err := m.deps.Notifier.Activity(ctx, chatID, label); err != nil {
			m.logger.Debug().Err(err).Msg("Activity update failed")
		}
	}
	target := ingest.Target{
		UserID:   s.UserID,
		QueueLen: len(s.Queue),
		Merge:    merge,
	}

	// The lane already orders this user's events, so the fetch runs without
	// s.mu and View, Shutdown and the reaper are not held up by it.
	s.downloading = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.downloading = false
		s.LastActivity = m.now()
	}()

	return m.deps.Ingest.Ingest(ctx, sub, target, report)
}

// recover is the single place errors turn into session effects.
func (m *Machine) recover(ctx context.Context, s *Session, ev Event, err error) Outcome {
	logger := tracing.LoggerFromContext(ctx, m.logger).With().
		Int64("user_id", s.UserID).
		Str("state", s.State.String()).
		Logger()

	if mediaerr.IsCancelled(err) {
		logger.Debug().Err(err).Msg("Event abandoned")
		return Outcome{Reply: ReplyNone, State: s.State}
	}

	kind := mediaerr.KindOf(err)
	switch kind {
	case mediaerr.KindInvalidTransition, mediaerr.KindUserInput, mediaerr.KindResourceLimit:
		logger.Debug().Err(err).Str("kind", kind.String()).Msg("Event rejected")
		return Outcome{Reply: ReplyRejected, State: s.State, Buttons: buttonsFor(s), Count: len(s.Queue), Err: err}

	case mediaerr.KindTransientNetwork:
		logger.Warn().Err(err).Msg("Transient failure, session unchanged")
		return Outcome{Reply: ReplyRejected, State: s.State, Buttons: buttonsFor(s), Count: len(s.Queue), Err: err}

	case mediaerr.KindEncoding:
		logger.Error().Err(err).Msg("Job failed")
		m.releaseAssets(ctx, s)
		s.clearFlow()
		return Outcome{Reply: ReplyJobFailed, State: StateIdle, Buttons: []Action{ActionStartMerge, ActionStartVideo}, Err: err}

	default:
		logger.Error().Err(err).Str("action", ev.Action.ID()).Msg("Internal error, resetting session")
		m.terminate(ctx, s, "reset")
		return Outcome{Reply: ReplySessionReset, State: StateIdle, Buttons: []Action{ActionStartMerge, ActionStartVideo}, Err: err}
	}
}

// terminate ends the session: a running job is cancelled and cleans up its
// own files, otherwise the user's storage is released now.
func (m *Machine) terminate(ctx context.Context, s *Session, reason string) {
	busy := s.job != nil
	if busy {
		s.CancelRequested = true
		s.job.cancel()
		s.job = nil
	} else if err := m.deps.Store.Release(s.UserID); err != nil {
		m.logger.Error().Err(err).Int64("user_id", s.UserID).Msg("Failed to release assets")
	}

	observability.RecordSessionAudit(ctx, s.UserID, reason, map[string]interface{}{
		"state": s.State.String(),
		"busy":  busy,
	})

	s.clearFlow()
	m.registry.remove(s)
}

// releaseAssets deletes the files the session holds, one by one.
func (m *Machine) releaseAssets(ctx context.Context, s *Session) {
	logger := tracing.LoggerFromContext(ctx, m.logger)
	for _, a := range s.assets() {
		if err := m.deps.Store.Remove(a); err != nil {
			logger.Warn().Err(err).Str("path", a.Path).Msg("Failed to remove asset")
		}
	}
}

func buttonsFor(s *Session) []Action {
	switch s.State {
	case StateCollectingMerge, StateCollectingAppend:
		if len(s.Queue) > 0 {
			return []Action{ActionDone, ActionCancel}
		}
		return []Action{ActionCancel}
	case StateAwaitingImage, StateAwaitingVideoAudio, StateProcessing:
		return []Action{ActionCancel}
	default:
		if !s.PriorOutput.IsZero() {
			return []Action{ActionAddMore, ActionCancel}
		}
		return []Action{ActionStartMerge, ActionStartVideo}
	}
}
