package session

import (
	"context"
	"path/filepath"
	"time"

	"github.com/harun/mixdown/internal/observability"
	"github.com/harun/mixdown/internal/tracing"
	"github.com/harun/mixdown/pkg/assetstore"
	"github.com/harun/mixdown/pkg/audiomerge"
	"github.com/harun/mixdown/pkg/commandqueue"
	"github.com/harun/mixdown/pkg/ffmpeg"
	"github.com/harun/mixdown/pkg/mediaerr"
	"github.com/harun/mixdown/pkg/progress"
)

type jobResult struct {
	delivery Delivery
	err      error
}

// launch moves s to Processing and starts j off the lane. The caller holds
// s.mu.
func (m *Machine) launch(ctx context.Context, s *Session, j *job) {
	j.id = tracing.NewJobID()
	title := m.title(j.kind)

	if m.deps.Notifier != nil && s.ChatID != 0 {
		statusCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
		h, err := m.deps.Notifier.Status(statusCtx, s.ChatID, progress.Render(title, 0, "starting"))
		cancel()
		if err != nil {
			logger := tracing.LoggerFromContext(ctx, m.logger)
			logger.Warn().Err(err).Msg("Failed to post status message")
		} else {
			s.Status = h
		}
	}
	j.status = s.Status

	jobCtx := tracing.WithJobID(tracing.Detach(ctx), j.id)
	jobCtx, j.cancel = context.WithTimeout(jobCtx, m.cfg.EncodeTimeout)

	s.State = StateProcessing
	s.CancelRequested = false
	s.job = j

	observability.RecordJobAudit(ctx, string(j.kind), s.UserID, "started", map[string]interface{}{
		"job_id": j.id,
		"inputs": len(j.inputs),
	})

	m.jobs.Add(1)
	go m.run(jobCtx, s.UserID, j, title)
}

func (m *Machine) run(ctx context.Context, userID int64, j *job, title string) {
	defer m.jobs.Done()
	defer j.cancel()

	logger := tracing.LoggerFromContext(ctx, m.logger).With().
		Int64("user_id", userID).
		Str("kind", string(j.kind)).
		Logger()

	var report progress.Func
	if m.deps.Reporter != nil {
		report = m.deps.Reporter.Bind(ctx, j.status, title)
		defer m.deps.Reporter.Forget(j.status)
	} else {
		report = func(int, string) {}
	}

	started := time.Now()
	var res jobResult
	switch j.kind {
	case DeliveryAudio:
		merged, err := m.deps.Merger.Merge(ctx, j.inputs, j.output, audiomerge.ProgressFunc(report))
		res = jobResult{err: err, delivery: Delivery{
			Kind:     DeliveryAudio,
			Path:     merged.Output,
			Size:     merged.Size,
			Duration: merged.Duration,
			Merged:   merged.Merged,
			Skipped:  merged.Skipped,
			Buttons:  []Action{ActionAddMore, ActionCancel},
		}}
	case DeliveryVideo:
		video, err := m.deps.Muxer.Mux(ctx, j.image, j.audio, j.output, report)
		res = jobResult{err: err, delivery: Delivery{
			Kind:     DeliveryVideo,
			Path:     video.Output,
			Size:     video.Size,
			Duration: video.Duration,
			Buttons:  []Action{ActionStartMerge, ActionStartVideo},
		}}
	}

	logger.Debug().Dur("elapsed", time.Since(started)).Err(res.err).Msg("Job finished")

	// Commit on the lane so the result is ordered with the user's events.
	commitCtx := tracing.Detach(ctx)
	err := <-m.deps.Queue.Submit(commitCtx, commandqueue.UserLane(userID), func(lctx context.Context) error {
		m.commit(lctx, userID, j, res)
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Commit did not run, discarding job files")
		m.discard(commitCtx, j)
	}
}

// commit applies a finished job to its session, or cleans up after it when
// the session has moved on.
func (m *Machine) commit(ctx context.Context, userID int64, j *job, res jobResult) {
	logger := tracing.LoggerFromContext(ctx, m.logger).With().Int64("user_id", userID).Logger()

	s, ok := m.registry.Get(userID)
	if ok {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	if !ok || s.removed || s.job != j {
		logger.Info().Str("job_id", j.id).Msg("Discarding output of cancelled job")
		m.discard(ctx, j)
		if !ok || s.removed {
			m.deps.Store.Tidy(userID)
		}
		observability.RecordJobAudit(ctx, string(j.kind), userID, "discarded", nil)
		return
	}

	s.job = nil
	s.LastActivity = m.now()

	if res.err != nil {
		m.fail(ctx, s, j, res.err)
		return
	}

	switch j.kind {
	case DeliveryAudio:
		m.commitMerge(ctx, s, j, res.delivery)
	case DeliveryVideo:
		m.commitVideo(ctx, s, j, res.delivery)
	}
}

func (m *Machine) commitMerge(ctx context.Context, s *Session, j *job, d Delivery) {
	next, err := m.deps.Store.Supersede(s.PriorOutput, assetstore.Asset{
		Path: j.output,
		Name: filepath.Base(j.output),
		Kind: assetstore.KindAudio,
	})
	if err != nil {
		m.fail(ctx, s, j, mediaerr.Wrap(mediaerr.KindEncoding, "session.commit", err))
		return
	}

	for _, clip := range s.Queue {
		if err := m.deps.Store.Remove(clip); err != nil {
			m.logger.Warn().Err(err).Str("path", clip.Path).Msg("Failed to remove merged clip")
		}
	}
	s.Queue = nil
	s.PriorOutput = next
	s.State = StateIdle

	d.Path = next.Path
	d.Size = next.Size
	status := "delivered"
	if err := m.deliver(ctx, s.ChatID, d); err != nil {
		// The merged file stays as PriorOutput, so Add More still works.
		status = "delivery_failed"
		m.notifyDeliveryFailed(ctx, s.ChatID, err, []Action{ActionAddMore, ActionStartMerge})
	}

	observability.RecordJobAudit(ctx, string(j.kind), s.UserID, status, map[string]interface{}{
		"job_id": j.id,
		"merged": d.Merged,
		"append": j.append,
	})
}

func (m *Machine) commitVideo(ctx context.Context, s *Session, j *job, d Delivery) {
	status := "delivered"
	if err := m.deliver(ctx, s.ChatID, d); err != nil {
		status = "delivery_failed"
		m.notifyDeliveryFailed(ctx, s.ChatID, err, []Action{ActionStartVideo, ActionStartMerge})
	}

	m.discard(ctx, j)
	if err := m.deps.Store.Release(s.UserID); err != nil {
		m.logger.Error().Err(err).Int64("user_id", s.UserID).Msg("Failed to release assets")
	}
	s.clearFlow()
	m.registry.remove(s)

	observability.RecordJobAudit(ctx, string(j.kind), s.UserID, status, map[string]interface{}{
		"job_id": j.id,
	})
}

// fail returns s to an asset-clean Idle after a job error.
func (m *Machine) fail(ctx context.Context, s *Session, j *job, err error) {
	m.discard(ctx, j)
	m.releaseAssets(ctx, s)
	s.clearFlow()

	if mediaerr.IsCancelled(err) {
		// Shutdown: nobody is waiting for a message.
		return
	}

	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Error().
		Err(err).
		Str("reason", mediaerr.ReasonOf(err)).
		Strs("stderr", ffmpeg.TailOf(err)).
		Msg("Job failed")

	if m.deps.Notifier == nil || s.ChatID == 0 {
		return
	}
	if !mediaerr.Is(err, mediaerr.KindEncoding) {
		err = mediaerr.Wrap(mediaerr.KindEncoding, "session.job", err)
	}
	notifyCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()
	out := Outcome{Reply: ReplyJobFailed, State: StateIdle, Buttons: []Action{ActionStartMerge, ActionStartVideo}, Err: err}
	if nerr := m.deps.Notifier.Notify(notifyCtx, s.ChatID, out); nerr != nil {
		m.logger.Warn().Err(nerr).Msg("Failed to notify job failure")
	}
}

func (m *Machine) deliver(ctx context.Context, chatID int64, d Delivery) error {
	if m.deps.Notifier == nil || chatID == 0 {
		return nil
	}
	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()
	if err := m.deps.Notifier.Deliver(sendCtx, chatID, d); err != nil {
		m.logger.Error().Err(err).Str("kind", string(d.Kind)).Int64("size", d.Size).Msg("Failed to deliver result")
		return mediaerr.Wrap(mediaerr.KindTransientNetwork, "session.deliver", err)
	}
	return nil
}

// notifyDeliveryFailed tells the user a finished file could not be sent.
func (m *Machine) notifyDeliveryFailed(ctx context.Context, chatID int64, err error, buttons []Action) {
	notifyCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()
	out := Outcome{
		Reply:   ReplyDeliveryFailed,
		State:   StateIdle,
		Buttons: buttons,
		Err:     &mediaerr.Error{Kind: mediaerr.KindTransientNetwork, Op: "session.deliver", Reason: "upload_failed", Err: err},
	}
	if nerr := m.deps.Notifier.Notify(notifyCtx, chatID, out); nerr != nil {
		m.logger.Warn().Err(nerr).Msg("Failed to notify delivery failure")
	}
}

// discard removes only the files a job created or consumed.
func (m *Machine) discard(ctx context.Context, j *job) {
	logger := tracing.LoggerFromContext(ctx, m.logger)
	for _, a := range j.files() {
		if err := m.deps.Store.Remove(a); err != nil {
			logger.Warn().Err(err).Str("path", a.Path).Msg("Failed to remove job file")
		}
	}
}

func (m *Machine) title(kind DeliveryKind) string {
	if kind == DeliveryVideo {
		return m.cfg.VideoTitle
	}
	return m.cfg.MergeTitle
}
