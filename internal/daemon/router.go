package daemon

import (
	"context"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/mixdown/internal/telegram"
	"github.com/harun/mixdown/internal/tracing"
	"github.com/harun/mixdown/pkg/assetstore"
	"github.com/harun/mixdown/pkg/ingest"
	"github.com/harun/mixdown/pkg/session"
	"github.com/rs/zerolog"
)

var commandActions = map[string]session.Action{
	"start":  session.ActionStart,
	"merge":  session.ActionStartMerge,
	"video":  session.ActionStartVideo,
	"help":   session.ActionHelp,
	"cancel": session.ActionCancel,
	"done":   session.ActionDone,
	"more":   session.ActionAddMore,
}

var mediaKinds = map[telegram.MediaKind]assetstore.Kind{
	telegram.MediaAudio:    assetstore.KindAudio,
	telegram.MediaVoice:    assetstore.KindVoiceNote,
	telegram.MediaDocument: assetstore.KindDocumentAudio,
	telegram.MediaPhoto:    assetstore.KindImage,
}

// Router turns transport updates into session events and sends the
// replies back, in arrival order per user.
type Router struct {
	machine   *session.Machine
	transport Transport
	messages  Messages
	timeout   time.Duration
	logger    zerolog.Logger

	mu    sync.Mutex
	tails map[int64]chan struct{}
	wg    sync.WaitGroup
}

// NewRouter creates a router. timeout bounds each reply call.
func NewRouter(machine *session.Machine, transport Transport, messages Messages, timeout time.Duration, logger zerolog.Logger) *Router {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Router{
		machine:   machine,
		transport: transport,
		messages:  messages,
		timeout:   timeout,
		logger:    logger.With().Str("component", "router").Logger(),
		tails:     make(map[int64]chan struct{}),
	}
}

// HandleUpdate is the transport's update callback. It returns once the
// event holds its place in the user's lane.
func (r *Router) HandleUpdate(update tgbotapi.Update) {
	in, ok := telegram.Parse(update)
	if !ok {
		return
	}

	ctx := tracing.NewRequestContext(context.Background())
	logger := tracing.LoggerFromContext(ctx, r.logger).With().
		Int64("user_id", in.UserID).
		Int("update_id", in.UpdateID).
		Logger()

	if in.IsCallback() {
		ackCtx, cancel := context.WithTimeout(ctx, r.timeout)
		if err := r.transport.AnswerCallback(ackCtx, in.CallbackID, ""); err != nil {
			logger.Debug().Err(err).Msg("Failed to answer callback")
		}
		cancel()
	}

	ev := Translate(in)
	logger.Debug().Str("action", ev.Action.ID()).Msg("Update received")

	results := r.machine.Submit(ctx, in.UserID, ev)
	r.reply(ctx, in.UserID, in.ChatID, results)
}

// reply waits for the outcome off the update loop. Each reply waits for the
// previous one of the same user so messages keep event order.
func (r *Router) reply(ctx context.Context, userID, chatID int64, results <-chan session.Result) {
	done := make(chan struct{})

	r.mu.Lock()
	prev := r.tails[userID]
	r.tails[userID] = done
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			close(done)
			r.mu.Lock()
			if r.tails[userID] == done {
				delete(r.tails, userID)
			}
			r.mu.Unlock()
		}()

		res := <-results
		if prev != nil {
			<-prev
		}

		text := r.messages.Outcome(res.Outcome)
		if text == "" {
			return
		}

		sendCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		if _, err := r.transport.SendText(sendCtx, chatID, text, r.messages.Keyboard(res.Outcome.Buttons)); err != nil {
			logger := tracing.LoggerFromContext(ctx, r.logger)
			logger.Warn().Err(err).Int64("user_id", userID).Msg("Failed to send reply")
		}
	}()
}

// Wait blocks until every pending reply is sent.
func (r *Router) Wait() {
	r.wg.Wait()
}

// Translate maps a parsed update to a session event. Unrecognised input
// becomes ActionUnknown so the machine can answer it.
func Translate(in telegram.Inbound) session.Event {
	ev := session.Event{
		Action:    session.ActionUnknown,
		ChatID:    in.ChatID,
		RequestID: requestID(in),
	}

	switch {
	case in.IsCallback():
		if action, ok := session.ParseAction(in.CallbackData); ok {
			ev.Action = action
		}
	case in.Command != "":
		if action, ok := commandActions[in.Command]; ok {
			ev.Action = action
		}
	case in.Media != nil:
		kind, ok := mediaKinds[in.Media.Kind]
		if !ok {
			break
		}
		ev.Action = session.ActionSubmit
		ev.Submission = &ingest.Submission{
			Kind:         kind,
			FileID:       in.Media.FileID,
			FileName:     in.Media.FileName,
			MIMEType:     in.Media.MimeType,
			DeclaredSize: in.Media.FileSize,
		}
	}
	return ev
}

func requestID(in telegram.Inbound) string {
	if in.IsCallback() {
		return "cb:" + in.CallbackID
	}
	return "upd:" + strconv.Itoa(in.UpdateID)
}
