package daemon

import (
	"context"
	"fmt"
	"io"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/mixdown/internal/telegram"
	"github.com/harun/mixdown/pkg/progress"
	"github.com/harun/mixdown/pkg/session"
	"github.com/rs/zerolog"
)

// Transport is the chat surface the daemon drives. *telegram.Bot
// implements it.
type Transport interface {
	Start(handler telegram.UpdateHandler) error
	Stop() error
	SetCommands(ctx context.Context, commands []telegram.Command) error
	SendText(ctx context.Context, chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) (progress.Handle, error)
	EditStatus(ctx context.Context, h progress.Handle, text string) error
	ChatAction(ctx context.Context, chatID int64, action string) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
	SendAudio(ctx context.Context, chatID int64, a telegram.Attachment) error
	SendVideo(ctx context.Context, chatID int64, a telegram.Attachment) error
	Fetch(ctx context.Context, fileID string, w io.Writer, limit int64) (int64, error)
}

// chatNotifier renders session output onto the transport.
type chatNotifier struct {
	transport Transport
	messages  Messages
	title     string
	logger    zerolog.Logger
}

var _ session.Notifier = (*chatNotifier)(nil)

func (n *chatNotifier) Status(ctx context.Context, chatID int64, text string) (progress.Handle, error) {
	return n.transport.SendText(ctx, chatID, text, nil)
}

func (n *chatNotifier) Deliver(ctx context.Context, chatID int64, d session.Delivery) error {
	attachment := telegram.Attachment{
		Path:     d.Path,
		Caption:  n.messages.Caption(d),
		Keyboard: n.messages.Keyboard(d.Buttons),
	}

	switch d.Kind {
	case session.DeliveryAudio:
		attachment.Title = n.title
		n.activity(ctx, chatID, tgbotapi.ChatUploadDocument)
		return n.transport.SendAudio(ctx, chatID, attachment)
	case session.DeliveryVideo:
		n.activity(ctx, chatID, tgbotapi.ChatUploadVideo)
		return n.transport.SendVideo(ctx, chatID, attachment)
	default:
		return fmt.Errorf("unknown delivery kind %q", d.Kind)
	}
}

func (n *chatNotifier) Notify(ctx context.Context, chatID int64, out session.Outcome) error {
	text := n.messages.Outcome(out)
	if text == "" {
		return nil
	}
	_, err := n.transport.SendText(ctx, chatID, text, n.messages.Keyboard(out.Buttons))
	return err
}

// Activity shows a typing indicator while a file downloads.
func (n *chatNotifier) Activity(ctx context.Context, chatID int64, label string) error {
	return n.transport.ChatAction(ctx, chatID, tgbotapi.ChatTyping)
}

func (n *chatNotifier) activity(ctx context.Context, chatID int64, action string) {
	if err := n.transport.ChatAction(ctx, chatID, action); err != nil {
		n.logger.Debug().Err(err).Str("action", action).Msg("Chat action failed")
	}
}
