package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/mixdown/pkg/progress"
)

// Button is one inline keyboard button.
type Button struct {
	Text string
	Data string
}

// Keyboard builds an inline keyboard with one row per slice. Empty rows are
// dropped; nil is returned when nothing remains.
func Keyboard(rows ...[]Button) *tgbotapi.InlineKeyboardMarkup {
	var kbRows [][]tgbotapi.InlineKeyboardButton
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		kbRow := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			kbRow = append(kbRow, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		kbRows = append(kbRows, kbRow)
	}
	if len(kbRows) == 0 {
		return nil
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(kbRows...)
	return &markup
}

// SendText sends a message, optionally with a keyboard, and returns a handle
// that can be edited later.
func (b *Bot) SendText(ctx context.Context, chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) (progress.Handle, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	if keyboard != nil {
		msg.ReplyMarkup = keyboard
	}

	sent, err := call(ctx, func() (tgbotapi.Message, error) {
		return b.api.Send(msg)
	})
	if err != nil {
		return progress.Handle{}, fmt.Errorf("failed to send message: %w", err)
	}

	b.logger.Debug().
		Int64("chat_id", chatID).
		Int("message_id", sent.MessageID).
		Msg("Message sent")

	return progress.Handle{ChatID: chatID, MessageID: sent.MessageID}, nil
}

// EditStatus replaces the text of a previously sent message. An edit that
// would not change the text yields progress.ErrNotModified.
func (b *Bot) EditStatus(ctx context.Context, h progress.Handle, text string) error {
	edit := tgbotapi.NewEditMessageText(h.ChatID, h.MessageID, text)

	_, err := call(ctx, func() (tgbotapi.Message, error) {
		return b.api.Send(edit)
	})
	if err != nil {
		if isNotModified(err) {
			return progress.ErrNotModified
		}
		return fmt.Errorf("failed to update message: %w", err)
	}
	return nil
}

// ChatAction shows a transient activity indicator such as "sending file".
func (b *Bot) ChatAction(ctx context.Context, chatID int64, action string) error {
	_, err := call(ctx, func() (*tgbotapi.APIResponse, error) {
		return b.api.Request(tgbotapi.NewChatAction(chatID, action))
	})
	if err != nil {
		return fmt.Errorf("failed to send chat action: %w", err)
	}
	return nil
}

// AnswerCallback acknowledges a button press so the client stops its
// spinner. text, when set, is shown as a toast.
func (b *Bot) AnswerCallback(ctx context.Context, callbackID, text string) error {
	_, err := call(ctx, func() (*tgbotapi.APIResponse, error) {
		return b.api.Request(tgbotapi.NewCallback(callbackID, text))
	})
	if err != nil {
		return fmt.Errorf("failed to answer callback: %w", err)
	}
	return nil
}

func isNotModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}
