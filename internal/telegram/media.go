package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/mixdown/pkg/ingest"
)

// Attachment is a local file to upload.
type Attachment struct {
	Path     string
	Caption  string
	Title    string
	Keyboard *tgbotapi.InlineKeyboardMarkup
}

// Fetch downloads a file by id into w. Files larger than limit are refused
// with ingest.ErrTooLarge, before the transfer when the size is known.
func (b *Bot) Fetch(ctx context.Context, fileID string, w io.Writer, limit int64) (int64, error) {
	file, err := call(ctx, func() (tgbotapi.File, error) {
		return b.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get file info: %w", err)
	}

	if limit > 0 && int64(file.FileSize) > limit {
		return 0, fmt.Errorf("%w: %d > %d", ingest.ErrTooLarge, file.FileSize, limit)
	}
	if file.FilePath == "" {
		return 0, fmt.Errorf("file %s has no download path", fileID)
	}

	url := fmt.Sprintf(b.fileEndpoint, b.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	body := io.Reader(resp.Body)
	if limit > 0 {
		body = io.LimitReader(resp.Body, limit+1)
	}

	written, err := io.Copy(w, body)
	if err != nil {
		return written, fmt.Errorf("failed to write file: %w", err)
	}
	if limit > 0 && written > limit {
		return written, ingest.ErrTooLarge
	}

	b.logger.Debug().
		Str("file_id", fileID).
		Int64("size", written).
		Msg("File downloaded")

	return written, nil
}

// SendAudio uploads an audio file.
func (b *Bot) SendAudio(ctx context.Context, chatID int64, a Attachment) error {
	audio := tgbotapi.NewAudio(chatID, tgbotapi.FilePath(a.Path))
	audio.Caption = a.Caption
	audio.Title = a.Title
	if a.Keyboard != nil {
		audio.ReplyMarkup = a.Keyboard
	}

	if _, err := call(ctx, func() (tgbotapi.Message, error) { return b.api.Send(audio) }); err != nil {
		return fmt.Errorf("failed to upload audio: %w", err)
	}

	b.logger.Info().
		Int64("chat_id", chatID).
		Str("path", a.Path).
		Msg("Audio uploaded")

	return nil
}

// SendVideo uploads a video file.
func (b *Bot) SendVideo(ctx context.Context, chatID int64, a Attachment) error {
	video := tgbotapi.NewVideo(chatID, tgbotapi.FilePath(a.Path))
	video.Caption = a.Caption
	video.SupportsStreaming = true
	if a.Keyboard != nil {
		video.ReplyMarkup = a.Keyboard
	}

	if _, err := call(ctx, func() (tgbotapi.Message, error) { return b.api.Send(video) }); err != nil {
		return fmt.Errorf("failed to upload video: %w", err)
	}

	b.logger.Info().
		Int64("chat_id", chatID).
		Str("path", a.Path).
		Msg("Video uploaded")

	return nil
}
