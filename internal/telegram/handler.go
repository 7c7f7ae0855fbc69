package telegram

import (
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// MediaKind is the transport-level type of an uploaded file.
type MediaKind string

const (
	MediaAudio    MediaKind = "audio"
	MediaVoice    MediaKind = "voice"
	MediaDocument MediaKind = "document"
	MediaPhoto    MediaKind = "photo"
)

// Media describes an uploaded file.
type Media struct {
	Kind     MediaKind
	FileID   string
	FileName string
	MimeType string
	FileSize int64
}

// Inbound is a parsed update: a command, a button press, an upload, or
// plain text.
type Inbound struct {
	UpdateID  int
	UserID    int64
	Username  string
	ChatID    int64
	MessageID int
	Timestamp time.Time

	Command string
	Args    string

	CallbackID   string
	CallbackData string

	Media *Media
	Text  string
}

// IsCallback reports whether the update is an inline button press.
func (in Inbound) IsCallback() bool {
	return in.CallbackID != ""
}

// Parse extracts an Inbound from update. It returns false for updates that
// carry nothing the bot acts on.
func Parse(update tgbotapi.Update) (Inbound, bool) {
	if cq := update.CallbackQuery; cq != nil {
		if cq.From == nil {
			return Inbound{}, false
		}
		in := Inbound{
			UpdateID:     update.UpdateID,
			UserID:       cq.From.ID,
			Username:     cq.From.UserName,
			CallbackID:   cq.ID,
			CallbackData: cq.Data,
			Timestamp:    time.Now(),
		}
		if cq.Message != nil && cq.Message.Chat != nil {
			in.ChatID = cq.Message.Chat.ID
			in.MessageID = cq.Message.MessageID
		} else {
			in.ChatID = cq.From.ID
		}
		return in, true
	}

	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return Inbound{}, false
	}

	in := Inbound{
		UpdateID:  update.UpdateID,
		UserID:    msg.From.ID,
		Username:  msg.From.UserName,
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Timestamp: time.Unix(int64(msg.Date), 0),
	}

	if msg.IsCommand() {
		in.Command = strings.ToLower(msg.Command())
		in.Args = msg.CommandArguments()
		return in, true
	}

	if media := mediaOf(msg); media != nil {
		in.Media = media
		return in, true
	}

	if msg.Text != "" {
		in.Text = msg.Text
		return in, true
	}

	return Inbound{}, false
}

// mediaOf picks the file carried by msg. For photos the largest size wins.
func mediaOf(msg *tgbotapi.Message) *Media {
	switch {
	case msg.Audio != nil:
		return &Media{
			Kind:     MediaAudio,
			FileID:   msg.Audio.FileID,
			FileName: msg.Audio.FileName,
			MimeType: msg.Audio.MimeType,
			FileSize: int64(msg.Audio.FileSize),
		}
	case msg.Voice != nil:
		return &Media{
			Kind:     MediaVoice,
			FileID:   msg.Voice.FileID,
			MimeType: msg.Voice.MimeType,
			FileSize: int64(msg.Voice.FileSize),
		}
	case msg.Document != nil:
		return &Media{
			Kind:     MediaDocument,
			FileID:   msg.Document.FileID,
			FileName: msg.Document.FileName,
			MimeType: msg.Document.MimeType,
			FileSize: int64(msg.Document.FileSize),
		}
	case len(msg.Photo) > 0:
		best := msg.Photo[0]
		for _, p := range msg.Photo[1:] {
			if p.Width*p.Height > best.Width*best.Height {
				best = p
			}
		}
		return &Media{
			Kind:     MediaPhoto,
			FileID:   best.FileID,
			MimeType: "image/jpeg",
			FileSize: int64(best.FileSize),
		}
	default:
		return nil
	}
}
