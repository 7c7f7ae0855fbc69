package daemon

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/mixdown/internal/telegram"
	"github.com/harun/mixdown/pkg/mediaerr"
	"github.com/harun/mixdown/pkg/session"
)

const welcomeText = `👋 Welcome to Mixdown!

I can do two things:
🎵 /merge  join several audio clips into one file
🎬 /video  turn a photo and an audio clip into a video

Pick one below to begin.`

const helpText = `📖 How to use Mixdown

Merge audio:
1. Send /merge
2. Send two or more audio files or voice notes
3. Send /done
Use /more afterwards to add clips to the merged file.

Make a video:
1. Send /video
2. Send a photo
3. Send an audio file or voice note

/cancel stops whatever is in progress.`

var buttonLabels = map[session.Action]string{
	session.ActionStartMerge:    "🎵 Merge audio",
	session.ActionStartVideo:    "🎬 Make video",
	session.ActionDone:          "✅ Done",
	session.ActionCancel:        "❌ Cancel",
	session.ActionAddMore:       "➕ Add more",
	session.ActionDownloadAudio: "🎵 Audio",
	session.ActionDownloadVideo: "🎬 Video",
	session.ActionHelp:          "❓ Help",
}

// Messages renders session outcomes as chat text.
type Messages struct {
	MaxAssetSize   int64
	MaxQueueLength int
	SessionTimeout time.Duration
}

// Keyboard lays actions out two per row.
func (m Messages) Keyboard(actions []session.Action) *tgbotapi.InlineKeyboardMarkup {
	var rows [][]telegram.Button
	var row []telegram.Button
	for _, a := range actions {
		label, ok := buttonLabels[a]
		if !ok {
			continue
		}
		row = append(row, telegram.Button{Text: label, Data: a.ID()})
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return telegram.Keyboard(rows...)
}

// Outcome returns the reply for out, or "" when nothing should be sent.
func (m Messages) Outcome(out session.Outcome) string {
	switch out.Reply {
	case session.ReplyWelcome:
		return welcomeText
	case session.ReplyHelp:
		return helpText
	case session.ReplyMergeStarted:
		return "🎵 Send me the audio clips to merge, then press Done.\nAudio files and voice notes both work."
	case session.ReplyAppendStarted:
		return "➕ Send more clips. They will be added after your merged file."
	case session.ReplyVideoStarted:
		return "🖼 Send the photo for your video."
	case session.ReplyClipAdded:
		return fmt.Sprintf("✅ Audio #%d added.\nSend more, or press Done to merge.", out.Count)
	case session.ReplyImageReceived:
		return "✅ Photo received. Now send the audio clip."
	case session.ReplyProcessing:
		return ""
	case session.ReplyCancelled:
		return "❌ Cancelled. Send /merge or /video to start again."
	case session.ReplyRejected:
		return m.Rejection(out.Err)
	case session.ReplyJobFailed:
		return "❌ Something went wrong while processing your files. Please try again.\nMake sure they are valid audio files or voice notes."
	case session.ReplyDeliveryFailed:
		return "❌ I could not upload the result. Try fewer or shorter clips."
	case session.ReplySessionReset:
		return "⚠️ Something went wrong and your session was reset. Send /merge or /video to start again."
	case session.ReplySessionExpired:
		return fmt.Sprintf("⌛ Your session expired after %s of inactivity and your files were removed.", humanDuration(m.SessionTimeout))
	default:
		return ""
	}
}

// Rejection explains why an event was refused. Raw errors are never shown.
func (m Messages) Rejection(err error) string {
	switch mediaerr.ReasonOf(err) {
	case "busy":
		return "⏳ Still working on your last request. Wait for it to finish or press Cancel."
	case "expected_audio":
		return "🎵 Please send an audio file or voice note."
	case "expected_image":
		return "🖼 Please send a photo first."
	case "image_already_set":
		return "🖼 You already sent a photo. Now send the audio clip."
	case "no_flow":
		return "Send /merge or /video first!"
	case "missing_file":
		return "❌ That message has no file attached."
	case "unsupported_document":
		return "❌ That document is not an audio file."
	case "need_two_clips":
		return "❌ Send at least 2 audio clips before pressing Done."
	case "need_one_clip":
		return "❌ Send at least 1 more clip before pressing Done."
	case "not_collecting":
		return "❌ There is nothing to merge. Send /merge first."
	case "no_prior_output":
		return "❌ There is no merged file to add to. Send /merge first."
	case "too_large":
		if m.MaxAssetSize > 0 {
			return fmt.Sprintf("❌ That file is too large. The limit is %s.", humanize.Bytes(uint64(m.MaxAssetSize)))
		}
		return "❌ That file is too large."
	case "queue_full":
		return fmt.Sprintf("❌ You can merge at most %d clips at once. Press Done to merge them.", m.MaxQueueLength)
	case "timeout":
		return "❌ The download took too long. Please send the file again."
	case "download_failed":
		return "❌ Failed to download your file. Please send it again."
	case "unknown_action":
		return "🤔 I did not understand that. Send /help to see what I can do."
	}

	if mediaerr.Is(err, mediaerr.KindTransientNetwork) {
		return "❌ A network problem occurred. Please try again."
	}
	return "❌ That is not possible right now. Send /help to see what I can do."
}

// Caption describes a delivered file.
func (m Messages) Caption(d session.Delivery) string {
	var b strings.Builder
	switch d.Kind {
	case session.DeliveryAudio:
		fmt.Fprintf(&b, "✅ %d clips merged!", d.Merged)
	case session.DeliveryVideo:
		b.WriteString("✅ Your video is ready!")
	}

	var facts []string
	if d.Duration > 0 {
		facts = append(facts, formatClock(d.Duration))
	}
	if d.Size > 0 {
		facts = append(facts, humanize.Bytes(uint64(d.Size)))
	}
	if len(facts) > 0 {
		fmt.Fprintf(&b, "\n%s", strings.Join(facts, " · "))
	}

	if len(d.Skipped) > 0 {
		fmt.Fprintf(&b, "\n⚠️ Skipped %d unreadable clip(s): %s", len(d.Skipped), strings.Join(d.Skipped, ", "))
	}
	return b.String()
}

func formatClock(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func humanDuration(d time.Duration) string {
	if d <= 0 {
		return "a while"
	}
	if d%time.Hour == 0 {
		return fmt.Sprintf("%d hour(s)", d/time.Hour)
	}
	if d >= time.Minute {
		return fmt.Sprintf("%d minute(s)", d/time.Minute)
	}
	return d.String()
}
