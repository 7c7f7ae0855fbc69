package daemon

import (
	"testing"

	"github.com/harun/mixdown/internal/telegram"
	"github.com/harun/mixdown/pkg/assetstore"
	"github.com/harun/mixdown/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		in   telegram.Inbound
		want session.Action
	}{
		{"start", telegram.Inbound{Command: "start"}, session.ActionStart},
		{"merge", telegram.Inbound{Command: "merge"}, session.ActionStartMerge},
		{"video", telegram.Inbound{Command: "video"}, session.ActionStartVideo},
		{"help", telegram.Inbound{Command: "help"}, session.ActionHelp},
		{"cancel", telegram.Inbound{Command: "cancel"}, session.ActionCancel},
		{"done", telegram.Inbound{Command: "done"}, session.ActionDone},
		{"more", telegram.Inbound{Command: "more"}, session.ActionAddMore},
		{"unknown command", telegram.Inbound{Command: "settings"}, session.ActionUnknown},
		{"button", telegram.Inbound{CallbackID: "1", CallbackData: "add-more"}, session.ActionAddMore},
		{"download button", telegram.Inbound{CallbackID: "1", CallbackData: "download-video"}, session.ActionDownloadVideo},
		{"forged submit button", telegram.Inbound{CallbackID: "1", CallbackData: "submit"}, session.ActionUnknown},
		{"plain text", telegram.Inbound{Text: "hello"}, session.ActionUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Translate(tt.in)
			assert.Equal(t, tt.want, ev.Action)
			assert.Nil(t, ev.Submission)
		})
	}
}

func TestTranslateMedia(t *testing.T) {
	kinds := map[telegram.MediaKind]assetstore.Kind{
		telegram.MediaAudio:    assetstore.KindAudio,
		telegram.MediaVoice:    assetstore.KindVoiceNote,
		telegram.MediaDocument: assetstore.KindDocumentAudio,
		telegram.MediaPhoto:    assetstore.KindImage,
	}

	for media, kind := range kinds {
		t.Run(string(media), func(t *testing.T) {
			ev := Translate(telegram.Inbound{
				UpdateID: 5,
				ChatID:   50,
				Media: &telegram.Media{
					Kind:     media,
					FileID:   "f",
					FileName: "clip.bin",
					MimeType: "audio/mpeg",
					FileSize: 77,
				},
			})
			assert.Equal(t, session.ActionSubmit, ev.Action)
			assert.Equal(t, int64(50), ev.ChatID)
			assert.Equal(t, "upd:5", ev.RequestID)
			require.NotNil(t, ev.Submission)
			assert.Equal(t, kind, ev.Submission.Kind)
			assert.Equal(t, "f", ev.Submission.FileID)
			assert.Equal(t, "clip.bin", ev.Submission.FileName)
			assert.Equal(t, int64(77), ev.Submission.DeclaredSize)
		})
	}
}

func TestRequestIDs(t *testing.T) {
	assert.Equal(t, "cb:abc", Translate(telegram.Inbound{UpdateID: 3, CallbackID: "abc", CallbackData: "done"}).RequestID)
	assert.Equal(t, "upd:3", Translate(telegram.Inbound{UpdateID: 3, Command: "done"}).RequestID)
}

func TestRouterDropsRedeliveredUpdate(t *testing.T) {
	d, transport := createTestDaemon(t)
	require.NoError(t, d.Start())
	defer d.Stop()

	transport.deliver(commandUpdate(11, 3, "help"))
	transport.deliver(commandUpdate(11, 3, "help"))
	d.router.Wait()

	assert.Len(t, transport.replies(3), 1)
}
