package session

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/mixdown/pkg/assetstore"
	"github.com/harun/mixdown/pkg/commandqueue"
	"github.com/harun/mixdown/pkg/ffmpeg/ffmpegtest"
	"github.com/harun/mixdown/pkg/ingest"
	"github.com/harun/mixdown/pkg/mediaerr"
	"github.com/harun/mixdown/pkg/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeTwoClips(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeOK)
	ok := mustOK(t)

	out := ok(h.act(1, ActionStartMerge))
	assert.Equal(t, ReplyMergeStarted, out.Reply)
	assert.Equal(t, StateCollectingMerge, out.State)

	out = ok(h.clip(1, assetstore.KindAudio, 3))
	assert.Equal(t, ReplyClipAdded, out.Reply)
	assert.Equal(t, 1, out.Count)
	assert.Equal(t, []Action{ActionDone, ActionCancel}, out.Buttons)

	out = ok(h.clip(1, assetstore.KindVoiceNote, 4))
	assert.Equal(t, 2, out.Count)

	out = ok(h.act(1, ActionDone))
	assert.Equal(t, ReplyProcessing, out.Reply)
	assert.Equal(t, StateProcessing, out.State)

	h.m.Wait()

	deliveries := h.notifier.Deliveries()
	require.Len(t, deliveries, 1)
	got := deliveries[0]
	assert.Equal(t, int64(10), got.chatID)
	assert.Equal(t, DeliveryAudio, got.d.Kind)
	assert.Equal(t, 2, got.d.Merged)
	assert.Equal(t, 7*time.Second, got.d.Duration)
	assert.True(t, got.existed)
	assert.InDelta(t, 7.0, got.seconds, 0.01)
	assert.Equal(t, []Action{ActionAddMore, ActionCancel}, got.d.Buttons)

	view, found := h.m.View(1)
	require.True(t, found)
	assert.Equal(t, StateIdle, view.State)
	assert.Empty(t, view.Queue)
	assert.Equal(t, got.d.Path, view.PriorOutput)
	assert.False(t, view.Busy)

	assert.Equal(t, []string{got.d.Path}, h.files(t, 1))
}

func TestMergeProgressEditsOneStatusMessage(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeOK)
	ok := mustOK(t)

	ok(h.act(1, ActionStartMerge))
	ok(h.clip(1, assetstore.KindAudio, 1))
	ok(h.clip(1, assetstore.KindAudio, 1))
	ok(h.act(1, ActionDone))
	h.m.Wait()

	h.notifier.mu.Lock()
	statuses := append([]progress.Handle(nil), h.notifier.statuses...)
	h.notifier.mu.Unlock()
	require.Len(t, statuses, 1)

	edits := h.notifier.Edits(statuses[0])
	require.NotEmpty(t, edits)
	assert.Contains(t, edits[len(edits)-1], "100%")
}

func TestAddMoreAppendsToPriorOutput(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeOK)
	ok := mustOK(t)

	ok(h.act(1, ActionStartMerge))
	ok(h.clip(1, assetstore.KindAudio, 3))
	ok(h.clip(1, assetstore.KindAudio, 4))
	ok(h.act(1, ActionDone))
	h.m.Wait()

	first := h.notifier.Deliveries()[0].d.Path
	require.FileExists(t, first)

	out := ok(h.act(1, ActionAddMore))
	assert.Equal(t, ReplyAppendStarted, out.Reply)
	assert.Equal(t, StateCollectingAppend, out.State)

	ok(h.clip(1, assetstore.KindAudio, 2))
	ok(h.act(1, ActionDone))
	h.m.Wait()

	deliveries := h.notifier.Deliveries()
	require.Len(t, deliveries, 2)
	second := deliveries[1]
	assert.InDelta(t, 9.0, second.seconds, 0.01)
	assert.Equal(t, 2, second.d.Merged)
	assert.NotEqual(t, first, second.d.Path)

	_, err := os.Stat(first)
	assert.True(t, os.IsNotExist(err), "old output must be gone")
	assert.Equal(t, []string{second.d.Path}, h.files(t, 1))
}

func TestAddMoreRequiresPriorOutput(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeOK)

	out, err := h.act(1, ActionAddMore)
	require.Error(t, err)
	assert.True(t, mediaerr.Is(err, mediaerr.KindInvalidTransition))
	assert.Equal(t, ReplyRejected, out.Reply)
	assert.Equal(t, StateIdle, out.State)
}

func TestAppendDoneNeedsOneClip(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeOK)
	ok := mustOK(t)

	ok(h.act(1, ActionStartMerge))
	ok(h.clip(1, assetstore.KindAudio, 1))
	ok(h.clip(1, assetstore.KindAudio, 1))
	ok(h.act(1, ActionDone))
	h.m.Wait()
	ok(h.act(1, ActionAddMore))

	_, err := h.act(1, ActionDone)
	require.Error(t, err)
	assert.True(t, mediaerr.Is(err, mediaerr.KindUserInput))
	assert.Equal(t, "need_one_clip", mediaerr.ReasonOf(err))

	view, _ := h.m.View(1)
	assert.Equal(t, StateCollectingAppend, view.State)
}

func TestVideoFlow(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeOK)
	ok := mustOK(t)

	out := ok(h.act(2, ActionStartVideo))
	assert.Equal(t, ReplyVideoStarted, out.Reply)
	assert.Equal(t, StateAwaitingImage, out.State)

	out = ok(h.photo(2))
	assert.Equal(t, ReplyImageReceived, out.Reply)
	assert.Equal(t, StateAwaitingVideoAudio, out.State)

	out = ok(h.clip(2, assetstore.KindVoiceNote, 5))
	assert.Equal(t, ReplyProcessing, out.Reply)

	h.m.Wait()

	deliveries := h.notifier.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, DeliveryVideo, deliveries[0].d.Kind)
	assert.True(t, deliveries[0].existed)
	assert.InDelta(t, 5.0, deliveries[0].seconds, 0.01)

	_, found := h.m.View(2)
	assert.False(t, found, "video delivery ends the session")
	assert.Empty(t, h.files(t, 2))
}

func TestFailedVideoUploadIsReported(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeOK)
	ok := mustOK(t)
	h.notifier.FailDeliveries(errors.New("Request Entity Too Large"))

	ok(h.act(2, ActionStartVideo))
	ok(h.photo(2))
	ok(h.clip(2, assetstore.KindVoiceNote, 5))
	h.m.Wait()

	assert.Empty(t, h.notifier.Deliveries())
	notices := h.notifier.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, ReplyDeliveryFailed, notices[0].Reply)
	assert.True(t, mediaerr.Is(notices[0].Err, mediaerr.KindTransientNetwork))
	assert.Equal(t, "upload_failed", mediaerr.ReasonOf(notices[0].Err))
	assert.Contains(t, notices[0].Buttons, ActionStartVideo)

	_, found := h.m.View(2)
	assert.False(t, found)
	assert.Empty(t, h.files(t, 2))
}

func TestFailedMergeUploadKeepsPriorOutput(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeOK)
	ok := mustOK(t)
	h.notifier.FailDeliveries(errors.New("connection reset by peer"))

	ok(h.act(1, ActionStartMerge))
	ok(h.clip(1, assetstore.KindAudio, 2))
	ok(h.clip(1, assetstore.KindAudio, 3))
	ok(h.act(1, ActionDone))
	h.m.Wait()

	notices := h.notifier.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, ReplyDeliveryFailed, notices[0].Reply)
	assert.Contains(t, notices[0].Buttons, ActionAddMore)

	view, found := h.m.View(1)
	require.True(t, found)
	assert.Equal(t, StateIdle, view.State)
	require.NotEmpty(t, view.PriorOutput)
	assert.Equal(t, []string{view.PriorOutput}, h.files(t, 1))

	h.notifier.FailDeliveries(nil)
	out := ok(h.act(1, ActionAddMore))
	assert.Equal(t, ReplyAppendStarted, out.Reply)
}

func TestVideoRejectsSecondImage(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeOK)
	ok := mustOK(t)

	ok(h.act(2, ActionStartVideo))
	ok(h.photo(2))

	_, err := h.photo(2)
	require.Error(t, err)
	assert.True(t, mediaerr.Is(err, mediaerr.KindInvalidTransition))
	assert.Equal(t, "image_already_set", mediaerr.ReasonOf(err))

	view, _ := h.m.View(2)
	assert.Equal(t, StateAwaitingVideoAudio, view.State)
	assert.Len(t, h.files(t, 2), 1)
}

func TestVideoExpectsImageFirst(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeOK)
	ok := mustOK(t)

	ok(h.act(2, ActionStartVideo))
	_, err := h.clip(2, assetstore.KindAudio, 1)
	require.Error(t, err)
	assert.Equal(t, "expected_image", mediaerr.ReasonOf(err))
	assert.Empty(t, h.files(t, 2))
}

func TestOversizedClipRejectedBeforeDownload(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeOK)
	ok := mustOK(t)

	ok(h.act(1, ActionStartMerge))

	h.fetcher.Add("big", []byte("duration=1"))
	out, err := h.m.Handle(context.Background(), 1, Event{
		Action:     ActionSubmit,
		ChatID:     10,
		Submission: &ingest.Submission{Kind: assetstore.KindAudio, FileID: "big", DeclaredSize: testMaxAssetSize + 1},
	})
	require.Error(t, err)
	assert.True(t, mediaerr.Is(err, mediaerr.KindResourceLimit))
	assert.Equal(t, ReplyRejected, out.Reply)
	assert.Equal(t, 0, h.fetcher.Calls())

	view, _ := h.m.View(1)
	assert.Equal(t, StateCollectingMerge, view.State)
	assert.Empty(t, view.Queue)
	assert.Empty(t, h.files(t, 1))
}

func TestQueueLimit(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeOK)
	ok := mustOK(t)

	ok(h.act(1, ActionStartMerge))
	for i := 0; i < 5; i++ {
		ok(h.clip(1, assetstore.KindAudio, 1))
	}
	_, err := h.clip(1, assetstore.KindAudio, 1)
	require.Error(t, err)
	assert.Equal(t, "queue_full", mediaerr.ReasonOf(err))

	view, _ := h.m.View(1)
	assert.Len(t, view.Queue, 5)
}

func TestDoneNeedsTwoClips(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeOK)
	ok := mustOK(t)

	ok(h.act(1, ActionStartMerge))
	ok(h.clip(1, assetstore.KindAudio, 1))

	out, err := h.act(1, ActionDone)
	require.Error(t, err)
	assert.True(t, mediaerr.Is(err, mediaerr.KindUserInput))
	assert.Equal(t, "need_two_clips", mediaerr.ReasonOf(err))
	assert.Equal(t, ReplyRejected, out.Reply)
	assert.Equal(t, 1, out.Count)

	view, _ := h.m.View(1)
	assert.Equal(t, StateCollectingMerge, view.State)
	assert.Len(t, view.Queue, 1)
}

func TestCancelDeletesFiles(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeOK)
	ok := mustOK(t)

	ok(h.act(1, ActionStartMerge))
	ok(h.clip(1, assetstore.KindAudio, 1))
	require.Len(t, h.files(t, 1), 1)

	out := ok(h.act(1, ActionCancel))
	assert.Equal(t, ReplyCancelled, out.Reply)
	assert.Equal(t, StateIdle, out.State)

	_, found := h.m.View(1)
	assert.False(t, found)
	assert.Empty(t, h.files(t, 1))
}

func TestCancelFromEveryState(t *testing.T) {
	setups := map[string]func(t *testing.T, h *harness){
		"idle": func(t *testing.T, h *harness) {},
		"collecting merge": func(t *testing.T, h *harness) {
			mustOK(t)(h.act(1, ActionStartMerge))
			mustOK(t)(h.clip(1, assetstore.KindAudio, 1))
		},
		"collecting append": func(t *testing.T, h *harness) {
			mustOK(t)(h.act(1, ActionStartMerge))
			mustOK(t)(h.clip(1, assetstore.KindAudio, 1))
			mustOK(t)(h.clip(1, assetstore.KindAudio, 1))
			mustOK(t)(h.act(1, ActionDone))
			h.m.Wait()
			mustOK(t)(h.act(1, ActionAddMore))
			mustOK(t)(h.clip(1, assetstore.KindAudio, 1))
		},
		"awaiting audio": func(t *testing.T, h *harness) {
			mustOK(t)(h.act(1, ActionStartVideo))
			mustOK(t)(h.photo(1))
		},
	}

	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, ffmpegtest.ModeOK)
			setup(t, h)

			mustOK(t)(h.act(1, ActionCancel))
			h.m.Wait()
			assert.Empty(t, h.files(t, 1))
		})
	}
}

func TestCancelDuringProcessingTerminatesJob(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeHang)
	ok := mustOK(t)

	ok(h.act(1, ActionStartMerge))
	ok(h.clip(1, assetstore.KindAudio, 1))
	ok(h.clip(1, assetstore.KindAudio, 1))
	ok(h.act(1, ActionDone))

	started := time.Now()
	out := ok(h.act(1, ActionCancel))
	assert.Equal(t, ReplyCancelled, out.Reply)

	h.m.Wait()
	assert.Less(t, time.Since(started), 20*time.Second, "encoder must be terminated, not awaited")

	assert.Empty(t, h.notifier.Deliveries())
	assert.Empty(t, h.notifier.Notices())
	assert.Empty(t, h.files(t, 1))
}

func TestNewFlowAfterCancelKeepsItsFiles(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeHang)
	ok := mustOK(t)

	ok(h.act(1, ActionStartVideo))
	ok(h.photo(1))
	ok(h.clip(1, assetstore.KindAudio, 1))
	ok(h.act(1, ActionCancel))

	ok(h.act(1, ActionStartMerge))
	ok(h.clip(1, assetstore.KindAudio, 1))

	h.m.Wait()

	view, found := h.m.View(1)
	require.True(t, found)
	assert.Equal(t, StateCollectingMerge, view.State)
	assert.Len(t, h.files(t, 1), 1)
}

func TestProcessingRejectsEvents(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeHang)
	ok := mustOK(t)

	ok(h.act(1, ActionStartVideo))
	ok(h.photo(1))
	ok(h.clip(1, assetstore.KindAudio, 1))

	for _, action := range []Action{ActionStartMerge, ActionStartVideo, ActionDone, ActionAddMore, ActionStart} {
		_, err := h.act(1, action)
		require.Error(t, err, action.ID())
		assert.True(t, mediaerr.Is(err, mediaerr.KindInvalidTransition), action.ID())
	}

	_, err := h.clip(1, assetstore.KindAudio, 1)
	assert.Equal(t, "busy", mediaerr.ReasonOf(err))

	out := ok(h.act(1, ActionHelp))
	assert.Equal(t, ReplyHelp, out.Reply)
	assert.Equal(t, StateProcessing, out.State)

	view, _ := h.m.View(1)
	assert.True(t, view.Busy)

	ok(h.act(1, ActionCancel))
	h.m.Wait()
	assert.Empty(t, h.files(t, 1))
}

func TestEncodingFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeFailEncode)
	ok := mustOK(t)

	ok(h.act(1, ActionStartMerge))
	ok(h.clip(1, assetstore.KindAudio, 1))
	ok(h.clip(1, assetstore.KindAudio, 1))
	ok(h.act(1, ActionDone))
	h.m.Wait()

	notices := h.notifier.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, ReplyJobFailed, notices[0].Reply)
	assert.True(t, mediaerr.Is(notices[0].Err, mediaerr.KindEncoding))

	view, found := h.m.View(1)
	require.True(t, found)
	assert.Equal(t, StateIdle, view.State)
	assert.Empty(t, view.Queue)
	assert.Empty(t, h.files(t, 1))
}

func TestTransientDownloadFailureKeepsQueue(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeOK)
	ok := mustOK(t)

	ok(h.act(1, ActionStartMerge))
	ok(h.clip(1, assetstore.KindAudio, 1))

	h.fetcher.Add("flaky", []byte("duration=1"))
	h.fetcher.FailWith("flaky", nil)
	_, err := h.m.Handle(context.Background(), 1, Event{
		Action:     ActionSubmit,
		ChatID:     10,
		Submission: &ingest.Submission{Kind: assetstore.KindAudio, FileID: "flaky", DeclaredSize: 10},
	})
	require.Error(t, err)
	assert.True(t, mediaerr.Is(err, mediaerr.KindTransientNetwork))

	view, _ := h.m.View(1)
	assert.Len(t, view.Queue, 1)
	assert.Len(t, h.files(t, 1), 1)
}

func TestStartingNewFlowReleasesPrevious(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeOK)
	ok := mustOK(t)

	ok(h.act(1, ActionStartMerge))
	ok(h.clip(1, assetstore.KindAudio, 1))
	ok(h.clip(1, assetstore.KindAudio, 1))
	ok(h.act(1, ActionDone))
	h.m.Wait()
	require.Len(t, h.files(t, 1), 1)

	out := ok(h.act(1, ActionDownloadVideo))
	assert.Equal(t, ReplyVideoStarted, out.Reply)
	assert.Empty(t, h.files(t, 1))

	view, _ := h.m.View(1)
	assert.Empty(t, view.PriorOutput)
}

func TestStartResetsSession(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeOK)
	ok := mustOK(t)

	ok(h.act(1, ActionStartMerge))
	ok(h.clip(1, assetstore.KindAudio, 1))

	out := ok(h.act(1, ActionStart))
	assert.Equal(t, ReplyWelcome, out.Reply)
	assert.Equal(t, []Action{ActionDownloadAudio, ActionDownloadVideo}, out.Buttons)
	assert.Empty(t, h.files(t, 1))
}

func TestInvalidTransitions(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeOK)

	_, err := h.act(1, ActionDone)
	assert.Equal(t, "not_collecting", mediaerr.ReasonOf(err))

	_, err = h.clip(1, assetstore.KindAudio, 1)
	assert.Equal(t, "no_flow", mediaerr.ReasonOf(err))

	_, err = h.act(1, ActionUnknown)
	assert.Equal(t, "unknown_action", mediaerr.ReasonOf(err))

	mustOK(t)(h.act(1, ActionStartMerge))
	_, err = h.photo(1)
	assert.Equal(t, "expected_audio", mediaerr.ReasonOf(err))

	_, err = h.m.Handle(context.Background(), 1, Event{Action: ActionSubmit})
	assert.True(t, mediaerr.Is(err, mediaerr.KindUserInput))

	assert.Empty(t, h.files(t, 1))
}

type panickingIngester struct{}

func (panickingIngester) Ingest(context.Context, ingest.Submission, ingest.Target, progress.Func) (assetstore.Asset, error) {
	panic("boom")
}

func TestInternalErrorResetsSession(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeOK)
	ok := mustOK(t)

	ok(h.act(1, ActionStartMerge))
	ok(h.clip(1, assetstore.KindAudio, 1))

	h.m.deps.Ingest = panickingIngester{}
	out, err := h.clip(1, assetstore.KindAudio, 1)
	require.Error(t, err)
	assert.True(t, mediaerr.Is(err, mediaerr.KindInternal))
	assert.Equal(t, ReplySessionReset, out.Reply)
	assert.Equal(t, StateIdle, out.State)

	_, found := h.m.View(1)
	assert.False(t, found)
	assert.Empty(t, h.files(t, 1))
}

func TestUsersAreIsolated(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeOK)

	var wg sync.WaitGroup
	for _, user := range []int64{1, 2, 3} {
		user := user
		seconds := float64(user)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.act(user, ActionStartMerge)
			assert.NoError(t, err)
			_, err = h.clip(user, assetstore.KindAudio, seconds)
			assert.NoError(t, err)
			_, err = h.clip(user, assetstore.KindAudio, seconds)
			assert.NoError(t, err)
			_, err = h.act(user, ActionDone)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	h.m.Wait()

	deliveries := h.notifier.Deliveries()
	require.Len(t, deliveries, 3)
	for _, got := range deliveries {
		user := got.chatID / 10
		assert.InDelta(t, float64(2*user), got.seconds, 0.01)
		assert.True(t, strings.HasPrefix(got.d.Path, h.store.Root()))
		assert.Equal(t, []string{got.d.Path}, h.files(t, user))
	}
}

func TestEventsApplyInArrivalOrder(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeOK)

	var waits []<-chan Result
	waits = append(waits, h.m.Submit(context.Background(), 1, Event{Action: ActionStartMerge, ChatID: 10}))
	for i := 0; i < 3; i++ {
		id := h.nextFileID("clip")
		h.fetcher.Add(id, []byte("duration=1\n"))
		waits = append(waits, h.m.Submit(context.Background(), 1, Event{
			Action:     ActionSubmit,
			ChatID:     10,
			Submission: &ingest.Submission{Kind: assetstore.KindAudio, FileID: id, FileName: id, DeclaredSize: 11},
		}))
	}

	for i, w := range waits {
		res := <-w
		require.NoError(t, res.Err)
		if i > 0 {
			assert.Equal(t, i, res.Outcome.Count)
		}
	}
}

func TestDuplicateRequestIgnored(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeOK)

	ev := Event{Action: ActionStartMerge, ChatID: 10, RequestID: "update:1"}
	_, err := h.m.Handle(context.Background(), 1, ev)
	require.NoError(t, err)

	_, err = h.m.Handle(context.Background(), 1, ev)
	assert.ErrorIs(t, err, commandqueue.ErrDuplicate)
}

func TestEncodeTimeout(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeHang)
	h.m.cfg.EncodeTimeout = 2 * time.Second
	ok := mustOK(t)

	ok(h.act(1, ActionStartMerge))
	ok(h.clip(1, assetstore.KindAudio, 1))
	ok(h.clip(1, assetstore.KindAudio, 1))
	ok(h.act(1, ActionDone))
	h.m.Wait()

	notices := h.notifier.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, ReplyJobFailed, notices[0].Reply)
	assert.Equal(t, "timeout", mediaerr.ReasonOf(notices[0].Err))
	assert.Empty(t, h.files(t, 1))
}
