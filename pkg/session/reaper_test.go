package session

import (
	"context"
	"testing"
	"time"

	"github.com/harun/mixdown/pkg/assetstore"
	"github.com/harun/mixdown/pkg/ffmpeg/ffmpegtest"
	"github.com/harun/mixdown/pkg/ingest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaperEvictsIdleMidFlow(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeOK)
	ok := mustOK(t)

	ok(h.act(1, ActionStartMerge))
	ok(h.clip(1, assetstore.KindAudio, 1))
	ok(h.act(2, ActionStartVideo))
	require.Len(t, h.files(t, 1), 1)

	r := NewReaper(h.m, 30*time.Minute, time.Minute)

	assert.Equal(t, 0, r.Sweep(time.Now()))
	assert.Equal(t, 2, r.Sweep(time.Now().Add(31*time.Minute)))

	_, found := h.m.View(1)
	assert.False(t, found)
	assert.Empty(t, h.files(t, 1))
	assert.Equal(t, 0, h.m.Registry().Len())

	notices := h.notifier.Notices()
	require.Len(t, notices, 2)
	assert.Equal(t, ReplySessionExpired, notices[0].Reply)
}

func TestReaperKeepsActiveSessions(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeOK)
	ok := mustOK(t)

	ok(h.act(1, ActionStartMerge))
	r := NewReaper(h.m, time.Minute, time.Minute)

	later := time.Now().Add(2 * time.Minute)
	h.m.now = func() time.Time { return later }
	ok(h.clip(1, assetstore.KindAudio, 1))

	assert.Equal(t, 0, r.Sweep(later.Add(30*time.Second)))
	view, found := h.m.View(1)
	require.True(t, found)
	assert.Len(t, view.Queue, 1)
}

func TestReaperCancelsRunningJob(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeHang)
	ok := mustOK(t)

	ok(h.act(1, ActionStartMerge))
	ok(h.clip(1, assetstore.KindAudio, 1))
	ok(h.clip(1, assetstore.KindAudio, 1))
	ok(h.act(1, ActionDone))

	r := NewReaper(h.m, time.Minute, time.Minute)
	assert.Equal(t, 1, r.Sweep(time.Now().Add(time.Hour)))

	h.m.Wait()
	assert.Empty(t, h.files(t, 1))
	assert.Empty(t, h.notifier.Deliveries())
}

func TestReaperStartStop(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeOK)
	r := NewReaper(h.m, 0, 0)

	assert.Equal(t, DefaultInactivityTimeout, r.Timeout())
	require.NoError(t, r.Start())
	assert.True(t, r.IsRunning())
	assert.Error(t, r.Start())

	require.NoError(t, r.Stop())
	assert.False(t, r.IsRunning())
	assert.Error(t, r.Stop())
}

func TestSlowDownloadDoesNotHoldSession(t *testing.T) {
	h := newHarness(t, ffmpegtest.ModeOK)
	ok := mustOK(t)

	ok(h.act(1, ActionStartMerge))

	h.fetcher.Add("slow", []byte("duration=2\n"))
	h.fetcher.Block("slow")
	result := h.m.Submit(context.Background(), 1, Event{
		Action: ActionSubmit,
		ChatID: 10,
		Submission: &ingest.Submission{
			Kind:         assetstore.KindAudio,
			FileID:       "slow",
			FileName:     "slow.mp3",
			DeclaredSize: 11,
		},
	})
	require.Eventually(t, func() bool { return h.fetcher.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	viewed := make(chan View, 1)
	go func() {
		v, _ := h.m.View(1)
		viewed <- v
	}()
	select {
	case v := <-viewed:
		assert.Equal(t, StateCollectingMerge, v.State)
		assert.Empty(t, v.Queue)
	case <-time.After(time.Second):
		t.Fatal("View blocked behind a download")
	}

	r := NewReaper(h.m, time.Minute, time.Minute)
	assert.Equal(t, 0, r.Sweep(time.Now().Add(time.Hour)), "a downloading session is active")

	h.fetcher.Unblock("slow")
	res := <-result
	require.NoError(t, res.Err)
	assert.Equal(t, ReplyClipAdded, res.Outcome.Reply)
	assert.Equal(t, 1, res.Outcome.Count)

	v, found := h.m.View(1)
	require.True(t, found)
	assert.Len(t, v.Queue, 1)
}
