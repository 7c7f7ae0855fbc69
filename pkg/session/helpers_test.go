package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/harun/mixdown/pkg/assetstore"
	"github.com/harun/mixdown/pkg/audiomerge"
	"github.com/harun/mixdown/pkg/commandqueue"
	"github.com/harun/mixdown/pkg/ffmpeg"
	"github.com/harun/mixdown/pkg/ffmpeg/ffmpegtest"
	"github.com/harun/mixdown/pkg/ingest"
	"github.com/harun/mixdown/pkg/ingest/ingesttest"
	"github.com/harun/mixdown/pkg/progress"
	"github.com/harun/mixdown/pkg/videomux"
	"github.com/stretchr/testify/require"
)

func TestHelperProcess(t *testing.T) {
	ffmpegtest.RunHelper()
}

type delivered struct {
	chatID  int64
	d       Delivery
	seconds float64
	existed bool
}

type fakeNotifier struct {
	mu         sync.Mutex
	nextID     int
	statuses   []progress.Handle
	edits      map[progress.Handle][]string
	deliveries []delivered
	notices    []Outcome
	activity   []string
	deliverErr error
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{edits: make(map[progress.Handle][]string)}
}

func (f *fakeNotifier) Status(ctx context.Context, chatID int64, text string) (progress.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	h := progress.Handle{ChatID: chatID, MessageID: f.nextID}
	f.statuses = append(f.statuses, h)
	f.edits[h] = []string{text}
	return h, nil
}

func (f *fakeNotifier) EditStatus(ctx context.Context, h progress.Handle, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits[h] = append(f.edits[h], text)
	return nil
}

func (f *fakeNotifier) Deliver(ctx context.Context, chatID int64, d Delivery) error {
	seconds, ok := ffmpegtest.Duration(d.Path)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deliverErr != nil {
		return f.deliverErr
	}
	f.deliveries = append(f.deliveries, delivered{chatID: chatID, d: d, seconds: seconds, existed: ok})
	return nil
}

func (f *fakeNotifier) FailDeliveries(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliverErr = err
}

func (f *fakeNotifier) Notify(ctx context.Context, chatID int64, out Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, out)
	return nil
}

func (f *fakeNotifier) Activity(ctx context.Context, chatID int64, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity = append(f.activity, label)
	return nil
}

func (f *fakeNotifier) Deliveries() []delivered {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivered(nil), f.deliveries...)
}

func (f *fakeNotifier) Notices() []Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Outcome(nil), f.notices...)
}

func (f *fakeNotifier) Edits(h progress.Handle) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.edits[h]...)
}

type harness struct {
	m        *Machine
	store    *assetstore.Store
	fetcher  *ingesttest.Fetcher
	notifier *fakeNotifier

	mu  sync.Mutex
	seq int
}

const testMaxAssetSize = 1024

func newHarness(t *testing.T, mode ffmpegtest.Mode) *harness {
	t.Helper()

	store, err := assetstore.New(t.TempDir())
	require.NoError(t, err)

	tc := ffmpeg.New("", "")
	tc.Command = ffmpegtest.Command(mode)

	queue := commandqueue.New()
	fetcher := ingesttest.NewFetcher()
	notifier := newFakeNotifier()

	m := NewMachine(Deps{
		Store: store,
		Queue: queue,
		Ingest: ingest.New(store, fetcher, ingest.Limits{
			MaxAssetSize:    testMaxAssetSize,
			MaxQueueLength:  5,
			DownloadTimeout: 5 * time.Second,
		}),
		Merger:   audiomerge.New(tc),
		Muxer:    videomux.New(tc),
		Reporter: progress.NewReporter(notifier, progress.Config{}),
		Notifier: notifier,
	}, Config{EncodeTimeout: 30 * time.Second})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		queue.Close()
	})

	return &harness{m: m, store: store, fetcher: fetcher, notifier: notifier}
}

func (h *harness) nextFileID(prefix string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	return fmt.Sprintf("%s-%d", prefix, h.seq)
}

func (h *harness) act(user int64, action Action) (Outcome, error) {
	return h.m.Handle(context.Background(), user, Event{Action: action, ChatID: user * 10})
}

func (h *harness) clip(user int64, kind assetstore.Kind, seconds float64) (Outcome, error) {
	id := h.nextFileID("clip")
	body := []byte(fmt.Sprintf("duration=%g\n", seconds))
	h.fetcher.Add(id, body)
	return h.m.Handle(context.Background(), user, Event{
		Action: ActionSubmit,
		ChatID: user * 10,
		Submission: &ingest.Submission{
			Kind:         kind,
			FileID:       id,
			FileName:     id + ".mp3",
			MIMEType:     "audio/mpeg",
			DeclaredSize: int64(len(body)),
		},
	})
}

func (h *harness) photo(user int64) (Outcome, error) {
	id := h.nextFileID("photo")
	h.fetcher.Add(id, []byte("jpeg"))
	return h.m.Handle(context.Background(), user, Event{
		Action:     ActionSubmit,
		ChatID:     user * 10,
		Submission: &ingest.Submission{Kind: assetstore.KindImage, FileID: id, DeclaredSize: 4},
	})
}

func (h *harness) files(t *testing.T, user int64) []string {
	t.Helper()
	files, err := h.store.Scan(user)
	require.NoError(t, err)
	return files
}

func mustOK(t *testing.T) func(Outcome, error) Outcome {
	return func(out Outcome, err error) Outcome {
		t.Helper()
		require.NoError(t, err)
		return out
	}
}
