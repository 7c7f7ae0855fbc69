package videomux

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/harun/mixdown/pkg/assetstore"
	"github.com/harun/mixdown/pkg/ffmpeg"
	"github.com/harun/mixdown/pkg/ffmpeg/ffmpegtest"
	"github.com/harun/mixdown/pkg/mediaerr"
	"github.com/harun/mixdown/pkg/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelperProcess(t *testing.T) {
	ffmpegtest.RunHelper()
}

func newEngine(mode ffmpegtest.Mode) *Engine {
	tc := ffmpeg.New("", "")
	tc.Command = ffmpegtest.Command(mode)
	return New(tc)
}

type recorder struct {
	mu      sync.Mutex
	percent []int
}

func (r *recorder) fn(percent int, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.percent = append(r.percent, percent)
}

func inputs(t *testing.T, seconds float64) (assetstore.Asset, assetstore.Asset, string) {
	t.Helper()
	dir := t.TempDir()
	img := filepath.Join(dir, "image.jpg")
	require.NoError(t, os.WriteFile(img, []byte("jpeg"), 0o600))
	audio := filepath.Join(dir, "track.mp3")
	require.NoError(t, ffmpegtest.WriteClip(audio, seconds))
	return assetstore.Asset{Path: img, Name: "image.jpg", Kind: assetstore.KindImage},
		assetstore.Asset{Path: audio, Name: "track.mp3", Kind: assetstore.KindAudio},
		filepath.Join(dir, "video.mp4")
}

func TestArgs(t *testing.T) {
	e := New(nil, WithCRF(23), WithAudioBitrate("128k"))

	args := e.Args("in.jpg", "in.mp3", "out.mp4", 12.5)
	joined := strings.Join(args, " ")

	assert.True(t, strings.HasPrefix(joined, "-y -loop 1 -i in.jpg -i in.mp3 -c:v libx264 -tune stillimage"))
	assert.Contains(t, joined, "-crf 23")
	assert.Contains(t, joined, "-b:a 128k")
	assert.Contains(t, joined, "-pix_fmt yuv420p -shortest -t 12.500")
	assert.True(t, strings.HasSuffix(joined, "-progress pipe:1 -nostats out.mp4"))

	assert.NotContains(t, e.Args("in.jpg", "in.mp3", "out.mp4", 0), "-t")
}

func TestMuxSuccess(t *testing.T) {
	img, audio, out := inputs(t, 8)
	rec := &recorder{}

	result, err := newEngine(ffmpegtest.ModeOK).Mux(context.Background(), img, audio, out, rec.fn)

	require.NoError(t, err)
	assert.Equal(t, out, result.Output)
	assert.Positive(t, result.Size)
	assert.Equal(t, []int{0, 25, 50, 75, 99, 100}, rec.percent)
}

func TestMuxUnknownDuration(t *testing.T) {
	img, audio, out := inputs(t, 8)
	rec := &recorder{}

	_, err := newEngine(ffmpegtest.ModeNoProbe).Mux(context.Background(), img, audio, out, rec.fn)

	require.NoError(t, err)
	assert.Equal(t, []int{progress.Indeterminate, 100}, rec.percent)
}

func TestMuxEncodeFailure(t *testing.T) {
	img, audio, out := inputs(t, 4)
	rec := &recorder{}

	_, err := newEngine(ffmpegtest.ModeFailEncode).Mux(context.Background(), img, audio, out, rec.fn)

	require.Error(t, err)
	assert.True(t, mediaerr.Is(err, mediaerr.KindEncoding))
	assert.Contains(t, ffmpeg.TailOf(err), "Error while opening encoder")
	assert.NotContains(t, rec.percent, 100)
}

func TestMuxMissingOutput(t *testing.T) {
	img, audio, out := inputs(t, 4)

	_, err := newEngine(ffmpegtest.ModeNoOutput).Mux(context.Background(), img, audio, out, nil)

	require.Error(t, err)
	assert.Equal(t, "empty_output", mediaerr.ReasonOf(err))
}

func TestMuxCancelled(t *testing.T) {
	img, audio, out := inputs(t, 4)
	ctx, cancel := context.WithCancel(context.Background())

	report := func(p int, _ string) {
		if p == 0 {
			cancel()
		}
	}

	_, err := newEngine(ffmpegtest.ModeHang).Mux(ctx, img, audio, out, report)

	require.Error(t, err)
	assert.True(t, mediaerr.IsCancelled(err))
}

func TestMuxRealToolchain(t *testing.T) {
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not installed", bin)
		}
	}

	dir := t.TempDir()
	tc := ffmpeg.New("", "")
	img := filepath.Join(dir, "image.png")
	audio := filepath.Join(dir, "tone.mp3")
	require.NoError(t, tc.Run(context.Background(), []string{"-v", "error", "-f", "lavfi", "-i", "color=c=blue:s=65x33", "-frames:v", "1", "-y", img}, nil))
	require.NoError(t, tc.Run(context.Background(), []string{"-v", "error", "-f", "lavfi", "-i", "sine=frequency=440:duration=1", "-y", audio}, nil))

	rec := &recorder{}
	result, err := New(tc).Mux(context.Background(),
		assetstore.Asset{Path: img, Name: "image.png"},
		assetstore.Asset{Path: audio, Name: "tone.mp3"},
		filepath.Join(dir, "out.mp4"), rec.fn)

	require.NoError(t, err)
	assert.Positive(t, result.Size)
	assert.Equal(t, 100, rec.percent[len(rec.percent)-1])
	for _, p := range rec.percent[:len(rec.percent)-1] {
		assert.LessOrEqual(t, p, 99)
	}
}
