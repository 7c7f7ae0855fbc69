// Package videomux renders a still image and an audio track into an MP4.
package videomux

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/harun/mixdown/internal/observability"
	"github.com/harun/mixdown/internal/tracing"
	"github.com/harun/mixdown/pkg/assetstore"
	"github.com/harun/mixdown/pkg/ffmpeg"
	"github.com/harun/mixdown/pkg/mediaerr"
	"github.com/harun/mixdown/pkg/progress"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Toolchain is the encoder surface the engine needs.
type Toolchain interface {
	Duration(ctx context.Context, path string) (float64, error)
	Run(ctx context.Context, args []string, onLine func(string)) error
}

// Result describes a finished render.
type Result struct {
	Output   string
	Size     int64
	Duration time.Duration
}

// Engine runs image+audio renders.
type Engine struct {
	tc           Toolchain
	crf          int
	audioBitrate string
	probeTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithCRF sets the x264 constant rate factor.
func WithCRF(crf int) Option {
	return func(e *Engine) { e.crf = crf }
}

// WithAudioBitrate sets the AAC bitrate, e.g. "192k".
func WithAudioBitrate(bitrate string) Option {
	return func(e *Engine) {
		if bitrate != "" {
			e.audioBitrate = bitrate
		}
	}
}

// WithProbeTimeout bounds the audio duration probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.probeTimeout = d
		}
	}
}

// New creates a render engine.
func New(tc Toolchain, opts ...Option) *Engine {
	e := &Engine{
		tc:           tc,
		crf:          28,
		audioBitrate: "192k",
		probeTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Args builds the ffmpeg invocation. seconds <= 0 omits the explicit length
// and relies on -shortest alone.
func (e *Engine) Args(image, audio, output string, seconds float64) []string {
	args := []string{
		"-y",
		"-loop", "1", "-i", image,
		"-i", audio,
		"-c:v", "libx264", "-tune", "stillimage", "-preset", "veryfast",
		"-crf", strconv.Itoa(e.crf),
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		"-c:a", "aac", "-b:a", e.audioBitrate,
		"-pix_fmt", "yuv420p",
		"-shortest",
	}
	if seconds > 0 {
		args = append(args, "-t", strconv.FormatFloat(seconds, 'f', 3, 64))
	}
	return append(args, "-progress", "pipe:1", "-nostats", output)
}

// Mux renders image and audio into outPath, reporting progress while the
// encoder runs. 100 is reported only once the output is on disk.
func (e *Engine) Mux(ctx context.Context, image, audio assetstore.Asset, outPath string, report progress.Func) (result Result, err error) {
	ctx, span := tracing.StartSpan(ctx, "mixdown.videomux", "videomux.mux",
		attribute.String("image", image.Name),
		attribute.String("audio", audio.Name),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("component", "videomux").Logger()

	if report == nil {
		report = func(int, string) {}
	}

	started := time.Now()
	defer func() {
		status := "success"
		switch {
		case mediaerr.IsCancelled(err):
			status = "cancelled"
		case err != nil:
			status = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RecordJob("video", time.Since(started), status)
	}()

	seconds := e.probe(ctx, audio.Path)
	if ctx.Err() != nil {
		return Result{}, mediaerr.FromContext(ctx, mediaerr.KindEncoding, "videomux.probe")
	}
	if seconds <= 0 {
		logger.Warn().Str("file", audio.Name).Msg("Audio duration unknown, progress will be indeterminate")
		report(progress.Indeterminate, "rendering")
	} else {
		report(0, "rendering")
	}

	parser := ffmpeg.NewProgressParser()
	last := -1
	onLine := func(line string) {
		update, ok := parser.Feed(line)
		if !ok || seconds <= 0 || update.OutTime < 0 {
			return
		}
		percent := clamp(int(update.OutTime.Seconds()/seconds*100), 0, 99)
		if percent != last {
			last = percent
			report(percent, "rendering")
		}
	}

	runErr := e.tc.Run(ctx, e.Args(image.Path, audio.Path, outPath, seconds), onLine)
	if runErr != nil {
		os.Remove(outPath)
		if ctx.Err() != nil {
			return Result{}, mediaerr.FromContext(ctx, mediaerr.KindEncoding, "videomux.encode")
		}
		logger.Error().Err(runErr).Strs("stderr", ffmpeg.TailOf(runErr)).Msg("Video encode failed")
		return Result{}, mediaerr.Wrap(mediaerr.KindEncoding, "videomux.encode", runErr)
	}

	size, statErr := assetstore.Size(outPath)
	if statErr != nil || size == 0 {
		os.Remove(outPath)
		return Result{}, &mediaerr.Error{
			Kind:   mediaerr.KindEncoding,
			Op:     "videomux.encode",
			Reason: "empty_output",
			Err:    statErr,
		}
	}

	report(100, "done")

	result = Result{
		Output:   outPath,
		Size:     size,
		Duration: time.Duration(seconds * float64(time.Second)),
	}
	logger.Info().Int64("bytes", size).Dur("duration", result.Duration).Msg("Video rendered")
	return result, nil
}

// probe returns the audio length in seconds, or 0 when it cannot be read.
func (e *Engine) probe(ctx context.Context, path string) float64 {
	probeCtx, cancel := context.WithTimeout(ctx, e.probeTimeout)
	defer cancel()

	seconds, err := e.tc.Duration(probeCtx, path)
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("Duration probe failed")
		return 0
	}
	return seconds
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// String describes the engine settings for logs.
func (e *Engine) String() string {
	return fmt.Sprintf("libx264 crf=%d aac %s", e.crf, e.audioBitrate)
}
