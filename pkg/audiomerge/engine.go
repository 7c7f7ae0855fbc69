package audiomerge

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/harun/mixdown/internal/observability"
	"github.com/harun/mixdown/internal/tracing"
	"github.com/harun/mixdown/pkg/assetstore"
	"github.com/harun/mixdown/pkg/mediaerr"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	probeEnd  = 20
	decodeEnd = 90
	// minDelta is the smallest progress step forwarded to the caller.
	minDelta = 5

	defaultProbeTimeout = 30 * time.Second
)

// Toolchain is the encoder surface the engine needs.
type Toolchain interface {
	Duration(ctx context.Context, path string) (float64, error)
	DecodePCM(ctx context.Context, input string, w io.Writer) (int64, error)
	EncodeMP3(ctx context.Context, pcmPath, output, bitrate string) error
}

// ProgressFunc receives percentages in [0,100] with a short phase label.
type ProgressFunc func(percent int, label string)

// Result describes a finished merge.
type Result struct {
	Output   string
	Size     int64
	Merged   int
	Skipped  []string
	Duration time.Duration
}

// Engine runs merges against a toolchain.
type Engine struct {
	tc           Toolchain
	bitrate      string
	probeTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithBitrate sets the MP3 bitrate, e.g. "192k".
func WithBitrate(bitrate string) Option {
	return func(e *Engine) {
		if bitrate != "" {
			e.bitrate = bitrate
		}
	}
}

// WithProbeTimeout bounds each duration probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.probeTimeout = d
		}
	}
}

// New creates a merge engine.
func New(tc Toolchain, opts ...Option) *Engine {
	e := &Engine{
		tc:           tc,
		bitrate:      "192k",
		probeTimeout: defaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type clip struct {
	asset   assetstore.Asset
	seconds float64
}

// Merge concatenates inputs in order into outPath. A cancelled ctx aborts
// the merge and returns the context error unclassified.
func (e *Engine) Merge(ctx context.Context, inputs []assetstore.Asset, outPath string, progress ProgressFunc) (result Result, err error) {
	ctx, span := tracing.StartSpan(ctx, "mixdown.audiomerge", "audiomerge.merge",
		attribute.Int("inputs", len(inputs)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("component", "audiomerge").Logger()

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
		observability.RecordJob("merge", time.Since(started), status)
	}()

	report := throttle(progress)

	if len(inputs) == 0 {
		return Result{}, mediaerr.New(mediaerr.KindInternal, "audiomerge.merge", "no_inputs")
	}

	report(0, "analyzing")

	// Phase A: probe.
	var clips []clip
	var skipped []string
	for i, in := range inputs {
		seconds, probeErr := e.probe(ctx, in.Path)
		if ctx.Err() != nil {
			return Result{}, mediaerr.FromContext(ctx, mediaerr.KindEncoding, "audiomerge.probe")
		}
		if probeErr != nil {
			logger.Warn().Err(probeErr).Str("file", in.Name).Msg("Skipping clip that could not be probed")
			skipped = append(skipped, displayName(in))
		} else {
			clips = append(clips, clip{asset: in, seconds: seconds})
		}
		report(probeEnd*(i+1)/len(inputs), "analyzing")
	}

	if len(clips) == 0 {
		return Result{Skipped: skipped}, mediaerr.New(mediaerr.KindEncoding, "audiomerge.probe", "no_decodable_inputs")
	}

	// Phase B: decode and append.
	pcmPath := outPath + ".pcm"
	defer os.Remove(pcmPath)

	merged, total, decodeSkipped, err := e.decodeAll(ctx, clips, pcmPath, report)
	skipped = append(skipped, decodeSkipped...)
	if err != nil {
		return Result{Skipped: skipped}, err
	}
	for _, name := range decodeSkipped {
		logger.Warn().Str("file", name).Msg("Skipping clip that could not be decoded")
	}

	// Phase C: encode once.
	report(decodeEnd, "encoding")
	if err := e.tc.EncodeMP3(ctx, pcmPath, outPath, e.bitrate); err != nil {
		os.Remove(outPath)
		if ctx.Err() != nil {
			return Result{}, mediaerr.FromContext(ctx, mediaerr.KindEncoding, "audiomerge.encode")
		}
		return Result{Skipped: skipped}, mediaerr.Wrap(mediaerr.KindEncoding, "audiomerge.encode", err)
	}

	size, statErr := assetstore.Size(outPath)
	if statErr != nil || size == 0 {
		os.Remove(outPath)
		return Result{Skipped: skipped}, &mediaerr.Error{
			Kind:   mediaerr.KindEncoding,
			Op:     "audiomerge.encode",
			Reason: "empty_output",
			Err:    statErr,
		}
	}

	report(100, "done")

	result = Result{
		Output:   outPath,
		Size:     size,
		Merged:   merged,
		Skipped:  skipped,
		Duration: time.Duration(total * float64(time.Second)),
	}

	logger.Info().
		Int("merged", result.Merged).
		Int("skipped", len(result.Skipped)).
		Dur("duration", result.Duration).
		Int64("bytes", size).
		Msg("Merge completed")

	return result, nil
}

func (e *Engine) probe(ctx context.Context, path string) (float64, error) {
	probeCtx, cancel := context.WithTimeout(ctx, e.probeTimeout)
	defer cancel()

	seconds, err := e.tc.Duration(probeCtx, path)
	if err != nil {
		return 0, err
	}
	if seconds <= 0 {
		return 0, fmt.Errorf("zero duration")
	}
	return seconds, nil
}

// decodeAll appends every clip's PCM to pcmPath. A clip that fails to decode
// is cut back out of the combined stream and skipped.
func (e *Engine) decodeAll(ctx context.Context, clips []clip, pcmPath string, report ProgressFunc) (int, float64, []string, error) {
	f, err := os.OpenFile(pcmPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, 0, nil, mediaerr.Wrap(mediaerr.KindInternal, "audiomerge.decode", err)
	}
	defer f.Close()

	var total float64
	for _, c := range clips {
		total += c.seconds
	}

	var cum float64
	var merged int
	var skipped []string
	var offset int64

	for _, c := range clips {
		n, decodeErr := e.tc.DecodePCM(ctx, c.asset.Path, f)
		if ctx.Err() != nil {
			return 0, 0, nil, mediaerr.FromContext(ctx, mediaerr.KindEncoding, "audiomerge.decode")
		}
		if decodeErr != nil || n == 0 {
			if err := rewind(f, offset); err != nil {
				return 0, 0, nil, mediaerr.Wrap(mediaerr.KindInternal, "audiomerge.decode", err)
			}
			skipped = append(skipped, displayName(c.asset))
			total -= c.seconds
		} else {
			offset += n
			cum += c.seconds
			merged++
		}
		if total > 0 {
			report(probeEnd+int(float64(decodeEnd-probeEnd)*cum/total), "merging")
		}
	}

	if merged == 0 {
		return 0, 0, skipped, mediaerr.New(mediaerr.KindEncoding, "audiomerge.decode", "no_decodable_inputs")
	}
	if err := f.Close(); err != nil {
		return 0, 0, skipped, mediaerr.Wrap(mediaerr.KindInternal, "audiomerge.decode", err)
	}
	return merged, cum, skipped, nil
}

func rewind(f *os.File, offset int64) error {
	if err := f.Truncate(offset); err != nil {
		return err
	}
	_, err := f.Seek(offset, io.SeekStart)
	return err
}

// throttle forwards an update when it moved at least minDelta points or the
// phase label changed. The first report and completion always pass.
func throttle(fn ProgressFunc) ProgressFunc {
	if fn == nil {
		return func(int, string) {}
	}
	last := -1
	lastLabel := ""
	return func(percent int, label string) {
		percent = clamp(percent, 0, 100)
		switch {
		case last < 0:
		case label != lastLabel && percent >= last:
		case percent == 100 && last != 100:
		case percent-last >= minDelta:
		default:
			return
		}
		last, lastLabel = percent, label
		fn(percent, label)
	}
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

func displayName(a assetstore.Asset) string {
	if a.Name != "" {
		return a.Name
	}
	return a.Path
}
