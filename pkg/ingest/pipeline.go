package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/mixdown/internal/observability"
	"github.com/harun/mixdown/internal/tracing"
	"github.com/harun/mixdown/pkg/assetstore"
	"github.com/harun/mixdown/pkg/mediaerr"
	"github.com/harun/mixdown/pkg/progress"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const op = "ingest.download"

// ErrTooLarge is returned by a Fetcher when the body exceeds the limit.
var ErrTooLarge = errors.New("file exceeds size limit")

// Fetcher downloads a remote file into w, stopping with ErrTooLarge once
// more than limit bytes arrive.
type Fetcher interface {
	Fetch(ctx context.Context, fileID string, w io.Writer, limit int64) (int64, error)
}

// Submission is an uploaded file as announced by the transport.
type Submission struct {
	Kind         assetstore.Kind
	FileID       string
	FileName     string
	MIMEType     string
	DeclaredSize int64
}

// Target describes where the submission is going.
type Target struct {
	UserID int64
	// QueueLen is the current number of queued clips in a merge flow.
	QueueLen int
	// Merge marks merge flows, which are subject to the queue limit.
	Merge bool
}

// Limits bounds what the pipeline accepts.
type Limits struct {
	MaxAssetSize    int64
	MaxQueueLength  int
	DownloadTimeout time.Duration
}

// Pipeline validates and downloads submissions.
type Pipeline struct {
	store   *assetstore.Store
	fetcher Fetcher
	limits  Limits
}

// New creates a pipeline.
func New(store *assetstore.Store, fetcher Fetcher, limits Limits) *Pipeline {
	if limits.DownloadTimeout <= 0 {
		limits.DownloadTimeout = 60 * time.Second
	}
	return &Pipeline{store: store, fetcher: fetcher, limits: limits}
}

// Limits returns the configured limits.
func (p *Pipeline) Limits() Limits {
	return p.limits
}

// Check applies the pre-download validation rules.
func (p *Pipeline) Check(sub Submission, target Target) error {
	if sub.FileID == "" {
		return mediaerr.New(mediaerr.KindUserInput, op, "missing_file")
	}
	if sub.Kind == assetstore.KindDocumentAudio && !strings.HasPrefix(strings.ToLower(sub.MIMEType), "audio/") {
		return mediaerr.New(mediaerr.KindUserInput, op, "unsupported_document")
	}
	if p.limits.MaxAssetSize > 0 && sub.DeclaredSize > p.limits.MaxAssetSize {
		return mediaerr.New(mediaerr.KindResourceLimit, op, "too_large")
	}
	if target.Merge && p.limits.MaxQueueLength > 0 && target.QueueLen+1 > p.limits.MaxQueueLength {
		return mediaerr.New(mediaerr.KindResourceLimit, op, "queue_full")
	}
	return nil
}

// Ingest validates sub and downloads it to a fresh path in the user's
// directory.
func (p *Pipeline) Ingest(ctx context.Context, sub Submission, target Target, report progress.Func) (asset assetstore.Asset, err error) {
	ctx, span := tracing.StartSpan(ctx, "mixdown.ingest", op,
		attribute.String("kind", string(sub.Kind)),
		attribute.Int64("declared_size", sub.DeclaredSize),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := p.Check(sub, target); err != nil {
		return assetstore.Asset{}, err
	}

	path, err := p.store.NewPath(target.UserID, string(sub.Kind), extensionFor(sub))
	if err != nil {
		return assetstore.Asset{}, mediaerr.Wrap(mediaerr.KindInternal, op, err)
	}

	if report != nil {
		report(progress.Indeterminate, "downloading")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return assetstore.Asset{}, mediaerr.Wrap(mediaerr.KindInternal, op, fmt.Errorf("failed to create asset file: %w", err))
	}

	dlCtx, cancel := context.WithTimeout(ctx, p.limits.DownloadTimeout)
	defer cancel()

	w := &trackingWriter{w: f}
	n, fetchErr := p.fetcher.Fetch(dlCtx, sub.FileID, w, p.limits.MaxAssetSize)
	closeErr := f.Close()

	if fetchErr == nil && closeErr != nil {
		fetchErr = closeErr
		w.err = closeErr
	}
	if fetchErr != nil {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warn().Err(rmErr).Str("path", path).Msg("Failed to remove partial download")
		}
		return assetstore.Asset{}, classify(ctx, dlCtx, w, fetchErr)
	}

	asset = assetstore.Asset{
		Path: path,
		Size: n,
		Name: displayName(sub),
		Kind: sub.Kind,
	}
	observability.RecordAssetBytes(string(sub.Kind), n)

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("kind", string(sub.Kind)).
		Int64("size", n).
		Str("path", path).
		Msg("Asset downloaded")

	return asset, nil
}

func classify(parent, dlCtx context.Context, w *trackingWriter, err error) error {
	switch {
	case w.err != nil:
		return mediaerr.Wrap(mediaerr.KindInternal, op, fmt.Errorf("failed to write asset: %w", w.err))
	case errors.Is(err, ErrTooLarge):
		return &mediaerr.Error{Kind: mediaerr.KindResourceLimit, Op: op, Reason: "too_large", Err: err}
	case parent.Err() != nil:
		return parent.Err()
	case dlCtx.Err() != nil:
		return &mediaerr.Error{Kind: mediaerr.KindTransientNetwork, Op: op, Reason: "timeout", Err: err}
	default:
		return &mediaerr.Error{Kind: mediaerr.KindTransientNetwork, Op: op, Reason: "download_failed", Err: err}
	}
}

// trackingWriter remembers local write failures so they can be told apart
// from network failures.
type trackingWriter struct {
	w   io.Writer
	err error
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil && t.err == nil {
		t.err = err
	}
	return n, err
}

func extensionFor(sub Submission) string {
	if ext := strings.TrimPrefix(filepath.Ext(sub.FileName), "."); ext != "" && len(ext) <= 5 {
		return strings.ToLower(ext)
	}
	switch sub.Kind {
	case assetstore.KindVoiceNote:
		return "ogg"
	case assetstore.KindImage:
		return "jpg"
	case assetstore.KindAudio:
		if sub.MIMEType == "" {
			return "mp3"
		}
	}
	if sub.MIMEType != "" {
		if exts, err := mime.ExtensionsByType(sub.MIMEType); err == nil && len(exts) > 0 {
			return strings.TrimPrefix(exts[0], ".")
		}
	}
	return "bin"
}

func displayName(sub Submission) string {
	if sub.FileName != "" {
		return sub.FileName
	}
	switch sub.Kind {
	case assetstore.KindVoiceNote:
		return "voice note"
	case assetstore.KindImage:
		return "photo"
	default:
		return "audio"
	}
}
