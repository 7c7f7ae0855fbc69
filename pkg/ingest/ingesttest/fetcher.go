// Package ingesttest provides an in-memory Fetcher for tests.
package ingesttest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/harun/mixdown/pkg/ingest"
)

// ErrNetwork is returned for files registered with FailWith(nil).
var ErrNetwork = errors.New("connection reset by peer")

// Fetcher serves registered file bodies.
type Fetcher struct {
	mu       sync.Mutex
	files    map[string][]byte
	failures map[string]error
	block    map[string]chan struct{}
	calls    int
}

// NewFetcher creates an empty fetcher.
func NewFetcher() *Fetcher {
	return &Fetcher{
		files:    make(map[string][]byte),
		failures: make(map[string]error),
		block:    make(map[string]chan struct{}),
	}
}

// Add registers body under fileID.
func (f *Fetcher) Add(fileID string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[fileID] = body
}

// FailWith makes fileID fail after writing any registered body.
func (f *Fetcher) FailWith(fileID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		err = ErrNetwork
	}
	f.failures[fileID] = err
}

// Block makes fileID wait for the context to end or for Unblock.
func (f *Fetcher) Block(fileID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block[fileID] = make(chan struct{})
}

// Unblock lets a blocked fetch of fileID complete normally.
func (f *Fetcher) Unblock(fileID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gate, ok := f.block[fileID]; ok {
		close(gate)
		delete(f.block, fileID)
	}
}

// Calls returns the number of Fetch invocations.
func (f *Fetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Fetch implements ingest.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, fileID string, w io.Writer, limit int64) (int64, error) {
	f.mu.Lock()
	f.calls++
	body := f.files[fileID]
	failure := f.failures[fileID]
	gate := f.block[fileID]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-gate:
		}
	}
	if limit > 0 && int64(len(body)) > limit {
		n, err := w.Write(body[:limit])
		if err != nil {
			return int64(n), err
		}
		return int64(n), ingest.ErrTooLarge
	}
	n, err := w.Write(body)
	if err != nil {
		return int64(n), err
	}
	if failure != nil {
		return int64(n), failure
	}
	return int64(n), nil
}
