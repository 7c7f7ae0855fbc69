package commandqueue

import (
	"context"
	"sync"
	"time"
)

// dedupCache remembers request ids for a bounded time so redelivered
// transport updates are applied once.
type dedupCache struct {
	entries map[string]time.Time
	ttl     time.Duration
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	now     func() time.Time
}

func newDedupCache(ctx context.Context, ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(ctx)
	cache := &dedupCache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		now:     time.Now,
	}

	go cache.cleanup()

	return cache
}

// Stop ends the cleanup loop.
func (dc *dedupCache) Stop() {
	dc.cancel()
}

// Mark records id and reports whether it was new (or expired).
func (dc *dedupCache) Mark(id string) bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	now := dc.now()
	if seen, ok := dc.entries[id]; ok && now.Sub(seen) <= dc.ttl {
		return false
	}
	dc.entries[id] = now
	return true
}

func (dc *dedupCache) cleanup() {
	defer close(dc.done)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-dc.ctx.Done():
			return
		case <-ticker.C:
			dc.prune()
		}
	}
}

func (dc *dedupCache) prune() {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	now := dc.now()
	for id, seen := range dc.entries {
		if now.Sub(seen) > dc.ttl {
			delete(dc.entries, id)
		}
	}
}

// Size returns the number of remembered ids.
func (dc *dedupCache) Size() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.entries)
}
