package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryGetOrCreate(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	_, ok := r.Get(7)
	assert.False(t, ok)

	s := r.GetOrCreate(7, now)
	require.NotNil(t, s)
	assert.Equal(t, StateIdle, s.State)
	assert.Equal(t, now, s.LastActivity)

	assert.Same(t, s, r.GetOrCreate(7, now.Add(time.Hour)))
	assert.Equal(t, 1, r.Len())
}

func TestRegistryRemoveOnlyCurrent(t *testing.T) {
	r := NewRegistry()
	old := r.GetOrCreate(1, time.Now())

	old.mu.Lock()
	r.remove(old)
	old.mu.Unlock()
	assert.Equal(t, 0, r.Len())

	fresh := r.acquire(1, time.Now())
	fresh.mu.Unlock()
	assert.NotSame(t, old, fresh)

	old.mu.Lock()
	r.remove(old)
	old.mu.Unlock()

	got, ok := r.Get(1)
	require.True(t, ok)
	assert.Same(t, fresh, got)
}

func TestRegistryConcurrentUsers(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := int64(0); i < 200; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			s := r.acquire(id%50, time.Now())
			s.ChatID = id
			s.mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, r.Len())
	assert.Len(t, r.Snapshot(), 50)
}

func TestRegistryNegativeIDs(t *testing.T) {
	r := NewRegistry()
	s := r.GetOrCreate(-100123, time.Now())
	got, ok := r.Get(-100123)
	require.True(t, ok)
	assert.Same(t, s, got)
}
