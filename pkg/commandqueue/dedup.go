package commandqueue

import (
	"context"
	"sync"
	"time"
)

const defaultDedupTTL = 5 * time.Minute

// dedupCache remembers submission keys for ttl. Expired keys are swept in the
// background until Stop or until the parent context ends.
type dedupCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration

	stop     context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

func newDedupCache(parent context.Context, ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	ctx, cancel := context.WithCancel(parent)

	dc := &dedupCache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		stop:    cancel,
		done:    make(chan struct{}),
	}
	go dc.run(ctx)
	return dc
}

// Stop ends the sweeper. It is safe to call more than once.
func (dc *dedupCache) Stop() {
	dc.stopOnce.Do(dc.stop)
}

// Seen reports whether key was marked within the window. An empty key is never seen.
func (dc *dedupCache) Seen(key string) bool {
	if key == "" {
		return false
	}
	dc.mu.Lock()
	defer dc.mu.Unlock()

	at, ok := dc.entries[key]
	return ok && time.Since(at) <= dc.ttl
}

// Mark records key as seen now.
func (dc *dedupCache) Mark(key string) {
	if key == "" {
		return
	}
	dc.mu.Lock()
	dc.entries[key] = time.Now()
	dc.mu.Unlock()
}

// Size returns the number of remembered keys, expired ones included until the next sweep.
func (dc *dedupCache) Size() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.entries)
}

func (dc *dedupCache) run(ctx context.Context) {
	defer close(dc.done)

	every := min(dc.ttl, time.Minute)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			dc.sweep(now)
		}
	}
}

// sweep drops keys older than the window and returns how many were removed.
func (dc *dedupCache) sweep(now time.Time) int {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	removed := 0
	for key, at := range dc.entries {
		if now.Sub(at) > dc.ttl {
			delete(dc.entries, key)
			removed++
		}
	}
	return removed
}
