package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type fallbackEntry struct {
	data    []byte
	expires time.Time
}

// Fallback is the process-memory tier used while the remote store is not
// reachable. It stores encoded bytes, like the remote store, so values
// round-trip through the codec on both paths.
type Fallback struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cache     map[string]*fallbackEntry
	mutex     sync.Mutex
	waitGroup sync.WaitGroup
	once      sync.Once
	clock     clockwork.Clock
	interval  time.Duration
}

// NewFallback returns a fallback tier with a background goroutine that
// purges expired entries every WithExpiryCheck interval.
func NewFallback(parent context.Context, opts ...Option) *Fallback {
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(parent)
	f := &Fallback{
		ctx:      ctx,
		cancel:   cancel,
		cache:    make(map[string]*fallbackEntry),
		clock:    cfg.clock,
		interval: cfg.expiryCheck,
	}
	if f.interval > 0 {
		f.waitGroup.Add(1)
		go f.run()
	}
	return f
}

// Get returns the bytes stored for key and the time left before they
// expire, zero for entries without expiry. Expired entries are removed.
func (f *Fallback) Get(key string) ([]byte, time.Duration, bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	val, ok := f.cache[key]
	if !ok {
		return nil, 0, false
	}
	now := f.clock.Now()
	if f.expired(val, now) {
		delete(f.cache, key)
		return nil, 0, false
	}
	var remaining time.Duration
	if !val.expires.IsZero() {
		remaining = val.expires.Sub(now)
	}
	return val.data, remaining, true
}

// Set stores data with an absolute expiry of now + ttl. A non-positive ttl
// never expires.
func (f *Fallback) Set(key string, data []byte, ttl time.Duration) {
	var expires time.Time
	if ttl > 0 {
		expires = f.clock.Now().Add(ttl)
	}
	f.mutex.Lock()
	f.cache[key] = &fallbackEntry{data: data, expires: expires}
	f.mutex.Unlock()
}

// Delete removes key and reports whether it was present.
func (f *Fallback) Delete(key string) bool {
	f.mutex.Lock()
	_, ok := f.cache[key]
	if ok {
		delete(f.cache, key)
	}
	f.mutex.Unlock()
	return ok
}

// DeletePattern removes every live key matching p. Expired entries are
// purged along the way but not counted.
func (f *Fallback) DeletePattern(p Pattern) int {
	now := f.clock.Now()
	f.mutex.Lock()
	defer f.mutex.Unlock()
	var count int
	for key, val := range f.cache {
		if f.expired(val, now) {
			delete(f.cache, key)
			continue
		}
		if p.Match(key) {
			delete(f.cache, key)
			count++
		}
	}
	return count
}

// Len returns the number of stored entries.
func (f *Fallback) Len() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.cache)
}

// Clear removes every entry.
func (f *Fallback) Clear() {
	f.mutex.Lock()
	f.cache = make(map[string]*fallbackEntry)
	f.mutex.Unlock()
}

// Close stops the cleanup goroutine.
func (f *Fallback) Close() error {
	f.once.Do(func() {
		f.cancel()
		f.waitGroup.Wait()
	})
	return nil
}

func (f *Fallback) expired(val *fallbackEntry, now time.Time) bool {
	return !val.expires.IsZero() && now.After(val.expires)
}

func (f *Fallback) run() {
	defer f.waitGroup.Done()
	ticker := f.clock.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.Chan():
			now := f.clock.Now()
			f.mutex.Lock()
			for key, val := range f.cache {
				if f.expired(val, now) {
					delete(f.cache, key)
				}
			}
			f.mutex.Unlock()
		}
	}
}
