package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"
)

type localEntry struct {
	value   any
	expires time.Time
}

// Local is the in-process tier: a fixed-capacity LRU whose entries never
// live longer than the local ceiling, regardless of the TTL requested.
// Every operation holds a single mutex, which makes evict-and-insert atomic.
type Local struct {
	mutex     sync.Mutex
	lru       *simplelru.LRU[string, localEntry]
	capacity  int
	ceiling   time.Duration
	clock     clockwork.Clock
	evictions atomic.Int64
}

// NewLocal returns a local tier. Only WithCapacity, WithLocalCeiling and
// WithClock apply.
func NewLocal(opts ...Option) *Local {
	cfg := applyOptions(opts)
	if cfg.capacity <= 0 {
		cfg.capacity = DefaultCapacity
	}
	lru, err := simplelru.NewLRU[string, localEntry](cfg.capacity, nil)
	if err != nil {
		// only returned for a non-positive size, which is excluded above
		panic(err)
	}
	return &Local{
		lru:      lru,
		capacity: cfg.capacity,
		ceiling:  cfg.localCeiling,
		clock:    cfg.clock,
	}
}

// Get returns the value for key and marks it most recently used. Expired
// entries are removed and reported as absent.
func (l *Local) Get(key string) (any, bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	entry, ok := l.lru.Get(key)
	if !ok {
		return nil, false
	}
	if l.clock.Now().After(entry.expires) {
		l.lru.Remove(key)
		return nil, false
	}
	return entry.value, true
}

// Peek is like Get but does not change the recency order.
func (l *Local) Peek(key string) (any, bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	entry, ok := l.lru.Peek(key)
	if !ok {
		return nil, false
	}
	if l.clock.Now().After(entry.expires) {
		l.lru.Remove(key)
		return nil, false
	}
	return entry.value, true
}

// Set stores value as the most recently used entry, evicting the least
// recently used entry when the tier is full. The effective TTL is the
// smaller of ttl and the local ceiling.
func (l *Local) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 || (l.ceiling > 0 && ttl > l.ceiling) {
		ttl = l.ceiling
	}
	entry := localEntry{value: value, expires: l.clock.Now().Add(ttl)}
	l.mutex.Lock()
	l.lru.Remove(key)
	if l.lru.Add(key, entry) {
		l.evictions.Add(1)
	}
	l.mutex.Unlock()
}

// Delete removes key. It is a no-op if the key is absent.
func (l *Local) Delete(key string) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.lru.Remove(key)
}

// DeletePattern removes every key matching p and returns how many were removed.
func (l *Local) DeletePattern(p Pattern) int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	var count int
	for _, key := range l.lru.Keys() {
		if p.Match(key) {
			l.lru.Remove(key)
			count++
		}
	}
	return count
}

// Keys returns the keys from least to most recently used.
func (l *Local) Keys() []string {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.lru.Keys()
}

// Len returns the number of entries, including expired entries not yet purged.
func (l *Local) Len() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.lru.Len()
}

// Capacity returns the maximum number of entries.
func (l *Local) Capacity() int {
	return l.capacity
}

// Evictions returns how many entries were evicted for capacity.
func (l *Local) Evictions() int64 {
	return l.evictions.Load()
}

// Purge removes every entry.
func (l *Local) Purge() {
	l.mutex.Lock()
	l.lru.Purge()
	l.mutex.Unlock()
}

func (l *Local) resetStats() {
	l.evictions.Store(0)
}
