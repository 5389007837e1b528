package cache

import (
	"context"
	"time"

	"github.com/agentuity/querycache/logger"
	"github.com/redis/go-redis/v9"
)

// Manager chains the local tier in front of the remote tier. Get checks
// the local tier first and promotes remote hits into it; Set, Delete and
// DeletePattern apply to both.
type Manager struct {
	local  *Local
	remote *Remote
	stats  Stats
	logger logger.Logger
	cfg    config
}

// NewManager combines an existing local and remote tier.
func NewManager(local *Local, remote *Remote, opts ...Option) *Manager {
	cfg := applyOptions(opts)
	return &Manager{
		local:  local,
		remote: remote,
		logger: cfg.logger.WithPrefix("[cache]"),
		cfg:    cfg,
	}
}

// New builds both tiers from the same options. A nil client runs the
// remote tier on the process-memory fallback only.
func New(ctx context.Context, client *redis.Client, opts ...Option) *Manager {
	return NewManager(NewLocal(opts...), NewRemote(ctx, client, opts...), opts...)
}

// Local returns the local tier.
func (m *Manager) Local() *Local {
	return m.local
}

// Remote returns the remote tier.
func (m *Manager) Remote() *Remote {
	return m.remote
}

// DefaultExpires returns the TTL applied when Set is called with expires <= 0.
func (m *Manager) DefaultExpires() time.Duration {
	return m.cfg.defaultExpires
}

func (m *Manager) report(op, key string, err error) {
	if m.cfg.errorHandler != nil {
		m.cfg.errorHandler(op, key, err)
		return
	}
	m.logger.Warn("%s %s failed: %v", op, key, err)
}

// Get returns the value for key. Values promoted from the remote tier are
// returned as Encoded; use Get[T] for typed access.
func (m *Manager) Get(ctx context.Context, key string) (any, bool) {
	if val, ok := m.local.Get(key); ok {
		m.stats.hits.Add(1)
		m.stats.localHits.Add(1)
		return val, true
	}
	if enc, remaining, ok := m.remote.Get(ctx, key); ok {
		// never outlive the shared entry
		m.local.Set(key, enc, min(remaining, m.cfg.localCeiling))
		m.stats.hits.Add(1)
		m.stats.remoteHits.Add(1)
		return enc, true
	}
	m.stats.misses.Add(1)
	return nil, false
}

// Contains reports whether key is cached in either tier. It does not touch
// the counters or the recency order.
func (m *Manager) Contains(ctx context.Context, key string) bool {
	if _, ok := m.local.Peek(key); ok {
		return true
	}
	return m.remote.Exists(ctx, key)
}

// Set stores value in the local tier synchronously and in the remote tier
// in the background. expires <= 0 uses the default TTL.
func (m *Manager) Set(ctx context.Context, key string, value any, expires time.Duration) {
	if expires <= 0 {
		expires = m.cfg.defaultExpires
	}
	m.stats.sets.Add(1)
	m.local.Set(key, value, expires)
	if err := m.remote.Set(ctx, key, value, expires); err != nil {
		m.logger.Debug("value for %s kept local only: %v", key, err)
	}
}

// Delete removes key from every tier.
func (m *Manager) Delete(ctx context.Context, key string) {
	m.stats.deletes.Add(1)
	m.local.Delete(key)
	m.remote.Delete(ctx, key)
}

// DeletePattern removes every key matching glob from every tier and
// returns how many keys were removed from the shared tier (remote or
// fallback). An invalid glob deletes nothing.
func (m *Manager) DeletePattern(ctx context.Context, glob string) (int, error) {
	p, err := ParsePattern(glob)
	if err != nil {
		return 0, err
	}
	m.stats.deletes.Add(1)
	local := m.local.DeletePattern(p)
	count := m.remote.DeletePattern(ctx, p)
	m.logger.Debug("pattern %s removed %d local, %d shared", glob, local, count)
	return count, nil
}

// DeleteLocalPattern removes matching keys from the local tier only. It is
// used when another process already cleared the shared tier.
func (m *Manager) DeleteLocalPattern(glob string) (int, error) {
	p, err := ParsePattern(glob)
	if err != nil {
		return 0, err
	}
	return m.local.DeletePattern(p), nil
}

// Len returns the number of entries in the local tier.
func (m *Manager) Len() int {
	return m.local.Len()
}

// Stats returns a snapshot of the counters and tier state.
func (m *Manager) Stats() Snapshot {
	snap := m.stats.snapshot()
	snap.RemoteErrors = m.remote.Errors()
	snap.Evictions = m.local.Evictions()
	snap.LocalSize = m.local.Len()
	snap.LocalCapacity = m.local.Capacity()
	snap.FallbackSize = m.remote.Fallback().Len()
	snap.RemoteConnected = m.remote.Connected()
	snap.Breaker = m.remote.Breaker().State().String()
	return snap
}

// ResetStats zeroes every counter.
func (m *Manager) ResetStats() {
	m.stats.reset()
	m.local.resetStats()
	m.remote.errors.Store(0)
}

// Wait blocks until background remote writes have finished.
func (m *Manager) Wait() {
	m.remote.Wait()
}

// Close waits for background writes and stops the remote tier.
func (m *Manager) Close() error {
	return m.remote.Close()
}
