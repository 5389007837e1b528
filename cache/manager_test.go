package cache

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type report struct {
	Role  string `json:"role"`
	Total int    `json:"total"`
}

func newConnectedManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	_, client := newTestRedis(t)
	m := New(context.Background(), client, append([]Option{WithHealthInterval(0)}, opts...)...)
	t.Cleanup(func() { m.Close() })
	require.True(t, m.Remote().Connected())
	return m
}

func newDisconnectedManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m := New(context.Background(), nil, append([]Option{WithHealthInterval(0), WithExpiryCheck(0)}, opts...)...)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManagerLocalHit(t *testing.T) {
	m := newConnectedManager(t)
	ctx := context.Background()

	m.Set(ctx, "key", report{"teacher", 3}, 0)
	val, ok := Get[report](ctx, m, "key")
	require.True(t, ok)
	assert.Equal(t, report{"teacher", 3}, val)

	s := m.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.LocalHits)
	assert.Equal(t, int64(0), s.RemoteHits)
	assert.Equal(t, int64(1), s.Sets)
	assert.Equal(t, 1, s.LocalSize)
	assert.True(t, s.RemoteConnected)
	assert.Equal(t, "CLOSED", s.Breaker)
}

func TestManagerRemoteHitPromotes(t *testing.T) {
	m := newConnectedManager(t)
	ctx := context.Background()

	m.Set(ctx, "key", report{"student", 7}, time.Hour)
	m.Wait()
	m.Local().Purge()

	val, ok := Get[report](ctx, m, "key")
	require.True(t, ok)
	assert.Equal(t, report{"student", 7}, val)
	assert.Equal(t, 1, m.Len(), "remote hit is promoted into the local tier")

	val, ok = Get[report](ctx, m, "key")
	require.True(t, ok)
	assert.Equal(t, report{"student", 7}, val)

	s := m.Stats()
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(1), s.RemoteHits)
	assert.Equal(t, int64(1), s.LocalHits)
}

func TestManagerPromotionUsesLocalCeiling(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newConnectedManager(t, WithClock(clock), WithLocalCeiling(time.Minute))
	ctx := context.Background()

	m.Set(ctx, "key", 1, time.Hour)
	m.Wait()
	m.Local().Purge()
	_, ok := m.Get(ctx, "key")
	require.True(t, ok)

	clock.Advance(time.Minute + time.Second)
	_, ok = m.Local().Get("key")
	assert.False(t, ok)
}

func TestManagerMiss(t *testing.T) {
	m := newConnectedManager(t)
	_, ok := m.Get(context.Background(), "missing")
	assert.False(t, ok)
	s := m.Stats()
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, float64(0), s.HitRate)
}

func TestManagerTypeMismatchIsMiss(t *testing.T) {
	m := newConnectedManager(t)
	ctx := context.Background()
	m.Set(ctx, "key", "text", 0)
	_, ok := Get[int](ctx, m, "key")
	assert.False(t, ok)
	assert.Equal(t, int64(1), m.Stats().DecodeErrors)
}

func TestManagerSetCountsOnceWhenEncodingFails(t *testing.T) {
	m := newConnectedManager(t, WithErrorHandler(func(string, string, error) {}))
	ctx := context.Background()
	m.Set(ctx, "fn", func() {}, 0)

	_, ok := m.Get(ctx, "fn")
	assert.True(t, ok, "the local tier still holds the value")
	assert.Equal(t, int64(1), m.Stats().Sets)
	assert.Equal(t, int64(1), m.Stats().RemoteErrors)
}

func TestManagerDelete(t *testing.T) {
	m := newConnectedManager(t)
	ctx := context.Background()
	m.Set(ctx, "key", 1, 0)
	m.Wait()
	m.Delete(ctx, "key")
	_, ok := m.Get(ctx, "key")
	assert.False(t, ok)
	assert.Equal(t, int64(1), m.Stats().Deletes)
}

func TestManagerContains(t *testing.T) {
	m := newConnectedManager(t)
	ctx := context.Background()
	assert.False(t, m.Contains(ctx, "key"))
	m.Set(ctx, "key", 1, 0)
	m.Wait()
	assert.True(t, m.Contains(ctx, "key"))
	m.Local().Purge()
	assert.True(t, m.Contains(ctx, "key"))
	assert.Zero(t, m.Stats().Hits, "Contains does not count as a hit")
}

func TestManagerInvalidPattern(t *testing.T) {
	m := newDisconnectedManager(t)
	_, err := m.DeletePattern(context.Background(), `role:\`)
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestManagerResetStats(t *testing.T) {
	m := newDisconnectedManager(t)
	ctx := context.Background()
	m.Set(ctx, "key", 1, 0)
	m.Get(ctx, "key")
	m.Get(ctx, "missing")
	m.ResetStats()
	s := m.Stats()
	assert.Zero(t, s.Hits)
	assert.Zero(t, s.Misses)
	assert.Zero(t, s.Sets)
	assert.Equal(t, 1, s.LocalSize)
}

// patternScenario is run against both the connected and the disconnected
// manager; the results must be identical.
func patternScenario(t *testing.T, m *Manager) {
	ctx := context.Background()
	m.Set(ctx, "role:query:teacher:Li:limit:10", report{"teacher", 1}, 0)
	m.Set(ctx, "role:query:teacher:Wang:limit:10", report{"teacher", 2}, 0)
	m.Set(ctx, "role:query:student:Li", report{"student", 3}, 0)
	m.Wait()

	n, err := m.DeletePattern(ctx, "role:query:teacher:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok := m.Get(ctx, "role:query:teacher:Li:limit:10")
	assert.False(t, ok)
	_, ok = m.Get(ctx, "role:query:teacher:Wang:limit:10")
	assert.False(t, ok)
	val, ok := Get[report](ctx, m, "role:query:student:Li")
	require.True(t, ok)
	assert.Equal(t, report{"student", 3}, val)

	// the shared tier must agree once the local tier is gone
	m.Local().Purge()
	_, ok = m.Get(ctx, "role:query:teacher:Wang:limit:10")
	assert.False(t, ok)
	val, ok = Get[report](ctx, m, "role:query:student:Li")
	require.True(t, ok)
	assert.Equal(t, report{"student", 3}, val)
}

func TestManagerPatternInvalidationConnected(t *testing.T) {
	patternScenario(t, newConnectedManager(t))
}

func TestManagerPatternInvalidationDisconnected(t *testing.T) {
	m := newDisconnectedManager(t)
	assert.False(t, m.Remote().Connected())
	patternScenario(t, m)
	assert.Equal(t, 1, m.Stats().FallbackSize)
}

func TestManagerFallbackTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newDisconnectedManager(t, WithClock(clock), WithLocalCeiling(time.Minute))
	ctx := context.Background()

	m.Set(ctx, "key", 1, 2*time.Minute)
	clock.Advance(90 * time.Second)
	val, ok := Get[int](ctx, m, "key")
	require.True(t, ok, "fallback keeps the full TTL after the local ceiling")
	assert.Equal(t, 1, val)
	assert.Equal(t, int64(1), m.Stats().RemoteHits)

	clock.Advance(time.Minute + time.Second)
	_, ok = m.Get(ctx, "key")
	assert.False(t, ok)
}

func TestManagerPromotionKeepsRemainingTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newDisconnectedManager(t, WithClock(clock), WithLocalCeiling(time.Minute))
	ctx := context.Background()

	m.Set(ctx, "key", 1, 10*time.Second)
	m.Local().Purge()
	clock.Advance(5 * time.Second)
	_, ok := m.Get(ctx, "key")
	require.True(t, ok)
	_, ok = m.Local().Peek("key")
	require.True(t, ok)

	clock.Advance(30 * time.Second)
	_, ok = m.Local().Peek("key")
	assert.False(t, ok, "promoted entry must expire with the shared entry")
	_, ok = m.Get(ctx, "key")
	assert.False(t, ok)
}

func TestManagerPromotionKeepsRemoteTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	mr, client := newTestRedis(t)
	m := New(context.Background(), client, WithHealthInterval(0), WithClock(clock), WithLocalCeiling(time.Minute))
	t.Cleanup(func() { m.Close() })
	require.True(t, m.Remote().Connected())
	ctx := context.Background()

	m.Set(ctx, "key", 1, 10*time.Second)
	m.Wait()
	m.Local().Purge()
	_, ok := m.Get(ctx, "key")
	require.True(t, ok)
	assert.Equal(t, int64(1), m.Stats().RemoteHits)

	clock.Advance(30 * time.Second)
	mr.FastForward(30 * time.Second)
	_, ok = m.Local().Peek("key")
	assert.False(t, ok, "promoted entry must expire with the redis key")
	_, ok = m.Get(ctx, "key")
	assert.False(t, ok)
}

func TestManagerPromotionWithoutExpiryUsesCeiling(t *testing.T) {
	clock := clockwork.NewFakeClock()
	mr, client := newTestRedis(t)
	m := New(context.Background(), client, WithHealthInterval(0), WithClock(clock), WithLocalCeiling(time.Minute))
	t.Cleanup(func() { m.Close() })
	ctx := context.Background()

	require.NoError(t, mr.Set("key", "1"))
	enc, remaining, ok := m.Remote().Get(ctx, "key")
	require.True(t, ok)
	assert.Zero(t, remaining)
	assert.NotEmpty(t, enc.Data)

	_, ok = m.Get(ctx, "key")
	require.True(t, ok)
	clock.Advance(59 * time.Second)
	_, ok = m.Local().Peek("key")
	assert.True(t, ok)
	clock.Advance(2 * time.Second)
	_, ok = m.Local().Peek("key")
	assert.False(t, ok)
}
