package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentuity/querycache/logger"
	"github.com/agentuity/querycache/resilience"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:       mr.Addr(),
		MaxRetries: -1,
	})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

type errorSink struct {
	mu   sync.Mutex
	ops  []string
	keys []string
}

func (s *errorSink) handle(op, key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
	s.keys = append(s.keys, key)
}

func (s *errorSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops)
}

func TestRemoteConnectedSetGet(t *testing.T) {
	mr, client := newTestRedis(t)
	r := NewRemote(context.Background(), client, WithPrefix("test"), WithHealthInterval(0))
	defer r.Close()
	require.True(t, r.Connected())

	_, _, ok := r.Get(context.Background(), "key")
	assert.False(t, ok)

	require.NoError(t, r.Set(context.Background(), "key", map[string]int{"count": 3}, time.Minute))
	r.Wait()

	raw, err := mr.Get("test:key")
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":3}`, raw)
	assert.Equal(t, time.Minute, mr.TTL("test:key"))

	enc, remaining, ok := r.Get(context.Background(), "key")
	require.True(t, ok)
	assert.Equal(t, time.Minute, remaining)
	var out map[string]int
	require.NoError(t, enc.Decode(&out))
	assert.Equal(t, 3, out["count"])
	assert.Equal(t, 0, r.Fallback().Len())
}

func TestRemoteExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	r := NewRemote(context.Background(), client, WithHealthInterval(0))
	defer r.Close()

	require.NoError(t, r.Set(context.Background(), "key", "value", time.Second))
	r.Wait()
	mr.FastForward(2 * time.Second)
	_, _, ok := r.Get(context.Background(), "key")
	assert.False(t, ok)
}

func TestRemoteDecodeFailureIsMiss(t *testing.T) {
	mr, client := newTestRedis(t)
	sink := &errorSink{}
	r := NewRemote(context.Background(), client, WithHealthInterval(0), WithErrorHandler(sink.handle))
	defer r.Close()

	require.NoError(t, mr.Set("bad", "{not json"))
	_, _, ok := r.Get(context.Background(), "bad")
	assert.False(t, ok)
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, "decode", sink.ops[0])
	assert.Equal(t, resilience.StateClosed, r.Breaker().State(), "a bad payload is not a transport failure")
}

func TestRemoteEncodeFailure(t *testing.T) {
	_, client := newTestRedis(t)
	sink := &errorSink{}
	r := NewRemote(context.Background(), client, WithHealthInterval(0), WithErrorHandler(sink.handle))
	defer r.Close()

	err := r.Set(context.Background(), "key", make(chan int), time.Minute)
	assert.Error(t, err)
	assert.Equal(t, []string{"encode"}, sink.ops)
}

func TestRemoteMsgpackCodec(t *testing.T) {
	_, client := newTestRedis(t)
	r := NewRemote(context.Background(), client, WithHealthInterval(0), WithCodec(MsgpackCodec{}))
	defer r.Close()

	type row struct {
		Name  string `msgpack:"name"`
		Count int    `msgpack:"count"`
	}
	require.NoError(t, r.Set(context.Background(), "row", row{"Li", 2}, time.Minute))
	r.Wait()
	enc, _, ok := r.Get(context.Background(), "row")
	require.True(t, ok)
	var out row
	require.NoError(t, enc.Decode(&out))
	assert.Equal(t, row{"Li", 2}, out)
}

func TestRemoteDeletePatternScansInBatches(t *testing.T) {
	mr, client := newTestRedis(t)
	r := NewRemote(context.Background(), client, WithPrefix("qc"), WithHealthInterval(0), WithScanCount(2))
	defer r.Close()

	for _, key := range []string{"role:query:teacher:a", "role:query:teacher:b", "role:query:teacher:c", "role:query:student:a"} {
		require.NoError(t, mr.Set("qc:"+key, `1`))
	}
	require.NoError(t, mr.Set("other:role:query:teacher:a", `1`))

	n := r.DeletePattern(context.Background(), MustPattern("role:query:teacher:*"))
	assert.Equal(t, 3, n)
	assert.True(t, mr.Exists("qc:role:query:student:a"))
	assert.True(t, mr.Exists("other:role:query:teacher:a"))
	assert.False(t, mr.Exists("qc:role:query:teacher:b"))
}

func TestRemoteWithoutClientUsesFallback(t *testing.T) {
	r := NewRemote(context.Background(), nil, WithHealthInterval(0))
	defer r.Close()
	assert.False(t, r.Connected())

	require.NoError(t, r.Set(context.Background(), "key", "value", time.Minute))
	assert.Equal(t, 1, r.Fallback().Len())
	enc, _, ok := r.Get(context.Background(), "key")
	require.True(t, ok)
	var out string
	require.NoError(t, enc.Decode(&out))
	assert.Equal(t, "value", out)
	assert.True(t, r.Exists(context.Background(), "key"))

	r.Delete(context.Background(), "key")
	assert.False(t, r.Exists(context.Background(), "key"))
}

func TestRemoteOutageAndRecovery(t *testing.T) {
	mr, client := newTestRedis(t)
	log := logger.NewTestLogger()
	r := NewRemote(context.Background(), client, WithHealthInterval(0), WithLogger(log), WithQueryTimeout(100*time.Millisecond))
	defer r.Close()
	require.True(t, r.Connected())

	mr.Close()
	r.ping()
	require.False(t, r.Connected())
	assert.True(t, log.Contains("WARNING", "using fallback"))

	require.NoError(t, r.Set(context.Background(), "key", "during-outage", time.Minute))
	_, _, ok := r.Get(context.Background(), "key")
	assert.True(t, ok, "fallback serves reads while disconnected")

	require.NoError(t, mr.Restart())
	r.ping()
	require.True(t, r.Connected())
	assert.Equal(t, 0, r.Fallback().Len(), "fallback is cleared on reconnect")
	_, _, ok = r.Get(context.Background(), "key")
	assert.False(t, ok)
}

func TestRemoteBreakerOpensAndFallsBack(t *testing.T) {
	mr, client := newTestRedis(t)
	sink := &errorSink{}
	r := NewRemote(context.Background(), client,
		WithHealthInterval(0),
		WithQueryTimeout(100*time.Millisecond),
		WithErrorHandler(sink.handle),
		WithCircuitBreaker(resilience.CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Hour}),
	)
	defer r.Close()

	mr.SetError("LOADING")
	r.Get(context.Background(), "a")
	r.Get(context.Background(), "b")
	assert.Equal(t, resilience.StateOpen, r.Breaker().State())
	assert.Equal(t, int64(2), r.Errors())

	mr.SetError("")
	require.NoError(t, r.Set(context.Background(), "key", 1, time.Minute))
	assert.Equal(t, 1, r.Fallback().Len(), "open breaker routes writes to the fallback")
	assert.False(t, mr.Exists("key"))
}
