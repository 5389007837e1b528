package cache

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentuity/querycache/logger"
	"github.com/agentuity/querycache/resilience"
	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// Remote is the shared tier backed by Redis. It never returns remote
// errors to its callers: reads degrade to misses, writes are fire-and-forget
// and every failure goes to the ErrorHandler. While the server is not
// reachable, or the circuit breaker is open, all operations use the
// process-memory Fallback instead.
//
// The caller owns the redis.Client lifecycle; Close does not close it.
type Remote struct {
	ctx       context.Context
	cancel    context.CancelFunc
	client    *redis.Client
	fallback  *Fallback
	breaker   *resilience.CircuitBreaker
	connected atomic.Bool
	errors    atomic.Int64
	pending   sync.WaitGroup
	waitGroup sync.WaitGroup
	once      sync.Once
	clock     clockwork.Clock
	logger    logger.Logger
	cfg       config
}

// NewRemote returns the remote tier. A nil client yields a tier that only
// ever uses the fallback. The connection state is checked once before
// returning and then by a background health check every
// WithHealthInterval, as well as on every new connection dialled by the
// client.
func NewRemote(parent context.Context, client *redis.Client, opts ...Option) *Remote {
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(parent)
	r := &Remote{
		ctx:      ctx,
		cancel:   cancel,
		client:   client,
		fallback: NewFallback(ctx, opts...),
		clock:    cfg.clock,
		logger:   cfg.logger.WithPrefix("[remote]"),
		cfg:      cfg,
	}
	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	if cfg.breaker != nil {
		breakerCfg = *cfg.breaker
	}
	if breakerCfg.Clock == nil {
		breakerCfg.Clock = cfg.clock
	}
	onChange := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(from, to resilience.CircuitBreakerState) {
		r.logger.Warn("circuit breaker %s -> %s", from, to)
		if onChange != nil {
			onChange(from, to)
		}
	}
	r.breaker = resilience.NewCircuitBreaker(breakerCfg)
	if client == nil {
		return r
	}
	client.AddHook(connectionHook{r})
	r.ping()
	if cfg.healthInterval > 0 {
		r.waitGroup.Add(1)
		go r.run()
	}
	return r
}

// connectionHook observes dials made by the client's pool, so a reconnect
// is noticed as soon as the client re-establishes a connection.
type connectionHook struct {
	r *Remote
}

var _ redis.Hook = connectionHook{}

func (h connectionHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		h.r.setConnected(err == nil, err)
		return conn, err
	}
}

func (h connectionHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return next
}

func (h connectionHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (r *Remote) run() {
	defer r.waitGroup.Done()
	ticker := r.clock.NewTicker(r.cfg.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.Chan():
			r.ping()
		}
	}
}

func (r *Remote) ping() {
	qctx, cancel := r.queryCtx(r.ctx)
	defer cancel()
	err := r.client.Ping(qctx).Err()
	r.setConnected(err == nil, err)
}

func (r *Remote) setConnected(connected bool, cause error) {
	if r.connected.Swap(connected) == connected {
		return
	}
	if connected {
		// entries written during the outage may be stale relative to the shared store
		r.fallback.Clear()
		r.breaker.Reset()
		r.logger.Info("remote store connected")
		return
	}
	r.logger.Warn("remote store unreachable, using fallback: %v", cause)
}

// Connected reports the last observed connection state.
func (r *Remote) Connected() bool {
	return r.connected.Load()
}

// Breaker returns the circuit breaker guarding the remote store.
func (r *Remote) Breaker() *resilience.CircuitBreaker {
	return r.breaker
}

// Errors returns how many remote failures were absorbed.
func (r *Remote) Errors() int64 {
	return r.errors.Load()
}

// Fallback returns the process-memory tier.
func (r *Remote) Fallback() *Fallback {
	return r.fallback
}

func (r *Remote) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, r.cfg.queryTimeout)
}

func (r *Remote) prefixKey(key string) string {
	if r.cfg.prefix == "" {
		return key
	}
	return r.cfg.prefix + ":" + key
}

// acquire reports whether the remote store should be used. Every true
// result must be followed by exactly one release with the returned ticket.
func (r *Remote) acquire() (resilience.Ticket, bool) {
	if r.client == nil || !r.connected.Load() {
		return resilience.Ticket{}, false
	}
	ticket, err := r.breaker.Allow()
	return ticket, err == nil
}

func (r *Remote) release(ticket resilience.Ticket, op, key string, err error) {
	if err == nil || errors.Is(err, redis.Nil) {
		r.breaker.RecordSuccess(ticket)
		return
	}
	r.breaker.RecordFailure(ticket)
	r.report(op, key, err)
}

func (r *Remote) report(op, key string, err error) {
	r.errors.Add(1)
	if r.cfg.errorHandler != nil {
		r.cfg.errorHandler(op, key, err)
		return
	}
	r.logger.Warn("%s %s failed: %v", op, key, err)
}

// Get returns the encoded value for key and its remaining time to live,
// zero when the entry has no expiry. Remote errors and values that do not
// decode are reported as misses.
func (r *Remote) Get(ctx context.Context, key string) (Encoded, time.Duration, bool) {
	ticket, ok := r.acquire()
	if !ok {
		data, remaining, ok := r.fallback.Get(key)
		if !ok {
			return Encoded{}, 0, false
		}
		return Encoded{Data: data, codec: r.cfg.codec}, remaining, true
	}
	qctx, cancel := r.queryCtx(ctx)
	defer cancel()
	var get *redis.StringCmd
	var pttl *redis.DurationCmd
	_, err := r.client.Pipelined(qctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(qctx, r.prefixKey(key))
		pttl = pipe.PTTL(qctx, r.prefixKey(key))
		return nil
	})
	r.release(ticket, "get", key, err)
	if err != nil {
		return Encoded{}, 0, false
	}
	data, err := get.Bytes()
	if err != nil {
		return Encoded{}, 0, false
	}
	if err := valid(r.cfg.codec, data); err != nil {
		r.report("decode", key, err)
		return Encoded{}, 0, false
	}
	// PTTL answers -1 for keys without expiry and -2 for keys gone since the GET
	remaining := pttl.Val()
	switch {
	case remaining == -2:
		return Encoded{}, 0, false
	case remaining < 0:
		remaining = 0
	}
	return Encoded{Data: data, codec: r.cfg.codec}, remaining, true
}

// Exists reports whether key is present without reading its value.
func (r *Remote) Exists(ctx context.Context, key string) bool {
	ticket, ok := r.acquire()
	if !ok {
		_, _, ok := r.fallback.Get(key)
		return ok
	}
	qctx, cancel := r.queryCtx(ctx)
	defer cancel()
	n, err := r.client.Exists(qctx, r.prefixKey(key)).Result()
	r.release(ticket, "exists", key, err)
	return err == nil && n > 0
}

// Set encodes value and stores it. On the remote path the write runs in the
// background and returns immediately; its failure is only observable
// through the ErrorHandler. The returned error is an encoding failure.
func (r *Remote) Set(ctx context.Context, key string, value any, expires time.Duration) error {
	if expires <= 0 {
		expires = r.cfg.defaultExpires
	}
	data, err := r.encode(value)
	if err != nil {
		r.report("encode", key, err)
		return err
	}
	ticket, ok := r.acquire()
	if !ok {
		r.fallback.Set(key, data, expires)
		return nil
	}
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		qctx, cancel := r.queryCtx(context.WithoutCancel(ctx))
		defer cancel()
		r.release(ticket, "set", key, r.client.Set(qctx, r.prefixKey(key), data, expires).Err())
	}()
	return nil
}

func (r *Remote) encode(value any) ([]byte, error) {
	if enc, ok := value.(Encoded); ok && enc.codec != nil && enc.codec.Name() == r.cfg.codec.Name() {
		return enc.Data, nil
	}
	data, err := r.cfg.codec.Marshal(value)
	if err != nil {
		return nil, errors.Wrapf(err, "%s encode", r.cfg.codec.Name())
	}
	return data, nil
}

// Delete removes key from the remote store and the fallback.
func (r *Remote) Delete(ctx context.Context, key string) {
	r.fallback.Delete(key)
	ticket, ok := r.acquire()
	if !ok {
		return
	}
	qctx, cancel := r.queryCtx(ctx)
	defer cancel()
	r.release(ticket, "delete", key, r.client.Del(qctx, r.prefixKey(key)).Err())
}

// DeletePattern removes every key matching p and returns how many were
// removed. The remote store is walked with SCAN in batches of
// WithScanCount and each batch is deleted with a single DEL.
func (r *Remote) DeletePattern(ctx context.Context, p Pattern) int {
	count := r.fallback.DeletePattern(p)
	ticket, ok := r.acquire()
	if !ok {
		return count
	}
	match := p.RedisMatch(r.cfg.prefix)
	var cursor uint64
	var err error
	for {
		var keys []string
		qctx, cancel := r.queryCtx(ctx)
		keys, cursor, err = r.client.Scan(qctx, cursor, match, r.cfg.scanCount).Result()
		if err == nil && len(keys) > 0 {
			var n int64
			n, err = r.client.Del(qctx, keys...).Result()
			count += int(n)
		}
		cancel()
		if err != nil || cursor == 0 {
			break
		}
	}
	r.release(ticket, "scan", p.String(), err)
	return count
}

// Wait blocks until every background write has finished.
func (r *Remote) Wait() {
	r.pending.Wait()
}

// Close stops the health check, waits for background writes and releases
// the fallback. The redis client is left open.
func (r *Remote) Close() error {
	r.once.Do(func() {
		r.cancel()
		r.waitGroup.Wait()
		r.pending.Wait()
		r.fallback.Close()
	})
	return nil
}
