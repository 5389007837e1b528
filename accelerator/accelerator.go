// Package accelerator wires the cache tiers, the deduplicator, the
// preheater and the invalidation service into one object built from a
// config.Config.
package accelerator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentuity/querycache/cache"
	"github.com/agentuity/querycache/config"
	"github.com/agentuity/querycache/dedupe"
	"github.com/agentuity/querycache/eventing"
	"github.com/agentuity/querycache/invalidation"
	"github.com/agentuity/querycache/logger"
	"github.com/agentuity/querycache/metrics"
	"github.com/agentuity/querycache/preheat"
	"github.com/agentuity/querycache/resilience"
	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// MetricsNamespace prefixes every exported metric.
const MetricsNamespace = "querycache"

type options struct {
	client    *redis.Client
	clock     clockwork.Clock
	recompute preheat.Recompute
}

// Option configures an Accelerator.
type Option func(*options)

// WithRedisClient uses client instead of dialling the configured URL. The
// caller keeps ownership of client.
func WithRedisClient(client *redis.Client) Option {
	return func(o *options) { o.client = client }
}

// WithClock replaces the real clock, mostly for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithRecompute sets the function used to preheat keys that nobody is
// currently asking for. Without it no preheating happens.
func WithRecompute(fn preheat.Recompute) Option {
	return func(o *options) { o.recompute = fn }
}

// Accelerator owns every component of the query cache.
type Accelerator struct {
	ctx          context.Context
	cancel       context.CancelFunc
	cfg          config.Config
	client       *redis.Client
	ownsClient   bool
	manager      *cache.Manager
	group        *dedupe.Group
	preheater    *preheat.Preheater
	invalidation *invalidation.Service
	events       *eventing.RedisBus
	broadcaster  *invalidation.Broadcaster
	collector    *metrics.Collector
	recompute    preheat.Recompute
	clock        clockwork.Clock
	logger       logger.Logger
	once         sync.Once
}

// New builds an Accelerator from cfg. With an empty Redis URL and no
// WithRedisClient option the shared tier is the in-process fallback and
// invalidations are not broadcast.
func New(ctx context.Context, cfg config.Config, log logger.Logger, opts ...Option) (*Accelerator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	codec, err := cache.CodecByName(cfg.Redis.Codec)
	if err != nil {
		return nil, err
	}

	a := &Accelerator{
		cfg:       cfg,
		client:    o.client,
		recompute: o.recompute,
		clock:     o.clock,
		logger:    log,
	}
	if a.client == nil && cfg.Redis.URL != "" {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, errors.Wrap(err, "error parsing redis url")
		}
		a.client = redis.NewClient(redisOpts)
		a.ownsClient = true
	}
	if a.client != nil {
		cache.InstallRedisLogger(log)
	}
	a.ctx, a.cancel = context.WithCancel(ctx)

	breaker := resilience.DefaultCircuitBreakerConfig()
	breaker.MaxFailures = cfg.Breaker.MaxFailures
	breaker.Timeout = cfg.Breaker.Cooldown.Std()
	a.manager = cache.New(a.ctx, a.client,
		cache.WithExpires(cfg.DefaultTTL.Std()),
		cache.WithQueryTimeout(cfg.Redis.Timeout.Std()),
		cache.WithPrefix(cfg.Redis.Prefix),
		cache.WithCapacity(cfg.Local.Capacity),
		cache.WithLocalCeiling(cfg.Local.Ceiling.Std()),
		cache.WithScanCount(cfg.Redis.ScanCount),
		cache.WithHealthInterval(cfg.Redis.HealthInterval.Std()),
		cache.WithCodec(codec),
		cache.WithClock(o.clock),
		cache.WithLogger(log),
		cache.WithCircuitBreaker(breaker),
	)
	a.group = dedupe.New(log)
	a.preheater = preheat.New(a.ctx, a.manager, log, preheat.Config{
		TTL:         cfg.Preheat.TTL.Std(),
		HotN:        cfg.Preheat.HotN,
		Retention:   cfg.Preheat.Retention.Std(),
		MaxRecords:  cfg.Preheat.MaxRecords,
		Concurrency: cfg.Preheat.Concurrency,
		Clock:       o.clock,
	})

	var invalidationOpts []invalidation.Option
	if a.client != nil && cfg.Invalidation.Channel != "" {
		a.events, err = eventing.NewRedisBus(a.ctx, log, a.client)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.broadcaster, err = invalidation.NewBroadcaster(a.ctx, a.events, cfg.Invalidation.Channel, a.manager, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		invalidationOpts = append(invalidationOpts, invalidation.WithPublisher(a.broadcaster))
	}
	a.invalidation = invalidation.New(a.manager, log, invalidationOpts...)
	a.collector = metrics.NewCollector(MetricsNamespace, a.Stats)

	if a.recompute != nil && cfg.Preheat.Interval > 0 {
		a.preheater.Start(a.ctx, cfg.Preheat.Interval.Std(), a.recompute)
	}
	return a, nil
}

// Manager returns the cache manager.
func (a *Accelerator) Manager() *cache.Manager {
	return a.manager
}

// Dedupe returns the request deduplicator.
func (a *Accelerator) Dedupe() *dedupe.Group {
	return a.group
}

// Preheater returns the access-pattern preheater.
func (a *Accelerator) Preheater() *preheat.Preheater {
	return a.preheater
}

// Invalidation returns the invalidation service.
func (a *Accelerator) Invalidation() *invalidation.Service {
	return a.invalidation
}

// Broadcaster returns the invalidation broadcaster, or nil when
// invalidations are not broadcast.
func (a *Accelerator) Broadcaster() *invalidation.Broadcaster {
	return a.broadcaster
}

// Collector returns the Prometheus collector for this Accelerator.
func (a *Accelerator) Collector() *metrics.Collector {
	return a.collector
}

// Query returns the value for key, computing it with fn when no tier has
// it. Concurrent queries for the same key share a single computation. The
// access is recorded with the related keys, and when a recompute function
// was configured those keys are refreshed in the background. Only errors
// returned by fn reach the caller.
func Query[T any](ctx context.Context, a *Accelerator, key string, related []string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	started := a.clock.Now()
	var computed atomic.Bool
	val, err := dedupe.Load(ctx, a.group, a.manager, key, ttl, func(ctx context.Context) (T, error) {
		computed.Store(true)
		return fn(ctx)
	})
	elapsed := a.clock.Since(started)
	switch {
	case err != nil:
		a.collector.ObserveQuery(metrics.OutcomeError, elapsed)
		return val, err
	case computed.Load():
		a.collector.ObserveQuery(metrics.OutcomeComputed, elapsed)
	default:
		a.collector.ObserveQuery(metrics.OutcomeHit, elapsed)
	}
	a.preheater.RecordAccess(key, related...)
	if a.recompute != nil {
		a.preheater.Preheat(a.ctx, key, a.recompute)
	}
	return val, nil
}

// PreheatHot refreshes the most accessed keys now. It returns how many
// recomputes were scheduled; zero without a recompute function.
func (a *Accelerator) PreheatHot(ctx context.Context) int {
	if a.recompute == nil {
		return 0
	}
	return a.preheater.PreheatHot(ctx, a.recompute)
}

// Stats returns the combined counters of every component.
func (a *Accelerator) Stats() metrics.Report {
	return metrics.Report{
		Cache:        a.manager.Stats(),
		Dedupe:       a.group.Stats(),
		Preheat:      a.preheater.Stats(),
		Invalidation: a.invalidation.Stats(),
	}
}

// ResetStats zeroes every counter. Cached entries and access records are kept.
func (a *Accelerator) ResetStats() {
	a.manager.ResetStats()
	a.group.ResetStats()
	a.preheater.ResetStats()
	a.invalidation.ResetStats()
}

// Wait blocks until background cache writes and preheats have finished.
func (a *Accelerator) Wait() {
	a.preheater.Wait()
	a.manager.Wait()
}

// Close stops background work, drains pending writes and closes the redis
// client if the Accelerator opened it.
func (a *Accelerator) Close() error {
	var errs error
	a.once.Do(func() {
		if a.preheater != nil {
			a.preheater.Close()
		}
		if a.broadcaster != nil {
			errs = errors.CombineErrors(errs, a.broadcaster.Close())
		}
		if a.events != nil {
			errs = errors.CombineErrors(errs, a.events.Close())
		}
		if a.manager != nil {
			errs = errors.CombineErrors(errs, a.manager.Close())
		}
		a.cancel()
		if a.ownsClient {
			errs = errors.CombineErrors(errs, a.client.Close())
		}
	})
	return errs
}
