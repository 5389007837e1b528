package cache

import (
	"context"
	"time"

	"github.com/agentuity/querycache/logger"
	"github.com/agentuity/querycache/resilience"
	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
)

var (
	// ErrNotFound is returned by helpers that must distinguish a miss from a zero value.
	ErrNotFound = errors.New("cache: key not found")
	// ErrInvalidPattern is returned when a glob pattern cannot be compiled.
	ErrInvalidPattern = errors.New("cache: invalid pattern")
)

// DefaultExpires is the TTL used by Set when expires <= 0.
const DefaultExpires = 5 * time.Minute

// DefaultQueryTimeout bounds every remote round trip. A slow remote store
// degrades to the fallback path rather than blocking callers.
const DefaultQueryTimeout = 500 * time.Millisecond

// DefaultCapacity is the number of entries held by the local tier.
const DefaultCapacity = 500

// DefaultLocalCeiling caps the TTL of any entry in the local tier.
const DefaultLocalCeiling = time.Minute

// DefaultScanCount is the COUNT hint passed to SCAN during pattern deletes.
const DefaultScanCount = 100

// DefaultHealthInterval is how often the remote tier pings the server.
const DefaultHealthInterval = 5 * time.Second

// ErrorHandler receives remote failures that are never surfaced to callers.
// op is the operation name ("get", "set", "delete", "scan", "decode", "encode").
type ErrorHandler func(op string, key string, err error)

// config holds the resolved configuration for the cache tiers.
type config struct {
	defaultExpires time.Duration
	queryTimeout   time.Duration
	expiryCheck    time.Duration
	prefix         string
	capacity       int
	localCeiling   time.Duration
	scanCount      int64
	healthInterval time.Duration
	codec          Codec
	clock          clockwork.Clock
	logger         logger.Logger
	errorHandler   ErrorHandler
	breaker        *resilience.CircuitBreakerConfig
}

// Option configures the cache tiers and the Manager.
type Option func(*config)

func defaultConfig() config {
	return config{
		defaultExpires: DefaultExpires,
		queryTimeout:   DefaultQueryTimeout,
		expiryCheck:    time.Minute,
		capacity:       DefaultCapacity,
		localCeiling:   DefaultLocalCeiling,
		scanCount:      DefaultScanCount,
		healthInterval: DefaultHealthInterval,
		codec:          JSONCodec{},
		clock:          clockwork.NewRealClock(),
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewConsoleLogger(logger.LevelNone)
	}
	return cfg
}

// WithExpires sets the default TTL for cached values. This is used when
// Set is called with expires <= 0. Defaults to DefaultExpires (5 minutes).
func WithExpires(d time.Duration) Option {
	return func(c *config) { c.defaultExpires = d }
}

// WithQueryTimeout sets the per-operation timeout for the remote tier.
// Defaults to DefaultQueryTimeout (500ms).
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithExpiryCheck sets the interval for background expired entry cleanup
// of the fallback tier. Defaults to 1 minute.
func WithExpiryCheck(d time.Duration) Option {
	return func(c *config) { c.expiryCheck = d }
}

// WithPrefix sets the key prefix for namespacing remote keys.
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// WithCapacity sets the maximum number of entries in the local tier.
func WithCapacity(n int) Option {
	return func(c *config) { c.capacity = n }
}

// WithLocalCeiling caps the TTL of entries in the local tier.
func WithLocalCeiling(d time.Duration) Option {
	return func(c *config) { c.localCeiling = d }
}

// WithScanCount sets the SCAN COUNT hint used by pattern deletes.
func WithScanCount(n int64) Option {
	return func(c *config) { c.scanCount = n }
}

// WithHealthInterval sets how often the remote tier checks connectivity.
// Zero disables the background check.
func WithHealthInterval(d time.Duration) Option {
	return func(c *config) { c.healthInterval = d }
}

// WithCodec sets the codec used for the remote and fallback tiers.
func WithCodec(codec Codec) Option {
	return func(c *config) { c.codec = codec }
}

// WithClock sets the clock used for expiry. Tests pass a fake clock.
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) { c.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.logger = log }
}

// WithErrorHandler sets the sink for swallowed remote errors. The default
// logs them at warn level.
func WithErrorHandler(h ErrorHandler) Option {
	return func(c *config) { c.errorHandler = h }
}

// WithCircuitBreaker overrides the circuit breaker guarding the remote tier.
func WithCircuitBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *config) { c.breaker = &cfg }
}

// Get retrieves a typed value from the manager. Values produced in this
// process are returned by type assertion; values that came from the remote
// tier are decoded with the configured codec. A value that cannot be
// converted to T is treated as a miss.
func Get[T any](ctx context.Context, m *Manager, key string) (T, bool) {
	var zero T
	val, ok := m.Get(ctx, key)
	if !ok {
		return zero, false
	}
	if typed, ok := val.(T); ok {
		return typed, true
	}
	if enc, ok := val.(Encoded); ok {
		var result T
		if err := enc.Decode(&result); err != nil {
			m.stats.decodeErrors.Add(1)
			m.report("decode", key, err)
			m.local.Delete(key)
			return zero, false
		}
		return result, true
	}
	m.stats.decodeErrors.Add(1)
	m.report("decode", key, errors.Newf("cannot convert value of type %T to %T", val, zero))
	return zero, false
}
