// Package dedupe runs at most one computation per key at a time. Callers
// that arrive while a computation for their key is in flight wait for it and
// receive the same value or error.
package dedupe

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/agentuity/querycache/cache"
	"github.com/agentuity/querycache/logger"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("github.com/agentuity/querycache/dedupe")

// ErrPanicked is returned to every waiting caller when a computation panics.
var ErrPanicked = errors.New("dedupe: computation panicked")

// Func computes the value for a key.
type Func func(ctx context.Context) (any, error)

// Stats is a point-in-time view of a Group.
type Stats struct {
	Calls      int64 `json:"calls"`
	Executions int64 `json:"executions"`
	Shared     int64 `json:"shared"`
	Failures   int64 `json:"failures"`
	InFlight   int64 `json:"inFlight"`
}

// Group deduplicates computations by key.
type Group struct {
	flight     singleflight.Group
	logger     logger.Logger
	calls      atomic.Int64
	executions atomic.Int64
	shared     atomic.Int64
	failures   atomic.Int64
	inflight   atomic.Int64
}

// New returns an empty Group.
func New(log logger.Logger) *Group {
	return &Group{logger: log.WithPrefix("[dedupe]")}
}

// Do returns the result of fn for key, running fn only if no computation
// for key is already in flight. The slot for key is removed as soon as fn
// returns, so the next call starts a fresh computation.
//
// fn runs detached from the cancellation of whichever caller started it, so
// one caller giving up does not fail the others. A caller whose ctx is done
// stops waiting and gets ctx.Err(); fn keeps running for the rest.
func (g *Group) Do(ctx context.Context, key string, fn Func) (any, error) {
	detached := context.WithoutCancel(ctx)
	ch := g.flight.DoChan(key, func() (any, error) {
		return g.compute(detached, key, fn)
	})
	g.calls.Add(1)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			g.shared.Add(1)
		}
		return res.Val, res.Err
	}
}

// compute runs fn for key. A panic in fn is returned as an error wrapping
// ErrPanicked to every caller waiting on key.
func (g *Group) compute(ctx context.Context, key string, fn Func) (val any, err error) {
	g.executions.Add(1)
	g.inflight.Add(1)
	defer g.inflight.Add(-1)
	cctx, span := tracer.Start(ctx, "dedupe.compute", trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			val, err = nil, errors.Wrapf(ErrPanicked, "%s: %v", key, r)
			g.logger.Error("compute %s panicked: %v", key, r)
		}
		if err != nil {
			g.failures.Add(1)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			g.logger.Debug("compute %s failed after %v: %v", key, time.Since(started), err)
			return
		}
		g.logger.Trace("computed %s in %v", key, time.Since(started))
	}()
	return fn(cctx)
}

// InFlight returns how many computations are running.
func (g *Group) InFlight() int64 {
	return g.inflight.Load()
}

// Stats returns the counters.
func (g *Group) Stats() Stats {
	return Stats{
		Calls:      g.calls.Load(),
		Executions: g.executions.Load(),
		Shared:     g.shared.Load(),
		Failures:   g.failures.Load(),
		InFlight:   g.inflight.Load(),
	}
}

// ResetStats zeroes the counters. The in-flight gauge is left alone.
func (g *Group) ResetStats() {
	g.calls.Store(0)
	g.executions.Store(0)
	g.shared.Store(0)
	g.failures.Store(0)
}

// Execute is the typed form of Do.
func Execute[T any](ctx context.Context, g *Group, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	val, err := g.Do(ctx, key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	typed, _ := val.(T)
	return typed, nil
}

// Load returns the cached value for key or computes, stores and returns
// it. Concurrent Loads of the same key share one cache lookup and at most
// one computation. A failed computation is not cached and its error is
// returned to every waiting caller unchanged.
func Load[T any](ctx context.Context, g *Group, m *cache.Manager, key string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	return Execute(ctx, g, key, func(ctx context.Context) (T, error) {
		if val, ok := cache.Get[T](ctx, m, key); ok {
			return val, nil
		}
		val, err := fn(ctx)
		if err != nil {
			return val, err
		}
		m.Set(ctx, key, val, ttl)
		return val, nil
	})
}
