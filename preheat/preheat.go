// Package preheat records which cache keys are read together and refreshes
// related or popular keys in the background before they are requested.
package preheat

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentuity/querycache/logger"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultTTL         = 5 * time.Minute
	DefaultHotN        = 20
	DefaultRetention   = time.Hour
	DefaultMaxRecords  = 1000
	DefaultConcurrency = 4
)

// Recompute produces the current value for key. It may be called more than
// once for the same key over the life of the process.
type Recompute func(ctx context.Context, key string) (any, error)

// Store is the subset of the cache used by the preheater.
type Store interface {
	Contains(ctx context.Context, key string) bool
	Set(ctx context.Context, key string, value any, expires time.Duration)
}

// Config controls a Preheater. Zero fields take the defaults.
type Config struct {
	// TTL of values written by a preheat.
	TTL time.Duration
	// HotN is how many records PreheatHot refreshes.
	HotN int
	// Retention is how long a record survives without being accessed.
	Retention time.Duration
	// MaxRecords is the table size that triggers pruning.
	MaxRecords int
	// Concurrency bounds how many recomputes run at once.
	Concurrency int
	Clock       clockwork.Clock
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.HotN <= 0 {
		c.HotN = DefaultHotN
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.MaxRecords <= 0 {
		c.MaxRecords = DefaultMaxRecords
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

type record struct {
	count      int64
	related    map[string]struct{}
	lastAccess time.Time
}

// Record is an exported copy of an access record.
type Record struct {
	Key        string    `json:"key"`
	Count      int64     `json:"count"`
	Related    []string  `json:"related"`
	LastAccess time.Time `json:"lastAccess"`
}

// Stats is a point-in-time view of a Preheater.
type Stats struct {
	Records         int   `json:"records"`
	InFlight        int   `json:"inFlight"`
	Scheduled       int64 `json:"scheduled"`
	Succeeded       int64 `json:"succeeded"`
	Failed          int64 `json:"failed"`
	SkippedInFlight int64 `json:"skippedInFlight"`
	SkippedCached   int64 `json:"skippedCached"`
	Pruned          int64 `json:"pruned"`
}

// Preheater owns the access records and the set of keys being preheated.
type Preheater struct {
	ctx        context.Context
	cancel     context.CancelFunc
	store      Store
	cfg        Config
	logger     logger.Logger
	sem        *semaphore.Weighted
	mu         sync.Mutex
	records    map[string]*record
	preheating map[string]struct{}
	work       sync.WaitGroup
	loops      sync.WaitGroup
	once       sync.Once

	scheduled       atomic.Int64
	succeeded       atomic.Int64
	failed          atomic.Int64
	skippedInFlight atomic.Int64
	skippedCached   atomic.Int64
	pruned          atomic.Int64
}

// New returns a Preheater writing into store. Cancelling parent, or
// calling Close, cancels every background recompute.
func New(parent context.Context, store Store, log logger.Logger, cfg Config) *Preheater {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(parent)
	return &Preheater{
		ctx:        ctx,
		cancel:     cancel,
		store:      store,
		cfg:        cfg,
		logger:     log.WithPrefix("[preheat]"),
		sem:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		records:    make(map[string]*record),
		preheating: make(map[string]struct{}),
	}
}

// RecordAccess notes a read of key and the keys read alongside it.
func (p *Preheater) RecordAccess(key string, related ...string) {
	now := p.cfg.Clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[key]
	if !ok {
		rec = &record{related: make(map[string]struct{})}
		p.records[key] = rec
	}
	rec.count++
	rec.lastAccess = now
	for _, r := range related {
		if r != key && r != "" {
			rec.related[r] = struct{}{}
		}
	}
	if len(p.records) > p.cfg.MaxRecords {
		p.pruneLocked(now)
	}
}

// pruneLocked drops records idle past the retention window, then the
// least recently accessed records until the table is back within bounds.
func (p *Preheater) pruneLocked(now time.Time) {
	before := len(p.records)
	cutoff := now.Add(-p.cfg.Retention)
	for key, rec := range p.records {
		if rec.lastAccess.Before(cutoff) {
			delete(p.records, key)
		}
	}
	if over := len(p.records) - p.cfg.MaxRecords; over > 0 {
		keys := make([]string, 0, len(p.records))
		for key := range p.records {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return p.records[keys[i]].lastAccess.Before(p.records[keys[j]].lastAccess)
		})
		for _, key := range keys[:over] {
			delete(p.records, key)
		}
	}
	p.pruned.Add(int64(before - len(p.records)))
}

// Prune removes idle records now.
func (p *Preheater) Prune() {
	p.mu.Lock()
	p.pruneLocked(p.cfg.Clock.Now())
	p.mu.Unlock()
}

// Preheat refreshes every key recorded as related to key. It returns
// immediately; the recomputes run in the background and their failures are
// logged and dropped. It returns how many recomputes were scheduled.
func (p *Preheater) Preheat(ctx context.Context, key string, fn Recompute) int {
	p.mu.Lock()
	rec, ok := p.records[key]
	var related []string
	if ok {
		related = make([]string, 0, len(rec.related))
		for r := range rec.related {
			related = append(related, r)
		}
	}
	p.mu.Unlock()
	sort.Strings(related)

	var n int
	for _, r := range related {
		if p.schedule(ctx, r, fn) {
			n++
		}
	}
	return n
}

// PreheatHot runs Preheat for each of the most accessed keys, and also
// refreshes the hot key itself when it is no longer cached. It returns how
// many recomputes were scheduled.
func (p *Preheater) PreheatHot(ctx context.Context, fn Recompute) int {
	var n int
	for _, rec := range p.Hot(p.cfg.HotN) {
		if p.schedule(ctx, rec.Key, fn) {
			n++
		}
		n += p.Preheat(ctx, rec.Key, fn)
	}
	return n
}

// Hot returns up to n records ordered by access count, highest first.
func (p *Preheater) Hot(n int) []Record {
	p.mu.Lock()
	out := make([]Record, 0, len(p.records))
	for key, rec := range p.records {
		related := make([]string, 0, len(rec.related))
		for r := range rec.related {
			related = append(related, r)
		}
		sort.Strings(related)
		out = append(out, Record{Key: key, Count: rec.count, Related: related, LastAccess: rec.lastAccess})
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// schedule starts a background recompute of key unless one is already
// running. The key joins the preheating set before the goroutine starts
// and always leaves it when the goroutine ends.
func (p *Preheater) schedule(ctx context.Context, key string, fn Recompute) bool {
	p.mu.Lock()
	if _, busy := p.preheating[key]; busy {
		p.mu.Unlock()
		p.skippedInFlight.Add(1)
		return false
	}
	p.preheating[key] = struct{}{}
	p.mu.Unlock()

	p.scheduled.Add(1)
	p.work.Add(1)
	go func() {
		defer p.work.Done()
		defer func() {
			p.mu.Lock()
			delete(p.preheating, key)
			p.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				p.failed.Add(1)
				p.logger.Error("recompute %s panicked: %v", key, r)
			}
		}()
		wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(p.ctx, cancel)
		defer stop()
		p.refresh(wctx, key, fn)
	}()
	return true
}

func (p *Preheater) refresh(ctx context.Context, key string, fn Recompute) {
	if p.store.Contains(ctx, key) {
		p.skippedCached.Add(1)
		return
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer p.sem.Release(1)
	started := p.cfg.Clock.Now()
	val, err := fn(ctx, key)
	if err != nil {
		p.failed.Add(1)
		p.logger.Debug("recompute %s failed: %v", key, err)
		return
	}
	p.store.Set(ctx, key, val, p.cfg.TTL)
	p.succeeded.Add(1)
	p.logger.Trace("preheated %s in %v", key, p.cfg.Clock.Since(started))
}

// Preheating reports whether key is being preheated.
func (p *Preheater) Preheating(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.preheating[key]
	return ok
}

// Start runs PreheatHot every interval until ctx is done or the
// Preheater is closed.
func (p *Preheater) Start(ctx context.Context, interval time.Duration, fn Recompute) {
	p.loops.Add(1)
	go func() {
		defer p.loops.Done()
		ticker := p.cfg.Clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.ctx.Done():
				return
			case <-ticker.Chan():
				if n := p.PreheatHot(ctx, fn); n > 0 {
					p.logger.Debug("scheduled %d hot keys", n)
				}
			}
		}
	}()
}

// Wait blocks until every scheduled recompute has finished.
func (p *Preheater) Wait() {
	p.work.Wait()
}

// Stats returns the counters.
func (p *Preheater) Stats() Stats {
	p.mu.Lock()
	records, inflight := len(p.records), len(p.preheating)
	p.mu.Unlock()
	return Stats{
		Records:         records,
		InFlight:        inflight,
		Scheduled:       p.scheduled.Load(),
		Succeeded:       p.succeeded.Load(),
		Failed:          p.failed.Load(),
		SkippedInFlight: p.skippedInFlight.Load(),
		SkippedCached:   p.skippedCached.Load(),
		Pruned:          p.pruned.Load(),
	}
}

// ResetStats zeroes the counters. Records are kept.
func (p *Preheater) ResetStats() {
	p.scheduled.Store(0)
	p.succeeded.Store(0)
	p.failed.Store(0)
	p.skippedInFlight.Store(0)
	p.skippedCached.Store(0)
	p.pruned.Store(0)
}

// Close stops the scheduler, cancels running recomputes and waits for them.
func (p *Preheater) Close() {
	p.once.Do(func() {
		p.cancel()
		p.loops.Wait()
		p.work.Wait()
	})
}
