// Package invalidation turns domain write events into cache pattern
// deletes. The policy is coarse: a write clears every family of cached
// queries it could possibly affect rather than deriving exact keys, since a
// spurious miss costs far less than a stale dashboard.
package invalidation

import (
	"context"
	"sync/atomic"

	"github.com/agentuity/querycache/cache"
	"github.com/agentuity/querycache/logger"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/agentuity/querycache/invalidation")

const (
	PatternRoleQueries = "role:query:*"
	PatternDashboards  = "dashboard:*"
	PatternOrders      = "order:*"
	PatternReports     = "report:*"
	PatternAll         = "*"
)

// Event names, also used as span suffixes.
const (
	EventOrderWritten = "order_written"
	EventUserUpdated  = "user_updated"
	EventClassChanged = "class_changed"
	EventAll          = "all"
	EventManual       = "manual"
)

// Order carries the fields of a committed order write that are useful for
// logging. Invalidation does not depend on them.
type Order struct {
	ID        string
	UserID    string
	ClassName string
}

// Deleter removes cached keys by glob.
type Deleter interface {
	DeletePattern(ctx context.Context, glob string) (int, error)
}

// Publisher tells other processes which patterns were invalidated.
type Publisher interface {
	Publish(ctx context.Context, event string, patterns []string) error
}

// Stats is a point-in-time view of a Service.
type Stats struct {
	Events   int64 `json:"events"`
	Patterns int64 `json:"patterns"`
	Deleted  int64 `json:"deleted"`
	Failures int64 `json:"failures"`
}

// Service maps domain events to pattern deletes. Its methods never fail:
// errors are logged and counted so the write that triggered them is never
// affected. Call them after the write has committed.
type Service struct {
	cache     Deleter
	publisher Publisher
	logger    logger.Logger
	events    atomic.Int64
	patterns  atomic.Int64
	deleted   atomic.Int64
	failures  atomic.Int64
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher broadcasts every invalidation through p.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// New returns a Service deleting through c.
func New(c Deleter, log logger.Logger, opts ...Option) *Service {
	s := &Service{cache: c, logger: log.WithPrefix("[invalidation]")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnOrderWritten clears every role query, dashboard, order and report.
func (s *Service) OnOrderWritten(ctx context.Context, order Order) int {
	s.logger.Debug("order %s written by %s", order.ID, order.UserID)
	return s.Invalidate(ctx, EventOrderWritten, PatternRoleQueries, PatternDashboards, PatternOrders, PatternReports)
}

// OnUserUpdated clears the user's own keys and every role query, since role
// queries embed user names.
func (s *Service) OnUserUpdated(ctx context.Context, userID string) int {
	return s.Invalidate(ctx, EventUserUpdated, "user:"+cache.EscapeGlob(userID)+":*", PatternRoleQueries)
}

// OnClassChanged clears the class's keys, every role query and every dashboard.
func (s *Service) OnClassChanged(ctx context.Context, className string) int {
	return s.Invalidate(ctx, EventClassChanged, "class:"+cache.EscapeGlob(className)+":*", PatternRoleQueries, PatternDashboards)
}

// InvalidateAll clears the whole cache.
func (s *Service) InvalidateAll(ctx context.Context) int {
	return s.Invalidate(ctx, EventAll, PatternAll)
}

// Invalidate deletes every pattern and returns the number of keys removed.
func (s *Service) Invalidate(ctx context.Context, event string, patterns ...string) (total int) {
	ctx, span := tracer.Start(ctx, "invalidation."+event, trace.WithAttributes(attribute.StringSlice("cache.patterns", patterns)))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			s.failures.Add(1)
			err := errors.Newf("invalidation %s panicked: %v", event, r)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.Error("%s", err)
		}
	}()

	s.events.Add(1)
	for _, pattern := range patterns {
		s.patterns.Add(1)
		n, err := s.cache.DeletePattern(ctx, pattern)
		if err != nil {
			s.failures.Add(1)
			span.RecordError(err)
			s.logger.Warn("invalidate %s for %s: %v", pattern, event, err)
			continue
		}
		total += n
	}
	s.deleted.Add(int64(total))
	span.SetAttributes(attribute.Int("cache.deleted", total))

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, event, patterns); err != nil {
			s.failures.Add(1)
			span.RecordError(err)
			s.logger.Warn("broadcast %s: %v", event, err)
		}
	}
	s.logger.Debug("%s removed %d keys", event, total)
	return total
}

// Stats returns the counters.
func (s *Service) Stats() Stats {
	return Stats{
		Events:   s.events.Load(),
		Patterns: s.patterns.Load(),
		Deleted:  s.deleted.Load(),
		Failures: s.failures.Load(),
	}
}

// ResetStats zeroes the counters.
func (s *Service) ResetStats() {
	s.events.Store(0)
	s.patterns.Store(0)
	s.deleted.Store(0)
	s.failures.Store(0)
}
