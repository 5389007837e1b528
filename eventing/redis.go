package eventing

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/agentuity/querycache/logger"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// envelope is the wire form of a message on a Redis channel.
type envelope struct {
	Data    []byte  `msgpack:"data"`
	Headers Headers `msgpack:"headers"`
}

type redisSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// RedisBus is a Bus on Redis pub/sub. Messages published while nobody is
// subscribed are lost.
type RedisBus struct {
	rdb       *redis.Client
	ctx       context.Context
	cancel    context.CancelFunc
	logger    logger.Logger
	waitGroup sync.WaitGroup
	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus returns a Bus using rdb. The caller owns rdb.
func NewRedisBus(ctx context.Context, log logger.Logger, rdb *redis.Client) (*RedisBus, error) {
	if rdb == nil {
		return nil, errors.New("eventing: redis client is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	return &RedisBus{
		rdb:    rdb,
		ctx:    ctx,
		cancel: cancel,
		logger: log.WithPrefix("[eventing]"),
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, subject string, data []byte, headers Headers) error {
	ctx, span := tracer.Start(ctx, "eventing.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(messagingAttributes(subject)...),
	)
	defer span.End()

	env := envelope{Data: data, Headers: make(Headers, len(headers)+2)}
	maps.Copy(env.Headers, headers)
	propagator.Inject(ctx, env.Headers)

	payload, err := msgpack.Marshal(env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errors.Wrap(err, "encode message")
	}
	if err := b.rdb.Publish(ctx, subject, payload).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errors.Wrapf(err, "publish to %s", subject)
	}
	b.published.Add(1)
	return nil
}

func (b *RedisBus) deliver(ctx context.Context, subject string, payload string, h Handler) {
	var env envelope
	if err := msgpack.Unmarshal([]byte(payload), &env); err != nil {
		b.dropped.Add(1)
		b.logger.Warn("dropping undecodable message on %s: %s", subject, err)
		return
	}
	if env.Headers == nil {
		env.Headers = make(Headers)
	}
	ctx, span := tracer.Start(propagator.Extract(ctx, env.Headers), "eventing.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(messagingAttributes(subject)...),
	)
	defer span.End()
	b.delivered.Add(1)
	h(ctx, Message{Subject: subject, Data: env.Data, Headers: env.Headers})
}

func (b *RedisBus) Subscribe(ctx context.Context, subject string, h Handler) (Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, subject)
	// wait for the confirmation so messages published after we return are delivered
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, errors.Wrapf(err, "subscribe to %s", subject)
	}

	sctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(b.ctx, cancel)
	sub := &redisSubscription{cancel: cancel, done: make(chan struct{})}

	b.waitGroup.Add(1)
	go func() {
		defer b.waitGroup.Done()
		defer close(sub.done)
		defer pubsub.Close()
		defer stop()
		ch := pubsub.Channel()
		for {
			select {
			case <-sctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.deliver(sctx, msg.Channel, msg.Payload, h)
			}
		}
	}()
	return sub, nil
}

// Stats returns the message counters.
func (b *RedisBus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Close stops every subscription and waits for running handlers.
func (b *RedisBus) Close() error {
	b.cancel()
	b.waitGroup.Wait()
	return nil
}
