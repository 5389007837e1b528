package invalidation

import (
	"context"
	"sync/atomic"

	"github.com/agentuity/querycache/eventing"
	"github.com/agentuity/querycache/logger"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultChannel is the pub/sub channel used for invalidation broadcasts.
const DefaultChannel = "querycache:invalidate"

const originHeader = "origin"

type broadcast struct {
	Event    string   `msgpack:"event"`
	Patterns []string `msgpack:"patterns"`
}

// LocalDeleter removes keys from the in-process tier only.
type LocalDeleter interface {
	DeleteLocalPattern(glob string) (int, error)
}

// Broadcaster publishes invalidations to the other processes sharing the
// remote tier and applies theirs to the local tier. The shared tier has
// already been cleared by the publisher, so received patterns only touch
// the local tier. Messages published by this instance are ignored.
type Broadcaster struct {
	bus      eventing.Bus
	channel  string
	id       string
	local    LocalDeleter
	logger   logger.Logger
	sub      eventing.Subscription
	received atomic.Int64
}

var _ Publisher = (*Broadcaster)(nil)

// NewBroadcaster subscribes to channel and returns a Broadcaster. An empty
// channel uses DefaultChannel.
func NewBroadcaster(ctx context.Context, bus eventing.Bus, channel string, local LocalDeleter, log logger.Logger) (*Broadcaster, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	b := &Broadcaster{
		bus:     bus,
		channel: channel,
		id:      uuid.NewString(),
		local:   local,
		logger:  log.WithPrefix("[broadcast]"),
	}
	sub, err := bus.Subscribe(ctx, channel, b.handle)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe to invalidations")
	}
	b.sub = sub
	return b, nil
}

// ID returns the instance id stamped on published messages.
func (b *Broadcaster) ID() string {
	return b.id
}

// Received returns how many messages from other instances were applied.
func (b *Broadcaster) Received() int64 {
	return b.received.Load()
}

// Publish sends the patterns of one invalidation event.
func (b *Broadcaster) Publish(ctx context.Context, event string, patterns []string) error {
	data, err := msgpack.Marshal(broadcast{Event: event, Patterns: patterns})
	if err != nil {
		return errors.Wrap(err, "encode broadcast")
	}
	return b.bus.Publish(ctx, b.channel, data, eventing.Headers{originHeader: b.id})
}

func (b *Broadcaster) handle(ctx context.Context, msg eventing.Message) {
	if msg.Headers.Get(originHeader) == b.id {
		return
	}
	var payload broadcast
	if err := msgpack.Unmarshal(msg.Data, &payload); err != nil {
		b.logger.Warn("bad broadcast from %s: %v", msg.Headers.Get(originHeader), err)
		return
	}
	b.received.Add(1)
	var total int
	for _, pattern := range payload.Patterns {
		n, err := b.local.DeleteLocalPattern(pattern)
		if err != nil {
			b.logger.Warn("apply %s from %s: %v", pattern, payload.Event, err)
			continue
		}
		total += n
	}
	b.logger.Debug("applied %s from %s, %d local keys removed", payload.Event, msg.Headers.Get(originHeader), total)
}

// Close stops receiving broadcasts.
func (b *Broadcaster) Close() error {
	return b.sub.Close()
}
