package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/polymath-api/internal/backend"
)

// RedisBroker carries row change events over Redis Pub/Sub, one channel per table.
type RedisBroker struct {
	client           *redis.Client
	prefix           string
	subscribeTimeout time.Duration
	logger           zerolog.Logger
}

var (
	_ backend.Realtime   = (*RedisBroker)(nil)
	_ backend.ChangeSink = (*RedisBroker)(nil)
)

// NewRedisBroker constructs a broker publishing under `<channelBase>:realtime:<table>`.
func NewRedisBroker(client *redis.Client, channelBase string, subscribeTimeout time.Duration, logger zerolog.Logger) *RedisBroker {
	if channelBase == "" {
		channelBase = "polymath"
	}
	if subscribeTimeout <= 0 {
		subscribeTimeout = 10 * time.Second
	}
	return &RedisBroker{
		client:           client,
		prefix:           channelBase + ":realtime:",
		subscribeTimeout: subscribeTimeout,
		logger:           logger.With().Str("component", "realtime_redis").Logger(),
	}
}

func (b *RedisBroker) channelFor(table string) string {
	return b.prefix + table
}

func (b *RedisBroker) Publish(ctx context.Context, event backend.ChangeEvent) error {
	payload, err := EncodeEvent(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channelFor(event.Table), payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string, spec backend.EventSpec, onEvent func(backend.ChangeEvent), onStatus func(backend.ChannelStatus, error)) (backend.Subscription, error) {
	if spec.Table == "" {
		return nil, fmt.Errorf("realtime channel %s: table is required", channel)
	}

	pubsub := b.client.Subscribe(ctx, b.channelFor(spec.Table))

	confirmCtx, cancel := context.WithTimeout(ctx, b.subscribeTimeout)
	_, err := pubsub.Receive(confirmCtx)
	cancel()
	if err != nil {
		_ = pubsub.Close()
		status := backend.StatusChannelError
		if errors.Is(err, context.DeadlineExceeded) {
			status = backend.StatusTimedOut
		}
		notify(onStatus, status, err)
		return backend.SubscriptionFunc(func() error { return nil }), nil
	}

	sub := &redisSubscription{pubsub: pubsub, closed: make(chan struct{})}
	notify(onStatus, backend.StatusSubscribed, nil)

	go func() {
		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if sub.isClosed() || errors.Is(err, context.Canceled) {
					notify(onStatus, backend.StatusClosed, nil)
					return
				}
				b.logger.Error().Err(err).Str("channel", channel).Msg("realtime redis subscription failed")
				notify(onStatus, backend.StatusChannelError, err)
				return
			}

			event, err := DecodeEvent([]byte(msg.Payload))
			if err != nil {
				b.logger.Warn().Err(err).Str("channel", channel).Msg("invalid realtime payload")
				continue
			}
			if spec.Matches(event) {
				onEvent(event)
			}
		}
	}()

	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	once   sync.Once
	closed chan struct{}
}

func (s *redisSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.pubsub.Close()
	})
	return err
}

func (s *redisSubscription) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func notify(onStatus func(backend.ChannelStatus, error), status backend.ChannelStatus, err error) {
	if onStatus != nil {
		onStatus(status, err)
	}
}
