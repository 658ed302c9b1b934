package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/polymath-api/internal/backend"
)

// NATSBroker carries row change events over NATS subjects, one per table.
type NATSBroker struct {
	conn             *nats.Conn
	prefix           string
	subscribeTimeout time.Duration
	logger           zerolog.Logger
}

var (
	_ backend.Realtime   = (*NATSBroker)(nil)
	_ backend.ChangeSink = (*NATSBroker)(nil)
)

// NewNATSBroker constructs a broker publishing under `<channelBase>.realtime.<table>`.
func NewNATSBroker(conn *nats.Conn, channelBase string, subscribeTimeout time.Duration, logger zerolog.Logger) *NATSBroker {
	if channelBase == "" {
		channelBase = "polymath"
	}
	if subscribeTimeout <= 0 {
		subscribeTimeout = 10 * time.Second
	}
	return &NATSBroker{
		conn:             conn,
		prefix:           strings.ReplaceAll(channelBase, ":", ".") + ".realtime.",
		subscribeTimeout: subscribeTimeout,
		logger:           logger.With().Str("component", "realtime_nats").Logger(),
	}
}

func (b *NATSBroker) subjectFor(table string) string {
	return b.prefix + table
}

func (b *NATSBroker) Publish(_ context.Context, event backend.ChangeEvent) error {
	payload, err := EncodeEvent(event)
	if err != nil {
		return err
	}
	return b.conn.Publish(b.subjectFor(event.Table), payload)
}

func (b *NATSBroker) Subscribe(ctx context.Context, channel string, spec backend.EventSpec, onEvent func(backend.ChangeEvent), onStatus func(backend.ChannelStatus, error)) (backend.Subscription, error) {
	if spec.Table == "" {
		return nil, fmt.Errorf("realtime channel %s: table is required", channel)
	}

	// A synchronous subscription keeps delivery on one goroutine, in publish order.
	sub, err := b.conn.SubscribeSync(b.subjectFor(spec.Table))
	if err != nil {
		notify(onStatus, backend.StatusChannelError, err)
		return backend.SubscriptionFunc(func() error { return nil }), nil
	}

	if err := b.conn.FlushTimeout(b.subscribeTimeout); err != nil {
		_ = sub.Unsubscribe()
		status := backend.StatusChannelError
		if errors.Is(err, nats.ErrTimeout) {
			status = backend.StatusTimedOut
		}
		notify(onStatus, status, err)
		return backend.SubscriptionFunc(func() error { return nil }), nil
	}

	notify(onStatus, backend.StatusSubscribed, nil)

	go func() {
		for {
			msg, err := sub.NextMsgWithContext(ctx)
			if err != nil {
				if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, context.Canceled) || errors.Is(err, nats.ErrConnectionClosed) {
					notify(onStatus, backend.StatusClosed, nil)
					return
				}
				b.logger.Error().Err(err).Str("channel", channel).Msg("realtime nats subscription failed")
				notify(onStatus, backend.StatusChannelError, err)
				return
			}

			event, err := DecodeEvent(msg.Data)
			if err != nil {
				b.logger.Warn().Err(err).Str("channel", channel).Msg("invalid realtime payload")
				continue
			}
			if spec.Matches(event) {
				onEvent(event)
			}
		}
	}()

	return backend.SubscriptionFunc(func() error {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) {
			return err
		}
		return nil
	}), nil
}
