package realtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/polymath-api/internal/backend"
)

const hubBufferSize = 64

// Hub is an in-process change feed. It serves single-node deployments and
// tests, and backs the websocket gateway when no broker is configured.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*hubSubscriber
	nextID uint64
	logger zerolog.Logger
}

type hubSubscriber struct {
	id      uint64
	spec    backend.EventSpec
	events  chan backend.ChangeEvent
	done    chan struct{}
	once    sync.Once
	onEvent func(backend.ChangeEvent)
}

var (
	_ backend.Realtime   = (*Hub)(nil)
	_ backend.ChangeSink = (*Hub)(nil)
)

// NewHub constructs an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subs:   make(map[uint64]*hubSubscriber),
		logger: logger.With().Str("component", "realtime_hub").Logger(),
	}
}

// Publish fans the event out to every matching subscriber without blocking.
func (h *Hub) Publish(_ context.Context, event backend.ChangeEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.spec.Matches(event) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			h.logger.Warn().Str("table", event.Table).Uint64("subscriber", sub.id).Msg("dropping change event for slow subscriber")
		}
	}
	return nil
}

// Subscribe registers a subscriber; it is reported as subscribed immediately.
func (h *Hub) Subscribe(ctx context.Context, channel string, spec backend.EventSpec, onEvent func(backend.ChangeEvent), onStatus func(backend.ChannelStatus, error)) (backend.Subscription, error) {
	h.mu.Lock()
	h.nextID++
	sub := &hubSubscriber{
		id:      h.nextID,
		spec:    spec,
		events:  make(chan backend.ChangeEvent, hubBufferSize),
		done:    make(chan struct{}),
		onEvent: onEvent,
	}
	h.subs[sub.id] = sub
	h.mu.Unlock()

	go sub.run()

	h.logger.Debug().Str("channel", channel).Str("table", spec.Table).Msg("realtime subscriber registered")
	if onStatus != nil {
		onStatus(backend.StatusSubscribed, nil)
	}

	return backend.SubscriptionFunc(func() error {
		h.remove(sub)
		return nil
	}), nil
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) remove(sub *hubSubscriber) {
	h.mu.Lock()
	delete(h.subs, sub.id)
	h.mu.Unlock()
	sub.once.Do(func() { close(sub.done) })
}

func (s *hubSubscriber) run() {
	for {
		select {
		case event := <-s.events:
			select {
			case <-s.done:
				return
			default:
			}
			s.onEvent(event)
		case <-s.done:
			return
		}
	}
}
