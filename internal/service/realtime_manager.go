package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/polymath-api/internal/backend"
	"github.com/noah-isme/polymath-api/internal/observability"
)

const (
	defaultSubscribeTimeout = 10 * time.Second
	statusBufferSize        = 8
	realtimeFailureMessage  = "Could not connect to chat"
)

// ErrRealtimeUnavailable is the terminal error of a subscription that ran out of retries.
var ErrRealtimeUnavailable = errors.New("realtime channel unavailable")

// SubscriptionState is the lifecycle position of a realtime subscription.
type SubscriptionState string

// Subscription states.
const (
	StateIdle         SubscriptionState = "idle"
	StateConnecting   SubscriptionState = "connecting"
	StateSubscribed   SubscriptionState = "subscribed"
	StateErrored      SubscriptionState = "errored"
	StateTimedOut     SubscriptionState = "timed_out"
	StateFailed       SubscriptionState = "failed"
	StateUnsubscribed SubscriptionState = "unsubscribed"
)

// RetryPolicy bounds reconnects: MaxAttempts retries, the first after
// BaseDelay and each following one after twice the previous delay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy retries three times starting at one second.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}

// Delay returns the wait before the given retry, counted from zero.
func (p RetryPolicy) Delay(retry int) time.Duration {
	return p.BaseDelay << uint(retry)
}

// RealtimeOptions tunes a RealtimeManager.
type RealtimeOptions struct {
	Retry            RetryPolicy
	SubscribeTimeout time.Duration
	// After replaces time.After; tests drive backoff with it.
	After func(time.Duration) <-chan time.Time
}

// OpenOption customises a single Open call.
type OpenOption func(*openConfig)

type openConfig struct {
	ownerID        string
	failureMessage string
}

// WithOwner routes the terminal failure notice to the user.
func WithOwner(userID string) OpenOption {
	return func(c *openConfig) { c.ownerID = userID }
}

// WithFailureMessage overrides the terminal failure notice text.
func WithFailureMessage(message string) OpenOption {
	return func(c *openConfig) { c.failureMessage = message }
}

// RealtimeManager owns the realtime channels of this process. It opens at
// most one channel per logical subscription and retries failed channels.
type RealtimeManager struct {
	transport        backend.Realtime
	notifier         Notifier
	retry            RetryPolicy
	subscribeTimeout time.Duration
	after            func(time.Duration) <-chan time.Time
	logger           zerolog.Logger
	tracer           trace.Tracer

	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewRealtimeManager constructs a manager over the given transport.
func NewRealtimeManager(transport backend.Realtime, notifier Notifier, opts RealtimeOptions, logger zerolog.Logger) *RealtimeManager {
	if opts.Retry.MaxAttempts < 0 {
		opts.Retry.MaxAttempts = 0
	}
	if opts.Retry.BaseDelay <= 0 {
		opts.Retry = DefaultRetryPolicy
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = defaultSubscribeTimeout
	}
	if opts.After == nil {
		opts.After = time.After
	}

	return &RealtimeManager{
		transport:        transport,
		notifier:         notifier,
		retry:            opts.Retry,
		subscribeTimeout: opts.SubscribeTimeout,
		after:            opts.After,
		logger:           logger.With().Str("component", "realtime_manager").Logger(),
		tracer:           otel.Tracer("github.com/noah-isme/polymath-api/internal/service/realtime"),
		subs:             make(map[string]*Subscription),
	}
}

// Open starts a subscription for spec. When a subscription with the same key
// is already registered it is returned as is and onEvent is not attached.
func (m *RealtimeManager) Open(ctx context.Context, spec backend.EventSpec, onEvent func(backend.ChangeEvent), opts ...OpenOption) (*Subscription, error) {
	if spec.Table == "" {
		return nil, errors.New("realtime subscription requires a table")
	}
	if spec.Filter != "" {
		if _, err := backend.ParseFilter(spec.Filter); err != nil {
			return nil, err
		}
	}
	if onEvent == nil {
		return nil, errors.New("realtime subscription requires an event handler")
	}

	cfg := openConfig{failureMessage: realtimeFailureMessage}
	for _, opt := range opts {
		opt(&cfg)
	}

	key := spec.Key()

	m.mu.Lock()
	if existing, ok := m.subs[key]; ok {
		m.mu.Unlock()
		return existing, nil
	}

	sub := &Subscription{
		manager:  m,
		key:      key,
		channel:  "realtime:" + key,
		spec:     spec,
		config:   cfg,
		onEvent:  onEvent,
		state:    StateIdle,
		statuses: make(chan statusUpdate, statusBufferSize),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.subs[key] = sub
	m.mu.Unlock()

	go sub.run(context.WithoutCancel(ctx))
	return sub, nil
}

// Lookup returns the registered subscription for spec, if any.
func (m *RealtimeManager) Lookup(spec backend.EventSpec) (*Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[spec.Key()]
	return sub, ok
}

// Keys lists the registered subscription keys.
func (m *RealtimeManager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.subs))
	for key := range m.subs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Failed lists the keys of subscriptions that gave up reconnecting.
func (m *RealtimeManager) Failed() []string {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	var failed []string
	for _, sub := range subs {
		if sub.State() == StateFailed {
			failed = append(failed, sub.Key())
		}
	}
	sort.Strings(failed)
	return failed
}

// CloseAll tears down every subscription.
func (m *RealtimeManager) CloseAll() error {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *RealtimeManager) remove(key string, sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.subs[key]; ok && current == sub {
		delete(m.subs, key)
	}
}

type statusUpdate struct {
	generation int
	status     backend.ChannelStatus
	err        error
}

// Subscription is one logical realtime channel managed by a RealtimeManager.
type Subscription struct {
	manager *RealtimeManager
	key     string
	channel string
	spec    backend.EventSpec
	config  openConfig
	onEvent func(backend.ChangeEvent)

	statuses chan statusUpdate
	closed   chan struct{}
	done     chan struct{}

	mu         sync.Mutex
	state      SubscriptionState
	generation int
	handle     backend.Subscription
	retries    int
	err        error
	active     bool
	closeOnce  sync.Once
	doneOnce   sync.Once
}

// Key identifies the logical subscription.
func (s *Subscription) Key() string { return s.key }

// Spec returns the event spec the subscription listens to.
func (s *Subscription) Spec() backend.EventSpec { return s.spec }

// State returns the current lifecycle state.
func (s *Subscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Retries returns how many reconnects have been attempted since the last
// successful subscribe.
func (s *Subscription) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// Err returns ErrRealtimeUnavailable once the subscription has failed for good.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the subscription reaches a terminal state.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close unsubscribes the channel. Events that arrive afterwards are dropped.
// It is safe to call more than once.
func (s *Subscription) Close() error {
	var handle backend.Subscription
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.leaveSubscribedLocked()
		s.state = StateUnsubscribed
		handle = s.handle
		s.handle = nil
		close(s.closed)
		s.mu.Unlock()

		s.manager.remove(s.key, s)
		s.finish()
	})

	if handle != nil {
		return handle.Unsubscribe()
	}
	return nil
}

func (s *Subscription) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Subscription) run(ctx context.Context) {
	for {
		generation, ok := s.beginAttempt()
		if !ok {
			return
		}

		update := s.connect(ctx, generation)
		if update.status == backend.StatusSubscribed {
			update = s.awaitFailure(generation)
		}
		if s.isClosed() {
			return
		}

		delay, retry := s.recordFailure(update)
		if !retry {
			return
		}

		select {
		case <-s.manager.after(delay):
		case <-s.closed:
			return
		}
	}
}

func (s *Subscription) beginAttempt() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateUnsubscribed {
		return 0, false
	}
	s.generation++
	s.state = StateConnecting
	return s.generation, true
}

// connect opens one transport channel and waits for its first status.
func (s *Subscription) connect(ctx context.Context, generation int) statusUpdate {
	m := s.manager
	ctx, span := m.tracer.Start(ctx, "realtime.subscribe", trace.WithAttributes(
		attribute.String("realtime.table", s.spec.Table),
		attribute.String("realtime.filter", s.spec.Filter),
		attribute.Int("realtime.generation", generation),
	))
	defer span.End()

	handle, err := m.transport.Subscribe(ctx, s.channel, s.spec, s.deliver(generation), s.reportStatus(generation))
	if err != nil {
		span.RecordError(err)
		return statusUpdate{generation: generation, status: backend.StatusChannelError, err: err}
	}

	s.mu.Lock()
	if s.state == StateUnsubscribed {
		s.mu.Unlock()
		if handle != nil {
			_ = handle.Unsubscribe()
		}
		return statusUpdate{generation: generation, status: backend.StatusClosed}
	}
	s.handle = handle
	s.mu.Unlock()

	// Transports may report synchronously; take that before arming the timer.
	if update, ok := s.nextStatus(generation); ok {
		return s.settle(update)
	}

	timeout := m.after(m.subscribeTimeout)
	for {
		select {
		case update := <-s.statuses:
			if update.generation != generation {
				continue
			}
			return s.settle(update)
		case <-timeout:
			return statusUpdate{generation: generation, status: backend.StatusTimedOut, err: context.DeadlineExceeded}
		case <-s.closed:
			return statusUpdate{generation: generation, status: backend.StatusClosed}
		}
	}
}

func (s *Subscription) nextStatus(generation int) (statusUpdate, bool) {
	for {
		select {
		case update := <-s.statuses:
			if update.generation != generation {
				continue
			}
			return update, true
		default:
			return statusUpdate{}, false
		}
	}
}

func (s *Subscription) settle(update statusUpdate) statusUpdate {
	if update.status != backend.StatusSubscribed {
		return update
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateUnsubscribed {
		return statusUpdate{generation: update.generation, status: backend.StatusClosed}
	}
	s.state = StateSubscribed
	s.retries = 0
	if !s.active {
		s.active = true
		observability.RealtimeChannelsActive().Inc()
	}
	s.manager.logger.Debug().Str("channel", s.channel).Msg("realtime channel subscribed")
	return update
}

// awaitFailure blocks while the channel is healthy.
func (s *Subscription) awaitFailure(generation int) statusUpdate {
	for {
		select {
		case update := <-s.statuses:
			if update.generation != generation || update.status == backend.StatusSubscribed {
				continue
			}
			if update.status == backend.StatusClosed {
				update.status = backend.StatusChannelError
				if update.err == nil {
					update.err = errors.New("realtime channel closed by transport")
				}
			}
			return update
		case <-s.closed:
			return statusUpdate{generation: generation, status: backend.StatusClosed}
		}
	}
}

// recordFailure moves the subscription to the error state matching update and
// decides whether another attempt is allowed.
func (s *Subscription) recordFailure(update statusUpdate) (time.Duration, bool) {
	m := s.manager

	s.mu.Lock()
	if s.state == StateUnsubscribed {
		s.mu.Unlock()
		return 0, false
	}
	s.leaveSubscribedLocked()
	handle := s.handle
	s.handle = nil

	if update.status == backend.StatusTimedOut {
		s.state = StateTimedOut
	} else {
		s.state = StateErrored
	}

	if s.retries >= m.retry.MaxAttempts {
		s.state = StateFailed
		s.err = ErrRealtimeUnavailable
		retries := s.retries
		s.mu.Unlock()

		if handle != nil {
			_ = handle.Unsubscribe()
		}
		m.logger.Error().Err(update.err).Str("channel", s.channel).Int("retries", retries).Msg("realtime channel gave up")
		if m.notifier != nil {
			m.notifier.Notify(context.Background(), s.config.ownerID, Notice{
				Level:   NoticeError,
				Code:    NoticeRealtimeUnavailable,
				Message: s.config.failureMessage,
			})
		}
		s.finish()
		return 0, false
	}

	delay := m.retry.Delay(s.retries)
	s.retries++
	retries := s.retries
	s.mu.Unlock()

	if handle != nil {
		_ = handle.Unsubscribe()
	}
	observability.RealtimeRetries().WithLabelValues(s.spec.Table, string(update.status)).Inc()
	m.logger.Warn().
		Err(update.err).
		Str("channel", s.channel).
		Str("status", string(update.status)).
		Int("retry", retries).
		Dur("delay", delay).
		Msg("realtime channel failed, retrying")
	return delay, true
}

func (s *Subscription) leaveSubscribedLocked() {
	if s.active {
		s.active = false
		observability.RealtimeChannelsActive().Dec()
	}
}

func (s *Subscription) reportStatus(generation int) func(backend.ChannelStatus, error) {
	return func(status backend.ChannelStatus, err error) {
		select {
		case s.statuses <- statusUpdate{generation: generation, status: status, err: err}:
		default:
			s.manager.logger.Warn().Str("channel", s.channel).Str("status", string(status)).Msg("dropping realtime status update")
		}
	}
}

// deliver runs handlers under the subscription lock, so events of one channel
// are applied one at a time in arrival order and never after Close.
func (s *Subscription) deliver(generation int) func(backend.ChangeEvent) {
	return func(event backend.ChangeEvent) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state != StateSubscribed || s.generation != generation {
			return
		}
		s.onEvent(event)
	}
}

func (s *Subscription) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Dispatcher routes change events to handlers registered per table.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]func(backend.ChangeEvent)
	logger   zerolog.Logger
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]func(backend.ChangeEvent)),
		logger:   logger.With().Str("component", "realtime_dispatcher").Logger(),
	}
}

// Handle registers a handler for events on table.
func (d *Dispatcher) Handle(table string, handler func(backend.ChangeEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[table] = append(d.handlers[table], handler)
}

// Tables lists the tables with at least one handler.
func (d *Dispatcher) Tables() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	tables := make([]string, 0, len(d.handlers))
	for table := range d.handlers {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	return tables
}

// Dispatch hands the event to every handler of its table.
func (d *Dispatcher) Dispatch(event backend.ChangeEvent) {
	d.mu.RLock()
	handlers := d.handlers[event.Table]
	d.mu.RUnlock()

	if len(handlers) == 0 {
		d.logger.Debug().Str("table", event.Table).Msg("no handler for realtime event")
		return
	}

	observability.RealtimeEvents().WithLabelValues(event.Table, string(event.Type)).Inc()
	for _, handler := range handlers {
		handler(event)
	}
}

// OpenTables opens one subscription per dispatcher table.
func (m *RealtimeManager) OpenTables(ctx context.Context, dispatcher *Dispatcher) ([]*Subscription, error) {
	tables := dispatcher.Tables()
	subs := make([]*Subscription, 0, len(tables))
	for _, table := range tables {
		sub, err := m.Open(ctx, backend.EventSpec{Event: backend.EventAll, Schema: backend.DefaultSchema, Table: table}, dispatcher.Dispatch)
		if err != nil {
			return subs, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
