package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/polymath-api/internal/observability"
)

const noticeBufferSize = 16

// Notice levels.
const (
	NoticeInfo    = "info"
	NoticeWarning = "warning"
	NoticeError   = "error"
)

// Notice codes surfaced to users.
const (
	NoticeAuthRequired        = "auth_required"
	NoticeWriteFailed         = "write_failed"
	NoticeTimeout             = "timeout"
	NoticeRealtimeUnavailable = "realtime_unavailable"
)

// Notice is a user-visible toast.
type Notice struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Level     string    `json:"level"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier emits user-visible notices.
type Notifier interface {
	Notify(ctx context.Context, userID string, notice Notice) Notice
}

// NoticeService fans notices out to the user's open streams, across nodes
// when a broker is configured.
type NoticeService interface {
	Notifier
	Subscribe(userID string) (<-chan Notice, func())
	Start(ctx context.Context)
}

type noticeService struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	broker       *noticeBroker
	nodeID       string
	now          func() time.Time
}

type noticeEvent struct {
	Source string    `json:"source"`
	Notice Notice    `json:"notice"`
	SentAt time.Time `json:"sent_at"`
}

type noticeBroker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Notice]struct{}
}

// NewNoticeService constructs a notice service. Redis and NATS are optional.
func NewNoticeService(redisClient *redis.Client, channelBase string, natsConn *nats.Conn, logger zerolog.Logger) NoticeService {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase + ":notices"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".notices"
	}

	return &noticeService{
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		logger:       logger.With().Str("component", "notice_service").Logger(),
		broker: &noticeBroker{
			subscribers: make(map[string]map[chan Notice]struct{}),
		},
		nodeID: uuid.NewString(),
		now:    time.Now,
	}
}

func (s *noticeService) Start(ctx context.Context) {
	if s.redis != nil && s.redisChannel != "" {
		go s.consumeRedis(ctx)
	}
	if s.nats != nil && s.natsSubject != "" {
		go s.consumeNATS(ctx)
	}
}

// Notify delivers the notice to the user's streams. Anonymous notices are
// only logged; the caller already receives the failure as an error.
func (s *noticeService) Notify(ctx context.Context, userID string, notice Notice) Notice {
	if notice.ID == "" {
		notice.ID = uuid.NewString()
	}
	if notice.Level == "" {
		notice.Level = NoticeError
	}
	if notice.CreatedAt.IsZero() {
		notice.CreatedAt = s.now().UTC()
	}
	notice.UserID = userID

	observability.Notices().WithLabelValues(notice.Code).Inc()
	s.logger.Debug().Str("user_id", userID).Str("code", notice.Code).Msg(notice.Message)

	if userID == "" {
		return notice
	}

	s.broker.broadcast(userID, notice)
	if err := s.publish(ctx, notice); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish notice to broker")
	}
	return notice
}

func (s *noticeService) Subscribe(userID string) (<-chan Notice, func()) {
	channel := make(chan Notice, noticeBufferSize)

	s.broker.subscribe(userID, channel)
	observability.SSEClientsActive().Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			s.broker.unsubscribe(userID, channel)
			observability.SSEClientsActive().Dec()
		})
	}

	return channel, cleanup
}

func (s *noticeService) publish(ctx context.Context, notice Notice) error {
	if (s.redis == nil || s.redisChannel == "") && (s.nats == nil || s.natsSubject == "") {
		return nil
	}

	payload, err := json.Marshal(noticeEvent{Source: s.nodeID, Notice: notice, SentAt: s.now().UTC()})
	if err != nil {
		return err
	}

	if s.redis != nil && s.redisChannel != "" {
		if err := s.redis.Publish(ctx, s.redisChannel, payload).Err(); err != nil {
			return err
		}
	}

	if s.nats != nil && s.natsSubject != "" {
		if err := s.nats.Publish(s.natsSubject, payload); err != nil {
			return err
		}
	}

	return nil
}

func (s *noticeService) consumeRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error().Err(err).Msg("notice redis subscription closed")
			return
		}
		s.handleEvent([]byte(msg.Payload))
	}
}

func (s *noticeService) consumeNATS(ctx context.Context) {
	sub, err := s.nats.Subscribe(s.natsSubject, func(msg *nats.Msg) {
		s.handleEvent(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats notices subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain notice nats subscription")
		}
	}()
}

func (s *noticeService) handleEvent(payload []byte) {
	var event noticeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid notice event payload")
		return
	}

	if event.Source == s.nodeID || event.Notice.UserID == "" {
		return
	}

	s.broker.broadcast(event.Notice.UserID, event.Notice)
}

func (b *noticeBroker) subscribe(userID string, ch chan Notice) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[userID]; !exists {
		b.subscribers[userID] = make(map[chan Notice]struct{})
	}
	b.subscribers[userID][ch] = struct{}{}
}

func (b *noticeBroker) unsubscribe(userID string, ch chan Notice) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[userID]; ok {
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, userID)
		}
	}
}

func (b *noticeBroker) broadcast(userID string, notice Notice) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[userID] {
		select {
		case ch <- notice:
		default:
		}
	}
}
