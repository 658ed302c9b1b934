package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/noah-isme/polymath-api/internal/backend"
)

// Frame kinds sent by the realtime gateway.
const (
	FrameStatus = "status"
	FrameEvent  = "event"
)

// Frame is the JSON message exchanged over the realtime websocket gateway.
type Frame struct {
	Kind   string                `json:"kind"`
	Status backend.ChannelStatus `json:"status,omitempty"`
	Error  string                `json:"error,omitempty"`
	Event  json.RawMessage       `json:"event,omitempty"`
}

// WebsocketClient subscribes to a remote realtime gateway. Each channel uses its own connection.
type WebsocketClient struct {
	endpoint string
	token    func() string
	dialer   *websocket.Dialer
	logger   zerolog.Logger
}

var _ backend.Realtime = (*WebsocketClient)(nil)

// NewWebsocketClient constructs a client for the gateway at endpoint (ws:// or wss://).
// token supplies the access token attached to each connection; it may be nil.
func NewWebsocketClient(endpoint string, token func() string, handshakeTimeout time.Duration, logger zerolog.Logger) *WebsocketClient {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &WebsocketClient{
		endpoint: endpoint,
		token:    token,
		dialer:   &websocket.Dialer{HandshakeTimeout: handshakeTimeout, Proxy: http.ProxyFromEnvironment},
		logger:   logger.With().Str("component", "realtime_ws_client").Logger(),
	}
}

func (c *WebsocketClient) Subscribe(ctx context.Context, channel string, spec backend.EventSpec, onEvent func(backend.ChangeEvent), onStatus func(backend.ChannelStatus, error)) (backend.Subscription, error) {
	target, err := c.subscribeURL(channel, spec)
	if err != nil {
		return nil, err
	}

	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		status := backend.StatusChannelError
		if errors.Is(err, context.DeadlineExceeded) {
			status = backend.StatusTimedOut
		}
		notify(onStatus, status, err)
		return backend.SubscriptionFunc(func() error { return nil }), nil
	}

	sub := &wsSubscription{conn: conn, closed: make(chan struct{})}

	go func() {
		for {
			var frame Frame
			if err := conn.ReadJSON(&frame); err != nil {
				if sub.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					notify(onStatus, backend.StatusClosed, nil)
					return
				}
				c.logger.Warn().Err(err).Str("channel", channel).Msg("realtime gateway connection dropped")
				notify(onStatus, backend.StatusChannelError, err)
				return
			}

			switch frame.Kind {
			case FrameStatus:
				var statusErr error
				if frame.Error != "" {
					statusErr = errors.New(frame.Error)
				}
				notify(onStatus, frame.Status, statusErr)
			case FrameEvent:
				event, err := DecodeEvent(frame.Event)
				if err != nil {
					c.logger.Warn().Err(err).Str("channel", channel).Msg("invalid realtime payload")
					continue
				}
				if sub.isClosed() {
					return
				}
				onEvent(event)
			}
		}
	}()

	return sub, nil
}

func (c *WebsocketClient) subscribeURL(channel string, spec backend.EventSpec) (string, error) {
	parsed, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse realtime endpoint: %w", err)
	}
	if spec.Table == "" {
		return "", fmt.Errorf("realtime channel %s: table is required", channel)
	}

	query := parsed.Query()
	query.Set("channel", channel)
	query.Set("table", spec.Table)
	if spec.Event != "" {
		query.Set("event", string(spec.Event))
	}
	if spec.Schema != "" {
		query.Set("schema", spec.Schema)
	}
	if spec.Filter != "" {
		query.Set("filter", spec.Filter)
	}
	if c.token != nil {
		if token := c.token(); token != "" {
			query.Set("access_token", token)
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

type wsSubscription struct {
	conn   *websocket.Conn
	once   sync.Once
	closed chan struct{}
}

func (s *wsSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = s.conn.Close()
	})
	return err
}

func (s *wsSubscription) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
