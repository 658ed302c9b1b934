package handler_test

import (
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/polymath-api/internal/backend"
	"github.com/noah-isme/polymath-api/internal/models"
	"github.com/noah-isme/polymath-api/internal/realtime"
)

func TestRealtimeGatewaySubscribeP95Under250ms(t *testing.T) {
	if testing.Short() {
		t.Skip("latency check skipped in short mode")
	}

	hub := realtime.NewHub(testLogger())
	endpoint := startGateway(t, hub)

	query := url.Values{}
	query.Set("event", string(backend.EventInsert))
	query.Set("table", models.TableChatMessages)
	query.Set("filter", backend.EqFilter("conversation_id", models.GlobalConversationID))

	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	clients := 100
	durations := make([]time.Duration, 0, clients)

	for i := 0; i < clients; i++ {
		start := time.Now()
		conn, resp, err := dialer.Dial(endpoint+"?"+query.Encode(), http.Header{"X-Correlation-ID": {"latency-" + strconv.Itoa(i)}})
		require.NoError(t, err)
		if resp != nil {
			_ = resp.Body.Close()
		}

		var frame realtime.Frame
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&frame))
		require.Equal(t, realtime.FrameStatus, frame.Kind)
		require.Equal(t, backend.StatusSubscribed, frame.Status)
		durations = append(durations, time.Since(start))

		_ = conn.Close()
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	p95 := percentile(durations, 0.95)
	require.LessOrEqual(t, p95, 250*time.Millisecond, "subscribe p95 was %s", p95)
}

func percentile(values []time.Duration, pct float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	index := int(math.Ceil(pct*float64(len(values)))) - 1
	if index < 0 {
		index = 0
	}
	if index >= len(values) {
		index = len(values) - 1
	}
	return values[index]
}
