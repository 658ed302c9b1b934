package service

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestNoticeServiceDeliversToSubscribers(t *testing.T) {
	svc := NewNoticeService(nil, "", nil, testLogger())

	ch, cleanup := svc.Subscribe("u1")
	defer cleanup()
	other, cleanupOther := svc.Subscribe("u2")
	defer cleanupOther()

	sent := svc.Notify(context.Background(), "u1", Notice{Code: NoticeTimeout, Message: "Request timed out"})
	require.NotEmpty(t, sent.ID)
	require.Equal(t, NoticeError, sent.Level)
	require.False(t, sent.CreatedAt.IsZero())

	select {
	case notice := <-ch:
		require.Equal(t, sent.ID, notice.ID)
		require.Equal(t, "u1", notice.UserID)
	case <-time.After(time.Second):
		t.Fatal("expected notice")
	}

	select {
	case <-other:
		t.Fatal("notice leaked to another user")
	default:
	}
}

func TestNoticeServiceSkipsAnonymous(t *testing.T) {
	svc := NewNoticeService(nil, "", nil, testLogger())
	ch, cleanup := svc.Subscribe("")
	defer cleanup()

	notice := svc.Notify(context.Background(), "", Notice{Level: NoticeWarning, Code: NoticeAuthRequired})
	require.Equal(t, NoticeWarning, notice.Level)

	select {
	case <-ch:
		t.Fatal("anonymous notices must not be streamed")
	default:
	}
}

func TestNoticeServiceCleanupClosesChannel(t *testing.T) {
	svc := NewNoticeService(nil, "", nil, testLogger())
	ch, cleanup := svc.Subscribe("u1")
	cleanup()
	cleanup()

	_, open := <-ch
	require.False(t, open)
}

func TestNoticeServiceAcrossNodes(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	clientA := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer clientA.Close()
	clientB := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer clientB.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeA := NewNoticeService(clientA, "polymath", nil, testLogger())
	nodeB := NewNoticeService(clientB, "polymath", nil, testLogger())
	nodeA.Start(ctx)
	nodeB.Start(ctx)

	local, cleanupLocal := nodeA.Subscribe("u1")
	defer cleanupLocal()
	remote, cleanupRemote := nodeB.Subscribe("u1")
	defer cleanupRemote()

	var sent Notice
	require.Eventually(t, func() bool {
		for len(local) > 0 {
			<-local
		}
		sent = nodeA.Notify(ctx, "u1", Notice{Code: NoticeWriteFailed, Message: "Could not save your change"})
		select {
		case notice := <-remote:
			return notice.ID == sent.ID
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	// The publishing node delivers locally and ignores its own broker echo.
	require.Equal(t, sent.ID, (<-local).ID)
	select {
	case notice := <-local:
		t.Fatalf("unexpected echo %s", notice.ID)
	case <-time.After(50 * time.Millisecond):
	}
}
