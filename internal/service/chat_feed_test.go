package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/polymath-api/internal/backend"
	"github.com/noah-isme/polymath-api/internal/models"
	"github.com/noah-isme/polymath-api/internal/repository"
)

type chatFixture struct {
	rows      *rowsStub
	transport *fakeRealtime
	notices   *noticeRecorder
	reactions ReactionEngine
	feed      ChatFeed
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	f := &chatFixture{
		rows:      newRowsStub(),
		transport: &fakeRealtime{},
		notices:   &noticeRecorder{},
	}
	f.reactions = NewReactionEngine(repository.NewReactionRepository(f.rows), f.notices, testLogger())
	manager := newTestManager(f.transport, f.notices, &fakeClock{neverFor: testSubscribeTimeout}, DefaultRetryPolicy)
	f.feed = NewChatFeed(repository.NewChatRepository(f.rows), f.reactions, manager, f.notices, testLogger())
	t.Cleanup(func() { _ = f.feed.Close() })

	_, err := f.feed.EnsureGlobal(context.Background())
	require.NoError(t, err)
	return f
}

func member(id string) ChatSender {
	return ChatSender{UserID: id, Name: "Ada", Authenticated: true}
}

func TestEnsureGlobalIsIdempotent(t *testing.T) {
	f := newChatFixture(t)

	conversation, err := f.feed.EnsureGlobal(context.Background())
	require.NoError(t, err)
	require.Equal(t, models.GlobalConversationID, conversation.ID)
	require.True(t, conversation.IsGlobal)
	require.Len(t, f.rows.rows(models.TableConversations), 1)
}

func TestGuestMessagesStayLocal(t *testing.T) {
	f := newChatFixture(t)

	message, err := f.feed.Send(context.Background(), ChatSender{}, "", "hello there", SendOptions{EffectType: "confetti"})
	require.NoError(t, err)
	require.True(t, message.Pending)
	require.True(t, IsGuest(message.UserID))
	require.Equal(t, "Guest", message.SenderName)
	require.Equal(t, models.GlobalConversationID, message.ConversationID)
	require.Equal(t, "confetti", message.EffectType)

	require.Zero(t, f.rows.insertCount(models.TableChatMessages))
	require.Len(t, f.feed.Messages(models.GlobalConversationID), 1)

	conversations, err := f.feed.Conversations(context.Background())
	require.NoError(t, err)
	require.Len(t, conversations, 1)
	require.Equal(t, "hello there", conversations[0].LastMessage)
}

func TestAuthenticatedSendIgnoresItsEcho(t *testing.T) {
	f := newChatFixture(t)

	message, err := f.feed.Send(context.Background(), member("u1"), models.GlobalConversationID, "  first post ", SendOptions{})
	require.NoError(t, err)
	require.False(t, message.Pending)
	require.Equal(t, "first post", message.Content)
	require.Equal(t, "Ada", message.SenderName)

	stored := f.rows.rows(models.TableChatMessages)
	require.Len(t, stored, 1)
	require.Equal(t, message.ID, stored[0].String("id"))

	echo := backend.ChangeEvent{Type: backend.EventInsert, Table: models.TableChatMessages, New: stored[0]}
	require.False(t, f.feed.ApplyEvent(echo))
	require.Len(t, f.feed.Messages(models.GlobalConversationID), 1)

	conversation := f.rows.rows(models.TableConversations)[0]
	require.Equal(t, "first post", conversation.String("last_message"))
}

func TestSendRejectsEmptyContent(t *testing.T) {
	f := newChatFixture(t)

	_, err := f.feed.Send(context.Background(), member("u1"), "", "<script>alert(1)</script>", SendOptions{})
	require.ErrorIs(t, err, ErrEmptyMessage)
	require.Zero(t, f.rows.insertCount(models.TableChatMessages))
}

func TestSendFailureNotifies(t *testing.T) {
	f := newChatFixture(t)
	f.rows.insertErr = errBackendDown

	_, err := f.feed.Send(context.Background(), member("u1"), "", "hello", SendOptions{})
	require.ErrorIs(t, err, errBackendDown)
	require.Empty(t, f.feed.Messages(models.GlobalConversationID))
	require.Equal(t, []string{NoticeWriteFailed}, f.notices.codes())
}

func TestRemoteMessagesAreMerged(t *testing.T) {
	f := newChatFixture(t)
	row := backend.Row{
		"id":              "m-remote",
		"conversation_id": models.GlobalConversationID,
		"user_id":         "u2",
		"sender_name":     "Grace",
		"content":         "from elsewhere",
		"created_at":      time.Now().UTC(),
	}

	require.True(t, f.feed.ApplyEvent(backend.ChangeEvent{Type: backend.EventInsert, Table: models.TableChatMessages, New: row}))
	require.False(t, f.feed.ApplyEvent(backend.ChangeEvent{Type: backend.EventInsert, Table: models.TableChatMessages, New: row}))

	edited := copyRow(row)
	edited["content"] = "edited elsewhere"
	edited["is_edited"] = true
	require.True(t, f.feed.ApplyEvent(backend.ChangeEvent{Type: backend.EventUpdate, Table: models.TableChatMessages, New: edited}))

	messages := f.feed.Messages(models.GlobalConversationID)
	require.Len(t, messages, 1)
	require.Equal(t, "edited elsewhere", messages[0].Content)
	require.True(t, messages[0].IsEdited)

	require.True(t, f.feed.ApplyEvent(backend.ChangeEvent{Type: backend.EventDelete, Table: models.TableChatMessages, Old: backend.Row{"id": "m-remote"}}))
	require.False(t, f.feed.ApplyEvent(backend.ChangeEvent{Type: backend.EventDelete, Table: models.TableChatMessages, Old: backend.Row{"id": "m-remote"}}))
	require.Empty(t, f.feed.Messages(models.GlobalConversationID))

	require.False(t, f.feed.ApplyEvent(backend.ChangeEvent{Type: backend.EventInsert, Table: "quotes", New: row}))
}

func TestFeedKeepsNewestMessagesPerConversation(t *testing.T) {
	f := newChatFixture(t)
	f.feed.(*chatFeed).keep = 3

	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.True(t, f.feed.ApplyEvent(backend.ChangeEvent{Type: backend.EventInsert, Table: models.TableChatMessages, New: backend.Row{
			"id":              fmt.Sprintf("m%d", i),
			"conversation_id": models.GlobalConversationID,
			"user_id":         "u2",
			"content":         "hello",
			"created_at":      base.Add(time.Duration(i) * time.Minute),
		}}))
	}
	require.True(t, f.feed.ApplyEvent(backend.ChangeEvent{Type: backend.EventInsert, Table: models.TableChatMessages, New: backend.Row{
		"id":              "other",
		"conversation_id": "c2",
		"user_id":         "u2",
		"content":         "elsewhere",
		"created_at":      base,
	}}))

	messages := f.feed.Messages(models.GlobalConversationID)
	require.Len(t, messages, 3)
	require.Equal(t, "m2", messages[0].ID)
	require.Equal(t, "m4", messages[2].ID)
	require.Len(t, f.feed.Messages("c2"), 1)

	_, err := f.reactions.AddReaction(context.Background(), "m2", "👍", GuestPrefix+"a")
	require.NoError(t, err)
	require.True(t, f.feed.ApplyEvent(backend.ChangeEvent{Type: backend.EventInsert, Table: models.TableChatMessages, New: backend.Row{
		"id":              "m5",
		"conversation_id": models.GlobalConversationID,
		"user_id":         "u2",
		"content":         "hello",
		"created_at":      base.Add(5 * time.Minute),
	}}))
	require.Len(t, f.feed.Messages(models.GlobalConversationID), 3)
	require.Empty(t, f.reactions.Reactions("m2"))
}

func TestEditAndDeleteRequireOwnership(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	message, err := f.feed.Send(ctx, member("u1"), "", "draft", SendOptions{})
	require.NoError(t, err)

	_, err = f.feed.Edit(ctx, member("u2"), message.ID, "hijacked")
	require.ErrorIs(t, err, ErrNotMessageOwner)
	require.ErrorIs(t, f.feed.Delete(ctx, member("u2"), message.ID), ErrNotMessageOwner)

	edited, err := f.feed.Edit(ctx, member("u1"), message.ID, "final")
	require.NoError(t, err)
	require.True(t, edited.IsEdited)
	require.Equal(t, "final", f.rows.rows(models.TableChatMessages)[0].String("content"))

	_, err = f.reactions.AddReaction(ctx, message.ID, "👍", "u2")
	require.NoError(t, err)

	require.NoError(t, f.feed.Delete(ctx, member("u1"), message.ID))
	require.Empty(t, f.rows.rows(models.TableChatMessages))
	require.Empty(t, f.feed.Messages(models.GlobalConversationID))
	require.Empty(t, f.reactions.Reactions(message.ID))

	_, err = f.feed.Edit(ctx, member("u1"), "missing", "text")
	require.ErrorIs(t, err, ErrMessageNotFound)
}

func TestSwitchConversationReplacesChannel(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	require.NoError(t, f.feed.SwitchConversation(ctx, "c1"))
	require.NoError(t, f.feed.SwitchConversation(ctx, "c1"))
	require.Eventually(t, func() bool { return f.transport.calls() == 1 }, time.Second, 2*time.Millisecond)

	require.NoError(t, f.feed.SwitchConversation(ctx, "c2"))
	require.Eventually(t, func() bool { return f.transport.calls() == 2 }, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return f.transport.isUnsubscribed(0) }, time.Second, 2*time.Millisecond)

	require.Equal(t, "c2", f.feed.ActiveConversation())
	require.Equal(t, "conversation_id=eq.c1", f.transport.channel(0).spec.Filter)
	require.Equal(t, "conversation_id=eq.c2", f.transport.channel(1).spec.Filter)
	require.Equal(t, models.TableChatMessages, f.transport.channel(1).spec.Table)

	require.NoError(t, f.feed.Close())
	require.Eventually(t, func() bool { return f.transport.isUnsubscribed(1) }, time.Second, 2*time.Millisecond)
	require.Empty(t, f.feed.ActiveConversation())
}

func TestConversationEventsCountUnread(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	require.NoError(t, f.feed.SwitchConversation(ctx, models.GlobalConversationID))

	preview := func(id, text string) backend.ChangeEvent {
		return backend.ChangeEvent{
			Type:  backend.EventUpdate,
			Table: models.TableConversations,
			New:   backend.Row{"id": id, "name": "Side room", "last_message": text},
		}
	}

	f.rows.seed(models.TableConversations, backend.Row{"id": "side", "name": "Side room"})
	require.True(t, f.feed.ApplyConversationEvent(preview("side", "one")))
	require.True(t, f.feed.ApplyConversationEvent(preview("side", "two")))
	require.True(t, f.feed.ApplyConversationEvent(preview("side", "two")))
	require.True(t, f.feed.ApplyConversationEvent(preview(models.GlobalConversationID, "seen")))

	unread := func() map[string]int {
		conversations, err := f.feed.Conversations(ctx)
		require.NoError(t, err)
		out := make(map[string]int, len(conversations))
		for _, conversation := range conversations {
			out[conversation.ID] = conversation.Unread
		}
		return out
	}

	require.Equal(t, map[string]int{models.GlobalConversationID: 0, "side": 2}, unread())

	f.feed.MarkRead("side")
	require.Equal(t, 0, unread()["side"])

	require.True(t, f.feed.ApplyConversationEvent(preview("side", "three")))
	require.NoError(t, f.feed.SwitchConversation(ctx, "side"))
	require.Equal(t, 0, unread()["side"])
}

func TestLoadMergesHistoryAndReactions(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	f.rows.seed(models.TableChatMessages, backend.Row{"id": "m2", "conversation_id": "c1", "user_id": "u1", "content": "second", "created_at": base.Add(time.Second)})
	f.rows.seed(models.TableChatMessages, backend.Row{"id": "m1", "conversation_id": "c1", "user_id": "u1", "content": "first", "created_at": base})
	f.rows.seed(models.TableChatReactions, backend.Row{"id": "r1", "message_id": "m1", "emoji": "🔥", "user_id": "u2"})

	messages, err := f.feed.Load(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, "m1", messages[0].ID)
	require.Equal(t, "m2", messages[1].ID)

	reactions := f.reactions.Reactions("m1")
	require.Len(t, reactions, 1)
	require.Equal(t, 1, reactions[0].Count)
}
