package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/polymath-api/internal/backend"
	"github.com/noah-isme/polymath-api/internal/models"
	"github.com/noah-isme/polymath-api/internal/repository"
)

// keptMessages bounds the messages held per conversation; older ones are
// dropped and can be paged in again with Load.
const keptMessages = 500

// GuestPrefix marks user ids minted for anonymous chat participants.
const GuestPrefix = "guest-"

var (
	// ErrEmptyMessage is returned when a message has no content left after sanitizing.
	ErrEmptyMessage = errors.New("message content is empty")
	// ErrNotMessageOwner is returned when editing or deleting someone else's message.
	ErrNotMessageOwner = errors.New("only the sender can change this message")
	// ErrMessageNotFound is returned when the message is unknown.
	ErrMessageNotFound = errors.New("message not found")
)

// IsGuest reports whether the user id belongs to an anonymous participant.
func IsGuest(userID string) bool {
	return strings.HasPrefix(userID, GuestPrefix)
}

// NewGuestID mints an anonymous participant id.
func NewGuestID() string {
	return GuestPrefix + uuid.NewString()
}

// ChatSender identifies the author of a chat action.
type ChatSender struct {
	UserID        string
	Name          string
	Authenticated bool
}

// SendOptions carries optional message attributes.
type SendOptions struct {
	EffectType string
	ReplyTo    string
}

// ChatFeed keeps the local view of conversations and their messages and
// reconciles it with realtime changes.
type ChatFeed interface {
	EnsureGlobal(ctx context.Context) (models.Conversation, error)
	Send(ctx context.Context, sender ChatSender, conversationID, content string, opts SendOptions) (models.ChatMessage, error)
	Edit(ctx context.Context, sender ChatSender, messageID, content string) (models.ChatMessage, error)
	Delete(ctx context.Context, sender ChatSender, messageID string) error
	Load(ctx context.Context, conversationID string, limit int) ([]models.ChatMessage, error)
	Messages(conversationID string) []models.ChatMessage
	Conversations(ctx context.Context) ([]models.Conversation, error)
	SwitchConversation(ctx context.Context, conversationID string) error
	ActiveConversation() string
	MarkRead(conversationID string)
	ApplyEvent(event backend.ChangeEvent) bool
	ApplyConversationEvent(event backend.ChangeEvent) bool
	Reactions() ReactionEngine
	Close() error
}

type chatFeed struct {
	repo      repository.ChatRepository
	reactions ReactionEngine
	realtime  *RealtimeManager
	notifier  Notifier
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	keep          int

	mu            sync.Mutex
	messages      map[string]models.ChatMessage
	conversations map[string]*models.Conversation
	active        string
	activeSub     *Subscription
}

// NewChatFeed constructs a chat feed. realtime may be nil when no live
// updates are wanted.
func NewChatFeed(repo repository.ChatRepository, reactions ReactionEngine, realtime *RealtimeManager, notifier Notifier, logger zerolog.Logger) ChatFeed {
	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("br")

	return &chatFeed{
		repo:          repo,
		reactions:     reactions,
		realtime:      realtime,
		notifier:      notifier,
		sanitizer:     sanitizer,
		logger:        logger.With().Str("component", "chat_feed").Logger(),
		tracer:        otel.Tracer("github.com/noah-isme/polymath-api/internal/service/chat"),
		now:           time.Now,
		keep:          keptMessages,
		messages:      make(map[string]models.ChatMessage),
		conversations: make(map[string]*models.Conversation),
	}
}

func (f *chatFeed) Reactions() ReactionEngine {
	return f.reactions
}

// EnsureGlobal makes sure the conversation every session can read exists.
func (f *chatFeed) EnsureGlobal(ctx context.Context) (models.Conversation, error) {
	conversation, err := f.repo.SaveConversation(ctx, models.Conversation{
		ID:       models.GlobalConversationID,
		Name:     "Global chat",
		IsGlobal: true,
		IsGroup:  true,
	})
	if err != nil {
		return models.Conversation{}, err
	}
	f.rememberConversation(conversation)
	return conversation, nil
}

func (f *chatFeed) Send(ctx context.Context, sender ChatSender, conversationID, content string, opts SendOptions) (models.ChatMessage, error) {
	ctx, span := f.tracer.Start(ctx, "chat.send", trace.WithAttributes(
		attribute.String("chat.conversation_id", conversationID),
		attribute.Bool("chat.authenticated", sender.Authenticated),
	))
	defer span.End()

	clean := strings.TrimSpace(f.sanitizer.Sanitize(content))
	if clean == "" {
		return models.ChatMessage{}, ErrEmptyMessage
	}
	if strings.TrimSpace(conversationID) == "" {
		conversationID = models.GlobalConversationID
	}
	if strings.TrimSpace(sender.UserID) == "" {
		sender.UserID = NewGuestID()
		sender.Authenticated = false
	}

	message := models.ChatMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		UserID:         sender.UserID,
		SenderName:     senderName(sender),
		Content:        clean,
		EffectType:     opts.EffectType,
		ReplyTo:        opts.ReplyTo,
		CreatedAt:      f.now().UTC(),
	}

	if !sender.Authenticated {
		message.Pending = true
		f.upsertMessage(message)
		f.touchConversation(conversationID, clean)
		return message, nil
	}

	saved, err := f.repo.Save(ctx, message)
	if err != nil {
		span.RecordError(err)
		f.notify(ctx, sender.UserID, NoticeWriteFailed, "Could not send your message")
		return models.ChatMessage{}, fmt.Errorf("send message: %w", err)
	}

	// The realtime echo of this insert is idempotent against the local copy.
	f.upsertMessage(saved)
	f.touchConversation(conversationID, clean)
	if err := f.repo.TouchConversation(ctx, conversationID, clean); err != nil {
		f.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to update conversation preview")
	}
	return saved, nil
}

func (f *chatFeed) Edit(ctx context.Context, sender ChatSender, messageID, content string) (models.ChatMessage, error) {
	clean := strings.TrimSpace(f.sanitizer.Sanitize(content))
	if clean == "" {
		return models.ChatMessage{}, ErrEmptyMessage
	}

	message, err := f.lookup(ctx, messageID)
	if err != nil {
		return models.ChatMessage{}, err
	}
	if message.UserID != sender.UserID {
		return models.ChatMessage{}, ErrNotMessageOwner
	}

	message.Content = clean
	message.IsEdited = true
	message.UpdatedAt = f.now().UTC()

	if !message.Pending {
		if err := f.repo.UpdateMessage(ctx, messageID, backend.Row{"content": clean, "is_edited": true}); err != nil {
			f.notify(ctx, sender.UserID, NoticeWriteFailed, "Could not edit your message")
			return models.ChatMessage{}, fmt.Errorf("edit message: %w", err)
		}
	}

	f.upsertMessage(message)
	return message, nil
}

func (f *chatFeed) Delete(ctx context.Context, sender ChatSender, messageID string) error {
	message, err := f.lookup(ctx, messageID)
	if err != nil {
		return err
	}
	if message.UserID != sender.UserID {
		return ErrNotMessageOwner
	}

	if !message.Pending {
		if err := f.repo.DeleteMessage(ctx, messageID); err != nil {
			f.notify(ctx, sender.UserID, NoticeWriteFailed, "Could not delete your message")
			return fmt.Errorf("delete message: %w", err)
		}
	}

	f.removeMessage(messageID)
	return nil
}

func (f *chatFeed) lookup(ctx context.Context, messageID string) (models.ChatMessage, error) {
	f.mu.Lock()
	message, ok := f.messages[messageID]
	f.mu.Unlock()
	if ok {
		return message, nil
	}

	message, err := f.repo.FindMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return models.ChatMessage{}, ErrMessageNotFound
		}
		return models.ChatMessage{}, err
	}
	return message, nil
}

// Load fetches the latest page of a conversation and merges it into the feed.
func (f *chatFeed) Load(ctx context.Context, conversationID string, limit int) ([]models.ChatMessage, error) {
	messages, err := f.repo.ListByConversation(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}

	for _, message := range messages {
		f.upsertMessage(message)
		if f.reactions != nil {
			if _, err := f.reactions.Load(ctx, message.ID); err != nil {
				f.logger.Warn().Err(err).Str("message_id", message.ID).Msg("failed to load reactions")
			}
		}
	}
	return f.Messages(conversationID), nil
}

// Messages returns the conversation's messages oldest first.
func (f *chatFeed) Messages(conversationID string) []models.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]models.ChatMessage, 0)
	for _, message := range f.messages {
		if message.ConversationID == conversationID {
			out = append(out, message)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Conversations merges the backend list with local previews and unread counts.
func (f *chatFeed) Conversations(ctx context.Context) ([]models.Conversation, error) {
	remote, err := f.repo.ListConversations(ctx)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	seen := make(map[string]struct{}, len(remote))
	out := make([]models.Conversation, 0, len(remote))
	for _, conversation := range remote {
		if local, ok := f.conversations[conversation.ID]; ok {
			conversation.Unread = local.Unread
			if conversation.LastMessage == "" {
				conversation.LastMessage = local.LastMessage
			}
		}
		f.conversations[conversation.ID] = &models.Conversation{
			ID:          conversation.ID,
			Name:        conversation.Name,
			LastMessage: conversation.LastMessage,
			IsGlobal:    conversation.IsGlobal,
			IsGroup:     conversation.IsGroup,
			CreatedAt:   conversation.CreatedAt,
			UpdatedAt:   conversation.UpdatedAt,
			Unread:      conversation.Unread,
		}
		seen[conversation.ID] = struct{}{}
		out = append(out, conversation)
	}
	for id, local := range f.conversations {
		if _, ok := seen[id]; !ok {
			out = append(out, *local)
		}
	}
	return out, nil
}

// SwitchConversation closes the previous conversation's channel before
// opening one filtered on the new conversation.
func (f *chatFeed) SwitchConversation(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	if f.active == conversationID && f.activeSub != nil {
		f.mu.Unlock()
		return nil
	}
	previous := f.activeSub
	f.activeSub = nil
	f.active = conversationID
	if conversation, ok := f.conversations[conversationID]; ok {
		conversation.Unread = 0
	}
	f.mu.Unlock()

	if previous != nil {
		if err := previous.Close(); err != nil {
			f.logger.Warn().Err(err).Str("channel", previous.Key()).Msg("failed to close previous conversation channel")
		}
	}
	if f.realtime == nil {
		return nil
	}

	sub, err := f.realtime.Open(ctx, backend.EventSpec{
		Event:  backend.EventAll,
		Schema: backend.DefaultSchema,
		Table:  models.TableChatMessages,
		Filter: backend.EqFilter("conversation_id", conversationID),
	}, func(event backend.ChangeEvent) { f.ApplyEvent(event) })
	if err != nil {
		return err
	}

	f.mu.Lock()
	if f.active != conversationID {
		// Switched again while opening.
		f.mu.Unlock()
		return sub.Close()
	}
	f.activeSub = sub
	f.mu.Unlock()
	return nil
}

func (f *chatFeed) ActiveConversation() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *chatFeed) MarkRead(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conversation, ok := f.conversations[conversationID]; ok {
		conversation.Unread = 0
	}
}

// ApplyEvent folds a chat_messages change into the feed, keyed by message id.
func (f *chatFeed) ApplyEvent(event backend.ChangeEvent) bool {
	if event.Table != models.TableChatMessages {
		return false
	}

	var message models.ChatMessage
	if err := repository.DecodeRow(event.Record(), &message); err != nil || message.ID == "" {
		f.logger.Warn().Err(err).Str("event_id", event.ID).Msg("ignoring malformed chat event")
		return false
	}

	switch event.Type {
	case backend.EventInsert:
		f.mu.Lock()
		existing, ok := f.messages[message.ID]
		if ok && !existing.Pending {
			f.mu.Unlock()
			return false
		}
		evicted := f.storeLocked(message)
		f.mu.Unlock()
		f.forgetReactions(evicted)
		if !ok {
			f.touchConversation(message.ConversationID, message.Content)
		}
		return true
	case backend.EventUpdate:
		f.mu.Lock()
		defer f.mu.Unlock()
		existing, ok := f.messages[message.ID]
		if !ok {
			return false
		}
		if existing.Content == message.Content && existing.IsEdited == message.IsEdited {
			return false
		}
		f.messages[message.ID] = message
		return true
	case backend.EventDelete:
		return f.removeMessage(message.ID)
	default:
		return false
	}
}

// ApplyConversationEvent keeps previews current and counts unread messages
// for conversations other than the active one.
func (f *chatFeed) ApplyConversationEvent(event backend.ChangeEvent) bool {
	if event.Table != models.TableConversations {
		return false
	}

	var conversation models.Conversation
	if err := repository.DecodeRow(event.Record(), &conversation); err != nil || conversation.ID == "" {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch event.Type {
	case backend.EventDelete:
		if _, ok := f.conversations[conversation.ID]; !ok {
			return false
		}
		delete(f.conversations, conversation.ID)
		return true
	case backend.EventInsert, backend.EventUpdate:
		local, ok := f.conversations[conversation.ID]
		if !ok {
			local = &models.Conversation{ID: conversation.ID}
			f.conversations[conversation.ID] = local
		}
		previewChanged := conversation.LastMessage != "" && conversation.LastMessage != local.LastMessage
		local.Name = conversation.Name
		local.IsGlobal = conversation.IsGlobal
		local.IsGroup = conversation.IsGroup
		local.UpdatedAt = conversation.UpdatedAt
		if previewChanged {
			local.LastMessage = conversation.LastMessage
			if event.Type == backend.EventUpdate && conversation.ID != f.active {
				local.Unread++
			}
		}
		return true
	default:
		return false
	}
}

// Close tears down the active conversation channel.
func (f *chatFeed) Close() error {
	f.mu.Lock()
	sub := f.activeSub
	f.activeSub = nil
	f.active = ""
	f.mu.Unlock()

	if sub != nil {
		return sub.Close()
	}
	return nil
}

func (f *chatFeed) upsertMessage(message models.ChatMessage) {
	f.mu.Lock()
	evicted := f.storeLocked(message)
	f.mu.Unlock()
	f.forgetReactions(evicted)
}

// storeLocked saves the message and drops the oldest messages of its
// conversation beyond the kept count. It returns the dropped ids.
func (f *chatFeed) storeLocked(message models.ChatMessage) []string {
	f.messages[message.ID] = message

	var inConversation []models.ChatMessage
	for _, candidate := range f.messages {
		if candidate.ConversationID == message.ConversationID {
			inConversation = append(inConversation, candidate)
		}
	}
	if f.keep <= 0 || len(inConversation) <= f.keep {
		return nil
	}

	sort.Slice(inConversation, func(i, j int) bool {
		if inConversation[i].CreatedAt.Equal(inConversation[j].CreatedAt) {
			return inConversation[i].ID < inConversation[j].ID
		}
		return inConversation[i].CreatedAt.Before(inConversation[j].CreatedAt)
	})
	excess := inConversation[:len(inConversation)-f.keep]
	evicted := make([]string, 0, len(excess))
	for _, old := range excess {
		delete(f.messages, old.ID)
		evicted = append(evicted, old.ID)
	}
	return evicted
}

func (f *chatFeed) forgetReactions(messageIDs []string) {
	if f.reactions == nil {
		return
	}
	for _, id := range messageIDs {
		f.reactions.Forget(id)
	}
}

func (f *chatFeed) removeMessage(messageID string) bool {
	f.mu.Lock()
	_, ok := f.messages[messageID]
	delete(f.messages, messageID)
	f.mu.Unlock()

	if ok && f.reactions != nil {
		f.reactions.Forget(messageID)
	}
	return ok
}

func (f *chatFeed) touchConversation(conversationID, lastMessage string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conversation, ok := f.conversations[conversationID]
	if !ok {
		conversation = &models.Conversation{ID: conversationID, IsGlobal: conversationID == models.GlobalConversationID}
		f.conversations[conversationID] = conversation
	}
	conversation.LastMessage = lastMessage
}

func (f *chatFeed) rememberConversation(conversation models.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if local, ok := f.conversations[conversation.ID]; ok {
		conversation.Unread = local.Unread
	}
	stored := conversation
	f.conversations[conversation.ID] = &stored
}

func (f *chatFeed) notify(ctx context.Context, userID, code, message string) {
	if f.notifier == nil {
		return
	}
	f.notifier.Notify(ctx, userID, Notice{Level: NoticeError, Code: code, Message: message})
}

func senderName(sender ChatSender) string {
	name := strings.TrimSpace(sender.Name)
	if name != "" {
		return name
	}
	if IsGuest(sender.UserID) {
		return "Guest"
	}
	return "Member"
}
