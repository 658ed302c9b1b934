package repository

import (
	"context"
	"errors"
	"time"

	"github.com/noah-isme/polymath-api/internal/backend"
	"github.com/noah-isme/polymath-api/internal/models"
)

const defaultMessagePage = 50

// ChatRepository reads and writes chat rows through the backend row API, so
// every write is also published as a change event.
type ChatRepository interface {
	Save(ctx context.Context, message models.ChatMessage) (models.ChatMessage, error)
	FindMessage(ctx context.Context, id string) (models.ChatMessage, error)
	UpdateMessage(ctx context.Context, id string, patch backend.Row) error
	DeleteMessage(ctx context.Context, id string) error
	ListByConversation(ctx context.Context, conversationID string, limit int) ([]models.ChatMessage, error)
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	FindConversation(ctx context.Context, id string) (models.Conversation, error)
	SaveConversation(ctx context.Context, conversation models.Conversation) (models.Conversation, error)
	TouchConversation(ctx context.Context, id, lastMessage string) error
}

type chatRepository struct {
	rows backend.Rows
	now  func() time.Time
}

// NewChatRepository constructs a chat repository over the row API.
func NewChatRepository(rows backend.Rows) ChatRepository {
	return &chatRepository{rows: rows, now: time.Now}
}

func (r *chatRepository) Save(ctx context.Context, message models.ChatMessage) (models.ChatMessage, error) {
	row := backend.Row{
		"id":              message.ID,
		"conversation_id": message.ConversationID,
		"user_id":         message.UserID,
		"sender_name":     message.SenderName,
		"content":         message.Content,
		"effect_type":     message.EffectType,
		"reply_to":        message.ReplyTo,
		"is_edited":       message.IsEdited,
	}
	if !message.CreatedAt.IsZero() {
		row["created_at"] = message.CreatedAt.UTC()
		row["updated_at"] = message.CreatedAt.UTC()
	} else {
		row["updated_at"] = r.now().UTC()
	}

	inserted, err := r.rows.Insert(ctx, models.TableChatMessages, row)
	if err != nil {
		return models.ChatMessage{}, err
	}

	var saved models.ChatMessage
	if err := DecodeRow(inserted, &saved); err != nil {
		return models.ChatMessage{}, err
	}
	return saved, nil
}

func (r *chatRepository) FindMessage(ctx context.Context, id string) (models.ChatMessage, error) {
	rows, err := r.rows.Select(ctx, models.TableChatMessages, backend.Query{Filter: backend.Filter{"id": id}, Limit: 1})
	if err != nil {
		return models.ChatMessage{}, err
	}
	if len(rows) == 0 {
		return models.ChatMessage{}, backend.ErrNotFound
	}

	var message models.ChatMessage
	if err := DecodeRow(rows[0], &message); err != nil {
		return models.ChatMessage{}, err
	}
	return message, nil
}

func (r *chatRepository) UpdateMessage(ctx context.Context, id string, patch backend.Row) error {
	if _, ok := patch["updated_at"]; !ok {
		patch["updated_at"] = r.now().UTC()
	}
	return r.rows.Update(ctx, models.TableChatMessages, patch, backend.Filter{"id": id})
}

func (r *chatRepository) DeleteMessage(ctx context.Context, id string) error {
	return r.rows.Delete(ctx, models.TableChatMessages, backend.Filter{"id": id})
}

func (r *chatRepository) ListByConversation(ctx context.Context, conversationID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 || limit > 100 {
		limit = defaultMessagePage
	}

	rows, err := r.rows.Select(ctx, models.TableChatMessages, backend.Query{
		Filter: backend.Filter{"conversation_id": conversationID},
		Order:  "created_at",
		Desc:   true,
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}

	messages := make([]models.ChatMessage, len(rows))
	for i, row := range rows {
		if err := DecodeRow(row, &messages[i]); err != nil {
			return nil, err
		}
	}

	// Newest page first from the backend, oldest first for callers.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *chatRepository) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	rows, err := r.rows.Select(ctx, models.TableConversations, backend.Query{Order: "updated_at", Desc: true})
	if err != nil {
		return nil, err
	}

	conversations := make([]models.Conversation, len(rows))
	for i, row := range rows {
		if err := DecodeRow(row, &conversations[i]); err != nil {
			return nil, err
		}
	}
	return conversations, nil
}

func (r *chatRepository) FindConversation(ctx context.Context, id string) (models.Conversation, error) {
	rows, err := r.rows.Select(ctx, models.TableConversations, backend.Query{Filter: backend.Filter{"id": id}, Limit: 1})
	if err != nil {
		return models.Conversation{}, err
	}
	if len(rows) == 0 {
		return models.Conversation{}, backend.ErrNotFound
	}

	var conversation models.Conversation
	if err := DecodeRow(rows[0], &conversation); err != nil {
		return models.Conversation{}, err
	}
	return conversation, nil
}

func (r *chatRepository) SaveConversation(ctx context.Context, conversation models.Conversation) (models.Conversation, error) {
	existing, err := r.FindConversation(ctx, conversation.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, backend.ErrNotFound) {
		return models.Conversation{}, err
	}

	inserted, err := r.rows.Insert(ctx, models.TableConversations, backend.Row{
		"id":           conversation.ID,
		"name":         conversation.Name,
		"last_message": conversation.LastMessage,
		"is_global":    conversation.IsGlobal,
		"is_group":     conversation.IsGroup,
		"updated_at":   r.now().UTC(),
	})
	if err != nil {
		return models.Conversation{}, err
	}

	var saved models.Conversation
	if err := DecodeRow(inserted, &saved); err != nil {
		return models.Conversation{}, err
	}
	return saved, nil
}

func (r *chatRepository) TouchConversation(ctx context.Context, id, lastMessage string) error {
	return r.rows.Update(ctx, models.TableConversations, backend.Row{
		"last_message": lastMessage,
		"updated_at":   r.now().UTC(),
	}, backend.Filter{"id": id})
}
