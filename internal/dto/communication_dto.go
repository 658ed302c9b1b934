package dto

import (
	"time"

	"github.com/noah-isme/polymath-api/internal/models"
)

// ChatSendRequest is the payload of a new chat message.
type ChatSendRequest struct {
	Content    string `json:"content" validate:"required,min=1,max=4000"`
	SenderName string `json:"sender_name" validate:"omitempty,max=128"`
	EffectType string `json:"effect_type" validate:"omitempty,oneof=none confetti fireworks shake glow"`
	ReplyTo    string `json:"reply_to" validate:"omitempty,max=64"`
	GuestID    string `json:"guest_id" validate:"omitempty,max=64"`
}

// ChatEditRequest is the payload of a message edit.
type ChatEditRequest struct {
	Content string `json:"content" validate:"required,min=1,max=4000"`
}

// ChatHistoryQuery filters a conversation's messages.
type ChatHistoryQuery struct {
	Limit int `query:"limit" validate:"omitempty,min=1,max=100"`
}

// ChatReactionRequest adds or removes an emoji reaction.
type ChatReactionRequest struct {
	Emoji   string `json:"emoji" validate:"required,max=32"`
	GuestID string `json:"guest_id" validate:"omitempty,max=64"`
}

// ChatMessageResponse is the serialized representation of a chat message.
type ChatMessageResponse struct {
	ID             string                `json:"id"`
	ConversationID string                `json:"conversation_id"`
	UserID         string                `json:"user_id"`
	SenderName     string                `json:"sender_name"`
	Content        string                `json:"content"`
	EffectType     string                `json:"effect_type,omitempty"`
	ReplyTo        string                `json:"reply_to,omitempty"`
	IsEdited       bool                  `json:"is_edited"`
	Pending        bool                  `json:"pending,omitempty"`
	Reactions      []models.ChatReaction `json:"reactions"`
	CreatedAt      time.Time             `json:"created_at"`
}

// NewChatMessageResponse converts a model into a DTO.
func NewChatMessageResponse(message models.ChatMessage, reactions []models.ChatReaction) ChatMessageResponse {
	if reactions == nil {
		reactions = []models.ChatReaction{}
	}
	return ChatMessageResponse{
		ID:             message.ID,
		ConversationID: message.ConversationID,
		UserID:         message.UserID,
		SenderName:     message.SenderName,
		Content:        message.Content,
		EffectType:     message.EffectType,
		ReplyTo:        message.ReplyTo,
		IsEdited:       message.IsEdited,
		Pending:        message.Pending,
		Reactions:      reactions,
		CreatedAt:      message.CreatedAt,
	}
}

// ConversationResponse is the serialized representation of a conversation.
type ConversationResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	LastMessage string `json:"last_message"`
	Unread      int    `json:"unread"`
	IsGlobal    bool   `json:"is_global"`
	IsGroup     bool   `json:"is_group"`
}

// NewConversationResponse converts a model into a DTO.
func NewConversationResponse(conversation models.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:          conversation.ID,
		Name:        conversation.Name,
		LastMessage: conversation.LastMessage,
		Unread:      conversation.Unread,
		IsGlobal:    conversation.IsGlobal,
		IsGroup:     conversation.IsGroup,
	}
}

// NewConversationResponseSlice converts a slice of models into DTOs.
func NewConversationResponseSlice(conversations []models.Conversation) []ConversationResponse {
	out := make([]ConversationResponse, 0, len(conversations))
	for _, conversation := range conversations {
		out = append(out, NewConversationResponse(conversation))
	}
	return out
}
