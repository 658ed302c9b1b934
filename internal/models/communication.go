package models

import (
	"time"

	"gorm.io/datatypes"
)

// Chat table names.
const (
	TableChatMessages  = "chat_messages"
	TableConversations = "conversations"
	TableChatReactions = "chat_reactions"
)

// GlobalConversationID is the conversation every session can read.
const GlobalConversationID = "global"

// ChatMessage is a message posted into a conversation.
type ChatMessage struct {
	ID             string            `gorm:"primaryKey;size:64" json:"id" mapstructure:"id"`
	ConversationID string            `gorm:"size:64;index" json:"conversation_id" mapstructure:"conversation_id"`
	UserID         string            `gorm:"size:64;index" json:"user_id" mapstructure:"user_id"`
	SenderName     string            `gorm:"size:128" json:"sender_name" mapstructure:"sender_name"`
	Content        string            `gorm:"type:text" json:"content" mapstructure:"content"`
	EffectType     string            `gorm:"size:32" json:"effect_type,omitempty" mapstructure:"effect_type"`
	ReplyTo        string            `gorm:"size:64" json:"reply_to,omitempty" mapstructure:"reply_to"`
	IsEdited       bool              `gorm:"not null;default:false" json:"is_edited" mapstructure:"is_edited"`
	Metadata       datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty" mapstructure:"metadata"`
	CreatedAt      time.Time         `json:"created_at" mapstructure:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" mapstructure:"updated_at"`

	// Pending marks a local optimistic copy that the backend has not echoed.
	Pending bool `gorm:"-" json:"pending,omitempty" mapstructure:"-"`
}

// TableName binds the model to its backend table.
func (ChatMessage) TableName() string { return TableChatMessages }

// Conversation is a chat room as seen by the local session.
type Conversation struct {
	ID          string    `gorm:"primaryKey;size:64" json:"id" mapstructure:"id"`
	Name        string    `gorm:"size:128" json:"name" mapstructure:"name"`
	LastMessage string    `gorm:"type:text" json:"last_message" mapstructure:"last_message"`
	IsGlobal    bool      `gorm:"not null;default:false" json:"is_global" mapstructure:"is_global"`
	IsGroup     bool      `gorm:"not null;default:false" json:"is_group" mapstructure:"is_group"`
	CreatedAt   time.Time `json:"created_at" mapstructure:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" mapstructure:"updated_at"`

	Unread int `gorm:"-" json:"unread" mapstructure:"-"`
}

// TableName binds the model to its backend table.
func (Conversation) TableName() string { return TableConversations }

// ChatReactionRecord is one user's emoji on one message.
type ChatReactionRecord struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id" mapstructure:"id"`
	MessageID string    `gorm:"size:64;uniqueIndex:idx_chat_reaction_member" json:"message_id" mapstructure:"message_id"`
	Emoji     string    `gorm:"size:32;uniqueIndex:idx_chat_reaction_member" json:"emoji" mapstructure:"emoji"`
	UserID    string    `gorm:"size:64;uniqueIndex:idx_chat_reaction_member" json:"user_id" mapstructure:"user_id"`
	CreatedAt time.Time `json:"created_at" mapstructure:"created_at"`
}

// TableName binds the model to its backend table.
func (ChatReactionRecord) TableName() string { return TableChatReactions }

// ChatReaction is the grouped view of one emoji on one message.
type ChatReaction struct {
	Emoji     string   `json:"emoji"`
	MessageID string   `json:"message_id"`
	Users     []string `json:"users"`
	Count     int      `json:"count"`
}
