package repository

import (
	"context"

	"github.com/noah-isme/polymath-api/internal/backend"
	"github.com/noah-isme/polymath-api/internal/models"
)

// ReactionRepository persists chat reactions, one row per (message, emoji, user).
type ReactionRepository interface {
	Add(ctx context.Context, record models.ChatReactionRecord) error
	Remove(ctx context.Context, messageID, emoji, userID string) error
	ListByMessage(ctx context.Context, messageID string) ([]models.ChatReactionRecord, error)
}

type reactionRepository struct {
	rows backend.Rows
}

// NewReactionRepository constructs a reaction repository over the row API.
func NewReactionRepository(rows backend.Rows) ReactionRepository {
	return &reactionRepository{rows: rows}
}

func (r *reactionRepository) Add(ctx context.Context, record models.ChatReactionRecord) error {
	row := backend.Row{
		"message_id": record.MessageID,
		"emoji":      record.Emoji,
		"user_id":    record.UserID,
	}
	if record.ID != "" {
		row["id"] = record.ID
	}
	_, err := r.rows.Insert(ctx, models.TableChatReactions, row)
	return err
}

func (r *reactionRepository) Remove(ctx context.Context, messageID, emoji, userID string) error {
	return r.rows.Delete(ctx, models.TableChatReactions, backend.Filter{
		"message_id": messageID,
		"emoji":      emoji,
		"user_id":    userID,
	})
}

func (r *reactionRepository) ListByMessage(ctx context.Context, messageID string) ([]models.ChatReactionRecord, error) {
	rows, err := r.rows.Select(ctx, models.TableChatReactions, backend.Query{
		Filter: backend.Filter{"message_id": messageID},
		Order:  "created_at",
	})
	if err != nil {
		return nil, err
	}

	records := make([]models.ChatReactionRecord, len(rows))
	for i, row := range rows {
		if err := DecodeRow(row, &records[i]); err != nil {
			return nil, err
		}
	}
	return records, nil
}
