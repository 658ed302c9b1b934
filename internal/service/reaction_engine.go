package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/polymath-api/internal/backend"
	"github.com/noah-isme/polymath-api/internal/models"
	"github.com/noah-isme/polymath-api/internal/observability"
	"github.com/noah-isme/polymath-api/internal/repository"
)

// ErrInvalidReaction is returned for an empty message id, emoji or user id.
var ErrInvalidReaction = errors.New("message id, emoji and user id are required")

// ReactionEngine keeps per-message emoji reactions. Guest reactions stay
// local; authenticated reactions are confirmed against the repository when
// one is configured.
type ReactionEngine interface {
	AddReaction(ctx context.Context, messageID, emoji, userID string) ([]models.ChatReaction, error)
	RemoveReaction(ctx context.Context, messageID, emoji, userID string) ([]models.ChatReaction, error)
	Reactions(messageID string) []models.ChatReaction
	Load(ctx context.Context, messageID string) ([]models.ChatReaction, error)
	ApplyEvent(event backend.ChangeEvent) bool
	Forget(messageID string)
}

type reactionEntry struct {
	emoji string
	users []string
}

func (e *reactionEntry) has(userID string) bool {
	for _, user := range e.users {
		if user == userID {
			return true
		}
	}
	return false
}

func (e *reactionEntry) without(userID string) {
	for i, user := range e.users {
		if user == userID {
			e.users = append(e.users[:i], e.users[i+1:]...)
			return
		}
	}
}

type messageReactions struct {
	entries []*reactionEntry
}

func (m *messageReactions) find(emoji string) *reactionEntry {
	for _, entry := range m.entries {
		if entry.emoji == emoji {
			return entry
		}
	}
	return nil
}

// add records the membership and reports whether it was new.
func (m *messageReactions) add(emoji, userID string) bool {
	entry := m.find(emoji)
	if entry == nil {
		entry = &reactionEntry{emoji: emoji}
		m.entries = append(m.entries, entry)
	}
	if entry.has(userID) {
		return false
	}
	entry.users = append(entry.users, userID)
	return true
}

// remove drops the membership, pruning emptied entries, and reports whether it existed.
func (m *messageReactions) remove(emoji, userID string) bool {
	entry := m.find(emoji)
	if entry == nil || !entry.has(userID) {
		return false
	}
	entry.without(userID)
	if len(entry.users) == 0 {
		for i, candidate := range m.entries {
			if candidate == entry {
				m.entries = append(m.entries[:i], m.entries[i+1:]...)
				break
			}
		}
	}
	return true
}

// keyedMutex serializes work per key. Locks are dropped once nobody holds
// or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

type reactionEngine struct {
	repo     repository.ReactionRepository
	notifier Notifier
	logger   zerolog.Logger
	// inflight orders adds and removes of one membership so the local copy
	// and the stored row settle on the same answer.
	inflight keyedMutex

	mu       sync.Mutex
	messages map[string]*messageReactions
}

func membershipKey(messageID, emoji, userID string) string {
	return messageID + "|" + emoji + "|" + userID
}

// NewReactionEngine constructs a reaction engine. repo may be nil, in which
// case every reaction stays local.
func NewReactionEngine(repo repository.ReactionRepository, notifier Notifier, logger zerolog.Logger) ReactionEngine {
	return &reactionEngine{
		repo:     repo,
		notifier: notifier,
		logger:   logger.With().Str("component", "reaction_engine").Logger(),
		messages: make(map[string]*messageReactions),
	}
}

func (e *reactionEngine) AddReaction(ctx context.Context, messageID, emoji, userID string) ([]models.ChatReaction, error) {
	messageID, emoji, userID, err := normalizeReaction(messageID, emoji, userID)
	if err != nil {
		return nil, err
	}
	unlock := e.inflight.lock(membershipKey(messageID, emoji, userID))
	defer unlock()

	e.mu.Lock()
	added := e.messageLocked(messageID).add(emoji, userID)
	e.mu.Unlock()

	if !added {
		observability.ChatReactions().WithLabelValues("add", "noop").Inc()
		return e.Reactions(messageID), nil
	}

	if e.persists(userID) {
		record := models.ChatReactionRecord{ID: uuid.NewString(), MessageID: messageID, Emoji: emoji, UserID: userID}
		if err := e.repo.Add(ctx, record); err != nil {
			e.mu.Lock()
			e.messageLocked(messageID).remove(emoji, userID)
			e.mu.Unlock()
			return e.Reactions(messageID), e.fail(ctx, userID, "add", err)
		}
	}

	observability.ChatReactions().WithLabelValues("add", "ok").Inc()
	return e.Reactions(messageID), nil
}

func (e *reactionEngine) RemoveReaction(ctx context.Context, messageID, emoji, userID string) ([]models.ChatReaction, error) {
	messageID, emoji, userID, err := normalizeReaction(messageID, emoji, userID)
	if err != nil {
		return nil, err
	}
	unlock := e.inflight.lock(membershipKey(messageID, emoji, userID))
	defer unlock()

	e.mu.Lock()
	removed := e.messageLocked(messageID).remove(emoji, userID)
	e.mu.Unlock()

	if !removed {
		observability.ChatReactions().WithLabelValues("remove", "noop").Inc()
		return e.Reactions(messageID), nil
	}

	if e.persists(userID) {
		if err := e.repo.Remove(ctx, messageID, emoji, userID); err != nil {
			e.mu.Lock()
			e.messageLocked(messageID).add(emoji, userID)
			e.mu.Unlock()
			return e.Reactions(messageID), e.fail(ctx, userID, "remove", err)
		}
	}

	observability.ChatReactions().WithLabelValues("remove", "ok").Inc()
	return e.Reactions(messageID), nil
}

// Reactions returns the visible reactions of a message in first-added order.
// Zero-count entries never appear.
func (e *reactionEngine) Reactions(messageID string) []models.ChatReaction {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.messages[messageID]
	if !ok {
		return []models.ChatReaction{}
	}

	reactions := make([]models.ChatReaction, 0, len(state.entries))
	for _, entry := range state.entries {
		if len(entry.users) == 0 {
			continue
		}
		reactions = append(reactions, models.ChatReaction{
			Emoji:     entry.emoji,
			MessageID: messageID,
			Users:     append([]string(nil), entry.users...),
			Count:     len(entry.users),
		})
	}
	return reactions
}

// Load replaces the local reactions of a message with the persisted ones.
func (e *reactionEngine) Load(ctx context.Context, messageID string) ([]models.ChatReaction, error) {
	if e.repo == nil {
		return e.Reactions(messageID), nil
	}

	records, err := e.repo.ListByMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("load reactions for %s: %w", messageID, err)
	}

	state := &messageReactions{}
	for _, record := range records {
		state.add(record.Emoji, record.UserID)
	}

	e.mu.Lock()
	e.messages[messageID] = state
	e.mu.Unlock()
	return e.Reactions(messageID), nil
}

// ApplyEvent merges a chat_reactions change pushed by the backend. Memberships
// are sets, so echoes of local writes are no-ops.
func (e *reactionEngine) ApplyEvent(event backend.ChangeEvent) bool {
	if event.Table != models.TableChatReactions {
		return false
	}

	row := event.Record()
	messageID, emoji, userID, err := normalizeReaction(row.String("message_id"), row.String("emoji"), row.String("user_id"))
	if err != nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch event.Type {
	case backend.EventInsert:
		return e.messageLocked(messageID).add(emoji, userID)
	case backend.EventDelete:
		return e.messageLocked(messageID).remove(emoji, userID)
	default:
		return false
	}
}

// Forget drops the local reactions of a deleted message.
func (e *reactionEngine) Forget(messageID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.messages, messageID)
}

func (e *reactionEngine) messageLocked(messageID string) *messageReactions {
	state, ok := e.messages[messageID]
	if !ok {
		state = &messageReactions{}
		e.messages[messageID] = state
	}
	return state
}

func (e *reactionEngine) persists(userID string) bool {
	return e.repo != nil && !IsGuest(userID)
}

func (e *reactionEngine) fail(ctx context.Context, userID, action string, err error) error {
	observability.ChatReactions().WithLabelValues(action, "reverted").Inc()
	e.logger.Warn().Err(err).Str("action", action).Msg("reaction reverted")
	if e.notifier != nil {
		e.notifier.Notify(ctx, userID, Notice{Level: NoticeError, Code: NoticeWriteFailed, Message: "Could not save your reaction"})
	}
	return fmt.Errorf("%w: %w", ErrInteractionWriteFailed, err)
}

func normalizeReaction(messageID, emoji, userID string) (string, string, string, error) {
	messageID = strings.TrimSpace(messageID)
	emoji = strings.TrimSpace(emoji)
	userID = strings.TrimSpace(userID)
	if messageID == "" || emoji == "" || userID == "" {
		return "", "", "", ErrInvalidReaction
	}
	return messageID, emoji, userID, nil
}
