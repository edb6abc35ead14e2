package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"condo-assistant/internal/metrics"
	"condo-assistant/internal/model"
	"condo-assistant/internal/storage"
	"condo-assistant/pkg/logger"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const defaultTitleLength = 30

// ConversationManager owns the selected conversation of a workspace and
// keeps the MessageList in step with it.
type ConversationManager struct {
	store       storage.Storage
	guard       *RaceGuard
	list        *MessageList
	titleLength int
	reloads     singleflight.Group
	now         func() time.Time
}

func NewConversationManager(store storage.Storage, guard *RaceGuard, list *MessageList, titleLength int) *ConversationManager {
	if titleLength <= 0 {
		titleLength = defaultTitleLength
	}
	return &ConversationManager{
		store:       store,
		guard:       guard,
		list:        list,
		titleLength: titleLength,
		now:         time.Now,
	}
}

func (m *ConversationManager) Current() string {
	return m.guard.Current()
}

// Create stores a new conversation and selects it. The list is reset to the
// new, empty conversation.
func (m *ConversationManager) Create(ctx context.Context, title string) (*model.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = model.DefaultConversationTitle
	}

	now := m.now()
	conversation := &model.Conversation{
		ID:             uuid.New().String(),
		Title:          title,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	if err := m.store.CreateConversation(ctx, conversation); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	m.guard.Select(conversation.ID)
	m.guard.TryReload(conversation.ID, m.guard.Generation(), func([]model.Message) {
		m.list.Reset(conversation.ID, nil)
	})

	logger.WithFields(logrus.Fields{"conversation_id": conversation.ID}).Info("Conversation created")
	return conversation, nil
}

// Select switches to conversationID and reloads its history. The selection
// only moves once the history has been fetched, so a failed fetch leaves the
// previous conversation selected and shown. A stream in another conversation
// keeps running and persists to its own conversation.
func (m *ConversationManager) Select(ctx context.Context, conversationID string) error {
	if _, err := m.store.GetConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("failed to select conversation: %w", err)
	}

	generation := m.guard.Generation()
	stored, err := m.fetch(ctx, conversationID, generation)
	if err != nil {
		return fmt.Errorf("failed to select conversation: %w", err)
	}

	m.guard.Select(conversationID)
	applied := m.guard.TryReload(conversationID, generation, func(inflight []model.Message) {
		m.list.Reset(conversationID, mergeInflight(stored, inflight))
	})
	if !applied && m.list.ConversationID() != conversationID && m.guard.Current() == conversationID {
		// A stream touched the conversation while it was being fetched.
		if _, err := m.reloadConversation(ctx, conversationID); err != nil {
			return err
		}
	}
	return nil
}

// Reload refetches the selected conversation. It reports whether the result
// replaced the list; a reload that lost a race is not an error.
func (m *ConversationManager) Reload(ctx context.Context) (bool, error) {
	conversationID := m.guard.Current()
	if conversationID == "" {
		return false, nil
	}
	return m.reloadConversation(ctx, conversationID)
}

func (m *ConversationManager) reloadConversation(ctx context.Context, conversationID string) (bool, error) {
	generation := m.guard.Generation()

	if conversationID == "" {
		return m.guard.TryReload("", generation, func([]model.Message) {
			m.list.Reset("", nil)
		}), nil
	}

	stored, err := m.fetch(ctx, conversationID, generation)
	if err != nil {
		return false, fmt.Errorf("failed to reload conversation: %w", err)
	}

	return m.guard.TryReload(conversationID, generation, func(inflight []model.Message) {
		m.list.Reset(conversationID, mergeInflight(stored, inflight))
	}), nil
}

// fetch loads the stored history. Concurrent fetches of the same
// conversation within one generation share a single store call; a fetch from
// a later generation never joins an earlier one.
func (m *ConversationManager) fetch(ctx context.Context, conversationID string, generation uint64) ([]model.Message, error) {
	key := fmt.Sprintf("%s@%d", conversationID, generation)
	v, err, _ := m.reloads.Do(key, func() (interface{}, error) {
		return m.store.ListMessages(ctx, conversationID)
	})
	if err != nil {
		metrics.RecordReload("failed")
		return nil, err
	}
	return v.([]model.Message), nil
}

// mergeInflight appends the in-flight messages the store does not have yet.
func mergeInflight(stored, inflight []model.Message) []model.Message {
	if len(inflight) == 0 {
		return stored
	}

	merged := make([]model.Message, len(stored), len(stored)+len(inflight))
	copy(merged, stored)

	seen := make(map[string]int, len(stored))
	for i, msg := range stored {
		seen[msg.ID] = i
	}
	for _, msg := range inflight {
		if i, ok := seen[msg.ID]; ok {
			// The live copy is at least as fresh as the stored one.
			merged[i] = msg
			continue
		}
		merged = append(merged, msg)
	}
	return merged
}

func (m *ConversationManager) Rename(ctx context.Context, conversationID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("%w: empty title", storage.ErrInvalidData)
	}

	if err := m.store.RenameConversation(ctx, conversationID, title); err != nil {
		return fmt.Errorf("failed to rename conversation: %w", err)
	}
	return nil
}

// Conversations lists stored conversations, most recently active first.
func (m *ConversationManager) Conversations(ctx context.Context) ([]*model.Conversation, error) {
	conversations, err := m.store.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return conversations, nil
}

// Delete removes a conversation. The conversation of an active stream cannot
// be deleted. Deleting the selected conversation clears the selection.
func (m *ConversationManager) Delete(ctx context.Context, conversationID string) error {
	if m.guard.StreamingConversation() == conversationID {
		return ErrConversationBusy
	}

	if err := m.store.DeleteConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	if m.guard.Current() == conversationID {
		m.guard.Select("")
		_, _ = m.reloadConversation(ctx, "")
	}

	logger.WithFields(logrus.Fields{"conversation_id": conversationID}).Info("Conversation deleted")
	return nil
}

// TitleFor derives a conversation title from the first user utterance.
func (m *ConversationManager) TitleFor(text string) string {
	return truncateString(strings.TrimSpace(text), m.titleLength)
}

func truncateString(str string, maxLen int) string {
	runes := []rune(str)
	if len(runes) <= maxLen {
		return str
	}
	return string(runes[:maxLen]) + "..."
}
