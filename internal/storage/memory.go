package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"condo-assistant/internal/model"
)

type MemoryStorage struct {
	conversations map[string]*model.Conversation
	messages      map[string][]model.Message
	mu            sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string][]model.Message),
	}
}

func (m *MemoryStorage) Init() error {
	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

func (m *MemoryStorage) CreateConversation(_ context.Context, conversation *model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conversation.ID]; exists {
		return ErrConversationExists
	}

	stored := *conversation
	m.conversations[conversation.ID] = &stored
	m.messages[conversation.ID] = nil
	return nil
}

func (m *MemoryStorage) GetConversation(_ context.Context, conversationID string) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conversation, exists := m.conversations[conversationID]
	if !exists {
		return nil, ErrConversationNotFound
	}

	result := *conversation
	return &result, nil
}

func (m *MemoryStorage) ListConversations(_ context.Context) ([]*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conversations := make([]*model.Conversation, 0, len(m.conversations))
	for _, conversation := range m.conversations {
		c := *conversation
		conversations = append(conversations, &c)
	}
	sortByActivity(conversations)

	return conversations, nil
}

func (m *MemoryStorage) RenameConversation(_ context.Context, conversationID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conversation, exists := m.conversations[conversationID]
	if !exists {
		return ErrConversationNotFound
	}

	conversation.Title = title
	return nil
}

func (m *MemoryStorage) DeleteConversation(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conversationID]; !exists {
		return ErrConversationNotFound
	}

	delete(m.conversations, conversationID)
	delete(m.messages, conversationID)
	return nil
}

func (m *MemoryStorage) ListMessages(_ context.Context, conversationID string) ([]model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, exists := m.conversations[conversationID]; !exists {
		return nil, ErrConversationNotFound
	}

	messages := make([]model.Message, len(m.messages[conversationID]))
	copy(messages, m.messages[conversationID])
	return messages, nil
}

func (m *MemoryStorage) AppendMessage(_ context.Context, conversationID string, message model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conversation, exists := m.conversations[conversationID]
	if !exists {
		return ErrConversationNotFound
	}

	m.messages[conversationID] = upsertMessage(m.messages[conversationID], conversationID, message)
	touch(conversation, message.CreatedAt)
	return nil
}

// upsertMessage replaces the message with the same ID or appends it, keeping
// the slice ordered by creation time.
func upsertMessage(messages []model.Message, conversationID string, message model.Message) []model.Message {
	message.ConversationID = conversationID
	message.Streaming = false

	for i := range messages {
		if messages[i].ID == message.ID {
			messages[i] = message
			return messages
		}
	}

	messages = append(messages, message)
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages
}

func touch(conversation *model.Conversation, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	if at.After(conversation.LastActivityAt) {
		conversation.LastActivityAt = at
	}
}

func sortByActivity(conversations []*model.Conversation) {
	sort.SliceStable(conversations, func(i, j int) bool {
		return conversations[i].LastActivityAt.After(conversations[j].LastActivityAt)
	})
}
