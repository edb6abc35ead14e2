package storage

import (
	"context"

	"condo-assistant/internal/model"
)

// Storage is the durable side of a conversation. Every call may fail
// independently; callers decide whether a failure is fatal.
type Storage interface {
	// Conversations
	CreateConversation(ctx context.Context, conversation *model.Conversation) error
	GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error)
	ListConversations(ctx context.Context) ([]*model.Conversation, error)
	RenameConversation(ctx context.Context, conversationID, title string) error
	DeleteConversation(ctx context.Context, conversationID string) error

	// Messages are returned in creation order. AppendMessage overwrites a
	// message with the same ID, so retried writes are harmless.
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	AppendMessage(ctx context.Context, conversationID string, message model.Message) error

	Init() error
	Close() error
}

// Backuper is implemented by stores that can snapshot their data on demand.
type Backuper interface {
	Backup() (string, error)
}
