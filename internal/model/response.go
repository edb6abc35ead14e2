package model

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn of a conversation. Content is mutable only while
// Streaming is true.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Streaming      bool      `json:"streaming"`
}

type Conversation struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// DefaultConversationTitle is used until the first message pair renames it.
const DefaultConversationTitle = "Nova conversa"

type ConversationResponse struct {
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Selected       bool      `json:"selected"`
}

type MessagesResponse struct {
	ConversationID string    `json:"conversation_id"`
	Streaming      bool      `json:"streaming"`
	Messages       []Message `json:"messages"`
}

// ChatEvent is the SSE payload relayed to the portal while a reply streams.
type ChatEvent struct {
	Type           string    `json:"type"` // reset, append, update, remove
	ConversationID string    `json:"conversation_id"`
	Message        *Message  `json:"message,omitempty"`
	Messages       []Message `json:"messages,omitempty"`
	Timestamp      int64     `json:"timestamp"`
}

type ChatErrorEvent struct {
	Error     string `json:"error"`
	Type      string `json:"type"`
	Status    int    `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

type ChatDoneEvent struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Title          string `json:"title,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}
