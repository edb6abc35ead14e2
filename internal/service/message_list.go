package service

import (
	"sync"

	"condo-assistant/internal/model"
)

type ChangeType string

const (
	ChangeReset  ChangeType = "reset"
	ChangeAppend ChangeType = "append"
	ChangeUpdate ChangeType = "update"
	ChangeRemove ChangeType = "remove"
)

// Change describes one mutation of a MessageList. Message is set for append,
// update and remove; Messages for reset.
type Change struct {
	Type           ChangeType
	ConversationID string
	Message        *model.Message
	Messages       []model.Message
}

type Listener func(Change)

// MessageList is the ordered, observable view of the selected
// conversation. Listeners run after the list lock is released, one change
// at a time and in mutation order.
type MessageList struct {
	mu             sync.Mutex
	notifyMu       sync.Mutex
	conversationID string
	messages       []model.Message
	listeners      map[int]Listener
	nextListener   int
}

func NewMessageList() *MessageList {
	return &MessageList{listeners: make(map[int]Listener)}
}

// Subscribe registers fn and returns a function that removes it. Once the
// returned function has returned, fn is not running and will not be called
// again; it must not be called from inside a listener.
func (l *MessageList) Subscribe(fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextListener
	l.nextListener++
	l.listeners[id] = fn

	return func() {
		l.notifyMu.Lock()
		defer l.notifyMu.Unlock()
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.listeners, id)
	}
}

// Reset replaces the whole list with the messages of conversationID.
func (l *MessageList) Reset(conversationID string, messages []model.Message) {
	l.mutate(func() (Change, bool) {
		l.conversationID = conversationID
		l.messages = make([]model.Message, len(messages))
		copy(l.messages, messages)

		snapshot := make([]model.Message, len(l.messages))
		copy(snapshot, l.messages)
		return Change{Type: ChangeReset, ConversationID: conversationID, Messages: snapshot}, true
	})
}

// Append adds msg at the end. It is a no-op if msg belongs to a conversation
// other than the one shown or is already in the list.
func (l *MessageList) Append(msg model.Message) bool {
	return l.mutate(func() (Change, bool) {
		if msg.ConversationID != l.conversationID || l.indexLocked(msg.ID) >= 0 {
			return Change{}, false
		}
		l.messages = append(l.messages, msg)
		return Change{Type: ChangeAppend, ConversationID: l.conversationID, Message: &msg}, true
	})
}

// UpdateContent rewrites the content and streaming flag of the message with
// the given id. It reports false when the message is not in the list, which
// happens after the user switched conversations mid-stream.
func (l *MessageList) UpdateContent(id, content string, streaming bool) bool {
	return l.mutate(func() (Change, bool) {
		i := l.indexLocked(id)
		if i < 0 {
			return Change{}, false
		}
		l.messages[i].Content = content
		l.messages[i].Streaming = streaming
		msg := l.messages[i]
		return Change{Type: ChangeUpdate, ConversationID: l.conversationID, Message: &msg}, true
	})
}

func (l *MessageList) Remove(id string) bool {
	return l.mutate(func() (Change, bool) {
		i := l.indexLocked(id)
		if i < 0 {
			return Change{}, false
		}
		msg := l.messages[i]
		l.messages = append(l.messages[:i], l.messages[i+1:]...)
		return Change{Type: ChangeRemove, ConversationID: l.conversationID, Message: &msg}, true
	})
}

// Snapshot returns the shown conversation and a copy of its messages.
func (l *MessageList) Snapshot() (string, []model.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	messages := make([]model.Message, len(l.messages))
	copy(messages, l.messages)
	return l.conversationID, messages
}

func (l *MessageList) ConversationID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conversationID
}

// StreamingCount reports how many messages currently have Streaming set.
func (l *MessageList) StreamingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, m := range l.messages {
		if m.Streaming {
			n++
		}
	}
	return n
}

func (l *MessageList) indexLocked(id string) int {
	for i := range l.messages {
		if l.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// mutate applies fn under the list lock and then hands the resulting change
// to every listener with the lock released. notifyMu keeps deliveries in
// mutation order; listeners may read the list but must not mutate it.
func (l *MessageList) mutate(fn func() (Change, bool)) bool {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	l.mu.Lock()
	change, changed := fn()
	listeners := make([]Listener, 0, len(l.listeners))
	if changed {
		for _, listener := range l.listeners {
			listeners = append(listeners, listener)
		}
	}
	l.mu.Unlock()

	for _, listener := range listeners {
		listener(change)
	}
	return changed
}
