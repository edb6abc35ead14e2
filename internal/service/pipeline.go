package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"condo-assistant/internal/assistant"
	"condo-assistant/internal/metrics"
	"condo-assistant/internal/model"
	"condo-assistant/internal/storage"
	"condo-assistant/internal/stream"
	"condo-assistant/pkg/logger"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// SendResult describes a completed send. The persist tasks resolve once the
// corresponding store write has succeeded or given up.
type SendResult struct {
	ConversationID   string
	UserMessage      model.Message
	Message          model.Message
	UserPersist      *PersistTask
	AssistantPersist *PersistTask

	// Title is set when this send named the conversation.
	Title        string
	TitlePersist *PersistTask

	// Reloaded is closed after a reload deferred during the stream has run.
	// It is nil when no reload was deferred.
	Reloaded <-chan struct{}
}

// Pipeline sends one user utterance at a time and streams the reply into
// the MessageList.
type Pipeline struct {
	manager      *ConversationManager
	guard        *RaceGuard
	list         *MessageList
	store        storage.Storage
	queue        *PersistQueue
	streamer     assistant.Streamer
	tokens       assistant.TokenSource
	systemPrompt string
	now          func() time.Time
}

type PipelineOptions struct {
	Store        storage.Storage
	Streamer     assistant.Streamer
	Tokens       assistant.TokenSource
	Queue        *PersistQueue
	SystemPrompt string
}

func NewPipeline(manager *ConversationManager, opts PipelineOptions) *Pipeline {
	return &Pipeline{
		manager:      manager,
		guard:        manager.guard,
		list:         manager.list,
		store:        opts.Store,
		queue:        opts.Queue,
		streamer:     opts.Streamer,
		tokens:       opts.Tokens,
		systemPrompt: strings.TrimSpace(opts.SystemPrompt),
		now:          time.Now,
	}
}

// session is the state of one in-flight reply.
type session struct {
	mu          sync.Mutex
	user        model.Message
	placeholder model.Message
	text        strings.Builder
}

func (s *session) append(fragment string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text.WriteString(fragment)
	return s.text.String()
}

func (s *session) setPlaceholder(msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placeholder = msg
}

func (s *session) placeholderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placeholder.ID
}

// messages returns the user turn and, once it exists, the placeholder with
// the text received so far.
func (s *session) messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.placeholder.ID == "" {
		return []model.Message{s.user}
	}
	placeholder := s.placeholder
	placeholder.Content = s.text.String()
	return []model.Message{s.user, placeholder}
}

// SendMessage sends text in conversationID, or in the selected conversation
// when conversationID is empty, creating one if none is selected. It returns
// (nil, nil) for blank text and ErrSendInProgress while another send runs.
// Failures are returned as *PipelineError; the user message stays in the
// list and the placeholder is removed.
func (p *Pipeline) SendMessage(ctx context.Context, text, conversationID string) (result *SendResult, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	if !p.guard.BeginStream() {
		return nil, ErrSendInProgress
	}

	var assistantTask *PersistTask
	var reloaded chan struct{}
	defer func() {
		if pending, ok := p.guard.EndStream(); ok {
			reloaded = make(chan struct{})
			go p.rerunReload(context.WithoutCancel(ctx), pending, assistantTask, reloaded)
		}
		if result != nil && reloaded != nil {
			result.Reloaded = reloaded
		}
	}()

	start := p.now()
	var skipped int
	defer func() {
		metrics.RecordStream(metricOutcome(err), p.now().Sub(start).Seconds(), skipped)
	}()

	token, err := p.tokens.Token(ctx)
	if err != nil {
		return nil, newPipelineError(KindUnauthenticated, err)
	}

	if conversationID != "" && conversationID != p.guard.Current() {
		if err := p.manager.Select(ctx, conversationID); err != nil {
			return nil, err
		}
	}

	conversationID = p.guard.Current()
	if conversationID == "" {
		conversation, err := p.manager.Create(ctx, "")
		if err != nil {
			return nil, newPipelineError(KindPersistence, fmt.Errorf("%w: %v", ErrConversationMissing, err))
		}
		conversationID = conversation.ID
	}

	fields := logrus.Fields{"conversation_id": conversationID}

	s := &session{}
	s.user = model.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           model.RoleUser,
		Content:        text,
		CreatedAt:      p.now(),
	}
	history, err := p.show(ctx, conversationID)
	if err != nil {
		pe := newPipelineError(KindPersistence, err)
		pe.Message = msgHistory
		return nil, pe
	}
	p.guard.BindStream(conversationID, s.messages)

	if err := p.appendVisible(s.user); err != nil {
		return nil, err
	}
	userTask := p.persist(OpAppendUser, conversationID, s.user)

	firstPair := countReplies(history) == 0
	payload := p.payload(append(history, s.user))

	assistantAt := p.now()
	if !assistantAt.After(s.user.CreatedAt) {
		assistantAt = s.user.CreatedAt.Add(time.Millisecond)
	}
	placeholder := model.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           model.RoleAssistant,
		CreatedAt:      assistantAt,
		Streaming:      true,
	}
	s.setPlaceholder(placeholder)
	if err := p.appendVisible(placeholder); err != nil {
		return nil, err
	}

	fields["message_id"] = placeholder.ID
	logger.WithFields(fields).Debugf("Streaming reply for %d messages", len(payload))

	var reply string
	reply, skipped, err = p.stream(ctx, token, payload, s)
	if skipped > 0 {
		logger.WithFields(fields).Debugf("Skipped %d malformed frames", skipped)
	}
	if err != nil {
		p.list.Remove(placeholder.ID)
		pe := classify(err)
		logger.WithFields(fields).Warnf("Stream failed: %v", pe)
		return nil, pe
	}

	final := placeholder
	final.Content = reply
	final.Streaming = false
	p.list.UpdateContent(final.ID, final.Content, false)
	assistantTask = p.persist(OpAppendAssistant, conversationID, final)

	result = &SendResult{
		ConversationID:   conversationID,
		UserMessage:      s.user,
		Message:          final,
		UserPersist:      userTask,
		AssistantPersist: assistantTask,
	}

	if firstPair {
		title := p.manager.TitleFor(text)
		result.Title = title
		result.TitlePersist = p.queue.Submit(OpRename, fields, func(ctx context.Context) error {
			return p.store.RenameConversation(ctx, conversationID, title)
		})
	}

	logger.WithFields(fields).Debugf("Stream finished with %d runes", len([]rune(reply)))
	return result, nil
}

func (p *Pipeline) stream(ctx context.Context, token string, payload []openai.ChatCompletionMessage, s *session) (string, int, error) {
	body, err := p.streamer.Stream(ctx, token, payload)
	if err != nil {
		return "", 0, err
	}
	defer body.Close()

	reader, err := stream.Consume(ctx, body, func(fragment string) {
		p.list.UpdateContent(s.placeholderID(), s.append(fragment), true)
	})
	if err != nil {
		return "", reader.Skipped(), err
	}

	reply := reader.Text()
	if strings.TrimSpace(reply) == "" {
		// A blank assistant turn is never finalized or stored; the
		// placeholder is removed like on any other failed stream.
		return "", reader.Skipped(), fmt.Errorf("%w: empty reply", assistant.ErrTransport)
	}
	return reply, reader.Skipped(), nil
}

// show makes the list display conversationID and returns the conversation's
// messages before the new turn. It runs before the stream is bound, so the
// replacement goes through the guard like any other reload.
func (p *Pipeline) show(ctx context.Context, conversationID string) ([]model.Message, error) {
	shown, messages := p.list.Snapshot()
	if shown == conversationID {
		return messages, nil
	}

	generation := p.guard.Generation()
	stored, err := p.manager.fetch(ctx, conversationID, generation)
	if err != nil {
		logger.WithFields(logrus.Fields{"conversation_id": conversationID}).Warnf("Failed to load history: %v", err)
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	p.guard.TryReload(conversationID, generation, func([]model.Message) {
		p.list.Reset(conversationID, stored)
	})
	return stored, nil
}

// appendVisible appends msg to the list. Missing the list is only acceptable
// when the user has moved to another conversation; the stream then carries
// on out of view.
func (p *Pipeline) appendVisible(msg model.Message) error {
	if p.list.Append(msg) {
		return nil
	}
	if p.guard.Current() != msg.ConversationID {
		logger.WithFields(logrus.Fields{"conversation_id": msg.ConversationID, "message_id": msg.ID}).
			Debug("Conversation no longer selected; streaming out of view")
		return nil
	}
	return fmt.Errorf("%w: %s", ErrListDetached, msg.ConversationID)
}

func (p *Pipeline) payload(messages []model.Message) []openai.ChatCompletionMessage {
	payload := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if p.systemPrompt != "" {
		payload = append(payload, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: p.systemPrompt,
		})
	}

	for _, msg := range messages {
		if msg.Streaming || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		role := openai.ChatMessageRoleUser
		if msg.Role == model.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		payload = append(payload, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}
	return payload
}

// countReplies counts finished assistant turns. A user turn left behind by a
// failed send does not make a pair.
func countReplies(messages []model.Message) int {
	n := 0
	for _, msg := range messages {
		if msg.Role == model.RoleAssistant && !msg.Streaming {
			n++
		}
	}
	return n
}

func (p *Pipeline) persist(op PersistOp, conversationID string, msg model.Message) *PersistTask {
	fields := logrus.Fields{"conversation_id": conversationID, "message_id": msg.ID}
	return p.queue.Submit(op, fields, func(ctx context.Context) error {
		return p.store.AppendMessage(ctx, conversationID, msg)
	})
}

// rerunReload replays a reload that was held back during the stream, once
// the assistant message has been written.
func (p *Pipeline) rerunReload(ctx context.Context, conversationID string, after *PersistTask, done chan struct{}) {
	defer close(done)

	if after != nil {
		after.Wait(ctx)
	}
	if _, err := p.manager.reloadConversation(ctx, conversationID); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithFields(logrus.Fields{"conversation_id": conversationID}).Warnf("Deferred reload failed: %v", err)
	}
}

// Streaming reports whether a send is in progress.
func (p *Pipeline) Streaming() bool {
	return p.guard.Streaming()
}
