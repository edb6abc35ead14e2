package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"condo-assistant/internal/model"
	"condo-assistant/internal/storage"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func frame(content string) string {
	b, _ := json.Marshal(content)
	return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%s}}]}\n\n", b)
}

const doneFrame = "data: [DONE]\n\n"

// recordingStore counts appends on top of the in-memory store and can be
// told to fail them. onList runs once, after the next ListMessages has read
// the store and before it returns.
type recordingStore struct {
	*storage.MemoryStorage

	mu         sync.Mutex
	appends    []model.Message
	failAppend error
	failList   error
	onList     func()
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStorage: storage.NewMemoryStorage()}
}

func (s *recordingStore) AppendMessage(ctx context.Context, conversationID string, message model.Message) error {
	s.mu.Lock()
	s.appends = append(s.appends, message)
	fail := s.failAppend
	s.mu.Unlock()

	if fail != nil {
		return fail
	}
	return s.MemoryStorage.AppendMessage(ctx, conversationID, message)
}

func (s *recordingStore) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	messages, err := s.MemoryStorage.ListMessages(ctx, conversationID)

	s.mu.Lock()
	hook := s.onList
	s.onList = nil
	fail := s.failList
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	if fail != nil {
		return nil, fail
	}
	return messages, err
}

func (s *recordingStore) setFailList(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failList = err
}

// holdList makes the next ListMessages read the store, then wait for release.
// fetching is closed once the read has happened.
func (s *recordingStore) holdList() (fetching <-chan struct{}, release func()) {
	started := make(chan struct{})
	gate := make(chan struct{})
	s.mu.Lock()
	s.onList = func() {
		close(started)
		<-gate
	}
	s.mu.Unlock()

	var once sync.Once
	return started, func() { once.Do(func() { close(gate) }) }
}

func (s *recordingStore) appended() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.appends))
	copy(out, s.appends)
	return out
}

// fakeStreamer hands out the queued responses in order and records every
// payload it was given.
type fakeStreamer struct {
	mu        sync.Mutex
	responses []func() (io.ReadCloser, error)
	calls     [][]openai.ChatCompletionMessage
	tokens    []string
}

func (f *fakeStreamer) reply(body string) *fakeStreamer {
	return f.then(func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(body)), nil
	})
}

func (f *fakeStreamer) fail(err error) *fakeStreamer {
	return f.then(func() (io.ReadCloser, error) { return nil, err })
}

func (f *fakeStreamer) pipe() *io.PipeWriter {
	pr, pw := io.Pipe()
	f.then(func() (io.ReadCloser, error) { return pr, nil })
	return pw
}

func (f *fakeStreamer) then(fn func() (io.ReadCloser, error)) *fakeStreamer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, fn)
	return f
}

func (f *fakeStreamer) Stream(ctx context.Context, token string, messages []openai.ChatCompletionMessage) (io.ReadCloser, error) {
	f.mu.Lock()
	f.calls = append(f.calls, messages)
	f.tokens = append(f.tokens, token)
	if len(f.responses) == 0 {
		f.mu.Unlock()
		return nil, fmt.Errorf("unexpected stream call")
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	f.mu.Unlock()

	return next()
}

func (f *fakeStreamer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeStreamer) call(i int) []openai.ChatCompletionMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) Token(context.Context) (string, error) {
	return s.token, s.err
}

type testWorkspace struct {
	store    *recordingStore
	streamer *fakeStreamer
	guard    *RaceGuard
	list     *MessageList
	manager  *ConversationManager
	pipeline *Pipeline
	queue    *PersistQueue
}

func newTestWorkspace(t *testing.T, tokens staticTokens, systemPrompt string) *testWorkspace {
	t.Helper()

	store := newRecordingStore()
	require.NoError(t, store.Init())

	streamer := &fakeStreamer{}
	guard := NewRaceGuard()
	list := NewMessageList()
	manager := NewConversationManager(store, guard, list, 30)
	queue := NewPersistQueue(0, 0)
	t.Cleanup(queue.Close)

	pipeline := NewPipeline(manager, PipelineOptions{
		Store:        store,
		Streamer:     streamer,
		Tokens:       tokens,
		Queue:        queue,
		SystemPrompt: systemPrompt,
	})

	return &testWorkspace{
		store:    store,
		streamer: streamer,
		guard:    guard,
		list:     list,
		manager:  manager,
		pipeline: pipeline,
		queue:    queue,
	}
}

type sendOutcome struct {
	result *SendResult
	err    error
}

// sendAsync starts a send and waits until its placeholder is in the list.
func (w *testWorkspace) sendAsync(t *testing.T, ctx context.Context, text string) <-chan sendOutcome {
	t.Helper()

	out := make(chan sendOutcome, 1)
	go func() {
		res, err := w.pipeline.SendMessage(ctx, text, "")
		out <- sendOutcome{res, err}
	}()

	require.Eventually(t, func() bool {
		return w.list.StreamingCount() == 1
	}, waitFor, tick)
	return out
}

// placeholder returns the streaming message, or a zero Message if none.
func (w *testWorkspace) placeholder() model.Message {
	_, messages := w.list.Snapshot()
	for _, m := range messages {
		if m.Streaming {
			return m
		}
	}
	return model.Message{}
}

func waitOutcome(t *testing.T, ch <-chan sendOutcome) sendOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(waitFor):
		t.Fatal("send did not finish")
		return sendOutcome{}
	}
}

func writeFrames(t *testing.T, pw *io.PipeWriter, frames ...string) {
	t.Helper()
	for _, f := range frames {
		_, err := io.WriteString(pw, f)
		require.NoError(t, err)
	}
}

func waitTask(t *testing.T, task *PersistTask) PersistResult {
	t.Helper()
	require.NotNil(t, task)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	return task.Wait(ctx)
}
