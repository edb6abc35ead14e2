package service

import (
	"sync"

	"condo-assistant/internal/metrics"
	"condo-assistant/internal/model"
	"condo-assistant/pkg/logger"

	"github.com/sirupsen/logrus"
)

// RaceGuard arbitrates between history reloads and a live stream in one
// workspace. A reload of the conversation being streamed is held back until
// the stream ends; a reload of anything other than the selected
// conversation is dropped.
//
// Every stream start and end advances the generation. A reload records the
// generation it started in, and its result is dropped if a stream has touched
// the conversation since then, so an older snapshot never replaces newer
// stream output.
type RaceGuard struct {
	mu         sync.Mutex
	current    string
	shown      string
	streaming  bool
	streamConv string
	inflight   func() []model.Message
	pending    string
	hasPending bool
	generation uint64
	// streamedAt maps a conversation to the last generation a stream touched it.
	streamedAt map[string]uint64
}

func NewRaceGuard() *RaceGuard {
	return &RaceGuard{streamedAt: make(map[string]uint64)}
}

// Generation returns the current generation. Callers record it before they
// fetch history and pass it to TryReload.
func (g *RaceGuard) Generation() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generation
}

// BeginStream raises the streaming flag. It reports false if a stream is
// already active.
func (g *RaceGuard) BeginStream() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.streaming {
		return false
	}
	g.streaming = true
	g.streamConv = ""
	g.inflight = nil
	g.generation++
	return true
}

// BindStream records which conversation the active stream belongs to.
// inflight reports the stream's messages that may not be stored yet; it is
// called with the guard held and must not call back into it.
func (g *RaceGuard) BindStream(conversationID string, inflight func() []model.Message) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.streaming {
		g.streamConv = conversationID
		g.inflight = inflight
		g.streamedAt[conversationID] = g.generation
	}
}

// EndStream lowers the streaming flag. If a reload was held back while the
// stream ran and its conversation is still selected, its id is returned so
// the caller can run it again.
func (g *RaceGuard) EndStream() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.generation++
	if g.streamConv != "" {
		g.streamedAt[g.streamConv] = g.generation
	}
	g.streaming = false
	g.streamConv = ""
	g.inflight = nil

	pending, ok := g.pending, g.hasPending
	g.pending, g.hasPending = "", false
	if !ok || pending != g.current {
		return "", false
	}
	return pending, true
}

func (g *RaceGuard) Select(conversationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current = conversationID
}

func (g *RaceGuard) Current() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

func (g *RaceGuard) Streaming() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.streaming
}

// StreamingConversation returns the conversation of the active stream, or ""
// when idle.
func (g *RaceGuard) StreamingConversation() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.streaming {
		return ""
	}
	return g.streamConv
}

// TryReload calls apply if a reload of conversationID that started in
// generation startedAt may replace the list right now. apply runs while the
// guard is held, so no stream can begin between the check and the
// replacement.
//
// A reload that started before a stream touched the conversation is dropped.
// A reload of the streaming conversation is deferred while the list already
// shows it. When the list shows another conversation (the user switched away
// and back), the reload is applied with the stream's in-flight messages so
// the live reply stays visible, and a fresh reload is still owed at the end.
func (g *RaceGuard) TryReload(conversationID string, startedAt uint64, apply func(inflight []model.Message)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	fields := logrus.Fields{"conversation_id": conversationID}

	if conversationID != g.current {
		logger.WithFields(fields).Debug("Reload discarded: conversation no longer selected")
		metrics.RecordReload("discarded_stale")
		return false
	}

	streamingHere := g.streaming && conversationID == g.streamConv

	if g.streamedAt[conversationID] > startedAt {
		if streamingHere {
			g.pending, g.hasPending = conversationID, true
		}
		logger.WithFields(fields).Debug("Reload discarded: started before the last stream")
		metrics.RecordReload("discarded_outdated")
		return false
	}

	var inflight []model.Message
	if streamingHere {
		g.pending, g.hasPending = conversationID, true
		if g.shown == conversationID {
			logger.WithFields(fields).Debug("Reload deferred: conversation is streaming")
			metrics.RecordReload("discarded_streaming")
			return false
		}
		if g.inflight != nil {
			inflight = g.inflight()
		}
	}

	apply(inflight)
	g.shown = conversationID
	metrics.RecordReload("applied")
	return true
}
