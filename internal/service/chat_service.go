package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"condo-assistant/internal/assistant"
	"condo-assistant/internal/config"
	"condo-assistant/internal/metrics"
	"condo-assistant/internal/model"
	"condo-assistant/internal/storage"
	"condo-assistant/pkg/logger"
)

const DefaultWorkspaceID = "default"

// Workspace is one portal user's view: a selected conversation, its message
// list and the pipeline that streams into it.
type Workspace struct {
	ID          string
	Manager     *ConversationManager
	Pipeline    *Pipeline
	List        *MessageList
	Credentials *assistant.Credentials

	queue    *PersistQueue
	mu       sync.Mutex
	lastSeen time.Time
}

func (w *Workspace) touch(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSeen = now
}

func (w *Workspace) idleSince() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeen
}

func (w *Workspace) Streaming() bool {
	return w.Pipeline.Streaming()
}

// Messages returns the selected conversation and its visible messages.
func (w *Workspace) Messages() model.MessagesResponse {
	conversationID, messages := w.List.Snapshot()
	return model.MessagesResponse{
		ConversationID: conversationID,
		Streaming:      w.Streaming(),
		Messages:       messages,
	}
}

func (w *Workspace) close() {
	w.queue.Close()
}

type ChatService struct {
	storage  storage.Storage
	streamer assistant.Streamer
	config   *config.Config

	mu         sync.RWMutex
	workspaces map[string]*Workspace

	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// OpenStorage builds the store named by cfg.Type. A store that fails to
// initialize is replaced by an in-memory one so the service still starts.
func OpenStorage(cfg config.StorageConfig) storage.Storage {
	var store storage.Storage
	var err error

	switch cfg.Type {
	case "disk":
		store, err = storage.NewDiskStorage(cfg.DataDir, cfg.CacheSize)
	case "postgres":
		store, err = storage.NewPostgresStorage(cfg.DSN)
	default:
		store = storage.NewMemoryStorage()
	}

	if err == nil {
		err = store.Init()
	}
	if err != nil {
		logger.Errorf("Failed to initialize %s storage, falling back to memory: %v", cfg.Type, err)
		store = storage.NewMemoryStorage()
		_ = store.Init()
	}

	return store
}

func NewChatService(cfg *config.Config, store storage.Storage, streamer assistant.Streamer) *ChatService {
	cs := &ChatService{
		storage:    store,
		streamer:   streamer,
		config:     cfg,
		workspaces: make(map[string]*Workspace),
		stop:       make(chan struct{}),
		now:        time.Now,
	}

	if cfg.Session.CleanupInterval > 0 {
		go cs.cleanupIdleWorkspaces()
	}

	return cs
}

// ResolveWorkspaceID picks the workspace key for a request: an explicit id,
// else the subject of the bearer JWT, else the default workspace.
func ResolveWorkspaceID(explicit, bearer string) string {
	if id := strings.TrimSpace(explicit); id != "" {
		return id
	}
	if sub := assistant.Subject(bearer); sub != "" {
		return sub
	}
	return DefaultWorkspaceID
}

// Workspace returns the workspace for id, creating it on first use. A
// non-empty bearer replaces the workspace's session credential.
func (s *ChatService) Workspace(id, bearer string) *Workspace {
	// The touch happens under s.mu so evictIdle cannot close a workspace
	// between the lookup and the touch.
	s.mu.RLock()
	ws, ok := s.workspaces[id]
	if ok {
		ws.touch(s.now())
	}
	s.mu.RUnlock()

	if !ok {
		s.mu.Lock()
		if ws, ok = s.workspaces[id]; !ok {
			ws = s.newWorkspace(id)
			s.workspaces[id] = ws
			metrics.ActiveWorkspaces.Set(float64(len(s.workspaces)))
			logger.Infof("Workspace created: %s", id)
		}
		ws.touch(s.now())
		s.mu.Unlock()
	}

	if bearer != "" {
		ws.Credentials.SetSession(bearer)
	}
	return ws
}

func (s *ChatService) newWorkspace(id string) *Workspace {
	guard := NewRaceGuard()
	list := NewMessageList()
	manager := NewConversationManager(s.storage, guard, list, s.config.Assistant.TitleLength)
	queue := NewPersistQueue(s.config.Storage.WriteRetries, s.config.Storage.RetryDelay)
	credentials := assistant.NewCredentials(s.config.Assistant.APIKey)

	pipeline := NewPipeline(manager, PipelineOptions{
		Store:        s.storage,
		Streamer:     s.streamer,
		Tokens:       credentials,
		Queue:        queue,
		SystemPrompt: s.config.Assistant.SystemPrompt,
	})

	return &Workspace{
		ID:          id,
		Manager:     manager,
		Pipeline:    pipeline,
		List:        list,
		Credentials: credentials,
		queue:       queue,
		lastSeen:    s.now(),
	}
}

func (s *ChatService) WorkspaceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workspaces)
}

func (s *ChatService) cleanupIdleWorkspaces() {
	ticker := time.NewTicker(s.config.Session.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.evictIdle(); n > 0 {
				logger.Infof("Cleaned up %d idle workspaces", n)
			}
		case <-s.stop:
			return
		}
	}
}

// evictIdle drops workspaces idle for longer than the session TTL. A
// workspace with a stream in progress is kept.
func (s *ChatService) evictIdle() int {
	if s.config.Session.TTL <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.config.Session.TTL)

	var evicted []*Workspace
	s.mu.Lock()
	for id, ws := range s.workspaces {
		if ws.Streaming() || !ws.idleSince().Before(cutoff) {
			continue
		}
		delete(s.workspaces, id)
		evicted = append(evicted, ws)
	}
	metrics.ActiveWorkspaces.Set(float64(len(s.workspaces)))
	s.mu.Unlock()

	for _, ws := range evicted {
		ws.close()
		logger.Infof("Cleaned up idle workspace: %s", ws.ID)
	}
	return len(evicted)
}

// Storage returns the shared store.
func (s *ChatService) Storage() storage.Storage {
	return s.storage
}

// Ping reports whether the store answers.
func (s *ChatService) Ping(ctx context.Context) error {
	if _, err := s.storage.ListConversations(ctx); err != nil {
		return fmt.Errorf("storage unavailable: %w", err)
	}
	return nil
}

// Close stops the cleanup loop, drains every workspace's pending writes and
// closes the store.
func (s *ChatService) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	workspaces := s.workspaces
	s.workspaces = make(map[string]*Workspace)
	s.mu.Unlock()

	for _, ws := range workspaces {
		ws.close()
	}
	metrics.ActiveWorkspaces.Set(0)

	if b, ok := s.storage.(storage.Backuper); ok && s.config.Storage.BackupOnClose {
		if _, err := b.Backup(); err != nil {
			logger.Errorf("Failed to back up storage: %v", err)
		}
	}

	return s.storage.Close()
}
