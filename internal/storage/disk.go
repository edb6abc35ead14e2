package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"condo-assistant/internal/model"
	"condo-assistant/pkg/logger"

	lru "github.com/hashicorp/golang-lru"
)

const defaultCacheSize = 128

// DiskStorage keeps one JSON file per conversation plus one per message log,
// and an index file listing every conversation.
type DiskStorage struct {
	dataDir string
	mu      sync.RWMutex
	index   map[string]*model.Conversation
	cache   *lru.Cache
}

func NewDiskStorage(dataDir string, cacheSize int) (*DiskStorage, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	return &DiskStorage{
		dataDir: dataDir,
		index:   make(map[string]*model.Conversation),
		cache:   cache,
	}, nil
}

func (d *DiskStorage) Init() error {
	if err := d.createDirectories(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	if err := d.loadIndex(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	logger.Infof("Disk storage initialized at %s with %d conversations", d.dataDir, len(d.index))
	return nil
}

func (d *DiskStorage) createDirectories() error {
	dirs := []string{
		d.dataDir,
		filepath.Join(d.dataDir, "conversations"),
		filepath.Join(d.dataDir, "messages"),
		filepath.Join(d.dataDir, "backup"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return nil
}

func (d *DiskStorage) indexPath() string {
	return filepath.Join(d.dataDir, "conversations.json")
}

func (d *DiskStorage) conversationPath(conversationID string) string {
	return filepath.Join(d.dataDir, "conversations", conversationID+".json")
}

func (d *DiskStorage) messagesPath(conversationID string) string {
	return filepath.Join(d.dataDir, "messages", conversationID+".json")
}

func (d *DiskStorage) loadIndex() error {
	data, err := os.ReadFile(d.indexPath())
	if errors.Is(err, fs.ErrNotExist) {
		return d.saveIndex()
	}
	if err != nil {
		return err
	}

	var conversations []*model.Conversation
	if err := json.Unmarshal(data, &conversations); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	for _, conversation := range conversations {
		d.index[conversation.ID] = conversation
	}
	return nil
}

func (d *DiskStorage) saveIndex() error {
	conversations := make([]*model.Conversation, 0, len(d.index))
	for _, conversation := range d.index {
		conversations = append(conversations, conversation)
	}
	sortByActivity(conversations)

	return writeJSON(d.indexPath(), conversations)
}

// writeJSON replaces path atomically through a temp file.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempPath, path)
}

func (d *DiskStorage) loadMessages(conversationID string) ([]model.Message, error) {
	if cached, ok := d.cache.Get(conversationID); ok {
		return cached.([]model.Message), nil
	}

	data, err := os.ReadFile(d.messagesPath(conversationID))
	if errors.Is(err, fs.ErrNotExist) {
		return []model.Message{}, nil
	}
	if err != nil {
		return nil, err
	}

	var messages []model.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	d.cache.Add(conversationID, messages)
	return messages, nil
}

func (d *DiskStorage) CreateConversation(_ context.Context, conversation *model.Conversation) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.index[conversation.ID]; exists {
		return ErrConversationExists
	}

	stored := *conversation
	if err := writeJSON(d.conversationPath(stored.ID), &stored); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	if err := writeJSON(d.messagesPath(stored.ID), []model.Message{}); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	d.index[stored.ID] = &stored
	d.cache.Add(stored.ID, []model.Message{})

	if err := d.saveIndex(); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	return nil
}

func (d *DiskStorage) GetConversation(_ context.Context, conversationID string) (*model.Conversation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	conversation, exists := d.index[conversationID]
	if !exists {
		return nil, ErrConversationNotFound
	}

	result := *conversation
	return &result, nil
}

func (d *DiskStorage) ListConversations(_ context.Context) ([]*model.Conversation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	conversations := make([]*model.Conversation, 0, len(d.index))
	for _, conversation := range d.index {
		c := *conversation
		conversations = append(conversations, &c)
	}
	sortByActivity(conversations)

	return conversations, nil
}

func (d *DiskStorage) RenameConversation(_ context.Context, conversationID, title string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	conversation, exists := d.index[conversationID]
	if !exists {
		return ErrConversationNotFound
	}

	updated := *conversation
	updated.Title = title
	if err := writeJSON(d.conversationPath(conversationID), &updated); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	d.index[conversationID] = &updated
	if err := d.saveIndex(); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	return nil
}

func (d *DiskStorage) DeleteConversation(_ context.Context, conversationID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.index[conversationID]; !exists {
		return ErrConversationNotFound
	}

	for _, path := range []string{d.conversationPath(conversationID), d.messagesPath(conversationID)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %v", ErrFileOperation, err)
		}
	}

	delete(d.index, conversationID)
	d.cache.Remove(conversationID)

	if err := d.saveIndex(); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	return nil
}

func (d *DiskStorage) ListMessages(_ context.Context, conversationID string) ([]model.Message, error) {
	d.mu.RLock()
	_, exists := d.index[conversationID]
	d.mu.RUnlock()
	if !exists {
		return nil, ErrConversationNotFound
	}

	// The cache is written on a miss, so loads take the write lock.
	d.mu.Lock()
	defer d.mu.Unlock()

	messages, err := d.loadMessages(conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	result := make([]model.Message, len(messages))
	copy(result, messages)
	return result, nil
}

func (d *DiskStorage) AppendMessage(_ context.Context, conversationID string, message model.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	conversation, exists := d.index[conversationID]
	if !exists {
		return ErrConversationNotFound
	}

	messages, err := d.loadMessages(conversationID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	// Work on a copy so a failed write leaves the cached log untouched.
	next := make([]model.Message, len(messages), len(messages)+1)
	copy(next, messages)
	next = upsertMessage(next, conversationID, message)

	if err := writeJSON(d.messagesPath(conversationID), next); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	d.cache.Add(conversationID, next)

	updated := *conversation
	touch(&updated, message.CreatedAt)
	if err := writeJSON(d.conversationPath(conversationID), &updated); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	d.index[conversationID] = &updated

	if err := d.saveIndex(); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	return nil
}

func (d *DiskStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cache.Purge()
	return nil
}

// Backup copies the index and every conversation and message file into a
// timestamped directory under backup/ and returns its path.
func (d *DiskStorage) Backup() (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	backupDir := filepath.Join(d.dataDir, "backup", fmt.Sprintf("backup_%d", time.Now().UnixNano()))

	for _, dir := range []string{"conversations", "messages"} {
		srcDir := filepath.Join(d.dataDir, dir)
		dstDir := filepath.Join(backupDir, dir)

		if err := os.MkdirAll(dstDir, 0755); err != nil {
			return "", fmt.Errorf("%w: %v", ErrFileOperation, err)
		}

		if err := copyDir(srcDir, dstDir); err != nil {
			return "", fmt.Errorf("%w: %v", ErrFileOperation, err)
		}
	}

	if err := copyFile(d.indexPath(), filepath.Join(backupDir, "conversations.json")); err != nil {
		return "", fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	logger.Infof("Backup completed: %s", backupDir)
	return backupDir, nil
}

func copyDir(src, dst string) error {
	files, err := os.ReadDir(src)
	if err != nil {
		return err
	}

	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}
		if err := copyFile(filepath.Join(src, file.Name()), filepath.Join(dst, file.Name())); err != nil {
			return err
		}
	}

	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	return os.WriteFile(dst, data, 0644)
}
