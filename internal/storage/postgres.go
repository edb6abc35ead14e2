package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"condo-assistant/internal/model"
	"condo-assistant/pkg/logger"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type conversationRow struct {
	ID             string    `gorm:"primaryKey;type:varchar(64)"`
	Title          string    `gorm:"type:text;not null"`
	CreatedAt      time.Time `gorm:"not null"`
	LastActivityAt time.Time `gorm:"not null;index"`
}

func (conversationRow) TableName() string { return "assistant_conversations" }

type messageRow struct {
	ID             string    `gorm:"primaryKey;type:varchar(64)"`
	ConversationID string    `gorm:"type:varchar(64);not null;index:idx_messages_conversation_created,priority:1"`
	Role           string    `gorm:"type:varchar(16);not null"`
	Content        string    `gorm:"type:text;not null"`
	CreatedAt      time.Time `gorm:"not null;index:idx_messages_conversation_created,priority:2"`
}

func (messageRow) TableName() string { return "assistant_messages" }

func conversationToRow(c *model.Conversation) conversationRow {
	return conversationRow{
		ID:             c.ID,
		Title:          c.Title,
		CreatedAt:      c.CreatedAt,
		LastActivityAt: c.LastActivityAt,
	}
}

func (r conversationRow) toModel() *model.Conversation {
	return &model.Conversation{
		ID:             r.ID,
		Title:          r.Title,
		CreatedAt:      r.CreatedAt,
		LastActivityAt: r.LastActivityAt,
	}
}

func messageToRow(conversationID string, m model.Message) messageRow {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return messageRow{
		ID:             m.ID,
		ConversationID: conversationID,
		Role:           string(m.Role),
		Content:        m.Content,
		CreatedAt:      createdAt,
	}
}

func (r messageRow) toModel() model.Message {
	return model.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Role:           model.Role(r.Role),
		Content:        r.Content,
		CreatedAt:      r.CreatedAt,
	}
}

// PostgresStorage persists conversations through GORM.
type PostgresStorage struct {
	db *gorm.DB
}

// NewPostgresStorage opens a connection for dsn. Tables are created by Init.
func NewPostgresStorage(dsn string) (*PostgresStorage, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: database DSN is empty", ErrStorageInit)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connect database: %v", ErrStorageInit, err)
	}

	return NewGormStorage(db), nil
}

// NewGormStorage wraps an already opened handle.
func NewGormStorage(db *gorm.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

func (p *PostgresStorage) Init() error {
	if err := p.db.AutoMigrate(&conversationRow{}, &messageRow{}); err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrStorageInit, err)
	}

	logger.Info("Postgres storage initialized successfully")
	return nil
}

func (p *PostgresStorage) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return sqlDB.Close()
}

func (p *PostgresStorage) CreateConversation(ctx context.Context, conversation *model.Conversation) error {
	row := conversationToRow(conversation)
	result := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return fmt.Errorf("%w: create conversation: %v", ErrDatabase, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConversationExists
	}
	return nil
}

func (p *PostgresStorage) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	var row conversationRow
	err := p.db.WithContext(ctx).Where("id = ?", conversationID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get conversation: %v", ErrDatabase, err)
	}
	return row.toModel(), nil
}

func (p *PostgresStorage) ListConversations(ctx context.Context) ([]*model.Conversation, error) {
	var rows []conversationRow
	if err := p.db.WithContext(ctx).Order("last_activity_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: list conversations: %v", ErrDatabase, err)
	}

	conversations := make([]*model.Conversation, 0, len(rows))
	for _, row := range rows {
		conversations = append(conversations, row.toModel())
	}
	return conversations, nil
}

func (p *PostgresStorage) RenameConversation(ctx context.Context, conversationID, title string) error {
	result := p.db.WithContext(ctx).
		Model(&conversationRow{}).
		Where("id = ?", conversationID).
		Update("title", title)
	if result.Error != nil {
		return fmt.Errorf("%w: rename conversation: %v", ErrDatabase, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (p *PostgresStorage) DeleteConversation(ctx context.Context, conversationID string) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&messageRow{}).Error; err != nil {
			return fmt.Errorf("%w: delete messages: %v", ErrDatabase, err)
		}

		result := tx.Where("id = ?", conversationID).Delete(&conversationRow{})
		if result.Error != nil {
			return fmt.Errorf("%w: delete conversation: %v", ErrDatabase, result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrConversationNotFound
		}
		return nil
	})
}

func (p *PostgresStorage) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	if _, err := p.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	var rows []messageRow
	err := p.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: list messages: %v", ErrDatabase, err)
	}

	messages := make([]model.Message, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, row.toModel())
	}
	return messages, nil
}

func (p *PostgresStorage) AppendMessage(ctx context.Context, conversationID string, message model.Message) error {
	row := messageToRow(conversationID, message)

	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conversation conversationRow
		err := tx.Where("id = ?", conversationID).First(&conversation).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrConversationNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: load conversation: %v", ErrDatabase, err)
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role", "content"}),
		}).Create(&row).Error; err != nil {
			return fmt.Errorf("%w: upsert message: %v", ErrDatabase, err)
		}

		if row.CreatedAt.After(conversation.LastActivityAt) {
			if err := tx.Model(&conversationRow{}).
				Where("id = ?", conversationID).
				Update("last_activity_at", row.CreatedAt).Error; err != nil {
				return fmt.Errorf("%w: touch conversation: %v", ErrDatabase, err)
			}
		}
		return nil
	})
}
