package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"condo-assistant/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConversation(id string, at time.Time) *model.Conversation {
	return &model.Conversation{
		ID:             id,
		Title:          model.DefaultConversationTitle,
		CreatedAt:      at,
		LastActivityAt: at,
	}
}

func newMessage(id string, role model.Role, content string, at time.Time) model.Message {
	return model.Message{ID: id, Role: role, Content: content, CreatedAt: at}
}

// runStorageContract exercises behaviour every Storage must share.
func runStorageContract(t *testing.T, open func(t *testing.T) Storage) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("create and get", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateConversation(ctx, newConversation("c1", base)))

		got, err := s.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, model.DefaultConversationTitle, got.Title)

		assert.ErrorIs(t, s.CreateConversation(ctx, newConversation("c1", base)), ErrConversationExists)
	})

	t.Run("missing conversation", func(t *testing.T) {
		s := open(t)
		_, err := s.GetConversation(ctx, "nope")
		assert.ErrorIs(t, err, ErrConversationNotFound)
		_, err = s.ListMessages(ctx, "nope")
		assert.ErrorIs(t, err, ErrConversationNotFound)
		assert.ErrorIs(t, s.AppendMessage(ctx, "nope", newMessage("m", model.RoleUser, "x", base)), ErrConversationNotFound)
		assert.ErrorIs(t, s.RenameConversation(ctx, "nope", "t"), ErrConversationNotFound)
		assert.ErrorIs(t, s.DeleteConversation(ctx, "nope"), ErrConversationNotFound)
	})

	t.Run("messages come back in creation order", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateConversation(ctx, newConversation("c1", base)))

		require.NoError(t, s.AppendMessage(ctx, "c1", newMessage("a1", model.RoleAssistant, "resposta", base.Add(2*time.Second))))
		require.NoError(t, s.AppendMessage(ctx, "c1", newMessage("u1", model.RoleUser, "pergunta", base.Add(time.Second))))

		messages, err := s.ListMessages(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, messages, 2)
		assert.Equal(t, "u1", messages[0].ID)
		assert.Equal(t, "a1", messages[1].ID)
		assert.Equal(t, "c1", messages[0].ConversationID)
	})

	t.Run("append is idempotent by id", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateConversation(ctx, newConversation("c1", base)))

		msg := newMessage("u1", model.RoleUser, "oi", base.Add(time.Second))
		require.NoError(t, s.AppendMessage(ctx, "c1", msg))
		require.NoError(t, s.AppendMessage(ctx, "c1", msg))

		messages, err := s.ListMessages(ctx, "c1")
		require.NoError(t, err)
		assert.Len(t, messages, 1)

		msg.Content = "oi, tudo bem?"
		require.NoError(t, s.AppendMessage(ctx, "c1", msg))
		messages, err = s.ListMessages(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, messages, 1)
		assert.Equal(t, "oi, tudo bem?", messages[0].Content)
	})

	t.Run("append bumps last activity", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateConversation(ctx, newConversation("old", base)))
		require.NoError(t, s.CreateConversation(ctx, newConversation("new", base.Add(time.Minute))))

		require.NoError(t, s.AppendMessage(ctx, "old", newMessage("u1", model.RoleUser, "oi", base.Add(time.Hour))))

		got, err := s.GetConversation(ctx, "old")
		require.NoError(t, err)
		assert.True(t, got.LastActivityAt.Equal(base.Add(time.Hour)))

		list, err := s.ListConversations(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "old", list[0].ID)
	})

	t.Run("rename", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateConversation(ctx, newConversation("c1", base)))
		require.NoError(t, s.RenameConversation(ctx, "c1", "Qual o horário da academia?"))

		got, err := s.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "Qual o horário da academia?", got.Title)
	})

	t.Run("delete removes messages", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateConversation(ctx, newConversation("c1", base)))
		require.NoError(t, s.AppendMessage(ctx, "c1", newMessage("u1", model.RoleUser, "oi", base)))
		require.NoError(t, s.DeleteConversation(ctx, "c1"))

		_, err := s.ListMessages(ctx, "c1")
		assert.ErrorIs(t, err, ErrConversationNotFound)
		list, err := s.ListConversations(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("returned slices are copies", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateConversation(ctx, newConversation("c1", base)))
		require.NoError(t, s.AppendMessage(ctx, "c1", newMessage("u1", model.RoleUser, "oi", base)))

		messages, err := s.ListMessages(ctx, "c1")
		require.NoError(t, err)
		messages[0].Content = "mutated"

		again, err := s.ListMessages(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "oi", again[0].Content)
	})
}

func TestMemoryStorage(t *testing.T) {
	runStorageContract(t, func(t *testing.T) Storage {
		s := NewMemoryStorage()
		require.NoError(t, s.Init())
		return s
	})
}

func TestDiskStorage(t *testing.T) {
	runStorageContract(t, func(t *testing.T) Storage {
		s, err := NewDiskStorage(t.TempDir(), 2)
		require.NoError(t, err)
		require.NoError(t, s.Init())
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestDiskStorage_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	s, err := NewDiskStorage(dir, 1)
	require.NoError(t, err)
	require.NoError(t, s.Init())
	require.NoError(t, s.CreateConversation(ctx, newConversation("c1", base)))
	require.NoError(t, s.CreateConversation(ctx, newConversation("c2", base)))
	require.NoError(t, s.AppendMessage(ctx, "c1", newMessage("u1", model.RoleUser, "Tenho encomenda?", base.Add(time.Second))))
	require.NoError(t, s.AppendMessage(ctx, "c1", newMessage("a1", model.RoleAssistant, "Sim, uma.", base.Add(2*time.Second))))
	require.NoError(t, s.Close())

	reopened, err := NewDiskStorage(dir, 1)
	require.NoError(t, err)
	require.NoError(t, reopened.Init())

	list, err := reopened.ListConversations(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	messages, err := reopened.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "Tenho encomenda?", messages[0].Content)
	assert.Equal(t, model.RoleAssistant, messages[1].Role)
}

func TestDiskStorage_CorruptIndex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "conversations.json"), []byte("{not json"), 0644))

	s, err := NewDiskStorage(dir, 4)
	require.NoError(t, err)
	err = s.Init()
	assert.ErrorIs(t, err, ErrStorageInit)
}

func TestDiskStorage_Backup(t *testing.T) {
	ctx := context.Background()
	s, err := NewDiskStorage(t.TempDir(), 4)
	require.NoError(t, err)
	require.NoError(t, s.Init())
	require.NoError(t, s.CreateConversation(ctx, newConversation("c1", time.Now())))

	var b Backuper = s
	dir, err := b.Backup()
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "conversations.json"))
	assert.FileExists(t, filepath.Join(dir, "conversations", "c1.json"))
	assert.FileExists(t, filepath.Join(dir, "messages", "c1.json"))
}

func TestPostgresRows(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	row := messageToRow("c1", model.Message{ID: "m1", Role: model.RoleAssistant, Content: "ok", CreatedAt: at})
	assert.Equal(t, "c1", row.ConversationID)
	assert.Equal(t, "assistant", row.Role)

	back := row.toModel()
	assert.Equal(t, model.RoleAssistant, back.Role)
	assert.True(t, back.CreatedAt.Equal(at))

	assert.False(t, messageToRow("c1", model.Message{ID: "m2"}).CreatedAt.IsZero())

	conv := conversationToRow(newConversation("c1", at)).toModel()
	assert.Equal(t, "c1", conv.ID)
	assert.Equal(t, model.DefaultConversationTitle, conv.Title)
}
