package service

import (
	"context"
	"testing"
	"time"

	"condo-assistant/internal/model"
	"condo-assistant/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*ConversationManager, *storage.MemoryStorage, *RaceGuard, *MessageList) {
	t.Helper()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.Init())
	guard := NewRaceGuard()
	list := NewMessageList()
	return NewConversationManager(store, guard, list, 10), store, guard, list
}

func TestConversationManager_CreateSelectsEmptyConversation(t *testing.T) {
	m, store, _, list := newTestManager(t)
	ctx := context.Background()

	conv, err := m.Create(ctx, "  ")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultConversationTitle, conv.Title)
	assert.Equal(t, conv.ID, m.Current())

	shown, messages := list.Snapshot()
	assert.Equal(t, conv.ID, shown)
	assert.Empty(t, messages)

	stored, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.Title, stored.Title)
}

func TestConversationManager_SelectLoadsHistory(t *testing.T) {
	m, store, _, list := newTestManager(t)
	ctx := context.Background()

	first, err := m.Create(ctx, "primeira")
	require.NoError(t, err)
	second, err := m.Create(ctx, "segunda")
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, store.AppendMessage(ctx, first.ID, model.Message{ID: "m1", Role: model.RoleUser, Content: "oi", CreatedAt: now}))
	require.NoError(t, store.AppendMessage(ctx, first.ID, model.Message{ID: "m2", Role: model.RoleAssistant, Content: "olá", CreatedAt: now.Add(time.Millisecond)}))

	assert.Equal(t, second.ID, m.Current())
	require.NoError(t, m.Select(ctx, first.ID))

	shown, messages := list.Snapshot()
	assert.Equal(t, first.ID, shown)
	require.Len(t, messages, 2)
	assert.Equal(t, "m1", messages[0].ID)
	assert.Equal(t, "m2", messages[1].ID)

	err = m.Select(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrConversationNotFound)
	assert.Equal(t, first.ID, m.Current())
}

func TestConversationManager_ReloadWithoutSelection(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	applied, err := m.Reload(context.Background())
	assert.NoError(t, err)
	assert.False(t, applied)
}

func TestConversationManager_Rename(t *testing.T) {
	m, store, _, _ := newTestManager(t)
	ctx := context.Background()

	conv, err := m.Create(ctx, "")
	require.NoError(t, err)

	require.NoError(t, m.Rename(ctx, conv.ID, " Portaria "))
	stored, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Portaria", stored.Title)

	assert.ErrorIs(t, m.Rename(ctx, conv.ID, "   "), storage.ErrInvalidData)
	assert.ErrorIs(t, m.Rename(ctx, "missing", "x"), storage.ErrConversationNotFound)
}

func TestConversationManager_Delete(t *testing.T) {
	m, _, guard, list := newTestManager(t)
	ctx := context.Background()

	other, err := m.Create(ctx, "outra")
	require.NoError(t, err)
	conv, err := m.Create(ctx, "atual")
	require.NoError(t, err)

	require.True(t, guard.BeginStream())
	guard.BindStream(conv.ID, nil)
	assert.ErrorIs(t, m.Delete(ctx, conv.ID), ErrConversationBusy)
	guard.EndStream()

	require.NoError(t, m.Delete(ctx, conv.ID))
	assert.Empty(t, m.Current())
	assert.Empty(t, list.ConversationID())

	conversations, err := m.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, conversations, 1)
	assert.Equal(t, other.ID, conversations[0].ID)
}

func TestTitleFor(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short", "Olá", "Olá"},
		{"exact", "0123456789", "0123456789"},
		{"long", "0123456789abc", "0123456789..."},
		{"runes", "ção ção ção ção", "ção ção çã..."},
		{"trimmed", "  oi  ", "oi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.TitleFor(tt.in))
		})
	}
}

func TestMergeInflight(t *testing.T) {
	stored := []model.Message{{ID: "a", Content: "a"}, {ID: "u", Content: "pergunta"}}
	inflight := []model.Message{{ID: "u", Content: "pergunta"}, {ID: "p", Content: "resp", Streaming: true}}

	merged := mergeInflight(stored, inflight)
	require.Len(t, merged, 3)
	assert.Equal(t, []string{"a", "u", "p"}, []string{merged[0].ID, merged[1].ID, merged[2].ID})
	assert.True(t, merged[2].Streaming)

	assert.Equal(t, stored, mergeInflight(stored, nil))
}
