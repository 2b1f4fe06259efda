package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/RichardoC/teiqr/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Database {
	t.Helper()
	store, err := NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	conv, err := store.CreateConversation(ctx, "user-1", "Hello there")
	require.NoError(t, err)
	assert.NotEmpty(t, conv.ID)

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "Hello there", got.Title)

	require.NoError(t, store.UpdateConversationTitle(ctx, conv.ID, "Renamed"))
	got, err = store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)

	require.NoError(t, store.TouchConversation(ctx, conv.ID))
	got, err = store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, got.UpdatedAt.Before(conv.UpdatedAt))

	require.NoError(t, store.DeleteConversation(ctx, conv.ID))
	_, err = store.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMissingConversation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.GetConversation(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.TouchConversation(ctx, "nope"), ErrNotFound)
	assert.ErrorIs(t, store.UpdateConversationTitle(ctx, "nope", "x"), ErrNotFound)
	assert.ErrorIs(t, store.DeleteConversation(ctx, "nope"), ErrNotFound)
}

func TestListConversationsScopedToUser(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first, err := store.CreateConversation(ctx, "user-1", "first")
	require.NoError(t, err)
	_, err = store.CreateConversation(ctx, "user-1", "second")
	require.NoError(t, err)
	_, err = store.CreateConversation(ctx, "user-2", "other")
	require.NoError(t, err)

	require.NoError(t, store.TouchConversation(ctx, first.ID))

	convs, err := store.ListConversations(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "first", convs[0].Title)

	convs, err = store.ListConversations(ctx, "user-3")
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestMessagesRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	conv, err := store.CreateConversation(ctx, "user-1", "files")
	require.NoError(t, err)

	user := &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        "look at this",
		Files:          models.Files{{Name: "a.png", Type: "image/png", Size: 3}},
	}
	require.NoError(t, store.SaveMessage(ctx, user))
	assert.NotEmpty(t, user.ID)

	reply := &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        "nice picture",
		Model:          "anthropic/claude-sonnet-4.5",
		Sources:        models.Sources{},
	}
	require.NoError(t, store.SaveMessage(ctx, reply))

	msgs, err := store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Empty(t, msgs[0].Model)
	require.Len(t, msgs[0].Files, 1)
	assert.Equal(t, "a.png", msgs[0].Files[0].Name)

	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "nice picture", msgs[1].Content)
	assert.Equal(t, "anthropic/claude-sonnet-4.5", msgs[1].Model)
}

func TestConversationHistoryKeepsMostRecent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	conv, err := store.CreateConversation(ctx, "user-1", "long")
	require.NoError(t, err)

	for i := 0; i < 15; i++ {
		require.NoError(t, store.SaveMessage(ctx, &models.Message{
			ConversationID: conv.ID,
			Role:           models.RoleUser,
			Content:        fmt.Sprintf("message %d", i),
		}))
	}

	history, err := store.GetConversationHistory(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 10)
	assert.Equal(t, "message 5", history[0].Content)
	assert.Equal(t, "message 14", history[9].Content)

	history, err = store.GetConversationHistory(ctx, conv.ID, 50)
	require.NoError(t, err)
	assert.Len(t, history, 15)
	assert.Equal(t, "message 0", history[0].Content)
}

func TestDeleteConversationRemovesMessages(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	conv, err := store.CreateConversation(ctx, "user-1", "gone")
	require.NoError(t, err)
	require.NoError(t, store.SaveMessage(ctx, &models.Message{ConversationID: conv.ID, Role: models.RoleUser, Content: "hi"}))

	require.NoError(t, store.DeleteConversation(ctx, conv.ID))

	msgs, err := store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestProfileUpsert(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.GetProfile(ctx, "user-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.UpsertProfile(ctx, &models.Profile{ID: "user-1", Username: "ada"}))
	require.NoError(t, store.UpsertProfile(ctx, &models.Profile{ID: "user-1", Username: "grace"}))

	profile, err := store.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "grace", profile.Username)
	assert.False(t, profile.CreatedAt.IsZero())
}
