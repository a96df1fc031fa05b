package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCreateAndGetConversation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	created, err := st.CreateConversation(ctx, "t-acme", "Draft a follow-up", "simulated", "relay-sim-1", 100)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := st.GetConversation(ctx, "t-acme", created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)
	assert.Equal(t, "t-acme", got.TenantID)
	assert.Equal(t, int64(100), got.CreatedAtUnix)
	assert.Equal(t, int64(100), got.UpdatedAtUnix)
}

func TestGetConversationNotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetConversation(context.Background(), "t-acme", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetConversationScopedByTenant(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "t-acme", "", "simulated", "", 100)
	require.NoError(t, err)

	_, err = st.GetConversation(ctx, "t-globex", conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendAndReadMessages(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "t-acme", "", "simulated", "", 100)
	require.NoError(t, err)

	require.NoError(t, st.AppendMessage(ctx, conv.ID, "user", "Who are my Acme contacts?", 101))
	require.NoError(t, st.AppendMessage(ctx, conv.ID, "assistant", "You have two contacts at Acme.", 102))
	require.NoError(t, st.AppendMessage(ctx, conv.ID, "user", "Draft an intro email.", 103))

	msgs, err := st.Messages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "Draft an intro email.", msgs[2].Content)
	assert.Equal(t, int64(101), msgs[0].CreatedAtUnix)
	assert.Equal(t, conv.ID, msgs[0].ConversationID)
}

func TestAppendMessageBumpsUpdatedAt(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "t-acme", "", "simulated", "", 100)
	require.NoError(t, err)

	require.NoError(t, st.AppendMessage(ctx, conv.ID, "user", "hello", 200))

	got, err := st.GetConversation(ctx, "t-acme", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.UpdatedAtUnix)
	assert.Equal(t, int64(100), got.CreatedAtUnix)
}

func TestAppendMessageUnknownConversation(t *testing.T) {
	st := newTestStore(t)

	err := st.AppendMessage(context.Background(), "missing", "user", "hello", 100)
	assert.Error(t, err)
}

func TestMessagesEmptyConversation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "t-acme", "", "simulated", "", 100)
	require.NoError(t, err)

	msgs, err := st.Messages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestListConversationsRecencyOrder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first, err := st.CreateConversation(ctx, "t-acme", "first", "simulated", "", 10)
	require.NoError(t, err)
	second, err := st.CreateConversation(ctx, "t-acme", "second", "simulated", "", 20)
	require.NoError(t, err)

	convs, err := st.ListConversations(ctx, "t-acme", 10)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, second.ID, convs[0].ID)
	assert.Equal(t, first.ID, convs[1].ID)

	// Touching the older conversation moves it to the front.
	require.NoError(t, st.TouchConversation(ctx, first.ID, 30))

	convs, err = st.ListConversations(ctx, "t-acme", 10)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, first.ID, convs[0].ID)

	convs, err = st.ListConversations(ctx, "t-acme", 1)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, first.ID, convs[0].ID)
}

func TestListConversationsScopedByTenant(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.CreateConversation(ctx, "t-acme", "", "simulated", "", 10)
	require.NoError(t, err)
	_, err = st.CreateConversation(ctx, "t-globex", "", "simulated", "", 20)
	require.NoError(t, err)

	convs, err := st.ListConversations(ctx, "t-acme", 10)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "t-acme", convs[0].TenantID)
}
