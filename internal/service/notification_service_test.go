package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-livechat/internal/store"
)

func seedInbox(t *testing.T, ctx context.Context, s store.Store) {
	t.Helper()
	require.NoError(t, s.Set(ctx, "users/u1/notifications", map[string]any{
		"n1": map[string]any{"title": "Alice", "body": "hi", "chatId": "u1_u2", "senderId": "u2", "senderName": "Alice", "type": "message", "read": false, "createdAt": 100},
		"n2": map[string]any{"title": "Alice", "body": "again", "chatId": "u1_u2", "senderId": "u2", "senderName": "Alice", "type": "message", "read": true, "createdAt": 200},
		"n3": map[string]any{"title": "Bob", "body": "yo", "chatId": "u1_u3", "senderId": "u3", "senderName": "Bob", "type": "message", "read": false, "createdAt": 300},
		"bad": map[string]any{"title": "missing sender"},
	}))
}

func TestNotificationServiceListNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInbox(t, ctx, s)
	svc := NewNotificationService(s, testLogger())

	items, err := svc.List(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, []string{"n3", "n2", "n1"}, []string{items[0].ID, items[1].ID, items[2].ID})

	limited, err := svc.List(ctx, "u1", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, "n3", limited[0].ID)

	empty, err := svc.List(ctx, "nobody", 10)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestNotificationServiceUnreadAndMarkRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInbox(t, ctx, s)
	svc := NewNotificationService(s, testLogger())

	count, err := svc.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 2, count.Unread)

	item, err := svc.MarkRead(ctx, "u1", "n1")
	require.NoError(t, err)
	require.True(t, item.Read)
	require.Equal(t, "n1", item.ID)

	count, err = svc.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, count.Unread)

	_, err = svc.MarkRead(ctx, "u1", "missing")
	require.ErrorIs(t, err, ErrNotificationNotFound)
	_, err = svc.MarkRead(ctx, "u1", "n1/read")
	require.ErrorIs(t, err, ErrNotificationNotFound)
}

func TestNotificationServiceClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInbox(t, ctx, s)
	require.NoError(t, s.Set(ctx, "users/u1/online", true))
	svc := NewNotificationService(s, testLogger())

	require.NoError(t, svc.Clear(ctx, "u1"))

	items, err := svc.List(ctx, "u1", 0)
	require.NoError(t, err)
	require.Empty(t, items)

	online, err := s.Get(ctx, "users/u1/online")
	require.NoError(t, err)
	require.JSONEq(t, `true`, string(online.Raw))
}
