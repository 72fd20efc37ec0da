package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-livechat/internal/dto"
	"github.com/noah-isme/gema-livechat/internal/models"
	"github.com/noah-isme/gema-livechat/internal/notify"
	"github.com/noah-isme/gema-livechat/internal/store"
	"github.com/noah-isme/gema-livechat/internal/timeline"
)

func testLogger() zerolog.Logger { return zerolog.New(io.Discard) }

func newTestStore(t *testing.T) *store.RedisStore {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := store.NewRedisStore(client, store.RedisOptions{Prefix: "test", Feed: store.NewRedisFeed(client, "test", testLogger())}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, s.Start(ctx))
	return s
}

func testConfig() Config {
	return Config{
		TypingIdle:       80 * time.Millisecond,
		TypingStaleAfter: 10 * time.Second,
		AutoClose:        100 * time.Millisecond,
		AutoRead:         50 * time.Millisecond,
		Buffer:           256,
	}
}

func startSession(t *testing.T, s store.Store, uid, name string) *Session {
	t.Helper()
	sess := New(context.Background(), Identity{UserID: uid, UserName: name}, Dependencies{Store: s, Logger: testLogger()}, testConfig())
	require.NoError(t, sess.Start())
	t.Cleanup(sess.Close)
	return sess
}

func command(t *testing.T, id, kind string, data any) dto.SessionCommand {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		require.NoError(t, err)
		raw = encoded
	}
	return dto.SessionCommand{ID: id, Type: kind, Data: raw}
}

// waitFor drains events until match returns true.
func waitFor(t *testing.T, sess *Session, kind string, match func(dto.SessionEvent) bool) dto.SessionEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case event := <-sess.Events():
			if event.Type == kind && (match == nil || match(event)) {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
			return dto.SessionEvent{}
		}
	}
}

// waitForEach drains events until every kind in matches has seen a matching
// event, in any order, and returns the matching event per kind.
func waitForEach(t *testing.T, sess *Session, matches map[string]func(dto.SessionEvent) bool) map[string]dto.SessionEvent {
	t.Helper()
	found := make(map[string]dto.SessionEvent, len(matches))
	deadline := time.After(3 * time.Second)
	for len(found) < len(matches) {
		select {
		case event := <-sess.Events():
			match, wanted := matches[event.Type]
			if _, seen := found[event.Type]; wanted && !seen && (match == nil || match(event)) {
				found[event.Type] = event
			}
		case <-deadline:
			missing := make([]string, 0, len(matches))
			for kind := range matches {
				if _, seen := found[kind]; !seen {
					missing = append(missing, kind)
				}
			}
			t.Fatalf("timed out waiting for %v events", missing)
			return nil
		}
	}
	return found
}

func timelineTexts(event dto.SessionEvent) []string {
	view := event.Data.(timeline.View)
	out := make([]string, 0, len(view.Messages))
	for _, m := range view.Messages {
		out = append(out, m.Text)
	}
	return out
}

func TestSessionSendEchoesToBothParticipants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := startSession(t, s, "alice", "Alice")
	bob := startSession(t, s, "bob", "Bob")

	require.NoError(t, alice.Handle(ctx, command(t, "1", dto.CommandOpen, dto.OpenCommand{Kind: "direct", PeerID: "bob"})))
	require.NoError(t, bob.Handle(ctx, command(t, "1", dto.CommandOpen, dto.OpenCommand{Kind: "direct", PeerID: "alice"})))

	require.NoError(t, alice.Handle(ctx, command(t, "2", dto.CommandSendText, dto.SendTextCommand{Text: "hi"})))
	ack := waitFor(t, alice, dto.EventAck, func(e dto.SessionEvent) bool { return e.ID == "2" })
	require.NotEmpty(t, ack.Data.(dto.AckEventData).MessageID)

	event := waitFor(t, alice, dto.EventTimeline, func(e dto.SessionEvent) bool { return len(timelineTexts(e)) == 1 })
	require.Equal(t, []string{"hi"}, timelineTexts(event))

	// Bob's timeline and inbox are separate state kinds and may arrive in either order.
	got := waitForEach(t, bob, map[string]func(dto.SessionEvent) bool{
		dto.EventTimeline:      func(e dto.SessionEvent) bool { return len(timelineTexts(e)) == 1 },
		dto.EventNotifications: func(e dto.SessionEvent) bool { return e.Data.(notify.Summary).Unread == 1 },
	})
	require.Equal(t, []string{"hi"}, timelineTexts(got[dto.EventTimeline]))
	summary := got[dto.EventNotifications].Data.(notify.Summary)
	require.Equal(t, "alice", summary.Pending[0].SenderID)
	require.Equal(t, models.DirectConversation("alice", "bob").ID, summary.Pending[0].ChatID)
}

func TestSessionNotificationFocusSuppressionAndLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := startSession(t, s, "alice", "Alice")
	bob := startSession(t, s, "bob", "Bob")

	require.NoError(t, bob.Handle(ctx, command(t, "p", dto.CommandPermission, dto.PermissionCommand{Permission: "granted"})))
	require.NoError(t, bob.Handle(ctx, command(t, "a", dto.CommandAttention, dto.AttentionCommand{Focused: true, Visible: true})))
	require.NoError(t, alice.Handle(ctx, command(t, "o", dto.CommandOpen, dto.OpenCommand{Kind: "direct", PeerID: "bob"})))

	require.NoError(t, alice.Handle(ctx, command(t, "s1", dto.CommandSendText, dto.SendTextCommand{Text: "while looking"})))
	first := waitFor(t, bob, dto.EventNotifications, func(e dto.SessionEvent) bool { return e.Data.(notify.Summary).Unread == 1 })
	summary := first.Data.(notify.Summary)
	require.Empty(t, summary.Shown)

	// Bob reads it in the open app before looking away.
	require.NoError(t, s.Set(ctx, models.NotificationPath("bob", summary.Pending[0].ID)+"/read", true))
	waitFor(t, bob, dto.EventNotifications, func(e dto.SessionEvent) bool { return e.Data.(notify.Summary).Unread == 0 })

	require.NoError(t, bob.Handle(ctx, command(t, "a2", dto.CommandAttention, dto.AttentionCommand{Focused: false, Visible: true})))
	require.NoError(t, alice.Handle(ctx, command(t, "s2", dto.CommandSendText, dto.SendTextCommand{Text: "while away"})))

	show := waitFor(t, bob, dto.EventNotificationShow, nil)
	alert := show.Data.(notify.Alert)
	require.Equal(t, "while away", alert.Body)
	require.Equal(t, "Alice", alert.Title)

	shows := 1
	var closeEvent dto.SessionEvent
	deadline := time.After(3 * time.Second)
	for closeEvent.Type == "" {
		select {
		case event := <-bob.Events():
			switch event.Type {
			case dto.EventNotificationShow:
				shows++
			case dto.EventNotificationClose:
				closeEvent = event
			}
		case <-deadline:
			t.Fatal("notification was never closed")
		}
	}
	require.Equal(t, 1, shows)
	require.Equal(t, alert.Tag, closeEvent.Data.(map[string]string)["tag"])

	require.Eventually(t, func() bool {
		snap, err := s.Get(ctx, models.NotificationPath("bob", alert.NotificationID)+"/read")
		if err != nil || !snap.Exists() {
			return false
		}
		var read bool
		return snap.Decode(&read) == nil && read
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSessionNotificationClick(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := startSession(t, s, "alice", "Alice")
	bob := New(ctx, Identity{UserID: "bob", UserName: "Bob"}, Dependencies{Store: s, Logger: testLogger()},
		Config{AutoClose: time.Hour, AutoRead: time.Hour, Buffer: 256})
	require.NoError(t, bob.Start())
	t.Cleanup(bob.Close)

	require.NoError(t, bob.Handle(ctx, command(t, "p", dto.CommandPermission, dto.PermissionCommand{Permission: "granted"})))
	require.NoError(t, bob.Handle(ctx, command(t, "a", dto.CommandAttention, dto.AttentionCommand{})))
	require.NoError(t, alice.Handle(ctx, command(t, "o", dto.CommandOpen, dto.OpenCommand{Kind: "direct", PeerID: "bob"})))
	require.NoError(t, alice.Handle(ctx, command(t, "s", dto.CommandSendText, dto.SendTextCommand{Text: "ping"})))

	alert := waitFor(t, bob, dto.EventNotificationShow, nil).Data.(notify.Alert)
	require.NoError(t, bob.Handle(ctx, command(t, "c", dto.CommandNotificationClick, dto.NotificationClickCommand{NotificationID: alert.NotificationID})))

	focus := waitFor(t, bob, dto.EventWindowFocus, nil)
	require.Equal(t, "alice_bob", focus.Data.(map[string]string)["chatId"])

	snap, err := s.Get(ctx, models.NotificationPath("bob", alert.NotificationID)+"/read")
	require.NoError(t, err)
	var read bool
	require.NoError(t, snap.Decode(&read))
	require.True(t, read)
}

func TestSessionTypingPresence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := startSession(t, s, "alice", "Alice Smith")
	bob := startSession(t, s, "bob", "Bob")

	require.NoError(t, alice.Handle(ctx, command(t, "o", dto.CommandOpen, dto.OpenCommand{Kind: "direct", PeerID: "bob"})))
	require.NoError(t, bob.Handle(ctx, command(t, "o", dto.CommandOpen, dto.OpenCommand{Kind: "direct", PeerID: "alice"})))

	require.NoError(t, alice.Handle(ctx, command(t, "k", dto.CommandKeystroke, dto.KeystrokeCommand{Text: "h"})))
	waitFor(t, bob, dto.EventTyping, func(e dto.SessionEvent) bool {
		return e.Data.(dto.TypingEventData).Text == "Alice is typing..."
	})

	// Alice never sees her own signal.
	waitFor(t, alice, dto.EventTyping, func(e dto.SessionEvent) bool {
		return e.Data.(dto.TypingEventData).Text == ""
	})

	waitFor(t, bob, dto.EventTyping, func(e dto.SessionEvent) bool {
		data := e.Data.(dto.TypingEventData)
		return data.Text == "" && data.ConversationID == "alice_bob"
	})
}

func TestSessionCommandErrorsKeepSessionUsable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := startSession(t, s, "alice", "Alice")

	err := alice.Handle(ctx, command(t, "1", dto.CommandSendText, dto.SendTextCommand{Text: "nobody listening"}))
	require.ErrorIs(t, err, ErrNoConversation)
	event := waitFor(t, alice, dto.EventError, func(e dto.SessionEvent) bool { return e.ID == "1" })
	require.Equal(t, "no_conversation", event.Data.(dto.ErrorEventData).Code)

	err = alice.Handle(ctx, dto.SessionCommand{ID: "2", Type: "explode"})
	require.ErrorIs(t, err, ErrInvalidCommand)

	err = alice.Handle(ctx, command(t, "3", dto.CommandOpen, dto.OpenCommand{Kind: "direct", PeerID: "alice"}))
	require.ErrorIs(t, err, models.ErrInvalidConversation)

	err = alice.Handle(ctx, command(t, "4", dto.CommandOpen, dto.OpenCommand{Kind: "group", GroupID: "secret"}))
	require.ErrorIs(t, err, ErrNotMember)
	event = waitFor(t, alice, dto.EventError, func(e dto.SessionEvent) bool { return e.ID == "4" })
	require.Equal(t, "forbidden", event.Data.(dto.ErrorEventData).Code)

	require.NoError(t, alice.Handle(ctx, command(t, "5", dto.CommandOpen, dto.OpenCommand{Kind: "direct", PeerID: "bob"})))
	require.NoError(t, alice.Handle(ctx, command(t, "6", dto.CommandSendText, dto.SendTextCommand{Text: "works"})))
}

func TestSessionGroupReplyAndVoice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "groups/g1/members/alice", models.Member{JoinedAt: 1, Role: models.RoleAdmin}))
	alice := startSession(t, s, "alice", "Alice")

	require.NoError(t, alice.Handle(ctx, command(t, "o", dto.CommandOpen, dto.OpenCommand{Kind: "group", GroupID: "g1"})))
	require.NoError(t, alice.Handle(ctx, command(t, "s", dto.CommandSendText, dto.SendTextCommand{Text: "first"})))
	event := waitFor(t, alice, dto.EventTimeline, func(e dto.SessionEvent) bool { return len(timelineTexts(e)) == 1 })
	firstID := event.Data.(timeline.View).Messages[0].ID

	require.NoError(t, alice.Handle(ctx, command(t, "r", dto.CommandReplyTo, dto.ReplyToCommand{MessageID: firstID})))
	audio := base64.StdEncoding.EncodeToString([]byte("OggS\x00\x02voice-bytes"))
	require.NoError(t, alice.Handle(ctx, command(t, "v", dto.CommandSendVoice, dto.SendVoiceCommand{Audio: audio, Mime: "audio/ogg", Duration: 9})))

	event = waitFor(t, alice, dto.EventTimeline, func(e dto.SessionEvent) bool { return len(timelineTexts(e)) == 2 })
	voice := event.Data.(timeline.View).Messages[1]
	require.Equal(t, models.MessageVoice, voice.Type)
	require.Equal(t, "0:09", voice.FormattedDuration)
	require.NotNil(t, voice.ReplyTo)
	require.Equal(t, firstID, voice.ReplyTo.MessageID)
	require.Equal(t, "first", voice.ReplyTo.Text)

	snap, err := s.Get(ctx, "groups/g1/lastMessage")
	require.NoError(t, err)
	var last string
	require.NoError(t, snap.Decode(&last))
	require.Equal(t, "🎤 Voice message", last)
}

func TestSessionCloseClearsPresenceAndTyping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := New(ctx, Identity{UserID: "alice", UserName: "Alice"}, Dependencies{Store: s, Logger: testLogger()},
		Config{TypingIdle: time.Hour, Buffer: 256})
	require.NoError(t, alice.Start())

	var profile models.UserProfile
	snap, err := s.Get(ctx, models.UserPath("alice"))
	require.NoError(t, err)
	require.NoError(t, snap.Decode(&profile))
	require.True(t, profile.Online)

	require.NoError(t, alice.Handle(ctx, command(t, "o", dto.CommandOpen, dto.OpenCommand{Kind: "direct", PeerID: "bob"})))
	require.NoError(t, alice.Handle(ctx, command(t, "k", dto.CommandKeystroke, dto.KeystrokeCommand{Text: "typing"})))

	typingSnap, err := s.Get(ctx, "chats/alice_bob/typing/alice")
	require.NoError(t, err)
	require.True(t, typingSnap.Exists())

	alice.Close()
	<-alice.Done()

	typingSnap, err = s.Get(ctx, "chats/alice_bob/typing/alice")
	require.NoError(t, err)
	require.False(t, typingSnap.Exists())

	snap, err = s.Get(ctx, models.UserPath("alice"))
	require.NoError(t, err)
	profile = models.UserProfile{}
	require.NoError(t, snap.Decode(&profile))
	require.False(t, profile.Online)
	require.NotZero(t, profile.LastSeen)

	require.ErrorIs(t, alice.Handle(ctx, command(t, "x", dto.CommandMarkRead, nil)), ErrClosed)
}

func TestManagerTracksSessions(t *testing.T) {
	s := newTestStore(t)
	manager := NewManager(Dependencies{Store: s, Logger: testLogger()}, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	sess, err := manager.Open(ctx, Identity{UserID: "alice", UserName: "Alice"})
	require.NoError(t, err)
	_, err = manager.Open(context.Background(), Identity{UserID: "bob", UserName: "Bob"})
	require.NoError(t, err)

	require.Equal(t, 2, manager.Count())

	cancel()
	<-sess.Done()
	require.Eventually(t, func() bool { return manager.Count() == 1 }, time.Second, 10*time.Millisecond)

	manager.CloseAll()
	require.Eventually(t, func() bool { return manager.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func onlineAt(t *testing.T, s store.Store, path string) bool {
	t.Helper()
	snap, err := s.Get(context.Background(), path+"/online")
	require.NoError(t, err)
	var online bool
	require.NoError(t, snap.Decode(&online))
	return online
}

func TestManagerKeepsUserOnlineWhileAnotherTabIsLive(t *testing.T) {
	s := newTestStore(t)
	manager := NewManager(Dependencies{Store: s, Logger: testLogger()}, testConfig())
	t.Cleanup(manager.CloseAll)

	first, err := manager.Open(context.Background(), Identity{UserID: "alice", UserName: "Alice"})
	require.NoError(t, err)
	second, err := manager.Open(context.Background(), Identity{UserID: "alice", UserName: "Alice"})
	require.NoError(t, err)

	first.Close()
	require.True(t, onlineAt(t, s, models.UserPath("alice")))
	require.True(t, onlineAt(t, s, models.DirectoryEntryPath("alice")))

	second.Close()
	require.False(t, onlineAt(t, s, models.UserPath("alice")))
	require.False(t, onlineAt(t, s, models.DirectoryEntryPath("alice")))
}

func TestSessionWritesProfileAndListsOtherUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bob := New(ctx, Identity{UserID: "bob", UserName: "Bob"}, Dependencies{Store: s, Logger: testLogger()}, testConfig())
	require.NoError(t, bob.Start())
	require.NoError(t, s.Set(ctx, models.DirectoryEntryPath("carol"), map[string]any{"displayName": "Carol", "online": false, "lastSeen": 5}))
	require.NoError(t, s.Set(ctx, models.DirectoryEntryPath("broken"), "not a profile"))

	alice := New(ctx, Identity{UserID: "alice", UserName: "Alice", Email: "alice@example.com", PhotoURL: "https://img/a.png"},
		Dependencies{Store: s, Logger: testLogger()}, testConfig())
	require.NoError(t, alice.Start())
	t.Cleanup(alice.Close)

	var profile models.UserProfile
	snap, err := s.Get(ctx, models.UserPath("alice"))
	require.NoError(t, err)
	require.NoError(t, snap.Decode(&profile))
	require.Equal(t, models.UserProfile{
		UID: "alice", Email: "alice@example.com", DisplayName: "Alice", PhotoURL: "https://img/a.png",
		Online: true, LastSeen: profile.LastSeen,
	}, profile)
	require.NotZero(t, profile.LastSeen)

	event := waitFor(t, alice, dto.EventUsers, func(e dto.SessionEvent) bool {
		return len(e.Data.(dto.UsersEventData).Users) == 2
	})
	users := event.Data.(dto.UsersEventData).Users
	require.Equal(t, "bob", users[0].UID)
	require.True(t, users[0].Online)
	require.Equal(t, "carol", users[1].UID)
	require.False(t, users[1].Online)

	bob.Close()
	waitFor(t, alice, dto.EventUsers, func(e dto.SessionEvent) bool {
		list := e.Data.(dto.UsersEventData).Users
		return len(list) == 2 && list[0].UID == "bob" && !list[0].Online && list[0].LastSeen > 0
	})
}

func TestSessionDeliversLatestTimelineToSlowTab(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfg := testConfig()
	cfg.Buffer = 1

	alice := New(ctx, Identity{UserID: "alice", UserName: "Alice"}, Dependencies{Store: s, Logger: testLogger()}, cfg)
	require.NoError(t, alice.Start())
	t.Cleanup(alice.Close)
	require.NoError(t, alice.Handle(ctx, command(t, "o", dto.CommandOpen, dto.OpenCommand{Kind: "direct", PeerID: "bob"})))

	const total = 40
	ref := models.DirectConversation("alice", "bob")
	for i := 0; i < total; i++ {
		_, err := s.Push(ctx, ref.MessagesPath(), map[string]any{
			"text": "flood", "senderId": "bob", "senderName": "Bob", "createdAt": i + 1,
		})
		require.NoError(t, err)
	}
	// Let every delivery pile up behind the full buffer before the tab reads.
	time.Sleep(200 * time.Millisecond)

	event := waitFor(t, alice, dto.EventTimeline, func(e dto.SessionEvent) bool {
		return len(timelineTexts(e)) == total
	})
	require.Len(t, timelineTexts(event), total)
}
