package timeline

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-livechat/internal/models"
	"github.com/noah-isme/gema-livechat/internal/store"
)

type update struct {
	base   string
	fields map[string]any
}

type recordingWriter struct {
	mu      sync.Mutex
	updates []update
}

func (w *recordingWriter) Update(_ context.Context, base string, fields map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.updates = append(w.updates, update{base: base, fields: fields})
	return nil
}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func messagesSnapshot(raw string) store.Snapshot {
	return store.Snapshot{Path: "chats/alice_bob/messages", Raw: json.RawMessage(raw)}
}

const sampleMessages = `{
	"m2": {"text": "there", "senderId": "bob", "senderName": "Bob", "createdAt": 105, "pinned": true},
	"m1": {"text": "hi", "senderId": "alice", "senderName": "Alice", "createdAt": 100},
	"m3": {"text": "gone", "senderId": "alice", "createdAt": 110, "deleted": true, "pinned": true, "imageUrl": "https://x/y.png"},
	"m4": {"imageUrl": "https://x/z.png", "senderId": "bob", "createdAt": 120},
	"bad": {"text": "no sender", "createdAt": 1}
}`

func newAliceTimeline(w Writer) *Timeline {
	return New(models.DirectConversation("alice", "bob"), Identity{UserID: "alice", UserName: "Alice"}, w, WithClock(fixedClock(500)))
}

func TestApplyOrdersNormalizesAndDerivesPinned(t *testing.T) {
	tl := newAliceTimeline(&recordingWriter{})

	view := tl.Apply(messagesSnapshot(sampleMessages))
	require.Equal(t, "alice_bob", view.ConversationID)
	require.Len(t, view.Messages, 4)

	ids := []string{}
	for _, m := range view.Messages {
		ids = append(ids, m.ID)
	}
	require.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids)

	require.Equal(t, models.StatusSent, view.Messages[0].Status)
	require.NotNil(t, view.Messages[0].ReadBy)
	require.Equal(t, models.MessageText, view.Messages[0].Type)

	tomb := view.Messages[2]
	require.True(t, tomb.Deleted)
	require.Empty(t, tomb.Text)
	require.Empty(t, tomb.ImageURL)

	require.Equal(t, models.MessageImage, view.Messages[3].Type)

	require.Len(t, view.Pinned, 1)
	require.Equal(t, "m2", view.Pinned[0].ID)
	for _, p := range view.Pinned {
		require.True(t, p.Pinned)
		require.False(t, p.Deleted)
	}

	require.Equal(t, []string{"bad"}, view.Malformed)
}

func TestApplyFullyReplaces(t *testing.T) {
	tl := newAliceTimeline(&recordingWriter{})
	tl.Apply(messagesSnapshot(sampleMessages))

	view := tl.Apply(messagesSnapshot(`null`))
	require.Empty(t, view.Messages)
	require.Empty(t, tl.View().Messages)
}

func TestOperationsIssueOneWriteAndLeaveViewAlone(t *testing.T) {
	w := &recordingWriter{}
	tl := newAliceTimeline(w)
	tl.Apply(messagesSnapshot(sampleMessages))
	before := tl.View()
	ctx := context.Background()

	require.NoError(t, tl.Edit(ctx, "m1", "hello"))
	require.NoError(t, tl.Pin(ctx, "m1"))
	require.NoError(t, tl.Unpin(ctx, "m2"))
	require.NoError(t, tl.React(ctx, "m2", "👍"))
	require.NoError(t, tl.Unreact(ctx, "m2"))
	require.NoError(t, tl.Delete(ctx, "m1"))

	require.Len(t, w.updates, 6)
	require.Equal(t, before, tl.View())

	edit := w.updates[0]
	require.Equal(t, "chats/alice_bob/messages/m1", edit.base)
	require.Equal(t, "hello", edit.fields["text"])
	require.Equal(t, true, edit.fields["edited"])
	require.Equal(t, int64(500), edit.fields["editedAt"])

	pin := w.updates[1].fields
	require.Equal(t, "alice", pin["pinnedBy"])

	unpin := w.updates[2].fields
	require.Equal(t, false, unpin["pinned"])
	require.Nil(t, unpin["pinnedBy"])

	react := w.updates[3].fields["reactions/alice"].(models.Reaction)
	require.Equal(t, "👍", react.Emoji)
	require.Equal(t, "Alice", react.UserName)

	require.Contains(t, w.updates[4].fields, "reactions/alice")
	require.Nil(t, w.updates[4].fields["reactions/alice"])

	del := w.updates[5].fields
	require.Equal(t, true, del["deleted"])
	require.Equal(t, "", del["text"])
	require.Nil(t, del["imageUrl"])
	require.Nil(t, del["audioData"])
}

func TestOperationGuards(t *testing.T) {
	w := &recordingWriter{}
	tl := newAliceTimeline(w)
	tl.Apply(messagesSnapshot(sampleMessages))
	ctx := context.Background()

	require.ErrorIs(t, tl.Edit(ctx, "m2", "mine now"), ErrNotOwner)
	require.ErrorIs(t, tl.Delete(ctx, "m2"), ErrNotOwner)
	require.ErrorIs(t, tl.Edit(ctx, "m3", "revive"), ErrMessageDeleted)
	require.ErrorIs(t, tl.Pin(ctx, "m3"), ErrMessageDeleted)
	require.ErrorIs(t, tl.Edit(ctx, "missing", "x"), ErrMessageNotFound)
	require.ErrorIs(t, tl.Edit(ctx, "m1", "   "), ErrEmptyMessage)
	require.ErrorIs(t, tl.React(ctx, "m1", ""), ErrInvalidEmoji)
	_, err := tl.SendText(ctx, "  ", nil)
	require.ErrorIs(t, err, ErrEmptyMessage)

	require.Empty(t, w.updates)
}

func TestVoiceMessagesAreNotEditable(t *testing.T) {
	tl := newAliceTimeline(&recordingWriter{})
	tl.Apply(messagesSnapshot(`{"v1": {"type": "voice", "text": "🎤 Voice message (0:03)", "senderId": "alice", "createdAt": 1, "audioData": "data:audio/webm;base64,AAAA"}}`))

	require.ErrorIs(t, tl.Edit(context.Background(), "v1", "nope"), ErrNotEditable)
}

func TestSendTextWritesMessageSummaryAndNotification(t *testing.T) {
	w := &recordingWriter{}
	tl := newAliceTimeline(w)

	key, err := tl.SendText(context.Background(), "hi bob", nil)
	require.NoError(t, err)
	require.Len(t, w.updates, 1)

	u := w.updates[0]
	require.Equal(t, "", u.base)
	message := u.fields["chats/alice_bob/messages/"+key].(models.Message)
	require.Equal(t, "hi bob", message.Text)
	require.Equal(t, int64(500), message.CreatedAt)
	require.Equal(t, models.StatusSent, message.Status)
	require.Equal(t, "hi bob", u.fields["chats/alice_bob/lastMessage"])
	require.Equal(t, int64(500), u.fields["chats/alice_bob/lastActivity"])

	var record models.NotificationRecord
	for path, value := range u.fields {
		if len(path) > len("users/bob/notifications/") && path[:len("users/bob/notifications/")] == "users/bob/notifications/" {
			record = value.(models.NotificationRecord)
		}
	}
	require.Equal(t, "alice", record.SenderID)
	require.Equal(t, "Alice", record.Title)
	require.Equal(t, "hi bob", record.Body)
	require.Equal(t, "alice_bob", record.ChatID)
	require.False(t, record.Read)
}

func TestGroupSendHasNoNotification(t *testing.T) {
	w := &recordingWriter{}
	tl := New(models.GroupConversation("g1"), Identity{UserID: "alice", UserName: "Alice"}, w)

	_, err := tl.SendImage(context.Background(), "https://img/x.png", "", nil)
	require.NoError(t, err)
	require.Len(t, w.updates[0].fields, 3)
	require.Equal(t, "[Image]", w.updates[0].fields["groups/g1/lastMessage"])
}

func TestSendVoiceEncodesPayloadAndFixedSummary(t *testing.T) {
	w := &recordingWriter{}
	tl := newAliceTimeline(w)
	audio := []byte("OggS\x00\x02fake-opus-audio-bytes")

	key, err := tl.SendVoice(context.Background(), audio, "audio/ogg;codecs=opus", 75, nil)
	require.NoError(t, err)

	u := w.updates[0].fields
	message := u["chats/alice_bob/messages/"+key].(models.Message)
	require.Equal(t, models.MessageVoice, message.Type)
	require.Equal(t, 75, message.DurationSeconds)
	require.Equal(t, "1:15", message.FormattedDuration)
	require.Equal(t, "🎤 Voice message (1:15)", message.Text)
	require.Equal(t, "🎤 Voice message", u["chats/alice_bob/lastMessage"])

	decoded, mime, err := DecodeVoice(message.AudioPayload)
	require.NoError(t, err)
	require.Equal(t, audio, decoded)
	require.Equal(t, "audio/ogg", mime)
}

func TestSendVoiceRespectsLimit(t *testing.T) {
	tl := New(models.GroupConversation("g1"), Identity{UserID: "a"}, &recordingWriter{}, WithVoiceLimit(4))
	_, err := tl.SendVoice(context.Background(), []byte("12345"), "audio/webm", 1, nil)
	require.ErrorIs(t, err, ErrAudioTooLarge)
}

func TestReplyToDenormalizes(t *testing.T) {
	tl := newAliceTimeline(&recordingWriter{})
	tl.Apply(messagesSnapshot(sampleMessages))

	ref, err := tl.ReplyTo("m4")
	require.NoError(t, err)
	require.Equal(t, "m4", ref.MessageID)
	require.Equal(t, "[Image]", ref.Text)

	_, err = tl.ReplyTo("nope")
	require.ErrorIs(t, err, ErrMessageNotFound)
}

func TestMarkReadTouchesOnlyPeerMessages(t *testing.T) {
	w := &recordingWriter{}
	tl := newAliceTimeline(w)
	tl.Apply(messagesSnapshot(sampleMessages))

	n, err := tl.MarkRead(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, w.updates, 1)
	fields := w.updates[0].fields
	require.Equal(t, true, fields["m2/readBy/alice"])
	require.Equal(t, "read", fields["m2/status"])
	require.NotContains(t, fields, "m1/readBy/alice")
}

func TestReactionCounts(t *testing.T) {
	m := models.Message{Reactions: map[string]models.Reaction{
		"a": {Emoji: "👍"}, "b": {Emoji: "👍"}, "c": {Emoji: "😂"}, "d": {},
	}}
	require.Equal(t, map[string]int{"👍": 2, "😂": 1}, ReactionCounts(m))
}

func newSharedStore(t *testing.T) *store.RedisStore {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := zerolog.New(io.Discard)
	s := store.NewRedisStore(client, store.RedisOptions{Prefix: "test", Feed: store.NewRedisFeed(client, "test", logger)}, logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, s.Start(ctx))
	return s
}

func texts(view View) []string {
	out := make([]string, 0, len(view.Messages))
	for _, m := range view.Messages {
		out = append(out, m.Text)
	}
	return out
}

func TestBothParticipantsSeeCreatedAtOrder(t *testing.T) {
	s := newSharedStore(t)
	ctx := context.Background()
	ref := models.DirectConversation("bob", "alice")

	aliceLate := New(ref, Identity{UserID: "alice", UserName: "Alice"}, s, WithClock(fixedClock(105)))
	aliceEarly := New(ref, Identity{UserID: "alice", UserName: "Alice"}, s, WithClock(fixedClock(100)))
	bob := New(ref, Identity{UserID: "bob", UserName: "Bob"}, s)

	// The later message reaches the store first.
	_, err := aliceLate.SendText(ctx, "there", nil)
	require.NoError(t, err)
	_, err = aliceEarly.SendText(ctx, "hi", nil)
	require.NoError(t, err)

	for _, tl := range []*Timeline{aliceLate, bob} {
		tl := tl
		sub, err := s.Subscribe(ctx, ref.MessagesPath(), func(snap store.Snapshot) { tl.Apply(snap) })
		require.NoError(t, err)
		t.Cleanup(sub.Close)
	}

	for _, tl := range []*Timeline{aliceLate, bob} {
		tl := tl
		require.Eventually(t, func() bool {
			got := texts(tl.View())
			return len(got) == 2 && got[0] == "hi" && got[1] == "there"
		}, 2*time.Second, 10*time.Millisecond)
	}

	snap, err := s.Get(ctx, ref.Path()+"/lastMessage")
	require.NoError(t, err)
	var last string
	require.NoError(t, snap.Decode(&last))
	require.Equal(t, "hi", last)
}

func TestDeleteLeavesTombstoneInSequence(t *testing.T) {
	s := newSharedStore(t)
	ctx := context.Background()
	ref := models.GroupConversation("g1")
	tl := New(ref, Identity{UserID: "alice", UserName: "Alice"}, s)

	sub, err := s.Subscribe(ctx, ref.MessagesPath(), func(snap store.Snapshot) { tl.Apply(snap) })
	require.NoError(t, err)
	t.Cleanup(sub.Close)

	id, err := tl.SendImage(ctx, "https://img/cat.png", "cat", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, ok := tl.Message(id); return ok }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, tl.Delete(ctx, id))
	require.Eventually(t, func() bool {
		m, ok := tl.Message(id)
		return ok && m.Deleted
	}, 2*time.Second, 10*time.Millisecond)

	m, _ := tl.Message(id)
	require.Empty(t, m.Text)
	require.Empty(t, m.ImageURL)
	require.Len(t, tl.View().Messages, 1)

	raw, err := s.Get(ctx, ref.MessagePath(id)+"/imageUrl")
	require.NoError(t, err)
	require.False(t, raw.Exists())
}

func TestTextIsStoredAsTyped(t *testing.T) {
	s := newSharedStore(t)
	ctx := context.Background()
	ref := models.DirectConversation("alice", "bob")
	tl := New(ref, Identity{UserID: "alice", UserName: "Alice"}, s)

	inputs := []string{"Tom & Jerry", "I <3 you", "if a<b && c>d", `say "hi"`, "<b>not bold</b>"}
	for i, text := range inputs {
		tl.now = fixedClock(int64(100 + i))
		_, err := tl.SendText(ctx, "  "+text+"\n", nil)
		require.NoError(t, err)
	}

	snap, err := s.Get(ctx, ref.MessagesPath())
	require.NoError(t, err)
	view := tl.Apply(snap)
	require.Equal(t, inputs, texts(view))

	inbox, err := s.Get(ctx, models.NotificationsPath("bob"))
	require.NoError(t, err)
	var records map[string]models.NotificationRecord
	require.NoError(t, inbox.Decode(&records))
	bodies := make([]string, 0, len(records))
	for _, record := range records {
		bodies = append(bodies, record.Body)
	}
	require.ElementsMatch(t, inputs, bodies)

	reply, err := tl.ReplyTo(view.Messages[0].ID)
	require.NoError(t, err)
	require.Equal(t, "Tom & Jerry", reply.Text)

	require.NoError(t, tl.Edit(ctx, view.Messages[1].ID, `x < y & "z"`))
	edited, err := s.Get(ctx, ref.MessagePath(view.Messages[1].ID)+"/text")
	require.NoError(t, err)
	var text string
	require.NoError(t, edited.Decode(&text))
	require.Equal(t, `x < y & "z"`, text)
}

func TestTextValidation(t *testing.T) {
	tl := newAliceTimeline(&recordingWriter{})
	ctx := context.Background()

	_, err := tl.SendText(ctx, "   ", nil)
	require.ErrorIs(t, err, ErrEmptyMessage)

	_, err = tl.SendText(ctx, "bad \xff byte", nil)
	require.ErrorIs(t, err, ErrInvalidText)

	long := make([]rune, MaxTextLength+1)
	for i := range long {
		long[i] = 'é'
	}
	_, err = tl.SendText(ctx, string(long), nil)
	require.ErrorIs(t, err, ErrTextTooLong)

	_, err = tl.SendText(ctx, string(long[:MaxTextLength]), nil)
	require.NoError(t, err)
}
