package snapshot

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-livechat/internal/models"
)

func TestDecodeNullIsEmpty(t *testing.T) {
	for _, raw := range []string{"", "null", "  ", "{}"} {
		result, err := Decode[models.Message](json.RawMessage(raw))
		require.NoError(t, err, raw)
		require.NotNil(t, result.Items)
		require.Empty(t, result.Items)
		require.Empty(t, result.Skipped)
	}
}

func TestDecodeRejectsNonMapping(t *testing.T) {
	for _, raw := range []string{`[1,2]`, `"text"`, `42`, `true`} {
		_, err := Decode[models.Message](json.RawMessage(raw))
		require.ErrorIs(t, err, ErrNotMapping, raw)
	}
}

func TestDecodeOrdersByCreatedAtThenKey(t *testing.T) {
	raw := json.RawMessage(`{
		"k3": {"text": "third", "senderId": "u1", "createdAt": 300},
		"k1": {"text": "first", "senderId": "u1", "createdAt": 100},
		"kb": {"text": "tie-b", "senderId": "u2", "createdAt": 200},
		"ka": {"text": "tie-a", "senderId": "u2", "createdAt": 200}
	}`)

	result, err := Decode[models.Message](raw)
	require.NoError(t, err)
	require.Len(t, result.Items, 4)

	ids := make([]string, 0, len(result.Items))
	for _, m := range result.Items {
		ids = append(ids, m.ID)
	}
	require.Equal(t, []string{"k1", "ka", "kb", "k3"}, ids)
	require.Equal(t, "first", result.Items[0].Text)
}

func TestDecodeKeyOverridesEmbeddedID(t *testing.T) {
	raw := json.RawMessage(`{"real": {"id": "bogus", "senderId": "u1", "createdAt": 1}}`)

	result, err := Decode[models.Message](raw)
	require.NoError(t, err)
	require.Equal(t, "real", result.Items[0].ID)
}

func TestDecodeSkipsMalformedEntries(t *testing.T) {
	raw := json.RawMessage(`{
		"good": {"text": "ok", "senderId": "u1", "createdAt": 10},
		"bad": "not a record",
		"gone": null
	}`)

	result, err := Decode[models.Message](raw)
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	require.Equal(t, "good", result.Items[0].ID)
	require.Len(t, result.Skipped, 1)
	require.Equal(t, "bad", result.Skipped[0].Key)
}

func TestDecodeWithSchemaSkipsInvalidRecords(t *testing.T) {
	raw := json.RawMessage(`{
		"good": {"text": "ok", "senderId": "u1", "createdAt": 10},
		"nosender": {"text": "who", "createdAt": 20},
		"badtype": {"text": "x", "senderId": "u1", "createdAt": 30, "type": "video"}
	}`)

	result, err := Decode[models.Message](raw, WithSchema(MessageSchema))
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	require.Len(t, result.Skipped, 2)
	require.Equal(t, "badtype", result.Skipped[0].Key)
	require.Equal(t, "nosender", result.Skipped[1].Key)
}

func TestDecodeTypingFillsUserFromKey(t *testing.T) {
	raw := json.RawMessage(`{"u9": {"userName": "Nina", "timestamp": 5}}`)

	result, err := Decode[models.TypingSignal](raw, WithSchema(TypingSchema))
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	require.Equal(t, "u9", result.Items[0].UserID)
}

func TestDecodeDescendingIsNewestFirst(t *testing.T) {
	raw := json.RawMessage(`{
		"n1": {"senderId": "u1", "createdAt": 1},
		"n3": {"senderId": "u1", "createdAt": 3},
		"n2": {"senderId": "u1", "createdAt": 2}
	}`)

	result, err := DecodeDescending[models.NotificationRecord](raw, WithSchema(NotificationSchema))
	require.NoError(t, err)
	require.Len(t, result.Items, 3)
	require.Equal(t, "n3", result.Items[0].ID)
	require.Equal(t, "n1", result.Items[2].ID)
}

func TestDecodeIsDeterministic(t *testing.T) {
	raw := json.RawMessage(`{
		"b": {"senderId": "u1", "createdAt": 5},
		"a": {"senderId": "u1", "createdAt": 5},
		"c": {"senderId": "u1", "createdAt": 4}
	}`)

	first, err := Decode[models.Message](raw)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Decode[models.Message](raw)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}
