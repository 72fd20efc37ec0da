package timeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-livechat/internal/models"
	"github.com/noah-isme/gema-livechat/internal/notify"
	"github.com/noah-isme/gema-livechat/internal/observability"
	"github.com/noah-isme/gema-livechat/internal/store"
)

const (
	imageSummary = "[Image]"
	voiceSummary = "🎤 Voice message"
	maxEmojiLen  = 16
	// MaxTextLength bounds message text and captions, in runes.
	MaxTextLength = 4000
)

// SendText appends a text message.
func (t *Timeline) SendText(ctx context.Context, text string, reply *models.ReplyRef) (string, error) {
	clean, err := plainText(text)
	if err != nil {
		return "", err
	}
	if clean == "" {
		return "", ErrEmptyMessage
	}

	message := t.draft(models.MessageText, reply)
	message.Text = clean
	return t.send(ctx, message, clean, "message")
}

// SendImage appends an image message pointing at an uploaded, publicly readable URL.
func (t *Timeline) SendImage(ctx context.Context, imageURL, caption string, reply *models.ReplyRef) (string, error) {
	imageURL = strings.TrimSpace(imageURL)
	if imageURL == "" {
		return "", ErrEmptyMessage
	}

	caption, err := plainText(caption)
	if err != nil {
		return "", err
	}

	message := t.draft(models.MessageImage, reply)
	message.ImageURL = imageURL
	message.Text = caption
	return t.send(ctx, message, imageSummary, string(models.MessageImage))
}

// SendVoice encodes the recording and appends a voice message.
func (t *Timeline) SendVoice(ctx context.Context, audio []byte, mime string, seconds int, reply *models.ReplyRef) (string, error) {
	if t.voiceLimit > 0 && len(audio) > t.voiceLimit {
		return "", ErrAudioTooLarge
	}
	payload, err := EncodeVoice(audio, mime)
	if err != nil {
		return "", err
	}
	if seconds < 0 {
		seconds = 0
	}

	message := t.draft(models.MessageVoice, reply)
	message.Text = VoiceText(seconds)
	message.AudioPayload = payload
	message.DurationSeconds = seconds
	message.FormattedDuration = FormatDuration(seconds)
	return t.send(ctx, message, voiceSummary, string(models.MessageVoice))
}

// ReplyTo captures a denormalized reference to a message currently in view.
func (t *Timeline) ReplyTo(id string) (*models.ReplyRef, error) {
	target, ok := t.Message(id)
	if !ok {
		return nil, ErrMessageNotFound
	}

	text := target.Text
	if text == "" {
		switch target.Type {
		case models.MessageImage:
			text = imageSummary
		case models.MessageVoice:
			text = "[Voice message]"
		}
	}
	return &models.ReplyRef{MessageID: target.ID, Text: text, SenderName: target.SenderName}, nil
}

// Edit replaces the text of one of the user's own text or image messages.
func (t *Timeline) Edit(ctx context.Context, id, text string) error {
	target, err := t.own(id)
	if err != nil {
		return err
	}
	if target.Type == models.MessageVoice {
		return ErrNotEditable
	}
	clean, err := plainText(text)
	if err != nil {
		return err
	}
	if clean == "" {
		return ErrEmptyMessage
	}

	return t.write(ctx, "edit", t.ref.MessagePath(id), map[string]any{
		"text":     clean,
		"edited":   true,
		"editedAt": t.now().UnixMilli(),
	})
}

// Delete turns one of the user's own messages into a tombstone.
func (t *Timeline) Delete(ctx context.Context, id string) error {
	if _, err := t.own(id); err != nil {
		return err
	}

	return t.write(ctx, "delete", t.ref.MessagePath(id), map[string]any{
		"deleted":   true,
		"deletedAt": t.now().UnixMilli(),
		"text":      "",
		"imageUrl":  nil,
		"audioData": nil,
	})
}

func (t *Timeline) Pin(ctx context.Context, id string) error {
	if _, err := t.live(id); err != nil {
		return err
	}
	return t.write(ctx, "pin", t.ref.MessagePath(id), map[string]any{
		"pinned":   true,
		"pinnedBy": t.self.UserID,
		"pinnedAt": t.now().UnixMilli(),
	})
}

func (t *Timeline) Unpin(ctx context.Context, id string) error {
	if _, ok := t.Message(id); !ok {
		return ErrMessageNotFound
	}
	return t.write(ctx, "unpin", t.ref.MessagePath(id), map[string]any{
		"pinned":   false,
		"pinnedBy": nil,
		"pinnedAt": nil,
	})
}

// React sets the user's single reaction on a message, replacing any previous one.
func (t *Timeline) React(ctx context.Context, id, emoji string) error {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > maxEmojiLen {
		return ErrInvalidEmoji
	}
	if _, err := t.live(id); err != nil {
		return err
	}
	return t.write(ctx, "react", t.ref.MessagePath(id), map[string]any{
		"reactions/" + t.self.UserID: models.Reaction{
			Emoji:     emoji,
			UserID:    t.self.UserID,
			UserName:  t.self.UserName,
			Timestamp: t.now().UnixMilli(),
		},
	})
}

func (t *Timeline) Unreact(ctx context.Context, id string) error {
	if _, ok := t.Message(id); !ok {
		return ErrMessageNotFound
	}
	return t.write(ctx, "unreact", t.ref.MessagePath(id), map[string]any{
		"reactions/" + t.self.UserID: nil,
	})
}

// MarkRead records the user as having read every visible message from others.
// Nothing is written when there is nothing new to mark.
func (t *Timeline) MarkRead(ctx context.Context) (int, error) {
	fields := make(map[string]any)
	marked := 0
	t.mu.RLock()
	for _, message := range t.view.Messages {
		if message.SenderID == t.self.UserID || message.Deleted || message.ReadBy[t.self.UserID] {
			continue
		}
		marked++
		fields[message.ID+"/readBy/"+t.self.UserID] = true
		if !t.ref.IsGroup() {
			fields[message.ID+"/status"] = string(models.StatusRead)
		}
	}
	t.mu.RUnlock()

	if len(fields) == 0 {
		return 0, nil
	}
	if err := t.write(ctx, "mark_read", t.ref.MessagesPath(), fields); err != nil {
		return 0, err
	}
	return marked, nil
}

func (t *Timeline) draft(kind models.MessageType, reply *models.ReplyRef) models.Message {
	return models.Message{
		SenderID:   t.self.UserID,
		SenderName: t.self.UserName,
		CreatedAt:  t.now().UnixMilli(),
		Type:       kind,
		Status:     models.StatusSent,
		ReplyTo:    reply,
	}
}

// send writes the message, the conversation summary and, for direct chats, the
// recipient's notification record as one update.
func (t *Timeline) send(ctx context.Context, message models.Message, summary, notificationType string) (string, error) {
	ctx, span := t.tracer.Start(ctx, "timeline.send", trace.WithAttributes(
		attribute.String("conversation.id", t.ref.ID),
		attribute.String("message.type", string(message.Type)),
	))
	defer span.End()

	key := store.NewKey()
	root := t.ref.Path()
	fields := map[string]any{
		t.ref.MessagePath(key):  message,
		root + "/lastActivity": message.CreatedAt,
		root + "/lastMessage":  summary,
	}

	recipient := t.ref.Peer(t.self.UserID)
	var (
		notificationKey string
		record          models.NotificationRecord
	)
	if recipient != "" {
		body := message.Text
		messageText := message.Text
		switch message.Type {
		case models.MessageVoice:
			body = voiceSummary
			messageText = "Voice message"
		case models.MessageImage:
			if body == "" {
				body = imageSummary
				messageText = imageSummary
			}
		}
		notificationKey, record = notify.NewRecord(notify.RecordInput{
			ChatID:      t.ref.ID,
			SenderID:    t.self.UserID,
			SenderName:  t.self.UserName,
			Body:        body,
			MessageText: messageText,
			Type:        notificationType,
		}, t.now())
		fields[models.NotificationPath(recipient, notificationKey)] = record
	}

	if err := t.store.Update(ctx, "", fields); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("send message: %w", err)
	}
	observability.MessagesSent().WithLabelValues(string(message.Type)).Inc()

	if recipient != "" && t.dispatcher != nil {
		if err := t.dispatcher.Dispatch(ctx, recipient, notificationKey, record); err != nil && !errors.Is(err, notify.ErrNoToken) {
			t.logger.Warn().Err(err).Str("recipient_id", recipient).Msg("failed to dispatch push notification")
		}
	}

	return key, nil
}

func (t *Timeline) write(ctx context.Context, op, base string, fields map[string]any) error {
	ctx, span := t.tracer.Start(ctx, "timeline."+op, trace.WithAttributes(
		attribute.String("conversation.id", t.ref.ID),
	))
	defer span.End()

	if err := t.store.Update(ctx, base, fields); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s message: %w", op, err)
	}
	return nil
}

func (t *Timeline) own(id string) (models.Message, error) {
	target, err := t.live(id)
	if err != nil {
		return target, err
	}
	if target.SenderID != t.self.UserID {
		return target, ErrNotOwner
	}
	return target, nil
}

func (t *Timeline) live(id string) (models.Message, error) {
	target, ok := t.Message(id)
	if !ok {
		return target, ErrMessageNotFound
	}
	if target.Deleted {
		return target, ErrMessageDeleted
	}
	return target, nil
}

// plainText trims text and checks it is storable. Text is stored as typed; the tab renders it as text.
func plainText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if !utf8.ValidString(text) {
		return "", ErrInvalidText
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return "", ErrTextTooLong
	}
	return text, nil
}
