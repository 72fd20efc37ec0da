package notify

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/gema-livechat/internal/models"
)

const (
	defaultTitle = "New Message"
	defaultBody  = "You have a new message"
)

// RecordInput describes the message a recipient is being notified about.
type RecordInput struct {
	ChatID      string
	SenderID    string
	SenderName  string
	Title       string
	Body        string
	MessageText string
	Type        string
}

// NewRecord builds an unread notification record and the key it is stored under.
func NewRecord(in RecordInput, now time.Time) (string, models.NotificationRecord) {
	senderName := strings.TrimSpace(in.SenderName)
	title := firstNonEmpty(in.Title, senderName, defaultTitle)
	body := firstNonEmpty(in.Body, in.MessageText, defaultBody)
	if senderName == "" {
		senderName = "User"
	}
	kind := in.Type
	if kind == "" {
		kind = "message"
	}

	ms := now.UnixMilli()
	record := models.NotificationRecord{
		Title:       title,
		Body:        body,
		ChatID:      in.ChatID,
		SenderID:    in.SenderID,
		SenderName:  senderName,
		MessageText: in.MessageText,
		Type:        kind,
		Read:        false,
		CreatedAt:   ms,
	}

	return fmt.Sprintf("notification_%d_%s", ms, randomSuffix()), record
}

// Tag returns a display tag unique to this showing of the record, so the OS never
// folds two notifications into one slot.
func Tag(record models.NotificationRecord, now time.Time) string {
	chatID := record.ChatID
	if chatID == "" {
		chatID = "general"
	}
	return fmt.Sprintf("chat-%s-%s-%d-%s", chatID, record.ID, now.UnixMilli(), randomSuffix())
}

// randomSuffix returns nine base36 characters drawn from a random uuid.
func randomSuffix() string {
	id := uuid.New()
	s := strconv.FormatUint(binary.BigEndian.Uint64(id[:8]), 36)
	if len(s) < 9 {
		s = strings.Repeat("0", 9-len(s)) + s
	}
	return s[len(s)-9:]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
