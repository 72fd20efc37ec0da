package models

// MessageType distinguishes the payload carried by a message.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageVoice MessageType = "voice"
)

// MessageStatus is the delivery state shown next to a message.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Message is a single chat record stored under a conversation's messages subtree.
// The record key is the message id; it is never written inside the record.
type Message struct {
	ID                string              `json:"id,omitempty"`
	Text              string              `json:"text"`
	SenderID          string              `json:"senderId"`
	SenderName        string              `json:"senderName"`
	CreatedAt         int64               `json:"createdAt"`
	Edited            bool                `json:"edited"`
	EditedAt          int64               `json:"editedAt,omitempty"`
	Deleted           bool                `json:"deleted,omitempty"`
	DeletedAt         int64               `json:"deletedAt,omitempty"`
	Pinned            bool                `json:"pinned,omitempty"`
	PinnedBy          string              `json:"pinnedBy,omitempty"`
	PinnedAt          int64               `json:"pinnedAt,omitempty"`
	Type              MessageType         `json:"type,omitempty"`
	ImageURL          string              `json:"imageUrl,omitempty"`
	AudioPayload      string              `json:"audioData,omitempty"`
	DurationSeconds   int                 `json:"duration,omitempty"`
	FormattedDuration string              `json:"formattedDuration,omitempty"`
	ReplyTo           *ReplyRef           `json:"replyTo,omitempty"`
	Reactions         map[string]Reaction `json:"reactions,omitempty"`
	ReadBy            map[string]bool     `json:"readBy,omitempty"`
	Status            MessageStatus       `json:"status,omitempty"`
}

// SetKey assigns the store key as the message id.
func (m *Message) SetKey(key string) { m.ID = key }

// CreatedAtMillis returns the ordering key.
func (m *Message) CreatedAtMillis() int64 { return m.CreatedAt }

// ReplyRef is a denormalized copy of the message being replied to, taken at send time.
type ReplyRef struct {
	MessageID  string `json:"messageId"`
	Text       string `json:"text"`
	SenderName string `json:"senderName"`
}

// Reaction is one user's emoji reaction, keyed by user id under the message.
type Reaction struct {
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Timestamp int64  `json:"timestamp"`
}
