package models

// NotificationRecord is stored per recipient under users/<uid>/notifications/<key>.
type NotificationRecord struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	ChatID      string `json:"chatId"`
	SenderID    string `json:"senderId"`
	SenderName  string `json:"senderName"`
	MessageText string `json:"messageText,omitempty"`
	Type        string `json:"type"`
	Read        bool   `json:"read"`
	CreatedAt   int64  `json:"createdAt"`
}

func (n *NotificationRecord) SetKey(key string) { n.ID = key }

func (n *NotificationRecord) CreatedAtMillis() int64 { return n.CreatedAt }
