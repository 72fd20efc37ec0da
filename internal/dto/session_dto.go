package dto

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/gema-livechat/internal/models"
)

// Session command types sent by the tab.
const (
	CommandOpen              = "open"
	CommandKeystroke         = "keystroke"
	CommandSendText          = "send_text"
	CommandSendImage         = "send_image"
	CommandSendVoice         = "send_voice"
	CommandEdit              = "edit"
	CommandDelete            = "delete"
	CommandPin               = "pin"
	CommandUnpin             = "unpin"
	CommandReact             = "react"
	CommandUnreact           = "unreact"
	CommandMarkRead          = "mark_read"
	CommandReplyTo           = "reply_to"
	CommandAttention         = "attention"
	CommandPermission        = "permission"
	CommandNotificationClick = "notification_click"
)

// Session event types pushed to the tab.
const (
	EventTimeline          = "timeline"
	EventTyping            = "typing"
	EventUsers             = "users"
	EventNotifications     = "notifications"
	EventNotificationShow  = "notification.show"
	EventNotificationClose = "notification.close"
	EventWindowFocus       = "window.focus"
	EventError             = "error"
	EventAck               = "ack"
)

// SessionCommand is the envelope of every frame read from the websocket.
type SessionCommand struct {
	ID   string          `json:"id" validate:"omitempty,max=64"`
	Type string          `json:"type" validate:"required,oneof=open keystroke send_text send_image send_voice edit delete pin unpin react unreact mark_read reply_to attention permission notification_click"`
	Data json.RawMessage `json:"data,omitempty"`
}

// OpenCommand selects the conversation the tab is looking at.
type OpenCommand struct {
	Kind    string `json:"kind" validate:"required,oneof=direct group"`
	PeerID  string `json:"peer_id" validate:"required_if=Kind direct,max=128"`
	GroupID string `json:"group_id" validate:"required_if=Kind group,max=128"`
}

type KeystrokeCommand struct {
	Text string `json:"text" validate:"max=4000"`
}

type SendTextCommand struct {
	Text string `json:"text" validate:"required,min=1,max=4000"`
}

// SendImageCommand references an image already stored through the upload endpoint.
type SendImageCommand struct {
	ImageURL string `json:"image_url" validate:"required,url,max=2048"`
	Caption  string `json:"caption" validate:"max=4000"`
}

// SendVoiceCommand carries a base64 recording.
type SendVoiceCommand struct {
	Audio    string `json:"audio" validate:"required,base64"`
	Mime     string `json:"mime" validate:"omitempty,max=128"`
	Duration int    `json:"duration" validate:"min=0,max=3600"`
}

type EditCommand struct {
	MessageID string `json:"message_id" validate:"required,max=128"`
	Text      string `json:"text" validate:"required,min=1,max=4000"`
}

// MessageCommand targets one message: delete, pin, unpin, unreact.
type MessageCommand struct {
	MessageID string `json:"message_id" validate:"required,max=128"`
}

type ReactCommand struct {
	MessageID string `json:"message_id" validate:"required,max=128"`
	Emoji     string `json:"emoji" validate:"required,max=64"`
}

// ReplyToCommand sets the message the next send replies to. An empty id clears it.
type ReplyToCommand struct {
	MessageID string `json:"message_id" validate:"max=128"`
}

type AttentionCommand struct {
	Focused bool `json:"focused"`
	Visible bool `json:"visible"`
}

type PermissionCommand struct {
	Permission string `json:"permission" validate:"required,oneof=default granted denied"`
}

type NotificationClickCommand struct {
	NotificationID string `json:"notification_id" validate:"required,max=256,excludes=/"`
}

// SessionEvent is the envelope of every frame written to the websocket.
type SessionEvent struct {
	Type string    `json:"type"`
	ID   string    `json:"id,omitempty"`
	Data any       `json:"data,omitempty"`
	At   time.Time `json:"at"`
}

// ErrorEventData explains a failed command; the session stays usable.
type ErrorEventData struct {
	Command string `json:"command"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AckEventData confirms a command. MessageID is set for sends.
type AckEventData struct {
	Command   string `json:"command"`
	MessageID string `json:"message_id,omitempty"`
	Count     int    `json:"count,omitempty"`
	Reply     any    `json:"reply,omitempty"`
}

// TypingEventData is the presence of other typists in the open conversation.
type TypingEventData struct {
	ConversationID string `json:"conversation_id"`
	Typists        any    `json:"typists"`
	Text           string `json:"text"`
}

// UsersEventData lists every other user with their presence.
type UsersEventData struct {
	Users []models.UserProfile `json:"users"`
}
