package snapshot

import "github.com/santhosh-tekuri/jsonschema/v5"

const messageSchemaDocument = `{
  "type": "object",
  "required": ["senderId", "createdAt"],
  "properties": {
    "text": {"type": "string"},
    "senderId": {"type": "string", "minLength": 1},
    "senderName": {"type": "string"},
    "createdAt": {"type": "number"},
    "type": {"enum": ["text", "image", "voice"]},
    "imageUrl": {"type": "string"},
    "audioData": {"type": "string"},
    "duration": {"type": "number", "minimum": 0},
    "reactions": {"type": "object"},
    "readBy": {"type": "object"},
    "replyTo": {"type": "object"}
  }
}`

const notificationSchemaDocument = `{
  "type": "object",
  "required": ["senderId", "createdAt"],
  "properties": {
    "title": {"type": "string"},
    "body": {"type": "string"},
    "chatId": {"type": "string"},
    "senderId": {"type": "string"},
    "read": {"type": "boolean"},
    "createdAt": {"type": "number"}
  }
}`

const typingSchemaDocument = `{
  "type": "object",
  "properties": {
    "userId": {"type": "string"},
    "userName": {"type": "string"},
    "timestamp": {"type": "number"}
  }
}`

var (
	// MessageSchema validates message records.
	MessageSchema *jsonschema.Schema = MustCompileSchema("message.json", messageSchemaDocument)
	// NotificationSchema validates notification records.
	NotificationSchema *jsonschema.Schema = MustCompileSchema("notification.json", notificationSchemaDocument)
	// TypingSchema validates typing signals.
	TypingSchema *jsonschema.Schema = MustCompileSchema("typing.json", typingSchemaDocument)
)
