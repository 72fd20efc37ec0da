package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-livechat/internal/models"
	"github.com/noah-isme/gema-livechat/internal/store"
)

// ErrNoToken is returned when the recipient never registered a push token.
var ErrNoToken = errors.New("recipient has no push token")

// Updater is the part of the store the push registry writes through.
type Updater interface {
	Update(ctx context.Context, base string, fields map[string]any) error
}

// PushRegistry writes push token registrations against user records.
// Init runs at sign-in and Teardown at sign-out.
type PushRegistry struct {
	store  Updater
	now    func() time.Time
	logger zerolog.Logger
}

func NewPushRegistry(store Updater, logger zerolog.Logger) *PushRegistry {
	return &PushRegistry{
		store:  store,
		now:    time.Now,
		logger: logger.With().Str("component", "push_registry").Logger(),
	}
}

// Init persists userID's token and its metadata.
func (p *PushRegistry) Init(ctx context.Context, userID, token, platform string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrNoToken
	}
	if platform == "" {
		platform = "web"
	}

	now := p.now().UnixMilli()
	err := p.store.Update(ctx, models.UserPath(userID), map[string]any{
		"pushToken": token,
		"pushTokenMetadata": models.PushTokenMetadata{
			UserID:    userID,
			CreatedAt: now,
			UpdatedAt: now,
			Platform:  platform,
		},
	})
	if err != nil {
		return fmt.Errorf("save push token: %w", err)
	}
	p.logger.Debug().Str("user_id", userID).Str("platform", platform).Msg("push token saved")
	return nil
}

// Teardown removes the token so a signed-out browser stops receiving pushes.
func (p *PushRegistry) Teardown(ctx context.Context, userID string) error {
	err := p.store.Update(ctx, models.UserPath(userID), map[string]any{
		"pushToken":         nil,
		"pushTokenMetadata": nil,
	})
	if err != nil {
		return fmt.Errorf("remove push token: %w", err)
	}
	return nil
}

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Getter is the part of the store used to look up recipient tokens.
type Getter interface {
	Get(ctx context.Context, path string) (store.Snapshot, error)
}

// PushPayload is what the background push worker renders when the tab is not in the foreground.
type PushPayload struct {
	Token string   `json:"token"`
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Data  PushData `json:"data"`
}

type PushData struct {
	ChatID         string `json:"chatId"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName"`
	Type           string `json:"type"`
	NotificationID string `json:"notificationId"`
}

// PushSubject is the NATS subject push payloads are published on.
func PushSubject(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "livechat"
	}
	return strings.ReplaceAll(prefix, ":", ".") + ".push"
}

// PushDispatcher hands notification records to the push worker.
type PushDispatcher struct {
	store     Getter
	publisher Publisher
	subject   string
	logger    zerolog.Logger
}

// NewPushDispatcher returns a dispatcher. A nil publisher disables dispatch.
func NewPushDispatcher(store Getter, publisher Publisher, subject string, logger zerolog.Logger) *PushDispatcher {
	return &PushDispatcher{
		store:     store,
		publisher: publisher,
		subject:   subject,
		logger:    logger.With().Str("component", "push_dispatcher").Logger(),
	}
}

// Dispatch publishes record for recipientID. Without a token the record stays in the store only.
func (d *PushDispatcher) Dispatch(ctx context.Context, recipientID, notificationID string, record models.NotificationRecord) error {
	if d == nil || d.publisher == nil {
		return nil
	}

	snap, err := d.store.Get(ctx, models.PushTokenPath(recipientID))
	if err != nil {
		return fmt.Errorf("lookup push token: %w", err)
	}
	var token string
	if err := snap.Decode(&token); err != nil {
		return fmt.Errorf("decode push token: %w", err)
	}
	if token == "" {
		d.logger.Debug().Str("recipient_id", recipientID).Msg("recipient has no push token, store only")
		return ErrNoToken
	}

	payload, err := json.Marshal(PushPayload{
		Token: token,
		Title: record.Title,
		Body:  record.Body,
		Data: PushData{
			ChatID:         record.ChatID,
			SenderID:       record.SenderID,
			SenderName:     record.SenderName,
			Type:           record.Type,
			NotificationID: notificationID,
		},
	})
	if err != nil {
		return fmt.Errorf("encode push payload: %w", err)
	}

	if err := d.publisher.Publish(d.subject, payload); err != nil {
		return fmt.Errorf("publish push payload: %w", err)
	}
	return nil
}
