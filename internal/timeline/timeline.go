// Package timeline holds the ordered message view of one open conversation and
// the write operations on it. Writes never touch the local view: it changes
// only when the store echoes the new subtree back.
package timeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-livechat/internal/models"
	"github.com/noah-isme/gema-livechat/internal/observability"
	"github.com/noah-isme/gema-livechat/internal/snapshot"
	"github.com/noah-isme/gema-livechat/internal/store"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrNotOwner        = errors.New("message belongs to another user")
	ErrMessageDeleted  = errors.New("message is deleted")
	ErrNotEditable     = errors.New("message cannot be edited")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrInvalidEmoji    = errors.New("invalid reaction")
	ErrInvalidText     = errors.New("message text is not valid UTF-8")
	ErrTextTooLong     = errors.New("message text is too long")
)

// Writer is the part of the store the timeline writes through.
type Writer interface {
	Update(ctx context.Context, base string, fields map[string]any) error
}

// Dispatcher forwards a freshly written notification to the push worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, recipientID, notificationID string, record models.NotificationRecord) error
}

// Identity is the signed-in user performing writes.
type Identity struct {
	UserID   string
	UserName string
}

// View is the rendered state of a conversation.
type View struct {
	ConversationID string           `json:"conversationId"`
	Kind           string           `json:"kind"`
	Messages       []models.Message `json:"messages"`
	Pinned         []models.Message `json:"pinned"`
	Malformed      []string         `json:"malformed,omitempty"`
}

// Option customises a Timeline.
type Option func(*Timeline)

func WithLogger(logger zerolog.Logger) Option {
	return func(t *Timeline) { t.logger = logger.With().Str("component", "timeline").Logger() }
}

// WithClock overrides the time source for createdAt and friends.
func WithClock(now func() time.Time) Option {
	return func(t *Timeline) { t.now = now }
}

// WithDispatcher forwards direct-message notifications to the push worker after a send.
func WithDispatcher(d Dispatcher) Option {
	return func(t *Timeline) { t.dispatcher = d }
}

// WithVoiceLimit caps the size of a voice recording in bytes.
func WithVoiceLimit(maxBytes int) Option {
	return func(t *Timeline) { t.voiceLimit = maxBytes }
}

// Timeline is bound to one conversation and one user.
type Timeline struct {
	ref        models.ConversationRef
	self       Identity
	store      Writer
	dispatcher Dispatcher
	tracer     trace.Tracer
	logger     zerolog.Logger
	now        func() time.Time
	voiceLimit int

	mu   sync.RWMutex
	view View
}

// New returns an empty timeline for ref.
func New(ref models.ConversationRef, self Identity, writer Writer, opts ...Option) *Timeline {
	t := &Timeline{
		ref:       ref,
		self:      self,
		store:     writer,
		tracer:    otel.Tracer("github.com/noah-isme/gema-livechat/internal/timeline"),
		logger:    zerolog.Nop(),
		now:       time.Now,
		view:      emptyView(ref),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func emptyView(ref models.ConversationRef) View {
	return View{
		ConversationID: ref.ID,
		Kind:           string(ref.Kind),
		Messages:       []models.Message{},
		Pinned:         []models.Message{},
	}
}

// Conversation returns the conversation this timeline is bound to.
func (t *Timeline) Conversation() models.ConversationRef { return t.ref }

// Apply replaces the whole view with the decoded snapshot.
func (t *Timeline) Apply(snap store.Snapshot) View {
	observability.Snapshots().WithLabelValues("messages").Inc()

	view := emptyView(t.ref)
	result, err := snapshot.Decode[models.Message](snap.Raw, snapshot.WithSchema(snapshot.MessageSchema))
	if err != nil {
		t.logger.Warn().Err(err).Str("path", snap.Path).Msg("message snapshot is not a mapping")
	}
	for _, skipped := range result.Skipped {
		observability.SnapshotSkipped().WithLabelValues("messages").Inc()
		t.logger.Warn().Err(skipped.Err).Str("message_id", skipped.Key).Msg("skipping malformed message")
		view.Malformed = append(view.Malformed, skipped.Key)
	}

	view.Messages = make([]models.Message, 0, len(result.Items))
	for _, message := range result.Items {
		normalize(&message)
		view.Messages = append(view.Messages, message)
		if message.Pinned && !message.Deleted {
			view.Pinned = append(view.Pinned, message)
		}
	}

	t.mu.Lock()
	t.view = view
	t.mu.Unlock()

	return view
}

// View returns the last applied view.
func (t *Timeline) View() View {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.view
}

// Message looks a message up in the current view.
func (t *Timeline) Message(id string) (models.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, message := range t.view.Messages {
		if message.ID == id {
			return message, true
		}
	}
	return models.Message{}, false
}

func normalize(m *models.Message) {
	if m.Status == "" {
		m.Status = models.StatusSent
	}
	if m.Type == "" {
		switch {
		case m.ImageURL != "":
			m.Type = models.MessageImage
		case m.AudioPayload != "":
			m.Type = models.MessageVoice
		default:
			m.Type = models.MessageText
		}
	}
	if m.ReadBy == nil {
		m.ReadBy = map[string]bool{}
	}
	if m.Reactions == nil {
		m.Reactions = map[string]models.Reaction{}
	}
	if m.Deleted {
		m.Text = ""
		m.ImageURL = ""
		m.AudioPayload = ""
	}
}

// ReactionCounts groups a message's reactions by emoji.
func ReactionCounts(m models.Message) map[string]int {
	counts := make(map[string]int, len(m.Reactions))
	for _, reaction := range m.Reactions {
		if reaction.Emoji != "" {
			counts[reaction.Emoji]++
		}
	}
	return counts
}
