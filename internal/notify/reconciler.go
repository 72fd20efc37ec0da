// Package notify decides which unread notification records surface as OS
// notifications and manages their lifecycle, plus push token registration.
package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-livechat/internal/models"
	"github.com/noah-isme/gema-livechat/internal/observability"
	"github.com/noah-isme/gema-livechat/internal/snapshot"
	"github.com/noah-isme/gema-livechat/internal/store"
)

const (
	DefaultAutoClose = 5 * time.Second
	DefaultAutoRead  = time.Second
)

var (
	// ErrClosed is returned once the reconciler has been torn down.
	ErrClosed = errors.New("notification reconciler closed")
	// ErrInvalidNotificationID is returned for ids that are not a single path segment.
	ErrInvalidNotificationID = errors.New("invalid notification id")
)

// Permission mirrors the browser's notification permission.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// ParsePermission maps the browser value, treating unknown values as default.
func ParsePermission(value string) Permission {
	switch Permission(value) {
	case PermissionGranted, PermissionDenied:
		return Permission(value)
	default:
		return PermissionDefault
	}
}

// Attention is Active when the tab is focused and visible.
type Attention string

const (
	AttentionActive Attention = "active"
	AttentionAway   Attention = "away"
)

// AttentionFrom derives the attention state from the tab's focus and visibility.
func AttentionFrom(focused, visible bool) Attention {
	if focused && visible {
		return AttentionActive
	}
	return AttentionAway
}

// Alert is one OS notification to display.
type Alert struct {
	Tag            string                    `json:"tag"`
	Title          string                    `json:"title"`
	Body           string                    `json:"body"`
	ChatID         string                    `json:"chatId,omitempty"`
	NotificationID string                    `json:"notificationId"`
	Icon           string                    `json:"icon"`
	Record         models.NotificationRecord `json:"data"`
}

// Display is the OS notification surface of the tab.
type Display interface {
	Show(alert Alert) error
	Close(tag string)
	Focus(chatID string)
}

// Writer is the part of the store used to mark records read.
type Writer interface {
	Get(ctx context.Context, path string) (store.Snapshot, error)
	Set(ctx context.Context, path string, value any) error
}

// Summary is the outcome of reconciling one snapshot.
type Summary struct {
	Unread  int                         `json:"unread"`
	Pending []models.NotificationRecord `json:"pending"`
	Shown   []string                    `json:"shown"`
}

type shownEntry struct {
	tag    string
	chatID string
}

// Option customises a Reconciler.
type Option func(*Reconciler)

// WithDelays overrides the auto-close delay and the extra delay before the record is marked read.
func WithDelays(autoClose, autoRead time.Duration) Option {
	return func(r *Reconciler) {
		if autoClose > 0 {
			r.autoClose = autoClose
		}
		if autoRead > 0 {
			r.autoRead = autoRead
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger.With().Str("component", "notify").Logger() }
}

// WithClock overrides the time source used for tags.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// Reconciler tracks which records this session has already shown.
// State is per session and never shared across tabs.
type Reconciler struct {
	userID    string
	store     Writer
	display   Display
	autoClose time.Duration
	autoRead  time.Duration
	now       func() time.Time
	logger    zerolog.Logger

	mu         sync.Mutex
	permission Permission
	attention  Attention
	shown      map[string]shownEntry
	timers     map[*time.Timer]struct{}
	closed     bool
}

// NewReconciler builds a reconciler for userID's notification collection.
// Permission starts at default and attention at active until the tab reports otherwise.
func NewReconciler(userID string, writer Writer, display Display, opts ...Option) *Reconciler {
	r := &Reconciler{
		userID:     userID,
		store:      writer,
		display:    display,
		autoClose:  DefaultAutoClose,
		autoRead:   DefaultAutoRead,
		now:        time.Now,
		logger:     zerolog.Nop(),
		permission: PermissionDefault,
		attention:  AttentionActive,
		shown:      make(map[string]shownEntry),
		timers:     make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) SetPermission(p Permission) {
	r.mu.Lock()
	r.permission = p
	r.mu.Unlock()
}

func (r *Reconciler) SetAttention(a Attention) {
	r.mu.Lock()
	r.attention = a
	r.mu.Unlock()
}

// Shown reports whether id is currently in the shown set.
func (r *Reconciler) Shown(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.shown[id]
	return ok
}

// Apply evaluates every unread record not sent by the user, newest first.
func (r *Reconciler) Apply(snap store.Snapshot) Summary {
	observability.Snapshots().WithLabelValues("notifications").Inc()

	summary := Summary{Pending: []models.NotificationRecord{}, Shown: []string{}}
	result, err := snapshot.DecodeDescending[models.NotificationRecord](snap.Raw, snapshot.WithSchema(snapshot.NotificationSchema))
	if err != nil {
		r.logger.Warn().Err(err).Str("path", snap.Path).Msg("notification snapshot is not a mapping")
		return summary
	}
	for _, skipped := range result.Skipped {
		observability.SnapshotSkipped().WithLabelValues("notifications").Inc()
		r.logger.Warn().Err(skipped.Err).Str("key", skipped.Key).Msg("skipping malformed notification")
	}

	for _, record := range result.Items {
		if record.Read || record.SenderID == r.userID {
			continue
		}
		summary.Pending = append(summary.Pending, record)
	}
	summary.Unread = len(summary.Pending)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return summary
	}

	for _, record := range summary.Pending {
		switch {
		case r.permission != PermissionGranted:
			observability.Notifications().WithLabelValues("no_permission").Inc()
			continue
		case r.isShown(record.ID):
			continue
		case r.attention == AttentionActive:
			observability.Notifications().WithLabelValues("suppressed").Inc()
			continue
		}

		alert := r.alertFor(record)
		if err := r.display.Show(alert); err != nil {
			observability.Notifications().WithLabelValues("failed").Inc()
			r.logger.Warn().Err(err).Str("notification_id", record.ID).Msg("failed to display notification")
			continue
		}

		observability.Notifications().WithLabelValues("shown").Inc()
		r.shown[record.ID] = shownEntry{tag: alert.Tag, chatID: record.ChatID}
		summary.Shown = append(summary.Shown, record.ID)
		r.schedule(record.ID, alert.Tag)
	}

	return summary
}

// Click handles activation of a displayed notification. Ids with no record are ignored.
func (r *Reconciler) Click(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrInvalidNotificationID
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	entry, ok := r.shown[id]
	delete(r.shown, id)
	r.mu.Unlock()

	if ok {
		r.display.Focus(entry.chatID)
		r.display.Close(entry.tag)
	}
	observability.Notifications().WithLabelValues("clicked").Inc()
	return r.markRead(ctx, id)
}

// Close stops every pending timer and forgets the shown set.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for timer := range r.timers {
		timer.Stop()
	}
	r.timers = make(map[*time.Timer]struct{})
	r.shown = make(map[string]shownEntry)
}

func (r *Reconciler) isShown(id string) bool {
	_, ok := r.shown[id]
	return ok
}

func (r *Reconciler) alertFor(record models.NotificationRecord) Alert {
	return Alert{
		Tag:            Tag(record, r.now()),
		Title:          firstNonEmpty(record.Title, defaultTitle),
		Body:           firstNonEmpty(record.Body, defaultBody),
		ChatID:         record.ChatID,
		NotificationID: record.ID,
		Icon:           "/favicon.ico",
		Record:         record,
	}
}

// schedule closes the alert after autoClose and marks it read autoRead later,
// whether or not it was clicked. Callers hold mu.
func (r *Reconciler) schedule(id, tag string) {
	var closeTimer *time.Timer
	closeTimer = time.AfterFunc(r.autoClose, func() {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		delete(r.timers, closeTimer)
		r.mu.Unlock()

		r.display.Close(tag)

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return
		}
		var readTimer *time.Timer
		readTimer = time.AfterFunc(r.autoRead, func() {
			r.mu.Lock()
			if r.closed {
				r.mu.Unlock()
				return
			}
			delete(r.timers, readTimer)
			r.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.markRead(ctx, id); err != nil {
				r.logger.Warn().Err(err).Str("notification_id", id).Msg("failed to auto mark notification read")
				return
			}
			observability.Notifications().WithLabelValues("auto_read").Inc()
		})
		r.timers[readTimer] = struct{}{}
	})
	r.timers[closeTimer] = struct{}{}
}

// markRead flags an existing record. A record cleared from the inbox is left
// absent rather than recreated as a bare read flag.
func (r *Reconciler) markRead(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrInvalidNotificationID
	}
	path := models.NotificationPath(r.userID, id)
	snap, err := r.store.Get(ctx, path+"/createdAt")
	if err != nil {
		return err
	}
	if !snap.Exists() {
		r.logger.Debug().Str("notification_id", id).Msg("notification gone, not marking read")
		return nil
	}
	return r.store.Set(ctx, path+"/read", true)
}

func validID(id string) bool {
	return id != "" && !strings.Contains(id, "/")
}
