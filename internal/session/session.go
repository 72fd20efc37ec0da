// Package session runs the reconciliation for one connected browser tab: it
// owns the notification reconciler, the open conversation's timeline and typing
// state, the user's presence, and the stream of events sent back to the tab.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-livechat/internal/dto"
	"github.com/noah-isme/gema-livechat/internal/models"
	"github.com/noah-isme/gema-livechat/internal/notify"
	"github.com/noah-isme/gema-livechat/internal/observability"
	"github.com/noah-isme/gema-livechat/internal/store"
	"github.com/noah-isme/gema-livechat/internal/timeline"
	"github.com/noah-isme/gema-livechat/internal/typing"
)

var (
	// ErrNoConversation is returned by conversation commands before open.
	ErrNoConversation = errors.New("no conversation open")
	// ErrNotMember is returned when opening a group the user does not belong to.
	ErrNotMember = errors.New("not a member of this group")
	// ErrClosed is returned after the session ended.
	ErrClosed = errors.New("session closed")
)

// Config holds the timing and sizing knobs of a session.
type Config struct {
	TypingIdle       time.Duration
	TypingStaleAfter time.Duration
	AutoClose        time.Duration
	AutoRead         time.Duration
	Buffer           int
	VoiceMaxBytes    int
}

func (c Config) withDefaults() Config {
	if c.TypingIdle <= 0 {
		c.TypingIdle = typing.DefaultIdle
	}
	if c.TypingStaleAfter < 0 {
		c.TypingStaleAfter = 0
	}
	if c.AutoClose <= 0 {
		c.AutoClose = notify.DefaultAutoClose
	}
	if c.AutoRead <= 0 {
		c.AutoRead = notify.DefaultAutoRead
	}
	if c.Buffer <= 0 {
		c.Buffer = 64
	}
	return c
}

// Identity is the signed-in user behind the tab.
type Identity struct {
	UserID   string
	UserName string
	Email    string
	PhotoURL string
}

// Dependencies are the collaborators shared by every session.
type Dependencies struct {
	Store      store.Store
	Dispatcher timeline.Dispatcher
	Validator  *validator.Validate
	Logger     zerolog.Logger
}

type conversation struct {
	ref       models.ConversationRef
	timeline  *timeline.Timeline
	debouncer *typing.Debouncer
	watcher   *typing.Watcher
	msgSub    *store.Subscription
	typingSub *store.Subscription

	mu         sync.Mutex
	lastTyping store.Snapshot
	lastText   string
}

// Session is one tab's reconciliation scope. It is created on connect and closed on disconnect.
type Session struct {
	id        string
	self      Identity
	store     store.Store
	dispatch  timeline.Dispatcher
	validator *validator.Validate
	cfg       Config
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan dto.SessionEvent

	reconciler *notify.Reconciler
	notifSub   *store.Subscription
	dirSub     *store.Subscription
	deferred   *store.DeferredWrites

	// lastTab reports whether no other live session of the same user remains.
	// Presence is only marked offline when it returns true.
	lastTab func() bool

	stateMu    sync.Mutex
	state      map[string]dto.SessionEvent
	stateOrder []string
	stateWake  chan struct{}

	mu     sync.Mutex
	conv   *conversation
	reply  *models.ReplyRef
	closed bool
}

// New builds a session. Start must be called before commands are handled.
func New(parent context.Context, self Identity, deps Dependencies, cfg Config) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(parent)

	validate := deps.Validator
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}

	id := uuid.NewString()
	s := &Session{
		id:        id,
		self:      self,
		store:     deps.Store,
		dispatch:  deps.Dispatcher,
		validator: validate,
		cfg:       cfg,
		logger:    deps.Logger.With().Str("component", "session").Str("session_id", id).Str("user_id", self.UserID).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan dto.SessionEvent, cfg.Buffer),
		deferred:  store.OnDisconnect(deps.Store),
		state:     make(map[string]dto.SessionEvent),
		stateWake: make(chan struct{}, 1),
	}
	s.reconciler = notify.NewReconciler(self.UserID, deps.Store, display{s: s},
		notify.WithDelays(cfg.AutoClose, cfg.AutoRead),
		notify.WithLogger(s.logger),
	)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) UserID() string { return s.self.UserID }

// Events is the stream written to the tab. It is never closed; watch Done.
func (s *Session) Events() <-chan dto.SessionEvent { return s.events }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Start writes the user's profile as online, then subscribes to their
// notifications and to the user directory.
func (s *Session) Start() error {
	go s.pumpState()

	if err := s.store.Update(s.ctx, "", s.profileFields(time.Now().UnixMilli())); err != nil {
		return fmt.Errorf("mark online: %w", err)
	}

	sub, err := s.store.Subscribe(s.ctx, models.NotificationsPath(s.self.UserID), func(snap store.Snapshot) {
		summary := s.reconciler.Apply(snap)
		s.emitState(dto.EventNotifications, summary)
	})
	if err != nil {
		return fmt.Errorf("subscribe notifications: %w", err)
	}
	s.notifSub = sub

	dirSub, err := s.store.Subscribe(s.ctx, models.DirectoryPath, s.onDirectory)
	if err != nil {
		return fmt.Errorf("subscribe directory: %w", err)
	}
	s.dirSub = dirSub

	if s.cfg.TypingStaleAfter > 0 {
		go s.sweepTyping(s.cfg.TypingStaleAfter / 2)
	}

	s.logger.Info().Msg("session started")
	return nil
}

// Open switches the tab to ref, tearing down the previous conversation first.
func (s *Session) Open(ctx context.Context, ref models.ConversationRef) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if ref.Kind == models.ConversationDirect && ref.Peer(s.self.UserID) == "" {
		return models.ErrInvalidConversation
	}
	if ref.IsGroup() {
		snap, err := s.store.Get(ctx, ref.Path()+"/members/"+s.self.UserID)
		if err != nil {
			return fmt.Errorf("check membership: %w", err)
		}
		if !snap.Exists() {
			return ErrNotMember
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	s.closeConversation(ctx)

	conv := &conversation{
		ref: ref,
		timeline: timeline.New(ref, timeline.Identity{UserID: s.self.UserID, UserName: s.self.UserName}, s.store,
			timeline.WithLogger(s.logger),
			timeline.WithDispatcher(s.dispatch),
			timeline.WithVoiceLimit(s.cfg.VoiceMaxBytes),
		),
		debouncer: typing.NewDebouncer(s.store, ref, s.self.UserID, s.self.UserName,
			typing.WithIdle(s.cfg.TypingIdle),
			typing.WithRefresh(s.cfg.TypingStaleAfter/2),
			typing.WithLogger(s.logger),
		),
		watcher: typing.NewWatcher(s.self.UserID, s.cfg.TypingStaleAfter, s.logger),
	}

	msgSub, err := s.store.Subscribe(s.ctx, ref.MessagesPath(), func(snap store.Snapshot) {
		s.emitState(dto.EventTimeline, conv.timeline.Apply(snap))
	})
	if err != nil {
		return fmt.Errorf("subscribe messages: %w", err)
	}
	typingSub, err := s.store.Subscribe(s.ctx, ref.TypingPath(), func(snap store.Snapshot) {
		conv.mu.Lock()
		conv.lastTyping = snap
		conv.mu.Unlock()
		s.emitTyping(conv, true)
	})
	if err != nil {
		msgSub.Close()
		return fmt.Errorf("subscribe typing: %w", err)
	}
	conv.msgSub = msgSub
	conv.typingSub = typingSub

	if err := s.deferred.Register(ref.TypingSignalPath(s.self.UserID), nil); err != nil {
		s.logger.Warn().Err(err).Msg("failed to register typing cleanup")
	}

	s.conv = conv
	s.reply = nil
	s.logger.Debug().Str("conversation_id", ref.ID).Str("kind", string(ref.Kind)).Msg("conversation opened")
	return nil
}

// Close tears everything down: subscriptions, typing signal, timers, presence.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.closeConversation(ctx)
	s.mu.Unlock()

	if s.notifSub != nil {
		s.notifSub.Close()
	}
	if s.dirSub != nil {
		s.dirSub.Close()
	}
	s.reconciler.Close()

	if s.lastTab == nil || s.lastTab() {
		s.registerOffline(time.Now().UnixMilli())
	}
	s.logger.Debug().Int("writes", s.deferred.Pending()).Msg("flushing disconnect writes")
	if err := s.deferred.Flush(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("failed to flush disconnect writes")
	}

	s.cancel()
	s.logger.Info().Msg("session closed")
}

// closeConversation releases the open conversation. Callers hold mu.
func (s *Session) closeConversation(ctx context.Context) {
	conv := s.conv
	if conv == nil {
		return
	}
	s.conv = nil
	s.reply = nil

	if conv.msgSub != nil {
		conv.msgSub.Close()
	}
	if conv.typingSub != nil {
		conv.typingSub.Close()
	}
	if err := conv.debouncer.Close(ctx); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conv.ref.ID).Msg("failed to clear typing signal")
	}
}

func (s *Session) current() (*conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.conv == nil {
		return nil, ErrNoConversation
	}
	return s.conv, nil
}

// emitTyping sends the presence of the open conversation. When force is false
// the event is skipped if the rendered text did not change.
func (s *Session) emitTyping(conv *conversation, force bool) {
	conv.mu.Lock()
	presence := conv.watcher.Apply(conv.lastTyping)
	changed := presence.Text != conv.lastText
	conv.lastText = presence.Text
	conv.mu.Unlock()

	if !force && !changed {
		return
	}
	s.emitState(dto.EventTyping, dto.TypingEventData{
		ConversationID: conv.ref.ID,
		Typists:        presence.Typists,
		Text:           presence.Text,
	})
}

// sweepTyping re-evaluates the last typing snapshot so signals left behind by
// crashed clients expire without a new write.
func (s *Session) sweepTyping(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		conv := s.conv
		s.mu.Unlock()
		if conv != nil {
			s.emitTyping(conv, false)
		}
	}
}

// profileFields is the sign-in write: the user record and its directory entry.
func (s *Session) profileFields(now int64) map[string]any {
	uid := s.self.UserID
	userPath := models.UserPath(uid)
	fields := map[string]any{
		userPath + "/uid":      uid,
		userPath + "/online":   true,
		userPath + "/lastSeen": now,
		models.DirectoryEntryPath(uid): models.UserProfile{
			UID:         uid,
			Email:       s.self.Email,
			DisplayName: s.self.UserName,
			PhotoURL:    s.self.PhotoURL,
			Online:      true,
			LastSeen:    now,
		},
	}
	if s.self.Email != "" {
		fields[userPath+"/email"] = s.self.Email
	}
	if s.self.UserName != "" {
		fields[userPath+"/displayName"] = s.self.UserName
	}
	if s.self.PhotoURL != "" {
		fields[userPath+"/photoURL"] = s.self.PhotoURL
	}
	return fields
}

func (s *Session) registerOffline(now int64) {
	uid := s.self.UserID
	writes := map[string]any{
		models.UserPath(uid) + "/online":             false,
		models.UserPath(uid) + "/lastSeen":           now,
		models.DirectoryEntryPath(uid) + "/online":   false,
		models.DirectoryEntryPath(uid) + "/lastSeen": now,
	}
	for path, value := range writes {
		if err := s.deferred.Register(path, value); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("failed to register offline write")
		}
	}
}

// onDirectory renders every other user with their presence, online users first.
func (s *Session) onDirectory(snap store.Snapshot) {
	observability.Snapshots().WithLabelValues("users").Inc()

	users := []models.UserProfile{}
	var entries map[string]json.RawMessage
	if err := snap.Decode(&entries); err != nil {
		s.logger.Warn().Err(err).Msg("user directory is not a mapping")
		s.emitState(dto.EventUsers, dto.UsersEventData{Users: users})
		return
	}
	for uid, raw := range entries {
		if uid == s.self.UserID {
			continue
		}
		var profile models.UserProfile
		if err := json.Unmarshal(raw, &profile); err != nil {
			observability.SnapshotSkipped().WithLabelValues("users").Inc()
			s.logger.Warn().Err(err).Str("uid", uid).Msg("skipping malformed directory entry")
			continue
		}
		profile.UID = uid
		users = append(users, profile)
	}
	sort.Slice(users, func(i, j int) bool {
		a, b := users[i], users[j]
		if a.Online != b.Online {
			return a.Online
		}
		if an, bn := strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName); an != bn {
			return an < bn
		}
		return a.UID < b.UID
	})
	s.emitState(dto.EventUsers, dto.UsersEventData{Users: users})
}

// emitState records the latest event of a state kind. A newer event of the
// same kind replaces one still waiting, so the tab always ends on the latest state.
func (s *Session) emitState(kind string, data any) {
	if s.ctx.Err() != nil {
		return
	}
	event := dto.SessionEvent{Type: kind, Data: data, At: time.Now().UTC()}

	s.stateMu.Lock()
	if _, pending := s.state[kind]; !pending {
		s.stateOrder = append(s.stateOrder, kind)
	}
	s.state[kind] = event
	s.stateMu.Unlock()

	select {
	case s.stateWake <- struct{}{}:
	default:
	}
}

func (s *Session) nextState() (dto.SessionEvent, bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if len(s.stateOrder) == 0 {
		return dto.SessionEvent{}, false
	}
	kind := s.stateOrder[0]
	s.stateOrder = s.stateOrder[1:]
	event := s.state[kind]
	delete(s.state, kind)
	return event, true
}

// pumpState moves pending state events onto the event stream, waiting for room.
func (s *Session) pumpState() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.stateWake:
		}

		for {
			event, ok := s.nextState()
			if !ok {
				break
			}
			select {
			case s.events <- event:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// emit queues a one-shot event without blocking and reports whether it was queued.
func (s *Session) emit(kind, id string, data any) bool {
	if s.ctx.Err() != nil {
		return false
	}
	event := dto.SessionEvent{Type: kind, ID: id, Data: data, At: time.Now().UTC()}
	select {
	case s.events <- event:
		return true
	default:
		s.logger.Warn().Str("event", kind).Msg("dropping session event for slow client")
		return false
	}
}

// display turns reconciler decisions into events for the tab.
type display struct {
	s *Session
}

// errDropped marks an alert that never reached the tab, so it stays eligible.
var errDropped = errors.New("notification event dropped")

func (d display) Show(alert notify.Alert) error {
	if !d.s.emit(dto.EventNotificationShow, "", alert) {
		return errDropped
	}
	return nil
}

func (d display) Close(tag string) {
	d.s.emit(dto.EventNotificationClose, "", map[string]string{"tag": tag})
}

func (d display) Focus(chatID string) {
	d.s.emit(dto.EventWindowFocus, "", map[string]string{"chatId": chatID})
}
