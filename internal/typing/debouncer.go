// Package typing turns keystrokes into a debounced typing-presence record and
// renders the presence of other typists.
package typing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-livechat/internal/models"
	"github.com/noah-isme/gema-livechat/internal/observability"
)

// DefaultIdle is the inactivity period after which a typist becomes idle.
const DefaultIdle = 1500 * time.Millisecond

// ErrClosed is returned by a debouncer after Close.
var ErrClosed = errors.New("typing debouncer closed")

// State is the presence state of the local user in one conversation.
type State int

const (
	Idle State = iota
	Typing
)

func (s State) String() string {
	if s == Typing {
		return "typing"
	}
	return "idle"
}

// Writer is the part of the store the debouncer writes through.
type Writer interface {
	Set(ctx context.Context, path string, value any) error
	Remove(ctx context.Context, path string) error
}

// Option customises a Debouncer.
type Option func(*Debouncer)

// WithIdle overrides the inactivity timeout.
func WithIdle(d time.Duration) Option {
	return func(b *Debouncer) {
		if d > 0 {
			b.idle = d
		}
	}
}

// WithRefresh rewrites the signal on a keystroke once it is older than every,
// so watchers that drop stale signals keep seeing a long typing burst. Zero
// disables refreshing.
func WithRefresh(every time.Duration) Option {
	return func(b *Debouncer) { b.refresh = every }
}

// WithClock overrides the time source used for signal timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Debouncer) { b.now = now }
}

// WithLogger attaches a logger for timer-driven write failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Debouncer) { b.logger = logger.With().Str("component", "typing").Logger() }
}

// Debouncer drives the Idle/Typing state machine for one user in one conversation.
type Debouncer struct {
	store    Writer
	path     string
	userID   string
	userName string
	idle     time.Duration
	refresh  time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu     sync.Mutex
	state  State
	timer  *time.Timer
	gen    uint64
	closed bool
	wrote  time.Time
}

// NewDebouncer builds an idle debouncer writing to ref's typing subtree.
func NewDebouncer(store Writer, ref models.ConversationRef, userID, userName string, opts ...Option) *Debouncer {
	d := &Debouncer{
		store:    store,
		path:     ref.TypingSignalPath(userID),
		userID:   userID,
		userName: userName,
		idle:     DefaultIdle,
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// State reports the current state.
func (d *Debouncer) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Keystroke records an input change. The first keystroke with non-empty text
// writes the typing signal; every keystroke while typing restarts the idle timer.
func (d *Debouncer) Keystroke(ctx context.Context, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	switch {
	case d.state == Idle:
		if strings.TrimSpace(text) == "" {
			return nil
		}
		if err := d.write(ctx); err != nil {
			return err
		}
		d.state = Typing
		observability.TypingSignals().WithLabelValues("typing").Inc()
	case d.refresh > 0 && d.now().Sub(d.wrote) >= d.refresh:
		if err := d.write(ctx); err != nil {
			return err
		}
		observability.TypingSignals().WithLabelValues("refresh").Inc()
	}

	d.arm()
	return nil
}

// write stores the signal. Callers hold mu.
func (d *Debouncer) write(ctx context.Context) error {
	now := d.now()
	signal := models.TypingSignal{
		UserID:    d.userID,
		UserName:  d.userName,
		Timestamp: now.UnixMilli(),
	}
	if err := d.store.Set(ctx, d.path, signal); err != nil {
		return err
	}
	d.wrote = now
	return nil
}

// Sent ends typing immediately because the message was sent.
func (d *Debouncer) Sent(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	return d.toIdle(ctx)
}

// Close ends typing and disables the debouncer. Calling Close twice is a no-op.
func (d *Debouncer) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.toIdle(ctx)
}

// arm restarts the idle timer. Callers hold mu.
func (d *Debouncer) arm() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.idle, func() { d.expire(gen) })
}

func (d *Debouncer) expire(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if gen != d.gen || d.closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.toIdle(ctx); err != nil {
		d.logger.Warn().Err(err).Str("path", d.path).Msg("failed to clear typing signal")
	}
}

// toIdle stops the timer and removes the signal once. Callers hold mu.
func (d *Debouncer) toIdle(ctx context.Context) error {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++

	if d.state == Idle {
		return nil
	}
	d.state = Idle
	observability.TypingSignals().WithLabelValues("idle").Inc()
	return d.store.Remove(ctx, d.path)
}
