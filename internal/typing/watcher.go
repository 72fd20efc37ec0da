package typing

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-livechat/internal/models"
	"github.com/noah-isme/gema-livechat/internal/observability"
	"github.com/noah-isme/gema-livechat/internal/snapshot"
	"github.com/noah-isme/gema-livechat/internal/store"
)

// DefaultStaleAfter bounds how long a signal left behind by a crashed client is honoured.
const DefaultStaleAfter = 10 * time.Second

// Presence is what the local user sees of other typists.
type Presence struct {
	Typists []models.TypingSignal `json:"typists"`
	Text    string                `json:"text"`
}

// Watcher interprets snapshots of a conversation's typing subtree.
type Watcher struct {
	selfID     string
	staleAfter time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// NewWatcher builds a watcher that hides selfID's own signal. A zero
// staleAfter disables the staleness check.
func NewWatcher(selfID string, staleAfter time.Duration, logger zerolog.Logger) *Watcher {
	return &Watcher{
		selfID:     selfID,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger.With().Str("component", "typing_watcher").Logger(),
	}
}

// Apply returns the other users currently typing, oldest signal first.
func (w *Watcher) Apply(snap store.Snapshot) Presence {
	observability.Snapshots().WithLabelValues("typing").Inc()

	result, err := snapshot.Decode[models.TypingSignal](snap.Raw, snapshot.WithSchema(snapshot.TypingSchema))
	if err != nil {
		w.logger.Warn().Err(err).Str("path", snap.Path).Msg("typing snapshot is not a mapping")
		return Presence{Typists: []models.TypingSignal{}}
	}
	for _, skipped := range result.Skipped {
		observability.SnapshotSkipped().WithLabelValues("typing").Inc()
		w.logger.Warn().Err(skipped.Err).Str("key", skipped.Key).Msg("skipping malformed typing signal")
	}

	cutoff := int64(0)
	if w.staleAfter > 0 {
		cutoff = w.now().Add(-w.staleAfter).UnixMilli()
	}

	typists := make([]models.TypingSignal, 0, len(result.Items))
	for _, signal := range result.Items {
		if signal.UserID == w.selfID {
			continue
		}
		if cutoff > 0 && signal.Timestamp < cutoff {
			continue
		}
		typists = append(typists, signal)
	}
	slices.SortStableFunc(typists, func(a, b models.TypingSignal) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})

	return Presence{Typists: typists, Text: Describe(typists)}
}

// Describe renders up to two first names and a count of the remaining typists.
func Describe(typists []models.TypingSignal) string {
	names := make([]string, 0, 2)
	for _, signal := range typists {
		if len(names) == 2 {
			break
		}
		names = append(names, firstName(signal))
	}

	switch len(typists) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing..."
	case 2:
		return names[0] + " and " + names[1] + " are typing..."
	default:
		return fmt.Sprintf("%s, %s +%d are typing...", names[0], names[1], len(typists)-2)
	}
}

func firstName(signal models.TypingSignal) string {
	fields := strings.Fields(signal.UserName)
	if len(fields) == 0 {
		return "Someone"
	}
	return fields[0]
}
