package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// LocalFeed fans changes out inside the process. It suits a single gateway node.
type LocalFeed struct {
	mu       sync.RWMutex
	handlers map[int]func(Change)
	next     int
}

// NewLocalFeed constructs an in-process feed.
func NewLocalFeed() *LocalFeed {
	return &LocalFeed{handlers: make(map[int]func(Change))}
}

func (f *LocalFeed) Publish(_ context.Context, change Change) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, handler := range f.handlers {
		handler(change)
	}
	return nil
}

func (f *LocalFeed) Subscribe(_ context.Context, handler func(Change)) (func(), error) {
	f.mu.Lock()
	id := f.next
	f.next++
	f.handlers[id] = handler
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.handlers, id)
		f.mu.Unlock()
	}, nil
}

// RedisFeed broadcasts changes over a Redis pub/sub channel.
type RedisFeed struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger
}

// NewRedisFeed publishes on "<prefix>:changes".
func NewRedisFeed(client *redis.Client, prefix string, logger zerolog.Logger) *RedisFeed {
	return &RedisFeed{
		client:  client,
		channel: feedName(prefix, ":"),
		logger:  logger.With().Str("component", "redis_feed").Logger(),
	}
}

func (f *RedisFeed) Publish(ctx context.Context, change Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, f.channel, payload).Err()
}

func (f *RedisFeed) Subscribe(ctx context.Context, handler func(Change)) (func(), error) {
	pubsub := f.client.Subscribe(ctx, f.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	go func() {
		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
					return
				}
				f.logger.Error().Err(err).Msg("change feed subscription closed")
				return
			}
			var change Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				f.logger.Warn().Err(err).Msg("invalid change payload")
				continue
			}
			handler(change)
		}
	}()

	return func() { _ = pubsub.Close() }, nil
}

// NATSFeed broadcasts changes on a NATS subject. Every node subscribes without a
// queue group because each one must see every change.
type NATSFeed struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSFeed publishes on "<prefix>.changes".
func NewNATSFeed(conn *nats.Conn, prefix string, logger zerolog.Logger) *NATSFeed {
	return &NATSFeed{
		conn:    conn,
		subject: feedName(strings.ReplaceAll(prefix, ":", "."), "."),
		logger:  logger.With().Str("component", "nats_feed").Logger(),
	}
}

func (f *NATSFeed) Publish(_ context.Context, change Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return f.conn.Publish(f.subject, payload)
}

func (f *NATSFeed) Subscribe(_ context.Context, handler func(Change)) (func(), error) {
	sub, err := f.conn.Subscribe(f.subject, func(msg *nats.Msg) {
		var change Change
		if err := json.Unmarshal(msg.Data, &change); err != nil {
			f.logger.Warn().Err(err).Msg("invalid change payload")
			return
		}
		handler(change)
	})
	if err != nil {
		return nil, err
	}
	if err := f.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}

	return func() {
		if err := sub.Unsubscribe(); err != nil {
			f.logger.Debug().Err(err).Msg("failed to unsubscribe change feed")
		}
	}, nil
}

func feedName(prefix, sep string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "livechat"
	}
	return prefix + sep + "changes"
}
