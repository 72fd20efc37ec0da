package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-livechat/internal/observability"
)

// writeScript clears exact paths and subtree ranges, then writes new leaves, atomically.
var writeScript = redis.NewScript(`
local i = 1
local nExact = tonumber(ARGV[i]); i = i + 1
for _ = 1, nExact do
  redis.call('ZREM', KEYS[1], ARGV[i])
  redis.call('HDEL', KEYS[2], ARGV[i])
  i = i + 1
end
local nRanges = tonumber(ARGV[i]); i = i + 1
for _ = 1, nRanges do
  local members = redis.call('ZRANGEBYLEX', KEYS[1], ARGV[i], ARGV[i + 1])
  for _, m in ipairs(members) do
    redis.call('ZREM', KEYS[1], m)
    redis.call('HDEL', KEYS[2], m)
  end
  i = i + 2
end
local nLeaves = tonumber(ARGV[i]); i = i + 1
for _ = 1, nLeaves do
  redis.call('ZADD', KEYS[1], 0, ARGV[i])
  redis.call('HSET', KEYS[2], ARGV[i], ARGV[i + 1])
  i = i + 2
end
return nLeaves
`)

// readScript returns the leaf at a path, or every leaf beneath it, as a flat path/value list.
var readScript = redis.NewScript(`
local out = {}
if ARGV[1] ~= '' then
  local exact = redis.call('HGET', KEYS[2], ARGV[1])
  if exact then
    out[1] = ARGV[1]
    out[2] = exact
    return out
  end
end
local members = redis.call('ZRANGEBYLEX', KEYS[1], ARGV[2], ARGV[3])
for _, m in ipairs(members) do
  local v = redis.call('HGET', KEYS[2], m)
  if v then
    out[#out + 1] = m
    out[#out + 1] = v
  end
end
return out
`)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Prefix string
	Feed   Feed
}

// RedisStore keeps the tree in Redis: every leaf path is a member of a sorted
// set (for lexicographic subtree scans) and a field of a hash holding its JSON value.
type RedisStore struct {
	client    *redis.Client
	pathsKey  string
	valuesKey string
	feed      Feed
	nodeID    string
	logger    zerolog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	stop   func()
	closed bool
}

// NewRedisStore constructs a store. A nil feed keeps change fan-out in process.
func NewRedisStore(client *redis.Client, opts RedisOptions, logger zerolog.Logger) *RedisStore {
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = "livechat"
	}
	feed := opts.Feed
	if feed == nil {
		feed = NewLocalFeed()
	}

	return &RedisStore{
		client:    client,
		pathsKey:  prefix + ":paths",
		valuesKey: prefix + ":values",
		feed:      feed,
		nodeID:    uuid.NewString(),
		logger:    logger.With().Str("component", "store").Logger(),
		subs:      make(map[uint64]*Subscription),
	}
}

// Start subscribes to the change feed. Changes published before Start returns are not observed.
func (s *RedisStore) Start(ctx context.Context) error {
	stop, err := s.feed.Subscribe(ctx, s.dispatch)
	if err != nil {
		return fmt.Errorf("subscribe change feed: %w", err)
	}

	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	return nil
}

// Close stops the feed and every subscription.
func (s *RedisStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stop := s.stop
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[uint64]*Subscription)
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	for _, sub := range subs {
		sub.shutdown()
	}
}

func (s *RedisStore) Get(ctx context.Context, path string) (Snapshot, error) {
	clean, err := Clean(path)
	if err != nil {
		return Snapshot{}, err
	}

	lo, hi := rangeFor(clean)
	values, err := readScript.Run(ctx, s.client, []string{s.pathsKey, s.valuesKey}, clean, lo, hi).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Snapshot{}, fmt.Errorf("read %q: %w", clean, err)
	}

	leaves := make(map[string]string, len(values)/2)
	for i := 0; i+1 < len(values); i += 2 {
		leaves[values[i]] = values[i+1]
	}

	raw, err := unflatten(clean, leaves)
	if err != nil {
		return Snapshot{}, fmt.Errorf("assemble %q: %w", clean, err)
	}

	return Snapshot{Path: clean, Raw: raw}, nil
}

func (s *RedisStore) Set(ctx context.Context, path string, value any) error {
	clean, err := Clean(path)
	if err != nil {
		return err
	}
	if clean == "" {
		return ErrInvalidPath
	}

	op := "set"
	if value == nil {
		op = "remove"
	}
	return s.write(ctx, op, map[string]any{clean: value})
}

func (s *RedisStore) Remove(ctx context.Context, path string) error {
	return s.Set(ctx, path, nil)
}

// Update applies several subtree replacements relative to base in one atomic write.
func (s *RedisStore) Update(ctx context.Context, base string, fields map[string]any) error {
	cleanBase, err := Clean(base)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}

	targets := make(map[string]any, len(fields))
	for field, value := range fields {
		relative, err := Clean(field)
		if err != nil {
			return err
		}
		full := Join(cleanBase, relative)
		if full == "" {
			return ErrInvalidPath
		}
		targets[full] = value
	}

	if err := checkOverlap(targets); err != nil {
		return err
	}

	return s.write(ctx, "update", targets)
}

func (s *RedisStore) Push(ctx context.Context, collection string, value any) (string, error) {
	clean, err := Clean(collection)
	if err != nil {
		return "", err
	}
	key := NewKey()
	if err := s.write(ctx, "push", map[string]any{Join(clean, key): value}); err != nil {
		return "", err
	}
	return key, nil
}

func (s *RedisStore) write(ctx context.Context, op string, targets map[string]any) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	exact := make([]string, 0, len(targets))
	ranges := make([]string, 0, 2*len(targets))
	leaves := make(map[string]string)
	paths := make([]string, 0, len(targets))

	for path, value := range targets {
		paths = append(paths, path)
		exact = append(exact, path)
		lo, hi := rangeFor(path)
		ranges = append(ranges, lo, hi)

		flat, err := flatten(path, value)
		if err != nil {
			return err
		}
		if len(flat) > 0 {
			exact = append(exact, ancestors(path)...)
		}
		for leaf, encoded := range flat {
			leaves[leaf] = encoded
		}
	}
	sort.Strings(paths)

	args := make([]any, 0, 3+len(exact)+len(ranges)+2*len(leaves))
	args = append(args, strconv.Itoa(len(exact)))
	for _, path := range exact {
		args = append(args, path)
	}
	args = append(args, strconv.Itoa(len(ranges)/2))
	for _, bound := range ranges {
		args = append(args, bound)
	}
	args = append(args, strconv.Itoa(len(leaves)))
	for leaf, encoded := range leaves {
		args = append(args, leaf, encoded)
	}

	if err := writeScript.Run(ctx, s.client, []string{s.pathsKey, s.valuesKey}, args...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%s %v: %w", op, paths, err)
	}
	observability.StoreWrites().WithLabelValues(op).Inc()

	change := Change{Source: s.nodeID, Paths: paths, At: time.Now().UTC()}
	if err := s.feed.Publish(ctx, change); err != nil {
		s.logger.Warn().Err(err).Strs("paths", paths).Msg("failed to publish store change")
	}

	return nil
}

// Subscribe watches path. fn receives an initial snapshot, then one after every related change.
// Calls to fn for a subscription never overlap; bursts of changes may be coalesced.
func (s *RedisStore) Subscribe(ctx context.Context, path string, fn func(Snapshot)) (*Subscription, error) {
	clean, err := Clean(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.nextID++
	sub := newSubscription(s.nextID, clean, fn, s)
	s.subs[sub.id] = sub
	s.mu.Unlock()

	go sub.run(ctx)
	sub.notify()

	return sub, nil
}

func (s *RedisStore) unsubscribe(id uint64) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

func (s *RedisStore) dispatch(change Change) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subs {
		for _, path := range change.Paths {
			if related(sub.path, path) {
				sub.notify()
				break
			}
		}
	}
}

func checkOverlap(targets map[string]any) error {
	for path := range targets {
		for _, ancestor := range ancestors(path) {
			if _, ok := targets[ancestor]; ok {
				return fmt.Errorf("%q and %q: %w", ancestor, path, ErrOverlappingUpdate)
			}
		}
	}
	return nil
}
