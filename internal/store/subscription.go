package store

import (
	"context"
	"sync"
)

// Subscription delivers snapshots of one path until closed.
type Subscription struct {
	id     uint64
	path   string
	fn     func(Snapshot)
	owner  *RedisStore
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSubscription(id uint64, path string, fn func(Snapshot), owner *RedisStore) *Subscription {
	return &Subscription{
		id:     id,
		path:   path,
		fn:     fn,
		owner:  owner,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Path returns the watched path.
func (s *Subscription) Path() string { return s.path }

// Close stops delivery. It is safe to call from inside the callback.
func (s *Subscription) Close() {
	s.shutdown()
	s.owner.unsubscribe(s.id)
}

func (s *Subscription) shutdown() {
	s.once.Do(func() { close(s.done) })
}

// notify marks the subscription dirty; pending signals collapse into one read.
func (s *Subscription) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.done:
			return
		case <-s.signal:
		}

		snapshot, err := s.owner.Get(ctx, s.path)
		if err != nil {
			if ctx.Err() != nil {
				s.Close()
				return
			}
			s.owner.logger.Warn().Err(err).Str("path", s.path).Msg("failed to read subscribed subtree")
			continue
		}

		select {
		case <-s.done:
			return
		default:
		}

		s.fn(snapshot)
	}
}
