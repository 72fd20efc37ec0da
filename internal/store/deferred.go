package store

import (
	"context"
	"sync"
)

// DeferredWrites collects writes to perform when a client goes away.
// Delivery is best effort: a crashed gateway never flushes.
type DeferredWrites struct {
	mu     sync.Mutex
	store  Store
	writes map[string]any
}

// OnDisconnect returns an empty deferred write set bound to s.
func OnDisconnect(s Store) *DeferredWrites {
	return &DeferredWrites{store: s, writes: make(map[string]any)}
}

// Register schedules value to be written at path on Flush. A nil value removes the path.
func (d *DeferredWrites) Register(path string, value any) error {
	clean, err := Clean(path)
	if err != nil {
		return err
	}
	if clean == "" {
		return ErrInvalidPath
	}

	d.mu.Lock()
	d.writes[clean] = value
	d.mu.Unlock()
	return nil
}

// Pending returns the number of registered writes.
func (d *DeferredWrites) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.writes)
}

// Cancel drops every registered write.
func (d *DeferredWrites) Cancel() {
	d.mu.Lock()
	d.writes = make(map[string]any)
	d.mu.Unlock()
}

// Flush performs the registered writes as one update and clears the set.
func (d *DeferredWrites) Flush(ctx context.Context) error {
	d.mu.Lock()
	writes := d.writes
	d.writes = make(map[string]any)
	d.mu.Unlock()

	if len(writes) == 0 {
		return nil
	}
	return d.store.Update(ctx, "", writes)
}
