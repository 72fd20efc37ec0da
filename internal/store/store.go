// Package store implements the live key-value tree the chat clients share.
//
// Every record lives at a slash separated path. Writers replace whole subtrees
// and subscribers receive a full snapshot of the subtree they watch after every
// change at, above or below that path, including changes they made themselves.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrInvalidPath is returned for empty segments or paths that cannot be written.
	ErrInvalidPath = errors.New("invalid store path")
	// ErrOverlappingUpdate is returned when an update touches a path and one of its descendants.
	ErrOverlappingUpdate = errors.New("update paths overlap")
	// ErrClosed is returned after the store has been shut down.
	ErrClosed = errors.New("store closed")
)

// Store is the contract the reconciliation components depend on.
type Store interface {
	Get(ctx context.Context, path string) (Snapshot, error)
	Set(ctx context.Context, path string, value any) error
	Update(ctx context.Context, base string, fields map[string]any) error
	Remove(ctx context.Context, path string) error
	Push(ctx context.Context, collection string, value any) (string, error)
	Subscribe(ctx context.Context, path string, fn func(Snapshot)) (*Subscription, error)
}

// Snapshot is a point-in-time copy of a subtree.
type Snapshot struct {
	Path string          `json:"path"`
	Raw  json.RawMessage `json:"raw,omitempty"`
}

// Exists reports whether anything is stored at the snapshot path.
func (s Snapshot) Exists() bool {
	return len(s.Raw) > 0 && string(s.Raw) != "null"
}

// Decode unmarshals the snapshot into v. Missing snapshots leave v untouched.
func (s Snapshot) Decode(v any) error {
	if !s.Exists() {
		return nil
	}
	return json.Unmarshal(s.Raw, v)
}

// Change describes the paths touched by one write.
type Change struct {
	Source string    `json:"source"`
	Paths  []string  `json:"paths"`
	At     time.Time `json:"at"`
}

// Feed carries change notifications between every node sharing the store.
// A node must receive its own published changes.
type Feed interface {
	Publish(ctx context.Context, change Change) error
	Subscribe(ctx context.Context, handler func(Change)) (stop func(), err error)
}
