package store

import (
	"strings"

	"github.com/google/uuid"
)

// NewKey returns a push key. Keys sort lexicographically in creation order.
func NewKey() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Clean normalizes a path and validates its segments. The root is "".
func Clean(path string) (string, error) {
	trimmed := strings.Trim(strings.TrimSpace(path), "/")
	if trimmed == "" {
		return "", nil
	}
	segments := strings.Split(trimmed, "/")
	for _, segment := range segments {
		if !validSegment(segment) {
			return "", ErrInvalidPath
		}
	}
	return trimmed, nil
}

// Join concatenates path segments, skipping empty ones.
func Join(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, "/")
		if part != "" {
			out = append(out, part)
		}
	}
	return strings.Join(out, "/")
}

func validSegment(segment string) bool {
	if segment == "" {
		return false
	}
	for _, r := range segment {
		if r < 0x20 || r == 0x7f {
			return false
		}
		switch r {
		case '#', '$', '[', ']':
			return false
		}
	}
	return true
}

// ancestors lists every proper ancestor of path, nearest last.
func ancestors(path string) []string {
	if path == "" {
		return nil
	}
	segments := strings.Split(path, "/")
	out := make([]string, 0, len(segments)-1)
	for i := 1; i < len(segments); i++ {
		out = append(out, strings.Join(segments[:i], "/"))
	}
	return out
}

// related reports whether a change at one path affects a subscriber of the other.
func related(a, b string) bool {
	if a == "" || b == "" || a == b {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

func rangeFor(path string) (string, string) {
	if path == "" {
		return "-", "+"
	}
	return "[" + path + "/", "[" + path + "/\xff"
}
