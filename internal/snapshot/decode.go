// Package snapshot turns the key -> record mappings pushed by the store into
// ordered slices.
package snapshot

import (
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrNotMapping is returned when the top-level value is neither null nor an object.
var ErrNotMapping = errors.New("snapshot is not a key/record mapping")

// Keyed is implemented by records whose id is the store key and whose order is
// their creation time.
type Keyed interface {
	SetKey(key string)
	CreatedAtMillis() int64
}

// Skipped describes one entry that could not be decoded.
type Skipped struct {
	Key string
	Err error
}

// Result holds decoded records in order plus the entries that were dropped.
type Result[T any] struct {
	Items   []T
	Skipped []Skipped
}

type options struct {
	schema *jsonschema.Schema
}

// Option customises decoding.
type Option func(*options)

// WithSchema validates every entry against schema before decoding it.
func WithSchema(schema *jsonschema.Schema) Option {
	return func(o *options) { o.schema = schema }
}

// Decode converts raw into records sorted ascending by creation time, ties
// broken by key. A null or empty raw value decodes to an empty result.
func Decode[T any, P interface {
	*T
	Keyed
}](raw json.RawMessage, opts ...Option) (Result[T], error) {
	var cfg options
	for _, opt := range opts {
		opt(&cfg)
	}

	result := Result[T]{Items: []T{}}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return result, nil
	}
	if trimmed[0] != '{' {
		return result, ErrNotMapping
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return result, fmt.Errorf("%w: %v", ErrNotMapping, err)
	}

	type keyed struct {
		key     string
		created int64
		item    T
	}
	decoded := make([]keyed, 0, len(entries))

	for key, entry := range entries {
		entry = bytes.TrimSpace(entry)
		if len(entry) == 0 || bytes.Equal(entry, []byte("null")) {
			continue
		}

		if cfg.schema != nil {
			var doc any
			if err := json.Unmarshal(entry, &doc); err != nil {
				result.Skipped = append(result.Skipped, Skipped{Key: key, Err: err})
				continue
			}
			if err := cfg.schema.Validate(doc); err != nil {
				result.Skipped = append(result.Skipped, Skipped{Key: key, Err: err})
				continue
			}
		}

		var item T
		if err := json.Unmarshal(entry, &item); err != nil {
			result.Skipped = append(result.Skipped, Skipped{Key: key, Err: err})
			continue
		}
		ptr := P(&item)
		ptr.SetKey(key)
		decoded = append(decoded, keyed{key: key, created: ptr.CreatedAtMillis(), item: item})
	}

	slices.SortFunc(decoded, func(a, b keyed) int {
		if c := cmp.Compare(a.created, b.created); c != 0 {
			return c
		}
		return cmp.Compare(a.key, b.key)
	})
	slices.SortFunc(result.Skipped, func(a, b Skipped) int { return cmp.Compare(a.Key, b.Key) })

	result.Items = make([]T, 0, len(decoded))
	for _, entry := range decoded {
		result.Items = append(result.Items, entry.item)
	}

	return result, nil
}

// DecodeDescending is Decode with the items ordered newest first.
func DecodeDescending[T any, P interface {
	*T
	Keyed
}](raw json.RawMessage, opts ...Option) (Result[T], error) {
	result, err := Decode[T, P](raw, opts...)
	slices.Reverse(result.Items)
	return result, err
}

// MustCompileSchema compiles an embedded JSON schema document.
func MustCompileSchema(name, document string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader([]byte(document))); err != nil {
		panic(fmt.Sprintf("snapshot: add schema %s: %v", name, err))
	}
	return compiler.MustCompile(name)
}
