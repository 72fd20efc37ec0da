package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// flatten converts a value into leaf path -> JSON scalar pairs rooted at base.
// Nulls and empty objects produce no leaves.
func flatten(base string, value any) (map[string]string, error) {
	leaves := make(map[string]string)
	if value == nil {
		return leaves, nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode value at %q: %w", base, err)
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var tree any
	if err := decoder.Decode(&tree); err != nil {
		return nil, fmt.Errorf("normalize value at %q: %w", base, err)
	}

	if err := walk(base, tree, leaves); err != nil {
		return nil, err
	}
	return leaves, nil
}

func walk(path string, node any, leaves map[string]string) error {
	switch v := node.(type) {
	case nil:
		return nil
	case map[string]any:
		for key, child := range v {
			if !validSegment(key) || strings.Contains(key, "/") {
				return fmt.Errorf("key %q under %q: %w", key, path, ErrInvalidPath)
			}
			if err := walk(Join(path, key), child, leaves); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for i, child := range v {
			if err := walk(Join(path, strconv.Itoa(i)), child, leaves); err != nil {
				return err
			}
		}
		return nil
	default:
		if path == "" {
			return ErrInvalidPath
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		leaves[path] = string(encoded)
		return nil
	}
}

// unflatten rebuilds the JSON document at base from its leaves.
func unflatten(base string, leaves map[string]string) (json.RawMessage, error) {
	if len(leaves) == 0 {
		return nil, nil
	}
	if value, ok := leaves[base]; ok && base != "" {
		return json.RawMessage(value), nil
	}

	root := make(map[string]any)
	prefix := ""
	if base != "" {
		prefix = base + "/"
	}

	for path, value := range leaves {
		relative := strings.TrimPrefix(path, prefix)
		if relative == path && prefix != "" {
			continue
		}
		segments := strings.Split(relative, "/")
		node := root
		for i, segment := range segments {
			if i == len(segments)-1 {
				node[segment] = json.RawMessage(value)
				break
			}
			child, ok := node[segment].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[segment] = child
			}
			node = child
		}
	}

	if len(root) == 0 {
		return nil, nil
	}
	return json.Marshal(root)
}
