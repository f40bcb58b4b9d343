// Package store persists flat key/value state shared by the daemon and its
// clients. Values are JSON documents.
package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// KV is a flat key/value namespace. Set writes all given keys in one step.
type KV interface {
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	Set(ctx context.Context, values map[string][]byte) error
	Remove(ctx context.Context, keys ...string) error
}

// SetJSON encodes every value and writes them together.
func SetJSON(ctx context.Context, kv KV, values map[string]any) error {
	encoded := make(map[string][]byte, len(values))
	for key, value := range values {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		encoded[key] = data
	}
	return kv.Set(ctx, encoded)
}

// Decode unmarshals raw[key] into dst. It reports whether the key was present.
func Decode(raw map[string][]byte, key string, dst any) (bool, error) {
	data, ok := raw[key]
	if !ok || len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}
