package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Store is a TTL key/value store. An expired entry behaves exactly like a
// missing one. Values are opaque bytes; callers that want typed access go
// through GetJSON/SetJSON.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
}

// SetJSON marshals v and stores it under key for ttl.
func SetJSON[T any](ctx context.Context, s Store, key string, v T, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, b, ttl)
}

// GetJSON reads key and unmarshals it into T. A corrupt entry is dropped
// and reported as absent rather than surfaced to the caller.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, bool, error) {
	var out T
	b, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return out, false, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		_ = s.Delete(ctx, key)
		return out, false, nil
	}
	return out, true, nil
}
