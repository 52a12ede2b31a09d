// Package cache provides the time-bounded local cache used for read-through rendering
// of conversation history.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultTTL is used when a caller passes a non-positive ttl.
const DefaultTTL = time.Hour

// Store is a key/value cache with per-entry expiry. An expired entry is
// indistinguishable from a missing one.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// MessagesKey is the cache key holding a conversation's message list.
func MessagesKey(conversationID string) string {
	return "messages_" + conversationID
}

// GetJSON reads key and decodes it into dst. It reports whether a live entry existed.
func GetJSON(ctx context.Context, s Store, key string, dst any) (bool, error) {
	data, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to decode cache entry %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes value and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}

func effectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
