// Package presence publishes live room occupancy so other nodes and tools can
// see which rooms this process hosts.
package presence

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Store persists occupancy counts for one node.
type Store interface {
	// Apply writes counts; a count of zero removes the room.
	Apply(ctx context.Context, counts map[string]int) error
	// Clear removes every room recorded for this node.
	Clear(ctx context.Context) error
}

// RedisStore keeps occupancy in a Redis hash "<prefix>:rooms:<node>" mapping
// room id to member count.
type RedisStore struct {
	client redis.Cmdable
	key    string
}

// NewRedisStore creates a RedisStore.
//
// Precondition: client must be non-nil; nodeID must be non-empty.
func NewRedisStore(client redis.Cmdable, keyPrefix, nodeID string) *RedisStore {
	return &RedisStore{client: client, key: Key(keyPrefix, nodeID)}
}

// Key returns the hash key used for nodeID.
func Key(keyPrefix, nodeID string) string {
	return fmt.Sprintf("%s:rooms:%s", keyPrefix, nodeID)
}

// Key returns this store's hash key.
func (s *RedisStore) Key() string { return s.key }

// Apply writes all counts in one transaction.
func (s *RedisStore) Apply(ctx context.Context, counts map[string]int) error {
	if len(counts) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	for roomID, n := range counts {
		if n > 0 {
			pipe.HSet(ctx, s.key, roomID, n)
		} else {
			pipe.HDel(ctx, s.key, roomID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing occupancy to %s: %w", s.key, err)
	}
	return nil
}

// Clear deletes the node's hash.
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("clearing %s: %w", s.key, err)
	}
	return nil
}

// Snapshot reads the node's hash back as counts.
func (s *RedisStore) Snapshot(ctx context.Context) (map[string]int, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.key, err)
	}
	out := make(map[string]int, len(raw))
	for roomID, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parsing count for room %q: %w", roomID, err)
		}
		out[roomID] = n
	}
	return out, nil
}
