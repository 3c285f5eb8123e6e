// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package signalstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Compile-time interface check.
var _ Store = (*RedisStore)(nil)

// redisKeyPrefix namespaces pairlink rooms within a shared Redis.
const redisKeyPrefix = "pairlink:room:"

// redisRoomTTL bounds how long an abandoned room lingers. Refreshed on
// every publish, so an active rendezvous never expires mid-flight.
const redisRoomTTL = 24 * time.Hour

// RedisStore is a rendezvous store backed by one Redis hash per room:
// field = publisher ID, value = blob. Deployments that already run
// Redis can rendezvous through it instead of the HTTP reference server.
type RedisStore struct {
	client    *redis.Client
	publisher string
}

// NewRedisStore creates a store client publishing under the given
// participant ID. An empty publisher gets a random UUID.
func NewRedisStore(client *redis.Client, publisher string) *RedisStore {
	if publisher == "" {
		publisher = uuid.NewString()
	}
	return &RedisStore{client: client, publisher: publisher}
}

// Publisher returns the participant ID this client publishes under.
func (s *RedisStore) Publisher() string { return s.publisher }

func (s *RedisStore) Get(ctx context.Context, room string) ([][]byte, error) {
	values, err := s.client.HVals(ctx, redisKeyPrefix+room).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: hvals %s: %v", ErrUnavailable, room, err)
	}

	blobs := make([][]byte, 0, len(values))
	for _, value := range values {
		blobs = append(blobs, []byte(value))
	}
	return blobs, nil
}

func (s *RedisStore) Set(ctx context.Context, room string, blob []byte) error {
	key := redisKeyPrefix + room

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, s.publisher, blob)
	pipe.Expire(ctx, key, redisRoomTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: hset %s: %v", ErrUnavailable, room, err)
	}
	return nil
}

func (s *RedisStore) ForceClear(ctx context.Context, room string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+room).Err(); err != nil {
		return fmt.Errorf("%w: del %s: %v", ErrUnavailable, room, err)
	}
	return nil
}
