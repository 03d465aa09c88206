package redis

import (
	"context"
	"errors"
	"sort"

	"github.com/goodtune/apconsole/internal/storage"
	"github.com/redis/go-redis/v9"
)

// kvStore maps each namespace onto one Redis hash.
type kvStore struct {
	client *redis.Client
	keys   keys
	commit *redis.Script
}

// Get retrieves a single value from a namespace
func (s *kvStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	val, err := s.client.HGet(ctx, s.keys.namespace(namespace), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// GetAll retrieves every value of a namespace. An empty namespace yields an
// empty map.
func (s *kvStore) GetAll(ctx context.Context, namespace string) (map[string][]byte, error) {
	data, err := s.client.HGetAll(ctx, s.keys.namespace(namespace)).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string][]byte, len(data))
	for k, v := range data {
		out[k] = []byte(v)
	}
	return out, nil
}

// Put stores a single value without touching the rest of the namespace
func (s *kvStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	return s.client.HSet(ctx, s.keys.namespace(namespace), key, value).Err()
}

// Commit replaces the namespace with records atomically
func (s *kvStore) Commit(ctx context.Context, namespace string, records map[string][]byte) error {
	fields := make([]string, 0, len(records))
	for k := range records {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	args := make([]interface{}, 0, len(records)*2)
	for _, k := range fields {
		args = append(args, k, records[k])
	}

	return s.commit.Run(ctx, s.client, []string{s.keys.namespace(namespace)}, args...).Err()
}

// Erase deletes the whole namespace
func (s *kvStore) Erase(ctx context.Context, namespace string) error {
	return s.client.Del(ctx, s.keys.namespace(namespace)).Err()
}
