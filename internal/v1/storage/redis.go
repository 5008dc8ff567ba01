package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the Store contract with Redis for shared deployments.
//
// Redis has no ordered keyspace scan, so List collects matching keys with SCAN
// and sorts them client-side. Per-room key counts are small (client records,
// connected markers, user values), so this stays cheap in practice.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr      string
	Password  string
	Namespace string
}

// NewRedisStore connects to Redis and verifies connectivity.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %q: %w", opts.Addr, err)
	}

	namespace := opts.Namespace
	if namespace == "" {
		namespace = "reflect:"
	}

	return &RedisStore{client: client, namespace: namespace}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	value, err := s.client.Get(ctx, s.namespace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value json.RawMessage) error {
	return s.client.Set(ctx, s.namespace+key, []byte(value), 0).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.namespace+key).Err()
}

func (s *RedisStore) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	keys, err := s.scanKeys(ctx, opts.Prefix)
	if err != nil {
		return nil, err
	}

	filtered := keys[:0]
	for _, k := range keys {
		if opts.Start != "" && k < opts.Start {
			continue
		}
		filtered = append(filtered, k)
	}
	sort.Strings(filtered)

	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}

	entries := make([]Entry, 0, len(filtered))
	for _, k := range filtered {
		value, err := s.client.Get(ctx, s.namespace+k).Bytes()
		if errors.Is(err, redis.Nil) {
			// Deleted between scan and get; skip.
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Key: k, Value: value})
	}
	return entries, nil
}

func (s *RedisStore) DeleteAll(ctx context.Context, prefix string) error {
	keys, err := s.scanKeys(ctx, prefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	namespaced := make([]string, len(keys))
	for i, k := range keys {
		namespaced[i] = s.namespace + k
	}
	return s.client.Del(ctx, namespaced...).Err()
}

func (s *RedisStore) Apply(ctx context.Context, batch *Batch) error {
	// Prefix clears need their key sets resolved before the pipeline runs.
	cleared := make(map[string][]string)
	for _, op := range batch.Ops {
		if op.Kind != OpClearPrefix {
			continue
		}
		keys, err := s.scanKeys(ctx, op.Prefix)
		if err != nil {
			return err
		}
		cleared[op.Prefix] = keys
	}

	pipe := s.client.TxPipeline()
	for _, op := range batch.Ops {
		switch op.Kind {
		case OpPut:
			pipe.Set(ctx, s.namespace+op.Key, []byte(op.Value), 0)
		case OpDelete:
			pipe.Del(ctx, s.namespace+op.Key)
		case OpClearPrefix:
			for _, k := range cleared[op.Prefix] {
				pipe.Del(ctx, s.namespace+k)
			}
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

// Flush is a no-op: redis durability is governed by server-side AOF/RDB
// configuration, and MULTI/EXEC already orders the batch against reads.
func (s *RedisStore) Flush(ctx context.Context) error {
	return ctx.Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) scanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	match := s.namespace + prefix + "*"

	iter := s.client.Scan(ctx, 0, match, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.namespace))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}
