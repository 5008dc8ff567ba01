package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is a map-backed Store for tests and development mode.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]json.RawMessage
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]json.RawMessage)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(json.RawMessage, len(value))
	copy(out, value)
	return out, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, value json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make(json.RawMessage, len(value))
	copy(stored, value)
	s.data[key] = stored
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0)
	for k := range s.data {
		if !strings.HasPrefix(k, opts.Prefix) {
			continue
		}
		if opts.Start != "" && k < opts.Start {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}

	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		value := make(json.RawMessage, len(s.data[k]))
		copy(value, s.data[k])
		entries = append(entries, Entry{Key: k, Value: value})
	}
	return entries, nil
}

func (s *MemoryStore) DeleteAll(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			delete(s.data, k)
		}
	}
	return nil
}

func (s *MemoryStore) Apply(ctx context.Context, batch *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range batch.Ops {
		switch op.Kind {
		case OpPut:
			stored := make(json.RawMessage, len(op.Value))
			copy(stored, op.Value)
			s.data[op.Key] = stored
		case OpDelete:
			delete(s.data, op.Key)
		case OpClearPrefix:
			for k := range s.data {
				if strings.HasPrefix(k, op.Prefix) {
					delete(s.data, k)
				}
			}
		}
	}
	return nil
}

func (s *MemoryStore) Flush(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	return nil
}
