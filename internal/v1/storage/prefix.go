package storage

import (
	"context"
	"encoding/json"
)

// WithPrefix returns a view of store with every key transparently prefixed.
// Rooms and the auth front share one physical store but own disjoint
// keyspaces through these views.
func WithPrefix(store Store, prefix string) Store {
	if prefix == "" {
		return store
	}
	return &prefixedStore{inner: store, prefix: prefix}
}

type prefixedStore struct {
	inner  Store
	prefix string
}

func (s *prefixedStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	return s.inner.Get(ctx, s.prefix+key)
}

func (s *prefixedStore) Put(ctx context.Context, key string, value json.RawMessage) error {
	return s.inner.Put(ctx, s.prefix+key, value)
}

func (s *prefixedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, s.prefix+key)
}

func (s *prefixedStore) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	inner := ListOptions{
		Prefix: s.prefix + opts.Prefix,
		Limit:  opts.Limit,
	}
	if opts.Start != "" {
		inner.Start = s.prefix + opts.Start
	}

	entries, err := s.inner.List(ctx, inner)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Key = entries[i].Key[len(s.prefix):]
	}
	return entries, nil
}

func (s *prefixedStore) DeleteAll(ctx context.Context, prefix string) error {
	return s.inner.DeleteAll(ctx, s.prefix+prefix)
}

func (s *prefixedStore) Apply(ctx context.Context, batch *Batch) error {
	rewritten := &Batch{Ops: make([]BatchOp, len(batch.Ops))}
	for i, op := range batch.Ops {
		rewritten.Ops[i] = BatchOp{
			Kind:   op.Kind,
			Value:  op.Value,
			Key:    s.prefix + op.Key,
			Prefix: s.prefix + op.Prefix,
		}
		if op.Kind == OpClearPrefix {
			rewritten.Ops[i].Key = ""
		} else {
			rewritten.Ops[i].Prefix = ""
		}
	}
	return s.inner.Apply(ctx, rewritten)
}

func (s *prefixedStore) Flush(ctx context.Context) error {
	return s.inner.Flush(ctx)
}

func (s *prefixedStore) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}

// Close is a no-op; the owner of the underlying store closes it.
func (s *prefixedStore) Close() error {
	return nil
}
