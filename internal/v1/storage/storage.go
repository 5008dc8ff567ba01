// Package storage defines the durable ordered key-value contract the fabric
// runs on, plus the BadgerDB, Redis and in-memory backends.
//
// Keys are byte-ordered strings, values are JSON. Writes that must be atomic
// with respect to each other go through Apply; Flush is the write barrier a
// turn commit waits on before any poke references the committed state.
package storage

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("storage: key not found")

// Entry is a single key/value pair returned from List.
type Entry struct {
	Key   string
	Value json.RawMessage
}

// ListOptions bounds a List scan. Prefix is mandatory; Start, when set, is the
// inclusive lower bound within the prefix; Limit of 0 means unbounded.
type ListOptions struct {
	Prefix string
	Start  string
	Limit  int
}

// Store is the durable ordered KV the room and auth front persist into.
type Store interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Put(ctx context.Context, key string, value json.RawMessage) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, opts ListOptions) ([]Entry, error)
	DeleteAll(ctx context.Context, prefix string) error

	// Apply commits all ops in the batch atomically.
	Apply(ctx context.Context, batch *Batch) error

	// Flush blocks until previously applied writes are durable.
	Flush(ctx context.Context) error

	Ping(ctx context.Context) error
	Close() error
}

// OpKind discriminates batch operations.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
	OpClearPrefix
)

// BatchOp is a single operation inside a Batch.
type BatchOp struct {
	Kind   OpKind
	Key    string
	Value  json.RawMessage
	Prefix string
}

// Batch accumulates operations for one atomic Apply.
type Batch struct {
	Ops []BatchOp
}

// Put stages a write.
func (b *Batch) Put(key string, value json.RawMessage) {
	b.Ops = append(b.Ops, BatchOp{Kind: OpPut, Key: key, Value: value})
}

// Delete stages a deletion.
func (b *Batch) Delete(key string) {
	b.Ops = append(b.Ops, BatchOp{Kind: OpDelete, Key: key})
}

// ClearPrefix stages deletion of every key under prefix.
func (b *Batch) ClearPrefix(prefix string) {
	b.Ops = append(b.Ops, BatchOp{Kind: OpClearPrefix, Prefix: prefix})
}

// Len returns the number of staged operations.
func (b *Batch) Len() int {
	return len(b.Ops)
}
