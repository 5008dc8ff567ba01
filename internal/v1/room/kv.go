package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/reflectd/reflectd/internal/v1/protocol"
	"github.com/reflectd/reflectd/internal/v1/storage"
)

// Tx is the transactional view of the room's user keyspace a mutator runs
// against. Reads observe earlier writes of the same turn, including writes of
// this mutator. Keys are the mutator-visible names; the durable "user/"
// namespace is applied underneath.
type Tx interface {
	Get(key string) (json.RawMessage, bool, error)
	Has(key string) (bool, error)
	Put(key string, value json.RawMessage) error
	Del(key string) error
	Scan(opts storage.ListOptions) ([]storage.Entry, error)
	DeleteAll() error
}

type stagedEntry struct {
	value   json.RawMessage
	deleted bool
}

// turnTx accumulates the write-set of one turn across all its mutators. It is
// flushed to a storage batch at commit and drives the poke patch.
type turnTx struct {
	ctx     context.Context
	store   storage.Store
	staged  map[string]stagedEntry
	cleared bool
	ops     []protocol.PatchOp
}

func newTurnTx(ctx context.Context, store storage.Store) *turnTx {
	return &turnTx{
		ctx:    ctx,
		store:  store,
		staged: make(map[string]stagedEntry),
	}
}

func (t *turnTx) hasWrites() bool {
	return len(t.ops) > 0
}

// patch returns the turn's patch ops in write order.
func (t *turnTx) patch() []protocol.PatchOp {
	return t.ops
}

// appendToBatch replays the write-set into a storage batch, mapped into the
// durable user namespace.
func (t *turnTx) appendToBatch(batch *storage.Batch) {
	for _, op := range t.ops {
		switch op.Op {
		case protocol.OpClear:
			batch.ClearPrefix(prefixUser)
		case protocol.OpPut:
			batch.Put(prefixUser+op.Key, op.Value)
		case protocol.OpDel:
			batch.Delete(prefixUser + op.Key)
		}
	}
}

func (t *turnTx) get(key string) (json.RawMessage, bool, error) {
	if e, ok := t.staged[key]; ok {
		if e.deleted {
			return nil, false, nil
		}
		return e.value, true, nil
	}
	if t.cleared {
		return nil, false, nil
	}

	data, err := t.store.Get(t.ctx, prefixUser+key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return data, true, nil
}

// storedEntries lists the durable entries visible to this turn, before staged
// writes are overlaid.
func (t *turnTx) storedEntries(prefix string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	if t.cleared {
		return out, nil
	}

	entries, err := t.store.List(t.ctx, storage.ListOptions{Prefix: prefixUser + prefix})
	if err != nil {
		return nil, fmt.Errorf("scan %q: %w", prefix, err)
	}
	for _, e := range entries {
		out[strings.TrimPrefix(e.Key, prefixUser)] = e.Value
	}
	return out, nil
}

// fold merges a completed mutator's write-set into the turn.
func (t *turnTx) fold(m *mutatorTx) {
	if m.cleared {
		t.cleared = true
		t.staged = make(map[string]stagedEntry)
	}
	for k, e := range m.staged {
		t.staged[k] = e
	}
	t.ops = append(t.ops, m.ops...)
}

// mutatorTx overlays one mutator's writes on the turn so a thrown mutator
// rolls back cleanly without touching earlier mutators' effects.
type mutatorTx struct {
	turn    *turnTx
	staged  map[string]stagedEntry
	cleared bool
	ops     []protocol.PatchOp
}

func newMutatorTx(turn *turnTx) *mutatorTx {
	return &mutatorTx{
		turn:   turn,
		staged: make(map[string]stagedEntry),
	}
}

func (m *mutatorTx) Get(key string) (json.RawMessage, bool, error) {
	if e, ok := m.staged[key]; ok {
		if e.deleted {
			return nil, false, nil
		}
		return e.value, true, nil
	}
	if m.cleared {
		return nil, false, nil
	}
	return m.turn.get(key)
}

func (m *mutatorTx) Has(key string) (bool, error) {
	_, ok, err := m.Get(key)
	return ok, err
}

func (m *mutatorTx) Put(key string, value json.RawMessage) error {
	if key == "" {
		return errors.New("key must not be empty")
	}
	m.staged[key] = stagedEntry{value: value}
	m.ops = append(m.ops, protocol.PatchOp{Op: protocol.OpPut, Key: key, Value: value})
	return nil
}

func (m *mutatorTx) Del(key string) error {
	m.staged[key] = stagedEntry{deleted: true}
	m.ops = append(m.ops, protocol.PatchOp{Op: protocol.OpDel, Key: key})
	return nil
}

func (m *mutatorTx) DeleteAll() error {
	m.cleared = true
	m.staged = make(map[string]stagedEntry)
	m.ops = append(m.ops, protocol.PatchOp{Op: protocol.OpClear})
	return nil
}

// Scan merges durable entries with this turn's staged writes, then applies
// Start/Limit over the merged, key-ordered result.
func (m *mutatorTx) Scan(opts storage.ListOptions) ([]storage.Entry, error) {
	merged := make(map[string]json.RawMessage)

	if !m.cleared {
		stored, err := m.turn.storedEntries(opts.Prefix)
		if err != nil {
			return nil, err
		}
		for k, v := range stored {
			merged[k] = v
		}
		overlayStaged(merged, m.turn.staged, opts.Prefix)
	}
	overlayStaged(merged, m.staged, opts.Prefix)

	keys := make([]string, 0, len(merged))
	for k := range merged {
		if opts.Start != "" && k < opts.Start {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}

	out := make([]storage.Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, storage.Entry{Key: k, Value: merged[k]})
	}
	return out, nil
}

func overlayStaged(merged map[string]json.RawMessage, staged map[string]stagedEntry, prefix string) {
	for k, e := range staged {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if e.deleted {
			delete(merged, k)
		} else {
			merged[k] = e.value
		}
	}
}
