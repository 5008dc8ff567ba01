package room

import (
	"context"
	"encoding/json"

	"github.com/reflectd/reflectd/internal/v1/auth"
)

// MutatorContext carries the identity and ordering facts of the mutation a
// mutator is applying.
type MutatorContext struct {
	Auth       *auth.UserData
	ClientID   ClientID
	MutationID uint64
	Timestamp  int64

	// Version is the cookie the surrounding turn will commit as.
	Version int64
}

// MutatorFunc applies one named mutation against the room state. An error (or
// panic) rolls back this mutation's writes only; the mutation still counts as
// processed.
type MutatorFunc func(ctx context.Context, tx Tx, args json.RawMessage, mctx *MutatorContext) error

// DisconnectFunc runs inside a turn for each client that left since the last
// turn, so application state like presence can be cleaned up transactionally.
type DisconnectFunc func(ctx context.Context, tx Tx, clientID ClientID) error

// Mutators is the application's mutator registry. Register everything before
// handing it to a hub; the registry is read-only afterwards.
type Mutators struct {
	fns        map[string]MutatorFunc
	disconnect DisconnectFunc
}

func NewMutators() *Mutators {
	return &Mutators{fns: make(map[string]MutatorFunc)}
}

// Register adds a named mutator, replacing any previous registration.
func (m *Mutators) Register(name string, fn MutatorFunc) *Mutators {
	m.fns[name] = fn
	return m
}

// OnDisconnect sets the disconnect handler.
func (m *Mutators) OnDisconnect(fn DisconnectFunc) *Mutators {
	m.disconnect = fn
	return m
}

func (m *Mutators) get(name string) (MutatorFunc, bool) {
	fn, ok := m.fns[name]
	return fn, ok
}
