package room

import (
	"sync"

	"github.com/reflectd/reflectd/internal/v1/auth"
)

// clockSkewWindow bounds how many skew samples feed the estimate.
const clockSkewWindow = 10

// Conn is what a room needs from a transport connection. Send must never
// block; implementations queue or drop.
type Conn interface {
	Send(data []byte)
	Close()
}

// ClientState is the in-memory state of one live connection. All fields except
// the skew estimate are touched only under the room's turn lock.
type ClientState struct {
	ClientID ClientID
	WSID     string
	UserData *auth.UserData
	Conn     Conn

	// LastCookieSent is the baseCookie of the next poke for this client.
	LastCookieSent *int64

	// lastPendingID dedupes retransmitted mutations before they reach the
	// buffer. Seeded with the durable lastMutationID at connect.
	lastPendingID uint64

	// pendingRequestID is echoed in the next poke, then cleared.
	pendingRequestID string

	skewMu      sync.Mutex
	skewSamples []int64
}

// RecordClockSkew folds one (serverNow - clientTimestamp) sample into the
// estimate. The minimum over a sliding window is used so one delayed frame
// cannot inflate the skew.
func (c *ClientState) RecordClockSkew(sampleMs int64) {
	c.skewMu.Lock()
	defer c.skewMu.Unlock()
	c.skewSamples = append(c.skewSamples, sampleMs)
	if len(c.skewSamples) > clockSkewWindow {
		c.skewSamples = c.skewSamples[1:]
	}
}

// ClockBehindMs reports how far the client's clock is estimated to lag the
// server's. Zero until the first sample arrives.
func (c *ClientState) ClockBehindMs() int64 {
	c.skewMu.Lock()
	defer c.skewMu.Unlock()
	if len(c.skewSamples) == 0 {
		return 0
	}
	min := c.skewSamples[0]
	for _, s := range c.skewSamples[1:] {
		if s < min {
			min = s
		}
	}
	return min
}

// clientRegistry holds the live connections of a room. It has its own lock so
// snapshots for auth bookkeeping never contend with the turn loop.
type clientRegistry struct {
	mu      sync.RWMutex
	clients map[ClientID]*ClientState
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{clients: make(map[ClientID]*ClientState)}
}

func (r *clientRegistry) Get(id ClientID) *ClientState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[id]
}

// Put installs a client state, returning the state it displaced, if any.
func (r *clientRegistry) Put(c *ClientState) *ClientState {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.clients[c.ClientID]
	r.clients[c.ClientID] = c
	return prev
}

// Remove deletes the entry for id only if it still points at state. A stale
// close racing a reconnect must not evict the new connection.
func (r *clientRegistry) Remove(id ClientID, state *ClientState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.clients[id]; ok && cur == state {
		delete(r.clients, id)
		return true
	}
	return false
}

func (r *clientRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *clientRegistry) Has(id ClientID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[id]
	return ok
}

// All returns a snapshot of the live client states.
func (r *clientRegistry) All() []*ClientState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ClientState, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// Connections returns the (clientID, userID) pairs of the live connections.
func (r *clientRegistry) Connections() []ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnectionInfo, 0, len(r.clients))
	for _, c := range r.clients {
		info := ConnectionInfo{ClientID: c.ClientID}
		if c.UserData != nil {
			info.UserID = c.UserData.UserID
		}
		out = append(out, info)
	}
	return out
}
