package room

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reflectd/reflectd/internal/v1/logging"
	"github.com/reflectd/reflectd/internal/v1/metrics"
	"github.com/reflectd/reflectd/internal/v1/protocol"
	"github.com/reflectd/reflectd/internal/v1/storage"
	"github.com/reflectd/reflectd/internal/v1/turnlock"
)

// Turn cadence defaults. The faster cadence only makes sense when writes may
// be acknowledged before the storage barrier.
const (
	DefaultTurnDuration            = 1000 / 15 * time.Millisecond
	DefaultTurnDurationUnconfirmed = 1000 / 60 * time.Millisecond

	maxCommitBackoff = time.Second
)

// PullHandler answers pull frames. The body is opaque to the core.
type PullHandler func(ctx context.Context, roomID RoomID, clientID ClientID, body json.RawMessage)

// Options configures a Room. Zero values take the defaults.
type Options struct {
	TurnDuration           time.Duration
	AllowUnconfirmedWrites bool
	SchemaVersion          string
	Clock                  Clock
	BufferSizer            BufferSizerOptions

	// PullHandler, when nil, logs and drops pull frames.
	PullHandler PullHandler
}

// Room is the per-room actor. All mutating operations serialize through the
// turn lock; only the connection snapshot bypasses it.
type Room struct {
	ID RoomID

	store    storage.Store
	mutators *Mutators
	opts     Options
	clock    Clock
	lock     *turnlock.Lock
	clients  *clientRegistry
	sizer    *bufferSizer

	ctx    context.Context
	cancel context.CancelFunc

	// Turn state. Guarded by the turn lock.
	buffer            *mutationBuffer
	disconnectPending map[ClientID]struct{}

	mu          sync.Mutex
	timer       *time.Timer
	loopRunning bool
	// kicked records a scheduleTurn that arrived while a turn was in flight;
	// the turn's tail consumes it so the wakeup is never lost.
	kicked  bool
	backoff time.Duration
	closed  bool
}

// New creates a room actor over its (already prefixed) keyspace view.
func New(parent context.Context, id RoomID, store storage.Store, mutators *Mutators, opts Options) *Room {
	if opts.Clock == nil {
		opts.Clock = NewRealClock()
	}
	if opts.TurnDuration <= 0 {
		if opts.AllowUnconfirmedWrites {
			opts.TurnDuration = DefaultTurnDurationUnconfirmed
		} else {
			opts.TurnDuration = DefaultTurnDuration
		}
	}

	ctx, cancel := context.WithCancel(parent)
	r := &Room{
		ID:                id,
		store:             store,
		mutators:          mutators,
		opts:              opts,
		clock:             opts.Clock,
		lock:              turnlock.New("room:" + string(id)),
		clients:           newClientRegistry(),
		sizer:             newBufferSizer(opts.BufferSizer, opts.Clock.Now()),
		ctx:               ctx,
		cancel:            cancel,
		buffer:            newMutationBuffer(),
		disconnectPending: make(map[ClientID]struct{}),
	}
	metrics.ActiveRooms.Inc()
	return r
}

// ClientCount reports the number of live connections.
func (r *Room) ClientCount() int {
	return r.clients.Len()
}

// AuthConnections snapshots the live (clientID, userID) pairs without taking
// the turn lock.
func (r *Room) AuthConnections() []ConnectionInfo {
	return r.clients.Connections()
}

// InvalidateUser closes every live connection of userID with AuthInvalidated
// and returns the number of connections closed.
func (r *Room) InvalidateUser(ctx context.Context, userID string) (int, error) {
	closed := 0
	err := r.lock.WithLock(ctx, "invalidateUser", r.opts.TurnDuration, func() error {
		for _, c := range r.clients.All() {
			if c.UserData == nil || c.UserData.UserID != userID {
				continue
			}
			r.evictLocked(ctx, c, protocol.ErrAuthInvalidated, "authorization was invalidated")
			closed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if closed > 0 {
		r.scheduleTurn(r.opts.TurnDuration)
	}
	return closed, nil
}

// InvalidateAll closes every live connection with AuthInvalidated.
func (r *Room) InvalidateAll(ctx context.Context) (int, error) {
	closed := 0
	err := r.lock.WithLock(ctx, "invalidateAll", r.opts.TurnDuration, func() error {
		for _, c := range r.clients.All() {
			r.evictLocked(ctx, c, protocol.ErrAuthInvalidated, "authorization was invalidated")
			closed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if closed > 0 {
		r.scheduleTurn(r.opts.TurnDuration)
	}
	return closed, nil
}

// evictLocked sends an error frame, closes the socket and registers the
// disconnect for the next turn. Caller holds the turn lock.
func (r *Room) evictLocked(ctx context.Context, c *ClientState, kind protocol.ErrorKind, detail string) {
	c.Conn.Send(protocol.MustEncodeError(kind, detail))
	c.Conn.Close()
	if r.clients.Remove(c.ClientID, c) {
		r.disconnectPending[c.ClientID] = struct{}{}
		metrics.RoomClients.WithLabelValues(string(r.ID)).Set(float64(r.clients.Len()))
	}
	logging.Info(ctx, "Evicted client",
		zap.String("roomID", string(r.ID)),
		zap.String("clientID", string(c.ClientID)),
		zap.String("kind", string(kind)))
}

// Shutdown closes every connection with RoomClosed and stops the actor. The
// durable state is retained.
func (r *Room) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()

	err := r.lock.WithLock(ctx, "shutdown", r.opts.TurnDuration, func() error {
		for _, c := range r.clients.All() {
			c.Conn.Send(protocol.MustEncodeError(protocol.ErrRoomClosed, "room is shutting down"))
			c.Conn.Close()
			r.clients.Remove(c.ClientID, c)
		}
		return nil
	})

	r.lock.Close()
	r.cancel()
	metrics.ActiveRooms.Dec()
	metrics.RoomClients.DeleteLabelValues(string(r.ID))
	metrics.BufferDelay.DeleteLabelValues(string(r.ID))
	return err
}

// Delete wipes the room's durable keyspace. The room must be shut down first.
func (r *Room) Delete(ctx context.Context) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if !closed {
		if err := r.Shutdown(ctx); err != nil {
			return err
		}
	}
	if err := r.store.DeleteAll(ctx, ""); err != nil {
		return err
	}
	return r.store.Flush(ctx)
}

func (r *Room) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
