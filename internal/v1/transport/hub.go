package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/reflectd/reflectd/internal/v1/auth"
	"github.com/reflectd/reflectd/internal/v1/logging"
	"github.com/reflectd/reflectd/internal/v1/metrics"
	"github.com/reflectd/reflectd/internal/v1/protocol"
	"github.com/reflectd/reflectd/internal/v1/room"
	"github.com/reflectd/reflectd/internal/v1/storage"
)

// roomKeyPrefix namespaces each room's durable state in the shared store.
const roomKeyPrefix = "object/"

// DefaultCleanupGracePeriod is how long an empty room stays resident before
// its actor is shut down. The durable state is retained.
const DefaultCleanupGracePeriod = 5 * time.Second

// HubOptions configures a Hub.
type HubOptions struct {
	RoomOptions        room.Options
	AllowedOrigins     []string
	CleanupGracePeriod time.Duration
}

// Hub keeps the resident room actors and hands accepted WebSocket upgrades to
// them.
type Hub struct {
	store    storage.Store
	mutators *room.Mutators
	opts     HubOptions

	mu                  sync.Mutex
	rooms               map[room.RoomID]*room.Room
	pendingRoomCleanups map[room.RoomID]*time.Timer
	shuttingDown        bool
}

// NewHub creates a hub over the shared store. Rooms are created lazily on
// first connect.
func NewHub(store storage.Store, mutators *room.Mutators, opts HubOptions) *Hub {
	if opts.CleanupGracePeriod <= 0 {
		opts.CleanupGracePeriod = DefaultCleanupGracePeriod
	}
	return &Hub{
		store:               store,
		mutators:            mutators,
		opts:                opts,
		rooms:               make(map[room.RoomID]*room.Room),
		pendingRoomCleanups: make(map[room.RoomID]*time.Timer),
	}
}

func (h *Hub) roomKeyspace(id room.RoomID) storage.Store {
	return storage.WithPrefix(h.store, roomKeyPrefix+string(id)+"/")
}

// Room returns the resident actor for id, if any.
func (h *Hub) Room(id room.RoomID) (*room.Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[id]
	return r, ok
}

// GetOrCreateRoom returns the resident actor for id, reviving it if needed.
// A pending cleanup for the room is cancelled.
func (h *Hub) GetOrCreateRoom(id room.RoomID) *room.Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[id]; ok {
		if timer, pending := h.pendingRoomCleanups[id]; pending {
			timer.Stop()
			delete(h.pendingRoomCleanups, id)
			logging.Info(context.Background(), "Cancelled pending room cleanup due to reconnection",
				zap.String("roomId", string(id)))
		}
		return r
	}

	logging.Info(context.Background(), "Creating room actor", zap.String("roomId", string(id)))
	r := room.New(context.Background(), id, h.roomKeyspace(id), h.mutators, h.opts.RoomOptions)
	h.rooms[id] = r
	return r
}

// scheduleCleanup arms the grace timer that shuts down the actor once the
// room has stayed empty.
func (h *Hub) scheduleCleanup(id room.RoomID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shuttingDown {
		return
	}

	if existing, ok := h.pendingRoomCleanups[id]; ok {
		existing.Stop()
		delete(h.pendingRoomCleanups, id)
	}

	h.pendingRoomCleanups[id] = time.AfterFunc(h.opts.CleanupGracePeriod, func() {
		h.mu.Lock()
		delete(h.pendingRoomCleanups, id)
		r, ok := h.rooms[id]
		if !ok || r.ClientCount() > 0 {
			h.mu.Unlock()
			if ok {
				logging.Info(context.Background(), "Cancelled room cleanup - room is active",
					zap.String("roomId", string(id)))
			}
			return
		}
		delete(h.rooms, id)
		h.mu.Unlock()

		if err := r.Shutdown(context.Background()); err != nil {
			logging.Error(context.Background(), "Failed to shut down empty room",
				zap.String("roomId", string(id)), zap.Error(err))
			return
		}
		logging.Info(context.Background(), "Removed empty room after grace period",
			zap.String("roomId", string(id)))
	})
}

// HandleConnection upgrades an authenticated request and runs room admission.
// The caller's resolved identity arrives in the user-data header. Admission
// failures are surfaced as an error frame on the accepted socket.
func (h *Hub) HandleConnection(c *gin.Context) {
	params, perr := room.ParseConnectQuery(c.Request.URL.Query())
	userData, uerr := auth.DecodeUserData(c.GetHeader(auth.HeaderUserData))

	conn, err := h.upgrade(c)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return
	}
	if perr != nil {
		writeErrorAndClose(conn, perr.Kind, perr.Detail)
		return
	}
	if uerr != nil {
		writeErrorAndClose(conn, protocol.ErrInvalidMessage, "invalid user-data header: "+uerr.Error())
		return
	}

	r := h.GetOrCreateRoom(params.RoomID)
	client := newClient(conn, r, params.ClientID)
	client.onClosed = func() { h.scheduleCleanup(params.RoomID) }

	metrics.IncConnection()
	go client.writePump()

	if err := r.Connect(c.Request.Context(), &room.ConnectRequest{
		Params:   params,
		UserData: userData,
		Conn:     client,
	}); err != nil {
		// The error frame is already queued; the draining write pump closes
		// the socket.
		metrics.DecConnection()
		return
	}

	go client.readPump()
}

// RejectConnection accepts the upgrade only to deliver an error frame, so the
// client can surface the reason instead of a bare handshake failure.
func (h *Hub) RejectConnection(c *gin.Context, kind protocol.ErrorKind, detail string) {
	conn, err := h.upgrade(c)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade rejected connection", zap.Error(err))
		return
	}
	writeErrorAndClose(conn, kind, detail)
}

func (h *Hub) upgrade(c *gin.Context) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.opts.AllowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	// Echo the offered subprotocol; browsers require the server to pick one.
	responseHeader := http.Header{}
	if offered := c.GetHeader("Sec-WebSocket-Protocol"); offered != "" {
		first := strings.TrimSpace(strings.Split(offered, ",")[0])
		responseHeader.Set("Sec-WebSocket-Protocol", first)
	}

	return upgrader.Upgrade(c.Writer, c.Request, responseHeader)
}

func writeErrorAndClose(conn wsConnection, kind protocol.ErrorKind, detail string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, protocol.MustEncodeError(kind, detail))
	_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
	_ = conn.Close()
}

// validateOrigin checks if the request origin is in the allowed list. Absent
// origins are allowed so non-browser clients can connect.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

// RoomStatus is the admin-facing view of one room.
type RoomStatus struct {
	RoomID   string `json:"roomID"`
	Resident bool   `json:"resident"`
	Clients  int    `json:"clients"`
	Version  *int64 `json:"version"`
}

// Status reports whether a room actor is resident and its durable version.
func (h *Hub) Status(ctx context.Context, id room.RoomID) (*RoomStatus, error) {
	status := &RoomStatus{RoomID: string(id)}
	if r, ok := h.Room(id); ok {
		status.Resident = true
		status.Clients = r.ClientCount()
	}

	data, err := h.roomKeyspace(id).Get(ctx, "version")
	if errors.Is(err, storage.ErrNotFound) {
		return status, nil
	}
	if err != nil {
		return nil, err
	}
	var v int64
	if jerr := json.Unmarshal(data, &v); jerr == nil {
		status.Version = &v
	}
	return status, nil
}

// DeleteRoom shuts down the actor, if resident, and wipes the room keyspace.
func (h *Hub) DeleteRoom(ctx context.Context, id room.RoomID) error {
	h.mu.Lock()
	r, resident := h.rooms[id]
	if resident {
		delete(h.rooms, id)
	}
	if timer, ok := h.pendingRoomCleanups[id]; ok {
		timer.Stop()
		delete(h.pendingRoomCleanups, id)
	}
	h.mu.Unlock()

	if resident {
		if err := r.Delete(ctx); err != nil {
			return err
		}
		return nil
	}

	keyspace := h.roomKeyspace(id)
	if err := keyspace.DeleteAll(ctx, ""); err != nil {
		return err
	}
	return keyspace.Flush(ctx)
}

// InvalidateForUser fans the invalidation to a single resident room.
func (h *Hub) InvalidateForUser(ctx context.Context, id room.RoomID, userID string) (int, error) {
	r, ok := h.Room(id)
	if !ok {
		return 0, nil
	}
	return r.InvalidateUser(ctx, userID)
}

// InvalidateRoom closes every connection of a resident room.
func (h *Hub) InvalidateRoom(ctx context.Context, id room.RoomID) (int, error) {
	r, ok := h.Room(id)
	if !ok {
		return 0, nil
	}
	return r.InvalidateAll(ctx)
}

// AuthConnections snapshots a resident room's live connections.
func (h *Hub) AuthConnections(id room.RoomID) []room.ConnectionInfo {
	r, ok := h.Room(id)
	if !ok {
		return nil
	}
	return r.AuthConnections()
}

// Shutdown closes every resident room. Durable state is retained.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down hub - closing all active rooms")

	h.mu.Lock()
	h.shuttingDown = true
	for id, timer := range h.pendingRoomCleanups {
		timer.Stop()
		delete(h.pendingRoomCleanups, id)
	}
	rooms := make([]*room.Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.rooms = make(map[room.RoomID]*room.Room)
	h.mu.Unlock()

	var firstErr error
	for _, r := range rooms {
		if err := r.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	logging.Info(ctx, "All rooms closed", zap.Int("count", len(rooms)))
	return firstErr
}
