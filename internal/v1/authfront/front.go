package authfront

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/reflectd/reflectd/internal/v1/auth"
	"github.com/reflectd/reflectd/internal/v1/logging"
	"github.com/reflectd/reflectd/internal/v1/metrics"
	"github.com/reflectd/reflectd/internal/v1/protocol"
	"github.com/reflectd/reflectd/internal/v1/room"
	"github.com/reflectd/reflectd/internal/v1/storage"
	"github.com/reflectd/reflectd/internal/v1/transport"
)

// Front authenticates connection requests before they reach a room and keeps
// the durable connection records invalidation and revalidation work from.
//
// The lock discipline mirrors the data flow: Dispatch holds the read side so
// connects proceed in parallel; invalidations hold the write side so no new
// connection can slip in while existing ones are being closed.
type Front struct {
	store   storage.Store
	hub     *transport.Hub
	handler auth.Handler
	clock   func() time.Time

	// userLimit, when set, gates connects per authenticated user.
	userLimit func(ctx context.Context, userID string) error

	mu sync.RWMutex
}

// SetUserLimit installs a per-user connect gate, checked after
// authentication. A non-nil error rejects the connection.
func (f *Front) SetUserLimit(fn func(ctx context.Context, userID string) error) {
	f.userLimit = fn
}

// New creates a Front over its (already prefixed) keyspace view.
func New(store storage.Store, hub *transport.Hub, handler auth.Handler) *Front {
	return &Front{
		store:   store,
		hub:     hub,
		handler: handler,
		clock:   time.Now,
	}
}

// extractToken pulls the URL-encoded auth token out of the WebSocket
// subprotocol list, skipping the conventional "access_token" marker.
func extractToken(header string) (string, bool) {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" || part == "access_token" {
			continue
		}
		if decoded, err := url.QueryUnescape(part); err == nil {
			return decoded, true
		}
	}
	return "", false
}

// Dispatch is the /connect handler: validate the upgrade, authenticate,
// check the room record, persist the connection record and hand the request
// to the hub.
func (f *Front) Dispatch(c *gin.Context) {
	ctx := c.Request.Context()

	if !strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		c.JSON(400, gin.H{"error": "websocket upgrade required"})
		return
	}

	token, ok := extractToken(c.GetHeader("Sec-WebSocket-Protocol"))
	if !ok {
		f.hub.RejectConnection(c, protocol.ErrUnauthorized, "auth token not provided")
		return
	}

	roomID := room.RoomID(c.Query("roomID"))
	clientID := room.ClientID(c.Query("clientID"))
	if roomID == "" || clientID == "" {
		f.hub.RejectConnection(c, protocol.ErrInvalidMessage, "roomID and clientID are required")
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	userData, err := f.handler.Authenticate(ctx, token, string(roomID))
	if err != nil || userData.UserID == "" {
		logging.Warn(ctx, "Authentication failed",
			zap.String("roomID", string(roomID)),
			zap.String("clientID", string(clientID)),
			zap.Error(err))
		f.hub.RejectConnection(c, protocol.ErrUnauthorized, "authentication failed")
		return
	}

	if f.userLimit != nil {
		if err := f.userLimit(ctx, userData.UserID); err != nil {
			logging.Warn(ctx, "Connect rejected by user rate limit",
				zap.String("userID", userData.UserID),
				zap.String("roomID", string(roomID)))
			f.hub.RejectConnection(c, protocol.ErrUnauthorized, "connection rate limit exceeded")
			return
		}
	}

	rec, err := loadRoomRecord(ctx, f.store, roomID)
	if err != nil {
		logging.Error(ctx, "Failed to load room record", zap.String("roomID", string(roomID)), zap.Error(err))
		f.hub.RejectConnection(c, protocol.ErrInternalError, "room lookup failed")
		return
	}
	if rec == nil {
		f.hub.RejectConnection(c, protocol.ErrRoomNotFound, "room does not exist")
		return
	}
	if rec.Status != RoomStatusOpen {
		f.hub.RejectConnection(c, protocol.ErrRoomClosed, "room is not open")
		return
	}

	// The record is written before the upgrade completes; a failed upgrade
	// leaves a stale record until revalidation sweeps it.
	conn := ConnectionRecord{ConnectTimestamp: f.clock().UnixMilli()}
	data, _ := json.Marshal(conn)
	if err := f.store.Put(ctx, connectionKey(userData.UserID, roomID, clientID), data); err != nil {
		logging.Error(ctx, "Failed to persist connection record",
			zap.String("roomID", string(roomID)),
			zap.String("clientID", string(clientID)),
			zap.Error(err))
		f.hub.RejectConnection(c, protocol.ErrInternalError, "connection bookkeeping failed")
		return
	}

	encoded, err := auth.EncodeUserData(userData)
	if err != nil {
		logging.Error(ctx, "Failed to encode user data", zap.String("userID", userData.UserID), zap.Error(err))
		f.hub.RejectConnection(c, protocol.ErrInternalError, "identity encoding failed")
		return
	}
	c.Request.Header.Set(auth.HeaderUserData, encoded)

	f.hub.HandleConnection(c)
}

// RevalidateConnections reconciles the durable connection records against
// each room's live connection snapshot, deleting records the room no longer
// reports. Idempotent; partial failures are retried at the next schedule.
func (f *Front) RevalidateConnections(ctx context.Context) error {
	refs, err := listConnections(ctx, f.store, prefixConnection)
	if err != nil {
		return err
	}

	liveByRoom := make(map[room.RoomID]map[room.ClientID]struct{})
	for _, id := range roomsOf(refs) {
		live := make(map[room.ClientID]struct{})
		for _, info := range f.hub.AuthConnections(id) {
			live[info.ClientID] = struct{}{}
		}
		liveByRoom[id] = live
	}

	var firstErr error
	removed := 0
	for _, ref := range refs {
		if _, ok := liveByRoom[ref.RoomID][ref.ClientID]; ok {
			continue
		}
		key := connectionKey(ref.UserID, ref.RoomID, ref.ClientID)
		if derr := f.store.Delete(ctx, key); derr != nil {
			if firstErr == nil {
				firstErr = derr
			}
			continue
		}
		removed++
	}

	if removed > 0 {
		logging.Info(ctx, "Revalidation removed stale connection records", zap.Int("removed", removed))
	}
	return firstErr
}

// StartRevalidation runs RevalidateConnections every interval until ctx is
// cancelled.
func (f *Front) StartRevalidation(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := f.RevalidateConnections(ctx); err != nil {
					logging.Warn(ctx, "Revalidation pass failed", zap.Error(err))
					metrics.InvalidationsTotal.WithLabelValues("revalidate", "error").Inc()
				} else {
					metrics.InvalidationsTotal.WithLabelValues("revalidate", "ok").Inc()
				}
			}
		}
	}()
}
