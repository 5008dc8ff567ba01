package authfront

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/reflectd/reflectd/internal/v1/logging"
	"github.com/reflectd/reflectd/internal/v1/room"
)

// HeaderAPIKey authenticates the admin API.
const HeaderAPIKey = "x-reflect-auth-api-key"

// RequireAPIKey rejects requests whose API key header does not match.
func RequireAPIKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader(HeaderAPIKey)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

// RegisterRoutes mounts the admin API under the given (already key-guarded)
// router groups.
func (f *Front) RegisterRoutes(authAPI, roomAPI *gin.RouterGroup) {
	authAPI.POST("/invalidateForUser", f.handleInvalidateForUser)
	authAPI.POST("/invalidateForRoom", f.handleInvalidateForRoom)
	authAPI.POST("/invalidateAll", f.handleInvalidateAll)

	roomAPI.POST("/room/:roomID/create", f.handleCreateRoom)
	roomAPI.POST("/room/:roomID/delete", f.handleDeleteRoom)
	roomAPI.GET("/room/:roomID/status", f.handleRoomStatus)
}

func (f *Front) handleInvalidateForUser(c *gin.Context) {
	var body struct {
		UserID string `json:"userID"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userID is required"})
		return
	}

	closed, err := f.InvalidateForUser(c.Request.Context(), body.UserID)
	if err != nil {
		logging.Error(c.Request.Context(), "invalidateForUser failed",
			zap.String("userID", body.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalidation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": closed})
}

func (f *Front) handleInvalidateForRoom(c *gin.Context) {
	var body struct {
		RoomID string `json:"roomID"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.RoomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomID is required"})
		return
	}

	closed, err := f.InvalidateForRoom(c.Request.Context(), room.RoomID(body.RoomID))
	if err == ErrRoomRecordNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if err != nil {
		logging.Error(c.Request.Context(), "invalidateForRoom failed",
			zap.String("roomID", body.RoomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalidation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": closed})
}

func (f *Front) handleInvalidateAll(c *gin.Context) {
	closed, err := f.InvalidateAll(c.Request.Context())
	if err != nil {
		logging.Error(c.Request.Context(), "invalidateAll failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalidation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": closed})
}

// handleCreateRoom creates the room record. Re-creating an existing open room
// is idempotent and returns the same record.
func (f *Front) handleCreateRoom(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := room.RoomID(c.Param("roomID"))

	f.mu.Lock()
	defer f.mu.Unlock()

	rec, err := loadRoomRecord(ctx, f.store, roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room lookup failed"})
		return
	}
	if rec != nil {
		if rec.Status == RoomStatusDeleted {
			c.JSON(http.StatusConflict, gin.H{"error": "room was deleted"})
			return
		}
		c.JSON(http.StatusOK, rec)
		return
	}

	rec = &RoomRecord{RoomID: string(roomID), ObjectID: string(roomID), Status: RoomStatusOpen}
	if err := putRoomRecord(ctx, f.store, rec); err != nil {
		logging.Error(ctx, "Failed to create room record", zap.String("roomID", string(roomID)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room creation failed"})
		return
	}
	logging.Info(ctx, "Room created", zap.String("roomID", string(roomID)))
	c.JSON(http.StatusOK, rec)
}

// handleDeleteRoom closes the room, wipes its keyspace and tombstones the
// record.
func (f *Front) handleDeleteRoom(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := room.RoomID(c.Param("roomID"))

	f.mu.Lock()
	defer f.mu.Unlock()

	rec, err := loadRoomRecord(ctx, f.store, roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room lookup failed"})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if rec.Status == RoomStatusDeleted {
		c.JSON(http.StatusGone, gin.H{"error": "room already deleted"})
		return
	}

	if err := f.hub.DeleteRoom(ctx, roomID); err != nil {
		logging.Error(ctx, "Failed to delete room", zap.String("roomID", string(roomID)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room deletion failed"})
		return
	}

	rec.Status = RoomStatusDeleted
	if err := putRoomRecord(ctx, f.store, rec); err != nil {
		logging.Error(ctx, "Failed to tombstone room record", zap.String("roomID", string(roomID)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room deletion failed"})
		return
	}
	logging.Info(ctx, "Room deleted", zap.String("roomID", string(roomID)))
	c.JSON(http.StatusOK, gin.H{"roomID": string(roomID), "status": RoomStatusDeleted})
}

func (f *Front) handleRoomStatus(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := room.RoomID(c.Param("roomID"))

	rec, err := loadRoomRecord(ctx, f.store, roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room lookup failed"})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}

	status, err := f.hub.Status(ctx, roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec, "live": status})
}
