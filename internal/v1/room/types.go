// Package room implements the per-room actor: the turn loop that orders and
// applies client mutations, the cookie-versioned key-value state, and the
// connect/message/close lifecycle of clients.
package room

import (
	"encoding/json"
	"strconv"

	"github.com/reflectd/reflectd/internal/v1/auth"
)

// RoomID identifies a room.
type RoomID string

// ClientID identifies a client across reconnects.
type ClientID string

// Durable key layout inside a room's keyspace.
const (
	keyVersion       = "version"
	keySchemaVersion = "schemaVersion"
	prefixClient     = "client/"
	prefixConnected  = "connected/"
	prefixUser       = "user/"
)

func clientKey(id ClientID) string {
	return prefixClient + string(id)
}

func connectedKey(id ClientID) string {
	return prefixConnected + string(id)
}

// PendingMutation is a client mutation buffered until it is due.
type PendingMutation struct {
	ClientID                ClientID
	ID                      uint64
	Name                    string
	Args                    json.RawMessage
	Timestamp               int64
	ServerReceivedTimestamp int64
	Auth                    *auth.UserData
}

// ClientRecord is the durable per-client record. It is created on first
// connect, survives reconnects, and is destroyed only with the room.
type ClientRecord struct {
	BaseCookie            *int64 `json:"baseCookie"`
	LastMutationID        uint64 `json:"lastMutationID"`
	LastMutationIDVersion *int64 `json:"lastMutationIDVersion"`
	UserID                string `json:"userID"`
}

// ConnectionInfo is one entry of a room's live connection snapshot.
type ConnectionInfo struct {
	ClientID ClientID `json:"clientID"`
	UserID   string   `json:"userID"`
}

func cookieString(c *int64) string {
	if c == nil {
		return "null"
	}
	return strconv.FormatInt(*c, 10)
}
