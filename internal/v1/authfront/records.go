// Package authfront is the authenticating edge in front of the room cores:
// it resolves tokens, tracks which (user, room, client) connections exist,
// and fans out auth invalidations to the rooms.
package authfront

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/reflectd/reflectd/internal/v1/room"
	"github.com/reflectd/reflectd/internal/v1/storage"
)

// ErrRoomRecordNotFound is returned when an operation names a room that was
// never created.
var ErrRoomRecordNotFound = errors.New("authfront: room record not found")

// RoomStatus is the lifecycle state of a room record.
type RoomStatus string

const (
	RoomStatusUnknown RoomStatus = "unknown"
	RoomStatusOpen    RoomStatus = "open"
	RoomStatusClosed  RoomStatus = "closed"
	RoomStatusDeleted RoomStatus = "deleted"
)

// RoomRecord is the durable control-plane record of a room.
type RoomRecord struct {
	RoomID string `json:"roomID"`
	// ObjectID names the room's keyspace; today it equals RoomID.
	ObjectID string     `json:"objectID"`
	Status   RoomStatus `json:"status"`
}

// ConnectionRecord marks one live (user, room, client) connection.
type ConnectionRecord struct {
	ConnectTimestamp int64 `json:"connectTimestamp"`
}

const (
	prefixConnection = "connection/"
	prefixRoom       = "room/"
)

// Path segments are percent-encoded so IDs containing '/' cannot escape
// their position in the key.
func enc(s string) string { return url.PathEscape(s) }

func dec(s string) (string, error) { return url.PathUnescape(s) }

func connectionKey(userID string, roomID room.RoomID, clientID room.ClientID) string {
	return prefixConnection + enc(userID) + "/" + enc(string(roomID)) + "/" + enc(string(clientID)) + "/"
}

func connectionUserPrefix(userID string) string {
	return prefixConnection + enc(userID) + "/"
}

func roomKey(roomID room.RoomID) string {
	return prefixRoom + string(roomID)
}

// connectionRef is a parsed connection record key.
type connectionRef struct {
	UserID   string
	RoomID   room.RoomID
	ClientID room.ClientID
}

func parseConnectionKey(key string) (*connectionRef, error) {
	rest, ok := strings.CutPrefix(key, prefixConnection)
	if !ok {
		return nil, fmt.Errorf("not a connection key: %q", key)
	}
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed connection key: %q", key)
	}
	userID, err := dec(parts[0])
	if err != nil {
		return nil, fmt.Errorf("bad userID in connection key %q: %w", key, err)
	}
	roomID, err := dec(parts[1])
	if err != nil {
		return nil, fmt.Errorf("bad roomID in connection key %q: %w", key, err)
	}
	clientID, err := dec(parts[2])
	if err != nil {
		return nil, fmt.Errorf("bad clientID in connection key %q: %w", key, err)
	}
	return &connectionRef{
		UserID:   userID,
		RoomID:   room.RoomID(roomID),
		ClientID: room.ClientID(clientID),
	}, nil
}

// loadRoomRecord returns the room record, or nil when none exists.
func loadRoomRecord(ctx context.Context, store storage.Store, roomID room.RoomID) (*RoomRecord, error) {
	data, err := store.Get(ctx, roomKey(roomID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load room record %s: %w", roomID, err)
	}
	var rec RoomRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode room record %s: %w", roomID, err)
	}
	return &rec, nil
}

func putRoomRecord(ctx context.Context, store storage.Store, rec *RoomRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode room record: %w", err)
	}
	return store.Put(ctx, roomKey(room.RoomID(rec.RoomID)), data)
}

// listConnections returns the parsed connection refs under prefix, skipping
// malformed keys. Results are key-ordered.
func listConnections(ctx context.Context, store storage.Store, prefix string) ([]*connectionRef, error) {
	entries, err := store.List(ctx, storage.ListOptions{Prefix: prefix})
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	refs := make([]*connectionRef, 0, len(entries))
	for _, e := range entries {
		ref, perr := parseConnectionKey(e.Key)
		if perr != nil {
			continue
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// roomsOf derives the sorted distinct room set of a connection list.
func roomsOf(refs []*connectionRef) []room.RoomID {
	seen := make(map[room.RoomID]struct{})
	for _, ref := range refs {
		seen[ref.RoomID] = struct{}{}
	}
	out := make([]room.RoomID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
