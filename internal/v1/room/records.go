package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/reflectd/reflectd/internal/v1/storage"
)

// loadClientRecord returns the durable record for id, or nil when none exists.
func loadClientRecord(ctx context.Context, store storage.Store, id ClientID) (*ClientRecord, error) {
	data, err := store.Get(ctx, clientKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load client record %s: %w", id, err)
	}

	var rec ClientRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode client record %s: %w", id, err)
	}
	return &rec, nil
}

func marshalClientRecord(rec *ClientRecord) (json.RawMessage, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode client record: %w", err)
	}
	return data, nil
}

// loadVersion returns the room's current cookie, or nil before the first turn.
func loadVersion(ctx context.Context, store storage.Store) (*int64, error) {
	data, err := store.Get(ctx, keyVersion)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load version: %w", err)
	}

	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode version: %w", err)
	}
	return &v, nil
}

func marshalVersion(v int64) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// loadSchemaVersion returns the room's durable schema version, or "" when it
// was never stamped.
func loadSchemaVersion(ctx context.Context, store storage.Store) (string, error) {
	data, err := store.Get(ctx, keySchemaVersion)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load schemaVersion: %w", err)
	}

	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return "", fmt.Errorf("decode schemaVersion: %w", err)
	}
	return v, nil
}

func marshalSchemaVersion(v string) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// connectedClients lists the durable connected set, sorted.
func connectedClients(ctx context.Context, store storage.Store) ([]ClientID, error) {
	entries, err := store.List(ctx, storage.ListOptions{Prefix: prefixConnected})
	if err != nil {
		return nil, fmt.Errorf("list connected clients: %w", err)
	}

	ids := make([]ClientID, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, ClientID(strings.TrimPrefix(e.Key, prefixConnected)))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
