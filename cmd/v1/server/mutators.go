package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/reflectd/reflectd/internal/v1/room"
)

// defaultMutators is the built-in mutator set the server registers when no
// embedding application supplies its own: a generic key/value vocabulary plus
// per-client presence maintained by the disconnect handler.
func defaultMutators() *room.Mutators {
	return room.NewMutators().
		Register("put", func(_ context.Context, tx room.Tx, args json.RawMessage, _ *room.MutatorContext) error {
			var body struct {
				Key   string          `json:"key"`
				Value json.RawMessage `json:"value"`
			}
			if err := json.Unmarshal(args, &body); err != nil {
				return fmt.Errorf("put: %w", err)
			}
			if body.Key == "" {
				return fmt.Errorf("put: key is required")
			}
			return tx.Put(body.Key, body.Value)
		}).
		Register("del", func(_ context.Context, tx room.Tx, args json.RawMessage, _ *room.MutatorContext) error {
			var body struct {
				Key string `json:"key"`
			}
			if err := json.Unmarshal(args, &body); err != nil {
				return fmt.Errorf("del: %w", err)
			}
			if body.Key == "" {
				return fmt.Errorf("del: key is required")
			}
			return tx.Del(body.Key)
		}).
		Register("clear", func(_ context.Context, tx room.Tx, _ json.RawMessage, _ *room.MutatorContext) error {
			return tx.DeleteAll()
		}).
		Register("join", func(_ context.Context, tx room.Tx, args json.RawMessage, mctx *room.MutatorContext) error {
			return tx.Put(presenceKey(mctx.ClientID), args)
		}).
		OnDisconnect(func(_ context.Context, tx room.Tx, id room.ClientID) error {
			return tx.Del(presenceKey(id))
		})
}

func presenceKey(id room.ClientID) string {
	return "presence/" + string(id)
}
