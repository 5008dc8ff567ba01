// Package protocol implements the client/room wire protocol.
//
// Every frame is a JSON array with the discriminator tag at index 0:
//
//	upstream:   ["push", {...}] ["ping", {}] ["pull", {...}]
//	downstream: ["connected", {...}] ["pong", {}] ["poke", {...}] ["error", kind, detail]
package protocol

import (
	"encoding/json"
	"fmt"
)

// Upstream frame tags.
const (
	TagPush = "push"
	TagPing = "ping"
	TagPull = "pull"
)

// Downstream frame tags.
const (
	TagConnected = "connected"
	TagPong      = "pong"
	TagPoke      = "poke"
	TagError     = "error"
)

// Mutation is a single client-originated mutation inside a push frame.
type Mutation struct {
	ID        uint64          `json:"id"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args"`
	Timestamp int64           `json:"timestamp"`
}

// PushBody is the payload of a push frame.
type PushBody struct {
	Mutations     []Mutation `json:"mutations"`
	PushVersion   int        `json:"pushVersion"`
	SchemaVersion string     `json:"schemaVersion"`
	RequestID     string     `json:"requestID"`
	Timestamp     int64      `json:"timestamp"`
}

// Upstream is a parsed client frame.
type Upstream struct {
	Tag  string
	Push *PushBody
	// Pull is kept opaque; the core forwards it to the pull collaborator.
	Pull json.RawMessage
}

// DecodeUpstream parses a raw client frame.
func DecodeUpstream(data []byte) (*Upstream, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("frame is not a JSON array: %w", err)
	}
	if len(parts) != 2 {
		return nil, fmt.Errorf("frame must have exactly 2 elements, got %d", len(parts))
	}

	var tag string
	if err := json.Unmarshal(parts[0], &tag); err != nil {
		return nil, fmt.Errorf("frame tag is not a string: %w", err)
	}

	frame := &Upstream{Tag: tag}
	switch tag {
	case TagPush:
		var body PushBody
		if err := json.Unmarshal(parts[1], &body); err != nil {
			return nil, fmt.Errorf("invalid push body: %w", err)
		}
		frame.Push = &body
	case TagPing:
		var body map[string]json.RawMessage
		if err := json.Unmarshal(parts[1], &body); err != nil {
			return nil, fmt.Errorf("invalid ping body: %w", err)
		}
	case TagPull:
		// Structural validation only; the body is forwarded opaquely.
		var body map[string]json.RawMessage
		if err := json.Unmarshal(parts[1], &body); err != nil {
			return nil, fmt.Errorf("invalid pull body: %w", err)
		}
		frame.Pull = parts[1]
	default:
		return nil, fmt.Errorf("unknown frame tag %q", tag)
	}

	return frame, nil
}

// PatchOp is one entry in a poke's patch list.
type PatchOp struct {
	Op    string          `json:"op"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Patch op kinds.
const (
	OpPut   = "put"
	OpDel   = "del"
	OpClear = "clear"
)

// PokeBody is the payload of a poke frame describing exactly one turn.
type PokeBody struct {
	BaseCookie            *int64            `json:"baseCookie"`
	Cookie                int64             `json:"cookie"`
	LastMutationIDChanges map[string]uint64 `json:"lastMutationIDChanges"`
	Patch                 []PatchOp         `json:"patch"`
	Timestamp             int64             `json:"timestamp"`
	RequestID             string            `json:"requestID,omitempty"`
}

// ConnectedBody is the payload of a connected frame.
type ConnectedBody struct {
	WSID string `json:"wsid,omitempty"`
}

// EncodeConnected builds a connected frame.
func EncodeConnected(wsid string) ([]byte, error) {
	return json.Marshal([]any{TagConnected, ConnectedBody{WSID: wsid}})
}

// EncodePong builds a pong frame.
func EncodePong() ([]byte, error) {
	return json.Marshal([]any{TagPong, struct{}{}})
}

// EncodePoke builds a poke frame.
func EncodePoke(body *PokeBody) ([]byte, error) {
	if body.LastMutationIDChanges == nil {
		body.LastMutationIDChanges = map[string]uint64{}
	}
	if body.Patch == nil {
		body.Patch = []PatchOp{}
	}
	return json.Marshal([]any{TagPoke, body})
}

// EncodeError builds an error frame.
func EncodeError(kind ErrorKind, detail string) ([]byte, error) {
	return json.Marshal([]any{TagError, kind, detail})
}

// MustEncodeError is EncodeError for payloads that cannot fail to marshal.
func MustEncodeError(kind ErrorKind, detail string) []byte {
	data, err := EncodeError(kind, detail)
	if err != nil {
		// Tags and strings always marshal; this is unreachable.
		panic(err)
	}
	return data
}
