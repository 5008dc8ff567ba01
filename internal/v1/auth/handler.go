// Package auth resolves connection tokens into user identities.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// HeaderUserData carries the resolved identity from the auth front to the
// room transport, URL-encoded JSON.
const HeaderUserData = "user-data"

// MaxUserDataBytes bounds the encoded user-data header.
const MaxUserDataBytes = 6 * 1024

// ErrUnauthorized is returned when a token is rejected.
var ErrUnauthorized = errors.New("auth: unauthorized")

// UserData is the resolved identity attached to a connection and carried on
// every mutation that connection submits.
type UserData struct {
	UserID string `json:"userID"`

	// Raw preserves the full identity document, including fields the core
	// does not interpret, so mutators see exactly what the handler resolved.
	Raw json.RawMessage `json:"-"`
}

// Handler authenticates a token for a room. Implementations must be safe for
// concurrent use.
type Handler interface {
	Authenticate(ctx context.Context, token string, roomID string) (*UserData, error)
}

// DecodeUserData parses a URL-encoded JSON user-data value.
func DecodeUserData(encoded string) (*UserData, error) {
	if encoded == "" {
		return nil, errors.New("user-data is empty")
	}

	decoded, err := url.QueryUnescape(encoded)
	if err != nil {
		return nil, fmt.Errorf("user-data is not URL-encoded: %w", err)
	}
	if len(decoded) > MaxUserDataBytes {
		return nil, fmt.Errorf("user-data exceeds %d bytes", MaxUserDataBytes)
	}

	var u UserData
	if err := json.Unmarshal([]byte(decoded), &u); err != nil {
		return nil, fmt.Errorf("user-data is not valid JSON: %w", err)
	}
	if u.UserID == "" {
		return nil, errors.New("user-data is missing userID")
	}
	u.Raw = json.RawMessage(decoded)
	return &u, nil
}

// EncodeUserData serializes a UserData into the URL-encoded header form.
func EncodeUserData(u *UserData) (string, error) {
	raw := u.Raw
	if raw == nil {
		data, err := json.Marshal(u)
		if err != nil {
			return "", err
		}
		raw = data
	}
	return url.QueryEscape(string(raw)), nil
}
