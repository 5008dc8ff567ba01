package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeUpstream_Push(t *testing.T) {
	raw := `["push",{"mutations":[{"id":1,"name":"inc","args":{"k":"x"},"timestamp":1000}],"pushVersion":0,"schemaVersion":"1","requestID":"req-1","timestamp":1234}]`

	frame, err := DecodeUpstream([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, TagPush, frame.Tag)
	require.NotNil(t, frame.Push)
	require.Len(t, frame.Push.Mutations, 1)

	m := frame.Push.Mutations[0]
	assert.Equal(t, uint64(1), m.ID)
	assert.Equal(t, "inc", m.Name)
	assert.JSONEq(t, `{"k":"x"}`, string(m.Args))
	assert.Equal(t, int64(1000), m.Timestamp)
	assert.Equal(t, "req-1", frame.Push.RequestID)
}

func TestDecodeUpstream_EmptyPush(t *testing.T) {
	frame, err := DecodeUpstream([]byte(`["push",{"mutations":[],"pushVersion":0,"schemaVersion":"1","requestID":"r","timestamp":1}]`))
	require.NoError(t, err)
	assert.Empty(t, frame.Push.Mutations)
}

func TestDecodeUpstream_Ping(t *testing.T) {
	frame, err := DecodeUpstream([]byte(`["ping",{}]`))
	require.NoError(t, err)
	assert.Equal(t, TagPing, frame.Tag)
	assert.Nil(t, frame.Push)
}

func TestDecodeUpstream_Pull(t *testing.T) {
	frame, err := DecodeUpstream([]byte(`["pull",{"cookie":7}]`))
	require.NoError(t, err)
	assert.Equal(t, TagPull, frame.Tag)
	assert.JSONEq(t, `{"cookie":7}`, string(frame.Pull))
}

func TestDecodeUpstream_Invalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not an array", `{"push":{}}`},
		{"too few elements", `["ping"]`},
		{"too many elements", `["ping",{},{}]`},
		{"non-string tag", `[42,{}]`},
		{"unknown tag", `["subscribe",{}]`},
		{"push body not object", `["push",[1,2]]`},
		{"ping body not object", `["ping",7]`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeUpstream([]byte(tc.raw))
			assert.Error(t, err)
		})
	}
}

func TestEncodeConnected(t *testing.T) {
	data, err := EncodeConnected("")
	require.NoError(t, err)
	assert.JSONEq(t, `["connected",{}]`, string(data))

	data, err = EncodeConnected("ws-1")
	require.NoError(t, err)
	assert.JSONEq(t, `["connected",{"wsid":"ws-1"}]`, string(data))
}

func TestEncodePong(t *testing.T) {
	data, err := EncodePong()
	require.NoError(t, err)
	assert.JSONEq(t, `["pong",{}]`, string(data))
}

func TestEncodePoke(t *testing.T) {
	base := int64(0)
	data, err := EncodePoke(&PokeBody{
		BaseCookie:            &base,
		Cookie:                1,
		LastMutationIDChanges: map[string]uint64{"c1": 1},
		Patch:                 []PatchOp{{Op: OpPut, Key: "x", Value: json.RawMessage(`1`)}},
		Timestamp:             42,
		RequestID:             "req-1",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `["poke",{"baseCookie":0,"cookie":1,"lastMutationIDChanges":{"c1":1},"patch":[{"op":"put","key":"x","value":1}],"timestamp":42,"requestID":"req-1"}]`, string(data))
}

func TestEncodePoke_NullBaseCookie(t *testing.T) {
	data, err := EncodePoke(&PokeBody{Cookie: 0, Timestamp: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `["poke",{"baseCookie":null,"cookie":0,"lastMutationIDChanges":{},"patch":[],"timestamp":1}]`, string(data))
}

func TestEncodeError(t *testing.T) {
	data := MustEncodeError(ErrUnexpectedLMID, "lmid 100 ahead of stored 7")
	assert.JSONEq(t, `["error","UnexpectedLMID","lmid 100 ahead of stored 7"]`, string(data))
}
