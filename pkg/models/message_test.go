package models_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "aibridge/pkg/models"
)

func TestDecode_ValidEnvelope(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"cursorPositionChanged","data":{"line":4}}`))
	require.NoError(t, err)

	assert.Equal(t, "cursorPositionChanged", msg.Type)
	assert.JSONEq(t, `{"line":4}`, string(msg.Data))
	assert.False(t, msg.IsControl())
}

func TestDecode_RejectsMalformedFrames(t *testing.T) {
	frames := map[string]string{
		"not json":     `hello`,
		"missing type": `{"data":{}}`,
		"empty type":   `{"type":"","data":{}}`,
		"wrong shape":  `["heartbeat"]`,
	}

	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(frame))
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func TestIsControlType(t *testing.T) {
	for _, typ := range []string{TypeHeartbeat, TypePong, TypeJoin, TypeStateRequest} {
		assert.True(t, IsControlType(typ), typ)
	}
	for _, typ := range append([]string{TypeCurrentState, TypeError, "customMessage"}, DefaultStateTypes...) {
		assert.False(t, IsControlType(typ), typ)
	}
}

func TestNewMessage_RoundTripsPayload(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg, err := NewMessage(TypeJoin, JoinPayload{InstanceID: "win-1", PID: 42, Timestamp: now})
	require.NoError(t, err)

	frame, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := Decode(frame)
	require.NoError(t, err)

	var join JoinPayload
	require.NoError(t, decoded.DecodeData(&join))
	assert.Equal(t, "win-1", join.InstanceID)
	assert.Equal(t, 42, join.PID)
	assert.True(t, now.Equal(join.Timestamp))
}

func TestNewMessage_RequiresType(t *testing.T) {
	_, err := NewMessage("", nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeData_EmptyPayload(t *testing.T) {
	msg := Message{Type: TypeJoin}
	var join JoinPayload
	assert.ErrorIs(t, msg.DecodeData(&join), ErrMalformed)
}

func TestInvalidFrame(t *testing.T) {
	msg := InvalidFrame()
	assert.Equal(t, TypeError, msg.Type)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, "Invalid JSON format", payload.Message)
}
