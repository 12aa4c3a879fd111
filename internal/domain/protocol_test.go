package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	raw := []byte(`{"type":"join_room","data":{"room_id":"general"}}`)
	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeJoinRoom, env.Type)

	var req JoinRoomRequest
	require.NoError(t, json.Unmarshal(env.Data, &req))
	assert.Equal(t, RoomID("general"), req.RoomID)
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	_, err := DecodeEnvelope([]byte("{broken"))
	assert.Error(t, err)
}

func TestEncodeRoundTrip(t *testing.T) {
	frame, err := Encode(TypeError, ErrorEvent{Code: "NotJoined", Message: "join first"})
	require.NoError(t, err)

	env, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, TypeError, env.Type)

	var ev ErrorEvent
	require.NoError(t, json.Unmarshal(env.Data, &ev))
	assert.Equal(t, "NotJoined", ev.Code)
}

func TestEncodeNilData(t *testing.T) {
	frame, err := Encode(TypePong, nil)
	require.NoError(t, err)
	env, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, TypePong, env.Type)
	assert.Nil(t, env.Data)
}

func TestReasonCodes(t *testing.T) {
	assert.Equal(t, "NotJoined", ReasonCode(ErrNotJoined))
	assert.Equal(t, "Unauthorized", ReasonCode(ErrUnauthorized))
	assert.Equal(t, "SlowConsumerDisconnect", ReasonCode(ErrSlowConsumer))
	assert.Equal(t, "Internal", ReasonCode(errors.New("boom")))
}
