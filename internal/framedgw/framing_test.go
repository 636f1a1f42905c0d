package framedgw

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrame(t *testing.T) {
	payload := []byte{1, 2, 3}
	out := EncodeFrame(TypeAudio, payload)

	require.Len(t, out, 6)
	assert.Equal(t, TypeAudio, out[0])
	assert.Equal(t, uint16(3), binary.BigEndian.Uint16(out[1:3]))
	assert.Equal(t, payload, out[3:])
}

func TestEncodeStart(t *testing.T) {
	out, err := EncodeStart(StartPayload{CallUUID: "A1", AgentExtension: "100"})
	require.NoError(t, err)

	assert.Equal(t, TypeStart, out[0])
	length := binary.BigEndian.Uint16(out[1:3])
	require.Equal(t, int(length), len(out)-3)

	var meta map[string]string
	require.NoError(t, json.Unmarshal(out[3:], &meta))
	assert.Equal(t, "A1", meta["call_uuid"])
	assert.Equal(t, "100", meta["agent_extension"])
	// Unset fields serialise as empty strings, not missing keys.
	assert.Equal(t, "", meta["agent_username"])
	assert.Equal(t, "", meta["agent_id"])
}

func TestEncodeEnd(t *testing.T) {
	assert.Equal(t, []byte{TypeEnd, 0, 0}, EncodeEnd())
}
