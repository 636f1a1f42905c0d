// Package framedgw implements the per-call framed-TCP gateway: one UDP
// listening port per call, RTP payload reassembly into fixed-size PCM
// frames, and a typed binary framing towards the downstream speech backend.
package framedgw

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Wire message types. Every outbound message is
// [TYPE:1][LENGTH:2 big-endian][PAYLOAD:LENGTH].
const (
	TypeEnd   byte = 0x00 // empty payload, exactly once, last
	TypeStart byte = 0x01 // JSON payload, exactly once, first
	TypeAudio byte = 0x12 // exactly FrameBytes of PCM
)

// FrameBytes is the AUDIO payload size: 320 samples x 2 bytes at 16 kHz,
// i.e. 20 ms of audio.
const FrameBytes = 640

// StartPayload is the JSON payload of the START message.
type StartPayload struct {
	CallUUID       string `json:"call_uuid"`
	AgentExtension string `json:"agent_extension"`
	AgentUsername  string `json:"agent_username"`
	AgentID        string `json:"agent_id"`
}

// EncodeFrame serialises one wire message.
func EncodeFrame(typ byte, payload []byte) []byte {
	out := make([]byte, 3+len(payload))
	out[0] = typ
	binary.BigEndian.PutUint16(out[1:3], uint16(len(payload)))
	copy(out[3:], payload)
	return out
}

// EncodeStart serialises the START message for the given call metadata.
func EncodeStart(meta StartPayload) ([]byte, error) {
	body, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("framedgw: encode start payload: %w", err)
	}
	return EncodeFrame(TypeStart, body), nil
}

// EncodeEnd serialises the END message.
func EncodeEnd() []byte {
	return EncodeFrame(TypeEnd, nil)
}
