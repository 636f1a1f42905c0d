// Package rtppkt extracts media payloads from inbound RTP datagrams.
//
// Both gateways accept one RTP packet per UDP datagram: 12-byte fixed
// header, optional CSRC list and header extension, then 16-bit linear PCM
// at 16 kHz mono. Parsing is delegated to pion/rtp, which honours the CC
// and X header fields.
package rtppkt

import (
	"errors"
	"fmt"

	"github.com/pion/rtp"
)

// HeaderLen is the fixed RTP header length without CSRCs or extensions.
const HeaderLen = 12

// ErrTooShort is returned for datagrams shorter than the fixed RTP header.
var ErrTooShort = errors.New("rtppkt: datagram shorter than RTP header")

// Parse unmarshals one RTP datagram and returns its SSRC and PCM payload.
// The returned payload aliases the pion packet's internal slice; callers
// that retain it across datagrams must copy.
func Parse(datagram []byte) (ssrc uint32, payload []byte, err error) {
	if len(datagram) < HeaderLen {
		return 0, nil, ErrTooShort
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(datagram); err != nil {
		return 0, nil, fmt.Errorf("rtppkt: unmarshal: %w", err)
	}

	return pkt.Header.SSRC, pkt.Payload, nil
}

// SwapBytes swaps each 16-bit sample in place and returns the slice. Used
// when the PBX emits big-endian samples and the byte-swap flag is set.
func SwapBytes(pcm []byte) []byte {
	for i := 0; i+1 < len(pcm); i += 2 {
		pcm[i], pcm[i+1] = pcm[i+1], pcm[i]
	}
	return pcm
}
