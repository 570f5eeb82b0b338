package relay

import (
	"encoding/binary"
	"fmt"
)

// Channel-data framing per RFC 5766 §11.5: a 4-byte header carrying the
// channel number and payload length, both big-endian, followed by the
// payload. Over UDP no padding is applied.

const channelDataHeaderSize = 4

// encodeChannelData prepends a channel-data header to payload.
func encodeChannelData(number uint16, payload []byte) []byte {
	out := make([]byte, channelDataHeaderSize+len(payload))
	binary.BigEndian.PutUint16(out[0:2], number)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)))
	copy(out[channelDataHeaderSize:], payload)
	return out
}

// encodeChannelDataHeader writes the 4-byte header into buf, which must be at
// least channelDataHeaderSize long.
func encodeChannelDataHeader(buf []byte, number uint16, length int) {
	binary.BigEndian.PutUint16(buf[0:2], number)
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))
}

// decodeChannelData parses a channel-data frame, returning the channel number
// and a view into the payload.
func decodeChannelData(packet []byte) (uint16, []byte, error) {
	if len(packet) < channelDataHeaderSize {
		return 0, nil, fmt.Errorf("channel data too short: %d bytes", len(packet))
	}

	number := binary.BigEndian.Uint16(packet[0:2])
	length := int(binary.BigEndian.Uint16(packet[2:4]))

	if length > len(packet)-channelDataHeaderSize {
		return 0, nil, fmt.Errorf("channel data length %d exceeds packet size %d", length, len(packet)-channelDataHeaderSize)
	}

	return number, packet[channelDataHeaderSize : channelDataHeaderSize+length], nil
}
