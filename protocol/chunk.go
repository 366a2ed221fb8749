package protocol

import (
	"encoding/binary"
	"fmt"
)

// ChunkHeader is the 12-byte little-endian header prepended to every data
// notification. ChunkSize is the number of payload bytes that follow the
// header; TotalChunks is constant for all chunks of one block.
type ChunkHeader struct {
	BlockNumber uint16
	ChunkNumber uint16
	ChunkSize   uint16
	TotalChunks uint16
	Reserved    uint32
}

// Marshal serializes the header to its 12-byte wire form.
func (h *ChunkHeader) Marshal() []byte {
	buf := make([]byte, ChunkHeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], h.BlockNumber)
	binary.LittleEndian.PutUint16(buf[2:4], h.ChunkNumber)
	binary.LittleEndian.PutUint16(buf[4:6], h.ChunkSize)
	binary.LittleEndian.PutUint16(buf[6:8], h.TotalChunks)
	binary.LittleEndian.PutUint32(buf[8:12], h.Reserved)
	return buf
}

// UnmarshalChunkHeader parses a chunk header from the front of data.
// ChunkSize is not validated against the tail; that is the caller's call.
func UnmarshalChunkHeader(data []byte) (*ChunkHeader, error) {
	if len(data) < ChunkHeaderSize {
		return nil, fmt.Errorf("%w: chunk header needs %d bytes, got %d", ErrShortFrame, ChunkHeaderSize, len(data))
	}

	h := &ChunkHeader{
		BlockNumber: binary.LittleEndian.Uint16(data[0:2]),
		ChunkNumber: binary.LittleEndian.Uint16(data[2:4]),
		ChunkSize:   binary.LittleEndian.Uint16(data[4:6]),
		TotalChunks: binary.LittleEndian.Uint16(data[6:8]),
		Reserved:    binary.LittleEndian.Uint32(data[8:12]),
	}
	return h, nil
}

// EncodeChunk builds a complete chunk frame: header followed by payload.
// The header's ChunkSize is set from the payload length.
func EncodeChunk(h ChunkHeader, payload []byte) []byte {
	h.ChunkSize = uint16(len(payload))
	frame := make([]byte, ChunkHeaderSize+len(payload))
	copy(frame, h.Marshal())
	copy(frame[ChunkHeaderSize:], payload)
	return frame
}

// DecodeChunk parses a chunk frame into header and payload. The payload is
// clamped to the bytes actually present, so a truncated final notification
// still yields what arrived.
func DecodeChunk(data []byte) (*ChunkHeader, []byte, error) {
	h, err := UnmarshalChunkHeader(data)
	if err != nil {
		return nil, nil, err
	}

	end := ChunkHeaderSize + int(h.ChunkSize)
	if end > len(data) {
		end = len(data)
	}
	return h, data[ChunkHeaderSize:end], nil
}
