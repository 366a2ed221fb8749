package protocol

import (
	"encoding/binary"
	"fmt"
)

// ControlMessage is the 7-byte little-endian message written to the control
// characteristic: START, STOP, or a cumulative ACK naming the highest block
// the receiver has completed.
type ControlMessage struct {
	Command     byte
	BlockNumber uint16
	Timestamp   uint32
}

// Marshal serializes the message to its 7-byte wire form.
func (m *ControlMessage) Marshal() []byte {
	buf := make([]byte, ControlMessageSize)
	buf[0] = m.Command
	binary.LittleEndian.PutUint16(buf[1:3], m.BlockNumber)
	binary.LittleEndian.PutUint32(buf[3:7], m.Timestamp)
	return buf
}

// UnmarshalControlMessage parses a control message and validates the command
// byte.
func UnmarshalControlMessage(data []byte) (*ControlMessage, error) {
	if len(data) < ControlMessageSize {
		return nil, fmt.Errorf("%w: control message needs %d bytes, got %d", ErrShortFrame, ControlMessageSize, len(data))
	}

	m := &ControlMessage{
		Command:     data[0],
		BlockNumber: binary.LittleEndian.Uint16(data[1:3]),
		Timestamp:   binary.LittleEndian.Uint32(data[3:7]),
	}

	switch m.Command {
	case CmdStart, CmdStop, CmdAck:
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrBadCommand, m.Command)
	}

	return m, nil
}
