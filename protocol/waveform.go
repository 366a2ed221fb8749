package protocol

import (
	"encoding/binary"
	"fmt"
)

// WaveformHeader is the 38-byte little-endian header at the front of every
// block. Reserved gaps in the wire layout are zeroed on marshal and skipped
// on decode. SampleCount is carried as-is; whether it equals SamplesPerBlock
// is a receiver policy, not a codec concern.
//
// Wire layout:
//
//	offset  0  u32  block_number
//	offset  4  u32  timestamp_ms
//	offset  8  u32  sample_rate_hz
//	offset 12  u16  sample_count
//	offset 16  u16  trigger_sample
//	offset 18  u32  pulse_freq_hz
//	offset 26  i16  temperature_cx10
//	offset 28  u8   gain_db
//	offset 30  u32  crc32 (over the packed 24-bit sample bytes)
type WaveformHeader struct {
	BlockNumber     uint32
	TimestampMs     uint32
	SampleRateHz    uint32
	SampleCount     uint16
	TriggerSample   uint16
	PulseFreqHz     uint32
	TemperatureCx10 int16
	GainDB          uint8
	CRC32           uint32
}

// Marshal serializes the header to its 38-byte wire form.
func (h *WaveformHeader) Marshal() []byte {
	buf := make([]byte, WaveformHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.BlockNumber)
	binary.LittleEndian.PutUint32(buf[4:8], h.TimestampMs)
	binary.LittleEndian.PutUint32(buf[8:12], h.SampleRateHz)
	binary.LittleEndian.PutUint16(buf[12:14], h.SampleCount)
	binary.LittleEndian.PutUint16(buf[16:18], h.TriggerSample)
	binary.LittleEndian.PutUint32(buf[18:22], h.PulseFreqHz)
	binary.LittleEndian.PutUint16(buf[26:28], uint16(h.TemperatureCx10))
	buf[28] = h.GainDB
	binary.LittleEndian.PutUint32(buf[30:34], h.CRC32)
	return buf
}

// UnmarshalWaveformHeader parses a waveform header from the front of data.
func UnmarshalWaveformHeader(data []byte) (*WaveformHeader, error) {
	if len(data) < WaveformHeaderSize {
		return nil, fmt.Errorf("%w: waveform header needs %d bytes, got %d", ErrShortFrame, WaveformHeaderSize, len(data))
	}

	h := &WaveformHeader{
		BlockNumber:     binary.LittleEndian.Uint32(data[0:4]),
		TimestampMs:     binary.LittleEndian.Uint32(data[4:8]),
		SampleRateHz:    binary.LittleEndian.Uint32(data[8:12]),
		SampleCount:     binary.LittleEndian.Uint16(data[12:14]),
		TriggerSample:   binary.LittleEndian.Uint16(data[16:18]),
		PulseFreqHz:     binary.LittleEndian.Uint32(data[18:22]),
		TemperatureCx10: int16(binary.LittleEndian.Uint16(data[26:28])),
		GainDB:          data[28],
		CRC32:           binary.LittleEndian.Uint32(data[30:34]),
	}
	return h, nil
}
