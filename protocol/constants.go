package protocol

// Transfer constants shared by both peers. These are fixed properties of the
// corpus and the wire format; changing any of them breaks interop.
const (
	TotalBlocks     = 1800 // blocks per complete transfer
	SamplesPerBlock = 2376 // 24-bit samples per waveform block
	BytesPerSample  = 3

	WaveformHeaderSize = 38                              // on-wire waveform header
	RawSampleBytes     = SamplesPerBlock * BytesPerSample // 7128
	RawBlockSize       = WaveformHeaderSize + RawSampleBytes
	BlockSizeMax       = 7168 // wire allowance: raw blocks may be padded up to this

	AckInterval = 20 // cumulative ACK barrier cadence, in blocks

	ChunkHeaderSize    = 12
	ControlMessageSize = 7

	// Delta-encoded sample stream size before compression.
	DeltaStreamSize = SamplesPerBlock * 2
)

// Control commands (central -> peripheral).
const (
	CmdStart byte = 0x01
	CmdStop  byte = 0x02
	CmdAck   byte = 0x03
)
