package transfer

import "github.com/sonolink/sonolinkd/protocol"

// Config fixes the corpus geometry for a session pair. Production sessions
// use DefaultConfig; tests shrink the corpus to keep scenarios small.
type Config struct {
	// TotalBlocks is the number of blocks in a complete transfer.
	TotalBlocks int
	// SamplesPerBlock is the number of 24-bit samples per block.
	SamplesPerBlock int
	// AckInterval is the cumulative-ACK barrier cadence in blocks.
	AckInterval int
	// BlockSizeMax bounds the encoded block and doubles as the raw-versus-
	// compressed size boundary on the receive side: anything below it is
	// compressed, anything at or above it is raw. Raw blocks sit exactly at
	// the bound; senders padding up to the wire allowance
	// (protocol.BlockSizeMax) still land on the raw side.
	BlockSizeMax int
}

// DefaultConfig returns the geometry of the real corpus.
func DefaultConfig() Config {
	return Config{
		TotalBlocks:     protocol.TotalBlocks,
		SamplesPerBlock: protocol.SamplesPerBlock,
		AckInterval:     protocol.AckInterval,
		BlockSizeMax:    protocol.RawBlockSize,
	}
}

// rawBlockSize is the encoded size of an uncompressed block under this
// geometry.
func (c Config) rawBlockSize() int {
	return protocol.WaveformHeaderSize + c.SamplesPerBlock*protocol.BytesPerSample
}
