package protocol

import "errors"

var (
	// ErrShortFrame indicates an input too short to contain the frame it
	// claims to be.
	ErrShortFrame = errors.New("frame too short")

	// ErrBadCommand indicates a control message with an unknown command byte.
	ErrBadCommand = errors.New("unknown control command")

	// ErrBadBlockIndex indicates a chunk whose block number is outside the
	// corpus.
	ErrBadBlockIndex = errors.New("block number out of range")

	// ErrDecompress indicates a compressed payload that failed to inflate to
	// the expected delta stream size.
	ErrDecompress = errors.New("decompression failed")

	// ErrCrcMismatch indicates decoded samples whose CRC does not match the
	// block header.
	ErrCrcMismatch = errors.New("sample CRC mismatch")

	// ErrSizeMismatch indicates a block whose assembled size cannot hold the
	// layout it was decoded as.
	ErrSizeMismatch = errors.New("block size mismatch")
)
