package protocol

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
)

// CompressSamples delta-encodes samples as little-endian signed 16-bit first
// differences and deflates the stream. Deltas that do not fit in 16 bits are
// clamped, so the encoding is lossy for waveforms with steps beyond ±32767;
// callers that need an exact CRC must checksum the reconstruction (see
// ReconstructDeltas).
func CompressSamples(samples []int32) ([]byte, error) {
	deltas := make([]byte, len(samples)*2)
	prev := int32(0)
	for i, s := range samples {
		d := s - prev
		if d > 32767 {
			d = 32767
		} else if d < -32768 {
			d = -32768
		}
		binary.LittleEndian.PutUint16(deltas[i*2:], uint16(int16(d)))
		prev += d
	}

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(deltas); err != nil {
		return nil, fmt.Errorf("compress samples: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress samples: %w", err)
	}
	return buf.Bytes(), nil
}

// ReconstructDeltas applies the same clamped delta encoding as
// CompressSamples and returns the samples a receiver will reconstruct from
// it. The result equals the input whenever every first difference fits in
// 16 bits.
func ReconstructDeltas(samples []int32) []int32 {
	out := make([]int32, len(samples))
	prev := int32(0)
	for i, s := range samples {
		d := s - prev
		if d > 32767 {
			d = 32767
		} else if d < -32768 {
			d = -32768
		}
		prev += d
		out[i] = prev
	}
	return out
}

// DecompressSamples inflates a compressed payload and reconstructs the
// corpus sample array by running sum over the 16-bit deltas. The inflated
// stream must be exactly DeltaStreamSize bytes; anything else fails with
// ErrDecompress. The reconstructed values are not re-sign-extended or
// clamped to 24 bits.
func DecompressSamples(data []byte) ([]int32, error) {
	return DecompressSamplesCount(data, SamplesPerBlock)
}

// DecompressSamplesCount is DecompressSamples for an arbitrary block
// geometry of count samples.
func DecompressSamplesCount(data []byte, count int) ([]int32, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	defer r.Close()

	want := count * 2
	deltas := make([]byte, want)
	n, err := io.ReadFull(r, deltas)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	if n != want {
		return nil, fmt.Errorf("%w: inflated to %d bytes, want %d", ErrDecompress, n, want)
	}
	// Drain to EOF so the stream checksum is verified; any trailing byte
	// means the stream was larger than the delta layout.
	extra, err := io.Copy(io.Discard, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	if extra != 0 {
		return nil, fmt.Errorf("%w: inflated to %d bytes, want %d", ErrDecompress, want+int(extra), want)
	}

	samples := make([]int32, count)
	prev := int32(0)
	for i := range samples {
		d := int16(binary.LittleEndian.Uint16(deltas[i*2:]))
		prev += int32(d)
		samples[i] = prev
	}
	return samples, nil
}
