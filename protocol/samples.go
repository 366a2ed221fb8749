package protocol

import "hash/crc32"

// Pack24 packs signed samples into consecutive 3-byte little-endian triples.
// Only the low 24 bits of each sample are written; the top byte is dropped
// without checking that it is a valid sign extension.
func Pack24(samples []int32) []byte {
	buf := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		off := i * BytesPerSample
		buf[off] = byte(s)
		buf[off+1] = byte(s >> 8)
		buf[off+2] = byte(s >> 16)
	}
	return buf
}

// Unpack24 unpacks 3-byte little-endian triples into sign-extended 32-bit
// samples. Trailing bytes beyond the last full triple are ignored.
func Unpack24(data []byte) []int32 {
	n := len(data) / BytesPerSample
	samples := make([]int32, n)
	for i := 0; i < n; i++ {
		off := i * BytesPerSample
		s := int32(data[off]) | int32(data[off+1])<<8 | int32(data[off+2])<<16
		if s&0x800000 != 0 {
			s |= -0x1000000
		}
		samples[i] = s
	}
	return samples
}

// ChecksumData computes the IEEE CRC-32 of a raw byte range.
func ChecksumData(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// ChecksumSamples computes the IEEE CRC-32 of samples in their packed 24-bit
// wire form. Equivalent to ChecksumData(Pack24(samples)) without the
// intermediate buffer.
func ChecksumSamples(samples []int32) uint32 {
	crc := uint32(0)
	var triple [BytesPerSample]byte
	for _, s := range samples {
		triple[0] = byte(s)
		triple[1] = byte(s >> 8)
		triple[2] = byte(s >> 16)
		crc = crc32.Update(crc, crc32.IEEETable, triple[:])
	}
	return crc
}
