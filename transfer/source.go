package transfer

import (
	"fmt"
	"math"

	"github.com/sonolink/sonolinkd/protocol"
)

// Mode selects the on-wire payload encoding for a session.
type Mode int

const (
	// ModeRaw sends packed 24-bit samples as-is.
	ModeRaw Mode = iota
	// ModeCompressed sends a deflated stream of 16-bit sample deltas.
	ModeCompressed
)

func (m Mode) String() string {
	if m == ModeCompressed {
		return "compressed"
	}
	return "raw"
}

// BlockSource yields the on-wire bytes for one block: the 38-byte waveform
// header followed by the encoded payload.
type BlockSource interface {
	BlockData(block uint16) ([]byte, error)
}

// Waveform capture parameters for the simulated ultrasound source.
const (
	simSampleRateHz  = 50000000 // 50 MHz ADC
	simCarrierFreqHz = 5000000  // 5 MHz excitation pulse
	simTriggerSample = 250
	simTemperature   = 235 // 23.5 C
	simGainDB        = 60

	simNoiseAmplitude = 100

	simEchoDuration = 100
	simEchoDecay    = 0.03

	maxSample24 = 8388607
	minSample24 = -8388608
)

// An echo reflection in the simulated pulse-echo response.
type simEcho struct {
	center    int
	amplitude float64
	decay     float64
}

var simEchoes = []simEcho{
	{center: 375, amplitude: 2500000, decay: simEchoDecay},
	{center: 875, amplitude: 5000000, decay: simEchoDecay},
	{center: 1250, amplitude: 1600000, decay: simEchoDecay * 1.5},
}

// SimulatedSource generates pulse-echo ultrasound waveforms in place of real
// transducer captures: an LCG noise floor plus three decaying 5 MHz echo
// packets, clamped to the 24-bit range. The same block number always yields
// the same header metadata, so retransmitted blocks after a resume stay
// coherent; the noise sequence advances per call, which real hardware would
// also do.
type SimulatedSource struct {
	mode        Mode
	sampleCount int
	seed        uint32
}

// NewSimulatedSource creates a source emitting sampleCount samples per block
// in the given mode. Pass protocol.SamplesPerBlock for the real corpus
// geometry.
func NewSimulatedSource(mode Mode, sampleCount int) *SimulatedSource {
	return &SimulatedSource{
		mode:        mode,
		sampleCount: sampleCount,
		seed:        12345,
	}
}

// Mode returns the encoding this source produces.
func (s *SimulatedSource) Mode() Mode { return s.mode }

// BlockData generates the on-wire bytes for a block.
func (s *SimulatedSource) BlockData(block uint16) ([]byte, error) {
	samples := s.generate()

	header := protocol.WaveformHeader{
		BlockNumber:     uint32(block),
		TimestampMs:     uint32(block) * 100,
		SampleRateHz:    simSampleRateHz,
		SampleCount:     uint16(s.sampleCount),
		TriggerSample:   simTriggerSample,
		PulseFreqHz:     simCarrierFreqHz,
		TemperatureCx10: simTemperature,
		GainDB:          simGainDB,
	}

	var payload []byte
	switch s.mode {
	case ModeRaw:
		header.CRC32 = protocol.ChecksumSamples(samples)
		payload = protocol.Pack24(samples)
	case ModeCompressed:
		compressed, err := protocol.CompressSamples(samples)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", block, err)
		}
		// The CRC covers the samples the receiver will reconstruct, which
		// differ from the originals wherever a delta was clamped to 16 bits.
		header.CRC32 = protocol.ChecksumSamples(protocol.ReconstructDeltas(samples))
		payload = compressed
	default:
		return nil, fmt.Errorf("block %d: unknown mode %d", block, s.mode)
	}

	data := make([]byte, 0, protocol.WaveformHeaderSize+len(payload))
	data = append(data, header.Marshal()...)
	data = append(data, payload...)
	return data, nil
}

func (s *SimulatedSource) generate() []int32 {
	samples := make([]int32, s.sampleCount)
	for i := range samples {
		v := float64(s.noise())

		for _, e := range simEchoes {
			if i < e.center || i >= e.center+simEchoDuration*3 {
				continue
			}
			envelope := math.Exp(-e.decay * math.Abs(float64(i-e.center)))
			carrier := math.Sin(2 * math.Pi * simCarrierFreqHz * float64(i) / simSampleRateHz)
			v += e.amplitude * envelope * carrier
		}

		if v > maxSample24 {
			v = maxSample24
		} else if v < minSample24 {
			v = minSample24
		}
		samples[i] = int32(v)
	}
	return samples
}

func (s *SimulatedSource) noise() int32 {
	s.seed = (s.seed*1103515245 + 12345) & 0x7FFFFFFF
	return int32(s.seed%(simNoiseAmplitude*2)) - simNoiseAmplitude
}
