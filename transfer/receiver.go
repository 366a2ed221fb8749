package transfer

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sonolink/sonolinkd/protocol"
)

// Waveform is one fully decoded block.
type Waveform struct {
	Header     protocol.WaveformHeader
	Samples    []int32
	Compressed bool
}

// Callbacks are the receiver's outward event hooks. Handlers run on the
// notification-delivery goroutine with no session locks held; they must be
// short and must not re-enter the same session, but may re-enter the link
// (OnAck is expected to write the control characteristic). Any nil hook is
// skipped.
type Callbacks struct {
	OnWaveform func(*Waveform)
	OnProgress func(Stats)
	OnComplete func(Stats)
	OnAck      func(block uint16)
}

// partialBlock accumulates the chunks of one block until it completes.
type partialBlock struct {
	chunks        map[uint16][]byte
	expectedTotal uint16
	lastUpdate    time.Time
}

// Receiver reassembles chunks into blocks, decodes and validates waveform
// payloads, and emits cumulative ACKs every AckInterval blocks. All mutation
// happens on the caller of ProcessChunk; decode failures surface as counters
// and an error return, never as callback invocations.
type Receiver struct {
	mu  sync.Mutex
	cfg Config
	cb  Callbacks

	active    bool
	startTime time.Time

	partials  map[uint16]*partialBlock
	completed map[uint16]struct{}

	totalBytes    uint64
	totalChunks   uint64
	framingErrors uint32
	decodeErrors  uint32

	completeFired bool
}

// NewReceiver creates an inactive receiver session.
func NewReceiver(cfg Config, cb Callbacks) *Receiver {
	return &Receiver{
		cfg:       cfg,
		cb:        cb,
		partials:  make(map[uint16]*partialBlock),
		completed: make(map[uint16]struct{}),
	}
}

// Start resets all reassembly state and marks the session active.
func (r *Receiver) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active = true
	r.startTime = time.Now()
	r.partials = make(map[uint16]*partialBlock)
	r.completed = make(map[uint16]struct{})
	r.totalBytes = 0
	r.totalChunks = 0
	r.framingErrors = 0
	r.decodeErrors = 0
	r.completeFired = false

	log.Printf("Receive session started: expecting %d blocks", r.cfg.TotalBlocks)
}

// Stop marks the session inactive. Partial state is discarded.
func (r *Receiver) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active = false
	r.partials = make(map[uint16]*partialBlock)
}

// Active reports whether the session is between Start and Stop/completion.
func (r *Receiver) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// ProcessChunk ingests one data notification. Framing and decode failures
// are counted and returned; the session continues either way. Chunks may
// arrive in any order within a block.
func (r *Receiver) ProcessChunk(data []byte) error {
	r.mu.Lock()

	header, payload, err := protocol.DecodeChunk(data)
	if err != nil {
		r.framingErrors++
		r.mu.Unlock()
		return err
	}
	if int(header.BlockNumber) >= r.cfg.TotalBlocks {
		r.framingErrors++
		r.mu.Unlock()
		return fmt.Errorf("%w: %d (corpus has %d)", protocol.ErrBadBlockIndex, header.BlockNumber, r.cfg.TotalBlocks)
	}
	if header.TotalChunks == 0 || header.ChunkNumber >= header.TotalChunks {
		r.framingErrors++
		r.mu.Unlock()
		return fmt.Errorf("%w: chunk %d of %d", protocol.ErrBadBlockIndex, header.ChunkNumber, header.TotalChunks)
	}

	// A chunk of an already-completed block shows up after reconnect or late
	// link delivery. It still counts toward traffic statistics but is not
	// reassembled again; completion fires once per block.
	if _, done := r.completed[header.BlockNumber]; done {
		r.totalChunks++
		r.totalBytes += uint64(len(payload))
		r.mu.Unlock()
		return nil
	}

	partial, ok := r.partials[header.BlockNumber]
	if !ok {
		partial = &partialBlock{
			chunks:        make(map[uint16][]byte),
			expectedTotal: header.TotalChunks,
		}
		r.partials[header.BlockNumber] = partial
	} else if partial.expectedTotal != header.TotalChunks {
		// The block's geometry changed mid-flight; nothing stored for it can
		// be trusted.
		delete(r.partials, header.BlockNumber)
		r.decodeErrors++
		r.mu.Unlock()
		return fmt.Errorf("%w: block %d total chunks changed %d -> %d",
			protocol.ErrSizeMismatch, header.BlockNumber, partial.expectedTotal, header.TotalChunks)
	}

	if _, seen := partial.chunks[header.ChunkNumber]; !seen {
		r.totalChunks++
		r.totalBytes += uint64(len(payload))
	}
	stored := make([]byte, len(payload))
	copy(stored, payload)
	partial.chunks[header.ChunkNumber] = stored
	partial.lastUpdate = time.Now()

	if len(partial.chunks) < int(partial.expectedTotal) {
		r.mu.Unlock()
		return nil
	}

	// Block complete: assemble in chunk order and decode.
	blockData := make([]byte, 0, int(partial.expectedTotal)*len(stored))
	for i := uint16(0); i < partial.expectedTotal; i++ {
		blockData = append(blockData, partial.chunks[i]...)
	}
	delete(r.partials, header.BlockNumber)

	waveform, err := r.decodeBlockLocked(blockData)
	if err != nil {
		r.decodeErrors++
		r.mu.Unlock()
		return fmt.Errorf("block %d: %w", header.BlockNumber, err)
	}

	r.completed[header.BlockNumber] = struct{}{}

	shouldAck := header.BlockNumber > 0 && (int(header.BlockNumber)+1)%r.cfg.AckInterval == 0
	finished := len(r.completed) == r.cfg.TotalBlocks && !r.completeFired
	// Snapshot before going inactive so the completion stats keep their
	// elapsed time and throughput.
	stats := r.statsLocked()
	if finished {
		r.completeFired = true
		r.active = false
	}
	r.mu.Unlock()

	// Callbacks run without the session lock so handlers may write ACKs on
	// the link or take their own locks.
	if r.cb.OnWaveform != nil {
		r.cb.OnWaveform(waveform)
	}
	if shouldAck && r.cb.OnAck != nil {
		r.cb.OnAck(header.BlockNumber)
	}
	if r.cb.OnProgress != nil {
		r.cb.OnProgress(stats)
	}
	if finished {
		log.Printf("========================================")
		log.Printf("Transfer COMPLETE: %d blocks, %d bytes, %.2f KB/s",
			stats.BlocksReceived, stats.TotalBytesReceived, stats.ThroughputKbps)
		log.Printf("========================================")
		if r.cb.OnComplete != nil {
			r.cb.OnComplete(stats)
		}
	}
	return nil
}

// decodeBlockLocked decodes an assembled block. Encoding is inferred from
// size: anything below the block bound is the deflated delta stream, at or
// above it is raw packed samples. Raw blocks are not CRC-checked, matching
// the deployed peer; compressed blocks are.
func (r *Receiver) decodeBlockLocked(blockData []byte) (*Waveform, error) {
	if len(blockData) < protocol.WaveformHeaderSize {
		return nil, fmt.Errorf("%w: assembled %d bytes", protocol.ErrSizeMismatch, len(blockData))
	}

	compressed := len(blockData) < r.cfg.BlockSizeMax

	header, err := protocol.UnmarshalWaveformHeader(blockData)
	if err != nil {
		return nil, err
	}

	if !compressed {
		rawSize := r.cfg.SamplesPerBlock * protocol.BytesPerSample
		if len(blockData) < protocol.WaveformHeaderSize+rawSize {
			return nil, fmt.Errorf("%w: raw block needs %d bytes, got %d",
				protocol.ErrSizeMismatch, protocol.WaveformHeaderSize+rawSize, len(blockData))
		}
		samples := protocol.Unpack24(blockData[protocol.WaveformHeaderSize : protocol.WaveformHeaderSize+rawSize])
		return &Waveform{Header: *header, Samples: samples}, nil
	}

	samples, err := protocol.DecompressSamplesCount(blockData[protocol.WaveformHeaderSize:], r.cfg.SamplesPerBlock)
	if err != nil {
		return nil, err
	}
	if crc := protocol.ChecksumSamples(samples); crc != header.CRC32 {
		return nil, fmt.Errorf("%w: header 0x%08X, computed 0x%08X", protocol.ErrCrcMismatch, header.CRC32, crc)
	}
	return &Waveform{Header: *header, Samples: samples, Compressed: true}, nil
}

// CleanupStalePartials drops partial blocks with no chunk activity for
// maxAge and returns how many were dropped. The sender retransmits them
// after the next resume; embedders may call this from a watchdog.
func (r *Receiver) CleanupStalePartials(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	dropped := 0
	for block, partial := range r.partials {
		if now.Sub(partial.lastUpdate) > maxAge {
			log.Printf("Dropping stale partial block %d (%d/%d chunks, idle %v)",
				block, len(partial.chunks), partial.expectedTotal, now.Sub(partial.lastUpdate))
			delete(r.partials, block)
			dropped++
		}
	}
	return dropped
}

// Stats returns a snapshot of receive progress.
func (r *Receiver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statsLocked()
}

func (r *Receiver) statsLocked() Stats {
	stats := Stats{
		BlocksReceived:      uint32(len(r.completed)),
		TotalBlocks:         uint32(r.cfg.TotalBlocks),
		TotalBytesReceived:  r.totalBytes,
		TotalChunksReceived: r.totalChunks,
		FramingErrors:       r.framingErrors,
		DecodeErrors:        r.decodeErrors,
	}
	if r.active {
		stats.ElapsedSeconds = time.Since(r.startTime).Seconds()
		if stats.ElapsedSeconds > 0 {
			stats.ThroughputKbps = float64(stats.TotalBytesReceived) / stats.ElapsedSeconds / 1000
		}
	}
	stats.ProgressPercent = float64(stats.BlocksReceived) * 100 / float64(stats.TotalBlocks)
	return stats
}
