package transfer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sonolink/sonolinkd/protocol"
)

// State is the sender session state.
type State int

const (
	StateIdle State = iota
	StateActive
	StateWaitingAck
	StatePaused
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateWaitingAck:
		return "waiting_ack"
	case StatePaused:
		return "paused"
	case StateComplete:
		return "complete"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	attOverhead              = 3 // ATT notification opcode + handle
	congestionReportInterval = 5 * time.Second
)

// Sender drives one transfer session on the peripheral side: it slices
// blocks from the source into MTU-sized chunks, paces them against link
// congestion and notification credits, honors cumulative ACK barriers, and
// survives disconnect/reconnect by rewinding to the last acknowledged block.
//
// ProcessNextChunk runs on the sender's task loop; the control-channel and
// link-event handlers may run on other goroutines and serialize with it
// through the session mutex.
type Sender struct {
	mu     sync.Mutex
	cfg    Config
	link   Link
	source BlockSource
	pacer  *Pacer

	state            State
	mode             Mode
	mtu              int
	chunkPayloadSize int

	curBlock       int
	curChunk       int
	lastAckedBlock int

	blockData   []byte
	blockSize   int
	totalChunks int

	notifyEnabled bool

	startTime         time.Time
	blocksSent        uint32
	chunksSent        uint64
	bytesSent         uint64
	sendFailures      uint32
	disconnections    uint32
	retransmits       uint32
	lastCongestionLog time.Time
}

// NewSender creates an idle sender session over the given link and source.
func NewSender(cfg Config, link Link, source BlockSource, mode Mode) *Sender {
	return &Sender{
		cfg:    cfg,
		link:   link,
		source: source,
		pacer:  NewPacer(),
		mode:   mode,
	}
}

// SetMTU records the negotiated MTU for the next Start or reconnect.
func (s *Sender) SetMTU(mtu int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mtu = mtu
}

// Start begins a transfer from block 0. Notifications must already be
// enabled on the data characteristic.
func (s *Sender) Start(mode Mode, mtu int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.notifyEnabled {
		return fmt.Errorf("cannot start transfer: notifications not enabled")
	}
	if err := s.setChunkSizeLocked(mtu); err != nil {
		return err
	}

	s.mode = mode
	s.state = StateActive
	s.curBlock = 0
	s.curChunk = 0
	s.lastAckedBlock = 0

	s.startTime = time.Now()
	s.blocksSent = 0
	s.chunksSent = 0
	s.bytesSent = 0
	s.sendFailures = 0
	s.disconnections = 0
	s.retransmits = 0
	s.pacer.Reset()

	if err := s.loadBlockLocked(0); err != nil {
		s.state = StateIdle
		return err
	}

	log.Printf("========================================")
	log.Printf("Transfer STARTED (%s mode)", s.mode)
	log.Printf("  Total blocks: %d", s.cfg.TotalBlocks)
	log.Printf("  Block size:   %d bytes", s.blockSize)
	log.Printf("  Chunk payload: %d bytes (MTU %d)", s.chunkPayloadSize, mtu)
	log.Printf("========================================")

	return nil
}

// Stop ends the session and returns it to idle.
func (s *Sender) Stop() {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.state = StateIdle
	stats := s.statsLocked()
	s.mu.Unlock()

	log.Printf("Transfer STOPPED")
	logSenderStats(stats)
}

// ProcessNextChunk attempts to send one chunk. It returns true while the
// transfer is alive (including waiting states where no chunk was sent) and
// false once the session is idle or complete.
func (s *Sender) ProcessNextChunk() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle, StateComplete:
		return false
	case StateWaitingAck, StatePaused:
		return true
	}

	if !s.pacer.HasCredit() {
		s.reportCongestionLocked("flow control: no notification credits")
		return true
	}

	header := protocol.ChunkHeader{
		BlockNumber: uint16(s.curBlock),
		ChunkNumber: uint16(s.curChunk),
		TotalChunks: uint16(s.totalChunks),
	}
	offset := s.curChunk * s.chunkPayloadSize
	end := offset + s.chunkPayloadSize
	if end > s.blockSize {
		end = s.blockSize
	}
	frame := protocol.EncodeChunk(header, s.blockData[offset:end])

	switch s.link.SendNotification(frame) {
	case SendCongested:
		s.sendFailures++
		if s.pacer.OnCongested() {
			s.reportCongestionLocked(fmt.Sprintf("link congested, backing off to %d ms", s.pacer.Snapshot().DelayMs))
		}
		return true
	case SendError:
		// Counted as a send failure only; the cursor does not move, so the
		// next attempt resends this chunk.
		s.sendFailures++
		s.pacer.OnError()
		return true
	}

	s.pacer.OnSuccess()
	s.chunksSent++
	s.bytesSent += uint64(end - offset)
	s.curChunk++

	if s.curChunk >= s.totalChunks {
		s.curChunk = 0
		s.curBlock++
		s.blocksSent++

		if s.curBlock >= s.cfg.TotalBlocks {
			s.state = StateComplete
			stats := s.statsLocked()
			log.Printf("========================================")
			log.Printf("Transfer COMPLETE")
			log.Printf("========================================")
			logSenderStats(stats)
			return false
		}

		if s.curBlock%s.cfg.AckInterval == 0 {
			s.state = StateWaitingAck
			log.Printf("Block %d sent, waiting for ACK (blocks %d-%d)",
				s.curBlock-1, s.curBlock-s.cfg.AckInterval, s.curBlock-1)
		}
		if s.curBlock%100 == 0 {
			log.Printf("Progress: %d/%d blocks (%.1f%%)",
				s.curBlock, s.cfg.TotalBlocks, float64(s.curBlock)*100/float64(s.cfg.TotalBlocks))
		}

		if err := s.loadBlockLocked(uint16(s.curBlock)); err != nil {
			log.Printf("ERROR: %v; stopping transfer", err)
			s.state = StateIdle
			return false
		}
	}

	return true
}

// HandleControl dispatches a control-characteristic write.
func (s *Sender) HandleControl(msg *protocol.ControlMessage) {
	switch msg.Command {
	case protocol.CmdStart:
		log.Printf("Received START command")
		mode, mtu := s.sessionDefaults()
		if err := s.Start(mode, mtu); err != nil {
			log.Printf("START failed: %v", err)
		}
	case protocol.CmdStop:
		log.Printf("Received STOP command")
		s.Stop()
	case protocol.CmdAck:
		s.handleAck(int(msg.BlockNumber))
	}
}

func (s *Sender) handleAck(block int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if block < s.lastAckedBlock {
		log.Printf("Ignoring old ACK for block %d (last acked %d)", block, s.lastAckedBlock)
		return
	}

	s.lastAckedBlock = block + 1
	// The barrier at curBlock lifts only once the ACK covers every block
	// before it; an ACK for an earlier barrier keeps the sender waiting.
	if s.state == StateWaitingAck && s.lastAckedBlock >= s.curBlock {
		s.state = StateActive
		log.Printf("ACK for block %d, resuming from block %d", block, s.curBlock)
	}
}

// OnDisconnect pauses an in-flight transfer, keeping block progress and the
// last acknowledged block for resume.
func (s *Sender) OnDisconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive && s.state != StateWaitingAck {
		return
	}
	s.state = StatePaused
	s.notifyEnabled = false
	s.disconnections++
	log.Printf("Transfer PAUSED (disconnect): at block %d chunk %d, last acked %d",
		s.curBlock, s.curChunk, s.lastAckedBlock)
}

// OnReconnect resumes a paused transfer from the last acknowledged block.
// Blocks in the unacknowledged window are retransmitted; the receiver is
// idempotent on duplicates.
func (s *Sender) OnReconnect(mtu int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePaused {
		return fmt.Errorf("cannot resume: session is %s", s.state)
	}
	if err := s.setChunkSizeLocked(mtu); err != nil {
		return err
	}

	s.notifyEnabled = true
	if s.curBlock > s.lastAckedBlock {
		s.retransmits += uint32(s.curBlock - s.lastAckedBlock)
	}
	s.curBlock = s.lastAckedBlock
	s.curChunk = 0
	if err := s.loadBlockLocked(uint16(s.curBlock)); err != nil {
		return err
	}
	s.state = StateActive

	log.Printf("Transfer RESUMED from block %d (%d blocks remaining)",
		s.curBlock, s.cfg.TotalBlocks-s.curBlock)
	return nil
}

// OnNotificationsEnabled tracks the data characteristic's CCCD. Losing the
// subscription mid-transfer pauses the session.
func (s *Sender) OnNotificationsEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notifyEnabled = enabled
	log.Printf("Data notifications %s", map[bool]string{true: "enabled", false: "disabled"}[enabled])

	if !enabled && (s.state == StateActive || s.state == StateWaitingAck) {
		s.state = StatePaused
		s.disconnections++
	}
}

// OnNotificationTransmitted returns a flow-control credit; called when the
// link stack reports a notification fully transmitted.
func (s *Sender) OnNotificationTransmitted() {
	s.pacer.OnTransmitComplete()
}

// RecommendedDelay is the pacing delay for the task loop.
func (s *Sender) RecommendedDelay() time.Duration {
	return s.pacer.RecommendedDelay()
}

// State returns the current session state.
func (s *Sender) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Position returns the current block and chunk cursor.
func (s *Sender) Position() (block, chunk int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curBlock, s.curChunk
}

// LastAckedBlock returns the resume point held for reconnect.
func (s *Sender) LastAckedBlock() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAckedBlock
}

// Stats returns a snapshot of the session counters.
func (s *Sender) Stats() SenderStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

// Run drives the session until the context is canceled, sleeping the
// pacer-recommended delay between attempts. Waiting and paused states are
// polled at the same cadence; control events arriving on other goroutines
// move the state machine underneath the loop.
func (s *Sender) Run(ctx context.Context) {
	for {
		s.ProcessNextChunk()
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.RecommendedDelay()):
		}
	}
}

func (s *Sender) setChunkSizeLocked(mtu int) error {
	payload := mtu - attOverhead - protocol.ChunkHeaderSize
	if payload < 1 {
		return fmt.Errorf("MTU %d too small for chunk framing", mtu)
	}
	s.mtu = mtu
	s.chunkPayloadSize = payload
	return nil
}

func (s *Sender) loadBlockLocked(block uint16) error {
	data, err := s.source.BlockData(block)
	if err != nil {
		return fmt.Errorf("block source failed for block %d: %w", block, err)
	}
	if len(data) > s.cfg.BlockSizeMax {
		return fmt.Errorf("block %d: encoded size %d exceeds bound %d", block, len(data), s.cfg.BlockSizeMax)
	}
	s.blockData = data
	s.blockSize = len(data)
	s.totalChunks = (s.blockSize + s.chunkPayloadSize - 1) / s.chunkPayloadSize
	return nil
}

func (s *Sender) reportCongestionLocked(msg string) {
	now := time.Now()
	if now.Sub(s.lastCongestionLog) < congestionReportInterval {
		return
	}
	s.lastCongestionLog = now
	log.Printf("WARNING: %s", msg)
}

func (s *Sender) sessionDefaults() (Mode, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mtu := s.mtu
	if mtu == 0 {
		mtu = 23
	}
	return s.mode, mtu
}

func (s *Sender) statsLocked() SenderStats {
	stats := SenderStats{
		BlocksSent:       s.blocksSent,
		TotalBlocks:      uint32(s.cfg.TotalBlocks),
		TotalChunks:      s.chunksSent,
		TotalBytes:       s.bytesSent,
		SendFailures:     s.sendFailures,
		CongestionEvents: s.pacer.Snapshot().CongestionEvents,
		Disconnections:   s.disconnections,
		Retransmits:      s.retransmits,
	}
	if !s.startTime.IsZero() {
		stats.ElapsedSeconds = time.Since(s.startTime).Seconds()
		if stats.ElapsedSeconds > 0 {
			stats.ThroughputKbps = float64(stats.TotalBytes) / stats.ElapsedSeconds / 1000
		}
	}
	return stats
}

func logSenderStats(stats SenderStats) {
	log.Printf("  Blocks sent:       %d / %d", stats.BlocksSent, stats.TotalBlocks)
	log.Printf("  Chunks sent:       %d", stats.TotalChunks)
	log.Printf("  Bytes sent:        %d (%.2f MB)", stats.TotalBytes, float64(stats.TotalBytes)/(1024*1024))
	log.Printf("  Elapsed:           %.3f s", stats.ElapsedSeconds)
	log.Printf("  Throughput:        %.2f KB/s", stats.ThroughputKbps)
	log.Printf("  Send failures:     %d", stats.SendFailures)
	log.Printf("  Congestion events: %d", stats.CongestionEvents)
	log.Printf("  Disconnections:    %d", stats.Disconnections)
	log.Printf("  Retransmits:       %d", stats.Retransmits)
}
