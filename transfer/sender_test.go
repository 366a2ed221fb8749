package transfer

import (
	"testing"
	"time"

	"github.com/sonolink/sonolinkd/protocol"
)

// recordingLink captures every frame and returns scripted results.
type recordingLink struct {
	frames  [][]byte
	results []SendResult // consumed in order; SendOK once exhausted
}

func (l *recordingLink) SendNotification(data []byte) SendResult {
	if len(l.results) > 0 {
		r := l.results[0]
		l.results = l.results[1:]
		if r != SendOK {
			return r
		}
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	l.frames = append(l.frames, frame)
	return SendOK
}

func testSenderConfig() Config {
	return Config{
		TotalBlocks:     40,
		SamplesPerBlock: 4,
		AckInterval:     20,
		BlockSizeMax:    protocol.WaveformHeaderSize + 4*protocol.BytesPerSample, // 50
	}
}

// newTestSender builds a started sender over a 25-byte MTU: 10-byte chunk
// payload, 5 chunks per 50-byte raw block.
func newTestSender(t *testing.T, cfg Config) (*Sender, *recordingLink) {
	t.Helper()

	link := &recordingLink{}
	source := NewSimulatedSource(ModeRaw, cfg.SamplesPerBlock)
	s := NewSender(cfg, link, source, ModeRaw)
	s.OnNotificationsEnabled(true)
	if err := s.Start(ModeRaw, 25); err != nil {
		t.Fatalf("Failed to start sender: %v", err)
	}
	return s, link
}

// pumpToBarrier drives the sender until it leaves Active, acknowledging the
// link's transmit completion after every attempt.
func pumpToBarrier(t *testing.T, s *Sender, limit int) {
	t.Helper()
	for i := 0; i < limit; i++ {
		s.ProcessNextChunk()
		s.OnNotificationTransmitted()
		if s.State() != StateActive {
			return
		}
	}
	t.Fatalf("Sender still active after %d iterations (state %s)", limit, s.State())
}

func TestSenderRequiresNotifications(t *testing.T) {
	link := &recordingLink{}
	s := NewSender(testSenderConfig(), link, NewSimulatedSource(ModeRaw, 4), ModeRaw)

	if err := s.Start(ModeRaw, 25); err == nil {
		t.Error("Expected start to fail with notifications disabled")
	}
}

func TestSenderChunkSequence(t *testing.T) {
	s, link := newTestSender(t, testSenderConfig())

	pumpToBarrier(t, s, 1000)

	// 20 blocks of 5 chunks before the first ACK barrier.
	if len(link.frames) != 100 {
		t.Fatalf("Expected 100 frames before barrier, got %d", len(link.frames))
	}

	// Frames are strictly ordered by (block, chunk) with correct sizing.
	for i, frame := range link.frames {
		h, payload, err := protocol.DecodeChunk(frame)
		if err != nil {
			t.Fatalf("Frame %d: %v", i, err)
		}
		if int(h.BlockNumber) != i/5 || int(h.ChunkNumber) != i%5 {
			t.Fatalf("Frame %d: expected block %d chunk %d, got %d/%d", i, i/5, i%5, h.BlockNumber, h.ChunkNumber)
		}
		if h.TotalChunks != 5 {
			t.Fatalf("Frame %d: expected 5 total chunks, got %d", i, h.TotalChunks)
		}
		if len(payload) != 10 {
			t.Fatalf("Frame %d: expected 10-byte payload, got %d", i, len(payload))
		}
	}
}

func TestSenderAckBarrier(t *testing.T) {
	s, link := newTestSender(t, testSenderConfig())

	pumpToBarrier(t, s, 1000)
	if s.State() != StateWaitingAck {
		t.Fatalf("Expected waiting_ack at barrier, got %s", s.State())
	}

	// No chunks leave while waiting, however often the loop ticks.
	for i := 0; i < 10; i++ {
		if !s.ProcessNextChunk() {
			t.Fatal("Expected transfer to stay alive while waiting for ACK")
		}
	}
	if len(link.frames) != 100 {
		t.Fatalf("Expected no frames while waiting, got %d", len(link.frames))
	}

	// An ACK for an earlier barrier is recorded but does not lift this one.
	s.HandleControl(&protocol.ControlMessage{Command: protocol.CmdAck, BlockNumber: 18})
	if s.State() != StateWaitingAck {
		t.Errorf("Expected waiting_ack after ACK(18), got %s", s.State())
	}
	if s.LastAckedBlock() != 19 {
		t.Errorf("Expected last acked block 19, got %d", s.LastAckedBlock())
	}

	s.HandleControl(&protocol.ControlMessage{Command: protocol.CmdAck, BlockNumber: 19})
	if s.State() != StateActive {
		t.Errorf("Expected active after ACK(19), got %s", s.State())
	}

	// Drive to completion: blocks 20-39, then Complete without a final wait.
	pumpToBarrier(t, s, 1000)
	if s.State() != StateComplete {
		t.Fatalf("Expected complete, got %s", s.State())
	}
	if len(link.frames) != 200 {
		t.Errorf("Expected 200 frames total, got %d", len(link.frames))
	}

	stats := s.Stats()
	if stats.BlocksSent != 40 {
		t.Errorf("Expected 40 blocks sent, got %d", stats.BlocksSent)
	}
}

func TestSenderIgnoresOldAck(t *testing.T) {
	s, _ := newTestSender(t, testSenderConfig())

	pumpToBarrier(t, s, 1000)
	s.HandleControl(&protocol.ControlMessage{Command: protocol.CmdAck, BlockNumber: 19})
	if s.LastAckedBlock() != 20 {
		t.Fatalf("Expected last acked 20, got %d", s.LastAckedBlock())
	}

	s.HandleControl(&protocol.ControlMessage{Command: protocol.CmdAck, BlockNumber: 5})
	if s.LastAckedBlock() != 20 {
		t.Errorf("Expected old ACK ignored, last acked now %d", s.LastAckedBlock())
	}
}

func TestSenderCreditStarvation(t *testing.T) {
	s, link := newTestSender(t, testSenderConfig())

	// Two credits, no transmit completions: exactly two sends go out.
	for i := 0; i < 10; i++ {
		if !s.ProcessNextChunk() {
			t.Fatal("Expected transfer to stay alive")
		}
	}
	if len(link.frames) != MaxInFlight {
		t.Fatalf("Expected %d frames with starved credits, got %d", MaxInFlight, len(link.frames))
	}

	// One completion releases exactly one more send.
	s.OnNotificationTransmitted()
	for i := 0; i < 10; i++ {
		s.ProcessNextChunk()
	}
	if len(link.frames) != MaxInFlight+1 {
		t.Errorf("Expected %d frames after one completion, got %d", MaxInFlight+1, len(link.frames))
	}
}

func TestSenderCongestionBackoff(t *testing.T) {
	cfg := testSenderConfig()
	link := &recordingLink{results: []SendResult{SendCongested, SendCongested, SendCongested}}
	s := NewSender(cfg, link, NewSimulatedSource(ModeRaw, cfg.SamplesPerBlock), ModeRaw)
	s.OnNotificationsEnabled(true)
	if err := s.Start(ModeRaw, 25); err != nil {
		t.Fatalf("Failed to start sender: %v", err)
	}

	before := s.RecommendedDelay()
	for i := 0; i < 3; i++ {
		s.ProcessNextChunk()
	}
	after := s.RecommendedDelay()
	want := before + BackoffIncrementMs*time.Millisecond
	if after != want {
		t.Errorf("Expected one backoff step (%v -> %v), got %v", before, want, after)
	}

	// The congested chunk was never consumed; the next attempt resends it.
	s.ProcessNextChunk()
	h, _, err := protocol.DecodeChunk(link.frames[0])
	if err != nil {
		t.Fatalf("Failed to decode frame: %v", err)
	}
	if h.BlockNumber != 0 || h.ChunkNumber != 0 {
		t.Errorf("Expected retry of block 0 chunk 0, got %d/%d", h.BlockNumber, h.ChunkNumber)
	}

	stats := s.Stats()
	if stats.SendFailures != 3 {
		t.Errorf("Expected 3 send failures, got %d", stats.SendFailures)
	}
}

func TestSenderDisconnectResume(t *testing.T) {
	s, link := newTestSender(t, testSenderConfig())

	// Through the first barrier, then partway into block 25.
	pumpToBarrier(t, s, 1000)
	s.HandleControl(&protocol.ControlMessage{Command: protocol.CmdAck, BlockNumber: 19})
	for i := 0; i < 27; i++ {
		s.ProcessNextChunk()
		s.OnNotificationTransmitted()
	}
	block, chunk := s.Position()
	if block != 25 || chunk != 2 {
		t.Fatalf("Expected position 25/2, got %d/%d", block, chunk)
	}

	s.OnDisconnect()
	if s.State() != StatePaused {
		t.Fatalf("Expected paused after disconnect, got %s", s.State())
	}
	framesBefore := len(link.frames)
	s.ProcessNextChunk()
	if len(link.frames) != framesBefore {
		t.Error("Expected no sends while paused")
	}

	if err := s.OnReconnect(25); err != nil {
		t.Fatalf("Failed to resume: %v", err)
	}
	if s.State() != StateActive {
		t.Fatalf("Expected active after resume, got %s", s.State())
	}
	block, chunk = s.Position()
	if block != 20 || chunk != 0 {
		t.Errorf("Expected rewind to 20/0, got %d/%d", block, chunk)
	}

	// The first frame after resume retransmits block 20 chunk 0.
	s.ProcessNextChunk()
	h, _, err := protocol.DecodeChunk(link.frames[len(link.frames)-1])
	if err != nil {
		t.Fatalf("Failed to decode frame: %v", err)
	}
	if h.BlockNumber != 20 || h.ChunkNumber != 0 {
		t.Errorf("Expected block 20 chunk 0 after resume, got %d/%d", h.BlockNumber, h.ChunkNumber)
	}

	stats := s.Stats()
	if stats.Disconnections != 1 {
		t.Errorf("Expected 1 disconnection, got %d", stats.Disconnections)
	}
	if stats.Retransmits != 5 {
		t.Errorf("Expected 5 retransmitted blocks (blocks 20-24 rewound from 25), got %d", stats.Retransmits)
	}
}

func TestSenderInvariantsUnderPump(t *testing.T) {
	s, _ := newTestSender(t, testSenderConfig())

	for i := 0; i < 500; i++ {
		s.ProcessNextChunk()
		s.OnNotificationTransmitted()

		block, _ := s.Position()
		if acked := s.LastAckedBlock(); acked > block {
			t.Fatalf("Invariant violated: last acked %d > current block %d", acked, block)
		}
		if block > s.cfg.TotalBlocks {
			t.Fatalf("Invariant violated: current block %d > total %d", block, s.cfg.TotalBlocks)
		}

		if s.State() == StateWaitingAck {
			s.HandleControl(&protocol.ControlMessage{Command: protocol.CmdAck, BlockNumber: uint16(block - 1)})
		}
		if s.State() == StateComplete {
			return
		}
	}
	t.Fatal("Transfer never completed")
}

func TestSenderStopGoesIdle(t *testing.T) {
	s, _ := newTestSender(t, testSenderConfig())

	s.ProcessNextChunk()
	s.Stop()
	if s.State() != StateIdle {
		t.Fatalf("Expected idle after stop, got %s", s.State())
	}
	if s.ProcessNextChunk() {
		t.Error("Expected no activity after stop")
	}
}

func TestSenderUnsubscribePauses(t *testing.T) {
	s, _ := newTestSender(t, testSenderConfig())

	s.ProcessNextChunk()
	s.OnNotificationsEnabled(false)
	if s.State() != StatePaused {
		t.Errorf("Expected paused after unsubscribe, got %s", s.State())
	}
}
