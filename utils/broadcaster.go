package utils

import (
	"log"

	"github.com/sonolink/sonolinkd/transfer"
)

// Broadcaster turns receiver session events into websocket events for
// attached UIs.
type Broadcaster struct {
	hub *Hub
}

func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{hub: hub}
}

// BroadcastProgress pushes a statistics snapshot after a block completes.
func (b *Broadcaster) BroadcastProgress(stats transfer.Stats) {
	b.hub.Broadcast(Event{
		Type:    "transfer_progress",
		Payload: stats,
	})
}

// BroadcastWaveform announces a decoded block. Samples stay out of the
// event; clients fetch them from the waveform store if they need them.
func (b *Broadcaster) BroadcastWaveform(w *transfer.Waveform) {
	b.hub.Broadcast(Event{
		Type: "waveform_received",
		Payload: map[string]interface{}{
			"block_number":    w.Header.BlockNumber,
			"timestamp_ms":    w.Header.TimestampMs,
			"sample_count":    w.Header.SampleCount,
			"trigger_sample":  w.Header.TriggerSample,
			"temperature_c":   float64(w.Header.TemperatureCx10) / 10,
			"gain_db":         w.Header.GainDB,
			"compressed":      w.Compressed,
		},
	})
}

// BroadcastComplete announces the end of a transfer.
func (b *Broadcaster) BroadcastComplete(stats transfer.Stats) {
	log.Printf("Broadcasting transfer completion to %d clients", b.hub.ClientCount())
	b.hub.Broadcast(Event{
		Type:    "transfer_complete",
		Payload: stats,
	})
}
