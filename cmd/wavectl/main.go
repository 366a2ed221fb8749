// wavectl watches a running sonolinkd and renders live transfer progress
// from its websocket event stream.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pterm/pterm"

	"github.com/sonolink/sonolinkd/transfer"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "sonolinkd address")
	flag.Parse()

	stats, err := fetchStats(*addr)
	if err != nil {
		pterm.Error.Printfln("Cannot reach sonolinkd at %s: %v", *addr, err)
		return
	}

	pterm.Info.Printfln("sonolinkd @ %s — %d/%d blocks received",
		*addr, stats.BlocksReceived, stats.TotalBlocks)

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/ws", *addr), nil)
	if err != nil {
		pterm.Error.Printfln("WebSocket connect failed: %v", err)
		return
	}
	defer conn.Close()

	bar, _ := pterm.DefaultProgressbar.
		WithTotal(int(stats.TotalBlocks)).
		WithCurrent(int(stats.BlocksReceived)).
		WithTitle("receiving").
		Start()

	for {
		var event struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := conn.ReadJSON(&event); err != nil {
			bar.Stop()
			pterm.Warning.Printfln("Stream closed: %v", err)
			return
		}

		switch event.Type {
		case "transfer_progress":
			var s transfer.Stats
			if err := json.Unmarshal(event.Payload, &s); err != nil {
				continue
			}
			if delta := int(s.BlocksReceived) - bar.Current; delta > 0 {
				bar.Add(delta)
			}
			bar.UpdateTitle(fmt.Sprintf("receiving (%.1f KB/s)", s.ThroughputKbps))

		case "transfer_complete":
			var s transfer.Stats
			if err := json.Unmarshal(event.Payload, &s); err != nil {
				continue
			}
			bar.Stop()
			pterm.Success.Printfln("Transfer complete: %d blocks, %d bytes",
				s.BlocksReceived, s.TotalBytesReceived)
			return

		case "device_disconnected":
			pterm.Warning.Println("Sensor disconnected — waiting for resume")

		case "device_connected":
			pterm.Info.Println("Sensor connected")
		}
	}
}

func fetchStats(addr string) (*transfer.Stats, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/transfer/stats", addr))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var stats transfer.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, err
	}
	return &stats, nil
}
