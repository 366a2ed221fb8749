package main

import (
	"flag"
	"log"

	"github.com/sonolink/sonolinkd/bluetooth"
	"github.com/sonolink/sonolinkd/server"
	"github.com/sonolink/sonolinkd/storage"
	"github.com/sonolink/sonolinkd/transfer"
	"github.com/sonolink/sonolinkd/utils"
)

func main() {
	listenAddr := flag.String("listen", ":8080", "HTTP listen address")
	dbPath := flag.String("db", "waveforms.db", "sqlite path for received waveforms (empty disables persistence)")
	deviceAddr := flag.String("device", "", "sensor Bluetooth address (skips discovery)")
	noBLE := flag.Bool("no-ble", false, "run without a BLE connection (server and websocket only)")
	autoStart := flag.Bool("autostart", true, "start the transfer immediately after connecting")
	flag.Parse()

	log.Println("sonolinkd starting")

	wsHub := utils.NewHub()
	broadcaster := utils.NewBroadcaster(wsHub)

	var store *storage.Store
	if *dbPath != "" {
		var err error
		store, err = storage.Open(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open waveform store: %v", err)
		}
		defer store.Close()
		log.Printf("Waveform store: %s", *dbPath)
	}

	// The ACK hook is bound after the central exists; the receiver never
	// fires it before a chunk has arrived over that same central.
	var central *bluetooth.Central

	receiver := transfer.NewReceiver(transfer.DefaultConfig(), transfer.Callbacks{
		OnWaveform: func(w *transfer.Waveform) {
			if store != nil {
				if err := store.SaveWaveform(w); err != nil {
					log.Printf("Failed to persist block %d: %v", w.Header.BlockNumber, err)
				}
			}
			broadcaster.BroadcastWaveform(w)
		},
		OnProgress: func(stats transfer.Stats) {
			broadcaster.BroadcastProgress(stats)
		},
		OnComplete: func(stats transfer.Stats) {
			broadcaster.BroadcastComplete(stats)
		},
		OnAck: func(block uint16) {
			if central != nil {
				central.SendAck(block)
			}
		},
	})

	if !*noBLE {
		var err error
		central, err = bluetooth.NewCentral(receiver, wsHub)
		if err != nil {
			log.Fatalf("Failed to initialize Bluetooth: %v", err)
		}
		defer central.Close()

		if err := central.Connect(*deviceAddr); err != nil {
			log.Fatalf("Failed to connect to sensor: %v", err)
		}

		if *autoStart {
			if err := central.StartTransfer(); err != nil {
				log.Fatalf("Failed to start transfer: %v", err)
			}
		}
	} else {
		log.Println("Running without BLE (-no-ble)")
	}

	var controller server.TransferController
	if central != nil {
		controller = central
	}
	srv := server.NewServer(*listenAddr, receiver, store, controller, wsHub)
	srv.Start()
}
