package server

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sonolink/sonolinkd/storage"
	"github.com/sonolink/sonolinkd/transfer"
	"github.com/sonolink/sonolinkd/utils"
)

// TransferController starts and stops the transfer on the peripheral.
type TransferController interface {
	StartTransfer() error
	StopTransfer() error
}

// Server exposes the daemon's control and observation surface over HTTP.
type Server struct {
	addr       string
	receiver   *transfer.Receiver
	store      *storage.Store
	controller TransferController
	wsHub      *utils.Hub
	router     *http.ServeMux
}

// NewServer wires the HTTP surface. store and controller may be nil when the
// daemon runs without persistence or without a connected device.
func NewServer(addr string, receiver *transfer.Receiver, store *storage.Store, controller TransferController, wsHub *utils.Hub) *Server {
	s := &Server{
		addr:       addr,
		receiver:   receiver,
		store:      store,
		controller: controller,
		wsHub:      wsHub,
		router:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Start serves until SIGINT/SIGTERM, then shuts down gracefully.
func (s *Server) Start() {
	server := &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	go func() {
		log.Printf("Starting server on %s", s.addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not start server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}

	log.Println("Server gracefully stopped")
}
