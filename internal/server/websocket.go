package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"dutycycle-mesh/internal/commands"
	"dutycycle-mesh/internal/eventBus"
	"dutycycle-mesh/internal/metrics"
	"dutycycle-mesh/internal/packet"

	"github.com/gorilla/websocket"
)

// Define a WebSocket upgrader.
var upgrader = websocket.Upgrader{
	// Allow any origin; the front end is served from elsewhere.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsHandler upgrades the connection to WebSocket and pushes events from the EventBus.
func wsHandler(eb *eventBus.EventBus, w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so the client sees every
	// event published after Dial returns.
	eventCh := eb.SubscribeN(1024)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		eb.Unsubscribe(eventCh)
		log.Printf("Upgrade error: %v", err)
		return
	}
	defer conn.Close()
	defer eb.Unsubscribe(eventCh)

	// The client never sends anything; reading only notices it going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				log.Printf("Write error: %v", err)
				return
			}
		case <-gone:
			return
		}
	}
}

// CommandPayload is a free-form command from the front end, echoed onto
// the bus.
type CommandPayload struct {
	Command string      `json:"command"`
	NodeID  packet.Addr `json:"node_id"`
}

// commandHandler is a simple REST endpoint to accept commands from the front end.
func commandHandler(eb *eventBus.EventBus, w http.ResponseWriter, r *http.Request) {
	var cmd CommandPayload
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		log.Printf("Invalid command: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	eb.Publish(eventBus.Event{
		Type:      eventBus.EventCommandReceived,
		Node:      cmd.NodeID,
		Payload:   fmt.Sprintf("Command: %s", cmd.Command),
		Timestamp: time.Now(),
	})
	w.Write([]byte("Command received"))
}

// NewMux wires the event stream, the node API and the metrics endpoint.
func NewMux(eb *eventBus.EventBus, sim commands.Simulation, prom *metrics.PromCollector) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		wsHandler(eb, w, r)
	})
	mux.HandleFunc("/command", func(w http.ResponseWriter, r *http.Request) {
		commandHandler(eb, w, r)
	})

	mux.HandleFunc("/nodeAPI/create", commands.CreateNodeHandler(sim))
	mux.HandleFunc("/nodeAPI/remove", commands.RemoveNodeHandler(sim))
	mux.HandleFunc("/nodeAPI/sendMessage", commands.SendMessageHandler(sim))
	mux.HandleFunc("/nodeAPI/move", commands.MoveNodeHandler(sim))
	mux.HandleFunc("/nodeAPI/cycleTime", commands.CycleTimeHandler(sim, eb))
	mux.HandleFunc("/nodeAPI/phases", commands.PhaseTableHandler(sim))

	mux.Handle("/metrics", prom.Handler())
	return mux
}

// StartServer serves the HTTP API on addr until ctx is cancelled.
func StartServer(ctx context.Context, addr string, eb *eventBus.EventBus, sim commands.Simulation, prom *metrics.PromCollector) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(eb, sim, prom),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server started on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
