package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/claude-task-queue/internal/lifecycle"
)

const (
	hubBacklog   = 256
	clientBuffer = 32
	wsWriteWait  = 10 * time.Second
)

// EventHub fans lifecycle events out to stream clients
type EventHub struct {
	clients    map[chan lifecycle.Event]bool
	broadcast  chan lifecycle.Event
	register   chan chan lifecycle.Event
	unregister chan chan lifecycle.Event
	mu         sync.RWMutex
}

// NewEventHub creates a new event hub
func NewEventHub() *EventHub {
	return &EventHub{
		clients:    make(map[chan lifecycle.Event]bool),
		broadcast:  make(chan lifecycle.Event, hubBacklog),
		register:   make(chan chan lifecycle.Event),
		unregister: make(chan chan lifecycle.Event),
	}
}

// Run dispatches events until ctx is cancelled, then closes every client.
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client <- event:
				default:
					// Slow consumer
					close(client)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast queues an event for all clients. It never blocks the caller;
// events are dropped when the backlog is full.
func (h *EventHub) Broadcast(event lifecycle.Event) {
	select {
	case h.broadcast <- event:
	default:
		log.Printf("event hub backlog full, dropping %s for task %d", event.Type, event.TaskID)
	}
}

// ClientCount returns the number of connected clients
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *EventHub) subscribe(ctx context.Context) (chan lifecycle.Event, bool) {
	client := make(chan lifecycle.Event, clientBuffer)
	select {
	case h.register <- client:
		return client, true
	case <-ctx.Done():
		return nil, false
	}
}

// unsubscribe runs in its own goroutine so a hub that already stopped does
// not hold the handler.
func (h *EventHub) unsubscribe(client chan lifecycle.Event) {
	go func() {
		select {
		case h.unregister <- client:
		case <-time.After(time.Second):
		}
	}()
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		// Set SSE headers
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		client, ok := s.hub.subscribe(r.Context())
		if !ok {
			return
		}
		defer s.hub.unsubscribe(client)

		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		for {
			select {
			case event, open := <-client:
				if !open {
					return
				}
				data, _ := json.Marshal(event)
				fmt.Fprintf(w, "event: %s\n", event.Type)
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}

func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		client, ok := s.hub.subscribe(r.Context())
		if !ok {
			return
		}
		defer s.hub.unsubscribe(client)

		// Clients only listen; the read loop notices when they go away.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						log.Printf("ws read error: %v", err)
					}
					return
				}
			}
		}()

		for {
			select {
			case event, open := <-client:
				if !open {
					conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"),
						time.Now().Add(wsWriteWait))
					return
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(event); err != nil {
					log.Printf("ws write failed: %v", err)
					return
				}
			case <-gone:
				return
			}
		}
	}
}
