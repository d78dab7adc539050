package sse

import (
	"encoding/json"
	"sync"
	"time"

	"privacycam-go/internal/core/matcher"
	"privacycam-go/internal/core/policy"
	"privacycam-go/internal/integrations/facedetect"

	log "github.com/sirupsen/logrus"
)

// Client represents a single connected SSE client.
type Client chan []byte

// Hub keeps the set of active clients and broadcasts frame decisions to them.
type Hub struct {
	clients map[Client]bool

	broadcast  chan []byte
	register   chan Client
	unregister chan Client

	mu sync.Mutex
}

// FaceDecision is one face's outcome within a processed frame. Box
// coordinates are in the pixel space of the source frame; the decision list
// is exhaustive over all detected boxes.
type FaceDecision struct {
	Box      facedetect.Box  `json:"box"`
	Identity string          `json:"identity,omitempty"`
	Known    bool            `json:"known"`
	Score    float64         `json:"score"`
	Basis    matcher.Basis   `json:"basis"`
	Decision policy.Decision `json:"decision"`
}

// FrameDecisionData is the per-frame message pushed to the render layer.
type FrameDecisionData struct {
	SessionID string         `json:"session_id"`
	CaptureID string         `json:"capture_id,omitempty"`
	FrameSeq  uint64         `json:"frame_seq"`
	Timestamp time.Time      `json:"timestamp"`
	Faces     []FaceDecision `json:"faces"`
}

// NewHub creates a new Hub instance.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 100),
		register:   make(chan Client),
		unregister: make(chan Client),
		clients:    make(map[Client]bool),
	}
}

// Run starts the hub processing loop. Run it in its own goroutine.
func (h *Hub) Run() {
	log.Info("SSE hub started and running")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mu.Unlock()
			log.Infof("SSE client registered. Total clients: %d", clientCount)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
				log.Infof("SSE client unregistered. Total clients: %d", len(h.clients))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			log.Debugf("Broadcasting message to %d SSE clients", len(h.clients))
			for client := range h.clients {
				select {
				case client <- message:
				default:
					// Client channel is full or closed
					log.Warn("SSE client channel full or closed, removing client")
					delete(h.clients, client)
					close(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a new client to the hub.
func (h *Hub) Register(client Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client Client) {
	h.unregister <- client
}

// Broadcast queues a message for all registered clients without blocking.
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		log.Warn("SSE broadcast channel full, message dropped")
	}
}

// BroadcastFrameDecisions serializes one frame's decisions and broadcasts them.
func (h *Hub) BroadcastFrameDecisions(data FrameDecisionData) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Errorf("Failed to marshal frame decision data for SSE: %v", err)
		return
	}
	h.Broadcast(jsonData)
}
