package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Event is the wire envelope pushed to every open connection. Clients
// filter on payload.campaign_id; the hub itself does not route by campaign.
type Event struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// Broadcast event types.
const (
	evTurnChange         = "turn_change"
	evTurnEnded          = "turn_ended"
	evTurnBasedChanged   = "turn_based_changed"
	evParticipantJoined  = "participant_joined"
	evParticipantAdded   = "participant_added"
	evParticipantRemoved = "participant_removed"
	evItemRewarded       = "item_rewarded"
	evCurrencyRewarded   = "currency_rewarded"
	evNPCAction          = "npc_action"
)

type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *subscriber) writeJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// Hub fans state-change events out to every connected client. Delivery is
// at-most-once per open connection: a client that misses an event catches
// up via the authoritative GET endpoints.
type Hub struct {
	mu          sync.Mutex
	subscribers map[*subscriber]bool
}

func newHub() *Hub {
	return &Hub{subscribers: map[*subscriber]bool{}}
}

func (h *Hub) subscribe(s *subscriber) {
	h.mu.Lock()
	h.subscribers[s] = true
	h.mu.Unlock()
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	delete(h.subscribers, s)
	h.mu.Unlock()
	s.conn.Close()
}

func (h *Hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// broadcast sends the event to all current subscribers. Connections that
// fail the write are dropped; there is no retry or backlog.
func (h *Hub) broadcast(eventType string, payload map[string]interface{}) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	ev := Event{Type: eventType, Payload: payload}
	for _, s := range subs {
		if err := s.writeJSON(ev); err != nil {
			log.Printf("broadcast: dropping subscriber: %v", err)
			h.unsubscribe(s)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect cross-origin from the app frontend.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS godoc
// @Summary Subscribe to realtime events
// @Description Upgrade to a websocket and receive all campaign events. Filter client-side by payload.campaign_id.
// @Tags Realtime
// @Success 101 {string} string "Switching Protocols"
// @Router /ws [get]
func handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	s := &subscriber{conn: conn}
	hub.subscribe(s)

	// Drain (and ignore) client frames until the connection closes so
	// ping/pong and close handshakes work.
	go func() {
		defer hub.unsubscribe(s)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// marshalPayload round-trips a struct into the loose map the Event envelope
// carries.
func marshalPayload(v interface{}) map[string]interface{} {
	raw, _ := json.Marshal(v)
	var m map[string]interface{}
	json.Unmarshal(raw, &m)
	return m
}
