package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialTestWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	n0 := hub.count()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	// Drain this subscriber from the hub before the next test captures its
	// baseline count; unsubscription happens asynchronously on the server.
	t.Cleanup(func() {
		conn.Close()
		deadline := time.Now().Add(2 * time.Second)
		for hub.count() > n0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
	})
	return conn
}

func waitForSubscribers(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.count() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers, have %d", n, hub.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubBroadcastFanOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(handleWS))
	defer srv.Close()

	before := hub.count()
	conn1 := dialTestWS(t, srv)
	conn2 := dialTestWS(t, srv)
	waitForSubscribers(t, before+2)

	hub.broadcast(evTurnChange, map[string]interface{}{
		"campaign_id": 1, "participant_id": 11,
	})

	for i, conn := range []*websocket.Conn{conn1, conn2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("subscriber %d read: %v", i+1, err)
		}
		if ev.Type != evTurnChange {
			t.Errorf("subscriber %d: expected %q event, got %q", i+1, evTurnChange, ev.Type)
		}
		if ev.Payload["campaign_id"] != float64(1) {
			t.Errorf("subscriber %d: unexpected payload %v", i+1, ev.Payload)
		}
	}
}

func TestHubDropsClosedSubscribers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(handleWS))
	defer srv.Close()

	before := hub.count()
	conn := dialTestWS(t, srv)
	waitForSubscribers(t, before+1)

	conn.Close()
	waitForSubscribers(t, before)

	// Broadcasting into an empty (or smaller) hub must not panic or block.
	hub.broadcast(evTurnEnded, map[string]interface{}{"campaign_id": 1})
}
