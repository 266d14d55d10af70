package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestHubBroadcastsToDeviceClients(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID := int64(7)
		if r.URL.Query().Get("device") == "8" {
			deviceID = 8
		}
		hub.ServeWS(w, r, deviceID)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn7, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial device 7: %v", err)
	}
	defer conn7.Close()
	conn8, _, err := websocket.DefaultDialer.Dial(wsURL+"?device=8", nil)
	if err != nil {
		t.Fatalf("dial device 8: %v", err)
	}
	defer conn8.Close()

	waitFor(t, func() bool { return hub.Count(7) == 1 && hub.Count(8) == 1 })

	hub.Broadcast(7, []byte(`{"type":"stopsComputed"}`))

	_ = conn7.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn7.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != `{"type":"stopsComputed"}` {
		t.Fatalf("unexpected message %s", msg)
	}

	_ = conn8.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := conn8.ReadMessage(); err == nil {
		t.Fatalf("device 8 client should not receive device 7 updates")
	}

	_ = conn7.Close()
	waitFor(t, func() bool { return hub.Count(7) == 0 })
}

func TestHubBroadcastWithoutClients(t *testing.T) {
	hub := NewHub(nil)
	hub.Broadcast(1, []byte("x"))
	if hub.Count(1) != 0 {
		t.Fatalf("expected no clients")
	}
	hub.Close()
}
