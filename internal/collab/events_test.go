package collab

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webalive/collab-server/internal/ratelimit"
	"github.com/webalive/collab-server/internal/sessiongate"
)

func Test_BroadcastToUser_DeliversToEveryRegisteredSocket(t *testing.T) {
	h := NewEventHub(nil, nil, nil, nil)

	serverConn, clientConn := dialPair(t)
	uc := h.register("user-1", serverConn)
	defer h.unregister("user-1", uc, serverConn)

	h.BroadcastToUser("user-1", "document.converted", map[string]string{"newDocId": "doc-2"})

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}

	var msg eventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "document.converted" {
		t.Fatalf("unexpected event type: %q", msg.Type)
	}
	var payload map[string]string
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["newDocId"] != "doc-2" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func Test_BroadcastToUser_SilentlyDropsUnknownUser(t *testing.T) {
	h := NewEventHub(nil, nil, nil, nil)
	h.BroadcastToUser("nobody-home", "document.converted", map[string]string{"newDocId": "doc-2"})
}

func Test_UnregisterRemovesEmptyUserEntry(t *testing.T) {
	h := NewEventHub(nil, nil, nil, nil)

	serverConn, _ := dialPair(t)
	uc := h.register("user-1", serverConn)
	h.unregister("user-1", uc, serverConn)

	if _, ok := h.byUser.Load("user-1"); ok {
		t.Fatalf("expected the user entry to be removed once its last connection drops")
	}
}

func Test_RegisterTracksMultipleConnectionsForSameUser(t *testing.T) {
	h := NewEventHub(nil, nil, nil, nil)

	firstServer, _ := dialPair(t)
	secondServer, _ := dialPair(t)

	uc1 := h.register("user-1", firstServer)
	uc2 := h.register("user-1", secondServer)
	if uc1 != uc2 {
		t.Fatalf("expected the same userConns instance for repeated registrations")
	}

	uc1.mu.Lock()
	count := len(uc1.conns)
	uc1.mu.Unlock()
	if count != 2 {
		t.Fatalf("expected 2 tracked connections, got %d", count)
	}
}

func Test_HandleUpgrade_RejectsWhenConnectionRateLimited(t *testing.T) {
	conns := ratelimit.NewConnLimiter(1, time.Minute)
	t.Cleanup(conns.Stop)
	sessions := sessiongate.New(nil, "session_token", time.Minute, time.Minute)
	h := NewEventHub(sessions, func(*http.Request) bool { return true }, conns, ratelimit.NewMessageLimiter(100, time.Minute, 100))

	ts := httptest.NewServer(http.HandlerFunc(h.HandleUpgrade))
	t.Cleanup(ts.Close)

	first, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	first.Body.Close()

	second, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	defer second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected %d once the connection limit is exceeded, got %d", http.StatusTooManyRequests, second.StatusCode)
	}
}

func Test_ReadLoop_ClosesSocketAfterRepeatedRateLimitViolations(t *testing.T) {
	h := &EventHub{messages: ratelimit.NewMessageLimiter(1, time.Minute, 1)}

	serverConn, clientConn := dialPair(t)
	done := make(chan struct{})
	go func() {
		h.readLoop(serverConn, "socket-1")
		close(done)
	}()

	for i := 0; i < 3; i++ {
		if err := clientConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the read loop to close the socket after exceeding the violation limit")
	}
}
