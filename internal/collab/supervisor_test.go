package collab

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/webalive/collab-server/internal/config"
)

func newTestSupervisor(cfg *config.AppConfig) *Supervisor {
	return NewSupervisor(cfg, newTestRegistry(), nil, nil)
}

func Test_NewSocketID_ProducesDistinctNonEmptyValues(t *testing.T) {
	a := newSocketID()
	b := newSocketID()
	if a == "" || b == "" {
		t.Fatalf("expected non-empty socket ids")
	}
	if a == b {
		t.Fatalf("expected distinct socket ids, got two equal values %q", a)
	}
}

func Test_ClientIP_PrefersFirstForwardedForHop(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/collaboration/doc-1", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	r.RemoteAddr = "10.0.0.9:54321"

	if got := clientIP(r); got != "203.0.113.5" {
		t.Fatalf("expected first forwarded hop, got %q", got)
	}
}

func Test_ClientIP_FallsBackToRemoteAddrHost(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/collaboration/doc-1", nil)
	r.RemoteAddr = "198.51.100.7:443"

	if got := clientIP(r); got != "198.51.100.7" {
		t.Fatalf("expected host stripped of port, got %q", got)
	}
}

func Test_CheckOrigin_AllowsEmptyOrigin(t *testing.T) {
	s := newTestSupervisor(&config.AppConfig{})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if !s.CheckOrigin(r) {
		t.Fatalf("expected an empty Origin header to be allowed")
	}
}

func Test_CheckOrigin_WithAllowListRequiresExactMatch(t *testing.T) {
	s := newTestSupervisor(&config.AppConfig{AllowedOrigins: []string{"https://app.example.com"}})

	allowed := httptest.NewRequest(http.MethodGet, "/", nil)
	allowed.Header.Set("Origin", "https://app.example.com")
	if !s.CheckOrigin(allowed) {
		t.Fatalf("expected the exact allow-listed origin to pass")
	}

	rejected := httptest.NewRequest(http.MethodGet, "/", nil)
	rejected.Header.Set("Origin", "https://evil.example.com")
	if s.CheckOrigin(rejected) {
		t.Fatalf("expected an origin outside the allow list to be rejected")
	}
}

func Test_CheckOrigin_WithoutAllowListFallsBackToHostMatch(t *testing.T) {
	s := newTestSupervisor(&config.AppConfig{})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Host = "app.internal"
	r.Header.Set("Origin", "https://app.internal")
	if !s.CheckOrigin(r) {
		t.Fatalf("expected origin matching the request host to pass")
	}

	local := httptest.NewRequest(http.MethodGet, "/", nil)
	local.Header.Set("Origin", "http://localhost:3000")
	if !s.CheckOrigin(local) {
		t.Fatalf("expected localhost origin to pass without an allow list")
	}
}

func Test_Shutdown_ClosesTrackedConnectionsAndReturnsOnceDrained(t *testing.T) {
	s := newTestSupervisor(&config.AppConfig{})
	r := newRoom("doc-1")

	serverConn, clientConn := dialPair(t)
	c := &Connection{Socket: serverConn, SocketID: "s1"}
	r.Connections[c] = struct{}{}
	putRoom(s.registry, r)

	atomic.StoreInt32(&s.active, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Shutdown(ctx)

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := clientConn.ReadMessage(); err == nil {
		t.Fatalf("expected the connection to be closed by shutdown")
	}
}
