package signaling

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// echoServer records the Authorization header of each connection and echoes
// every text message back.
type echoServer struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	auth  []string
	conns []*websocket.Conn
}

func (s *echoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

func (s *echoServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

func (s *echoServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.auth)
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWSClient_SendsAuthorizationAndEchoes(t *testing.T) {
	srv := &echoServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	got := make(chan []byte, 1)
	c := NewWSClient(WSConfig{URL: wsURL(ts), Authorization: "Token abc"}, func(b []byte) { got <- b })
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitUntil(t, c.Connected, "connection")
	if err := c.Send(ctx, []byte(`{"type":"call_status","status":"ringing"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case b := <-got:
		if !strings.Contains(string(b), "ringing") {
			t.Fatalf("echo=%s", b)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no echo")
	}

	srv.mu.Lock()
	auth := srv.auth[0]
	srv.mu.Unlock()
	if auth != "Token abc" {
		t.Fatalf("Authorization=%q, want %q", auth, "Token abc")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after Close")
	}
}

func TestWSClient_SendBeforeConnect(t *testing.T) {
	c := NewWSClient(WSConfig{URL: "ws://127.0.0.1:1"}, nil)
	if err := c.Send(t.Context(), []byte(`{}`)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err=%v, want %v", err, ErrNotConnected)
	}
	if c.Connected() {
		t.Fatalf("Connected()=true before Run")
	}
}

func TestWSClient_ReconnectsAfterDrop(t *testing.T) {
	srv := &echoServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	var mu sync.Mutex
	connects := 0
	c := NewWSClient(WSConfig{
		URL: wsURL(ts),
		OnConnect: func() {
			mu.Lock()
			connects++
			mu.Unlock()
		},
	}, nil)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() { _ = c.Run(ctx) }()
	defer c.Close()

	waitUntil(t, c.Connected, "first connection")
	srv.dropAll()
	waitUntil(t, func() bool { return srv.connections() >= 2 && c.Connected() }, "reconnection")

	mu.Lock()
	defer mu.Unlock()
	if connects < 2 {
		t.Fatalf("OnConnect calls=%d, want >= 2", connects)
	}
}

func TestWSClient_RunStopsOnContextCancel(t *testing.T) {
	c := NewWSClient(WSConfig{URL: "ws://127.0.0.1:1", ReconnectMax: 50 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run err=%v, want %v", err, context.Canceled)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop")
	}
}
