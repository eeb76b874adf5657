// Package testutil provides in-test infrastructure shared across packages,
// most notably an in-process websocket hub server for exercising the stream
// manager without a real backend.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// WSHub is an in-process websocket server standing in for the hub telemetry
// backend. Inbound client messages are exposed on Received; Broadcast pushes
// server-to-client messages.
type WSHub struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	accepted int

	received  chan []byte
	connected chan struct{}
}

// NewWSHub starts a websocket server and returns it ready to accept
// connections. It shuts down with the test.
func NewWSHub(t *testing.T) *WSHub {
	t.Helper()
	h := &WSHub{
		t:         t,
		received:  make(chan []byte, 64),
		connected: make(chan struct{}, 16),
	}
	h.server = httptest.NewServer(http.HandlerFunc(h.handle))
	t.Cleanup(h.Close)
	return h
}

// URL returns the ws:// endpoint clients should dial.
func (h *WSHub) URL() string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http")
}

func (h *WSHub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	h.mu.Lock()
	h.conns = append(h.conns, conn)
	h.accepted++
	h.mu.Unlock()

	select {
	case h.connected <- struct{}{}:
	default:
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case h.received <- data:
		default:
		}
	}
}

// WaitForConnection blocks until a client connects or the timeout elapses.
func (h *WSHub) WaitForConnection(timeout time.Duration) bool {
	select {
	case <-h.connected:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Received returns the channel of raw client-to-server messages.
func (h *WSHub) Received() <-chan []byte {
	return h.received
}

// NextReceived waits for the next client message and decodes it into v.
func (h *WSHub) NextReceived(v any, timeout time.Duration) bool {
	h.t.Helper()
	select {
	case data := <-h.received:
		if err := json.Unmarshal(data, v); err != nil {
			h.t.Fatalf("decode client message: %v", err)
		}
		return true
	case <-time.After(timeout):
		return false
	}
}

// Broadcast marshals v and sends it to every connected client.
func (h *WSHub) Broadcast(v any) {
	h.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		h.t.Fatalf("marshal broadcast: %v", err)
	}
	h.BroadcastRaw(data)
}

// BroadcastRaw sends raw bytes to every connected client.
func (h *WSHub) BroadcastRaw(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conn := range h.conns {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
}

// DropClients force-closes every client connection, simulating an
// unintentional network drop.
func (h *WSHub) DropClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conn := range h.conns {
		_ = conn.Close()
	}
	h.conns = nil
}

// ConnectionCount returns how many client connections were ever accepted.
func (h *WSHub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.accepted
}

// Close shuts the server down after dropping all clients.
func (h *WSHub) Close() {
	h.DropClients()
	h.server.Close()
}
