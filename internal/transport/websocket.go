package transport

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport adapts a gorilla/websocket connection to the Transport
// interface for browser-origin viewers, framing each Write call as one
// binary websocket message and buffering partial reads across calls.
type WebSocketTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex

	readBuf bytes.Buffer
}

// NewWebSocketTransport wraps an already-upgraded websocket connection.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

func (t *WebSocketTransport) Read(p []byte) (int, error) {
	for t.readBuf.Len() == 0 {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return 0, fmt.Errorf("transport: websocket read: %w", err)
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}
		t.readBuf.Write(data)
	}
	return t.readBuf.Read(p)
}

func (t *WebSocketTransport) Write(p []byte) (int, error) {
	if err := t.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, fmt.Errorf("transport: websocket write: %w", err)
	}
	return len(p), nil
}

// Flush is a no-op: each Write is already a complete websocket message.
func (t *WebSocketTransport) Flush() error {
	return nil
}

func (t *WebSocketTransport) InstructionBegin() {
	t.mu.Lock()
}

func (t *WebSocketTransport) InstructionEnd() {
	t.mu.Unlock()
}

// Close closes the underlying websocket connection.
func (t *WebSocketTransport) Close() error {
	return t.conn.Close()
}

// SetReadDeadline delegates to the underlying websocket connection,
// satisfying protocol.Deadliner.
func (t *WebSocketTransport) SetReadDeadline(d time.Time) error {
	return t.conn.SetReadDeadline(d)
}
