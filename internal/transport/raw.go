package transport

import (
	"bufio"
	"net"
	"sync"
	"time"
)

// RawTransport wraps a plain net.Conn (TCP or otherwise). It also backs the
// TLS variant, since *tls.Conn satisfies net.Conn.
type RawTransport struct {
	conn net.Conn
	w    *bufio.Writer
	mu   sync.Mutex
}

// NewRawTransport wraps conn for unencrypted or already-TLS-wrapped use.
func NewRawTransport(conn net.Conn) *RawTransport {
	return &RawTransport{
		conn: conn,
		w:    bufio.NewWriter(conn),
	}
}

func (t *RawTransport) Read(p []byte) (int, error) {
	return t.conn.Read(p)
}

func (t *RawTransport) Write(p []byte) (int, error) {
	return t.w.Write(p)
}

func (t *RawTransport) Flush() error {
	return t.w.Flush()
}

func (t *RawTransport) InstructionBegin() {
	t.mu.Lock()
}

func (t *RawTransport) InstructionEnd() {
	t.mu.Unlock()
}

// Conn returns the underlying net.Conn, e.g. so callers can set read
// deadlines via protocol.Expect.
func (t *RawTransport) Conn() net.Conn {
	return t.conn
}

// SetReadDeadline delegates to the underlying connection, satisfying
// protocol.Deadliner so the handshake can use protocol.Expect directly.
func (t *RawTransport) SetReadDeadline(d time.Time) error {
	return t.conn.SetReadDeadline(d)
}

// Close closes the underlying connection.
func (t *RawTransport) Close() error {
	return t.conn.Close()
}
