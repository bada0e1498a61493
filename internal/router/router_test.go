package router

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaydesk/relayd/internal/driver"
	"github.com/relaydesk/relayd/internal/protocol"
	"github.com/relaydesk/relayd/internal/session"
)

func startTestRouter(t *testing.T) (net.Listener, *session.Registry) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	registry := session.NewRegistry()
	load := func(name string) (driver.Driver, error) {
		return driver.NewMemDriver(nil), nil
	}
	cfg := DefaultConfig()
	cfg.SelectTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.DisplayWidth, cfg.DisplayHeight = 64, 48

	r := New(registry, load, cfg)
	go r.Serve(ln)
	t.Cleanup(func() { ln.Close() })
	return ln, registry
}

func dialAndHandshake(t *testing.T, addr string, selectArg string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conn.SetDeadline(time.Now().Add(3 * time.Second))

	_, err = conn.Write(protocol.Encode("select", selectArg))
	require.NoError(t, err)

	p := protocol.NewParser()
	expectInstruction(t, conn, p, "args")

	conn.Write(protocol.Encode("size", "64", "48"))
	conn.Write(protocol.Encode("audio", "audio/l16"))
	conn.Write(protocol.Encode("video", ""))
	conn.Write(protocol.Encode("connect"))

	expectInstruction(t, conn, p, "ready")
	return conn
}

func expectInstruction(t *testing.T, conn net.Conn, p *protocol.Parser, wantOpcode string) protocol.Instruction {
	t.Helper()
	buf := make([]byte, 4096)
	for !p.Complete() {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		off := 0
		for off < n {
			consumed, perr := p.Append(buf[off:], n-off)
			require.NoError(t, perr)
			off += consumed
			if p.Complete() || consumed == 0 {
				break
			}
		}
	}
	inst := p.Instruction()
	require.Equal(t, wantOpcode, inst.Opcode)
	p.Reset()
	return inst
}

func TestNewSessionHandshakeAndJoin(t *testing.T) {
	ln, registry := startTestRouter(t)

	conn := dialAndHandshake(t, ln.Addr().String(), "vnc")
	defer conn.Close()

	require.Eventually(t, func() bool { return registry.Count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestJoinExistingSessionByID(t *testing.T) {
	ln, registry := startTestRouter(t)

	owner := dialAndHandshake(t, ln.Addr().String(), "vnc")
	defer owner.Close()

	require.Eventually(t, func() bool { return registry.Count() == 1 }, time.Second, 10*time.Millisecond)

	var sessionID string
	registry.Range(func(id string, _ *session.Session) bool {
		sessionID = id
		return false
	})
	require.NotEmpty(t, sessionID)

	viewer := dialAndHandshake(t, ln.Addr().String(), sessionID)
	defer viewer.Close()

	sess := registry.Retrieve(sessionID)
	require.NotNil(t, sess)
	require.Eventually(t, func() bool { return sess.UserCount() == 2 }, time.Second, 10*time.Millisecond)
}

func TestUnknownSessionIDCloses(t *testing.T) {
	ln, _ := startTestRouter(t)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	conn.Write(protocol.Encode("select", "$does-not-exist"))

	buf := make([]byte, 16)
	_, err = conn.Read(buf)
	require.Error(t, err)
}
