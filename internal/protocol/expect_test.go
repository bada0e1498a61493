package protocol

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExpectMatchesOpcode(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		client.Write(Encode("select", "rdp"))
	}()

	inst, err := Expect(server, time.Second, "select")
	require.NoError(t, err)
	require.Equal(t, []string{"rdp"}, inst.Args)
}

func TestExpectUnexpectedOpcode(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		client.Write(Encode("nop"))
	}()

	_, err := Expect(server, time.Second, "select")
	require.ErrorIs(t, err, ErrUnexpectedOpcode)
}

func TestExpectTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	_, err := Expect(server, 20*time.Millisecond, "select")
	require.ErrorIs(t, err, ErrTimeout)
}
