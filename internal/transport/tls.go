package transport

import (
	"crypto/tls"
	"fmt"
	"net"
)

// NewTLSServerTransport wraps conn in a server-side TLS handshake using cfg
// and returns a RawTransport backed by the resulting *tls.Conn. The
// handshake is performed eagerly so failures surface to the router
// immediately instead of on first read.
func NewTLSServerTransport(conn net.Conn, cfg *tls.Config) (*RawTransport, error) {
	tlsConn := tls.Server(conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("transport: tls handshake: %w", err)
	}
	return NewRawTransport(tlsConn), nil
}
