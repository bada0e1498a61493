// Package tlsconfig loads the server-side certificate pair for the
// daemon's `-C`/`-K` flags, adapted from the teacher's client-side mTLS
// cert loader to a server listener's needs.
package tlsconfig

import (
	"crypto/tls"
	"fmt"
)

// Load parses a PEM certificate and key from disk and returns a
// server-side tls.Config. Both paths must be non-empty or both empty;
// callers should check that pairing before calling Load (see
// config.ValidateTiered).
func Load(certPath, keyPath string) (*tls.Config, error) {
	if certPath == "" && keyPath == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
