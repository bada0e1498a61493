// Package router implements the accept loop and session router (component
// J): it terminates each inbound connection's transport (raw, TLS, or
// websocket), reads the viewer's "select" instruction, and either creates a
// fresh session from a named driver or joins an existing one looked up by
// id, then hands the connection to the per-user read loop for the
// remainder of its life.
package router

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/relaydesk/relayd/internal/display"
	"github.com/relaydesk/relayd/internal/driver"
	"github.com/relaydesk/relayd/internal/logging"
	"github.com/relaydesk/relayd/internal/protocol"
	"github.com/relaydesk/relayd/internal/session"
	"github.com/relaydesk/relayd/internal/transport"
)

var log = logging.L("router")

// Loader constructs a fresh driver for a named protocol. It returns a
// non-nil error if name is not recognized, and the router then closes the
// connection.
type Loader func(name string) (driver.Driver, error)

// Config bounds the router's timeouts and the display it allocates for new
// sessions.
type Config struct {
	SelectTimeout    time.Duration
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration

	DisplayWidth  int
	DisplayHeight int
	Encoder       display.Encoder
	DisplayConfig display.Config
}

// DefaultConfig returns the timeouts used when none are configured.
func DefaultConfig() Config {
	return Config{
		SelectTimeout:    15 * time.Second,
		HandshakeTimeout: 15 * time.Second,
		IdleTimeout:      2 * time.Minute,
		DisplayWidth:     1280,
		DisplayHeight:    800,
		DisplayConfig:    display.DefaultConfig(),
	}
}

// Router owns the session registry and drives new connections into it.
type Router struct {
	cfg      Config
	registry *session.Registry
	load     Loader
}

// New returns a router backed by registry, using load to construct drivers
// for protocol names presented in a "select" instruction that is not a
// session id.
func New(registry *session.Registry, load Loader, cfg Config) *Router {
	return &Router{cfg: cfg, registry: registry, load: load}
}

// Serve accepts connections from ln until it returns an error (typically
// because ln was closed during shutdown).
func (r *Router) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("router: accept: %w", err)
		}
		go r.handleConn(transport.NewRawTransport(conn))
	}
}

// ServeTLS is like Serve but wraps each accepted connection in a TLS server
// handshake before routing it.
func (r *Router) ServeTLS(ln net.Listener, wrap func(net.Conn) (transport.DeadlineTransport, error)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("router: accept: %w", err)
		}
		t, err := wrap(conn)
		if err != nil {
			log.Warn("tls handshake failed", "remote", conn.RemoteAddr(), "err", err)
			conn.Close()
			continue
		}
		go r.handleConn(t)
	}
}

// HandleWebSocket routes one already-upgraded websocket connection, for use
// from an http.Handler.
func (r *Router) HandleWebSocket(t transport.DeadlineTransport) {
	r.handleConn(t)
}

type closer interface {
	Close() error
}

func (r *Router) handleConn(t transport.DeadlineTransport) {
	inst, err := protocol.Expect(t, r.cfg.SelectTimeout, "select")
	if err != nil {
		log.Warn("select handshake failed", "err", err)
		closeTransport(t)
		return
	}
	if len(inst.Args) != 1 {
		log.Warn("malformed select instruction", "argc", len(inst.Args))
		closeTransport(t)
		return
	}
	identifier := inst.Args[0]

	var sess *session.Session
	isNew := false
	if strings.HasPrefix(identifier, "$") {
		sess = r.registry.Retrieve(identifier)
		if sess == nil {
			log.Warn("select: unknown session id", "id", identifier)
			closeTransport(t)
			return
		}
	} else {
		drv, err := r.load(identifier)
		if err != nil {
			log.Warn("select: unknown protocol", "name", identifier, "err", err)
			closeTransport(t)
			return
		}
		sess = session.New(drv, r.cfg.DisplayWidth, r.cfg.DisplayHeight, r.cfg.Encoder, r.cfg.DisplayConfig)
		isNew = true
	}

	user, err := session.Handshake(sess, t, r.cfg.HandshakeTimeout)
	if err != nil {
		log.Warn("handshake failed", "session", sess.ID(), "err", err)
		closeTransport(t)
		return
	}

	if isNew {
		if err := r.registry.Add(sess); err != nil {
			log.Error("session id collision, dropping connection", "session", sess.ID(), "err", err)
			closeTransport(t)
			return
		}
	}

	sess.Display().Dup(t)

	log.Info("viewer joined", "session", sess.ID(), "user", user.ID(), "owner", user.Owner(), "new_session", isNew)
	r.runUser(sess, user, t)
}

// runUser is the per-connection read loop: it decodes instructions from t
// until the user is stopped or the connection errors, dispatching each to
// the session's driver, then unlinks the user and reaps the session from
// the registry once its last user has left.
func (r *Router) runUser(sess *session.Session, u *session.User, t transport.DeadlineTransport) {
	defer func() {
		sess.RemoveUser(u)
		closeTransport(t)
		if sess.UserCount() == 0 {
			r.registry.Remove(sess.ID())
			log.Info("session ended", "session", sess.ID())
		}
	}()

	p := protocol.NewParser()
	buf := make([]byte, 4096)
	for u.Active() {
		if err := t.SetReadDeadline(time.Now().Add(r.cfg.IdleTimeout)); err != nil {
			return
		}
		n, err := t.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				u.Abort(protocol.StatusClientTimeout, "client-timeout")
			}
			return
		}
		off := 0
		for off < n {
			consumed, perr := p.Append(buf[off:], n-off)
			if perr != nil {
				log.Warn("malformed instruction from viewer", "user", u.ID(), "err", perr)
				return
			}
			off += consumed
			if p.Complete() {
				u.Dispatch(sess.Driver(), p.Instruction())
				p.Reset()
			}
			if consumed == 0 {
				break
			}
		}
	}
}

func closeTransport(t interface{}) {
	if c, ok := t.(closer); ok {
		c.Close()
	}
}
