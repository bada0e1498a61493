package session

import (
	"fmt"
	"strconv"
	"time"

	"github.com/relaydesk/relayd/internal/protocol"
	"github.com/relaydesk/relayd/internal/transport"
)

// defaultImageMimetypes is used when the handshake's optional image step is
// omitted, per the open question in spec §9: later protocol variants added
// an image-capability step that earlier ones lack; this implementation
// treats it as optional with this default.
var defaultImageMimetypes = []string{"image/png", "image/jpeg"}

// Handshake runs the per-viewer handshake against an already-identified
// session (freshly created for a new connection, or looked up for a join):
// it advertises driver args, reads size/audio/video/[image]/connect,
// invokes the driver's Join hook, and — on success — emits "ready" and
// links the viewer into sess's user list. Every step is bounded by
// timeout; any protocol-level failure is reported as ErrHandshakeFailed
// wrapping the more specific cause.
func Handshake(sess *Session, conn transport.DeadlineTransport, timeout time.Duration) (*User, error) {
	writeInstructionTo(conn, "args", sess.Args()...)

	sizeInst, err := protocol.Expect(conn, timeout, "size")
	if err != nil {
		return nil, handshakeErr(err)
	}
	width, height, dpi, err := parseSize(sizeInst)
	if err != nil {
		return nil, handshakeErr(err)
	}

	audioInst, err := protocol.Expect(conn, timeout, "audio")
	if err != nil {
		return nil, handshakeErr(err)
	}
	videoInst, err := protocol.Expect(conn, timeout, "video")
	if err != nil {
		return nil, handshakeErr(err)
	}

	imageMimetypes := defaultImageMimetypes
	next, err := readAny(conn, timeout)
	if err != nil {
		return nil, handshakeErr(err)
	}
	var connectInst protocol.Instruction
	switch next.Opcode {
	case "image":
		imageMimetypes = next.Args
		connectInst, err = protocol.Expect(conn, timeout, "connect")
		if err != nil {
			return nil, handshakeErr(err)
		}
	case "connect":
		connectInst = next
	default:
		return nil, handshakeErr(fmt.Errorf("session: handshake: wanted \"image\" or \"connect\", got %q: %w", next.Opcode, protocol.ErrUnexpectedOpcode))
	}

	u := newUser(sess, conn, false)
	u.width, u.height, u.dpi = width, height, dpi
	u.audioMimetypes = audioInst.Args
	u.videoMimetypes = videoInst.Args
	u.imageMimetypes = imageMimetypes

	if err := sess.drv.Join(sess, u, connectInst.Args); err != nil {
		return nil, fmt.Errorf("session: handshake: %w", err)
	}

	writeInstructionTo(conn, "ready", sess.id)
	sess.addUser(u)
	return u, nil
}

func handshakeErr(err error) error {
	return fmt.Errorf("session: handshake: %w: %w", protocol.ErrHandshakeFailed, err)
}

func parseSize(inst protocol.Instruction) (w, h, dpi int, err error) {
	if len(inst.Args) < 2 || len(inst.Args) > 3 {
		return 0, 0, 0, fmt.Errorf("session: handshake: size: %w: expected 2 or 3 arguments, got %d", protocol.ErrMalformed, len(inst.Args))
	}
	w, err = strconv.Atoi(inst.Args[0])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("session: handshake: size: %w: width %q", protocol.ErrMalformed, inst.Args[0])
	}
	h, err = strconv.Atoi(inst.Args[1])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("session: handshake: size: %w: height %q", protocol.ErrMalformed, inst.Args[1])
	}
	if len(inst.Args) == 3 {
		dpi, err = strconv.Atoi(inst.Args[2])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("session: handshake: size: %w: dpi %q", protocol.ErrMalformed, inst.Args[2])
		}
	}
	return w, h, dpi, nil
}

// readAny reads one complete instruction without checking its opcode,
// used where the handshake must branch on which of two opcodes arrives.
func readAny(conn transport.DeadlineTransport, timeout time.Duration) (protocol.Instruction, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return protocol.Instruction{}, fmt.Errorf("session: handshake: set deadline: %w", err)
	}
	p := protocol.NewParser()
	buf := make([]byte, 4096)
	for !p.Complete() {
		n, err := conn.Read(buf)
		if err != nil {
			return protocol.Instruction{}, fmt.Errorf("session: handshake: %w", protocol.ErrTimeout)
		}
		off := 0
		for off < n {
			consumed, perr := p.Append(buf[off:], n-off)
			if perr != nil {
				return protocol.Instruction{}, perr
			}
			off += consumed
			if p.Complete() || consumed == 0 {
				break
			}
		}
	}
	return p.Instruction(), nil
}

func writeInstructionTo(conn transport.Transport, opcode string, args ...string) {
	conn.InstructionBegin()
	conn.Write(protocol.Encode(opcode, args...))
	conn.Flush()
	conn.InstructionEnd()
}
