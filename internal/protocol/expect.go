package protocol

import (
	"fmt"
	"net"
	"time"
)

// Deadliner is the minimal read-side contract Expect needs: a Read method
// and the ability to set an absolute deadline, satisfied by net.Conn and by
// this repository's Transport implementations.
type Deadliner interface {
	Read(b []byte) (int, error)
	SetReadDeadline(t time.Time) error
}

// Expect reads instructions from conn until a complete instruction is
// parsed, enforcing a single overall deadline, then verifies its opcode
// matches opcode. It returns ErrTimeout if the deadline elapses before a
// complete instruction arrives, and ErrUnexpectedOpcode if the opcode does
// not match.
func Expect(conn Deadliner, timeout time.Duration, opcode string) (Instruction, error) {
	deadline := time.Now().Add(timeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return Instruction{}, fmt.Errorf("protocol: expect: set deadline: %w", err)
	}

	p := NewParser()
	buf := make([]byte, 4096)
	for !p.Complete() {
		n, err := conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				return Instruction{}, fmt.Errorf("protocol: expect %q: %w", opcode, ErrTimeout)
			}
			return Instruction{}, fmt.Errorf("protocol: expect %q: %w", opcode, err)
		}
		off := 0
		for off < n {
			consumed, perr := p.Append(buf[off:], n-off)
			if perr != nil {
				return Instruction{}, perr
			}
			off += consumed
			if p.Complete() {
				break
			}
			if consumed == 0 {
				break
			}
		}
	}

	inst := p.Instruction()
	if inst.Opcode != opcode {
		return inst, fmt.Errorf("protocol: expect: wanted %q, got %q: %w", opcode, inst.Opcode, ErrUnexpectedOpcode)
	}
	return inst, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if e, ok := err.(net.Error); ok {
		netErr = e
		return netErr.Timeout()
	}
	return false
}
