package protocol

import (
	"fmt"
)

// state is the parser's current position in one instruction's wire bytes.
type state int

const (
	stateStart state = iota
	statePayload
	stateComplete
)

// Parser incrementally decodes one instruction at a time from a byte
// stream via repeated calls to Append. It is reusable across instructions
// via Reset.
type Parser struct {
	st      state
	length  int
	haveLen bool
	field   []byte
	fields  []string
}

// NewParser returns a parser ready to decode the first field of an
// instruction.
func NewParser() *Parser {
	return &Parser{}
}

// Reset clears the parser's state so it can decode a new instruction.
func (p *Parser) Reset() {
	p.st = stateStart
	p.length = 0
	p.haveLen = false
	p.field = p.field[:0]
	p.fields = nil
}

// Complete reports whether a full instruction has been parsed and is ready
// to be retrieved via Instruction.
func (p *Parser) Complete() bool {
	return p.st == stateComplete
}

// Instruction returns the decoded instruction. Valid only when Complete
// returns true.
func (p *Parser) Instruction() Instruction {
	if len(p.fields) == 0 {
		return Instruction{}
	}
	return Instruction{Opcode: p.fields[0], Args: p.fields[1:]}
}

// Append feeds buf[:n] into the parser and returns the number of bytes it
// consumed. Once the parser reaches Complete it consumes no further input
// until Reset is called. A malformed byte sequence returns ErrMalformed.
func (p *Parser) Append(buf []byte, n int) (int, error) {
	consumed := 0
	for consumed < n && p.st != stateComplete {
		c := buf[consumed]
		switch p.st {
		case stateStart:
			switch {
			case c >= '0' && c <= '9':
				p.length = p.length*10 + int(c-'0')
				p.haveLen = true
				consumed++
			case c == '.':
				if !p.haveLen {
					return consumed, fmt.Errorf("protocol: %w: expected digit before '.'", ErrMalformed)
				}
				p.st = statePayload
				p.field = make([]byte, 0, p.length)
				consumed++
			default:
				return consumed, fmt.Errorf("protocol: %w: expected digit or '.', got %q", ErrMalformed, c)
			}

		case statePayload:
			remaining := p.length - len(p.field)
			if remaining > 0 {
				take := remaining
				if avail := n - consumed; take > avail {
					take = avail
				}
				p.field = append(p.field, buf[consumed:consumed+take]...)
				consumed += take
				continue
			}
			switch c {
			case ',':
				p.fields = append(p.fields, string(p.field))
				p.length = 0
				p.haveLen = false
				p.st = stateStart
				consumed++
			case ';':
				p.fields = append(p.fields, string(p.field))
				p.st = stateComplete
				consumed++
			default:
				return consumed, fmt.Errorf("protocol: %w: expected ',' or ';', got %q", ErrMalformed, c)
			}
		}
	}
	return consumed, nil
}
