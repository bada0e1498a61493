package transport

import "sync"

// Member is one fan-out target of a BroadcastTransport: a connected user's
// own transport, a way to flag it dead, and a way to record delivery
// outcomes, without the broadcast itself knowing anything about sessions or
// users.
type Member interface {
	Transport() Transport
	MarkInactive()

	// RecordSent counts a successful fan-out write of n bytes to this
	// member.
	RecordSent(n int)

	// RecordDropped counts a failed fan-out write to this member.
	RecordDropped()
}

// UserList is the read side of a session's user collection, as needed by
// the broadcast fan-out. Session (internal/session) implements this.
// RLock/RUnlock bracket one broadcast operation so the user list cannot be
// mutated mid-fan-out, matching the reader/writer lock policy in §5.
type UserList interface {
	RLock()
	RUnlock()
	Members() []Member
}

// BroadcastTransport is a virtual socket with no payload buffer of its own:
// every operation multiplexes onto a session's current list of users under
// its read-lock. Read is unsupported. A per-user write failure marks that
// user inactive (so the session reaps it) but never fails the broadcast as
// a whole — the broadcast always reports success for the requested byte
// count.
type BroadcastTransport struct {
	users UserList

	// mu serializes whole broadcast instructions, from InstructionBegin to
	// InstructionEnd, so concurrent emitters never share locked.
	mu sync.Mutex

	// locked holds the members whose InstructionBegin has been called,
	// populated by InstructionBegin and drained by InstructionEnd.
	locked []Member
}

// NewBroadcastTransport returns a broadcast transport that fans out to
// users's current members.
func NewBroadcastTransport(users UserList) *BroadcastTransport {
	return &BroadcastTransport{users: users}
}

func (b *BroadcastTransport) Read(p []byte) (int, error) {
	return 0, ErrReadNotSupported
}

// Write fans buf out to every locked member (InstructionBegin must have
// been called first) and returns len(buf) regardless of per-member
// failures; failing members are marked inactive and counted as dropped,
// successful members have the written byte count recorded against them.
func (b *BroadcastTransport) Write(p []byte) (int, error) {
	for _, m := range b.locked {
		n, err := m.Transport().Write(p)
		if err != nil {
			m.RecordDropped()
			m.MarkInactive()
			continue
		}
		m.RecordSent(n)
	}
	return len(p), nil
}

// Flush flushes every locked member, marking write failures inactive and
// dropped.
func (b *BroadcastTransport) Flush() error {
	for _, m := range b.locked {
		if err := m.Transport().Flush(); err != nil {
			m.RecordDropped()
			m.MarkInactive()
		}
	}
	return nil
}

// InstructionBegin takes the session's user-list read-lock, then acquires
// every current member's own instruction lock in list order, holding both
// until InstructionEnd. This is what guarantees a broadcast instruction is
// never interleaved with a per-user direct write on the same socket.
func (b *BroadcastTransport) InstructionBegin() {
	b.mu.Lock()
	b.users.RLock()
	b.locked = b.users.Members()
	for _, m := range b.locked {
		m.Transport().InstructionBegin()
	}
}

// InstructionEnd releases every member lock acquired by InstructionBegin,
// in the same order, then releases the user-list read-lock.
func (b *BroadcastTransport) InstructionEnd() {
	for _, m := range b.locked {
		m.Transport().InstructionEnd()
	}
	b.locked = nil
	b.users.RUnlock()
	b.mu.Unlock()
}
