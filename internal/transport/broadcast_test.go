package transport

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu      sync.Mutex
	written [][]byte
	failing bool
}

func (f *fakeTransport) Read(p []byte) (int, error) { return 0, ErrReadNotSupported }

func (f *fakeTransport) Write(p []byte) (int, error) {
	if f.failing {
		return 0, fmt.Errorf("write failed")
	}
	cp := append([]byte(nil), p...)
	f.written = append(f.written, cp)
	return len(p), nil
}

func (f *fakeTransport) Flush() error { return nil }

func (f *fakeTransport) InstructionBegin() { f.mu.Lock() }
func (f *fakeTransport) InstructionEnd()   { f.mu.Unlock() }

type fakeMember struct {
	t        *fakeTransport
	inactive bool
	sent     int
	dropped  int
}

func (m *fakeMember) Transport() Transport { return m.t }
func (m *fakeMember) MarkInactive()        { m.inactive = true }
func (m *fakeMember) RecordSent(n int)     { m.sent += n }
func (m *fakeMember) RecordDropped()       { m.dropped++ }

type fakeUserList struct {
	mu      sync.RWMutex
	members []Member
}

func (l *fakeUserList) RLock()            { l.mu.RLock() }
func (l *fakeUserList) RUnlock()          { l.mu.RUnlock() }
func (l *fakeUserList) Members() []Member { return l.members }

func TestBroadcastFairnessUnderFailure(t *testing.T) {
	a := &fakeMember{t: &fakeTransport{}}
	b := &fakeMember{t: &fakeTransport{failing: true}}
	list := &fakeUserList{members: []Member{a, b}}

	bc := NewBroadcastTransport(list)
	bc.InstructionBegin()
	n, err := bc.Write([]byte("hello"))
	bc.InstructionEnd()

	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Len(t, a.t.written, 1)
	require.Equal(t, "hello", string(a.t.written[0]))
	require.True(t, b.inactive)
	require.False(t, a.inactive)
	require.Equal(t, 5, a.sent)
	require.Equal(t, 1, b.dropped)
}

func TestBroadcastReadUnsupported(t *testing.T) {
	list := &fakeUserList{}
	bc := NewBroadcastTransport(list)
	_, err := bc.Read(make([]byte, 4))
	require.ErrorIs(t, err, ErrReadNotSupported)
}
