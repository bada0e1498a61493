package protocol

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterEncodesInstruction(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteInstruction("size", "0", "1024", "768"))
	require.NoError(t, w.Flush())

	p := NewParser()
	wire := buf.Bytes()
	n, err := p.Append(wire, len(wire))
	require.NoError(t, err)
	require.Equal(t, len(wire), n)
	require.True(t, p.Complete())
	require.Equal(t, "size", p.Instruction().Opcode)
}

func TestWriterLockSerializesMultiInstructionEmission(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Lock()
			defer w.Unlock()
			w.WriteInstruction("rect", "0", "0", "0", "10", "10")
			w.WriteInstruction("cfill", "0", "0", "255", "255", "255", "255")
			w.Flush()
		}()
	}
	wg.Wait()

	p := NewParser()
	wire := buf.Bytes()
	count := 0
	off := 0
	for off < len(wire) {
		n, err := p.Append(wire[off:], len(wire)-off)
		require.NoError(t, err)
		off += n
		if p.Complete() {
			count++
			p.Reset()
		}
		if n == 0 {
			break
		}
	}
	require.Equal(t, 40, count)
}
