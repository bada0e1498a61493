package display

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaydesk/relayd/internal/protocol"
	"github.com/relaydesk/relayd/internal/transport"
)

// recordingTransport captures every emitted instruction for assertions.
type recordingTransport struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	insn []protocol.Instruction
}

func newRecordingTransport() *recordingTransport { return &recordingTransport{} }

func (r *recordingTransport) Read(p []byte) (int, error) { return 0, transport.ErrReadNotSupported }

func (r *recordingTransport) Write(p []byte) (int, error) {
	r.buf.Write(p)
	return len(p), nil
}

func (r *recordingTransport) Flush() error {
	parser := protocol.NewParser()
	data := r.buf.Bytes()
	off := 0
	for off < len(data) {
		n, err := parser.Append(data[off:], len(data)-off)
		if err != nil || n == 0 {
			break
		}
		off += n
		if parser.Complete() {
			r.insn = append(r.insn, parser.Instruction())
			parser.Reset()
		}
	}
	r.buf.Reset()
	return nil
}

func (r *recordingTransport) InstructionBegin() { r.mu.Lock() }
func (r *recordingTransport) InstructionEnd()   { r.mu.Unlock() }

func (r *recordingTransport) opcodes() []string {
	out := make([]string, len(r.insn))
	for i, in := range r.insn {
		out[i] = in.Opcode
	}
	return out
}

func TestSurfaceCoalescingEmitsSingleBitmap(t *testing.T) {
	out := newRecordingTransport()
	cfg := DefaultConfig()
	s := NewSurface(0, 100, 100, out, nil, cfg)

	s.Rect(0, 0, 10, 10, RGB{R: 255, A: 255})
	s.Rect(5, 5, 10, 10, RGB{R: 255, A: 255})
	require.True(t, s.dirty)

	s.Flush()

	require.False(t, s.dirty)
	imgCount := 0
	for _, in := range r(out) {
		if in == "img" {
			imgCount++
		}
	}
	require.Equal(t, 1, imgCount)
}

func r(out *recordingTransport) []string { return out.opcodes() }

func TestSurfaceHeatMapEscalatesToLossy(t *testing.T) {
	out := newRecordingTransport()
	cfg := DefaultConfig()
	cfg.HeatHighWatermark = 1000 // Hz; trivially exceeded by rapid same-cell updates
	cfg.HeatLowWatermark = 1
	cfg.HeatCooldown = 50 * time.Millisecond
	s := NewSurface(0, 128, 128, out, nil, cfg)

	for i := 0; i < 6; i++ {
		s.Rect(0, 0, 8, 8, RGB{A: 255})
	}
	require.True(t, s.heat.isLossy(0, 0))

	time.Sleep(100 * time.Millisecond)
	s.heat.cooldown(time.Now(), cfg.HeatCooldown)
	require.False(t, s.heat.isLossy(0, 0))
}

func TestSurfaceClipBoundsDrawing(t *testing.T) {
	out := newRecordingTransport()
	s := NewSurface(0, 10, 10, out, nil, DefaultConfig())
	s.Rect(-5, -5, 1000, 1000, RGB{R: 1, A: 255})
	require.True(t, s.dirty)
	require.Equal(t, 0, s.dirtyRect.X)
	require.Equal(t, 0, s.dirtyRect.Y)
	require.Equal(t, 10, s.dirtyRect.Width)
	require.Equal(t, 10, s.dirtyRect.Height)
}

func TestSurfaceResizePreservesOverlap(t *testing.T) {
	out := newRecordingTransport()
	s := NewSurface(0, 4, 4, out, nil, DefaultConfig())
	s.Rect(0, 0, 4, 4, RGB{R: 9, A: 255})
	s.Flush()

	s.Resize(8, 8)
	require.Equal(t, 8, s.width)
	require.Equal(t, 8, s.height)
	require.Equal(t, byte(9), s.pixels[2]) // R channel of pixel (0,0) preserved
}

func TestSurfaceQueueOverflowMerges(t *testing.T) {
	out := newRecordingTransport()
	cfg := DefaultConfig()
	cfg.UpdateQueueDepth = 2
	s := NewSurface(0, 1000, 1000, out, nil, cfg)

	for i := 0; i < 5; i++ {
		s.Rect(i*10, i*10, 5, 5, RGB{A: 255})
		s.FlushDeferred()
	}
	require.LessOrEqual(t, len(s.queue), 2)
}
