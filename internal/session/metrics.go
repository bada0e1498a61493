package session

import "sync"

// StreamMetrics tracks per-user delivery counters, exposed for logging
// only. Grounded on the teacher's mutex-guarded counters + snapshot
// pattern (stream_metrics.go), adapted from encoder bitrate stats to
// instruction delivery counts.
type StreamMetrics struct {
	mu               sync.Mutex
	framesSent       uint64
	bytesSent        uint64
	framesDropped    uint64
	instructionsRx   uint64
	keyframeRequests uint64
}

// MetricsSnapshot is a point-in-time copy of StreamMetrics' counters.
type MetricsSnapshot struct {
	FramesSent       uint64
	BytesSent        uint64
	FramesDropped    uint64
	InstructionsRx   uint64
	KeyframeRequests uint64
}

func (m *StreamMetrics) recordSend(n int) {
	m.mu.Lock()
	m.framesSent++
	m.bytesSent += uint64(n)
	m.mu.Unlock()
}

func (m *StreamMetrics) recordDrop() {
	m.mu.Lock()
	m.framesDropped++
	m.mu.Unlock()
}

func (m *StreamMetrics) recordReceive() {
	m.mu.Lock()
	m.instructionsRx++
	m.mu.Unlock()
}

func (m *StreamMetrics) recordKeyframeRequest() {
	m.mu.Lock()
	m.keyframeRequests++
	m.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (m *StreamMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		FramesSent:       m.framesSent,
		BytesSent:        m.bytesSent,
		FramesDropped:    m.framesDropped,
		InstructionsRx:   m.instructionsRx,
		KeyframeRequests: m.keyframeRequests,
	}
}
