package frameloop

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaydesk/relayd/internal/display"
	"github.com/relaydesk/relayd/internal/driver"
	"github.com/relaydesk/relayd/internal/session"
)

func TestFramePacingRespectsMinimumDuration(t *testing.T) {
	var tick int32
	capture := func() ([]byte, int, int, error) {
		n := atomic.AddInt32(&tick, 1)
		return []byte{byte(n), 0, 0, 0xff}, 1, 1, nil
	}
	drv := driver.NewMemDriver(capture)
	sess := session.New(drv, 64, 64, nil, display.DefaultConfig())

	cfg := Config{
		FrameStartTimeout: 50 * time.Millisecond,
		FrameDuration:     20 * time.Millisecond,
		FrameTimeout:      5 * time.Millisecond,
		PollInterval:      1 * time.Millisecond,
	}
	loop := New(sess, cfg)

	done := make(chan struct{})
	start := time.Now()
	go func() {
		loop.Run()
		close(done)
	}()

	time.Sleep(200 * time.Millisecond)
	sess.Shutdown()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after Shutdown")
	}
	require.GreaterOrEqual(t, time.Since(start), cfg.FrameDuration)
}

func TestFrameLoopStopsOnFatalUpstreamError(t *testing.T) {
	capture := func() ([]byte, int, int, error) {
		return nil, 0, 0, errFatalCapture
	}
	drv := driver.NewMemDriver(capture)
	sess := session.New(drv, 64, 64, nil, display.DefaultConfig())

	cfg := Config{
		FrameStartTimeout: 20 * time.Millisecond,
		FrameDuration:     10 * time.Millisecond,
		FrameTimeout:      2 * time.Millisecond,
		PollInterval:      1 * time.Millisecond,
	}
	loop := New(sess, cfg)

	done := make(chan struct{})
	go func() {
		loop.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after fatal upstream error")
	}
	require.Equal(t, session.Stopping, sess.State())
}

type fatalErr struct{}

func (fatalErr) Error() string { return "capture: fatal" }

var errFatalCapture error = fatalErr{}
