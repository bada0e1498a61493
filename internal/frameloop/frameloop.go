// Package frameloop implements the bounded-latency frame pacing loop
// (component K): one dedicated goroutine per session that drains the
// upstream driver, lets the display coalesce what it produced, and paces
// emission against the slowest viewer's reported processing lag.
package frameloop

import (
	"time"

	"github.com/relaydesk/relayd/internal/logging"
	"github.com/relaydesk/relayd/internal/session"
)

var log = logging.L("frameloop")

// Config holds the loop's timing constants. Zero fields fall back to
// DefaultConfig's values via New.
type Config struct {
	// FrameStartTimeout bounds how long the loop waits for the first
	// upstream event of a frame before re-checking session state.
	FrameStartTimeout time.Duration
	// FrameDuration is the target length of one frame.
	FrameDuration time.Duration
	// FrameTimeout bounds how long the inner loop waits for additional
	// upstream events once a frame has started.
	FrameTimeout time.Duration
	// PollInterval is how often HandleMessages is polled while waiting for
	// the first event of a frame.
	PollInterval time.Duration
}

// DefaultConfig matches the constants named in §4.K.
func DefaultConfig() Config {
	return Config{
		FrameStartTimeout: 250 * time.Millisecond,
		FrameDuration:     40 * time.Millisecond,
		FrameTimeout:      12 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FrameStartTimeout <= 0 {
		c.FrameStartTimeout = d.FrameStartTimeout
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = d.FrameDuration
	}
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = d.FrameTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

// Loop paces one session's upstream driver against its viewers'
// processing-lag feedback.
type Loop struct {
	sess *session.Session
	cfg  Config
}

// New returns a loop for sess using cfg (zero fields take their default).
func New(sess *session.Session, cfg Config) *Loop {
	return &Loop{sess: sess, cfg: cfg.withDefaults()}
}

// Run drives frames until the session stops (either cooperatively, via
// State() becoming Stopping, or because the driver reported a fatal
// upstream error). It blocks the calling goroutine for the session's
// entire lifetime, per the one-frame-loop-goroutine-per-session model.
func (l *Loop) Run() {
	lastFrameEnd := time.Now()
	for l.sess.State() == session.Running {
		hadEvent, fatal := l.waitForEvent()
		if fatal {
			log.Warn("upstream reported fatal error, shutting down session", "session", l.sess.ID())
			l.sess.Shutdown()
			return
		}
		if !hadEvent {
			continue
		}

		frameStart := time.Now()
		processingLag := l.sess.ProcessingLag()

	inner:
		for {
			n, err := l.sess.HandleMessages()
			if err != nil || n < 0 {
				log.Warn("upstream reported fatal error mid-frame, shutting down session", "session", l.sess.ID(), "err", err)
				l.sess.Display().Flush()
				l.sess.Shutdown()
				return
			}

			frameRemaining := frameStart.Add(l.cfg.FrameDuration).Sub(time.Now())
			requiredWait := processingLag - time.Since(lastFrameEnd)

			switch {
			case requiredWait > l.cfg.FrameTimeout:
				time.Sleep(requiredWait)
			case frameRemaining > 0:
				time.Sleep(l.cfg.FrameTimeout)
			default:
				break inner
			}
		}

		l.sess.Display().Flush()
		l.sess.EndFrame()
		l.sess.ReapInactive()
		lastFrameEnd = time.Now()
	}
}

// waitForEvent polls HandleMessages until it reports work done, a fatal
// error, or FrameStartTimeout elapses with nothing to do.
func (l *Loop) waitForEvent() (hadEvent, fatal bool) {
	deadline := time.Now().Add(l.cfg.FrameStartTimeout)
	for time.Now().Before(deadline) {
		if l.sess.State() != session.Running {
			return false, false
		}
		n, err := l.sess.HandleMessages()
		if err != nil || n < 0 {
			return false, true
		}
		if n > 0 {
			return true, false
		}
		time.Sleep(l.cfg.PollInterval)
	}
	return false, false
}
