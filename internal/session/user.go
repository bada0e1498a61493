package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relaydesk/relayd/internal/driver"
	"github.com/relaydesk/relayd/internal/idpool"
	"github.com/relaydesk/relayd/internal/protocol"
	"github.com/relaydesk/relayd/internal/transport"
	"github.com/relaydesk/relayd/internal/videoegress"
)

// MaxStreams and MaxObjects bound each user's stream/object tables;
// allocation past the table size fails with ErrResource rather than
// growing, matching the reference implementation's fixed-size tables.
const (
	MaxStreams = 64
	MaxObjects = 64
)

// Handlers are optional per-user callbacks invoked by the input loop as it
// dispatches decoded instructions to the driver. A nil handler is skipped;
// opcodes the driver observes (mouse, key, size, clipboard, pipe, file) are
// still delivered to the driver's Input.
type Handlers struct {
	OnMouse      func(u *User, x, y, buttonMask int)
	OnKey        func(u *User, keysym int, pressed bool)
	OnSize       func(u *User, w, h, dpi int)
	OnClipboard  func(u *User, mimetype string, data []byte)
	OnPipe       func(u *User, name, mimetype string)
	OnFile       func(u *User, name, mimetype string)
	OnAck        func(u *User, streamID int32, message string, status int)
	OnBlob       func(u *User, streamID int32, data []byte)
	OnEnd        func(u *User, streamID int32)
	OnLeave      func(u *User)
}

// slotTable is a fixed-size table of stream or object handles with its own
// small id pool. A closed slot is represented by the pool simply not
// having handed that index out; AllocStream returns ErrResource once Max
// outstanding ids are in use.
type slotTable struct {
	mu   sync.Mutex
	pool *idpool.Pool
	max  int
	open map[uint32]bool
}

func newSlotTable(max int) *slotTable {
	return &slotTable{pool: idpool.New(), max: max, open: make(map[uint32]bool)}
}

func (t *slotTable) alloc() (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(t.pool.Active()) >= t.max {
		return 0, fmt.Errorf("session: %w: slot table full", protocol.ErrResource)
	}
	id := t.pool.Next()
	t.open[id] = true
	return id, nil
}

func (t *slotTable) free(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open[id] {
		delete(t.open, id)
		t.pool.Free(id)
	}
}

// User is one connected viewer: its socket, identity, negotiated
// capabilities, and per-user stream/object tables. A User holds only a
// non-owning reference to its Session, breaking the session↔user↔stream
// pointer cycle of the reference implementation.
type User struct {
	id    string
	owner bool
	sess  *Session

	conn transport.Transport

	active atomic.Bool

	width, height, dpi int
	audioMimetypes     []string
	videoMimetypes     []string
	imageMimetypes     []string

	streams *slotTable
	objects *slotTable

	mu                sync.Mutex
	lastReceived      time.Time
	lastSent          time.Time
	lastFrameDuration time.Duration
	processingLag     time.Duration

	Metrics StreamMetrics

	Handlers Handlers

	videoMu  sync.Mutex
	videoLeg *videoegress.Leg
}

// newUser constructs a User bound to sess. owner is true for the viewer
// whose connect instruction created the session.
func newUser(sess *Session, conn transport.Transport, owner bool) *User {
	id := "@" + uuid.NewString()
	u := &User{
		id:      id,
		owner:   owner,
		sess:    sess,
		conn:    conn,
		streams: newSlotTable(MaxStreams),
		objects: newSlotTable(MaxObjects),
	}
	u.active.Store(true)
	return u
}

// ID returns the user's @-prefixed identifier.
func (u *User) ID() string { return u.id }

// Owner reports whether this user created the session.
func (u *User) Owner() bool { return u.owner }

// Active reports whether the user's input loop should keep running.
func (u *User) Active() bool { return u.active.Load() }

// Transport returns the user's underlying wire transport. Satisfies
// transport.Member for broadcast fan-out.
func (u *User) Transport() transport.Transport { return u.conn }

// MarkInactive flags the user for removal by its session without blocking
// on any lock the caller (typically a broadcast fan-out) may be holding.
// Satisfies transport.Member.
func (u *User) MarkInactive() { u.active.Store(false) }

// RecordSent counts a successful broadcast write of n bytes to this user.
// Satisfies transport.Member.
func (u *User) RecordSent(n int) { u.Metrics.recordSend(n) }

// RecordDropped counts a failed broadcast write to this user. Satisfies
// transport.Member.
func (u *User) RecordDropped() { u.Metrics.recordDrop() }

// Stop deactivates the user, ending its input loop at the next check.
func (u *User) Stop() {
	u.active.Store(false)
}

// Abort logs, emits a protocol-level error instruction, flushes, and stops
// the user.
func (u *User) Abort(status int, msg string) {
	log.Warn("aborting user", "user", u.id, "status", status, "msg", msg)
	u.writeInstruction("error", msg, fmt.Sprintf("%d", status))
	u.conn.Flush()
	u.Stop()
}

// SupportsWebP reports whether the user advertised image/webp support.
func (u *User) SupportsWebP() bool {
	for _, m := range u.imageMimetypes {
		if m == "image/webp" {
			return true
		}
	}
	return false
}

// AllocStream allocates a stream slot and returns its wire id, which is
// index*2 (even) to reserve odd numbers for client-originated streams.
func (u *User) AllocStream() (int32, error) {
	idx, err := u.streams.alloc()
	if err != nil {
		return -1, err
	}
	return int32(idx) * 2, nil
}

// FreeStream releases a stream wire id back to the pool.
func (u *User) FreeStream(wireID int32) {
	u.streams.free(uint32(wireID / 2))
}

// AllocObject allocates an object handle, returning its raw index.
func (u *User) AllocObject() (int32, error) {
	idx, err := u.objects.alloc()
	if err != nil {
		return -1, err
	}
	return int32(idx), nil
}

// FreeObject releases an object handle back to the pool.
func (u *User) FreeObject(id int32) {
	u.objects.free(uint32(id))
}

// touchReceived records a received instruction's timestamp and counts it
// in Metrics.
func (u *User) touchReceived() {
	u.mu.Lock()
	u.lastReceived = time.Now()
	u.mu.Unlock()
	u.Metrics.recordReceive()
}

// observeSync updates processing_lag and last_frame_duration from a
// viewer's sync acknowledgement, measured against the server's own sync
// timestamp for the same frame.
func (u *User) observeSync(serverSentAt time.Time) {
	now := time.Now()
	u.mu.Lock()
	u.lastFrameDuration = now.Sub(u.lastSent)
	u.processingLag = now.Sub(serverSentAt)
	u.lastSent = now
	u.mu.Unlock()
}

// ProcessingLag returns this user's current processing-lag estimate.
func (u *User) ProcessingLag() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.processingLag
}

// writeInstruction sends one opcode directly to this user's own transport
// (as opposed to the session's broadcast fan-out), recording the outcome
// against the same counters a broadcast write would update.
func (u *User) writeInstruction(opcode string, args ...string) {
	u.conn.InstructionBegin()
	n, err := u.conn.Write(protocol.Encode(opcode, args...))
	u.conn.InstructionEnd()
	if err != nil {
		u.Metrics.recordDrop()
		return
	}
	u.Metrics.recordSend(n)
}

// ObserveSync records a viewer's "sync" acknowledgement of a server
// timestamp, updating processing-lag for the frame loop's pacing decisions.
func (u *User) ObserveSync(serverSentAt time.Time) {
	u.observeSync(serverSentAt)
}

// Dispatch decodes and routes one viewer-originated instruction: "sync"
// updates processing-lag bookkeeping directly, "webrtc-offer" negotiates
// this viewer's video egress leg, everything else is handed to
// dispatchInput for driver/handler delivery. Exported for the router's
// per-connection read loop.
func (u *User) Dispatch(d driver.Driver, inst protocol.Instruction) {
	u.touchReceived()
	switch inst.Opcode {
	case "sync":
		if len(inst.Args) == 1 {
			if ms, err := parseInt64(inst.Args[0]); err == nil {
				u.observeSync(time.UnixMilli(ms))
			}
		}
		return
	case "webrtc-offer":
		if len(inst.Args) == 1 {
			u.negotiateVideoLeg(inst.Args[0])
		}
		return
	}
	dispatchInput(u, d, inst)
}

// SupportsWebRTCVideo reports whether the viewer advertised
// "video/webrtc+h264" during handshake.
func (u *User) SupportsWebRTCVideo() bool {
	for _, m := range u.videoMimetypes {
		if m == "video/webrtc+h264" {
			return true
		}
	}
	return false
}

// VideoLeg returns this viewer's WebRTC video egress leg, or nil if none has
// been negotiated yet.
func (u *User) VideoLeg() *videoegress.Leg {
	u.videoMu.Lock()
	defer u.videoMu.Unlock()
	return u.videoLeg
}

// negotiateVideoLeg handles one "webrtc-offer" instruction: it lazily
// creates this viewer's video leg, completes the offer/answer exchange, and
// replies with "webrtc-answer". An offer from a viewer that did not
// advertise "video/webrtc+h264" is ignored. Setup and negotiation failures
// are logged; no answer or error instruction is sent to the viewer.
func (u *User) negotiateVideoLeg(offerSDP string) {
	if !u.SupportsWebRTCVideo() {
		return
	}
	u.videoMu.Lock()
	leg := u.videoLeg
	if leg == nil {
		var err error
		leg, err = videoegress.NewLeg(nil)
		if err != nil {
			u.videoMu.Unlock()
			log.Warn("webrtc leg setup failed", "user", u.id, "err", err)
			return
		}
		leg.OnKeyframeRequest(func() { u.Metrics.recordKeyframeRequest() })
		u.videoLeg = leg
	}
	u.videoMu.Unlock()

	answerSDP, err := leg.Negotiate(offerSDP)
	if err != nil {
		log.Warn("webrtc negotiation failed", "user", u.id, "err", err)
		return
	}
	u.writeInstruction("webrtc-answer", answerSDP)
	u.conn.Flush()
}

func parseInt64(s string) (int64, error) {
	var n int64
	neg := false
	if len(s) == 0 {
		return 0, fmt.Errorf("session: %w: empty integer", protocol.ErrMalformed)
	}
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("session: %w: invalid integer %q", protocol.ErrMalformed, s)
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

// dispatchInput decodes one instruction into a driver.InputEvent and
// invokes both the matching Handler and the driver's Input callback.
// Unknown opcodes are silently ignored, per §4.G.
func dispatchInput(u *User, d driver.Driver, inst protocol.Instruction) {
	switch inst.Opcode {
	case "mouse":
		if len(inst.Args) != 3 {
			return
		}
		x, y, mask := atoiOr0(inst.Args[0]), atoiOr0(inst.Args[1]), atoiOr0(inst.Args[2])
		if u.Handlers.OnMouse != nil {
			u.Handlers.OnMouse(u, x, y, mask)
		}
		d.Input(u, driver.InputEvent{Kind: driver.KindMouse, X: x, Y: y, ButtonMask: mask})
	case "key":
		if len(inst.Args) != 2 {
			return
		}
		keysym := atoiOr0(inst.Args[0])
		pressed := inst.Args[1] == "1"
		if u.Handlers.OnKey != nil {
			u.Handlers.OnKey(u, keysym, pressed)
		}
		d.Input(u, driver.InputEvent{Kind: driver.KindKey, Keysym: keysym, Pressed: pressed})
	case "size":
		if len(inst.Args) < 2 {
			return
		}
		w, h := atoiOr0(inst.Args[0]), atoiOr0(inst.Args[1])
		dpi := 0
		if len(inst.Args) >= 3 {
			dpi = atoiOr0(inst.Args[2])
		}
		if u.Handlers.OnSize != nil {
			u.Handlers.OnSize(u, w, h, dpi)
		}
		d.Input(u, driver.InputEvent{Kind: driver.KindSize, Width: w, Height: h, DPI: dpi})
	case "clipboard":
		if len(inst.Args) != 2 {
			return
		}
		mimetype, data := inst.Args[0], []byte(inst.Args[1])
		if u.Handlers.OnClipboard != nil {
			u.Handlers.OnClipboard(u, mimetype, data)
		}
		d.Input(u, driver.InputEvent{Kind: driver.KindClipboard, MimeType: mimetype, Data: data})
	case "pipe":
		if len(inst.Args) != 2 {
			return
		}
		name, mimetype := inst.Args[0], inst.Args[1]
		if u.Handlers.OnPipe != nil {
			u.Handlers.OnPipe(u, name, mimetype)
		}
		d.Input(u, driver.InputEvent{Kind: driver.KindPipe, Name: name, MimeType: mimetype})
	case "file":
		if len(inst.Args) != 2 {
			return
		}
		name, mimetype := inst.Args[0], inst.Args[1]
		if u.Handlers.OnFile != nil {
			u.Handlers.OnFile(u, name, mimetype)
		}
		d.Input(u, driver.InputEvent{Kind: driver.KindFile, Name: name, MimeType: mimetype})
	// ack/blob/end continue a stream the viewer itself opened (via pipe or
	// file); the driver only observes the stream's announcement, not its
	// chunked transfer, so these are Handlers-only.
	case "ack":
		if len(inst.Args) != 3 {
			return
		}
		streamID, message, status := atoiOr0(inst.Args[0]), inst.Args[1], atoiOr0(inst.Args[2])
		if u.Handlers.OnAck != nil {
			u.Handlers.OnAck(u, int32(streamID), message, status)
		}
	case "blob":
		if len(inst.Args) != 2 {
			return
		}
		streamID, data := atoiOr0(inst.Args[0]), []byte(inst.Args[1])
		if u.Handlers.OnBlob != nil {
			u.Handlers.OnBlob(u, int32(streamID), data)
		}
	case "end":
		if len(inst.Args) != 1 {
			return
		}
		streamID := atoiOr0(inst.Args[0])
		if u.Handlers.OnEnd != nil {
			u.Handlers.OnEnd(u, int32(streamID))
		}
	case "disconnect":
		d.Input(u, driver.InputEvent{Kind: driver.KindDisconnect})
		u.Stop()
	case "nop":
		d.Input(u, driver.InputEvent{Kind: driver.KindNop})
	default:
		// unknown opcode: silently ignored
	}
}

func atoiOr0(s string) int {
	n := 0
	neg := false
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		return -n
	}
	return n
}
