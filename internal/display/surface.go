package display

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/relaydesk/relayd/internal/logging"
	"github.com/relaydesk/relayd/internal/protocol"
	"github.com/relaydesk/relayd/internal/rect"
	"github.com/relaydesk/relayd/internal/transport"
	"github.com/relaydesk/relayd/internal/workerpool"
)

var log = logging.L("display")

// encodePool runs per-rect image encoding off the frame-loop goroutine when
// a flush produces more than one region. Shared across every session's
// surfaces; encoding is CPU-bound and stateless per call, so there is
// nothing session-specific to isolate.
var encodePool = sync.OnceValue(func() *workerpool.Pool {
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	return workerpool.New(workers, 256)
})

// RGB is a solid fill or stencil color; A is written as the pixel's alpha.
type RGB struct {
	R, G, B, A uint8
}

// TransferOp is a per-pixel compositing operator used by Transfer.
type TransferOp func(dst, src [4]byte) [4]byte

const (
	defaultUpdateQueueDepth = 256
	defaultCellSize         = 64
)

// Config controls surface sizing limits and heat-map thresholds, normally
// sourced from internal/config.
type Config struct {
	MaxWidth, MaxHeight int
	UpdateQueueDepth    int
	HeatCellSize        int
	HeatHighWatermark   float64
	HeatLowWatermark    float64
	HeatCooldown        time.Duration
}

// DefaultConfig matches the reference implementation's defaults.
func DefaultConfig() Config {
	return Config{
		MaxWidth:          5120,
		MaxHeight:         3200,
		UpdateQueueDepth:  defaultUpdateQueueDepth,
		HeatCellSize:      defaultCellSize,
		HeatHighWatermark: 15, // updates/sec
		HeatLowWatermark:  4,
		HeatCooldown:      5 * time.Second,
	}
}

// Encoder turns a pixel region into wire bytes. Image codecs are an
// external collaborator (see spec Non-goals); this package only calls
// through the interface.
type Encoder interface {
	EncodeLossless(img Image, r rect.Rect) (mimetype string, data []byte, err error)
	EncodeLossy(img Image, r rect.Rect) (mimetype string, data []byte, err error)
}

type updateEntry struct {
	Rect rect.Rect
}

// Surface is a per-layer pixel buffer with dirty-rect tracking, a bounded
// update queue, and heat-map-driven lossy/lossless classification. Only
// the owning session's frame-loop goroutine mutates a Surface's pixel
// state; Dup may run concurrently from a joining viewer's goroutine and
// takes the producer lock to obtain a consistent snapshot.
type Surface struct {
	mu sync.Mutex

	cfg Config
	enc Encoder

	layerID int32
	out     transport.Transport

	width, height, stride int
	pixels                []byte

	dirty     bool
	dirtyRect rect.Rect

	clip    rect.Rect
	clipped bool

	queue []updateEntry
	heat  *heatMap
}

// NewSurface allocates a width×height ARGB surface for layerID, flushing
// through out (normally a session's broadcast transport).
func NewSurface(layerID int32, width, height int, out transport.Transport, enc Encoder, cfg Config) *Surface {
	if enc == nil {
		enc = passthroughEncoder{}
	}
	s := &Surface{
		cfg:     cfg,
		enc:     enc,
		layerID: layerID,
		out:     out,
	}
	s.allocate(width, height)
	return s
}

func (s *Surface) allocate(w, h int) {
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	s.width = w
	s.height = h
	s.stride = w * 4
	s.pixels = make([]byte, s.stride*h)
	s.heat = newHeatMap(w, h, s.cfg.HeatCellSize, s.cfg.HeatHighWatermark, s.cfg.HeatLowWatermark)
}

func (s *Surface) bounds() rect.Rect {
	return rect.Init(0, 0, s.width, s.height)
}

// effectiveClip returns the clip rect currently in force (clip ∩ bounds,
// or just bounds if no clip is set).
func (s *Surface) effectiveClip() rect.Rect {
	if s.clipped {
		return rect.ClipInto(s.clip, s.bounds())
	}
	return s.bounds()
}

func (s *Surface) markDirty(r rect.Rect) {
	r = rect.ClipInto(r, s.effectiveClip())
	if r.Empty() {
		return
	}
	if !s.dirty {
		s.dirty = true
		s.dirtyRect = r
	} else {
		s.dirtyRect = rect.UnionInto(s.dirtyRect, r)
	}
	s.heat.touch(r, time.Now())
}

// Draw composites src at (x,y) after clipping.
func (s *Surface) Draw(x, y int, src Image) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := rect.ClipInto(rect.Init(x, y, src.Width, src.Height), s.effectiveClip())
	if target.Empty() {
		return
	}
	for row := 0; row < target.Height; row++ {
		dy := target.Y + row
		sy := dy - y
		dstOff := dy*s.stride + target.X*4
		srcOff := sy*src.Stride + (target.X-x)*4
		for col := 0; col < target.Width; col++ {
			compositeOver(s.pixels[dstOff:dstOff+4], src.Pixels[srcOff:srcOff+4])
			dstOff += 4
			srcOff += 4
		}
	}
	s.markDirty(target)
}

// Paint stencils: wherever src is opaque, dst is overwritten with rgb.
func (s *Surface) Paint(x, y int, src Image, rgb RGB) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := rect.ClipInto(rect.Init(x, y, src.Width, src.Height), s.effectiveClip())
	if target.Empty() {
		return
	}
	for row := 0; row < target.Height; row++ {
		dy := target.Y + row
		sy := dy - y
		dstOff := dy*s.stride + target.X*4
		srcOff := sy*src.Stride + (target.X-x)*4
		for col := 0; col < target.Width; col++ {
			if src.Pixels[srcOff+3] != 0 {
				s.pixels[dstOff] = rgb.B
				s.pixels[dstOff+1] = rgb.G
				s.pixels[dstOff+2] = rgb.R
				s.pixels[dstOff+3] = rgb.A
			}
			dstOff += 4
			srcOff += 4
		}
	}
	s.markDirty(target)
}

// Copy blits a w×h region from src at (sx,sy) to this surface at (dx,dy).
// Passing s as src performs an intra-surface blit.
func (s *Surface) Copy(src *Surface, sx, sy, w, h, dx, dy int) {
	srcSnapshot := Image{Width: src.width, Height: src.height, Stride: src.stride}
	if src == s {
		srcSnapshot.Pixels = s.pixels
	} else {
		src.mu.Lock()
		srcSnapshot.Pixels = append([]byte(nil), src.pixels...)
		src.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	srcRect := rect.ClipInto(rect.Init(sx, sy, w, h), rect.Init(0, 0, src.width, src.height))
	target := rect.ClipInto(rect.Init(dx, dy, srcRect.Width, srcRect.Height), s.effectiveClip())
	if target.Empty() {
		return
	}
	for row := 0; row < target.Height; row++ {
		sRow := srcRect.Y + (target.Y - dy) + row
		dRow := target.Y + row
		dstOff := dRow*s.stride + target.X*4
		srcOff := sRow*srcSnapshot.Stride + (srcRect.X+(target.X-dx))*4
		copy(s.pixels[dstOff:dstOff+target.Width*4], srcSnapshot.Pixels[srcOff:srcOff+target.Width*4])
	}
	s.markDirty(target)
}

// Transfer blits src onto this surface through a per-pixel operator.
func (s *Surface) Transfer(src Image, sx, sy, w, h, dx, dy int, op TransferOp) {
	s.mu.Lock()
	defer s.mu.Unlock()

	srcRect := rect.ClipInto(rect.Init(sx, sy, w, h), rect.Init(0, 0, src.Width, src.Height))
	target := rect.ClipInto(rect.Init(dx, dy, srcRect.Width, srcRect.Height), s.effectiveClip())
	if target.Empty() {
		return
	}
	for row := 0; row < target.Height; row++ {
		sRow := srcRect.Y + (target.Y - dy) + row
		dRow := target.Y + row
		dstOff := dRow*s.stride + target.X*4
		srcOff := sRow*src.Stride + (srcRect.X+(target.X-dx))*4
		for col := 0; col < target.Width; col++ {
			var dstPix, srcPix [4]byte
			copy(dstPix[:], s.pixels[dstOff:dstOff+4])
			copy(srcPix[:], src.Pixels[srcOff:srcOff+4])
			result := op(dstPix, srcPix)
			copy(s.pixels[dstOff:dstOff+4], result[:])
			dstOff += 4
			srcOff += 4
		}
	}
	s.markDirty(target)
}

// Rect performs a solid fill.
func (s *Surface) Rect(x, y, w, h int, rgb RGB) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := rect.ClipInto(rect.Init(x, y, w, h), s.effectiveClip())
	if target.Empty() {
		return
	}
	for row := 0; row < target.Height; row++ {
		off := (target.Y+row)*s.stride + target.X*4
		for col := 0; col < target.Width; col++ {
			s.pixels[off] = rgb.B
			s.pixels[off+1] = rgb.G
			s.pixels[off+2] = rgb.R
			s.pixels[off+3] = rgb.A
			off += 4
		}
	}
	s.markDirty(target)
}

// Clip sets the clip rectangle; all subsequent drawing ops are bounded by
// it until ResetClip.
func (s *Surface) Clip(x, y, w, h int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clip = rect.Init(x, y, w, h)
	s.clipped = true
}

// ResetClip removes any clip rectangle.
func (s *Surface) ResetClip() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clipped = false
}

// Resize reallocates the pixel buffer, preserving the overlap with the old
// content at (0,0), and emits a "size" instruction. Size is capped at
// MaxWidth×MaxHeight.
func (s *Surface) Resize(w, h int) {
	if s.cfg.MaxWidth > 0 && w > s.cfg.MaxWidth {
		w = s.cfg.MaxWidth
	}
	if s.cfg.MaxHeight > 0 && h > s.cfg.MaxHeight {
		h = s.cfg.MaxHeight
	}

	s.mu.Lock()
	oldW, oldH, oldStride, oldPixels := s.width, s.height, s.stride, s.pixels
	s.allocate(w, h)
	copyW := min0(oldW, w)
	copyH := min0(oldH, h)
	for row := 0; row < copyH; row++ {
		copy(s.pixels[row*s.stride:row*s.stride+copyW*4], oldPixels[row*oldStride:row*oldStride+copyW*4])
	}
	s.mu.Unlock()

	s.writeInstruction("size", fmt.Sprintf("%d", s.layerID), fmt.Sprintf("%d", w), fmt.Sprintf("%d", h))
}

// FlushDeferred adds the current dirty region to the update queue without
// emitting it, merging into the oldest queued entry if the queue is full.
func (s *Surface) FlushDeferred() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueLocked()
}

func (s *Surface) enqueueLocked() {
	if !s.dirty {
		return
	}
	entry := updateEntry{Rect: s.dirtyRect}
	s.dirty = false
	s.dirtyRect = rect.Rect{}

	maxDepth := s.cfg.UpdateQueueDepth
	if maxDepth <= 0 {
		maxDepth = defaultUpdateQueueDepth
	}
	if len(s.queue) >= maxDepth {
		oldest := s.queue[0]
		s.queue = s.queue[1:]
		entry.Rect = rect.UnionInto(oldest.Rect, entry.Rect)
	}
	s.queue = append(s.queue, entry)
}

// Flush enumerates the update queue plus any still-live dirty region,
// greedily unions overlapping rects, and emits each resulting region as a
// bitmap instruction to the broadcast socket, then clears all pending
// state.
func (s *Surface) Flush() {
	s.mu.Lock()
	s.enqueueLocked()
	entries := s.queue
	s.queue = nil
	lossyRect := rect.Rect{}
	for _, e := range entries {
		if s.heat.anyLossyIn(e.Rect) {
			lossyRect = rect.UnionInto(lossyRect, e.Rect)
		}
	}
	s.heat.cooldown(time.Now(), s.cfg.HeatCooldown)
	snapshot := Image{Width: s.width, Height: s.height, Stride: s.stride, Pixels: append([]byte(nil), s.pixels...)}
	s.mu.Unlock()

	merged := coalesce(entries)
	if len(merged) <= 1 {
		for _, r := range merged {
			s.emit(s.encode(snapshot, r, !rect.ClipInto(r, lossyRect).Empty()))
		}
		return
	}

	results := make([]encodeResult, len(merged))
	var wg sync.WaitGroup
	for i, r := range merged {
		i, r := i, r
		lossy := !rect.ClipInto(r, lossyRect).Empty()
		wg.Add(1)
		if !encodePool().Submit(func() {
			defer wg.Done()
			results[i] = s.encode(snapshot, r, lossy)
		}) {
			// Pool saturated: fall back to encoding inline so the update
			// isn't silently dropped.
			results[i] = s.encode(snapshot, r, lossy)
			wg.Done()
		}
	}
	wg.Wait()

	for _, res := range results {
		s.emit(res)
	}
}

type encodeResult struct {
	rect     rect.Rect
	mimetype string
	data     []byte
	err      error
}

func (s *Surface) encode(img Image, r rect.Rect, lossy bool) encodeResult {
	var mimetype string
	var data []byte
	var err error
	if lossy {
		mimetype, data, err = s.enc.EncodeLossy(img, r)
	} else {
		mimetype, data, err = s.enc.EncodeLossless(img, r)
	}
	return encodeResult{rect: r, mimetype: mimetype, data: data, err: err}
}

// coalesce greedily unions overlapping rects into a smaller set.
func coalesce(entries []updateEntry) []rect.Rect {
	var out []rect.Rect
	for _, e := range entries {
		merged := false
		for i, o := range out {
			if rect.Classify(e.Rect, o) != rect.Disjoint || rect.Classify(o, e.Rect) != rect.Disjoint {
				out[i] = rect.UnionInto(o, e.Rect)
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, e.Rect)
		}
	}
	return out
}

func (s *Surface) emit(res encodeResult) {
	if res.rect.Empty() {
		return
	}
	if res.err != nil {
		log.Warn("encode failed, dropping update", "layer", s.layerID, "error", res.err)
		return
	}

	layer := fmt.Sprintf("%d", s.layerID)
	s.writeInstruction("img", layer, res.mimetype,
		fmt.Sprintf("%d", res.rect.X), fmt.Sprintf("%d", res.rect.Y))
	s.writeInstruction("blob", string(res.data))
	s.writeInstruction("end", layer)
}

// Dup sends this surface's full current state to a newly joined viewer's
// transport: a "size" instruction followed by one lossless update for the
// entire surface.
func (s *Surface) Dup(out transport.Transport) {
	s.mu.Lock()
	snapshot := Image{Width: s.width, Height: s.height, Stride: s.stride, Pixels: append([]byte(nil), s.pixels...)}
	layerID := s.layerID
	s.mu.Unlock()

	writeTo(out, "size", fmt.Sprintf("%d", layerID), fmt.Sprintf("%d", snapshot.Width), fmt.Sprintf("%d", snapshot.Height))
	mimetype, data, err := s.enc.EncodeLossless(snapshot, rect.Init(0, 0, snapshot.Width, snapshot.Height))
	if err != nil {
		log.Warn("dup encode failed", "layer", layerID, "error", err)
		return
	}
	layer := fmt.Sprintf("%d", layerID)
	writeTo(out, "img", layer, mimetype, "0", "0")
	writeTo(out, "blob", string(data))
	writeTo(out, "end", layer)
}

func (s *Surface) writeInstruction(opcode string, args ...string) {
	writeTo(s.out, opcode, args...)
}

func writeTo(out transport.Transport, opcode string, args ...string) {
	out.InstructionBegin()
	out.Write(protocol.Encode(opcode, args...))
	out.Flush()
	out.InstructionEnd()
}

func compositeOver(dst, src []byte) {
	alpha := src[3]
	if alpha == 255 {
		copy(dst, src[:4])
		return
	}
	if alpha == 0 {
		return
	}
	inv := 255 - alpha
	for i := 0; i < 3; i++ {
		dst[i] = byte((int(src[i])*int(alpha) + int(dst[i])*int(inv)) / 255)
	}
	dst[3] = byte(int(alpha) + int(dst[3])*int(inv)/255)
}

// passthroughEncoder is the reference encoder used when no real codec
// plugin is wired in: it emits raw premultiplied ARGB bytes for the
// requested rect, tagged with a placeholder mimetype. Production
// deployments supply a real Encoder (PNG/JPEG/WebP are external codec
// plugins per spec §1).
type passthroughEncoder struct{}

func (passthroughEncoder) EncodeLossless(img Image, r rect.Rect) (string, []byte, error) {
	return "image/x-raw", extractRect(img, r), nil
}

func (passthroughEncoder) EncodeLossy(img Image, r rect.Rect) (string, []byte, error) {
	return "image/x-raw-lossy", extractRect(img, r), nil
}

func extractRect(img Image, r rect.Rect) []byte {
	out := make([]byte, r.Width*r.Height*4)
	for row := 0; row < r.Height; row++ {
		srcOff := (r.Y+row)*img.Stride + r.X*4
		dstOff := row * r.Width * 4
		copy(out[dstOff:dstOff+r.Width*4], img.Pixels[srcOff:srcOff+r.Width*4])
	}
	return out
}
