package display

import (
	"fmt"
	"sync"

	"github.com/relaydesk/relayd/internal/idpool"
	"github.com/relaydesk/relayd/internal/rect"
	"github.com/relaydesk/relayd/internal/transport"
)

// Cursor is the session's shared pointer state: an optional image, a
// hotspot, a current position, and a weak reference (by user id, not
// pointer) to whoever last moved it.
type Cursor struct {
	mu         sync.Mutex
	image      *Image
	hotX, hotY int
	x, y       int
	lastMover  string
}

// Move updates the cursor's position and records the mover's id.
func (c *Cursor) Move(x, y int, moverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.x, c.y = x, y
	c.lastMover = moverID
}

// SetImage updates the cursor image and hotspot.
func (c *Cursor) SetImage(img Image, hotX, hotY int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.image = &img
	c.hotX, c.hotY = hotX, hotY
}

func (c *Cursor) snapshot() (img *Image, hotX, hotY, x, y int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.image, c.hotX, c.hotY, c.x, c.y
}

// LayerHandle identifies an allocated drawable and its backing surface.
// Positive Layer values are on-screen layers; negative values are
// off-screen buffers.
type LayerHandle struct {
	Layer   int32
	Surface *Surface
}

// Display is a session's named collection of surfaces: the default layer
// (id 0, never freed), a shared cursor, and two sparse arrays of layers
// and buffers, each growing by doubling and zero-filling new slots, keyed
// by |id|-1.
type Display struct {
	mu sync.Mutex

	cfg Config
	enc Encoder
	out transport.Transport

	layerPool  *idpool.Pool
	bufferPool *idpool.Pool

	layers  []*Surface
	buffers []*Surface

	defaultSurface *Surface
	Cursor         *Cursor
}

// New creates a display with its default surface of the given size,
// flushing through out.
func New(width, height int, out transport.Transport, enc Encoder, cfg Config) *Display {
	d := &Display{
		cfg:        cfg,
		enc:        enc,
		out:        out,
		layerPool:  idpool.New(),
		bufferPool: idpool.New(),
		Cursor:     &Cursor{},
	}
	d.defaultSurface = NewSurface(0, width, height, out, enc, cfg)
	return d
}

// DefaultSurface returns the always-present layer-0 surface.
func (d *Display) DefaultSurface() *Surface {
	return d.defaultSurface
}

func growDoubling(slots []*Surface, need int) []*Surface {
	if need < len(slots) {
		return slots
	}
	newLen := len(slots)
	if newLen == 0 {
		newLen = 1
	}
	for newLen <= need {
		newLen *= 2
	}
	grown := make([]*Surface, newLen)
	copy(grown, slots)
	return grown
}

// AllocLayer allocates a new on-screen layer of the given size.
func (d *Display) AllocLayer(width, height int) LayerHandle {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.layerPool.Next()
	slot := int(id)
	d.layers = growDoubling(d.layers, slot)
	surface := NewSurface(int32(id)+1, width, height, d.out, d.enc, d.cfg)
	d.layers[slot] = surface
	return LayerHandle{Layer: int32(id) + 1, Surface: surface}
}

// AllocBuffer allocates a new off-screen buffer of the given size.
func (d *Display) AllocBuffer(width, height int) LayerHandle {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.bufferPool.Next()
	slot := int(id)
	d.buffers = growDoubling(d.buffers, slot)
	layerID := -(int32(id) + 1)
	surface := NewSurface(layerID, width, height, d.out, d.enc, d.cfg)
	d.buffers[slot] = surface
	return LayerHandle{Layer: layerID, Surface: surface}
}

// FreeLayer releases an on-screen layer's surface and returns its id to
// the pool. Layer 0 cannot be freed.
func (d *Display) FreeLayer(layer int32) error {
	if layer == 0 {
		return fmt.Errorf("display: free_layer: layer 0 cannot be freed")
	}
	if layer < 0 {
		return fmt.Errorf("display: free_layer: %d is a buffer id", layer)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	slot := int(layer) - 1
	if slot < 0 || slot >= len(d.layers) || d.layers[slot] == nil {
		return fmt.Errorf("display: free_layer: layer %d not allocated", layer)
	}
	d.layers[slot] = nil
	d.layerPool.Free(uint32(slot))
	return nil
}

// FreeBuffer releases an off-screen buffer's surface and returns its id to
// the pool.
func (d *Display) FreeBuffer(buffer int32) error {
	if buffer >= 0 {
		return fmt.Errorf("display: free_buffer: %d is not a buffer id", buffer)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	slot := int(-buffer) - 1
	if slot < 0 || slot >= len(d.buffers) || d.buffers[slot] == nil {
		return fmt.Errorf("display: free_buffer: buffer %d not allocated", buffer)
	}
	d.buffers[slot] = nil
	d.bufferPool.Free(uint32(slot))
	return nil
}

// Surface returns the surface backing layer, or nil if it is unallocated.
// layer == 0 returns the default surface.
func (d *Display) Surface(layer int32) *Surface {
	if layer == 0 {
		return d.defaultSurface
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if layer > 0 {
		slot := int(layer) - 1
		if slot < 0 || slot >= len(d.layers) {
			return nil
		}
		return d.layers[slot]
	}
	slot := int(-layer) - 1
	if slot < 0 || slot >= len(d.buffers) {
		return nil
	}
	return d.buffers[slot]
}

// Dup synchronizes a newly joined viewer: cursor, then the default
// surface, then every non-null layer/buffer slot.
func (d *Display) Dup(out transport.Transport) {
	img, hotX, hotY, x, y := d.Cursor.snapshot()
	if img != nil {
		mimetype, data, err := d.enc.EncodeLossless(*img, rect.Init(0, 0, img.Width, img.Height))
		if err == nil {
			writeTo(out, "cursor", fmt.Sprintf("%d", hotX), fmt.Sprintf("%d", hotY), mimetype)
			writeTo(out, "blob", string(data))
			writeTo(out, "end", "cursor")
		}
	}
	writeTo(out, "move", "cursor", fmt.Sprintf("%d", x), fmt.Sprintf("%d", y))

	d.defaultSurface.Dup(out)

	d.mu.Lock()
	layers := append([]*Surface(nil), d.layers...)
	buffers := append([]*Surface(nil), d.buffers...)
	d.mu.Unlock()

	for _, s := range layers {
		if s != nil {
			s.Dup(out)
		}
	}
	for _, s := range buffers {
		if s != nil {
			s.Dup(out)
		}
	}
}

// Flush flushes only the default surface; other surfaces flush lazily as
// they are drawn into.
func (d *Display) Flush() {
	d.defaultSurface.Flush()
}
