package display

import (
	"time"

	"github.com/relaydesk/relayd/internal/rect"
)

// heatSamples is the ring size used to derive a cell's refresh frequency,
// matching the reference's N≈5.
const heatSamples = 5

// heatMap tracks recent update frequency per CellSize×CellSize cell of a
// surface and applies hysteresis to decide which cells should be encoded
// lossy. This is the same AIMD-with-hysteresis shape as the teacher's
// adaptive bitrate stepping, re-targeted from bitrate tiers to per-cell
// lossy/lossless classification.
type heatMap struct {
	cellSize    int
	rows, cols  int
	timestamps  [][heatSamples]int64 // nanoseconds, ring buffer per cell
	ringPos     []int
	lossy       []bool
	highWaterHz float64
	lowWaterHz  float64
}

func newHeatMap(width, height, cellSize int, highHz, lowHz float64) *heatMap {
	if cellSize <= 0 {
		cellSize = 64
	}
	cols := (width + cellSize - 1) / cellSize
	rows := (height + cellSize - 1) / cellSize
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	n := rows * cols
	return &heatMap{
		cellSize:    cellSize,
		rows:        rows,
		cols:        cols,
		timestamps:  make([][heatSamples]int64, n),
		ringPos:     make([]int, n),
		lossy:       make([]bool, n),
		highWaterHz: highHz,
		lowWaterHz:  lowHz,
	}
}

func (h *heatMap) cellIndex(x, y int) int {
	row := y / h.cellSize
	col := x / h.cellSize
	if row < 0 {
		row = 0
	}
	if col < 0 {
		col = 0
	}
	if row >= h.rows {
		row = h.rows - 1
	}
	if col >= h.cols {
		col = h.cols - 1
	}
	return row*h.cols + col
}

// touch records an update at now for every cell the dirty rect overlaps,
// and re-evaluates the lossy classification for each touched cell.
func (h *heatMap) touch(dirty rect.Rect, now time.Time) {
	if dirty.Empty() {
		return
	}
	nowNs := now.UnixNano()

	startRow := dirty.Y / h.cellSize
	startCol := dirty.X / h.cellSize
	endRow := (dirty.Y + dirty.Height - 1) / h.cellSize
	endCol := (dirty.X + dirty.Width - 1) / h.cellSize

	for row := max0(startRow); row <= min0(endRow, h.rows-1); row++ {
		for col := max0(startCol); col <= min0(endCol, h.cols-1); col++ {
			idx := row*h.cols + col
			pos := h.ringPos[idx]
			h.timestamps[idx][pos] = nowNs
			h.ringPos[idx] = (pos + 1) % heatSamples
			h.evaluate(idx, nowNs)
		}
	}
}

func (h *heatMap) evaluate(idx int, nowNs int64) {
	oldest := h.oldest(idx)
	if oldest == 0 {
		return
	}
	elapsed := nowNs - oldest
	if elapsed <= 0 {
		return
	}
	freq := float64(heatSamples) * 1e9 / float64(elapsed)

	if !h.lossy[idx] && freq > h.highWaterHz {
		h.lossy[idx] = true
	} else if h.lossy[idx] && freq < h.lowWaterHz {
		h.lossy[idx] = false
	}
}

func (h *heatMap) oldest(idx int) int64 {
	ring := h.timestamps[idx]
	oldest := ring[0]
	for _, ts := range ring {
		if ts != 0 && (oldest == 0 || ts < oldest) {
			oldest = ts
		}
	}
	return oldest
}

// cooldown clears any cell whose most recent sample is older than d,
// returning it to lossless. Called periodically by the flush path so a
// cell that has gone idle does not stay lossy forever (§8 scenario F).
func (h *heatMap) cooldown(now time.Time, d time.Duration) {
	nowNs := now.UnixNano()
	for idx := range h.lossy {
		if !h.lossy[idx] {
			continue
		}
		newest := h.newest(idx)
		if newest != 0 && time.Duration(nowNs-newest) >= d {
			h.lossy[idx] = false
		}
	}
}

func (h *heatMap) newest(idx int) int64 {
	ring := h.timestamps[idx]
	var newest int64
	for _, ts := range ring {
		if ts > newest {
			newest = ts
		}
	}
	return newest
}

// isLossy reports whether the cell containing (x,y) is currently
// classified lossy.
func (h *heatMap) isLossy(x, y int) bool {
	return h.lossy[h.cellIndex(x, y)]
}

// anyLossyIn reports whether any cell overlapping r is lossy.
func (h *heatMap) anyLossyIn(r rect.Rect) bool {
	if r.Empty() {
		return false
	}
	startRow := max0(r.Y / h.cellSize)
	startCol := max0(r.X / h.cellSize)
	endRow := min0((r.Y+r.Height-1)/h.cellSize, h.rows-1)
	endCol := min0((r.X+r.Width-1)/h.cellSize, h.cols-1)
	for row := startRow; row <= endRow; row++ {
		for col := startCol; col <= endCol; col++ {
			if h.lossy[row*h.cols+col] {
				return true
			}
		}
	}
	return false
}

func max0(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func min0(a, b int) int {
	if a < b {
		return a
	}
	return b
}
