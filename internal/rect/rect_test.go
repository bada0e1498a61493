package rect

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnionIdempotentAndCommutative(t *testing.T) {
	a := Init(0, 0, 10, 10)
	b := Init(5, 5, 20, 20)

	u1 := UnionInto(a, b)
	u2 := UnionInto(b, a)
	require.Equal(t, u1, u2)

	u3 := UnionInto(u1, b)
	require.Equal(t, u1, u3)
}

func TestClipIdempotent(t *testing.T) {
	a := Init(-5, -5, 30, 30)
	bound := Init(0, 0, 20, 20)

	c1 := ClipInto(a, bound)
	c2 := ClipInto(c1, bound)
	require.Equal(t, c1, c2)
}

func TestAlignToGrid(t *testing.T) {
	bound := Init(0, 0, 640, 480)
	a := Init(10, 10, 17, 9)

	aligned, err := AlignToGrid(a, 64, bound)
	require.NoError(t, err)
	require.Zero(t, aligned.Width%64)
	require.Zero(t, aligned.Height%64)
	require.True(t, aligned.left() >= bound.left())
	require.True(t, aligned.top() >= bound.top())
	require.True(t, aligned.right() <= bound.right())
	require.True(t, aligned.bottom() <= bound.bottom())
}

func TestAlignToGridRejectsNonPositiveDivisor(t *testing.T) {
	_, err := AlignToGrid(Init(0, 0, 10, 10), 0, Init(0, 0, 100, 100))
	require.Error(t, err)
}

func TestClassify(t *testing.T) {
	outer := Init(0, 0, 100, 100)
	inner := Init(10, 10, 10, 10)
	disjoint := Init(200, 200, 10, 10)
	partial := Init(90, 90, 20, 20)

	require.Equal(t, Contained, Classify(inner, outer))
	require.Equal(t, Disjoint, Classify(disjoint, outer))
	require.Equal(t, Partial, Classify(partial, outer))
}

func TestClipAndSplitCompleteness(t *testing.T) {
	a := Init(0, 0, 100, 100)
	keep := Init(40, 40, 20, 20)

	var outs []Rect
	cur := a
	for {
		remainder, out, ok := ClipAndSplit(cur, keep)
		if !ok {
			break
		}
		outs = append(outs, out)
		cur = remainder
	}

	// Exactly one element (the final remainder) intersects keep.
	intersecting := 0
	if Classify(cur, keep) != Disjoint {
		intersecting++
	}
	for _, o := range outs {
		if Classify(o, keep) != Disjoint {
			intersecting++
		}
	}
	require.Equal(t, 1, intersecting)

	// Union of final remainder and all outs reconstructs the original area.
	totalArea := cur.Width * cur.Height
	for _, o := range outs {
		totalArea += o.Width * o.Height
	}
	require.Equal(t, a.Width*a.Height, totalArea)
}

func TestClipAndSplitNoOverlapReturnsFalse(t *testing.T) {
	a := Init(0, 0, 10, 10)
	keep := Init(100, 100, 10, 10)
	remainder, _, ok := ClipAndSplit(a, keep)
	require.False(t, ok)
	require.Equal(t, a, remainder)
}
