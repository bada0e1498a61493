package display

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocFreeLayerReusesID(t *testing.T) {
	out := newRecordingTransport()
	d := New(100, 100, out, nil, DefaultConfig())

	h1 := d.AllocLayer(10, 10)
	require.Equal(t, int32(1), h1.Layer)

	require.NoError(t, d.FreeLayer(h1.Layer))
	require.Nil(t, d.Surface(h1.Layer))

	h2 := d.AllocLayer(20, 20)
	require.Equal(t, int32(1), h2.Layer)
}

func TestAllocBufferUsesNegativeIDs(t *testing.T) {
	out := newRecordingTransport()
	d := New(100, 100, out, nil, DefaultConfig())

	h := d.AllocBuffer(10, 10)
	require.Equal(t, int32(-1), h.Layer)
	require.NotNil(t, d.Surface(-1))
}

func TestLayerZeroCannotBeFreed(t *testing.T) {
	out := newRecordingTransport()
	d := New(100, 100, out, nil, DefaultConfig())
	require.Error(t, d.FreeLayer(0))
}

func TestSparseArrayGrowsByDoubling(t *testing.T) {
	out := newRecordingTransport()
	d := New(100, 100, out, nil, DefaultConfig())

	var handles []LayerHandle
	for i := 0; i < 10; i++ {
		handles = append(handles, d.AllocLayer(1, 1))
	}
	require.GreaterOrEqual(t, len(d.layers), 10)
	for _, h := range handles {
		require.NotNil(t, d.Surface(h.Layer))
	}
}

func TestDisplayDupSyncsDefaultAndLayers(t *testing.T) {
	src := New(16, 16, newRecordingTransport(), nil, DefaultConfig())
	src.DefaultSurface().Rect(0, 0, 8, 8, RGB{R: 1, A: 255})
	src.DefaultSurface().Flush()
	h := src.AllocLayer(8, 8)
	h.Surface.Rect(0, 0, 4, 4, RGB{G: 1, A: 255})
	h.Surface.Flush()

	joiner := newRecordingTransport()
	src.Dup(joiner)

	require.Contains(t, joiner.opcodes(), "size")
	require.Contains(t, joiner.opcodes(), "img")
}
