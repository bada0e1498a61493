package driver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemDriverJoinRejectsArguments(t *testing.T) {
	d := NewMemDriver(nil)
	err := d.Join(nil, nil, []string{"unexpected"})
	require.True(t, errors.Is(err, ErrJoinRejected))
}

func TestMemDriverJoinAcceptsNoArguments(t *testing.T) {
	d := NewMemDriver(nil)
	require.NoError(t, d.Join(nil, nil, nil))
}

func TestFrameDifferDetectsChange(t *testing.T) {
	f := &frameDiffer{}
	require.True(t, f.changed([]byte{1, 2, 3}))
	require.False(t, f.changed([]byte{1, 2, 3}))
	require.True(t, f.changed([]byte{1, 2, 4}))
}
