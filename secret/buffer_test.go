package secret

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferLifecycle(t *testing.T) {
	t.Parallel()

	source := []byte("hunter2")
	b, err := NewFromBytes(source)
	require.NoError(t, err)

	// The caller's copy is wiped.
	require.Equal(t, make([]byte, 7), source)
	require.Equal(t, 7, b.Len())

	var seen string
	require.NoError(t, b.Use(func(data []byte) error {
		seen = string(data)
		return nil
	}))
	require.Equal(t, "hunter2", seen)

	require.NoError(t, b.Close())
	require.True(t, b.Closed())
	require.Zero(t, b.Len())

	// Close is idempotent and a closed buffer can't be read.
	require.NoError(t, b.Close())
	err = b.Use(func([]byte) error {
		t.Fatal("closed buffer used")
		return nil
	})
	require.ErrorIs(t, err, ErrClosed)
}

func TestBufferInvalidSize(t *testing.T) {
	t.Parallel()

	_, err := New(0)
	require.Error(t, err)

	_, err = NewFromString("")
	require.Error(t, err)
}
