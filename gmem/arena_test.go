package gmem_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmforge/virtguest/gmem"
)

func TestAlloc(t *testing.T) {
	t.Run("aligned", func(t *testing.T) {
		a := gmem.New(0x8000_0000, 1<<16)

		addr, err := a.Alloc(1, 1)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x8000_0000), addr)

		addr, err = a.Alloc(16, 4096)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x8000_1000), addr)

		addr, err = a.Alloc(2, 2)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x8000_1010), addr)
	})

	t.Run("full", func(t *testing.T) {
		a := gmem.New(0, 64)

		_, err := a.Alloc(64, 1)
		require.NoError(t, err)

		_, err = a.Alloc(1, 1)
		assert.ErrorIs(t, err, gmem.ErrArenaFull)
	})

	t.Run("bad alignment", func(t *testing.T) {
		a := gmem.New(0, 64)
		_, err := a.Alloc(8, 3)
		assert.Error(t, err)
	})
}

func TestBytes(t *testing.T) {
	a := gmem.New(0x1000, 64)

	b, err := a.Bytes(0x1008, 8)
	require.NoError(t, err)
	copy(b, "deadbeef")

	p := make([]byte, 8)
	n, err := a.ReadAt(p, 0x1008)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, []byte("deadbeef"), p)

	_, err = a.Bytes(0x0fff, 1)
	assert.ErrorIs(t, err, gmem.ErrBadAddress)

	_, err = a.Bytes(0x1000, 65)
	assert.ErrorIs(t, err, gmem.ErrBadAddress)
}

func TestWriteAt(t *testing.T) {
	a := gmem.New(0, 32)

	n, err := a.WriteAt([]byte{1, 2, 3}, 4)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	b, err := a.Bytes(4, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)

	_, err = a.WriteAt([]byte{1}, 32)
	assert.ErrorIs(t, err, gmem.ErrBadAddress)
}
