package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-undelete/internal/types"
)

func TestIncreaseValueSaturates(t *testing.T) {
	tests := []struct {
		increments int
		want       uint8
	}{
		{0, Unused},
		{1, Single},
		{2, Multiple},
		{3, Multiple},
		{10, Multiple},
	}

	for _, tt := range tests {
		b, err := New(64)
		require.NoError(t, err)
		for i := 0; i < tt.increments; i++ {
			b.IncreaseValue(17)
		}
		assert.Equal(t, tt.want, b.Value(17), "after %d increments", tt.increments)
		assert.Equal(t, Unused, b.Value(16))
		assert.Equal(t, Unused, b.Value(18))
	}
}

func TestIncreaseValueKeepsExisting(t *testing.T) {
	b, err := New(16)
	require.NoError(t, err)
	b.AddBlock([]byte{0x01, 0x00})
	b.IncreaseValue(0)
	assert.Equal(t, Existing, b.Value(0))
}

func TestAddBlock(t *testing.T) {
	b, err := New(20)
	require.NoError(t, err)

	b.AddBlock([]byte{0b10100101})
	b.AddBlock([]byte{0xFF, 0x0F})

	want := []uint8{3, 0, 3, 0, 0, 3, 0, 3}
	for i, v := range want {
		assert.Equal(t, v, b.Value(uint64(i)), "cluster %d", i)
	}
	for i := uint64(8); i < 20; i++ {
		assert.Equal(t, Existing, b.Value(i), "cluster %d", i)
	}
	assert.Equal(t, Existing, b.Value(100), "out of range reads as existing")
}

func TestChunkBoundary(t *testing.T) {
	clusters := uint64(chunkBytes*8 + 64)
	b, err := New(clusters)
	require.NoError(t, err)

	last := clusters - 1
	b.IncreaseValue(last)
	b.IncreaseValue(chunkBytes * 8)
	b.IncreaseValue(chunkBytes * 8)
	assert.Equal(t, Single, b.Value(last))
	assert.Equal(t, Multiple, b.Value(chunkBytes*8))
	assert.Equal(t, Unused, b.Value(chunkBytes*8-1))
}

func TestLostSegments(t *testing.T) {
	b, err := New(12)
	require.NoError(t, err)
	b.AddBlock([]byte{0b00111100, 0x0F})
	// clusters 0,1 free, 2..5 existing, 6,7 free, 8..11 existing
	b.IncreaseValue(0)
	b.IncreaseValue(6)
	b.IncreaseValue(6)

	got := b.LostSegments(2)
	assert.Equal(t, []types.ClusterSegment{
		{First: 3, Count: 1},
		{First: 8, Count: 2},
	}, got)
}

func TestNewTooLarge(t *testing.T) {
	saved := MaxBytes
	MaxBytes = 16
	defer func() { MaxBytes = saved }()

	_, err := New(1024)
	assert.ErrorIs(t, err, types.ErrOutOfMemory)
}
