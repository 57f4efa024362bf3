package stream

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecompressLZNT1(t *testing.T) {
	tests := []struct {
		name    string
		src     []byte
		want    []byte
		wantErr bool
	}{
		{
			name: "literals and one back reference",
			// flags 0x08: three literals then a reference of length 15 at displacement 3
			src:  []byte{0x05, 0xB0, 0x08, 'a', 'b', 'c', 0x0C, 0x20},
			want: []byte("abcabcabcabcabcabc"),
		},
		{
			name: "literals only",
			src:  []byte{0x05, 0xB0, 0x00, 'h', 'e', 'l', 'l', 'o'},
			want: []byte("hello"),
		},
		{
			name:    "displacement before start",
			src:     []byte{0x03, 0xB0, 0x02, 'a', 0x00, 0x30},
			wantErr: true,
		},
		{
			name:    "chunk longer than input",
			src:     []byte{0x20, 0xB0, 0x00, 'a'},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := make([]byte, lzntChunkSize)
			n, err := DecompressLZNT1(dst, tt.src)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrLZNT1)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, dst[:n])
		})
	}
}

func TestDecompressLZNT1StoredAndMultiChunk(t *testing.T) {
	stored := bytes.Repeat([]byte{'s'}, lzntChunkSize)
	src := append([]byte{0xFF, 0x3F}, stored...)
	src = append(src, 0x05, 0xB0, 0x00, 'h', 'e', 'l', 'l', 'o')

	dst := make([]byte, 2*lzntChunkSize)
	n, err := DecompressLZNT1(dst, src)
	require.NoError(t, err)
	assert.Equal(t, lzntChunkSize+5, n)
	assert.Equal(t, stored, dst[:lzntChunkSize])
	assert.Equal(t, "hello", string(dst[lzntChunkSize:lzntChunkSize+5]))
}

func TestBackReferenceSplitMovesWithPosition(t *testing.T) {
	// 32 literals put the output position at 32, where the displacement
	// field is 5 bits wide and the length field 11 bits.
	literals := bytes.Repeat([]byte("0123456789abcdef"), 2)
	src := []byte{}
	for i := 0; i < 32; i += 8 {
		src = append(src, 0x00)
		src = append(src, literals[i:i+8]...)
	}
	// reference: displacement 32, length 4 -> ((32-1) << 11) | (4-3)
	ref := uint16(31<<11 | 1)
	src = append(src, 0x01, byte(ref), byte(ref>>8))

	chunk := append([]byte{byte(len(src) - 1), 0xB0}, src...)
	dst := make([]byte, lzntChunkSize)
	n, err := DecompressLZNT1(dst, chunk)
	require.NoError(t, err)
	assert.Equal(t, 36, n)
	assert.Equal(t, "0123", string(dst[32:36]))
}
