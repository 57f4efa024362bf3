// Package bitmap holds the 2-bit per cluster overlap map used for damage
// estimation.
package bitmap

import (
	"fmt"

	"github.com/deploymenttheory/go-undelete/internal/types"
)

// Cluster states
const (
	Unused   uint8 = 0 // free and claimed by no deleted file
	Single   uint8 = 1 // claimed by exactly one deleted file
	Multiple uint8 = 2 // claimed by two or more deleted files
	Existing uint8 = 3 // allocated to existing data
)

const (
	chunkShift = 20
	chunkBytes = 1 << chunkShift
)

// MaxBytes bounds the memory one plane may use
var MaxBytes uint64 = 1 << 32

// ClusterBitmap stores two bit planes, low and high, split into fixed size
// chunks. Bit i of both planes together form the value of cluster i.
type ClusterBitmap struct {
	low      [][]byte
	high     [][]byte
	clusters uint64
	fill     uint64
}

// New allocates a zeroed bitmap for the given number of clusters
func New(clusters uint64) (*ClusterBitmap, error) {
	size := (clusters + 7) / 8
	if size > MaxBytes {
		return nil, fmt.Errorf("%w: cluster bitmap of %d bytes", types.ErrOutOfMemory, size)
	}

	b := &ClusterBitmap{clusters: clusters}
	for left := size; left > 0; {
		n := uint64(chunkBytes)
		if left < n {
			n = left
		}
		b.low = append(b.low, make([]byte, n))
		b.high = append(b.high, make([]byte, n))
		left -= n
	}
	return b, nil
}

// Len returns the number of clusters covered
func (b *ClusterBitmap) Len() uint64 {
	return b.clusters
}

// AddBlock appends the next part of the filesystem's allocation bitmap:
// allocated clusters become Existing, free clusters Unused. Bits past the
// end of the map are ignored.
func (b *ClusterBitmap) AddBlock(bits []byte) {
	for _, v := range bits {
		if b.fill >= b.clusters {
			return
		}
		if b.fill%8 == 0 {
			idx := b.fill >> 3
			c, o := idx>>chunkShift, idx&(chunkBytes-1)
			b.low[c][o] = v
			b.high[c][o] = v
			b.fill += 8
			continue
		}
		for bit := 0; bit < 8 && b.fill < b.clusters; bit++ {
			if v&(1<<bit) != 0 {
				b.SetValue(b.fill, Existing)
			} else {
				b.SetValue(b.fill, Unused)
			}
			b.fill++
		}
	}
	if b.fill > b.clusters {
		b.fill = b.clusters
	}
}

// Value returns the state of cluster i; clusters outside the map read as Existing
func (b *ClusterBitmap) Value(i uint64) uint8 {
	if i >= b.clusters {
		return Existing
	}
	idx := i >> 3
	c, o := idx>>chunkShift, idx&(chunkBytes-1)
	mask := byte(1) << (i & 7)
	var v uint8
	if b.low[c][o]&mask != 0 {
		v |= 1
	}
	if b.high[c][o]&mask != 0 {
		v |= 2
	}
	return v
}

// SetValue stores the state of cluster i
func (b *ClusterBitmap) SetValue(i uint64, v uint8) {
	if i >= b.clusters {
		return
	}
	idx := i >> 3
	c, o := idx>>chunkShift, idx&(chunkBytes-1)
	mask := byte(1) << (i & 7)
	if v&1 != 0 {
		b.low[c][o] |= mask
	} else {
		b.low[c][o] &^= mask
	}
	if v&2 != 0 {
		b.high[c][o] |= mask
	} else {
		b.high[c][o] &^= mask
	}
}

// IncreaseValue counts one more deleted claim on cluster i, saturating at
// Multiple. Existing clusters are left untouched.
func (b *ClusterBitmap) IncreaseValue(i uint64) {
	if v := b.Value(i); v < Multiple {
		b.SetValue(i, v+1)
	}
}

// LostSegments returns the runs of clusters whose state is Unused or
// Multiple. base is added to each index to produce filesystem cluster numbers.
func (b *ClusterBitmap) LostSegments(base uint64) []types.ClusterSegment {
	var out []types.ClusterSegment
	var start uint64
	in := false
	for i := uint64(0); i < b.clusters; i++ {
		v := b.Value(i)
		lost := v == Unused || v == Multiple
		switch {
		case lost && !in:
			start, in = i, true
		case !lost && in:
			out = append(out, types.ClusterSegment{First: start + base, Count: i - start})
			in = false
		}
	}
	if in {
		out = append(out, types.ClusterSegment{First: start + base, Count: b.clusters - start})
	}
	return out
}
