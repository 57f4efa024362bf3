// Package runs encodes and decodes run lists: variable length, signed
// delta encoded extent lists in the NTFS mapping pairs format. FAT and exFAT
// cluster chains are expressed in the same format so that stream reading
// and damage estimation do not depend on the filesystem.
package runs

import (
	"github.com/deploymenttheory/go-undelete/internal/types"
)

// Run is one extent: Length clusters starting at LCN, or a sparse range
// when LCN is types.Sparse.
type Run struct {
	LCN    int64
	Length uint64
}

// IsSparse reports whether the run has no clusters on disk
func (r Run) IsSparse() bool {
	return r.LCN == types.Sparse
}

// Encoder appends runs to a run list buffer
type Encoder struct {
	buf     []byte
	prevLCN int64
	vcn     uint64
}

// NewEncoder returns an empty encoder
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Append encodes one run. A zero length run is ignored.
func (e *Encoder) Append(lcn int64, length uint64) {
	if length == 0 {
		return
	}

	lenBytes := byteCount(int64(length))
	if int64(length) < 0 {
		lenBytes = 8
	}

	if lcn == types.Sparse {
		e.buf = append(e.buf, byte(lenBytes))
		e.buf = appendLE(e.buf, uint64(length), lenBytes)
		e.vcn += length
		return
	}

	delta := lcn - e.prevLCN
	deltaBytes := byteCount(delta)
	e.buf = append(e.buf, byte(deltaBytes<<4|lenBytes))
	e.buf = appendLE(e.buf, uint64(length), lenBytes)
	e.buf = appendLE(e.buf, uint64(delta), deltaBytes)
	e.prevLCN = lcn
	e.vcn += length
}

// Clusters returns the number of virtual clusters appended so far
func (e *Encoder) Clusters() uint64 {
	return e.vcn
}

// Len returns the encoded size without the terminator
func (e *Encoder) Len() int {
	return len(e.buf)
}

// Bytes returns the encoded run list with its zero terminator
func (e *Encoder) Bytes() []byte {
	out := make([]byte, len(e.buf)+1)
	copy(out, e.buf)
	return out
}

// Encode encodes a whole run list
func Encode(list []Run) []byte {
	e := NewEncoder()
	for _, r := range list {
		e.Append(r.LCN, r.Length)
	}
	return e.Bytes()
}

// byteCount returns the smallest n in 1..8 such that sign extending the low
// n bytes of v gives v back.
func byteCount(v int64) int {
	for n := 1; n < 8; n++ {
		high := v &^ (int64(1)<<(8*n-1) - 1)
		if high == 0 || high == ^(int64(1)<<(8*n-1)-1) {
			return n
		}
	}
	return 8
}

func appendLE(buf []byte, v uint64, n int) []byte {
	for i := 0; i < n; i++ {
		buf = append(buf, byte(v>>(8*i)))
	}
	return buf
}
