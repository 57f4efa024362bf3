package runs

import (
	"errors"
	"fmt"
	"io"

	"github.com/deploymenttheory/go-undelete/internal/types"
)

// ErrMalformedRuns is returned when a run list cannot be decoded
var ErrMalformedRuns = errors.New("malformed run list")

// Walker iterates the runs of one or more consecutive DataPointers segments
type Walker struct {
	segments []*types.DataPointers
	seg      int
	pos      int
	lcn      int64
	vcn      uint64
	started  bool
	// loose skips the LastVCN check for bare run lists
	loose    bool
}

// NewWalker returns a walker positioned before the first run
func NewWalker(segments []*types.DataPointers) *Walker {
	return &Walker{segments: segments}
}

// VCN returns the virtual cluster number of the next run
func (w *Walker) VCN() uint64 {
	return w.vcn
}

// SetSegments replaces the segment list without moving the walker. The
// segments already walked must be unchanged.
func (w *Walker) SetSegments(segments []*types.DataPointers) {
	w.segments = segments
}

// Reset rewinds the walker to the first run
func (w *Walker) Reset() {
	w.seg, w.pos, w.lcn, w.vcn, w.started = 0, 0, 0, 0, false
}

// Next returns the next run. It returns io.EOF after the last run of the
// last segment and ErrMalformedRuns when a header points past its segment,
// when a segment's runs do not end at its LastVCN, or when a segment does
// not start where the previous one ended.
func (w *Walker) Next() (lcn int64, length uint64, err error) {
	for w.seg < len(w.segments) {
		s := w.segments[w.seg]
		if !w.started {
			if s.StartVCN != w.vcn {
				return 0, 0, fmt.Errorf("%w: segment %d starts at VCN %d, expected %d",
					ErrMalformedRuns, w.seg, s.StartVCN, w.vcn)
			}
			w.started = true
			w.pos = 0
			w.lcn = 0
		}

		if w.pos >= len(s.Runs) || s.Runs[w.pos] == 0 {
			// LastVCN+1 wraps to 0 for an empty segment
			if !w.loose && w.vcn != s.LastVCN+1 {
				return 0, 0, fmt.Errorf("%w: segment %d ends at VCN %d, its header says %d",
					ErrMalformedRuns, w.seg, w.vcn, s.LastVCN+1)
			}
			w.seg++
			w.started = false
			continue
		}

		lcn, length, n, err := decodeRun(s.Runs[w.pos:], w.lcn)
		if err != nil {
			return 0, 0, fmt.Errorf("segment %d offset %d: %w", w.seg, w.pos, err)
		}
		w.pos += n
		if lcn != types.Sparse {
			w.lcn = lcn
		}
		w.vcn += length
		return lcn, length, nil
	}
	return 0, 0, io.EOF
}

// decodeRun decodes the run at the start of buf relative to prevLCN and
// returns the run and the number of bytes consumed.
func decodeRun(buf []byte, prevLCN int64) (lcn int64, length uint64, n int, err error) {
	header := buf[0]
	lenBytes := int(header & 0x0F)
	deltaBytes := int(header >> 4)
	if lenBytes == 0 || lenBytes > 8 || deltaBytes > 8 {
		return 0, 0, 0, fmt.Errorf("%w: invalid header 0x%02x", ErrMalformedRuns, header)
	}
	n = 1 + lenBytes + deltaBytes
	if n > len(buf) {
		return 0, 0, 0, fmt.Errorf("%w: header 0x%02x needs %d bytes, %d left",
			ErrMalformedRuns, header, n, len(buf))
	}

	for i := 0; i < lenBytes; i++ {
		length |= uint64(buf[1+i]) << (8 * i)
	}
	if length == 0 {
		return 0, 0, 0, fmt.Errorf("%w: zero length run", ErrMalformedRuns)
	}

	if deltaBytes == 0 {
		return types.Sparse, length, n, nil
	}

	var delta int64
	for i := 0; i < deltaBytes; i++ {
		delta |= int64(buf[1+lenBytes+i]) << (8 * i)
	}
	// sign extend
	shift := uint(64 - 8*deltaBytes)
	delta = delta << shift >> shift

	lcn = prevLCN + delta
	if lcn < 0 {
		return 0, 0, 0, fmt.Errorf("%w: negative LCN %d", ErrMalformedRuns, lcn)
	}
	return lcn, length, n, nil
}

// Decode decodes a single run list buffer that carries no VCN range
func Decode(buf []byte) ([]Run, error) {
	w := NewWalker([]*types.DataPointers{{Runs: buf}})
	w.loose = true
	return collect(w)
}

// All decodes every run of a stream's segments
func All(segments []*types.DataPointers) ([]Run, error) {
	return collect(NewWalker(segments))
}

func collect(w *Walker) ([]Run, error) {
	var list []Run
	for {
		lcn, length, err := w.Next()
		if err == io.EOF {
			return list, nil
		}
		if err != nil {
			return list, err
		}
		list = append(list, Run{LCN: lcn, Length: length})
	}
}

// Equal reports whether two run lists describe the same extents
func Equal(a, b []*types.DataPointers) bool {
	ra, errA := All(a)
	rb, errB := All(b)
	if errA != nil || errB != nil || len(ra) != len(rb) {
		return false
	}
	for i := range ra {
		if ra[i] != rb[i] {
			return false
		}
	}
	return true
}
