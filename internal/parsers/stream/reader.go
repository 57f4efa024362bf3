// Package stream reads the content of a data stream from its run list,
// expanding sparse ranges and NTFS compression units.
package stream

import (
	"errors"
	"fmt"
	"io"

	"github.com/deploymenttheory/go-undelete/internal/interfaces"
	"github.com/deploymenttheory/go-undelete/internal/parsers/runs"
	"github.com/deploymenttheory/go-undelete/internal/types"
)

// Reader produces a stream's bytes cluster by cluster
type Reader struct {
	vol    interfaces.VolumeReader
	ds     *types.DataStream
	bpc    uint64
	walker *runs.Walker

	compressed bool
	encrypted  bool
	cuClusters uint64

	// position in bytes of the next cluster to return
	read uint64

	runLCN  int64
	runLeft uint64
	runsEnd bool

	// decoded compression unit not yet handed out
	unit    []byte
	unitOff uint64
	unitLen uint64

	// leftover of the last cluster batch for Read
	pending []byte
	scratch []byte
}

// NewReader prepares a reader over ds
func NewReader(vol interfaces.VolumeReader, ds *types.DataStream) *Reader {
	r := &Reader{
		vol:       vol,
		ds:        ds,
		bpc:       uint64(vol.BytesPerCluster()),
		encrypted: ds.Flags&types.StreamEncrypted != 0,
	}

	var maxUnit uint8
	for _, p := range ds.Pointers {
		if p.Flags&types.StreamCompressed != 0 {
			r.compressed = true
		}
		if p.CompUnit > maxUnit {
			maxUnit = p.CompUnit
		}
	}
	if r.compressed && maxUnit == 0 {
		maxUnit = 4
	}
	r.cuClusters = 1 << maxUnit
	r.walker = runs.NewWalker(ds.Pointers)
	return r
}

// Reset rewinds the reader to the start of the stream
func (r *Reader) Reset() {
	r.walker.Reset()
	r.read = 0
	r.runLCN, r.runLeft, r.runsEnd = 0, 0, false
	r.unit, r.unitOff, r.unitLen = nil, 0, 0
	r.pending = nil
}

// Refresh picks up segments appended to the stream after the reader was
// created. The NTFS loader needs it while the MFT describes itself.
func (r *Reader) Refresh() {
	r.walker.SetSegments(r.ds.Pointers)
	r.runsEnd = false
}

// Position returns the byte offset of the next cluster
func (r *Reader) Position() uint64 {
	return r.read
}

// Clusters returns the number of clusters needed to hold the stream
func (r *Reader) Clusters() uint64 {
	return (r.ds.Size + r.bpc - 1) / r.bpc
}

// IsSafeChunk reports whether the next n clusters lie inside the current
// run, so a read failure cannot take clusters of the next fragment with it.
func (r *Reader) IsSafeChunk(n uint64) bool {
	if r.ds.IsResident || r.compressed {
		return true
	}
	return r.runLeft == 0 || r.runLeft >= n
}

// GetClusters fills buf with the next n clusters and returns how many were
// produced. Fewer than n without an error means the run list ended; with an
// error, the count is what was read before the failure.
func (r *Reader) GetClusters(buf []byte, n uint32) (uint32, error) {
	want := uint64(n) * r.bpc
	if uint64(len(buf)) < want {
		return 0, fmt.Errorf("buffer of %d bytes is too small for %d clusters", len(buf), n)
	}
	buf = buf[:want]

	if r.ds.IsResident {
		return r.getResident(buf, n), nil
	}
	if r.compressed {
		return r.getCompressed(buf, n)
	}
	return r.getUncompressed(buf, n)
}

func (r *Reader) getResident(buf []byte, n uint32) uint32 {
	clear(buf)
	if r.read >= uint64(len(r.ds.Resident)) {
		return 0
	}
	copied := uint64(copy(buf, r.ds.Resident[r.read:]))
	r.read += copied
	return uint32((copied + r.bpc - 1) / r.bpc)
}

// nextRun advances to the next run; it returns false at the end of the list
func (r *Reader) nextRun() (bool, error) {
	if r.runsEnd {
		return false, nil
	}
	lcn, length, err := r.walker.Next()
	if err == io.EOF {
		r.runsEnd = true
		return false, nil
	}
	if err != nil {
		r.runsEnd = true
		return false, fmt.Errorf("%w: %w", types.ErrCorruptedMetadata, err)
	}
	r.runLCN, r.runLeft = lcn, length
	return true, nil
}

func (r *Reader) getUncompressed(buf []byte, n uint32) (uint32, error) {
	var done uint64
	for done < uint64(n) {
		if r.runLeft == 0 {
			ok, err := r.nextRun()
			if err != nil {
				return uint32(done), err
			}
			if !ok {
				break
			}
		}

		k := min(r.runLeft, uint64(n)-done)
		dst := buf[done*r.bpc : (done+k)*r.bpc]
		if err := r.readRun(dst, k); err != nil {
			return uint32(done), err
		}
		if r.runLCN != types.Sparse {
			r.runLCN += int64(k)
		}
		r.runLeft -= k
		r.read += k * r.bpc
		done += k
	}
	return uint32(done), nil
}

// readRun reads k clusters of the current run into dst, zero filling
// sparse runs and anything at or past the valid size.
func (r *Reader) readRun(dst []byte, k uint64) error {
	valid := r.ds.ValidSize
	if r.runLCN == types.Sparse || (r.read >= valid && !r.encrypted) {
		clear(dst)
		return nil
	}
	if err := r.vol.ReadClusters(dst, uint64(r.runLCN), uint32(k)); err != nil {
		return err
	}
	if !r.encrypted && r.read+k*r.bpc > valid {
		clear(dst[valid-r.read:])
	}
	return nil
}

// Skip advances past n clusters without returning them.
// Extraction uses it to step over clusters that failed to read.
func (r *Reader) Skip(n uint32) error {
	if r.ds.IsResident {
		r.read += uint64(n) * r.bpc
		return nil
	}
	if r.compressed {
		buf := make([]byte, uint64(n)*r.bpc)
		_, err := r.getCompressed(buf, n)
		return err
	}
	left := uint64(n)
	for left > 0 {
		if r.runLeft == 0 {
			ok, err := r.nextRun()
			if err != nil || !ok {
				return err
			}
		}
		k := min(r.runLeft, left)
		if r.runLCN != types.Sparse {
			r.runLCN += int64(k)
		}
		r.runLeft -= k
		r.read += k * r.bpc
		left -= k
	}
	return nil
}

func (r *Reader) getCompressed(buf []byte, n uint32) (uint32, error) {
	var done uint64
	for done < uint64(n) {
		if r.unitOff >= r.unitLen {
			ok, err := r.fillUnit()
			if err != nil {
				return uint32(done), err
			}
			if !ok {
				break
			}
		}
		k := min((r.unitLen-r.unitOff)/r.bpc, uint64(n)-done)
		copy(buf[done*r.bpc:(done+k)*r.bpc], r.unit[r.unitOff:r.unitOff+k*r.bpc])
		r.unitOff += k * r.bpc
		r.read += k * r.bpc
		done += k
	}
	return uint32(done), nil
}

// fillUnit reads the next compression unit and expands it when it is
// compressed. A unit is compressed when it ends in a sparse run and no data
// run follows a sparse run inside it.
func (r *Reader) fillUnit() (bool, error) {
	size := r.cuClusters * r.bpc
	if uint64(len(r.unit)) < size {
		r.unit = make([]byte, size)
		r.scratch = make([]byte, size)
	}
	raw := r.scratch[:size]
	clear(raw)

	var filled, dataClusters uint64
	compressed := true
	lastSparse := false
	sparseInside := false
	unitStart := r.read

	for filled < r.cuClusters {
		if r.runLeft == 0 {
			ok, err := r.nextRun()
			if err != nil {
				return false, err
			}
			if !ok {
				break
			}
		}
		k := min(r.runLeft, r.cuClusters-filled)
		dst := raw[filled*r.bpc : (filled+k)*r.bpc]

		if r.runLCN == types.Sparse {
			if k == r.cuClusters {
				compressed = false
			} else {
				sparseInside = true
			}
			lastSparse = true
		} else {
			if sparseInside {
				compressed = false
			}
			if unitStart+filled*r.bpc >= r.ds.ValidSize {
				compressed = false
			} else if err := r.vol.ReadClusters(dst, uint64(r.runLCN), uint32(k)); err != nil {
				return false, err
			}
			dataClusters = filled + k
			lastSparse = false
			r.runLCN += int64(k)
		}
		r.runLeft -= k
		filled += k
	}

	if filled == 0 {
		return false, nil
	}
	if !lastSparse {
		compressed = false
	}

	out := r.unit[:size]
	if compressed {
		clear(out)
		if _, err := DecompressLZNT1(out, raw[:dataClusters*r.bpc]); err != nil {
			copy(out, raw)
		}
	} else {
		copy(out, raw)
	}
	r.unitOff = 0
	r.unitLen = filled * r.bpc
	return true, nil
}

// ErrShortStream is returned by Read when the run list ends before Size bytes
var ErrShortStream = errors.New("stream ended before its declared size")

// Read implements io.Reader over the stream, stopping at its logical size
func (r *Reader) Read(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if len(r.pending) == 0 {
			remaining := r.ds.Size - min(r.read, r.ds.Size)
			if remaining == 0 {
				break
			}
			batch := min((remaining+r.bpc-1)/r.bpc, uint64(64*1024)/r.bpc+1)
			buf := make([]byte, batch*r.bpc)
			start := r.read
			got, err := r.GetClusters(buf, uint32(batch))
			avail := min(uint64(got)*r.bpc, r.ds.Size-start)
			r.pending = buf[:avail]
			if err != nil && avail == 0 {
				if total > 0 {
					return total, nil
				}
				return 0, err
			}
			if got == 0 {
				if total > 0 {
					return total, nil
				}
				return 0, ErrShortStream
			}
		}
		n := copy(p, r.pending)
		r.pending = r.pending[n:]
		p = p[n:]
		total += n
	}
	if total == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return total, nil
}
