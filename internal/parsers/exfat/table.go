package exfat

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-undelete/internal/types"
)

const (
	// fatCacheSectors is the size of the window used for entries behind the head
	fatCacheSectors = 8
	// fatMediaEntry and the end-of-chain value are expected in entries 0 and 1
	fatMediaEntry uint32 = 0xFFFFFFF8
)

// fatTable reads exFAT FAT entries. The head of the FAT is held in memory;
// entries behind it go through a small sector window.
type fatTable struct {
	vol     Volume
	start   uint64
	sectors uint64
	bps     uint64
	entries uint64
	count   uint32

	head     []uint32
	cache    []uint32
	cacheSec uint64
}

// openFAT loads up to headBytes of the first FAT
func openFAT(vol Volume, headBytes int) (*fatTable, error) {
	geo := vol.ExFAT()
	if geo.FatLength == 0 {
		return nil, fmt.Errorf("%w: FAT length is zero", types.ErrCorruptedMetadata)
	}
	t := &fatTable{
		vol:     vol,
		start:   uint64(geo.FatOffset),
		sectors: uint64(geo.FatLength),
		bps:     uint64(vol.BytesPerSector()),
		count:   uint32(vol.ClusterCount()),
	}
	t.entries = min(t.sectors*t.bps/4, uint64(t.count)+2)

	headSectors := min(t.sectors, uint64(headBytes)/t.bps, (t.entries*4+t.bps-1)/t.bps)
	headSectors = max(headSectors, 1)
	raw := make([]byte, headSectors*t.bps)
	if err := vol.ReadSectors(raw, t.start, uint32(headSectors)); err != nil {
		return nil, fmt.Errorf("failed to read FAT: %w", err)
	}
	t.head = decodeEntries(raw, t.entries)
	return t, nil
}

func decodeEntries(raw []byte, limit uint64) []uint32 {
	n := min(uint64(len(raw)/4), limit)
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(raw[4*i:])
	}
	return out
}

// mediaOK reports whether the first two entries hold their fixed values
func (t *fatTable) mediaOK() bool {
	return len(t.head) >= 2 && t.head[0] == fatMediaEntry && t.head[1] == types.ExFATEndOfChain
}

// valid reports whether c addresses a cluster of the heap
func (t *fatTable) valid(c uint32) bool {
	return c >= 2 && uint64(c) < uint64(t.count)+2
}

// next returns the FAT entry of c
func (t *fatTable) next(c uint32) (uint32, error) {
	if uint64(c) >= t.entries {
		return 0, fmt.Errorf("cluster %d is outside the FAT", c)
	}
	if int(c) < len(t.head) {
		return t.head[c], nil
	}

	perSector := t.bps / 4
	sec := uint64(c) / perSector
	if t.cache == nil || sec < t.cacheSec || sec >= t.cacheSec+uint64(len(t.cache))/perSector {
		n := min(fatCacheSectors, t.sectors-sec)
		raw := make([]byte, n*t.bps)
		if err := t.vol.ReadSectors(raw, t.start+sec, uint32(n)); err != nil {
			t.cache = nil
			return 0, fmt.Errorf("failed to read FAT sector %d: %w", sec, err)
		}
		t.cache = decodeEntries(raw, n*perSector)
		t.cacheSec = sec
	}
	return t.cache[uint64(c)-t.cacheSec*perSector], nil
}

// follow walks the chain from first for at most limit clusters and calls fn
// for each run of consecutive clusters. The chain ends at the end-of-chain
// mark or a free entry; anything else that leaves the heap is returned as an
// error after the clusters found so far were reported.
func (t *fatTable) follow(first uint32, limit uint64, fn func(lcn uint32, n uint64)) (uint64, error) {
	if limit == 0 {
		return 0, nil
	}
	if !t.valid(first) {
		return 0, fmt.Errorf("first cluster %d is out of range", first)
	}

	var err error
	lcn, length, total := first, uint64(1), uint64(1)
	for c := first; total < limit; total++ {
		next, rerr := t.next(c)
		if rerr != nil {
			err = rerr
			break
		}
		if next == types.ExFATEndOfChain || next == 0 {
			break
		}
		if !t.valid(next) {
			err = fmt.Errorf("cluster chain broken at %d (next %#x)", c, next)
			break
		}
		if next == c+1 {
			length++
		} else {
			fn(lcn, length)
			lcn, length = next, 1
		}
		c = next
	}
	fn(lcn, length)
	return total, err
}
