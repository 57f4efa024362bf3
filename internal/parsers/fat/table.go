package fat

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-undelete/internal/types"
)

// tableBatchSectors is the number of FAT sectors read at once
const tableBatchSectors = 128

// table is the in-memory copy of the first FAT. Entries keep their on-disk
// value in the low 28 bits; the high nibble carries marks while a snapshot
// is built.
type table struct {
	entries []uint32
	eoc     uint32
	count   uint32 // data clusters
}

// eocFor returns the lowest end-of-chain value of a FAT variant
func eocFor(vt types.VolumeType) uint32 {
	switch vt {
	case types.VolumeFAT12:
		return 0xFF8
	case types.VolumeFAT16:
		return 0xFFF8
	default:
		return 0x0FFFFFF8
	}
}

// loadTable reads the first FAT of the volume
func loadTable(ctx context.Context, vol Volume) (*table, error) {
	geo := vol.FAT()
	vt := vol.Type()
	bps := vol.BytesPerSector()
	count := uint32(vol.ClusterCount())

	raw := make([]byte, int(geo.FATSize)*int(bps))
	first := uint64(geo.Boot.RsvdSecCnt)
	for done := uint32(0); done < geo.FATSize; done += tableBatchSectors {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", types.ErrCancelled, err)
		}
		n := min(uint32(tableBatchSectors), geo.FATSize-done)
		off := int(done) * int(bps)
		if err := vol.ReadSectors(raw[off:off+int(n*bps)], first+uint64(done), n); err != nil {
			return nil, fmt.Errorf("failed to read FAT: %w", err)
		}
	}

	return &table{
		entries: decodeTable(raw, vt, int(count)+2),
		eoc:     eocFor(vt),
		count:   count,
	}, nil
}

// decodeTable unpacks n entries of a raw FAT. Entries past the end of raw read as free.
func decodeTable(raw []byte, vt types.VolumeType, n int) []uint32 {
	entries := make([]uint32, n)
	for i := range entries {
		switch vt {
		case types.VolumeFAT12:
			off := i + i/2
			if off+1 >= len(raw) {
				return entries
			}
			v := uint32(binary.LittleEndian.Uint16(raw[off:]))
			if i&1 != 0 {
				v >>= 4
			}
			entries[i] = v & 0xFFF
		case types.VolumeFAT16:
			if 2*i+2 > len(raw) {
				return entries
			}
			entries[i] = uint32(binary.LittleEndian.Uint16(raw[2*i:]))
		default:
			if 4*i+4 > len(raw) {
				return entries
			}
			entries[i] = binary.LittleEndian.Uint32(raw[4*i:]) & types.FAT32EntryMask
		}
	}
	return entries
}

func (t *table) valid(c uint32) bool {
	return c >= 2 && c < t.count+2
}

// raw returns the entry including marks
func (t *table) raw(c uint32) uint32 {
	if int(c) >= len(t.entries) {
		return 0
	}
	return t.entries[c]
}

// value returns the entry without marks
func (t *table) value(c uint32) uint32 {
	return t.raw(c) &^ types.FATMarkMask
}

func (t *table) used(c uint32) bool {
	return t.value(c) != 0
}

func (t *table) mark(c uint32, m uint32) {
	if int(c) < len(t.entries) {
		t.entries[c] |= m
	}
}

func (t *table) clearMarks() {
	for i := range t.entries {
		t.entries[i] &^= types.FATMarkMask
	}
}

// damage returns the 2-bit damage counter kept in the mark bits
func (t *table) damage(c uint32) uint8 {
	return uint8((t.raw(c) & types.FATDamageMask) >> types.FATDamageShift)
}

// increaseDamage bumps the damage counter, saturating at 2
func (t *table) increaseDamage(c uint32) {
	if int(c) < len(t.entries) && t.entries[c]&types.FATMarkMask < 2<<types.FATDamageShift {
		t.entries[c] += 1 << types.FATDamageShift
	}
}

// countUsed returns the number of allocated data clusters
func (t *table) countUsed() uint64 {
	var n uint64
	for c := uint32(2); c < t.count+2; c++ {
		if t.used(c) {
			n++
		}
	}
	return n
}

// lostSegments returns the runs of free clusters that no recoverable
// deleted file claims, or that several deleted files claim
func (t *table) lostSegments() []types.ClusterSegment {
	var out []types.ClusterSegment
	var cur *types.ClusterSegment
	for c := uint32(2); c < t.count+2; c++ {
		d := t.damage(c)
		if !t.used(c) && (d == 0 || d == 2) {
			if cur == nil {
				out = append(out, types.ClusterSegment{First: uint64(c)})
				cur = &out[len(out)-1]
			}
			cur.Count++
			continue
		}
		cur = nil
	}
	return out
}
