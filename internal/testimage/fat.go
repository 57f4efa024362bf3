// Package testimage builds small synthetic volume images for tests.
package testimage

import (
	"encoding/binary"
	"strings"
	"unicode/utf16"

	"github.com/deploymenttheory/go-undelete/internal/types"
)

// SectorSize is the sector size of every generated image
const SectorSize = 512

// FixedDate and FixedTime stamp every generated FAT entry (2024-05-01 12:00:00)
const (
	FixedDate uint16 = (2024-1980)<<9 | 5<<5 | 1
	FixedTime uint16 = 12 << 11
)

// FATImage is a FAT12, FAT16 or FAT32 volume with one sector per cluster
type FATImage struct {
	Type types.VolumeType

	clusters    uint32
	fat         []uint32
	data        []byte
	reserved    uint32
	fatSectors  uint32
	rootSector  uint32
	rootSectors uint32
	firstData   uint32
}

// NewFAT12 returns an empty FAT12 volume; clusters must stay below 4085
func NewFAT12(clusters uint32) *FATImage {
	return newFAT(types.VolumeFAT12, clusters)
}

// NewFAT16 returns an empty FAT16 volume; clusters must be in 4085..65524
func NewFAT16(clusters uint32) *FATImage {
	return newFAT(types.VolumeFAT16, clusters)
}

// NewFAT32 returns an empty FAT32 volume with the root directory in
// cluster 2; clusters must be at least 65525
func NewFAT32(clusters uint32) *FATImage {
	img := newFAT(types.VolumeFAT32, clusters)
	img.SetEntry(2, img.EOC())
	return img
}

func newFAT(vt types.VolumeType, clusters uint32) *FATImage {
	img := &FATImage{Type: vt, clusters: clusters, fat: make([]uint32, clusters+2)}
	var fatBytes uint32
	switch vt {
	case types.VolumeFAT12:
		fatBytes = (clusters+2)*3/2 + 1
	case types.VolumeFAT16:
		fatBytes = (clusters + 2) * 2
	default:
		fatBytes = (clusters + 2) * 4
	}
	img.fatSectors = (fatBytes + SectorSize - 1) / SectorSize

	if vt == types.VolumeFAT32 {
		img.reserved = 32
	} else {
		img.reserved = 1
		img.rootSectors = 32
	}
	img.rootSector = img.reserved + 2*img.fatSectors
	img.firstData = img.rootSector + img.rootSectors
	img.data = make([]byte, int(img.firstData+clusters)*SectorSize)

	img.fat[0] = 0x0FFFFFF8 & img.mask()
	img.fat[1] = img.EOC()
	return img
}

func (img *FATImage) mask() uint32 {
	switch img.Type {
	case types.VolumeFAT12:
		return 0xFFF
	case types.VolumeFAT16:
		return 0xFFFF
	}
	return 0x0FFFFFFF
}

// EOC returns the end-of-chain value written by Chain
func (img *FATImage) EOC() uint32 {
	return img.mask()
}

// SetEntry writes one FAT entry
func (img *FATImage) SetEntry(c, v uint32) {
	img.fat[c] = v & img.mask()
}

// Entry returns one FAT entry
func (img *FATImage) Entry(c uint32) uint32 {
	return img.fat[c]
}

// Chain links n consecutive clusters starting at first
func (img *FATImage) Chain(first, n uint32) {
	list := make([]uint32, n)
	for i := range list {
		list[i] = first + uint32(i)
	}
	img.Link(list...)
}

// Link chains the given clusters in order and terminates the chain
func (img *FATImage) Link(clusters ...uint32) {
	for i, c := range clusters {
		if i+1 < len(clusters) {
			img.SetEntry(c, clusters[i+1])
		} else {
			img.SetEntry(c, img.EOC())
		}
	}
}

// Free marks clusters as unallocated
func (img *FATImage) Free(clusters ...uint32) {
	for _, c := range clusters {
		img.fat[c] = 0
	}
}

// ClusterOffset returns the byte offset of a data cluster
func (img *FATImage) ClusterOffset(c uint32) int {
	return int(img.firstData+c-2) * SectorSize
}

// WriteCluster copies data to cluster c, spilling into the clusters after it
func (img *FATImage) WriteCluster(c uint32, data []byte) {
	copy(img.data[img.ClusterOffset(c):], data)
}

// WriteDir writes directory entries starting at cluster c
func (img *FATImage) WriteDir(c uint32, entries ...[]byte) {
	img.WriteCluster(c, concat(entries))
}

// WriteRoot writes entries to the root directory
func (img *FATImage) WriteRoot(entries ...[]byte) {
	if img.Type == types.VolumeFAT32 {
		img.WriteDir(2, entries...)
		return
	}
	copy(img.data[int(img.rootSector)*SectorSize:], concat(entries))
}

// Bytes writes the boot sector and both FAT copies and returns the image
func (img *FATImage) Bytes() []byte {
	img.writeBoot()
	raw := img.encodeFAT()
	for i := uint32(0); i < 2; i++ {
		copy(img.data[int(img.reserved+i*img.fatSectors)*SectorSize:], raw)
	}
	return img.data
}

func (img *FATImage) encodeFAT() []byte {
	raw := make([]byte, int(img.fatSectors)*SectorSize)
	for i, v := range img.fat {
		switch img.Type {
		case types.VolumeFAT12:
			off := i + i/2
			if i%2 == 0 {
				raw[off] = byte(v)
				raw[off+1] = raw[off+1]&0xF0 | byte(v>>8)&0x0F
			} else {
				raw[off] = raw[off]&0x0F | byte(v<<4)
				raw[off+1] = byte(v >> 4)
			}
		case types.VolumeFAT16:
			binary.LittleEndian.PutUint16(raw[2*i:], uint16(v))
		default:
			binary.LittleEndian.PutUint32(raw[4*i:], v)
		}
	}
	return raw
}

func (img *FATImage) writeBoot() {
	b := img.data[:SectorSize]
	copy(b[0:], []byte{0xEB, 0x58, 0x90})
	copy(b[3:], "MSWIN4.1")
	binary.LittleEndian.PutUint16(b[11:], SectorSize)
	b[13] = 1
	binary.LittleEndian.PutUint16(b[14:], uint16(img.reserved))
	b[16] = 2
	b[21] = 0xF8

	total := img.firstData + img.clusters
	if total < 0x10000 {
		binary.LittleEndian.PutUint16(b[19:], uint16(total))
	} else {
		binary.LittleEndian.PutUint32(b[32:], total)
	}

	if img.Type == types.VolumeFAT32 {
		binary.LittleEndian.PutUint32(b[36:], img.fatSectors)
		binary.LittleEndian.PutUint32(b[44:], 2)
		binary.LittleEndian.PutUint16(b[48:], 1)
		b[66] = 0x29
		copy(b[71:], "NO NAME    ")
		copy(b[82:], "FAT32   ")
	} else {
		binary.LittleEndian.PutUint16(b[17:], uint16(img.rootSectors*SectorSize/types.FATDirEntrySize))
		binary.LittleEndian.PutUint16(b[22:], uint16(img.fatSectors))
		b[38] = 0x29
		copy(b[43:], "NO NAME    ")
		copy(b[54:], "FAT     ")
	}
	b[510], b[511] = 0x55, 0xAA
}

func concat(parts [][]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// ShortName packs an 8.3 name into its on-disk form
func ShortName(name string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	base, ext := strings.ToUpper(name), ""
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		base, ext = base[:i], base[i+1:]
	}
	copy(out[:8], base)
	copy(out[8:], ext)
	return out
}

// ShortEntry returns one 8.3 directory entry
func ShortEntry(name string, attr uint8, cluster, size uint32) []byte {
	return rawShortEntry(ShortName(name), attr, cluster, size)
}

func rawShortEntry(name [11]byte, attr uint8, cluster, size uint32) []byte {
	e := make([]byte, types.FATDirEntrySize)
	copy(e, name[:])
	e[11] = attr
	binary.LittleEndian.PutUint16(e[14:], FixedTime)
	binary.LittleEndian.PutUint16(e[16:], FixedDate)
	binary.LittleEndian.PutUint16(e[18:], FixedDate)
	binary.LittleEndian.PutUint16(e[20:], uint16(cluster>>16))
	binary.LittleEndian.PutUint16(e[22:], FixedTime)
	binary.LittleEndian.PutUint16(e[24:], FixedDate)
	binary.LittleEndian.PutUint16(e[26:], uint16(cluster))
	binary.LittleEndian.PutUint32(e[28:], size)
	return e
}

// LongEntries returns the long name entries of long in disk order, ready to
// be placed in front of the short entry named short
func LongEntries(long string, short [11]byte) []byte {
	units := utf16.Encode([]rune(long))
	if len(units)%types.FATLongNameChars != 0 {
		units = append(units, 0)
	}
	for len(units)%types.FATLongNameChars != 0 {
		units = append(units, 0xFFFF)
	}
	n := len(units) / types.FATLongNameChars
	sum := types.ShortNameChecksum(short)

	out := make([]byte, 0, n*types.FATDirEntrySize)
	for ord := n; ord >= 1; ord-- {
		part := units[(ord-1)*types.FATLongNameChars : ord*types.FATLongNameChars]
		e := make([]byte, types.FATDirEntrySize)
		e[0] = byte(ord)
		if ord == n {
			e[0] |= types.FATLastLongEntry
		}
		e[11] = types.FATAttrLongName
		e[13] = sum
		for i, u := range part {
			var off int
			switch {
			case i < 5:
				off = 1 + 2*i
			case i < 11:
				off = 14 + 2*(i-5)
			default:
				off = 28 + 2*(i-11)
			}
			binary.LittleEndian.PutUint16(e[off:], u)
		}
		out = append(out, e...)
	}
	return out
}

// FileEntries returns the long name entries of long followed by the short
// entry short
func FileEntries(long, short string, attr uint8, cluster, size uint32) []byte {
	sn := ShortName(short)
	return append(LongEntries(long, sn), rawShortEntry(sn, attr, cluster, size)...)
}

// Delete returns a copy of entries with every entry marked deleted
func Delete(entries []byte) []byte {
	out := append([]byte(nil), entries...)
	for i := 0; i+types.FATDirEntrySize <= len(out); i += types.FATDirEntrySize {
		out[i] = types.FATDeletedMark
	}
	return out
}

// DotEntries returns the "." and ".." entries of a directory
func DotEntries(self, parent uint32) []byte {
	var dot, dotdot [11]byte
	for i := range dot {
		dot[i], dotdot[i] = ' ', ' '
	}
	dot[0] = '.'
	dotdot[0], dotdot[1] = '.', '.'
	return append(rawShortEntry(dot, types.FATAttrDirectory, self, 0),
		rawShortEntry(dotdot, types.FATAttrDirectory, parent, 0)...)
}
