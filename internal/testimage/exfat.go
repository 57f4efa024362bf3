package testimage

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/deploymenttheory/go-undelete/internal/types"
)

const exfatFatOffset = 24

// ExFATImage is an exFAT volume with one sector per cluster. The allocation
// bitmap starts in cluster 2, followed by the up-case table and the root
// directory.
type ExFATImage struct {
	clusters  uint32
	fat       []uint32
	alloc     []byte
	data      []byte
	fatLength uint32
	heap      uint32
	bitmapLen uint32
	upcase    uint32
	root      uint32
}

// NewExFAT returns an exFAT volume holding only the system clusters
func NewExFAT(clusters uint32) *ExFATImage {
	img := &ExFATImage{
		clusters:  clusters,
		fat:       make([]uint32, clusters+2),
		alloc:     make([]byte, (clusters+7)/8),
		fatLength: ((clusters+2)*4 + SectorSize - 1) / SectorSize,
	}
	img.heap = exfatFatOffset + img.fatLength
	img.data = make([]byte, int(img.heap+clusters)*SectorSize)
	img.fat[0] = 0xFFFFFFF8
	img.fat[1] = types.ExFATEndOfChain

	img.bitmapLen = (clusters + 7) / 8
	bitmapClusters := (img.bitmapLen + SectorSize - 1) / SectorSize
	img.upcase = 2 + bitmapClusters
	img.root = img.upcase + 1
	img.Chain(2, bitmapClusters)
	img.Chain(img.upcase, 1)
	img.Chain(img.root, 1)
	return img
}

// RootCluster returns the first cluster of the root directory
func (img *ExFATImage) RootCluster() uint32 {
	return img.root
}

// FirstFree returns the first cluster behind the system clusters
func (img *ExFATImage) FirstFree() uint32 {
	return img.root + 1
}

// SetEntry writes one FAT entry
func (img *ExFATImage) SetEntry(c, v uint32) {
	img.fat[c] = v
}

// Chain links and allocates n consecutive clusters starting at first
func (img *ExFATImage) Chain(first, n uint32) {
	list := make([]uint32, n)
	for i := range list {
		list[i] = first + uint32(i)
	}
	img.Link(list...)
}

// Link chains and allocates the given clusters in order
func (img *ExFATImage) Link(clusters ...uint32) {
	for i, c := range clusters {
		if i+1 < len(clusters) {
			img.fat[c] = clusters[i+1]
		} else {
			img.fat[c] = types.ExFATEndOfChain
		}
	}
	img.Allocate(clusters...)
}

// Allocate sets the bitmap bits of clusters without touching the FAT
func (img *ExFATImage) Allocate(clusters ...uint32) {
	for _, c := range clusters {
		i := c - 2
		img.alloc[i/8] |= 1 << (i % 8)
	}
}

// Free clears the FAT entries and bitmap bits of clusters
func (img *ExFATImage) Free(clusters ...uint32) {
	for _, c := range clusters {
		i := c - 2
		img.fat[c] = 0
		img.alloc[i/8] &^= 1 << (i % 8)
	}
}

// ClusterOffset returns the byte offset of a heap cluster
func (img *ExFATImage) ClusterOffset(c uint32) int {
	return int(img.heap+c-2) * SectorSize
}

// WriteCluster copies data to cluster c, spilling into the clusters after it
func (img *ExFATImage) WriteCluster(c uint32, data []byte) {
	copy(img.data[img.ClusterOffset(c):], data)
}

// WriteDir writes directory entries starting at cluster c
func (img *ExFATImage) WriteDir(c uint32, entries ...[]byte) {
	img.WriteCluster(c, concat(entries))
}

// WriteRoot writes the bitmap and up-case entries followed by entries to
// the root directory
func (img *ExFATImage) WriteRoot(entries ...[]byte) {
	head := [][]byte{
		exfatSystemEntry(types.ExFATEntryBitmap, 2, uint64(img.bitmapLen)),
		exfatSystemEntry(types.ExFATEntryUpCase, img.upcase, 128),
	}
	img.WriteDir(img.root, append(head, entries...)...)
}

func exfatSystemEntry(typ uint8, first uint32, length uint64) []byte {
	e := make([]byte, types.ExFATEntrySize)
	e[0] = typ
	binary.LittleEndian.PutUint32(e[20:], first)
	binary.LittleEndian.PutUint64(e[24:], length)
	return e
}

// Bytes writes the boot sector, the FAT and the allocation bitmap and
// returns the image
func (img *ExFATImage) Bytes() []byte {
	b := img.data[:SectorSize]
	copy(b[0:], types.ExFATJumpBoot[:])
	copy(b[3:], types.ExFATFileSystemName[:])
	binary.LittleEndian.PutUint64(b[72:], uint64(img.heap+img.clusters))
	binary.LittleEndian.PutUint32(b[80:], exfatFatOffset)
	binary.LittleEndian.PutUint32(b[84:], img.fatLength)
	binary.LittleEndian.PutUint32(b[88:], img.heap)
	binary.LittleEndian.PutUint32(b[92:], img.clusters)
	binary.LittleEndian.PutUint32(b[96:], img.root)
	binary.LittleEndian.PutUint16(b[104:], 0x0100)
	b[108] = 9
	b[109] = 0
	b[110] = 1
	b[111] = 0x80
	binary.LittleEndian.PutUint16(b[510:], types.BootSignature)

	fat := img.data[exfatFatOffset*SectorSize:]
	for i, v := range img.fat {
		binary.LittleEndian.PutUint32(fat[4*i:], v)
	}
	img.WriteCluster(2, img.alloc)
	return img.data
}

// ExFATFileSet returns an in-use entry set for a file or directory.
// contiguous marks a stream whose clusters are not linked in the FAT.
func ExFATFileSet(name string, attr uint16, first uint32, size uint64, contiguous bool) []byte {
	units := utf16.Encode([]rune(name))
	nameEntries := (len(units) + types.ExFATNameChars - 1) / types.ExFATNameChars
	set := make([]byte, (2+nameEntries)*types.ExFATEntrySize)

	ts := uint32(FixedDate)<<16 | uint32(FixedTime)
	p := set[:types.ExFATEntrySize]
	p[0] = types.ExFATEntryFile
	p[1] = byte(1 + nameEntries)
	binary.LittleEndian.PutUint16(p[4:], attr)
	binary.LittleEndian.PutUint32(p[8:], ts)
	binary.LittleEndian.PutUint32(p[12:], ts)
	binary.LittleEndian.PutUint32(p[16:], ts)

	s := set[types.ExFATEntrySize : 2*types.ExFATEntrySize]
	s[0] = types.ExFATEntryStreamExt
	s[1] = 0x01
	if contiguous {
		s[1] |= types.ExFATFlagNoFatChain
	}
	s[3] = byte(len(units))
	binary.LittleEndian.PutUint64(s[8:], size)
	binary.LittleEndian.PutUint32(s[20:], first)
	binary.LittleEndian.PutUint64(s[24:], size)

	for i := 0; i < nameEntries; i++ {
		e := set[(2+i)*types.ExFATEntrySize : (3+i)*types.ExFATEntrySize]
		e[0] = types.ExFATEntryFileName
		for j := 0; j < types.ExFATNameChars && i*types.ExFATNameChars+j < len(units); j++ {
			binary.LittleEndian.PutUint16(e[2+2*j:], units[i*types.ExFATNameChars+j])
		}
	}

	binary.LittleEndian.PutUint16(p[2:], types.EntrySetChecksum(set))
	return set
}

// ExFATDelete returns a copy of an entry set with the in-use bit of every
// entry cleared
func ExFATDelete(set []byte) []byte {
	out := append([]byte(nil), set...)
	for i := 0; i < len(out); i += types.ExFATEntrySize {
		out[i] &^= types.ExFATEntryInUse
	}
	return out
}
