package types

// FAT12/16/32 on-disk structures (fatgen103 layout)

// FATBootSector is the BIOS parameter block shared by FAT12, FAT16 and FAT32.
// The layout is unpacked with restruct and carries no padding.
type FATBootSector struct {
	JmpBoot    [3]byte
	OEMName    [8]byte
	BytsPerSec uint16
	SecPerClus uint8
	RsvdSecCnt uint16
	NumFATs    uint8
	RootEntCnt uint16
	TotSec16   uint16
	Media      uint8
	FATSz16    uint16
	SecPerTrk  uint16
	NumHeads   uint16
	HiddSec    uint32
	TotSec32   uint32
}

// FATBootSectorSize is the packed size of FATBootSector
const FATBootSectorSize = 36

// FAT32BootSectorExt follows the common BPB on FAT32 volumes
type FAT32BootSectorExt struct {
	FATSz32    uint32
	ExtFlags   uint16
	FSVer      uint16
	RootClus   uint32
	FSInfo     uint16
	BkBootSec  uint16
	Reserved   [12]byte
	DrvNum     uint8
	Reserved1  uint8
	BootSig    uint8
	VolID      uint32
	VolLab     [11]byte
	FilSysType [8]byte
}

// FAT type thresholds by count of data clusters
const (
	FAT12MaxClusters = 4085
	FAT16MaxClusters = 65525
)

// Directory entry attribute bits
const (
	FATAttrReadOnly  uint8 = 0x01
	FATAttrHidden    uint8 = 0x02
	FATAttrSystem    uint8 = 0x04
	FATAttrVolumeID  uint8 = 0x08
	FATAttrDirectory uint8 = 0x10
	FATAttrArchive   uint8 = 0x20
	FATAttrLongName  uint8 = FATAttrReadOnly | FATAttrHidden | FATAttrSystem | FATAttrVolumeID
	FATAttrLongMask  uint8 = 0x3F
)

const (
	// FATDirEntrySize is the size of one short or long directory entry
	FATDirEntrySize = 32
	// FATDeletedMark is the first name byte of a deleted entry
	FATDeletedMark = 0xE5
	// FATLastLongEntry flags the highest ordinal of a long name
	FATLastLongEntry = 0x40
	// FATNTResLowerBase is the NTRes bit for a lower-case base name
	FATNTResLowerBase = 0x08
	// FATNTResLowerExt is the NTRes bit for a lower-case extension
	FATNTResLowerExt = 0x10
	// FATLongNameChars is the number of UTF-16 units in one long entry
	FATLongNameChars = 13
)

// FAT table entry marks. Entries are normalized to 28 significant bits; the
// high nibble is free for bookkeeping while a snapshot is being built.
const (
	FATMarkMask    uint32 = 0xF0000000
	FATMarkDelDir  uint32 = 0x10000000
	FATDamageShift        = 28
	FATDamageMask  uint32 = 0x30000000
	FAT32EntryMask uint32 = 0x0FFFFFFF
)

// FATDirEntry is a 32-byte short directory entry, unpacked with restruct
type FATDirEntry struct {
	Name         [11]byte
	Attr         uint8
	NTRes        uint8
	CrtTimeTenth uint8
	CrtTime      uint16
	CrtDate      uint16
	LstAccDate   uint16
	FstClusHI    uint16
	WrtTime      uint16
	WrtDate      uint16
	FstClusLO    uint16
	FileSize     uint32
}

// FATLongDirEntry is a 32-byte long file name entry
type FATLongDirEntry struct {
	Ord       uint8
	Name1     [5]uint16
	Attr      uint8
	Type      uint8
	Chksum    uint8
	Name2     [6]uint16
	FstClusLO uint16
	Name3     [2]uint16
}

// IsLongName reports whether the entry's attribute byte marks a long name entry
func (e *FATDirEntry) IsLongName() bool {
	return e.Attr&FATAttrLongMask == FATAttrLongName
}

// IsDeleted reports whether the entry's first byte is the deleted mark
func (e *FATDirEntry) IsDeleted() bool {
	return e.Name[0] == FATDeletedMark
}

// IsDotEntry reports whether the entry is "." or ".."
func (e *FATDirEntry) IsDotEntry() bool {
	if e.Name[0] != '.' {
		return false
	}
	rest := e.Name[1:]
	if rest[0] == '.' {
		rest = rest[1:]
	}
	for _, c := range rest {
		if c != ' ' {
			return false
		}
	}
	return true
}

// Cluster returns the first cluster; the high word is only meaningful on FAT32
func (e *FATDirEntry) Cluster(fat32 bool) uint32 {
	c := uint32(e.FstClusLO)
	if fat32 {
		c |= uint32(e.FstClusHI) << 16
	}
	return c
}

// Units returns the 13 UTF-16 units of a long entry in name order
func (e *FATLongDirEntry) Units() []uint16 {
	u := make([]uint16, 0, FATLongNameChars)
	u = append(u, e.Name1[:]...)
	u = append(u, e.Name2[:]...)
	return append(u, e.Name3[:]...)
}

// ShortNameChecksum computes the checksum stored in each long entry of a name
func ShortNameChecksum(name [11]byte) uint8 {
	var sum uint8
	for _, b := range name {
		sum = ((sum & 1) << 7) + (sum >> 1) + b
	}
	return sum
}
