package types

// exFAT on-disk structures. All entries are 32 bytes and are unpacked with restruct.

// ExFATBootSector is the main boot sector of an exFAT volume
type ExFATBootSector struct {
	JumpBoot                    [3]byte
	FileSystemName              [8]byte
	MustBeZero                  [53]byte
	PartitionOffset             uint64
	VolumeLength                uint64
	FatOffset                   uint32
	FatLength                   uint32
	ClusterHeapOffset           uint32
	ClusterCount                uint32
	FirstClusterOfRootDirectory uint32
	VolumeSerialNumber          uint32
	FileSystemRevision          uint16
	VolumeFlags                 uint16
	BytesPerSectorShift         uint8
	SectorsPerClusterShift      uint8
	NumberOfFats                uint8
	DriveSelect                 uint8
	PercentInUse                uint8
	Reserved                    [7]byte
	BootCode                    [390]byte
	BootSignature               uint16
}

var (
	ExFATJumpBoot       = [3]byte{0xEB, 0x76, 0x90}
	ExFATFileSystemName = [8]byte{'E', 'X', 'F', 'A', 'T', ' ', ' ', ' '}
)

// BootSignature is the 0x55AA trailer of every boot sector
const BootSignature uint16 = 0xAA55

// Entry type codes with the in-use bit set
const (
	ExFATEntryEndOfDirectory uint8 = 0x00
	ExFATEntryInUse          uint8 = 0x80
	ExFATEntryBitmap         uint8 = 0x81
	ExFATEntryUpCase         uint8 = 0x82
	ExFATEntryVolumeLabel    uint8 = 0x83
	ExFATEntryFile           uint8 = 0x85
	ExFATEntryVolumeGUID     uint8 = 0xA0
	ExFATEntryTexFAT         uint8 = 0xA1
	ExFATEntryStreamExt      uint8 = 0xC0
	ExFATEntryFileName       uint8 = 0xC1
	ExFATEntryVendorExt      uint8 = 0xE0
	ExFATEntryVendorAlloc    uint8 = 0xE1
	ExFATEntryWinCEACT       uint8 = 0xE2
)

const (
	// ExFATFlagNoFatChain marks a stream whose clusters are contiguous
	ExFATFlagNoFatChain uint8 = 0x02
	// ExFATNameChars is the number of UTF-16 units in one file name entry
	ExFATNameChars = 15
	// ExFATEntrySize is the size of every directory entry
	ExFATEntrySize = 32
	// ExFATEndOfChain terminates a FAT cluster chain
	ExFATEndOfChain uint32 = 0xFFFFFFFF
)

// Names the allocation bitmap and the up-case table are listed under
const (
	ExFATBitmapName = "$Bitmap"
	ExFATUpCaseName = "$UpCase"
)

// ExFATFileEntry is the primary entry of a file or directory entry set
type ExFATFileEntry struct {
	EntryType                 uint8
	SecondaryCount            uint8
	SetChecksum               uint16
	FileAttributes            uint16
	Reserved1                 uint16
	CreateTimestamp           uint32
	LastModifiedTimestamp     uint32
	LastAccessedTimestamp     uint32
	Create10msIncrement       uint8
	LastModified10msIncrement uint8
	CreateUtcOffset           uint8
	LastModifiedUtcOffset     uint8
	LastAccessedUtcOffset     uint8
	Reserved2                 [7]byte
}

// ExFATStreamExtEntry carries the size and cluster chain of a file
type ExFATStreamExtEntry struct {
	EntryType             uint8
	GeneralSecondaryFlags uint8
	Reserved1             uint8
	NameLength            uint8
	NameHash              uint16
	Reserved2             uint16
	ValidDataLength       uint64
	Reserved3             uint32
	FirstCluster          uint32
	DataLength            uint64
}

// ExFATFileNameEntry carries up to 15 UTF-16 units of a file name
type ExFATFileNameEntry struct {
	EntryType             uint8
	GeneralSecondaryFlags uint8
	FileName              [ExFATNameChars]uint16
}

// ExFATBitmapEntry locates the allocation bitmap
type ExFATBitmapEntry struct {
	EntryType    uint8
	BitmapFlags  uint8
	Reserved     [18]byte
	FirstCluster uint32
	DataLength   uint64
}

// ExFATUpCaseEntry locates the up-case table
type ExFATUpCaseEntry struct {
	EntryType     uint8
	Reserved1     [3]byte
	TableChecksum uint32
	Reserved2     [12]byte
	FirstCluster  uint32
	DataLength    uint64
}

// EntrySetChecksum computes the checksum of an entry set as stored in the
// primary entry. The in-use bit of each entry type is normalized to set, and
// the checksum field itself (bytes 2 and 3 of the first entry) is skipped.
func EntrySetChecksum(entries []byte) uint16 {
	var ck uint16
	for i, b := range entries {
		if i == 2 || i == 3 {
			continue
		}
		if i%ExFATEntrySize == 0 {
			b |= ExFATEntryInUse
		}
		ck = ((ck << 15) | (ck >> 1)) + uint16(b)
	}
	return ck
}
