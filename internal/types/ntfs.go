package types

// NTFS on-disk structures

// NTFSBootSector is the leading part of the NTFS boot sector
type NTFSBootSector struct {
	Jump                   [3]byte
	OEMID                  [8]byte
	BytesPerSector         uint16
	SectorsPerCluster      uint8
	Reserved1              [7]byte
	MediaDescriptor        uint8
	Unused1                uint16
	SectorsPerTrack        uint16
	NumberOfHeads          uint16
	HiddenSectors          uint32
	Unused2                [8]byte
	TotalSectors           uint64
	MFTCluster             uint64
	MFTMirrCluster         uint64
	ClustersPerMFTRecord   int8
	Reserved2              [3]byte
	ClustersPerIndexBuffer int8
	Reserved3              [3]byte
	VolumeSerialNumber     uint64
	Checksum               uint32
}

// NTFSOEMID is the OEM identifier of an NTFS boot sector
var NTFSOEMID = [8]byte{'N', 'T', 'F', 'S', ' ', ' ', ' ', ' '}

// NTFSRecordHeader is the fixed part of an MFT file record
type NTFSRecordHeader struct {
	Signature       [4]byte
	UpdateSeqOffset uint16
	UpdateSeqSize   uint16
	LSN             uint64
	SequenceNumber  uint16
	HardLinks       uint16
	FirstAttribute  uint16
	Flags           uint16
	RealSize        uint32
	AllocSize       uint32
	BaseRecord      uint64
	NextAttrID      uint16
}

// File record header field offsets
const (
	MFTRecordSignature       = "FILE"
	MFTOffUpdateSeqOffset    = 4
	MFTOffUpdateSeqSize      = 6
	MFTOffLSN                = 8
	MFTOffSequenceNumber     = 16
	MFTOffHardLinks          = 18
	MFTOffFirstAttribute     = 20
	MFTOffFlags              = 22
	MFTOffRealSize           = 24
	MFTOffAllocSize          = 28
	MFTOffBaseRecord         = 32
	MFTOffNextAttrID         = 40
	MFTRecordHeaderMinSize   = 42
	MFTFlagInUse      uint16 = 0x0001
	MFTFlagDirectory  uint16 = 0x0002
	MFTRefMask        uint64 = 0x0000FFFFFFFFFFFF
	// MFTFirstUserRecord is the number of fixed metadata records at the start of the MFT
	MFTFirstUserRecord = 24
	// MFTRootRecord is the record number of the root directory
	MFTRootRecord = 5
)

// Attribute type codes
const (
	AttrTypeStandardInformation uint32 = 0x10
	AttrTypeAttributeList       uint32 = 0x20
	AttrTypeFileName            uint32 = 0x30
	AttrTypeObjectID            uint32 = 0x40
	AttrTypeSecurityDescriptor  uint32 = 0x50
	AttrTypeVolumeName          uint32 = 0x60
	AttrTypeVolumeInformation   uint32 = 0x70
	AttrTypeData                uint32 = 0x80
	AttrTypeIndexRoot           uint32 = 0x90
	AttrTypeIndexAllocation     uint32 = 0xA0
	AttrTypeBitmap              uint32 = 0xB0
	AttrTypeReparsePoint        uint32 = 0xC0
	AttrTypeLoggedUtilityStream uint32 = 0x100
	AttrTypeEnd                 uint32 = 0xFFFFFFFF
)

// Attribute header field offsets
const (
	AttrOffType          = 0
	AttrOffLength        = 4
	AttrOffNonResident   = 8
	AttrOffNameLength    = 9
	AttrOffNameOffset    = 10
	AttrOffFlags         = 12
	AttrOffAttributeID   = 14
	AttrOffValueLength   = 16
	AttrOffValueOffset   = 20
	AttrOffStartVCN      = 16
	AttrOffLastVCN       = 24
	AttrOffRunsOffset    = 32
	AttrOffCompUnit      = 34
	AttrOffAllocSize     = 40
	AttrOffRealSize      = 48
	AttrOffInitSize      = 56
	AttrResidentHdrSize  = 24
	AttrNonResidentHdrSz = 64
)

// $STANDARD_INFORMATION offsets
const (
	SIOffCreated     = 0
	SIOffModified    = 8
	SIOffMFTChanged  = 16
	SIOffAccessed    = 24
	SIOffAttributes  = 32
	SIMinSize        = 36
	FNOffParent      = 0
	FNOffNameLength  = 64
	FNOffNamespace   = 65
	FNOffName        = 66
	FNNamespaceDOS   = 2
	VIOffMajor       = 8
	VIOffMinor       = 9
	VIMinSize        = 10
	EFSStreamName    = "$EFS"
	MFTStreamName    = "$MFT"
	BitmapMetafile   = "$Bitmap"
	RootDirectoryDot = "."
)
