package types

import (
	"strings"
	"time"
)

// RecordID addresses a FileRecord inside a snapshot's record arena.
type RecordID int32

// NoRecord is the RecordID of a missing record
const NoRecord RecordID = -1

// Condition is the recovery confidence of a deleted file.
type Condition uint8

const (
	ConditionUnknown Condition = iota
	ConditionGood
	ConditionFair
	ConditionPoor
	ConditionLost
)

func (c Condition) String() string {
	switch c {
	case ConditionGood:
		return "good"
	case ConditionFair:
		return "fair"
	case ConditionPoor:
		return "poor"
	case ConditionLost:
		return "lost"
	default:
		return "unknown"
	}
}

// MarshalText renders the condition by name
func (c Condition) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// RecordFlags are the status bits of a FileRecord
type RecordFlags uint16

const (
	FlagDeleted RecordFlags = 1 << iota
	FlagVirtualDir
	FlagMetafile
	// FlagChainInFAT marks an exFAT entry whose clusters are linked through the FAT
	FlagChainInFAT
	// FlagEncrypted marks an NTFS record carrying an $EFS stream
	FlagEncrypted
)

// FileAttributes are normalized to the Windows FILE_ATTRIBUTE_* values, which
// FAT, exFAT and NTFS share for the common bits.
type FileAttributes uint32

const (
	AttrReadOnly   FileAttributes = 0x0001
	AttrHidden     FileAttributes = 0x0002
	AttrSystem     FileAttributes = 0x0004
	AttrDirectory  FileAttributes = 0x0010
	AttrArchive    FileAttributes = 0x0020
	AttrSparse     FileAttributes = 0x0200
	AttrCompressed FileAttributes = 0x0800
	AttrEncrypted  FileAttributes = 0x4000
)

// String renders the attributes in the classic "RHSDA" column form
func (a FileAttributes) String() string {
	var b strings.Builder
	for _, f := range []struct {
		bit FileAttributes
		ch  byte
	}{
		{AttrReadOnly, 'R'}, {AttrHidden, 'H'}, {AttrSystem, 'S'}, {AttrDirectory, 'D'},
		{AttrArchive, 'A'}, {AttrCompressed, 'C'}, {AttrEncrypted, 'E'},
	} {
		if a&f.bit != 0 {
			b.WriteByte(f.ch)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// StreamFlags mirror the NTFS non-resident attribute flags
type StreamFlags uint16

const (
	StreamCompressed StreamFlags = 0x0001
	StreamEncrypted  StreamFlags = 0x4000
	StreamSparse     StreamFlags = 0x8000
)

// DataPointers is one segment of a stream's extent list. Runs holds the
// encoded run list of virtual clusters StartVCN..LastVCN.
type DataPointers struct {
	StartVCN uint64
	LastVCN  uint64
	Runs     []byte
	// CompUnit is log2 of the compression unit size in clusters
	CompUnit uint8
	Flags    StreamFlags
}

// DataStream is one default or named stream of a file
type DataStream struct {
	Name      string
	Size      uint64
	ValidSize uint64
	Flags     StreamFlags

	IsResident bool
	Resident   []byte
	Pointers   []*DataPointers

	// FirstLCN is the head of the cluster chain before it is encoded into Pointers (FAT, exFAT)
	FirstLCN uint64

	// OverwrittenClusters counts clusters of a deleted stream that already hold other data
	OverwrittenClusters uint64
}

// IsDefault reports whether this is the unnamed data stream
func (s *DataStream) IsDefault() bool {
	return s.Name == ""
}

// FileName is one name of a record. ParentRef is a raw filesystem reference
// to the parent directory so that names can be recorded before the parent is seen.
type FileName struct {
	Name      string
	ShortName string
	ParentRef uint64
}

// DirItem is a child entry of a directory. NameIndex selects which of the
// child's names is used under this parent.
type DirItem struct {
	Record    RecordID
	NameIndex int
}

// FileRecord is one file or directory, existing or deleted
type FileRecord struct {
	ID         RecordID
	Ref        uint64
	IsDir      bool
	Attributes FileAttributes
	Flags      RecordFlags
	Condition  Condition

	CreationTime   time.Time
	LastAccessTime time.Time
	LastWriteTime  time.Time

	Names    []FileName
	Streams  []*DataStream
	Children []DirItem
}

// IsDeleted reports whether the record is marked deleted
func (r *FileRecord) IsDeleted() bool {
	return r.Flags&FlagDeleted != 0
}

// Has reports whether every bit of f is set on the record
func (r *FileRecord) Has(f RecordFlags) bool {
	return r.Flags&f == f
}

// Name returns the record's first name or an empty string
func (r *FileRecord) Name() string {
	if len(r.Names) == 0 {
		return ""
	}
	return r.Names[0].Name
}

// Stream returns the stream with the given name, compared case-insensitively
func (r *FileRecord) Stream(name string) *DataStream {
	for _, s := range r.Streams {
		if strings.EqualFold(s.Name, name) {
			return s
		}
	}
	return nil
}

// DefaultStream returns the unnamed data stream
func (r *FileRecord) DefaultStream() *DataStream {
	return r.Stream("")
}

// Size returns the size of the default stream, or 0 for directories
func (r *FileRecord) Size() uint64 {
	if s := r.DefaultStream(); s != nil {
		return s.Size
	}
	return 0
}
