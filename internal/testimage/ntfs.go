package testimage

import (
	"encoding/binary"

	"github.com/deploymenttheory/go-undelete/internal/helpers"
	"github.com/deploymenttheory/go-undelete/internal/parsers/runs"
	"github.com/deploymenttheory/go-undelete/internal/types"
)

// NTFS image layout: one sector per cluster, 1024 byte records with two
// protected sectors each
const (
	NTFSRecordSize    = 1024
	NTFSRootRecord    = 5
	ntfsMFTCluster    = 16
	ntfsBitmapCluster = 8
	ntfsUSAOffset     = 48
	ntfsFirstAttr     = 56
)

// FixedFileTime is 2024-05-01 12:00:00 UTC as an NTFS FILETIME
const FixedFileTime uint64 = 133590384000000000

// MFTRecord assembles one file record
type MFTRecord struct {
	flags uint16
	base  uint64
	links uint16
	attrs [][]byte
}

// NewMFTRecord starts a record; deleted records are not in use
func NewMFTRecord(inUse, dir bool) *MFTRecord {
	r := &MFTRecord{}
	if inUse {
		r.flags |= types.MFTFlagInUse
	}
	if dir {
		r.flags |= types.MFTFlagDirectory
	}
	return r
}

// Extension marks the record as an extension of base
func (r *MFTRecord) Extension(base uint64) *MFTRecord {
	r.base = base
	return r
}

// StandardInfo adds $STANDARD_INFORMATION with fixed timestamps
func (r *MFTRecord) StandardInfo(attrs uint32) *MFTRecord {
	v := make([]byte, 48)
	for _, off := range []int{types.SIOffCreated, types.SIOffModified, types.SIOffMFTChanged, types.SIOffAccessed} {
		binary.LittleEndian.PutUint64(v[off:], FixedFileTime)
	}
	binary.LittleEndian.PutUint32(v[types.SIOffAttributes:], attrs)
	r.attrs = append(r.attrs, residentAttr(types.AttrTypeStandardInformation, "", v))
	return r
}

// FileName adds a $FILE_NAME under the parent record
func (r *MFTRecord) FileName(parent uint64, namespace uint8, name string) *MFTRecord {
	units := helpers.EncodeUTF16(name)
	v := make([]byte, types.FNOffName+len(units))
	binary.LittleEndian.PutUint64(v[types.FNOffParent:], parent|1<<48)
	v[types.FNOffNameLength] = byte(len(units) / 2)
	v[types.FNOffNamespace] = namespace
	copy(v[types.FNOffName:], units)
	r.attrs = append(r.attrs, residentAttr(types.AttrTypeFileName, "", v))
	r.links++
	return r
}

// ResidentData adds a resident $DATA stream
func (r *MFTRecord) ResidentData(name string, data []byte) *MFTRecord {
	r.attrs = append(r.attrs, residentAttr(types.AttrTypeData, name, data))
	return r
}

// NonResidentData adds a $DATA stream of size bytes stored in list
func (r *MFTRecord) NonResidentData(name string, size uint64, list ...runs.Run) *MFTRecord {
	r.attrs = append(r.attrs, nonResidentAttr(types.AttrTypeData, name, 0, size, 0, list))
	return r
}

// Segment adds a later $DATA segment starting at startVCN. Such segments
// carry no size of their own.
func (r *MFTRecord) Segment(name string, startVCN uint64, list ...runs.Run) *MFTRecord {
	r.attrs = append(r.attrs, nonResidentAttr(types.AttrTypeData, name, startVCN, 0, 0, list))
	return r
}

// CompressedData adds a compressed $DATA stream with 16 cluster units
func (r *MFTRecord) CompressedData(name string, size uint64, list ...runs.Run) *MFTRecord {
	r.attrs = append(r.attrs, nonResidentAttr(types.AttrTypeData, name, 0, size, uint16(types.StreamCompressed), list))
	return r
}

// LoggedStream adds a resident $LOGGED_UTILITY_STREAM
func (r *MFTRecord) LoggedStream(name string, data []byte) *MFTRecord {
	r.attrs = append(r.attrs, residentAttr(types.AttrTypeLoggedUtilityStream, name, data))
	return r
}

// VolumeInfo adds $VOLUME_INFORMATION
func (r *MFTRecord) VolumeInfo(major, minor uint8) *MFTRecord {
	v := make([]byte, 12)
	v[types.VIOffMajor], v[types.VIOffMinor] = major, minor
	r.attrs = append(r.attrs, residentAttr(types.AttrTypeVolumeInformation, "", v))
	return r
}

// Encode returns the record with its update sequence applied
func (r *MFTRecord) Encode() []byte {
	d := make([]byte, NTFSRecordSize)
	copy(d, types.MFTRecordSignature)
	binary.LittleEndian.PutUint16(d[types.MFTOffUpdateSeqOffset:], ntfsUSAOffset)
	binary.LittleEndian.PutUint16(d[types.MFTOffUpdateSeqSize:], NTFSRecordSize/SectorSize+1)
	binary.LittleEndian.PutUint16(d[types.MFTOffSequenceNumber:], 1)
	binary.LittleEndian.PutUint16(d[types.MFTOffHardLinks:], r.links)
	binary.LittleEndian.PutUint16(d[types.MFTOffFirstAttribute:], ntfsFirstAttr)
	binary.LittleEndian.PutUint16(d[types.MFTOffFlags:], r.flags)
	binary.LittleEndian.PutUint64(d[types.MFTOffBaseRecord:], r.base)

	off := ntfsFirstAttr
	for _, a := range r.attrs {
		copy(d[off:], a)
		off += len(a)
	}
	binary.LittleEndian.PutUint32(d[off:], types.AttrTypeEnd)
	off += 8
	binary.LittleEndian.PutUint32(d[types.MFTOffRealSize:], uint32(off))
	binary.LittleEndian.PutUint32(d[types.MFTOffAllocSize:], NTFSRecordSize)

	d[ntfsUSAOffset] = 0x01
	for i := 0; i < NTFSRecordSize/SectorSize; i++ {
		end := (i + 1) * SectorSize
		copy(d[ntfsUSAOffset+2+2*i:], d[end-2:end])
		d[end-2], d[end-1] = 0x01, 0x00
	}
	return d
}

func align8(n int) int {
	return (n + 7) &^ 7
}

func residentAttr(typ uint32, name string, value []byte) []byte {
	nb := helpers.EncodeUTF16(name)
	valueOff := align8(types.AttrResidentHdrSize + len(nb))
	a := make([]byte, align8(valueOff+len(value)))
	binary.LittleEndian.PutUint32(a[types.AttrOffType:], typ)
	binary.LittleEndian.PutUint32(a[types.AttrOffLength:], uint32(len(a)))
	a[types.AttrOffNameLength] = byte(len(nb) / 2)
	binary.LittleEndian.PutUint16(a[types.AttrOffNameOffset:], types.AttrResidentHdrSize)
	binary.LittleEndian.PutUint32(a[types.AttrOffValueLength:], uint32(len(value)))
	binary.LittleEndian.PutUint16(a[types.AttrOffValueOffset:], uint16(valueOff))
	copy(a[types.AttrResidentHdrSize:], nb)
	copy(a[valueOff:], value)
	return a
}

func nonResidentAttr(typ uint32, name string, startVCN, size uint64, flags uint16, list []runs.Run) []byte {
	nb := helpers.EncodeUTF16(name)
	encoded := runs.Encode(list)
	runsOff := align8(types.AttrNonResidentHdrSz + len(nb))
	a := make([]byte, align8(runsOff+len(encoded)))

	var clusters uint64
	for _, run := range list {
		clusters += run.Length
	}
	binary.LittleEndian.PutUint32(a[types.AttrOffType:], typ)
	binary.LittleEndian.PutUint32(a[types.AttrOffLength:], uint32(len(a)))
	a[types.AttrOffNonResident] = 1
	a[types.AttrOffNameLength] = byte(len(nb) / 2)
	binary.LittleEndian.PutUint16(a[types.AttrOffNameOffset:], types.AttrNonResidentHdrSz)
	binary.LittleEndian.PutUint16(a[types.AttrOffFlags:], flags)
	binary.LittleEndian.PutUint64(a[types.AttrOffStartVCN:], startVCN)
	binary.LittleEndian.PutUint64(a[types.AttrOffLastVCN:], startVCN+clusters-1)
	binary.LittleEndian.PutUint16(a[types.AttrOffRunsOffset:], uint16(runsOff))
	if flags&uint16(types.StreamCompressed) != 0 {
		a[types.AttrOffCompUnit] = 4
	}
	binary.LittleEndian.PutUint64(a[types.AttrOffAllocSize:], clusters*SectorSize)
	binary.LittleEndian.PutUint64(a[types.AttrOffRealSize:], size)
	binary.LittleEndian.PutUint64(a[types.AttrOffInitSize:], size)
	copy(a[types.AttrNonResidentHdrSz:], nb)
	copy(a[runsOff:], encoded)
	return a
}

// NTFSImage is an NTFS volume with one sector per cluster. The MFT starts at
// cluster 16 and $Bitmap lives in cluster 8.
type NTFSImage struct {
	clusters   uint64
	records    []*MFTRecord
	damaged    map[int]bool
	mftRuns    uint64
	data       []byte
	alloc      []byte
	bitmapSize uint64
}

// NewNTFS returns a volume holding $MFT, $Volume, the root directory and
// $Bitmap in an MFT of the given number of records
func NewNTFS(clusters uint64, records int) *NTFSImage {
	img := &NTFSImage{
		clusters:   clusters,
		records:    make([]*MFTRecord, records),
		damaged:    make(map[int]bool),
		mftRuns:    uint64(records) * NTFSRecordSize / SectorSize,
		data:       make([]byte, clusters*SectorSize),
		alloc:      make([]byte, (clusters+7)/8),
		bitmapSize: (clusters + 7) / 8,
	}
	img.Allocate(0, 1)
	img.Allocate(ntfsBitmapCluster, 1)
	img.Allocate(ntfsMFTCluster, img.mftRuns)

	const system = uint32(types.AttrHidden | types.AttrSystem)
	img.SetRecord(3, NewMFTRecord(true, false).StandardInfo(system).
		FileName(NTFSRootRecord, 3, "$Volume").VolumeInfo(3, 1))
	img.SetRecord(NTFSRootRecord, NewMFTRecord(true, true).StandardInfo(system).
		FileName(NTFSRootRecord, 3, types.RootDirectoryDot))
	img.SetRecord(6, NewMFTRecord(true, false).StandardInfo(system).
		FileName(NTFSRootRecord, 3, types.BitmapMetafile).
		NonResidentData("", img.bitmapSize, runs.Run{LCN: ntfsBitmapCluster, Length: 1}))
	return img
}

// SetRecord places a record at index
func (img *NTFSImage) SetRecord(index int, r *MFTRecord) {
	img.records[index] = r
}

// Damage breaks the update sequence of the record at index
func (img *NTFSImage) Damage(index int) {
	img.damaged[index] = true
}

// ShortenMFTRuns makes the run list of $MFT cover only n clusters
func (img *NTFSImage) ShortenMFTRuns(n uint64) {
	img.mftRuns = n
}

// Allocate marks n clusters from lcn as in use in $Bitmap
func (img *NTFSImage) Allocate(lcn, n uint64) {
	for c := lcn; c < lcn+n; c++ {
		img.alloc[c/8] |= 1 << (c % 8)
	}
}

// WriteCluster copies data to cluster lcn, spilling into the clusters after it
func (img *NTFSImage) WriteCluster(lcn uint64, data []byte) {
	copy(img.data[lcn*SectorSize:], data)
}

// Bytes writes the boot sector, the MFT and $Bitmap and returns the image
func (img *NTFSImage) Bytes() []byte {
	b := img.data[:SectorSize]
	b[0], b[1], b[2] = 0xEB, 0x52, 0x90
	copy(b[3:], types.NTFSOEMID[:])
	binary.LittleEndian.PutUint16(b[11:], SectorSize)
	b[13] = 1
	b[21] = 0xF8
	binary.LittleEndian.PutUint64(b[40:], img.clusters)
	binary.LittleEndian.PutUint64(b[48:], ntfsMFTCluster)
	binary.LittleEndian.PutUint64(b[56:], 2)
	b[64] = 0xF6 // 2^10 byte records
	b[68] = 1
	binary.LittleEndian.PutUint16(b[510:], types.BootSignature)

	mftSize := uint64(len(img.records)) * NTFSRecordSize
	img.records[0] = NewMFTRecord(true, false).StandardInfo(uint32(types.AttrHidden|types.AttrSystem)).
		FileName(NTFSRootRecord, 3, types.MFTStreamName).
		NonResidentData("", mftSize, runs.Run{LCN: ntfsMFTCluster, Length: img.mftRuns})

	for i, r := range img.records {
		off := (ntfsMFTCluster*SectorSize + i*NTFSRecordSize)
		if r == nil {
			clear(img.data[off : off+NTFSRecordSize])
			continue
		}
		copy(img.data[off:], r.Encode())
		if img.damaged[i] {
			img.data[off+SectorSize-1] ^= 0xFF
		}
	}
	img.WriteCluster(ntfsBitmapCluster, img.alloc)
	return img.data
}
