package ntfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-restruct/restruct"

	"github.com/deploymenttheory/go-undelete/internal/helpers"
	"github.com/deploymenttheory/go-undelete/internal/types"
)

var errFixupMismatch = errors.New("update sequence mismatch")

// parseRecord decodes one MFT record into its slot, or into the slot of its
// base record for an extension record. Damaged records are skipped with a
// warning; only a damaged record 0 is returned as an error.
func (b *Builder) parseRecord(data []byte, index uint64) error {
	fail := func(format string, args ...interface{}) error {
		err := types.NewMetadataError(where(index), format, args...)
		if index == 0 {
			return err
		}
		b.tree.Warn(err)
		return nil
	}

	var h types.NTFSRecordHeader
	if len(data) < types.MFTRecordHeaderMinSize {
		return fail("record of %d bytes", len(data))
	}
	if err := restruct.Unpack(data[:types.MFTRecordHeaderMinSize], binary.LittleEndian, &h); err != nil {
		return fail("failed to unpack record header: %w", err)
	}
	if string(h.Signature[:]) != types.MFTRecordSignature {
		if index == 0 {
			return fail("signature %q", h.Signature[:])
		}
		b.log.Debugf("MFT record %d without signature skipped", index)
		return nil
	}

	inUse := h.Flags&types.MFTFlagInUse != 0
	isDir := h.Flags&types.MFTFlagDirectory != 0
	if index >= types.MFTFirstUserRecord && !b.opts.Has(types.OptShowExisting) && inUse && !isDir {
		return nil
	}

	if err := applyFixups(data, &h); err != nil {
		return fail("%w", err)
	}

	slot := index
	if h.BaseRecord != 0 {
		if index == 0 {
			return fail("$MFT record is an extension of record %d", h.BaseRecord&types.MFTRefMask)
		}
		slot = h.BaseRecord & types.MFTRefMask
		if slot >= uint64(len(b.records)) {
			return fail("base record %d lies beyond the MFT", slot)
		}
		b.log.Debugf("extension record %d merged into %d", index, slot)
	}

	m := b.records[slot]
	if m == nil {
		m = &mftRecord{rec: &types.FileRecord{ID: types.NoRecord, Ref: slot}}
		b.records[slot] = m
	}
	if h.BaseRecord == 0 {
		m.rec.IsDir = isDir
		switch {
		case !inUse:
			m.rec.Flags |= types.FlagDeleted
		case !isDir:
			m.rec.Condition = types.ConditionGood
		}
	}

	if err := b.parseAttributes(m, data, int(h.FirstAttribute)); err != nil {
		b.tree.Warn(types.NewMetadataError(where(index), "%w", err))
	}
	return nil
}

// applyFixups checks the last two bytes of every protected block against
// the update sequence number and puts the saved bytes back. The block size
// follows from the record size and the length of the update sequence array.
func applyFixups(data []byte, h *types.NTFSRecordHeader) error {
	off, count := int(h.UpdateSeqOffset), int(h.UpdateSeqSize)
	if count < 2 || off < types.MFTRecordHeaderMinSize || off+2*count > len(data) {
		return fmt.Errorf("update sequence array of %d entries at offset %d", count, off)
	}
	blocks := count - 1
	if len(data)%blocks != 0 {
		return fmt.Errorf("%d update sequence entries for a %d byte record", count, len(data))
	}
	stride := len(data) / blocks

	usn := data[off : off+2]
	for i := 0; i < blocks; i++ {
		end := (i + 1) * stride
		if data[end-2] != usn[0] || data[end-1] != usn[1] {
			return fmt.Errorf("%w in block %d", errFixupMismatch, i)
		}
		saved := off + 2 + 2*i
		copy(data[end-2:end], data[saved:saved+2])
	}
	return nil
}

// parseAttributes walks the attribute list of a record until its end
// marker. A broken attribute stops the walk; what was read so far is kept.
func (b *Builder) parseAttributes(m *mftRecord, data []byte, off int) error {
	for {
		if off+8 > len(data) {
			return fmt.Errorf("attribute list runs past the record at offset %d", off)
		}
		typ := binary.LittleEndian.Uint32(data[off:])
		if typ == types.AttrTypeEnd {
			return nil
		}
		length := int(binary.LittleEndian.Uint32(data[off+types.AttrOffLength:]))
		if length < types.AttrResidentHdrSize || off+length > len(data) {
			return fmt.Errorf("attribute %#x at offset %d has length %d", typ, off, length)
		}
		if err := b.parseAttribute(m, typ, data[off:off+length]); err != nil {
			return fmt.Errorf("attribute %#x at offset %d: %w", typ, off, err)
		}
		off += length
	}
}

func (b *Builder) parseAttribute(m *mftRecord, typ uint32, attr []byte) error {
	nonResident := attr[types.AttrOffNonResident] != 0
	switch typ {
	case types.AttrTypeStandardInformation:
		v, err := residentValue(attr)
		if err != nil {
			return err
		}
		if len(v) < types.SIMinSize {
			return fmt.Errorf("standard information of %d bytes", len(v))
		}
		r := m.rec
		r.Attributes = types.FileAttributes(binary.LittleEndian.Uint32(v[types.SIOffAttributes:]))
		r.CreationTime = types.FileTime(binary.LittleEndian.Uint64(v[types.SIOffCreated:]))
		r.LastWriteTime = types.FileTime(binary.LittleEndian.Uint64(v[types.SIOffModified:]))
		r.LastAccessTime = types.FileTime(binary.LittleEndian.Uint64(v[types.SIOffAccessed:]))

	case types.AttrTypeFileName:
		v, err := residentValue(attr)
		if err != nil {
			return err
		}
		if len(v) < types.FNOffName {
			return fmt.Errorf("file name attribute of %d bytes", len(v))
		}
		n := int(v[types.FNOffNameLength]) * 2
		if types.FNOffName+n > len(v) {
			return fmt.Errorf("file name of %d bytes in a %d byte attribute", n, len(v))
		}
		m.addName(binary.LittleEndian.Uint64(v[types.FNOffParent:]), v[types.FNOffNamespace],
			helpers.DecodeUTF16(v[types.FNOffName:types.FNOffName+n]))

	case types.AttrTypeData, types.AttrTypeLoggedUtilityStream:
		name, err := attributeName(attr)
		if err != nil {
			return err
		}
		if typ == types.AttrTypeLoggedUtilityStream {
			if !strings.EqualFold(name, types.EFSStreamName) {
				return nil
			}
			m.rec.Flags |= types.FlagEncrypted
		}
		s := m.rec.Stream(name)
		if s == nil {
			s = &types.DataStream{Name: name}
			m.rec.Streams = append(m.rec.Streams, s)
		}
		if nonResident {
			return addSegment(s, attr)
		}
		v, err := residentValue(attr)
		if err != nil {
			return err
		}
		s.IsResident = true
		s.Resident = append([]byte(nil), v...)
		s.Size = uint64(len(v))
		s.ValidSize = s.Size

	case types.AttrTypeVolumeInformation:
		v, err := residentValue(attr)
		if err != nil {
			return err
		}
		if len(v) >= types.VIMinSize {
			b.major, b.minor = v[types.VIOffMajor], v[types.VIOffMinor]
			b.log.Debugf("NTFS version %d.%d", b.major, b.minor)
		}
	}
	return nil
}

// addName records a FILE_NAME attribute. A second name under the same
// parent replaces the first unless it is a DOS name, which is kept as the
// short name only.
func (m *mftRecord) addName(parent uint64, namespace uint8, name string) {
	dos := namespace == types.FNNamespaceDOS
	for i := range m.rec.Names {
		fn := &m.rec.Names[i]
		if fn.ParentRef != parent {
			continue
		}
		if dos {
			if !strings.EqualFold(fn.Name, name) {
				fn.ShortName = name
			}
			return
		}
		if m.dos[i] && !strings.EqualFold(fn.Name, name) {
			fn.ShortName = fn.Name
		}
		fn.Name = name
		m.dos[i] = false
		return
	}
	m.rec.Names = append(m.rec.Names, types.FileName{Name: name, ParentRef: parent})
	m.dos = append(m.dos, dos)
}

// addSegment stores the run list of a non-resident attribute, keeping the
// segments ordered by their first virtual cluster
func addSegment(s *types.DataStream, attr []byte) error {
	if len(attr) < types.AttrNonResidentHdrSz {
		return fmt.Errorf("non-resident header of %d bytes", len(attr))
	}
	runsOff := int(binary.LittleEndian.Uint16(attr[types.AttrOffRunsOffset:]))
	if runsOff < types.AttrNonResidentHdrSz || runsOff > len(attr) {
		return fmt.Errorf("run list offset %d in a %d byte attribute", runsOff, len(attr))
	}

	p := &types.DataPointers{
		StartVCN: binary.LittleEndian.Uint64(attr[types.AttrOffStartVCN:]),
		LastVCN:  binary.LittleEndian.Uint64(attr[types.AttrOffLastVCN:]),
		Runs:     append([]byte(nil), attr[runsOff:]...),
		CompUnit: attr[types.AttrOffCompUnit],
		Flags:    types.StreamFlags(binary.LittleEndian.Uint16(attr[types.AttrOffFlags:])),
	}
	i := sort.Search(len(s.Pointers), func(i int) bool {
		return s.Pointers[i].StartVCN >= p.StartVCN
	})
	s.Pointers = append(s.Pointers, nil)
	copy(s.Pointers[i+1:], s.Pointers[i:])
	s.Pointers[i] = p

	// later segments carry zero sizes
	s.Size = max(s.Size, binary.LittleEndian.Uint64(attr[types.AttrOffRealSize:]))
	s.ValidSize = max(s.ValidSize, binary.LittleEndian.Uint64(attr[types.AttrOffInitSize:]))
	s.Flags |= p.Flags
	return nil
}

// residentValue returns the value of a resident attribute
func residentValue(attr []byte) ([]byte, error) {
	if attr[types.AttrOffNonResident] != 0 {
		return nil, errors.New("attribute is unexpectedly non-resident")
	}
	n := int(binary.LittleEndian.Uint32(attr[types.AttrOffValueLength:]))
	off := int(binary.LittleEndian.Uint16(attr[types.AttrOffValueOffset:]))
	if off < types.AttrResidentHdrSize || off+n > len(attr) {
		return nil, fmt.Errorf("value of %d bytes at offset %d in a %d byte attribute", n, off, len(attr))
	}
	return attr[off : off+n], nil
}

// attributeName returns the UTF-16 name of an attribute, empty when unnamed
func attributeName(attr []byte) (string, error) {
	n := int(attr[types.AttrOffNameLength]) * 2
	if n == 0 {
		return "", nil
	}
	off := int(binary.LittleEndian.Uint16(attr[types.AttrOffNameOffset:]))
	if off+n > len(attr) {
		return "", fmt.Errorf("name of %d bytes at offset %d in a %d byte attribute", n, off, len(attr))
	}
	return helpers.DecodeUTF16(attr[off : off+n]), nil
}
