package fat

import (
	"encoding/binary"
	"strings"

	"github.com/go-restruct/restruct"

	"github.com/deploymenttheory/go-undelete/internal/helpers"
	"github.com/deploymenttheory/go-undelete/internal/types"
)

// Directory cluster classification flags
const (
	dcFirst      = 0x01 // starts with "." and ".."
	dcLast       = 0x02 // ends inside the cluster
	dcReferenced = 0x04 // linked from another scanned cluster
)

const (
	// maxLongEntries bounds the long entries gathered for one name
	maxLongEntries = 63
	// maxNextDirLevel bounds the recursion of nextDirCluster
	maxNextDirLevel = 20
	// deletedNameChar replaces the first character of a deleted short name
	// when no long name restores it
	deletedNameChar = '_'
	// invalidShortChars may not appear in a short name
	invalidShortChars = "*\\?<>\"+,/:;=\x00"
)

func entryAt(buf []byte, off int) types.FATDirEntry {
	return shortEntry(buf[off : off+types.FATDirEntrySize])
}

// shortEntry and longEntry unpack one whole 32-byte entry; restruct fails
// only on shorter input, which leaves the zero entry.
func shortEntry(raw []byte) types.FATDirEntry {
	var e types.FATDirEntry
	if err := restruct.Unpack(raw, binary.LittleEndian, &e); err != nil {
		return types.FATDirEntry{}
	}
	return e
}

func longEntry(raw []byte) types.FATLongDirEntry {
	var l types.FATLongDirEntry
	if err := restruct.Unpack(raw, binary.LittleEndian, &l); err != nil {
		return types.FATLongDirEntry{}
	}
	return l
}

func isLongAttr(attr uint8) bool {
	return attr&types.FATAttrLongMask == types.FATAttrLongName
}

func (b *Builder) cluster(e *types.FATDirEntry) uint32 {
	return e.Cluster(b.vtype == types.VolumeFAT32)
}

// ignoreEntry reports whether a short entry is left out of the tree. Inside a
// deleted directory every file counts as deleted.
func (b *Builder) ignoreEntry(e *types.FATDirEntry, deletedDir bool) bool {
	if e.IsDotEntry() || e.IsLongName() || e.Attr&types.FATAttrVolumeID != 0 {
		return true
	}
	if e.Attr&types.FATAttrDirectory == 0 {
		if !deletedDir && !e.IsDeleted() && !b.opts.Has(types.OptShowExisting) {
			return true
		}
	} else {
		c := b.cluster(e)
		if !b.fat.valid(c) {
			return true
		}
		// the directory's first cluster was reused
		if e.IsDeleted() && b.fat.used(c) {
			return true
		}
	}
	// wiped entry
	return e.Name[1] == 0 && e.Name[2] == 0
}

// analyzeCluster decides whether buf holds directory entries. ok is false
// for anything that does not look like a directory cluster.
func (b *Builder) analyzeCluster(buf []byte) (flags int, ok bool) {
	max := len(buf) / types.FATDirEntrySize
	if max >= 2 {
		e0, e1 := entryAt(buf, 0), entryAt(buf, types.FATDirEntrySize)
		if isDotName(e0.Name, 1) && isDotName(e1.Name, 2) || isDotName(e0.Name, 2) && isDotName(e1.Name, 1) {
			flags = dcFirst
		}
	}

	n := 0
	for n < max && buf[n*types.FATDirEntrySize] != 0 {
		n++
	}
	if n == 0 {
		return 0, false
	}
	if n < max {
		flags |= dcLast
	}
	if flags&dcFirst != 0 {
		return flags, true
	}

	var nshort, nlong int
	for i := 0; i < n; i++ {
		raw := buf[i*types.FATDirEntrySize : (i+1)*types.FATDirEntrySize]
		if isLongAttr(raw[11]) {
			l := longEntry(raw)
			if (l.Ord != types.FATDeletedMark && l.Ord&0x80 != 0) || l.Type != 0 || l.FstClusLO != 0 {
				continue
			}
			nlong++
			continue
		}
		e := shortEntry(raw)
		if b.validShortEntry(&e) {
			nshort++
		}
	}

	switch {
	case n == 1:
		ok = nshort == 1
	case n < 10:
		ok = nshort+nlong == n
	default:
		ok = nshort+nlong >= n*9/10
	}
	return flags, ok
}

func (b *Builder) validShortEntry(e *types.FATDirEntry) bool {
	for _, c := range e.Name {
		if c < 32 || (c >= 'a' && c <= 'z') || strings.IndexByte(invalidShortChars, c) >= 0 {
			return false
		}
	}
	if e.Attr&0xC0 != 0 {
		return false
	}
	if b.vtype != types.VolumeFAT32 && e.FstClusHI != 0 {
		return false
	}
	c := b.cluster(e)
	return c == 0 || b.fat.valid(c)
}

// isDotName reports whether name is "." (dots == 1) or ".." (dots == 2)
func isDotName(name [11]byte, dots int) bool {
	for i, c := range name {
		want := byte(' ')
		if i < dots {
			want = '.'
		}
		if c != want {
			return false
		}
	}
	return true
}

// clusterFetcher returns the content of a directory cluster
type clusterFetcher func(cluster uint32) ([]byte, bool)

// nextDirCluster guesses the cluster that continues a deleted directory. The
// last file of the cluster most likely ends right before it; a trailing
// subdirectory is followed instead. check runs analyzeCluster on every
// cluster visited.
func (b *Builder) nextDirCluster(buf []byte, level int, fetch clusterFetcher, check bool) uint32 {
	if level > maxNextDirLevel {
		return 0
	}
	max := int(b.bpc) / types.FATDirEntrySize
	last := -1
	i := 0
	for ; i < max && i*types.FATDirEntrySize < len(buf) && buf[i*types.FATDirEntrySize] != 0; i++ {
		e := entryAt(buf, i*types.FATDirEntrySize)
		if !e.IsLongName() && (e.FstClusLO != 0 || e.FstClusHI != 0) {
			last = i
		}
	}
	if i == 0 || last < 0 {
		return 0
	}
	e := entryAt(buf, last*types.FATDirEntrySize)
	if e.IsDotEntry() {
		return 0
	}

	c := uint64(b.cluster(&e))
	if e.Attr&types.FATAttrDirectory == 0 {
		if e.FileSize == 0 {
			return 0
		}
		c += uint64(e.FileSize-1)/uint64(b.bpc) + 1
		if c > uint64(^uint32(0)) || !b.fat.valid(uint32(c)) {
			return 0
		}
		if level == 0 || i < max {
			return uint32(c)
		}
	}
	if !b.fat.valid(uint32(c)) {
		return 0
	}

	next, ok := fetch(uint32(c))
	if !ok {
		return 0
	}
	if check {
		if _, ok := b.analyzeCluster(next); !ok {
			return 0
		}
	}
	return b.nextDirCluster(next, level+1, fetch, check)
}

// longName gathers the long name stored in front of the short entry at off.
// For a deleted entry the first character of the short name is rebuilt from
// the long name, which the checksum then confirms. It returns the long name
// and the short name bytes to display.
func longName(buf []byte, off int, e *types.FATDirEntry) (string, [11]byte) {
	short := e.Name
	deleted := e.IsDeleted()
	if short[0] == 0x05 {
		short[0] = types.FATDeletedMark
	}
	if deleted {
		short[0] = deletedNameChar
	}
	if off < types.FATDirEntrySize || !isLongAttr(buf[off-types.FATDirEntrySize+11]) {
		return "", short
	}

	sum := types.ShortNameChecksum(e.Name)
	if deleted {
		l := longEntry(buf[off-types.FATDirEntrySize : off])
		first := uint16('.')
		for i := 0; i < 5; i++ {
			if l.Name1[i] != '.' {
				first = l.Name1[i]
				break
			}
		}
		short[0] = helpers.UpperOEMChar(rune(first), deletedNameChar)
		sum = types.ShortNameChecksum(short)
	}

	var units []byte
	lastOrd := 0
	for p, n := off-types.FATDirEntrySize, 0; p >= 0 && n < maxLongEntries; p, n = p-types.FATDirEntrySize, n+1 {
		raw := buf[p : p+types.FATDirEntrySize]
		if !isLongAttr(raw[11]) {
			break
		}
		l := longEntry(raw)
		if l.Chksum != sum {
			break
		}
		ord := int(l.Ord & 0x3F)
		if !deleted && ord != lastOrd+1 {
			break
		}
		units = append(units, raw[1:11]...)
		units = append(units, raw[14:26]...)
		units = append(units, raw[28:32]...)
		if !deleted && l.Ord&types.FATLastLongEntry != 0 {
			break
		}
		lastOrd = ord
	}

	name := helpers.DecodeUTF16(units)
	if name == "" && deleted {
		short[0] = deletedNameChar
	}
	return name, short
}

// decodeDirectory turns the entries of a fully read directory into child
// records of owner. Subdirectory records were created when the clusters
// were scanned and are looked up by entry offset.
func (b *Builder) decodeDirectory(owner types.RecordID, buf []byte, deletedDir bool) {
	for off := 0; off+types.FATDirEntrySize <= len(buf) && buf[off] != 0; off += types.FATDirEntrySize {
		e := entryAt(buf, off)
		if b.ignoreEntry(&e, deletedDir) {
			continue
		}

		long, short := longName(buf, off, &e)
		shortName := helpers.ShortName(short, false, false)
		if strings.TrimSpace(string(short[:8])) == "" {
			b.tree.Warn(types.NewMetadataError(b.where(owner, off), "short entry without a name"))
			continue
		}

		isDir := e.Attr&types.FATAttrDirectory != 0
		var rec *types.FileRecord
		if id, ok := b.subdirs[entryKey{dir: owner, offset: off}]; ok && isDir {
			rec = b.tree.Record(id)
		} else {
			rec = b.tree.NewRecord(isDir)
		}

		if long != "" {
			rec.Names = []types.FileName{{Name: long, ShortName: shortName, ParentRef: uint64(owner)}}
		} else {
			name := helpers.ShortName(short,
				e.NTRes&types.FATNTResLowerBase != 0, e.NTRes&types.FATNTResLowerExt != 0)
			rec.Names = []types.FileName{{Name: name, ParentRef: uint64(owner)}}
		}

		rec.Attributes = types.FileAttributes(e.Attr) &
			(types.AttrReadOnly | types.AttrHidden | types.AttrSystem | types.AttrDirectory | types.AttrArchive)
		if deletedDir || e.IsDeleted() {
			rec.Flags |= types.FlagDeleted
		}
		rec.CreationTime = types.DOSDateTime(e.CrtDate, e.CrtTime, e.CrtTimeTenth)
		rec.LastWriteTime = types.DOSDateTime(e.WrtDate, e.WrtTime, 0)
		rec.LastAccessTime = rec.LastWriteTime

		if !isDir {
			rec.Streams = []*types.DataStream{{
				Size:      uint64(e.FileSize),
				ValidSize: uint64(e.FileSize),
				FirstLCN:  uint64(b.cluster(&e)),
			}}
		}
		b.tree.AddChild(owner, rec.ID, 0)
	}
}
