package exfat

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-restruct/restruct"

	"github.com/deploymenttheory/go-undelete/internal/helpers"
	"github.com/deploymenttheory/go-undelete/internal/snapshot"
	"github.com/deploymenttheory/go-undelete/internal/types"
)

const (
	minSecondaries = 2
	maxSecondaries = 18
	// typeMask strips the in-use bit from an entry type
	typeMask = ^types.ExFATEntryInUse
)

var errBadChecksum = errors.New("entry set checksum mismatch")

// entrySet is one decoded file or directory entry set
type entrySet struct {
	file   types.ExFATFileEntry
	stream types.ExFATStreamExtEntry
	name   string
	inUse  bool
	count  int
}

func (s *entrySet) isDir() bool {
	return s.file.FileAttributes&uint16(types.AttrDirectory) != 0
}

func (s *entrySet) chainInFAT() bool {
	return s.stream.GeneralSecondaryFlags&types.ExFATFlagNoFatChain == 0
}

// parseEntrySet decodes the entry set whose primary entry is at off. The
// checksum covers the whole set, so a set whose secondaries were partly
// reused fails as a whole.
func parseEntrySet(buf []byte, off int) (*entrySet, error) {
	s := &entrySet{}
	if err := restruct.Unpack(buf[off:off+types.ExFATEntrySize], binary.LittleEndian, &s.file); err != nil {
		return nil, fmt.Errorf("failed to unpack file entry: %w", err)
	}
	s.inUse = s.file.EntryType&types.ExFATEntryInUse != 0

	sc := int(s.file.SecondaryCount)
	if sc < minSecondaries || sc > maxSecondaries {
		return nil, fmt.Errorf("entry set with %d secondary entries", sc)
	}
	s.count = 1 + sc
	end := off + s.count*types.ExFATEntrySize
	if end > len(buf) {
		return nil, fmt.Errorf("entry set runs past the end of the directory")
	}
	if sum := types.EntrySetChecksum(buf[off:end]); sum != s.file.SetChecksum {
		return nil, fmt.Errorf("%w: stored %#04x, computed %#04x", errBadChecksum, s.file.SetChecksum, sum)
	}

	second := buf[off+types.ExFATEntrySize : off+2*types.ExFATEntrySize]
	if second[0]&typeMask != types.ExFATEntryStreamExt&typeMask {
		return nil, fmt.Errorf("entry set without a stream extension (type %#02x)", second[0])
	}
	if err := restruct.Unpack(second, binary.LittleEndian, &s.stream); err != nil {
		return nil, fmt.Errorf("failed to unpack stream extension: %w", err)
	}

	var units []byte
	for i := 2; i < s.count; i++ {
		e := buf[off+i*types.ExFATEntrySize : off+(i+1)*types.ExFATEntrySize]
		if e[0]&typeMask == types.ExFATEntryFileName&typeMask {
			units = append(units, e[2:]...)
		}
	}
	n := int(s.stream.NameLength) * 2
	if n == 0 || n > len(units) {
		return nil, fmt.Errorf("name of %d characters in %d name bytes", s.stream.NameLength, len(units))
	}
	s.name = helpers.DecodeUTF16(units[:n])
	return s, nil
}

// readDirectory reads the clusters of a directory. size bounds the read
// when known; a chain outside the FAT needs it.
func (b *Builder) readDirectory(first uint32, size uint64, inFAT bool) ([]byte, error) {
	bpc := uint64(b.bpc)
	limit := uint64(maxDirBytes) / bpc
	if size > 0 {
		limit = min(limit, (size+bpc-1)/bpc)
	}

	type extent struct {
		lcn uint32
		n   uint64
	}
	var list []extent
	var total uint64
	if inFAT {
		var err error
		total, err = b.fat.follow(first, limit, func(lcn uint32, n uint64) {
			list = append(list, extent{lcn, n})
		})
		if err != nil {
			if total == 0 {
				return nil, err
			}
			b.log.Debugf("directory at cluster %d: %v", first, err)
		}
	} else {
		if size == 0 {
			return nil, nil
		}
		if !b.fat.valid(first) {
			return nil, fmt.Errorf("first cluster %d is out of range", first)
		}
		total = min(limit, uint64(b.fat.count)+2-uint64(first))
		list = append(list, extent{first, total})
	}

	buf := make([]byte, total*bpc)
	off := uint64(0)
	for _, e := range list {
		if err := b.vol.ReadClusters(buf[off:], uint64(e.lcn), uint32(e.n)); err != nil {
			return nil, fmt.Errorf("failed to read clusters %d..%d: %w", e.lcn, uint64(e.lcn)+e.n-1, err)
		}
		off += e.n * bpc
	}
	return buf, nil
}

type subdir struct {
	id    types.RecordID
	first uint32
	size  uint64
	inFAT bool
}

// loadDirectory lists one directory and then descends into its
// subdirectories, deleted ones included. Only a failure to read the root is
// fatal.
func (b *Builder) loadDirectory(ctx context.Context, dir types.RecordID, first uint32, size uint64, inFAT bool, depth int) error {
	if err := checkCancel(ctx); err != nil {
		return err
	}
	isRoot := dir == b.tree.Root
	b.visited[first] = true

	buf, err := b.readDirectory(first, size, inFAT)
	if err != nil {
		if isRoot {
			return fmt.Errorf("failed to read root directory: %w", err)
		}
		b.tree.Warn(types.NewMetadataError(b.where(dir, 0), "%w", err))
		return nil
	}
	b.dirs++
	if b.dirs%64 == 0 {
		b.report("reading directories", 0)
	}

	var subdirs []subdir
	for off := 0; off+types.ExFATEntrySize <= len(buf); {
		typ := buf[off]
		if typ == types.ExFATEntryEndOfDirectory {
			break
		}

		switch typ {
		case types.ExFATEntryBitmap, types.ExFATEntryUpCase, types.ExFATEntryVolumeLabel,
			types.ExFATEntryVolumeGUID, types.ExFATEntryTexFAT:
			if !isRoot {
				b.tree.Warn(types.NewMetadataError(b.where(dir, off), "%#02x entry outside the root directory", typ))
				break
			}
			b.rootEntry(buf[off:off+types.ExFATEntrySize], off)
		}

		if typ&typeMask != types.ExFATEntryFile&typeMask {
			off += types.ExFATEntrySize
			continue
		}

		set, err := parseEntrySet(buf, off)
		if err != nil {
			if typ&types.ExFATEntryInUse != 0 {
				b.tree.Warn(types.NewMetadataError(b.where(dir, off), "%w", err))
			} else {
				b.log.Debugf("deleted entry set at %s skipped: %v", b.where(dir, off), err)
			}
			off += types.ExFATEntrySize
			continue
		}
		off += set.count * types.ExFATEntrySize

		if !set.isDir() && set.inUse && !b.opts.Has(types.OptShowExisting) {
			continue
		}
		rec := b.addEntrySet(dir, set)
		if c := set.stream.FirstCluster; set.isDir() && c != 0 {
			subdirs = append(subdirs, subdir{
				id:    rec.ID,
				first: c,
				size:  set.stream.DataLength,
				inFAT: set.chainInFAT() && !(!set.inUse && b.fat.valid(c) && b.freeInFAT(c)),
			})
		}
	}

	for _, sd := range subdirs {
		if depth+1 >= snapshot.MaxDepth {
			b.tree.Warn(types.NewMetadataError(b.where(sd.id, 0), "directory nesting exceeds %d levels", snapshot.MaxDepth))
			continue
		}
		if b.visited[sd.first] {
			b.log.Debugf("directory cluster %d already read", sd.first)
			continue
		}
		if err := b.loadDirectory(ctx, sd.id, sd.first, sd.size, sd.inFAT, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// rootEntry remembers the allocation bitmap and up-case table entries
func (b *Builder) rootEntry(raw []byte, off int) {
	var err error
	switch raw[0] {
	case types.ExFATEntryBitmap:
		var e types.ExFATBitmapEntry
		if err = restruct.Unpack(raw, binary.LittleEndian, &e); err == nil && b.bitmap == nil && e.BitmapFlags&0x01 == 0 {
			b.bitmap = &e
		}
	case types.ExFATEntryUpCase:
		var e types.ExFATUpCaseEntry
		if err = restruct.Unpack(raw, binary.LittleEndian, &e); err == nil && b.upcase == nil {
			b.upcase = &e
		}
	}
	if err != nil {
		b.tree.Warn(types.NewMetadataError(b.where(b.tree.Root, off), "%w", err))
	}
}

// addEntrySet creates the record of one entry set under dir
func (b *Builder) addEntrySet(dir types.RecordID, s *entrySet) *types.FileRecord {
	rec := b.tree.NewRecord(s.isDir())
	rec.Names = []types.FileName{{Name: s.name, ParentRef: uint64(dir)}}
	rec.Attributes |= types.FileAttributes(s.file.FileAttributes) &
		(types.AttrReadOnly | types.AttrHidden | types.AttrSystem | types.AttrDirectory | types.AttrArchive)
	if !s.inUse {
		rec.Flags |= types.FlagDeleted
	}
	if s.chainInFAT() {
		rec.Flags |= types.FlagChainInFAT
	}

	f := &s.file
	rec.CreationTime = types.ExFATTimestamp(f.CreateTimestamp, f.Create10msIncrement, f.CreateUtcOffset)
	rec.LastWriteTime = types.ExFATTimestamp(f.LastModifiedTimestamp, f.LastModified10msIncrement, f.LastModifiedUtcOffset)
	rec.LastAccessTime = types.ExFATTimestamp(f.LastAccessedTimestamp, 0, f.LastAccessedUtcOffset)

	if !s.isDir() {
		rec.Streams = []*types.DataStream{{
			Size:      s.stream.DataLength,
			ValidSize: s.stream.ValidDataLength,
			FirstLCN:  uint64(s.stream.FirstCluster),
		}}
		if s.inUse {
			rec.Condition = types.ConditionGood
		}
	}
	b.tree.AddChild(dir, rec.ID, 0)
	return rec
}
