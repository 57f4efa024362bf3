package ntfs

import (
	"context"
	"fmt"
	"strings"

	"github.com/deploymenttheory/go-undelete/internal/snapshot"
	"github.com/deploymenttheory/go-undelete/internal/types"
)

// buildTree moves the loaded records into the tree and lists every name
// under its parent. Parents that are not directory records of the MFT are
// replaced by "Directory N" placeholders under the root.
func (b *Builder) buildTree(ctx context.Context) error {
	tree := b.tree
	b.ids = make([]types.RecordID, len(b.records))
	b.parents = make(map[types.RecordID][]types.RecordID)
	b.virtual = make(map[uint64]*types.FileRecord)
	b.meta = nil

	for i, m := range b.records {
		b.ids[i] = types.NoRecord
		if m != nil && len(m.rec.Names) == 0 {
			b.records[i] = nil
		}
	}

	root := b.findRoot()
	if root < 0 {
		tree.Warn(types.NewMetadataError("MFT", "root directory record not found"))
	}

	for i, m := range b.records {
		if m == nil {
			continue
		}
		r := m.rec
		if r.IsDir {
			r.Attributes |= types.AttrDirectory
		}
		if i == root {
			rr := tree.RootRecord()
			rr.Ref = uint64(i)
			rr.Attributes = r.Attributes
			rr.CreationTime, rr.LastAccessTime, rr.LastWriteTime = r.CreationTime, r.LastAccessTime, r.LastWriteTime
			m.rec = rr
			b.ids[i] = tree.Root
			continue
		}
		tree.Adopt(r)
		b.ids[i] = r.ID
		if b.isMetafile(i) {
			r.Flags |= types.FlagMetafile
			b.meta = append(b.meta, r.ID)
		}
	}

	for i, m := range b.records {
		if i%cancelEvery == 0 {
			if err := checkCancel(ctx); err != nil {
				return err
			}
		}
		if m == nil || i == root || b.isMetafile(i) {
			continue
		}
		for n, fn := range m.rec.Names {
			b.link(b.parentOf(fn.ParentRef), m.rec, n)
		}
	}
	return nil
}

// findRoot returns the index of the root directory record, named ".", or
// -1. It is normally record 5.
func (b *Builder) findRoot() int {
	for i := 0; i < min(len(b.records), types.MFTFirstUserRecord); i++ {
		m := b.records[i]
		if m != nil && m.rec.IsDir && m.rec.Name() == types.RootDirectoryDot {
			return i
		}
	}
	return -1
}

// isMetafile reports whether record i is one of the fixed metadata files
func (b *Builder) isMetafile(i int) bool {
	if i >= types.MFTFirstUserRecord || i >= len(b.records) || b.records[i] == nil {
		return false
	}
	return strings.HasPrefix(b.records[i].rec.Name(), "$")
}

// parentOf resolves a parent reference to a directory of the tree
func (b *Builder) parentOf(ref uint64) types.RecordID {
	idx := ref & types.MFTRefMask
	if idx < uint64(len(b.records)) {
		if m := b.records[idx]; m != nil && m.rec.IsDir {
			return b.ids[idx]
		}
	}
	return b.virtualDir(idx).ID
}

// link lists rec under parent. A directory that would become its own
// ancestor goes under a placeholder instead.
func (b *Builder) link(parent types.RecordID, rec *types.FileRecord, nameIndex int) {
	if rec.IsDir && b.isAncestor(rec.ID, parent) {
		b.log.Debugf("directory %q closes a parent cycle", rec.Names[nameIndex].Name)
		parent = b.virtualDir(rec.Names[nameIndex].ParentRef & types.MFTRefMask).ID
	}
	b.tree.AddChild(parent, rec.ID, nameIndex)
	b.parents[rec.ID] = append(b.parents[rec.ID], parent)
}

// isAncestor reports whether dir is id or one of its linked parents
func (b *Builder) isAncestor(dir, id types.RecordID) bool {
	seen := make(map[types.RecordID]bool)
	stack := []types.RecordID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == dir {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, b.parents[cur]...)
	}
	return false
}

// virtualDir returns the placeholder for a missing parent, creating it
// under the root on first use
func (b *Builder) virtualDir(idx uint64) *types.FileRecord {
	if d, ok := b.virtual[idx]; ok {
		return d
	}
	d := b.tree.NewRecord(true)
	d.Ref = idx
	d.Flags |= types.FlagDeleted
	d.Names = []types.FileName{{Name: fmt.Sprintf(snapshot.OrphanDirFormat, idx), ParentRef: uint64(b.tree.Root)}}
	b.tree.AddChild(b.tree.Root, d.ID, 0)
	b.parents[d.ID] = []types.RecordID{b.tree.Root}
	b.virtual[idx] = d
	return d
}
