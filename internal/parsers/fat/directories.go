package fat

import (
	"context"
	"fmt"

	"github.com/deploymenttheory/go-undelete/internal/interfaces"
	"github.com/deploymenttheory/go-undelete/internal/types"
)

// scanDirectoryCluster creates records for the subdirectories listed in one
// directory cluster and schedules them: existing ones along their FAT chain,
// deleted ones (or all of them when forceDeleted) for the deleted pass.
// base is the cluster's byte offset in the owner's directory.
func (b *Builder) scanDirectoryCluster(owner types.RecordID, base int, buf []byte, forceDeleted bool) {
	for off := 0; off+types.FATDirEntrySize <= len(buf) && buf[off] != 0; off += types.FATDirEntrySize {
		e := entryAt(buf, off)
		if e.Attr&types.FATAttrDirectory == 0 || b.ignoreEntry(&e, false) {
			continue
		}
		dir := b.tree.NewRecord(true)
		b.subdirs[entryKey{dir: owner, offset: base + off}] = dir.ID

		c := b.cluster(&e)
		if e.IsDeleted() || forceDeleted {
			if !b.fat.used(c) {
				b.scheduleDeleted(dir.ID, c)
			}
		} else if c != 0 {
			b.scheduleDirectory(dir.ID, c, b.where(owner, base+off))
		}
	}
}

// scheduleDirectory queues every cluster of an existing directory's chain.
// A chain that leaves the data area ends the directory early.
func (b *Builder) scheduleDirectory(dir types.RecordID, first uint32, where string) {
	if b.scheduledDirs[first] {
		b.tree.Warn(types.NewMetadataError(where, "directory cluster %d is already listed elsewhere", first))
		return
	}
	b.scheduledDirs[first] = true

	var chain []uint32
	for c := first; ; {
		chain = append(chain, c)
		next := b.fat.value(c)
		if next >= b.fat.eoc {
			break
		}
		if !b.fat.valid(next) {
			b.tree.Warn(types.NewMetadataError(where, "cluster chain broken at %d (next %#x)", c, next))
			break
		}
		if uint32(len(chain)) > b.fat.count {
			b.tree.Warn(types.NewMetadataError(where, "cluster chain starting at %d loops", first))
			break
		}
		c = next
	}

	b.pending[dir] = &pendingDir{
		buf:       make([]byte, len(chain)*int(b.bpc)),
		remaining: len(chain),
	}
	for i, c := range chain {
		b.existing.Schedule(interfaces.ClusterRequest{Cluster: c, Owner: dir, Seq: i})
	}
}

// scheduleDeleted queues a deleted directory for the deleted pass. A start
// cluster reached twice is read only once.
func (b *Builder) scheduleDeleted(dir types.RecordID, first uint32) {
	if b.deletedDirs[first] {
		b.log.Debugf("deleted directory at cluster %d already scheduled", first)
		return
	}
	b.deletedDirs[first] = true
	b.deleted.Schedule(interfaces.ClusterRequest{Cluster: first, Owner: dir})
}

// loadExisting reads the root and every existing directory below it. Each
// cluster is read once; a directory is decoded when its last cluster arrives.
func (b *Builder) loadExisting(ctx context.Context) error {
	root := b.tree.Root
	geo := b.vol.FAT()

	if b.vtype != types.VolumeFAT32 {
		bps := b.vol.BytesPerSector()
		buf := make([]byte, int(geo.RootDirSectors)*int(bps))
		if err := b.vol.ReadSectors(buf, uint64(geo.FirstRootDirSector), geo.RootDirSectors); err != nil {
			return fmt.Errorf("failed to read root directory: %w", err)
		}
		b.scanDirectoryCluster(root, 0, buf, false)
		b.decodeDirectory(root, buf, false)
	} else {
		if !b.fat.valid(geo.RootCluster) {
			return fmt.Errorf("%w: root directory cluster %d", types.ErrCorruptedMetadata, geo.RootCluster)
		}
		b.scheduleDirectory(root, geo.RootCluster, "root directory")
	}

	total := b.fat.countUsed()
	var done uint64
	for {
		req, ok := b.existing.Next()
		if !ok {
			break
		}
		p := b.pending[req.Owner]
		off := req.Seq * int(b.bpc)
		chunk := p.buf[off : off+int(b.bpc)]
		if err := b.vol.ReadClusters(chunk, uint64(req.Cluster), 1); err != nil {
			if req.Owner == root {
				return fmt.Errorf("failed to read root directory: %w", err)
			}
			b.tree.Warn(types.NewMetadataError(b.where(req.Owner, off), "cluster %d unreadable: %v", req.Cluster, err))
			clear(chunk)
		} else {
			b.scanDirectoryCluster(req.Owner, off, chunk, false)
		}

		p.remaining--
		if p.remaining == 0 {
			b.decodeDirectory(req.Owner, p.buf, false)
			delete(b.pending, req.Owner)
		}

		done++
		if total > 0 && done%64 == 0 {
			b.report("reading existing directories", int(min(done*100/total, 100)))
		}
		if err := checkCancel(ctx); err != nil {
			return err
		}
	}
	return nil
}

// loadDeleted rebuilds deleted directories. Starting from the first cluster
// of each, free clusters that still look like directory entries are
// followed, guessing every next cluster from the entries themselves.
func (b *Builder) loadDeleted(ctx context.Context) error {
	for {
		req, ok := b.deleted.Next()
		if !ok {
			return nil
		}

		var buf []byte
		seen := make(map[uint32]bool)
		for c := req.Cluster; c != 0 && b.fat.valid(c) && !b.fat.used(c) && !seen[c]; {
			seen[c] = true
			chunk, ok := b.readCluster(c)
			if !ok {
				b.tree.Warn(types.NewMetadataError(b.where(req.Owner, len(buf)), "deleted directory cluster %d unreadable", c))
				break
			}
			flags, ok := b.analyzeCluster(chunk)
			if !ok {
				break
			}

			b.fat.mark(c, types.FATMarkDelDir)
			b.scanDirectoryCluster(req.Owner, len(buf), chunk, true)
			buf = append(buf, chunk...)
			if flags&dcLast != 0 {
				break
			}
			c = b.nextDirCluster(chunk, 0, b.readCluster, true)
		}
		b.decodeDirectory(req.Owner, buf, true)

		if err := checkCancel(ctx); err != nil {
			return err
		}
	}
}
