package fat

import (
	"context"
	"errors"
	"fmt"

	"github.com/deploymenttheory/go-undelete/internal/snapshot"
	"github.com/deploymenttheory/go-undelete/internal/types"
)

// scannedCluster is a free cluster that looks like part of a directory.
// data is only held while an Update uses it.
type scannedCluster struct {
	cluster uint32
	flags   int
	next    uint32
	data    []byte
}

// scanVacant sweeps the free clusters for directory content, or reloads the
// clusters found by the previous sweep, and attaches every directory that
// no other found cluster points to under the root. A failing sweep is
// logged and skipped; only cancellation aborts the Update.
func (b *Builder) scanVacant(ctx context.Context) error {
	var err error
	if b.opts.Has(types.OptReuseScanInfo) && b.scanned != nil {
		b.report("reloading scanned clusters", 0)
		err = b.reloadScanned(ctx)
	} else {
		b.report("scanning vacant clusters", 0)
		err = b.sweep(ctx)
	}
	if err == nil {
		b.processScanned()
	}
	for _, s := range b.scanned {
		s.data = nil
	}
	if err != nil {
		b.scanned = nil
		if errors.Is(err, types.ErrCancelled) {
			return err
		}
		b.log.Warnf("vacant cluster scan abandoned: %v", err)
	}
	return nil
}

// sweep reads every cluster that is free and not already part of a deleted directory
func (b *Builder) sweep(ctx context.Context) error {
	b.scanned = nil
	batch := uint32(max(1, b.config.ScanBatchBytes/int(b.bpc)))
	buf := make([]byte, int(batch)*int(b.bpc))
	end := b.fat.count + 2

	for c := uint32(2); c < end; {
		if b.fat.raw(c) != 0 {
			c++
			continue
		}
		n := uint32(1)
		for n < batch && c+n < end && b.fat.raw(c+n) == 0 {
			n++
		}
		if err := b.vol.ReadClusters(buf, uint64(c), n); err != nil {
			return fmt.Errorf("failed to read clusters %d..%d: %w", c, c+n-1, err)
		}
		for i := uint32(0); i < n; i++ {
			p := buf[int(i)*int(b.bpc) : int(i+1)*int(b.bpc)]
			if flags, ok := b.analyzeCluster(p); ok {
				b.scanned = append(b.scanned, &scannedCluster{
					cluster: c + i,
					flags:   flags,
					data:    append([]byte(nil), p...),
				})
			}
		}
		c += n

		b.report("scanning vacant clusters", int(uint64(c)*100/uint64(end)))
		if err := checkCancel(ctx); err != nil {
			return err
		}
	}
	b.log.Debugf("vacant cluster scan found %d directory clusters", len(b.scanned))
	return nil
}

// reloadScanned reads the clusters found by the previous sweep again and
// drops those that no longer hold directory entries
func (b *Builder) reloadScanned(ctx context.Context) error {
	kept := b.scanned[:0]
	for i, s := range b.scanned {
		data := make([]byte, b.bpc)
		if err := b.vol.ReadClusters(data, uint64(s.cluster), 1); err != nil {
			return fmt.Errorf("failed to reload cluster %d: %w", s.cluster, err)
		}
		flags, ok := b.analyzeCluster(data)
		if !ok {
			continue
		}
		s.flags, s.next, s.data = flags, 0, data
		kept = append(kept, s)

		b.report("reloading scanned clusters", (i+1)*100/len(b.scanned))
		if err := checkCancel(ctx); err != nil {
			return err
		}
	}
	b.scanned = kept
	return nil
}

func (b *Builder) fetchScanned(c uint32) ([]byte, bool) {
	s := b.scanIndex[c]
	if s == nil || s.data == nil {
		return nil, false
	}
	return s.data, true
}

// processScanned links the found clusters together and lists the heads
// under the root as "Directory N"
func (b *Builder) processScanned() {
	b.scanIndex = make(map[uint32]*scannedCluster, len(b.scanned))
	for _, s := range b.scanned {
		s.flags &^= dcReferenced
		s.next = 0
		b.scanIndex[s.cluster] = s
	}

	for _, s := range b.scanned {
		for off := 0; off+types.FATDirEntrySize <= len(s.data); off += types.FATDirEntrySize {
			e := entryAt(s.data, off)
			if e.Attr&types.FATAttrDirectory != 0 && !b.ignoreEntry(&e, true) {
				if ref := b.scanIndex[b.cluster(&e)]; ref != nil {
					ref.flags |= dcReferenced
				}
			}
		}
		if s.flags&dcLast == 0 {
			next := b.nextDirCluster(s.data, 0, b.fetchScanned, false)
			if ref := b.scanIndex[next]; ref != nil && ref != s {
				ref.flags |= dcReferenced
				s.next = next
			}
		}
	}

	root := b.tree.Root
	for _, s := range b.scanned {
		if s.flags&dcReferenced != 0 {
			continue
		}
		dir := b.tree.NewRecord(true)
		dir.Flags |= types.FlagDeleted
		dir.Names = []types.FileName{{Name: fmt.Sprintf(snapshot.OrphanDirFormat, s.cluster), ParentRef: uint64(root)}}
		b.tree.AddChild(root, dir.ID, 0)
		b.decodeScanned(dir.ID, s, 0, make(map[uint32]bool))
	}
}

// decodeScanned decodes the directory starting at s, following the next
// links between found clusters and descending into found subdirectories.
// visited keeps a cluster from being decoded twice below one head.
func (b *Builder) decodeScanned(dir types.RecordID, s *scannedCluster, depth int, visited map[uint32]bool) {
	if depth >= snapshot.MaxDepth {
		return
	}
	var buf []byte
	for c := s; c != nil && !visited[c.cluster]; {
		visited[c.cluster] = true
		buf = append(buf, c.data...)
		if c.next == 0 {
			break
		}
		c = b.scanIndex[c.next]
	}

	for off := 0; off+types.FATDirEntrySize <= len(buf) && buf[off] != 0; off += types.FATDirEntrySize {
		e := entryAt(buf, off)
		if e.Attr&types.FATAttrDirectory == 0 || b.ignoreEntry(&e, true) {
			continue
		}
		sub := b.tree.NewRecord(true)
		b.subdirs[entryKey{dir: dir, offset: off}] = sub.ID
		if sc := b.scanIndex[b.cluster(&e)]; sc != nil {
			b.decodeScanned(sub.ID, sc, depth+1, visited)
		}
	}
	b.decodeDirectory(dir, buf, true)
}
