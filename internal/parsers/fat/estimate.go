package fat

import (
	"github.com/deploymenttheory/go-undelete/internal/parsers/runs"
	"github.com/deploymenttheory/go-undelete/internal/snapshot"
	"github.com/deploymenttheory/go-undelete/internal/types"
)

// files calls fn for every file below the root
func (b *Builder) files(fn func(rec *types.FileRecord)) {
	_ = b.tree.Walk(b.tree.Root, func(_ string, _ types.DirItem, rec *types.FileRecord, _ int) error {
		if !rec.IsDir && len(rec.Streams) > 0 {
			fn(rec)
		}
		return nil
	})
}

// deletedSpan walks the clusters a deleted file most likely occupied: the
// used clusters it starts on, then its first run of free clusters. free is
// called for each cluster of that run. It returns how many leading clusters
// were used and whether data was left over behind the run.
func (b *Builder) deletedSpan(s *types.DataStream, free func(c uint32)) (overwritten uint64, more bool) {
	c := uint32(s.FirstLCN)
	left := s.Size
	step := uint64(b.bpc)
	for left > 0 && b.fat.valid(c) && b.fat.used(c) {
		overwritten++
		c++
		left -= min(left, step)
	}
	for left > 0 && b.fat.valid(c) && !b.fat.used(c) {
		free(c)
		c++
		left -= min(left, step)
	}
	return overwritten, left > 0 && b.fat.valid(c)
}

// estimate draws every deleted file into the damage counters of the FAT and
// then classifies each one. Existing files are always Good.
func (b *Builder) estimate() {
	b.files(func(rec *types.FileRecord) {
		if rec.IsDeleted() {
			b.deletedSpan(rec.Streams[0], b.fat.increaseDamage)
		}
	})
	b.files(func(rec *types.FileRecord) {
		if !rec.IsDeleted() {
			rec.Condition = types.ConditionGood
			return
		}
		s := rec.Streams[0]
		var cnt [4]uint64
		overwritten, more := b.deletedSpan(s, func(c uint32) {
			cnt[b.fat.damage(c)]++
		})
		cnt[3] += overwritten
		if more {
			cnt[3]++
		}
		rec.Condition = snapshot.Classify(cnt, false)
	})
}

// drawLost draws Fair and Poor files a second time so that the clusters
// they share end up in the lost map
func (b *Builder) drawLost() {
	b.files(func(rec *types.FileRecord) {
		if rec.IsDeleted() && (rec.Condition == types.ConditionFair || rec.Condition == types.ConditionPoor) {
			b.deletedSpan(rec.Streams[0], b.fat.increaseDamage)
		}
	})
}

// encodeChains turns the cluster chain of every file into a run list
func (b *Builder) encodeChains() {
	b.files(func(rec *types.FileRecord) {
		s := rec.Streams[0]
		if s.Size == 0 {
			return
		}
		enc := runs.NewEncoder()
		if rec.IsDeleted() {
			b.encodeDeleted(enc, s)
		} else {
			b.encodeExisting(enc, s, rec)
		}
		s.FirstLCN = 0
		if enc.Clusters() == 0 {
			s.Pointers = nil
			return
		}
		s.Pointers = []*types.DataPointers{{
			LastVCN: enc.Clusters() - 1,
			Runs:    enc.Bytes(),
		}}
	})
}

// encodeExisting follows the FAT from the first cluster, merging consecutive
// clusters into one run. The chain is cut at the clusters the size needs.
func (b *Builder) encodeExisting(enc *runs.Encoder, s *types.DataStream, rec *types.FileRecord) {
	need := (s.Size-1)/uint64(b.bpc) + 1
	c := uint32(s.FirstLCN)
	if !b.fat.valid(c) {
		b.tree.Warn(types.NewMetadataError(rec.Name(), "first cluster %d is out of range", c))
		return
	}
	lcn, length := c, uint64(1)
	for n := uint64(1); n < need; n++ {
		next := b.fat.value(c)
		if next >= b.fat.eoc || !b.fat.valid(next) {
			if next < b.fat.eoc {
				b.tree.Warn(types.NewMetadataError(rec.Name(), "cluster chain broken at %d (next %#x)", c, next))
			}
			break
		}
		if next == c+1 {
			length++
		} else {
			enc.Append(int64(lcn), length)
			lcn, length = next, 1
		}
		c = next
	}
	enc.Append(int64(lcn), length)
}

// encodeDeleted assigns clusters to a deleted file. The used clusters it
// starts on are taken as they are and counted as overwritten; after that
// only free clusters are taken, skipping any used ones in between. When
// the volume ends first the size is cut to what was found.
func (b *Builder) encodeDeleted(enc *runs.Encoder, s *types.DataStream) {
	c := uint32(s.FirstLCN)
	left := s.Size
	step := uint64(b.bpc)
	lcn, length := c, uint64(0)

	s.OverwrittenClusters = 0
	for left > 0 && b.fat.valid(c) && b.fat.used(c) {
		s.OverwrittenClusters++
		c++
		length++
		left -= min(left, step)
	}

	for {
		for left > 0 && b.fat.valid(c) && !b.fat.used(c) {
			c++
			length++
			left -= min(left, step)
		}
		enc.Append(int64(lcn), length)
		if left == 0 || !b.fat.valid(c) {
			break
		}
		for b.fat.used(c) {
			c++
			if !b.fat.valid(c) {
				break
			}
		}
		if !b.fat.valid(c) {
			break
		}
		lcn, length = c, 0
	}

	if left > 0 {
		s.Size -= min(s.Size, left)
		s.ValidSize = s.Size
	}
}
