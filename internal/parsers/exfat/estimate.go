package exfat

import (
	"context"
	"errors"
	"fmt"

	"github.com/deploymenttheory/go-undelete/internal/parsers/runs"
	"github.com/deploymenttheory/go-undelete/internal/parsers/stream"
	"github.com/deploymenttheory/go-undelete/internal/snapshot"
	"github.com/deploymenttheory/go-undelete/internal/types"
)

// freeInFAT reports whether the FAT entry of c is free. A deleted FAT
// chained stream whose head is free lost its chain and is read as
// contiguous instead.
func (b *Builder) freeInFAT(c uint32) bool {
	v, err := b.fat.next(c)
	return err == nil && v == 0
}

// encodeChains turns the cluster chain of every file into a run list
func (b *Builder) encodeChains() {
	_ = b.tree.Walk(b.tree.Root, func(_ string, _ types.DirItem, rec *types.FileRecord, _ int) error {
		if !rec.IsDir && len(rec.Streams) > 0 {
			b.encodeChain(rec)
		}
		return nil
	})
}

// encodeChain follows the FAT, or takes the clusters after the first one,
// for as many clusters as the size needs
func (b *Builder) encodeChain(rec *types.FileRecord) {
	s := rec.Streams[0]
	first := uint32(s.FirstLCN)
	s.FirstLCN = 0
	s.Pointers = nil
	if s.Size == 0 || first == 0 {
		return
	}

	bpc := uint64(b.bpc)
	need := (s.Size + bpc - 1) / bpc
	enc := runs.NewEncoder()
	inFAT := rec.Has(types.FlagChainInFAT) && !(rec.IsDeleted() && b.fat.valid(first) && b.freeInFAT(first))

	var err error
	if inFAT {
		_, err = b.fat.follow(first, need, func(lcn uint32, n uint64) {
			enc.Append(int64(lcn), n)
		})
	} else if !b.fat.valid(first) {
		err = fmt.Errorf("first cluster %d is out of range", first)
	} else {
		n := min(need, uint64(b.fat.count)+2-uint64(first))
		enc.Append(int64(first), n)
		if n < need {
			err = fmt.Errorf("contiguous stream of %d clusters runs past the cluster heap", need)
		}
	}
	if err != nil {
		b.tree.Warn(types.NewMetadataError(rec.Name(), "%w", err))
	}

	if enc.Clusters() > 0 {
		s.Pointers = []*types.DataPointers{{
			LastVCN: enc.Clusters() - 1,
			Runs:    enc.Bytes(),
		}}
	}
}

// estimate classifies the deleted files against the allocation bitmap. The
// bitmap starts at cluster 2.
func (b *Builder) estimate(ctx context.Context, meta []*types.FileRecord, files []types.DirItem) error {
	var rec *types.FileRecord
	for _, r := range meta {
		if r.Name() == types.ExFATBitmapName {
			rec = r
		}
	}
	if rec == nil {
		b.log.Warn("damage estimation skipped without an allocation bitmap")
		return nil
	}

	count := b.vol.ClusterCount()
	bm, loaded, err := stream.LoadBitmap(ctx, b.vol, rec.DefaultStream(), count)
	switch {
	case errors.Is(err, types.ErrCancelled):
		return err
	case err != nil:
		if bm == nil {
			return err
		}
		b.tree.Warn(types.NewMetadataError(types.ExFATBitmapName, "%w", err))
	case loaded < (count+7)/8:
		b.tree.Warn(types.NewMetadataError(types.ExFATBitmapName, "allocation bitmap holds %d of %d bytes", loaded, (count+7)/8))
	}
	est := snapshot.Estimator{Bitmap: bm, Base: 2, BytesPerCluster: uint64(b.bpc)}
	lost := est.Estimate(b.tree, files, b.opts.Has(types.OptLostClusterMap))
	if b.opts.Has(types.OptLostClusterMap) {
		b.tree.LostClusters = lost
	}
	return nil
}
