package ntfs

import (
	"context"
	"errors"
	"strings"

	"github.com/deploymenttheory/go-undelete/internal/parsers/stream"
	"github.com/deploymenttheory/go-undelete/internal/snapshot"
	"github.com/deploymenttheory/go-undelete/internal/types"
)

// bitmapStream returns the default stream of the $Bitmap metafile
func (b *Builder) bitmapStream() *types.DataStream {
	for i := 0; i < min(len(b.records), types.MFTFirstUserRecord); i++ {
		m := b.records[i]
		if m != nil && !m.rec.IsDir && strings.EqualFold(m.rec.Name(), types.BitmapMetafile) {
			return m.rec.DefaultStream()
		}
	}
	return nil
}

// estimate classifies the deleted files against $Bitmap, whose bit i is
// cluster i of the volume
func (b *Builder) estimate(ctx context.Context, files []types.DirItem) error {
	ds := b.bitmapStream()
	if ds == nil || ds.Size == 0 {
		b.log.Warn("damage estimation skipped without a usable $Bitmap")
		return nil
	}

	count := b.vol.ClusterCount()
	need := (count + 7) / 8
	bm, loaded, err := stream.LoadBitmap(ctx, b.vol, ds, count)
	switch {
	case errors.Is(err, types.ErrCancelled):
		return err
	case err != nil:
		if bm == nil {
			return err
		}
		b.tree.Warn(types.NewMetadataError(types.BitmapMetafile, "%w", err))
	case loaded < need:
		b.tree.Warn(types.NewMetadataError(types.BitmapMetafile, "bitmap holds %d of %d bytes", loaded, need))
	}

	est := snapshot.Estimator{Bitmap: bm, BytesPerCluster: uint64(b.bpc)}
	lost := est.Estimate(b.tree, files, b.opts.Has(types.OptLostClusterMap))
	if b.opts.Has(types.OptLostClusterMap) {
		b.tree.LostClusters = lost
	}
	return nil
}
