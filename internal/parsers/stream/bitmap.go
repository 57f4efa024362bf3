package stream

import (
	"context"
	"fmt"

	"github.com/deploymenttheory/go-undelete/internal/interfaces"
	"github.com/deploymenttheory/go-undelete/internal/parsers/bitmap"
	"github.com/deploymenttheory/go-undelete/internal/types"
)

// BitmapBatchBytes is the read size used to load an allocation bitmap
const BitmapBatchBytes = 256 * 1024

// LoadBitmap reads a filesystem allocation bitmap stream into a cluster map
// covering clusters entries. It returns how many bitmap bytes were loaded;
// a stream shorter than the map leaves the rest Unused. A read error is
// returned together with the map filled so far, cancellation with a nil map.
func LoadBitmap(ctx context.Context, vol interfaces.VolumeReader, ds *types.DataStream, clusters uint64) (*bitmap.ClusterBitmap, uint64, error) {
	bm, err := bitmap.New(clusters)
	if err != nil {
		return nil, 0, err
	}

	bpc := int(vol.BytesPerCluster())
	need := (clusters + 7) / 8
	batch := uint32(max(1, BitmapBatchBytes/bpc))
	buf := make([]byte, int(batch)*bpc)
	r := NewReader(vol, ds)

	var loaded uint64
	for loaded < need {
		if err := ctx.Err(); err != nil {
			return nil, loaded, fmt.Errorf("%w: %w", types.ErrCancelled, err)
		}
		n, err := r.GetClusters(buf, batch)
		part := buf[:int(n)*bpc]
		if uint64(len(part)) > need-loaded {
			part = part[:need-loaded]
		}
		bm.AddBlock(part)
		loaded += uint64(len(part))

		if err != nil {
			return bm, loaded, fmt.Errorf("allocation bitmap read stopped after %d bytes: %w", loaded, err)
		}
		if n < batch {
			break
		}
	}
	return bm, loaded, nil
}
