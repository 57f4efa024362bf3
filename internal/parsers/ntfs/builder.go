// Package ntfs builds snapshots of NTFS volumes from the Master File Table.
// Every file record is read, deleted ones included, and the directory tree
// is rebuilt from the parent references of the records' names instead of
// the directory indexes, so that deleted files keep their place.
package ntfs

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-undelete/internal/interfaces"
	"github.com/deploymenttheory/go-undelete/internal/snapshot"
	"github.com/deploymenttheory/go-undelete/internal/types"
	"github.com/deploymenttheory/go-undelete/internal/volume"
)

// DefaultMFTBatchClusters is how many MFT clusters are read at once
const DefaultMFTBatchClusters = 16

// cancelEvery is the number of records between cancellation checks
const cancelEvery = 512

// Volume is what the builder needs from an opened NTFS volume
type Volume interface {
	interfaces.VolumeReader
	NTFS() *volume.NTFSGeometry
}

// Config tunes a Builder
type Config struct {
	// MFTBatchClusters is the MFT read size, rounded down to whole records
	MFTBatchClusters uint32
}

// mftRecord is one slot of the MFT while it is loaded
type mftRecord struct {
	rec *types.FileRecord
	// dos marks names that so far came only from a DOS name attribute
	dos []bool
}

// Builder implements interfaces.SnapshotBuilder for NTFS volumes
type Builder struct {
	vol    Volume
	bpc    uint32
	config Config
	log    log.FieldLogger

	major, minor uint8

	// state of one Update
	opts     types.Options
	progress types.ProgressFunc
	tree     *snapshot.Tree
	records  []*mftRecord
	ids      []types.RecordID
	parents  map[types.RecordID][]types.RecordID
	virtual  map[uint64]*types.FileRecord
	meta     []types.RecordID
}

var _ interfaces.SnapshotBuilder = (*Builder)(nil)

// NewBuilder returns a builder for an NTFS volume
func NewBuilder(vol Volume, config Config) (*Builder, error) {
	if vol.Type() != types.VolumeNTFS || vol.NTFS() == nil {
		return nil, fmt.Errorf("%w: %s volume is not NTFS", types.ErrUnsupportedFormat, vol.Type())
	}
	if config.MFTBatchClusters == 0 {
		config.MFTBatchClusters = DefaultMFTBatchClusters
	}
	return &Builder{
		vol:    vol,
		bpc:    vol.BytesPerCluster(),
		config: config,
		log:    log.WithField("fs", types.VolumeNTFS.String()),
	}, nil
}

// Version returns the NTFS version found in $Volume by the last Update
func (b *Builder) Version() (major, minor uint8) {
	return b.major, b.minor
}

// Update reads the whole MFT and returns a fresh tree
func (b *Builder) Update(ctx context.Context, opts types.Options, progress types.ProgressFunc) (*snapshot.Tree, error) {
	opts = opts.Normalize()
	b.opts = opts
	b.progress = progress
	b.tree = snapshot.New(types.VolumeNTFS, b.bpc)
	b.records = nil
	defer b.release()

	b.log.WithField("options", opts.String()).Debug("snapshot update started")

	b.report("reading MFT", 0)
	if err := b.loadMFT(ctx); err != nil {
		return nil, err
	}

	b.report("analyzing directories", 0)
	if err := b.buildTree(ctx); err != nil {
		return nil, err
	}

	tree := b.tree
	if !opts.Has(types.OptShowExisting) {
		tree.FilterExisting(tree.Root)
	}
	tree.Prune(opts)
	tree.RenameDuplicates(tree.Root)
	deleted := tree.AddDeletedFilesDir()

	if opts.Has(types.OptEstimateDamage) {
		b.report("estimating damage", 0)
		if err := b.estimate(ctx, deleted.Children); err != nil {
			return nil, err
		}
	}

	if opts.Has(types.OptShowMetafiles) && len(b.meta) > 0 {
		dir := tree.AddVirtualDir(tree.Root, snapshot.MetafilesName)
		for _, id := range b.meta {
			tree.AddChild(dir.ID, id, 0)
		}
	}

	b.report("done", 100)
	b.log.WithFields(log.Fields{
		"records":  len(tree.Records),
		"mft":      len(b.records),
		"version":  fmt.Sprintf("%d.%d", b.major, b.minor),
		"warnings": len(tree.Warnings),
	}).Info("snapshot updated")
	return tree, nil
}

// release drops the state of the last Update
func (b *Builder) release() {
	b.tree = nil
	b.records = nil
	b.ids = nil
	b.parents = nil
	b.virtual = nil
	b.meta = nil
}

func (b *Builder) report(stage string, percent int) {
	if b.progress != nil {
		b.progress(stage, percent)
	}
}

func checkCancel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", types.ErrCancelled, err)
	}
	return nil
}

func where(index uint64) string {
	return fmt.Sprintf("MFT record %d", index)
}
