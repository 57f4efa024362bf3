// Package exfat builds snapshots of exFAT volumes. Directories are entry
// sets guarded by a checksum, so deleted entries are trusted only while the
// checksum still matches; their clusters are taken from the FAT or, for
// contiguous files, from the first cluster and the size.
package exfat

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-undelete/internal/interfaces"
	"github.com/deploymenttheory/go-undelete/internal/snapshot"
	"github.com/deploymenttheory/go-undelete/internal/types"
	"github.com/deploymenttheory/go-undelete/internal/volume"
)

// DefaultFATHeadBytes is how much of the FAT is loaded up front
const DefaultFATHeadBytes = 10 * 1000 * 1000

// maxDirBytes is the largest directory exFAT allows
const maxDirBytes = 256 << 20

// Volume is what the builder needs from an opened exFAT volume
type Volume interface {
	interfaces.VolumeReader
	ExFAT() *volume.ExFATGeometry
}

// Config tunes a Builder
type Config struct {
	// FATHeadBytes bounds the part of the FAT held in memory
	FATHeadBytes int
}

// Builder implements interfaces.SnapshotBuilder for exFAT volumes
type Builder struct {
	vol    Volume
	bpc    uint32
	config Config
	log    log.FieldLogger

	// state of one Update
	opts     types.Options
	progress types.ProgressFunc
	fat      *fatTable
	tree     *snapshot.Tree
	visited  map[uint32]bool
	bitmap   *types.ExFATBitmapEntry
	upcase   *types.ExFATUpCaseEntry
	dirs     int
}

var _ interfaces.SnapshotBuilder = (*Builder)(nil)

// NewBuilder returns a builder for an exFAT volume
func NewBuilder(vol Volume, config Config) (*Builder, error) {
	if vol.Type() != types.VolumeExFAT || vol.ExFAT() == nil {
		return nil, fmt.Errorf("%w: %s volume is not exFAT", types.ErrUnsupportedFormat, vol.Type())
	}
	if config.FATHeadBytes <= 0 {
		config.FATHeadBytes = DefaultFATHeadBytes
	}
	return &Builder{
		vol:    vol,
		bpc:    vol.BytesPerCluster(),
		config: config,
		log:    log.WithField("fs", types.VolumeExFAT.String()),
	}, nil
}

// Update reads the whole volume and returns a fresh tree
func (b *Builder) Update(ctx context.Context, opts types.Options, progress types.ProgressFunc) (*snapshot.Tree, error) {
	opts = opts.Normalize()
	b.opts = opts
	b.progress = progress
	b.tree = snapshot.New(types.VolumeExFAT, b.bpc)
	b.visited = make(map[uint32]bool)
	b.bitmap, b.upcase, b.dirs = nil, nil, 0
	defer b.release()

	b.log.WithField("options", opts.String()).Debug("snapshot update started")

	b.report("loading FAT", 0)
	fat, err := openFAT(b.vol, b.config.FATHeadBytes)
	if err != nil {
		return nil, err
	}
	if !fat.mediaOK() {
		b.log.Warnf("unexpected FAT media entries %#x %#x", fat.head[0], fat.head[1])
	}
	b.fat = fat

	tree := b.tree
	root := b.vol.ExFAT().RootCluster
	if !fat.valid(root) {
		return nil, fmt.Errorf("%w: root directory cluster %d lies outside the volume", types.ErrVolumeIO, root)
	}
	b.report("reading directories", 0)
	if err := b.loadDirectory(ctx, tree.Root, root, 0, true, 0); err != nil {
		return nil, err
	}

	if !opts.Has(types.OptShowExisting) {
		tree.FilterExisting(tree.Root)
	}
	b.encodeChains()

	tree.Prune(opts)
	tree.RenameDuplicates(tree.Root)
	deleted := tree.AddDeletedFilesDir()
	meta := b.metafiles()

	if opts.Has(types.OptEstimateDamage) {
		b.report("estimating damage", 0)
		if err := b.estimate(ctx, meta, deleted.Children); err != nil {
			return nil, err
		}
	}

	if opts.Has(types.OptShowMetafiles) && len(meta) > 0 {
		dir := tree.AddVirtualDir(tree.Root, snapshot.MetafilesName)
		for _, r := range meta {
			tree.AddChild(dir.ID, r.ID, 0)
		}
	}

	b.report("done", 100)
	b.log.WithFields(log.Fields{
		"records":     len(tree.Records),
		"directories": b.dirs,
		"warnings":    len(tree.Warnings),
	}).Info("snapshot updated")
	return tree, nil
}

// release drops the state of the last Update
func (b *Builder) release() {
	b.fat = nil
	b.tree = nil
	b.visited = nil
	b.bitmap = nil
	b.upcase = nil
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

// where names a directory entry in warnings
func (b *Builder) where(dir types.RecordID, offset int) string {
	name := "/"
	if r := b.tree.Record(dir); r != nil && dir != b.tree.Root {
		name = r.Name()
	}
	return fmt.Sprintf("directory %q offset %d", name, offset)
}

// metafiles returns records for the allocation bitmap and the up-case
// table. They are not linked into the tree.
func (b *Builder) metafiles() []*types.FileRecord {
	var out []*types.FileRecord
	add := func(name string, first uint32, size uint64) *types.FileRecord {
		r := b.tree.NewRecord(false)
		r.Flags |= types.FlagMetafile | types.FlagChainInFAT
		r.Attributes = types.AttrHidden | types.AttrSystem
		r.Condition = types.ConditionGood
		r.Names = []types.FileName{{Name: name, ParentRef: uint64(b.tree.Root)}}
		r.Streams = []*types.DataStream{{Size: size, ValidSize: size, FirstLCN: uint64(first)}}
		b.encodeChain(r)
		out = append(out, r)
		return r
	}

	if b.bitmap != nil {
		add(types.ExFATBitmapName, b.bitmap.FirstCluster, b.bitmap.DataLength)
	} else {
		b.tree.Warn(types.NewMetadataError("root directory", "no allocation bitmap entry"))
	}
	if b.upcase != nil {
		add(types.ExFATUpCaseName, b.upcase.FirstCluster, b.upcase.DataLength)
	}
	return out
}
