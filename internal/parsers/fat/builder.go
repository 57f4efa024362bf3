// Package fat builds snapshots of FAT12, FAT16 and FAT32 volumes. Existing
// directories are read through the FAT; deleted directories are rebuilt by
// following free clusters that still look like directory entries, and the
// free space can be swept for directories nothing points to anymore.
package fat

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-undelete/internal/interfaces"
	"github.com/deploymenttheory/go-undelete/internal/snapshot"
	"github.com/deploymenttheory/go-undelete/internal/types"
	"github.com/deploymenttheory/go-undelete/internal/volume"
)

// DefaultScanBatchBytes is the read size of the vacant cluster sweep
const DefaultScanBatchBytes = 256 * 1024

// Volume is what the builder needs from an opened FAT volume
type Volume interface {
	interfaces.VolumeReader
	FAT() *volume.FATGeometry
}

// Config tunes a Builder
type Config struct {
	// Scheduler selects the directory read order, SchedulerHeap or SchedulerFIFO
	Scheduler string
	// ScanBatchBytes is the read size of the vacant cluster sweep
	ScanBatchBytes int
}

// entryKey identifies a directory entry by its owner and byte offset in the
// owner's concatenated clusters
type entryKey struct {
	dir    types.RecordID
	offset int
}

// pendingDir collects the clusters of a directory until all are read
type pendingDir struct {
	buf       []byte
	remaining int
}

// Builder implements interfaces.SnapshotBuilder for FAT volumes. It keeps the
// locations found by the last vacant cluster sweep for OptReuseScanInfo.
type Builder struct {
	vol    Volume
	vtype  types.VolumeType
	bpc    uint32
	config Config
	log    log.FieldLogger

	scanned []*scannedCluster

	// state of one Update
	opts          types.Options
	progress      types.ProgressFunc
	fat           *table
	tree          *snapshot.Tree
	pending       map[types.RecordID]*pendingDir
	subdirs       map[entryKey]types.RecordID
	existing      interfaces.ClusterScheduler
	deleted       interfaces.ClusterScheduler
	scheduledDirs map[uint32]bool
	deletedDirs   map[uint32]bool
	scanIndex     map[uint32]*scannedCluster
}

var _ interfaces.SnapshotBuilder = (*Builder)(nil)

// NewBuilder returns a builder for a FAT12/16/32 volume
func NewBuilder(vol Volume, config Config) (*Builder, error) {
	if !vol.Type().IsFAT() || vol.FAT() == nil {
		return nil, fmt.Errorf("%w: %s volume is not FAT", types.ErrUnsupportedFormat, vol.Type())
	}
	if config.ScanBatchBytes <= 0 {
		config.ScanBatchBytes = DefaultScanBatchBytes
	}
	return &Builder{
		vol:    vol,
		vtype:  vol.Type(),
		bpc:    vol.BytesPerCluster(),
		config: config,
		log:    log.WithField("fs", vol.Type().String()),
	}, nil
}

// Update reads the whole volume and returns a fresh tree
func (b *Builder) Update(ctx context.Context, opts types.Options, progress types.ProgressFunc) (*snapshot.Tree, error) {
	opts = opts.Normalize()
	b.opts = opts
	b.progress = progress
	b.tree = snapshot.New(b.vtype, b.bpc)
	b.pending = make(map[types.RecordID]*pendingDir)
	b.subdirs = make(map[entryKey]types.RecordID)
	b.existing = NewScheduler(b.config.Scheduler)
	b.deleted = NewScheduler(b.config.Scheduler)
	b.scheduledDirs = make(map[uint32]bool)
	b.deletedDirs = make(map[uint32]bool)
	defer b.release()

	b.log.WithField("options", opts.String()).Debug("snapshot update started")

	b.report("loading FAT", 0)
	fat, err := loadTable(ctx, b.vol)
	if err != nil {
		return nil, err
	}
	b.fat = fat

	b.report("reading existing directories", 0)
	if err := b.loadExisting(ctx); err != nil {
		return nil, err
	}

	b.report("reading deleted directories", 0)
	if err := b.loadDeleted(ctx); err != nil {
		return nil, err
	}

	if opts.Has(types.OptScanVacantClusters) {
		if err := b.scanVacant(ctx); err != nil {
			return nil, err
		}
	}

	tree := b.tree
	if !opts.Has(types.OptShowExisting) {
		tree.FilterExisting(tree.Root)
	}

	b.fat.clearMarks()
	if opts.Has(types.OptEstimateDamage) {
		b.report("estimating damage", 0)
		b.estimate()
	}
	if opts.Has(types.OptLostClusterMap) {
		b.drawLost()
		tree.LostClusters = b.fat.lostSegments()
	}

	b.encodeChains()

	tree.Prune(opts)
	tree.RenameDuplicates(tree.Root)
	tree.AddDeletedFilesDir()
	if opts.Has(types.OptShowMetafiles) {
		tree.AddVirtualDir(tree.Root, snapshot.MetafilesName)
	}

	b.report("done", 100)
	b.log.WithFields(log.Fields{
		"records":  len(tree.Records),
		"warnings": len(tree.Warnings),
	}).Info("snapshot updated")
	return tree, nil
}

// release drops the state of the last Update
func (b *Builder) release() {
	b.fat = nil
	b.tree = nil
	b.pending = nil
	b.subdirs = nil
	b.existing = nil
	b.deleted = nil
	b.scheduledDirs = nil
	b.deletedDirs = nil
	b.scanIndex = nil
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

// readCluster reads one cluster from disk
func (b *Builder) readCluster(c uint32) ([]byte, bool) {
	buf := make([]byte, b.bpc)
	if err := b.vol.ReadClusters(buf, uint64(c), 1); err != nil {
		b.log.Debugf("cluster %d unreadable: %v", c, err)
		return nil, false
	}
	return buf, true
}
