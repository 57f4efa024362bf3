// Package services ties an opened volume to the snapshot builder for its
// filesystem and serves listings and extraction from the latest snapshot.
package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-undelete/internal/interfaces"
	"github.com/deploymenttheory/go-undelete/internal/parsers/exfat"
	"github.com/deploymenttheory/go-undelete/internal/parsers/fat"
	"github.com/deploymenttheory/go-undelete/internal/parsers/ntfs"
	"github.com/deploymenttheory/go-undelete/internal/snapshot"
	"github.com/deploymenttheory/go-undelete/internal/types"
	"github.com/deploymenttheory/go-undelete/internal/volume"
)

// Engine is one recovery session over a volume. Update is not reentrant;
// Extract and ExportRaw refuse to run while an Update is in progress.
type Engine struct {
	vol     *volume.Volume
	builder interfaces.SnapshotBuilder
	config  *Config
	log     log.FieldLogger

	updating atomic.Bool

	mu   sync.RWMutex
	tree *snapshot.Tree
	opts types.Options
}

// FileHandle names a record of one snapshot generation
type FileHandle struct {
	Generation string
	ID         types.RecordID
}

// VolumeInfo summarizes the opened volume
type VolumeInfo struct {
	Path              string `json:"path" yaml:"path"`
	Device            string `json:"device" yaml:"device"`
	Type              string `json:"type" yaml:"type"`
	Version           string `json:"version,omitempty" yaml:"version,omitempty"`
	BytesPerSector    uint32 `json:"bytes_per_sector" yaml:"bytes_per_sector"`
	SectorsPerCluster uint32 `json:"sectors_per_cluster" yaml:"sectors_per_cluster"`
	BytesPerCluster   uint32 `json:"bytes_per_cluster" yaml:"bytes_per_cluster"`
	ClusterCount      uint64 `json:"cluster_count" yaml:"cluster_count"`
	TotalSectors      uint64 `json:"total_sectors" yaml:"total_sectors"`
}

// Open opens the volume at path and prepares the builder for its filesystem
func Open(path string, config *Config) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	vol, err := volume.Open(path, &config.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to open volume %s: %w", path, err)
	}
	e, err := NewEngine(vol, config)
	if err != nil {
		vol.Close()
		return nil, err
	}
	return e, nil
}

// NewEngine wraps an opened volume. The engine owns vol from here on.
func NewEngine(vol *volume.Volume, config *Config) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	builder, err := newBuilder(vol, config)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		vol:     vol,
		builder: builder,
		config:  config,
		log:     log.WithFields(log.Fields{"volume": vol.Path(), "fs": vol.Type().String()}),
	}
	e.log.WithFields(log.Fields{
		"cluster_size": vol.BytesPerCluster(),
		"clusters":     vol.ClusterCount(),
	}).Debug("engine opened")
	return e, nil
}

func newBuilder(vol *volume.Volume, config *Config) (interfaces.SnapshotBuilder, error) {
	switch t := vol.Type(); {
	case t.IsFAT():
		return fat.NewBuilder(vol, fat.Config{
			Scheduler:      config.Scheduler,
			ScanBatchBytes: config.ScanBatchBytes,
		})
	case t == types.VolumeExFAT:
		return exfat.NewBuilder(vol, exfat.Config{FATHeadBytes: config.FATHeadBytes})
	case t == types.VolumeNTFS:
		return ntfs.NewBuilder(vol, ntfs.Config{MFTBatchClusters: config.MFTBatchClusters})
	default:
		return nil, fmt.Errorf("%w: %s", types.ErrUnsupportedFormat, t)
	}
}

// Close drops the snapshot and releases the volume
func (e *Engine) Close() error {
	e.mu.Lock()
	e.tree = nil
	e.mu.Unlock()
	if d, ok := e.vol.Device().(interface{ LogStats(log.FieldLogger) }); ok {
		d.LogStats(e.log)
	}
	return e.vol.Close()
}

// Volume returns the opened volume
func (e *Engine) Volume() *volume.Volume {
	return e.vol
}

// Info describes the opened volume
func (e *Engine) Info() VolumeInfo {
	info := VolumeInfo{
		Path:              e.vol.Path(),
		Type:              e.vol.Type().String(),
		BytesPerSector:    e.vol.BytesPerSector(),
		SectorsPerCluster: e.vol.SectorsPerCluster(),
		BytesPerCluster:   e.vol.BytesPerCluster(),
		ClusterCount:      e.vol.ClusterCount(),
		TotalSectors:      e.vol.TotalSectors(),
	}
	if d, ok := e.vol.Device().(interfaces.DeviceInfo); ok {
		info.Device = d.Kind()
	}
	if v, ok := e.builder.(interface{ Version() (uint8, uint8) }); ok {
		if major, minor := v.Version(); major != 0 {
			info.Version = fmt.Sprintf("%d.%d", major, minor)
		}
	}
	return info
}

// Update rebuilds the snapshot. Handles of earlier snapshots go stale once
// it succeeds; a failed Update keeps the previous snapshot.
func (e *Engine) Update(ctx context.Context, opts types.Options, progress types.ProgressFunc) (*snapshot.Tree, error) {
	if !e.updating.CompareAndSwap(false, true) {
		return nil, types.ErrBusy
	}
	defer e.updating.Store(false)

	// a rescan must see the device as it is now
	if d, ok := e.vol.Device().(interface{ ClearCache() }); ok {
		d.ClearCache()
	}
	opts = opts.Normalize()
	tree, err := e.builder.Update(ctx, opts, progress)
	if err != nil {
		return nil, fmt.Errorf("failed to update %s snapshot: %w", e.vol.Type(), err)
	}
	tree.Generation = uuid.NewString()

	e.mu.Lock()
	e.tree = tree
	e.opts = opts
	e.mu.Unlock()

	e.log.WithFields(log.Fields{
		"generation": tree.Generation,
		"warnings":   len(tree.Warnings),
	}).Debug("snapshot replaced")
	return tree, nil
}

// Snapshot returns the latest snapshot
func (e *Engine) Snapshot() (*snapshot.Tree, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.tree == nil {
		return nil, types.ErrNoSnapshot
	}
	return e.tree, nil
}

// Lookup resolves a slash separated path of the latest snapshot to a handle
func (e *Engine) Lookup(p string) (FileHandle, error) {
	tree, err := e.Snapshot()
	if err != nil {
		return FileHandle{}, err
	}
	rec, err := tree.Lookup(p)
	if err != nil {
		return FileHandle{}, err
	}
	return FileHandle{Generation: tree.Generation, ID: rec.ID}, nil
}

// Record returns the record a handle names
func (e *Engine) Record(h FileHandle) (*types.FileRecord, error) {
	tree, err := e.Snapshot()
	if err != nil {
		return nil, err
	}
	if h.Generation != tree.Generation {
		return nil, types.ErrStaleHandle
	}
	rec := tree.Record(h.ID)
	if rec == nil {
		return nil, fmt.Errorf("record %d is not part of the snapshot", h.ID)
	}
	return rec, nil
}

// LostClusterMap returns the clusters no existing file holds and that no
// deleted file claims alone. The snapshot must have been built with
// OptLostClusterMap.
func (e *Engine) LostClusterMap() ([]types.ClusterSegment, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.tree == nil {
		return nil, types.ErrNoSnapshot
	}
	if !e.opts.Has(types.OptLostClusterMap) {
		return nil, fmt.Errorf("snapshot %s was built without the lost cluster map", e.tree.Generation)
	}
	return e.tree.LostClusters, nil
}
