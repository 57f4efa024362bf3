package types

import "strings"

// VolumeType identifies the filesystem found in a volume's boot sector.
type VolumeType uint8

const (
	VolumeUnknown VolumeType = iota
	VolumeFAT12
	VolumeFAT16
	VolumeFAT32
	VolumeExFAT
	VolumeNTFS
)

// String returns the conventional filesystem name
func (t VolumeType) String() string {
	switch t {
	case VolumeFAT12:
		return "FAT12"
	case VolumeFAT16:
		return "FAT16"
	case VolumeFAT32:
		return "FAT32"
	case VolumeExFAT:
		return "exFAT"
	case VolumeNTFS:
		return "NTFS"
	default:
		return "unknown"
	}
}

// IsFAT reports whether the type is one of the FAT12/16/32 variants
func (t VolumeType) IsFAT() bool {
	return t == VolumeFAT12 || t == VolumeFAT16 || t == VolumeFAT32
}

// Options selects what an Update pass includes in the tree and which
// analysis passes it runs.
type Options uint32

const (
	// OptShowExisting keeps existing (not deleted) files in the tree
	OptShowExisting Options = 1 << iota
	// OptScanVacantClusters sweeps free clusters for orphaned directories (FAT only)
	OptScanVacantClusters
	// OptShowZeroFiles keeps zero length files
	OptShowZeroFiles
	// OptShowEmptyDirs keeps directories without any file below them
	OptShowEmptyDirs
	// OptShowMetafiles attaches the "Metafiles" virtual directory
	OptShowMetafiles
	// OptEstimateDamage classifies every deleted file's recovery condition
	OptEstimateDamage
	// OptLostClusterMap computes the flat lost-cluster map; implies OptEstimateDamage
	OptLostClusterMap
	// OptReuseScanInfo reuses the previous vacant-cluster scan instead of sweeping again
	OptReuseScanInfo
)

// DefaultOptions mirrors what an interactive recovery session starts with
const DefaultOptions = OptEstimateDamage | OptShowEmptyDirs

// Has reports whether every bit of f is set
func (o Options) Has(f Options) bool {
	return o&f == f
}

// Normalize resolves option implications
func (o Options) Normalize() Options {
	if o.Has(OptLostClusterMap) {
		o |= OptEstimateDamage
	}
	return o
}

var optionNames = []struct {
	opt  Options
	name string
}{
	{OptShowExisting, "show-existing"},
	{OptScanVacantClusters, "scan-vacant"},
	{OptShowZeroFiles, "show-zero"},
	{OptShowEmptyDirs, "show-empty-dirs"},
	{OptShowMetafiles, "show-metafiles"},
	{OptEstimateDamage, "estimate-damage"},
	{OptLostClusterMap, "lost-clusters"},
	{OptReuseScanInfo, "reuse-scan"},
}

// String lists the set options separated by '|'
func (o Options) String() string {
	var parts []string
	for _, n := range optionNames {
		if o.Has(n.opt) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ClusterSegment is a run of clusters in the lost-cluster map
type ClusterSegment struct {
	First uint64 `json:"first" yaml:"first"`
	Count uint64 `json:"count" yaml:"count"`
}

// ProgressFunc receives a stage label and a completion percentage
type ProgressFunc func(stage string, percent int)

// Sparse is the LCN sentinel for a run that has no clusters on disk
const Sparse int64 = -1
