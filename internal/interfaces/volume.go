// File: internal/interfaces/volume.go
package interfaces

import "github.com/deploymenttheory/go-undelete/internal/types"

// VolumeReader provides sector and cluster granular reads over an opened volume
type VolumeReader interface {
	// Type returns the filesystem detected in the boot sector
	Type() types.VolumeType

	// BytesPerSector returns the sector size
	BytesPerSector() uint32

	// SectorsPerCluster returns the cluster size in sectors
	SectorsPerCluster() uint32

	// BytesPerCluster returns the cluster size in bytes
	BytesPerCluster() uint32

	// ClusterCount returns the number of addressable data clusters
	ClusterCount() uint64

	// ReadSectors reads count sectors starting at sector into buf
	ReadSectors(buf []byte, sector uint64, count uint32) error

	// ReadClusters reads count clusters starting at cluster into buf
	ReadClusters(buf []byte, cluster uint64, count uint32) error
}
