package volume

import (
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-undelete/internal/disk"
	"github.com/deploymenttheory/go-undelete/internal/interfaces"
	"github.com/deploymenttheory/go-undelete/internal/types"
)

// Volume is one opened raw storage extent with its detected geometry
type Volume struct {
	device interfaces.Device
	path   string
	boot   *bootInfo
	log    log.FieldLogger
}

// Open opens path (image, block device, evidence file or mounted root) and
// validates its boot sector.
func Open(path string, config *disk.DeviceConfig) (*Volume, error) {
	device, err := disk.OpenDevice(path, config)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrVolumeIO, err)
	}

	v, err := New(device, path)
	if err != nil {
		device.Close()
		return nil, err
	}
	return v, nil
}

// New detects the filesystem on an already opened device
func New(device interfaces.Device, path string) (*Volume, error) {
	sector := make([]byte, 512)
	n, err := device.ReadAt(sector, 0)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(sector)) {
		return nil, fmt.Errorf("%w: failed to read boot sector: %w", types.ErrVolumeIO, err)
	}

	boot, err := parseBootSector(sector)
	if err != nil {
		return nil, err
	}

	v := &Volume{
		device: device,
		path:   path,
		boot:   boot,
		log:    log.WithFields(log.Fields{"volume": path, "fs": boot.vtype.String()}),
	}

	if size := uint64(device.Size()); size > 0 && boot.totalSectors*uint64(boot.bytesPerSector) > size {
		v.log.Warnf("boot sector claims %d sectors but the device holds %d bytes",
			boot.totalSectors, size)
	}

	return v, nil
}

// Close releases the device
func (v *Volume) Close() error {
	if v.device == nil {
		return nil
	}
	err := v.device.Close()
	v.device = nil
	return err
}

// Path returns the path the volume was opened from
func (v *Volume) Path() string { return v.path }

// Type returns the detected filesystem
func (v *Volume) Type() types.VolumeType { return v.boot.vtype }

// BytesPerSector returns the sector size
func (v *Volume) BytesPerSector() uint32 { return v.boot.bytesPerSector }

// SectorsPerCluster returns the cluster size in sectors
func (v *Volume) SectorsPerCluster() uint32 { return v.boot.sectorsPerCluster }

// BytesPerCluster returns the cluster size in bytes
func (v *Volume) BytesPerCluster() uint32 {
	return v.boot.bytesPerSector * v.boot.sectorsPerCluster
}

// ClusterCount returns the number of data clusters
func (v *Volume) ClusterCount() uint64 { return v.boot.clusterCount }

// TotalSectors returns the volume length in sectors
func (v *Volume) TotalSectors() uint64 { return v.boot.totalSectors }

// FAT returns the FAT layout, or nil on other filesystems
func (v *Volume) FAT() *FATGeometry { return v.boot.fat }

// ExFAT returns the exFAT layout, or nil on other filesystems
func (v *Volume) ExFAT() *ExFATGeometry { return v.boot.exfat }

// NTFS returns the NTFS layout, or nil on other filesystems
func (v *Volume) NTFS() *NTFSGeometry { return v.boot.ntfs }

// Device returns the backing device
func (v *Volume) Device() interfaces.Device { return v.device }

// ReadSectors reads count sectors starting at sector. Reads past the end of
// the volume are logged and zero filled where the device has no data.
func (v *Volume) ReadSectors(buf []byte, sector uint64, count uint32) error {
	if v.device == nil {
		return fmt.Errorf("%w: volume is closed", types.ErrVolumeIO)
	}
	length := int(count) * int(v.boot.bytesPerSector)
	if len(buf) < length {
		return fmt.Errorf("buffer of %d bytes is too small for %d sectors", len(buf), count)
	}
	if sector+uint64(count) > v.boot.totalSectors {
		v.log.Warnf("reading sectors %d..%d beyond volume end %d", sector, sector+uint64(count), v.boot.totalSectors)
	}

	off := int64(sector) * int64(v.boot.bytesPerSector)
	n, err := v.device.ReadAt(buf[:length], off)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: failed to read %d sectors at %d: %w", types.ErrVolumeIO, count, sector, err)
		}
		v.log.Warnf("short read at sector %d: %d of %d bytes", sector, n, length)
		clear(buf[n:length])
	}
	return nil
}

// ReadClusters reads count clusters starting at cluster. FAT and exFAT
// clusters are numbered from 2 at the start of the data area; NTFS clusters
// are numbered from the start of the volume.
func (v *Volume) ReadClusters(buf []byte, cluster uint64, count uint32) error {
	sector, err := v.ClusterToSector(cluster)
	if err != nil {
		return err
	}
	return v.ReadSectors(buf, sector, count*v.boot.sectorsPerCluster)
}

// ClusterToSector translates a cluster number to its first sector
func (v *Volume) ClusterToSector(cluster uint64) (uint64, error) {
	spc := uint64(v.boot.sectorsPerCluster)
	if v.boot.vtype == types.VolumeNTFS {
		return cluster * spc, nil
	}
	if cluster < 2 {
		return 0, fmt.Errorf("%w: cluster %d is below the first data cluster", types.ErrVolumeIO, cluster)
	}
	return (cluster-2)*spc + v.boot.dataOrigin, nil
}
