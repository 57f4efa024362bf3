package volume

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-restruct/restruct"

	"github.com/deploymenttheory/go-undelete/internal/types"
)

// FATGeometry holds the FAT12/16/32 layout derived from the BPB
type FATGeometry struct {
	Boot               types.FATBootSector
	Ext                *types.FAT32BootSectorExt
	FATSize            uint32 // sectors per FAT
	RootDirSectors     uint32
	FirstRootDirSector uint32
	FirstDataSector    uint32
	RootCluster        uint32 // FAT32 only
}

// ExFATGeometry holds the exFAT layout
type ExFATGeometry struct {
	Boot              types.ExFATBootSector
	FatOffset         uint32
	FatLength         uint32
	ClusterHeapOffset uint32
	RootCluster       uint32
}

// NTFSGeometry holds the NTFS layout
type NTFSGeometry struct {
	Boot            types.NTFSBootSector
	MFTCluster      uint64
	MFTMirrCluster  uint64
	RecordSize      uint32
	IndexBufferSize uint32
}

// bootInfo is the result of parsing sector 0
type bootInfo struct {
	vtype             types.VolumeType
	bytesPerSector    uint32
	sectorsPerCluster uint32
	totalSectors      uint64
	dataOrigin        uint64
	clusterCount      uint64
	fat               *FATGeometry
	exfat             *ExFATGeometry
	ntfs              *NTFSGeometry
}

func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// parseBootSector detects the filesystem in sector 0 and validates its geometry
func parseBootSector(sector []byte) (*bootInfo, error) {
	if len(sector) < 512 {
		return nil, fmt.Errorf("%w: boot sector is %d bytes", types.ErrInvalidBootSector, len(sector))
	}

	switch {
	case bytes.Equal(sector[3:11], types.NTFSOEMID[:]):
		return parseNTFSBoot(sector)
	case bytes.Equal(sector[3:11], types.ExFATFileSystemName[:]):
		return parseExFATBoot(sector)
	case sector[0] == 0xEB || sector[0] == 0xE9:
		return parseFATBoot(sector)
	default:
		return nil, fmt.Errorf("%w: no FAT, exFAT or NTFS signature in boot sector", types.ErrUnsupportedFormat)
	}
}

func parseNTFSBoot(sector []byte) (*bootInfo, error) {
	var bs types.NTFSBootSector
	if err := restruct.Unpack(sector, binary.LittleEndian, &bs); err != nil {
		return nil, fmt.Errorf("failed to unpack NTFS boot sector: %w", err)
	}

	bps := uint32(bs.BytesPerSector)
	if bps < 512 || !isPowerOfTwo(uint64(bps)) {
		return nil, fmt.Errorf("%w: NTFS bytes per sector %d", types.ErrInvalidBootSector, bps)
	}
	spc := uint32(bs.SectorsPerCluster)
	if spc > 0x80 {
		spc = 1 << (256 - spc)
	}
	if spc == 0 {
		return nil, fmt.Errorf("%w: NTFS sectors per cluster is zero", types.ErrInvalidBootSector)
	}
	if bs.TotalSectors == 0 {
		return nil, fmt.Errorf("%w: NTFS total sectors is zero", types.ErrInvalidBootSector)
	}

	clusters := bs.TotalSectors / uint64(spc)
	if bs.MFTCluster >= clusters {
		return nil, fmt.Errorf("%w: MFT cluster %d beyond %d clusters", types.ErrInvalidBootSector, bs.MFTCluster, clusters)
	}

	geo := &NTFSGeometry{
		Boot:            bs,
		MFTCluster:      bs.MFTCluster,
		MFTMirrCluster:  bs.MFTMirrCluster,
		RecordSize:      ntfsUnitSize(bs.ClustersPerMFTRecord, spc, bps),
		IndexBufferSize: ntfsUnitSize(bs.ClustersPerIndexBuffer, spc, bps),
	}
	if geo.RecordSize < 256 || !isPowerOfTwo(uint64(geo.RecordSize)) {
		return nil, fmt.Errorf("%w: MFT record size %d", types.ErrInvalidBootSector, geo.RecordSize)
	}

	return &bootInfo{
		vtype:             types.VolumeNTFS,
		bytesPerSector:    bps,
		sectorsPerCluster: spc,
		totalSectors:      bs.TotalSectors,
		clusterCount:      clusters,
		ntfs:              geo,
	}, nil
}

// ntfsUnitSize decodes the clusters-per-record encoding: negative values are log2 bytes
func ntfsUnitSize(v int8, spc, bps uint32) uint32 {
	if v < 0 {
		return 1 << uint32(-v)
	}
	return uint32(v) * spc * bps
}

func parseExFATBoot(sector []byte) (*bootInfo, error) {
	var bs types.ExFATBootSector
	if err := restruct.Unpack(sector, binary.LittleEndian, &bs); err != nil {
		return nil, fmt.Errorf("failed to unpack exFAT boot sector: %w", err)
	}

	if bs.JumpBoot != types.ExFATJumpBoot {
		return nil, fmt.Errorf("%w: exFAT jump boot % x", types.ErrInvalidBootSector, bs.JumpBoot)
	}
	if bs.BootSignature != types.BootSignature {
		return nil, fmt.Errorf("%w: exFAT boot signature 0x%04x", types.ErrInvalidBootSector, bs.BootSignature)
	}
	if bs.BytesPerSectorShift < 9 || bs.BytesPerSectorShift > 12 {
		return nil, fmt.Errorf("%w: exFAT bytes per sector shift %d", types.ErrInvalidBootSector, bs.BytesPerSectorShift)
	}
	if uint32(bs.SectorsPerClusterShift) > 25-uint32(bs.BytesPerSectorShift) {
		return nil, fmt.Errorf("%w: exFAT sectors per cluster shift %d", types.ErrInvalidBootSector, bs.SectorsPerClusterShift)
	}
	if bs.ClusterCount == 0 || bs.FatOffset == 0 || bs.ClusterHeapOffset == 0 {
		return nil, fmt.Errorf("%w: exFAT layout fields are zero", types.ErrInvalidBootSector)
	}

	return &bootInfo{
		vtype:             types.VolumeExFAT,
		bytesPerSector:    1 << bs.BytesPerSectorShift,
		sectorsPerCluster: 1 << bs.SectorsPerClusterShift,
		totalSectors:      bs.VolumeLength,
		dataOrigin:        uint64(bs.ClusterHeapOffset),
		clusterCount:      uint64(bs.ClusterCount),
		exfat: &ExFATGeometry{
			Boot:              bs,
			FatOffset:         bs.FatOffset,
			FatLength:         bs.FatLength,
			ClusterHeapOffset: bs.ClusterHeapOffset,
			RootCluster:       bs.FirstClusterOfRootDirectory,
		},
	}, nil
}

func parseFATBoot(sector []byte) (*bootInfo, error) {
	var bs types.FATBootSector
	if err := restruct.Unpack(sector[:types.FATBootSectorSize], binary.LittleEndian, &bs); err != nil {
		return nil, fmt.Errorf("failed to unpack FAT boot sector: %w", err)
	}

	bps := uint32(bs.BytsPerSec)
	if bps < 512 || !isPowerOfTwo(uint64(bps)) {
		return nil, fmt.Errorf("%w: FAT bytes per sector %d", types.ErrInvalidBootSector, bps)
	}
	if !isPowerOfTwo(uint64(bs.SecPerClus)) {
		return nil, fmt.Errorf("%w: FAT sectors per cluster %d", types.ErrInvalidBootSector, bs.SecPerClus)
	}
	if bs.RsvdSecCnt == 0 || bs.NumFATs == 0 {
		return nil, fmt.Errorf("%w: FAT reserved sectors or FAT count is zero", types.ErrInvalidBootSector)
	}
	if bs.TotSec16 == 0 && bs.TotSec32 == 0 {
		return nil, fmt.Errorf("%w: FAT total sectors is zero", types.ErrInvalidBootSector)
	}
	if bs.TotSec16 != 0 && bs.TotSec32 != 0 && uint32(bs.TotSec16) != bs.TotSec32 {
		return nil, fmt.Errorf("%w: FAT total sector fields disagree (%d, %d)", types.ErrInvalidBootSector, bs.TotSec16, bs.TotSec32)
	}

	geo := &FATGeometry{Boot: bs}
	geo.FATSize = uint32(bs.FATSz16)
	if geo.FATSize == 0 {
		var ext types.FAT32BootSectorExt
		if err := restruct.Unpack(sector[types.FATBootSectorSize:], binary.LittleEndian, &ext); err != nil {
			return nil, fmt.Errorf("failed to unpack FAT32 boot sector: %w", err)
		}
		geo.Ext = &ext
		geo.FATSize = ext.FATSz32
		geo.RootCluster = ext.RootClus
	}
	if geo.FATSize == 0 {
		return nil, fmt.Errorf("%w: FAT size is zero", types.ErrInvalidBootSector)
	}

	totSec := uint32(bs.TotSec16)
	if totSec == 0 {
		totSec = bs.TotSec32
	}
	geo.RootDirSectors = (uint32(bs.RootEntCnt)*types.FATDirEntrySize + bps - 1) / bps
	geo.FirstRootDirSector = uint32(bs.RsvdSecCnt) + uint32(bs.NumFATs)*geo.FATSize
	geo.FirstDataSector = geo.FirstRootDirSector + geo.RootDirSectors
	if geo.FirstDataSector >= totSec {
		return nil, fmt.Errorf("%w: FAT data area starts past the volume end", types.ErrInvalidBootSector)
	}
	count := (totSec - geo.FirstDataSector) / uint32(bs.SecPerClus)

	vtype := types.VolumeFAT32
	switch {
	case count < types.FAT12MaxClusters:
		vtype = types.VolumeFAT12
	case count < types.FAT16MaxClusters:
		vtype = types.VolumeFAT16
	}
	if vtype == types.VolumeFAT32 && geo.Ext == nil {
		return nil, fmt.Errorf("%w: FAT32 cluster count with a FAT16 BPB", types.ErrInvalidBootSector)
	}
	if vtype != types.VolumeFAT32 && bs.RootEntCnt == 0 {
		return nil, fmt.Errorf("%w: %s volume without root entries", types.ErrInvalidBootSector, vtype)
	}

	return &bootInfo{
		vtype:             vtype,
		bytesPerSector:    bps,
		sectorsPerCluster: uint32(bs.SecPerClus),
		totalSectors:      uint64(totSec),
		dataOrigin:        uint64(geo.FirstDataSector),
		clusterCount:      uint64(count),
		fat:               geo,
	}, nil
}
