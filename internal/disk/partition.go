package disk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	sectorSize        = 512
	mbrPartitionTable = 446
	mbrEntrySize      = 16
	mbrSignatureOff   = 510
	mbrTypeGPT        = 0xEE
	gptHeaderOffset   = 512
	gptMaxEntries     = 128
)

// MBR partition types that can hold FAT, exFAT or NTFS
var mbrFilesystemTypes = map[byte]string{
	0x01: "FAT12",
	0x04: "FAT16",
	0x06: "FAT16",
	0x0B: "FAT32",
	0x0C: "FAT32 LBA",
	0x0E: "FAT16 LBA",
	0x07: "NTFS/exFAT",
}

// Microsoft basic data partition type GUID in on-disk byte order
// EBD0A0A2-B9E5-4433-87C0-68B6B72699C7
var gptBasicDataGUID = []byte{0xA2, 0xA0, 0xD0, 0xEB, 0xE5, 0xB9, 0x33, 0x44,
	0x87, 0xC0, 0x68, 0xB6, 0xB7, 0x26, 0x99, 0xC7}

// detectPartitionOffset returns the byte offset of the first FAT, exFAT or
// NTFS filesystem in the image and the method used to find it.
func detectPartitionOffset(r io.ReaderAt, size int64) (int64, string, error) {
	buf := make([]byte, 2*sectorSize)
	n, err := r.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return 0, "", fmt.Errorf("failed to read partition table: %w", err)
	}
	if n < sectorSize {
		return 0, "", fmt.Errorf("image too small for a boot sector: %d bytes", n)
	}

	if looksLikeBootSector(buf[:sectorSize]) {
		return 0, "boot_sector", nil
	}

	if binary.LittleEndian.Uint16(buf[mbrSignatureOff:]) != 0xAA55 {
		return 0, "", fmt.Errorf("no boot sector or MBR signature found")
	}

	for i := 0; i < 4; i++ {
		entry := buf[mbrPartitionTable+i*mbrEntrySize : mbrPartitionTable+(i+1)*mbrEntrySize]
		ptype := entry[4]
		start := int64(binary.LittleEndian.Uint32(entry[8:12])) * sectorSize

		if ptype == mbrTypeGPT {
			offset, err := parseGPTPartitionTable(r)
			if err != nil {
				return 0, "", err
			}
			return offset, "gpt", nil
		}
		if _, ok := mbrFilesystemTypes[ptype]; ok && start > 0 && start < size {
			return start, "mbr", nil
		}
	}

	return 0, "", fmt.Errorf("no supported partition found in MBR")
}

// parseGPTPartitionTable finds the first basic data partition in a GPT
func parseGPTPartitionTable(r io.ReaderAt) (int64, error) {
	header := make([]byte, sectorSize)
	if _, err := r.ReadAt(header, gptHeaderOffset); err != nil && err != io.EOF {
		return 0, fmt.Errorf("failed to read GPT header: %w", err)
	}
	if string(header[0:8]) != "EFI PART" {
		return 0, fmt.Errorf("no valid GPT signature found")
	}

	entriesLBA := binary.LittleEndian.Uint64(header[72:80])
	numEntries := binary.LittleEndian.Uint32(header[80:84])
	entrySize := binary.LittleEndian.Uint32(header[84:88])
	if entrySize < 128 || numEntries == 0 {
		return 0, fmt.Errorf("invalid GPT entry geometry: %d entries of %d bytes", numEntries, entrySize)
	}
	if numEntries > gptMaxEntries {
		numEntries = gptMaxEntries
	}

	entries := make([]byte, int(numEntries)*int(entrySize))
	if _, err := r.ReadAt(entries, int64(entriesLBA)*sectorSize); err != nil && err != io.EOF {
		return 0, fmt.Errorf("failed to read GPT entries: %w", err)
	}

	for i := 0; i < int(numEntries); i++ {
		entry := entries[i*int(entrySize) : (i+1)*int(entrySize)]
		if bytes.Equal(entry[0:16], gptBasicDataGUID) {
			startLBA := binary.LittleEndian.Uint64(entry[32:40])
			return int64(startLBA) * sectorSize, nil
		}
	}

	return 0, fmt.Errorf("no basic data partition found in GPT table")
}

// looksLikeBootSector reports whether b starts with a FAT, exFAT or NTFS boot sector
func looksLikeBootSector(b []byte) bool {
	oem := string(b[3:11])
	if oem == "NTFS    " || oem == "EXFAT   " {
		return true
	}
	if b[0] != 0xEB && b[0] != 0xE9 {
		return false
	}
	bps := binary.LittleEndian.Uint16(b[11:13])
	spc := b[13]
	return bps >= 512 && bps <= 4096 && bps&(bps-1) == 0 && spc != 0 && spc&(spc-1) == 0
}
