//go:build !linux

package disk

import (
	"fmt"
	"io"
	"os"
)

// blockDeviceSize seeks to the end of the device
func blockDeviceSize(f *os.File) (int64, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("failed to seek device end: %w", err)
	}
	return size, nil
}

// MountSource is only supported on Linux
func MountSource(mountPoint string) (string, error) {
	return "", fmt.Errorf("resolving mounted volumes is not supported on this platform")
}
