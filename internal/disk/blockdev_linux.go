//go:build linux

package disk

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// blockDeviceSize asks the kernel for the size of a block device in bytes
func blockDeviceSize(f *os.File) (int64, error) {
	size, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		return 0, fmt.Errorf("BLKGETSIZE64: %w", err)
	}
	return int64(size), nil
}

// MountSource returns the device a mount point is mounted from
func MountSource(mountPoint string) (string, error) {
	abs, err := filepath.Abs(mountPoint)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return "", fmt.Errorf("failed to read mount table: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		point, source, ok := parseMountInfoLine(scanner.Text())
		if ok && point == abs {
			if !strings.HasPrefix(source, "/dev/") {
				return "", fmt.Errorf("%s is mounted from %q, not a block device", abs, source)
			}
			return source, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read mount table: %w", err)
	}
	return "", fmt.Errorf("%s is not a mount point", abs)
}

// parseMountInfoLine extracts the mount point and source of one mountinfo line
func parseMountInfoLine(line string) (point, source string, ok bool) {
	fields := strings.Fields(line)
	sep := -1
	for i, f := range fields {
		if f == "-" {
			sep = i
			break
		}
	}
	if sep < 5 || len(fields) < sep+3 {
		return "", "", false
	}
	return unescapeMountField(fields[4]), unescapeMountField(fields[sep+2]), true
}

// unescapeMountField decodes the octal escapes the kernel uses for blanks
func unescapeMountField(s string) string {
	r := strings.NewReplacer(`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`)
	return r.Replace(s)
}
