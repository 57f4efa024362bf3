package disk

import (
	"bytes"
	"io"
)

// KindMemory names devices backed by a byte slice
const KindMemory = "memory"

// MemoryDevice serves an in-memory image, e.g. one already extracted from a container
type MemoryDevice struct {
	reader *bytes.Reader
	name   string
}

// NewMemoryDevice wraps data as a read-only device
func NewMemoryDevice(name string, data []byte) *MemoryDevice {
	return &MemoryDevice{reader: bytes.NewReader(data), name: name}
}

// ReadAt implements io.ReaderAt
func (d *MemoryDevice) ReadAt(p []byte, off int64) (int, error) {
	n, err := d.reader.ReadAt(p, off)
	if err == io.EOF && n == len(p) {
		err = nil
	}
	return n, err
}

// Size returns the length of the image
func (d *MemoryDevice) Size() int64 {
	return d.reader.Size()
}

// Path returns the name given at construction
func (d *MemoryDevice) Path() string {
	return d.name
}

// Kind returns KindMemory
func (d *MemoryDevice) Kind() string {
	return KindMemory
}

// Close is a no-op
func (d *MemoryDevice) Close() error {
	return nil
}
