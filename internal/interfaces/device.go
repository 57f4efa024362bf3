// File: internal/interfaces/device.go
package interfaces

import "io"

// Device is a flat, read-only byte source backing a volume: an image file,
// a block device or an evidence container.
type Device interface {
	io.ReaderAt

	// Size returns the size of the device in bytes
	Size() int64

	// Close releases the underlying handle
	Close() error
}

// DeviceInfo describes where a device's bytes come from
type DeviceInfo interface {
	// Path returns the path the device was opened from
	Path() string

	// Kind returns the backend name (raw, block, ewf, vmdk)
	Kind() string
}
