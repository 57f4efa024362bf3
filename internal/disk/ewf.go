package disk

import (
	"fmt"
	"io"

	ewfLib "github.com/aarsakian/EWF_Reader/ewf"
	ewfutils "github.com/aarsakian/EWF_Reader/ewf/utils"
	log "github.com/sirupsen/logrus"
)

// EWFDevice reads the media stored in an Expert Witness (.E01) evidence set
type EWFDevice struct {
	path   string
	image  ewfLib.EWF_Image
	size   int64
	offset int64
}

// OpenEWF parses every segment file of the evidence set that path belongs to
func OpenEWF(path string, config *DeviceConfig) (device *EWFDevice, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("failed to parse EWF evidence %s: %v", path, r)
		}
	}()

	filenames := ewfutils.FindEvidenceFiles(path)
	if len(filenames) == 0 {
		return nil, fmt.Errorf("no EWF segment files found for %s", path)
	}

	var image ewfLib.EWF_Image
	image.ParseEvidence(filenames)

	device = &EWFDevice{
		path:  path,
		image: image,
		size:  int64(image.Chuncksize) * int64(image.NofChunks),
	}
	if device.size == 0 {
		return nil, fmt.Errorf("no valid EWF segment found for %s", path)
	}

	switch {
	case config.PartitionOffset > 0:
		device.offset = config.PartitionOffset
	case config.AutoDetectPartition:
		if offset, method, err := detectPartitionOffset(device, device.size); err == nil {
			device.offset = offset
			log.WithField("device", path).Debugf("filesystem found via %s at offset %d", method, offset)
		}
	}

	return device, nil
}

// ReadAt implements io.ReaderAt over the decompressed media
func (d *EWFDevice) ReadAt(p []byte, off int64) (n int, err error) {
	off += d.offset
	if off >= d.size {
		return 0, io.EOF
	}
	want := int64(len(p))
	if off+want > d.size {
		want = d.size - off
	}

	data, err := retrieveSafely(func() []byte { return d.image.RetrieveData(off, want) })
	if err != nil {
		return 0, fmt.Errorf("failed to read EWF data at %d: %w", off, err)
	}
	n = copy(p, data)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the media size past the filesystem offset
func (d *EWFDevice) Size() int64 {
	return d.size - d.offset
}

// Path returns the first segment path
func (d *EWFDevice) Path() string {
	return d.path
}

// Kind returns KindEWF
func (d *EWFDevice) Kind() string {
	return KindEWF
}

// Close is a no-op; segment files are read on demand
func (d *EWFDevice) Close() error {
	return nil
}

// retrieveSafely converts a panic inside an image library into an error
func retrieveSafely(fn func() []byte) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("image reader panic: %v", r)
		}
	}()
	return fn(), nil
}
