package disk

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aarsakian/VMDK_Reader/vmdk"
	log "github.com/sirupsen/logrus"
)

// vmdkDescriptorSignature is the first line of every VMDK text descriptor
const vmdkDescriptorSignature = "# Disk DescriptorFile"

// VMDKDevice reads the virtual disk described by a sparse VMDK descriptor,
// falling back to the parent image for grains a snapshot does not hold
type VMDKDevice struct {
	path   string
	image  vmdk.VMDKImage
	size   int64
	offset int64
}

// OpenVMDK parses the descriptor at path and the extents it lists
func OpenVMDK(path string, config *DeviceConfig) (device *VMDKDevice, err error) {
	if err := checkVMDKDescriptor(path); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("failed to parse VMDK %s: %v", path, r)
		}
	}()

	image := vmdk.VMDKImage{Path: path}
	image.Process()
	if len(image.Extents) == 0 {
		return nil, fmt.Errorf("VMDK descriptor %s lists no extents", path)
	}
	if image.HasParent() {
		parent, err := image.LocateParent()
		if err != nil {
			return nil, fmt.Errorf("failed to locate parent of VMDK snapshot %s: %w", path, err)
		}
		parent.Process()
		image.ParentImage = &parent
		log.WithField("device", path).Debugf("snapshot of %s", parent.Path)
	}

	device = &VMDKDevice{
		path:  path,
		image: image,
		size:  image.GetHDSize(),
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

// checkVMDKDescriptor rejects files that are not text descriptors; the
// reader library exits the process on them
func checkVMDKDescriptor(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open VMDK descriptor: %w", err)
	}
	defer f.Close()

	line, err := bufio.NewReader(io.LimitReader(f, 256)).ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to read VMDK descriptor: %w", err)
	}
	if strings.TrimSuffix(line, "\n") != vmdkDescriptorSignature {
		return fmt.Errorf("%s is not a VMDK descriptor (monolithic sparse extents must be opened through their descriptor)", path)
	}
	return nil
}

// ReadAt implements io.ReaderAt over the virtual disk
func (d *VMDKDevice) ReadAt(p []byte, off int64) (n int, err error) {
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
		return 0, fmt.Errorf("failed to read VMDK data at %d: %w", off, err)
	}
	n = copy(p, data)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the virtual disk size past the filesystem offset
func (d *VMDKDevice) Size() int64 {
	return d.size - d.offset
}

// Path returns the descriptor path
func (d *VMDKDevice) Path() string {
	return d.path
}

// Kind returns KindVMDK
func (d *VMDKDevice) Kind() string {
	return KindVMDK
}

// Close is a no-op; extent files are opened per read
func (d *VMDKDevice) Close() error {
	return nil
}
