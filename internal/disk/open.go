package disk

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-undelete/internal/interfaces"
)

// OpenDevice opens path with the backend matching what it points to: a
// mounted volume root resolves to its source device, .E01 and .vmdk files
// use the evidence readers, everything else is read as a flat image.
func OpenDevice(path string, config *DeviceConfig) (interfaces.Device, error) {
	if config == nil {
		config = DefaultDeviceConfig()
	}

	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if stat.IsDir() {
		source, err := MountSource(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve mounted volume %s: %w", path, err)
		}
		log.WithField("device", source).Infof("%s is mounted from %s", path, source)
		// A mounted volume's device starts at the filesystem itself
		cfg := *config
		cfg.AutoDetectPartition = false
		return OpenImage(source, &cfg)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".e01":
		return OpenEWF(path, config)
	case ".vmdk":
		return OpenVMDK(path, config)
	default:
		return OpenImage(path, config)
	}
}
