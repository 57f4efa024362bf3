package disk

// Device backend names
const (
	KindRaw   = "raw"
	KindBlock = "block"
	KindEWF   = "ewf"
	KindVMDK  = "vmdk"
)

// DefaultBlockSize is the cache granularity of ImageDevice
const DefaultBlockSize = 4096

// DeviceConfig holds configuration for opening devices and images
type DeviceConfig struct {
	AutoDetectPartition bool  `mapstructure:"auto_detect_partition" yaml:"auto_detect_partition"`
	PartitionOffset     int64 `mapstructure:"partition_offset" yaml:"partition_offset"`
	CacheEnabled        bool  `mapstructure:"cache_enabled" yaml:"cache_enabled"`
	CacheSize           int   `mapstructure:"cache_size" yaml:"cache_size"`
	BlockSize           int   `mapstructure:"block_size" yaml:"block_size"`
}

// DefaultDeviceConfig returns the settings used when no configuration is loaded
func DefaultDeviceConfig() *DeviceConfig {
	return &DeviceConfig{
		AutoDetectPartition: true,
		CacheEnabled:        true,
		CacheSize:           64,
		BlockSize:           DefaultBlockSize,
	}
}
