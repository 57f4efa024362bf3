package services

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-undelete/internal/disk"
	"github.com/deploymenttheory/go-undelete/internal/parsers/exfat"
	"github.com/deploymenttheory/go-undelete/internal/parsers/fat"
	"github.com/deploymenttheory/go-undelete/internal/parsers/ntfs"
	"github.com/deploymenttheory/go-undelete/internal/types"
)

// ConfigName is the base name of the configuration file
const ConfigName = "undelete-config"

var envKeyReplacer = strings.NewReplacer(".", "_")

// OptionsConfig mirrors types.Options for the configuration file
type OptionsConfig struct {
	ShowExisting       bool `mapstructure:"show_existing" yaml:"show_existing"`
	ScanVacantClusters bool `mapstructure:"scan_vacant_clusters" yaml:"scan_vacant_clusters"`
	ShowZeroFiles      bool `mapstructure:"show_zero_files" yaml:"show_zero_files"`
	ShowEmptyDirs      bool `mapstructure:"show_empty_dirs" yaml:"show_empty_dirs"`
	ShowMetafiles      bool `mapstructure:"show_metafiles" yaml:"show_metafiles"`
	EstimateDamage     bool `mapstructure:"estimate_damage" yaml:"estimate_damage"`
	LostClusterMap     bool `mapstructure:"lost_cluster_map" yaml:"lost_cluster_map"`
	ReuseScanInfo      bool `mapstructure:"reuse_scan_info" yaml:"reuse_scan_info"`
}

// Options converts the switches to a bitmask
func (o OptionsConfig) Options() types.Options {
	var opts types.Options
	set := func(on bool, f types.Options) {
		if on {
			opts |= f
		}
	}
	set(o.ShowExisting, types.OptShowExisting)
	set(o.ScanVacantClusters, types.OptScanVacantClusters)
	set(o.ShowZeroFiles, types.OptShowZeroFiles)
	set(o.ShowEmptyDirs, types.OptShowEmptyDirs)
	set(o.ShowMetafiles, types.OptShowMetafiles)
	set(o.EstimateDamage, types.OptEstimateDamage)
	set(o.LostClusterMap, types.OptLostClusterMap)
	set(o.ReuseScanInfo, types.OptReuseScanInfo)
	return opts.Normalize()
}

// Config holds everything an engine session reads from configuration
type Config struct {
	Device  disk.DeviceConfig `mapstructure:"device" yaml:"device"`
	Options OptionsConfig     `mapstructure:"options" yaml:"options"`

	// Scheduler is the FAT directory read order, "heap" or "fifo"
	Scheduler string `mapstructure:"scheduler" yaml:"scheduler"`

	ScanBatchBytes   int    `mapstructure:"scan_batch_bytes" yaml:"scan_batch_bytes"`
	FATHeadBytes     int    `mapstructure:"fat_head_bytes" yaml:"fat_head_bytes"`
	MFTBatchClusters uint32 `mapstructure:"mft_batch_clusters" yaml:"mft_batch_clusters"`

	// ExtractBatchClusters is the read size of Extract
	ExtractBatchClusters uint32 `mapstructure:"extract_batch_clusters" yaml:"extract_batch_clusters"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// DefaultConfig returns the settings used when no configuration file exists
func DefaultConfig() *Config {
	return &Config{
		Device: *disk.DefaultDeviceConfig(),
		Options: OptionsConfig{
			ShowEmptyDirs:  true,
			EstimateDamage: true,
		},
		Scheduler:            fat.SchedulerHeap,
		ScanBatchBytes:       fat.DefaultScanBatchBytes,
		FATHeadBytes:         exfat.DefaultFATHeadBytes,
		MFTBatchClusters:     ntfs.DefaultMFTBatchClusters,
		ExtractBatchClusters: DefaultExtractBatchClusters,
		LogLevel:             log.InfoLevel.String(),
	}
}

// setDefaults registers DefaultConfig with v so that environment variables
// can override keys that no file sets
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("device.auto_detect_partition", d.Device.AutoDetectPartition)
	v.SetDefault("device.partition_offset", d.Device.PartitionOffset)
	v.SetDefault("device.cache_enabled", d.Device.CacheEnabled)
	v.SetDefault("device.cache_size", d.Device.CacheSize)
	v.SetDefault("device.block_size", d.Device.BlockSize)

	v.SetDefault("options.show_existing", d.Options.ShowExisting)
	v.SetDefault("options.scan_vacant_clusters", d.Options.ScanVacantClusters)
	v.SetDefault("options.show_zero_files", d.Options.ShowZeroFiles)
	v.SetDefault("options.show_empty_dirs", d.Options.ShowEmptyDirs)
	v.SetDefault("options.show_metafiles", d.Options.ShowMetafiles)
	v.SetDefault("options.estimate_damage", d.Options.EstimateDamage)
	v.SetDefault("options.lost_cluster_map", d.Options.LostClusterMap)
	v.SetDefault("options.reuse_scan_info", d.Options.ReuseScanInfo)

	v.SetDefault("scheduler", d.Scheduler)
	v.SetDefault("scan_batch_bytes", d.ScanBatchBytes)
	v.SetDefault("fat_head_bytes", d.FATHeadBytes)
	v.SetDefault("mft_batch_clusters", d.MFTBatchClusters)
	v.SetDefault("extract_batch_clusters", d.ExtractBatchClusters)
	v.SetDefault("log_level", d.LogLevel)
}

// LoadConfig loads the engine configuration using Viper. A missing file
// leaves the defaults in place.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(ConfigName)
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config", "$HOME/.undelete", "/etc/undelete"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	setDefaults(v)

	// UNDELETE_LOG_LEVEL, UNDELETE_OPTIONS_SHOW_EXISTING, ...
	v.SetEnvPrefix("UNDELETE")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		log.WithField("file", v.ConfigFileUsed()).Debug("configuration loaded")
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	switch c.Scheduler {
	case "", fat.SchedulerHeap, fat.SchedulerFIFO:
	default:
		return fmt.Errorf("unknown scheduler %q, use %q or %q", c.Scheduler, fat.SchedulerHeap, fat.SchedulerFIFO)
	}
	if c.LogLevel != "" {
		if _, err := log.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("invalid log_level: %w", err)
		}
	}
	if c.Device.BlockSize < 0 || c.Device.CacheSize < 0 {
		return fmt.Errorf("device cache settings must not be negative")
	}
	return nil
}
